package metrics

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/redact"
)

// TimelineObserver writes a JSONL timeline per call into dir, named after the
// call sid. The file is closed when the call_end event arrives.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

func (o *TimelineObserver) RecordEvent(ev MetricsEvent) {
	callSID := ev.Tags["call_sid"]
	if callSID == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	line, err := json.Marshal(newTimelineEvent(ev))
	if err != nil {
		return
	}
	safe := sanitizeID(callSID)
	f := o.fileFor(safe)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
	if ev.Name == EventCallEnd {
		o.closeFile(safe)
	}
}

// Close closes any open files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

type timelineEvent struct {
	Time      time.Time      `json:"time"`
	Event     string         `json:"event"`
	CallSID   string         `json:"call_sid,omitempty"`
	StreamSID string         `json:"stream_sid,omitempty"`
	Value     float64        `json:"value,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func newTimelineEvent(ev MetricsEvent) timelineEvent {
	return timelineEvent{
		Time:      ev.Time.UTC(),
		Event:     ev.Name,
		CallSID:   ev.Tags["call_sid"],
		StreamSID: ev.Tags["stream_sid"],
		Value:     ev.Value,
		Fields:    sanitizeFields(ev.Fields),
	}
}

func (o *TimelineObserver) fileFor(safe string) *os.File {
	if safe == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	path := filepath.Join(o.dir, safe+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

func (o *TimelineObserver) closeFile(safe string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f := o.files[safe]; f != nil {
		_ = f.Close()
		delete(o.files, safe)
	}
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = redact.Text(s)
			continue
		}
		out[k] = v
	}
	return out
}

var _ Observer = (*TimelineObserver)(nil)

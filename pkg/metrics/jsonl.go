package metrics

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// JSONLObserver appends every event, from every call, to one JSON lines
// stream. Output is buffered until Flush.
type JSONLObserver struct {
	mu  sync.Mutex
	buf *bufio.Writer
	enc *json.Encoder
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	buf := bufio.NewWriter(w)
	return &JSONLObserver{buf: buf, enc: json.NewEncoder(buf)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	entry := newTimelineEvent(ev)
	o.mu.Lock()
	_ = o.enc.Encode(entry)
	o.mu.Unlock()
}

func (o *JSONLObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Flush()
}

package metrics

import "time"

// Per-call event names.
const (
	EventCallStart         = "call_start"
	EventAgentReady        = "agent_ready"
	EventGreetingSent      = "greeting_sent"
	EventAudioCommit       = "audio_commit"
	EventResponseDone      = "response_done"
	EventCommandDispatched = "command_dispatched"
	EventLookupFailed      = "lookup_failed"
	EventLookupDropped     = "lookup_dropped"
	EventMessageDelivered  = "message_delivered"
	EventMessageFailed     = "message_failed"
	EventCallerUtterance   = "caller_utterance"
	EventCallEnd           = "call_end"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Event builds an event stamped now and tagged with the call ids.
func Event(name, callSID, streamSID string) MetricsEvent {
	tags := map[string]string{}
	if callSID != "" {
		tags["call_sid"] = callSID
	}
	if streamSID != "" {
		tags["stream_sid"] = streamSID
	}
	return MetricsEvent{Name: name, Time: time.Now(), Tags: tags}
}

// With returns a copy of ev carrying one more field.
func (ev MetricsEvent) With(key string, value any) MetricsEvent {
	fields := make(map[string]any, len(ev.Fields)+1)
	for k, v := range ev.Fields {
		fields[k] = v
	}
	fields[key] = value
	ev.Fields = fields
	return ev
}

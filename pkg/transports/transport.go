package transports

import "context"

// EventType names a telephony leg event.
type EventType string

const (
	EventStart EventType = "start"
	EventMedia EventType = "media"
	EventMark  EventType = "mark"
	EventDTMF  EventType = "dtmf"
	EventStop  EventType = "stop"
)

// MediaEvent is one inbound telephony message, already decoded from the wire.
// Payload carries raw μ-law bytes for media events.
type MediaEvent struct {
	Type     EventType
	StreamID string
	CallID   string
	From     string
	Payload  []byte
	Digit    string
	Mark     string
	Reason   string
	Params   map[string]string
}

// MessageSender delivers a text message to a phone number.
type MessageSender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// CallerResolver looks up the caller address of a call on the telephony platform.
type CallerResolver interface {
	ResolveCallerAddress(ctx context.Context, callID string) (string, error)
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
}

// OutboundDialerWithOptions extends dialing with optional parameters.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

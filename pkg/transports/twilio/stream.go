package twilio

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/transports"
)

var ErrStreamClosed = errors.New("twilio: stream closed")

// StreamLeg is one Media Streams websocket. Inbound messages are decoded into
// transports.MediaEvent in arrival order; Events is closed when the socket
// ends. Outbound messages go through a single writer goroutine and nothing is
// written once Close has been called.
type StreamLeg struct {
	conn *websocket.Conn
	log  *slog.Logger

	events chan transports.MediaEvent
	sendCh chan []byte
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	mu       sync.Mutex
	streamID string
	callSID  string

	onStart func(*StreamLeg, transports.MediaEvent)
}

func newStreamLeg(conn *websocket.Conn, log *slog.Logger, onStart func(*StreamLeg, transports.MediaEvent)) *StreamLeg {
	if log == nil {
		log = slog.Default()
	}
	return &StreamLeg{
		conn:    conn,
		log:     log,
		events:  make(chan transports.MediaEvent, 256),
		sendCh:  make(chan []byte, 256),
		done:    make(chan struct{}),
		onStart: onStart,
	}
}

func (l *StreamLeg) run() {
	go l.writeLoop()
	go l.readLoop()
}

func (l *StreamLeg) Events() <-chan transports.MediaEvent { return l.events }

// IDs returns the stream and call sid once the start event has been seen.
func (l *StreamLeg) IDs() (streamID, callSID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streamID, l.callSID
}

// SendAudio queues one μ-law frame for playback.
func (l *StreamLeg) SendAudio(streamID string, mulaw []byte) error {
	return l.enqueue(outboundMedia{
		Event:     "media",
		StreamSID: streamID,
		Media:     outboundPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// Clear flushes audio Twilio has buffered but not yet played.
func (l *StreamLeg) Clear(streamID string) error {
	return l.enqueue(outboundControl{Event: "clear", StreamSID: streamID})
}

// Mark asks Twilio to echo name back once playback reaches this point.
func (l *StreamLeg) Mark(streamID, name string) error {
	return l.enqueue(outboundControl{Event: "mark", StreamSID: streamID, Mark: &outboundMark{Name: name}})
}

func (l *StreamLeg) Close() error {
	var err error
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

func (l *StreamLeg) Closed() bool { return l.closed.Load() }

func (l *StreamLeg) enqueue(msg any) error {
	if l.closed.Load() {
		return ErrStreamClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case l.sendCh <- b:
		return nil
	case <-l.done:
		return ErrStreamClosed
	}
}

func (l *StreamLeg) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case msg := <-l.sendCh:
			if l.closed.Load() {
				return
			}
			_ = l.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				l.log.Warn("twilio_stream_write_failed",
					"reason", errorsx.ReasonTransportSend,
					"error", err,
				)
				_ = l.Close()
				return
			}
		}
	}
}

func (l *StreamLeg) readLoop() {
	defer close(l.events)
	for {
		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := parseStreamEvent(msg)
		if err != nil {
			l.log.Warn("twilio_stream_malformed_event",
				"reason", errorsx.ReasonTransportMalformed,
				"error", err,
			)
			continue
		}
		if ev.Type == "" {
			continue
		}
		if ev.Type == transports.EventStart {
			l.mu.Lock()
			if l.streamID == "" {
				l.streamID = ev.StreamID
				l.callSID = ev.CallID
			}
			l.mu.Unlock()
			if l.onStart != nil {
				l.onStart(l, ev)
			}
		}
		select {
		case l.events <- ev:
		case <-l.done:
			return
		}
	}
}

// parseStreamEvent decodes one Media Streams message. Connected and unknown
// events come back with an empty Type.
func parseStreamEvent(msg []byte) (transports.MediaEvent, error) {
	var evt TwilioEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		return transports.MediaEvent{}, fmt.Errorf("decode event: %w", err)
	}
	switch evt.Event {
	case "start":
		if evt.Start == nil {
			return transports.MediaEvent{}, errors.New("start without payload")
		}
		streamID := firstNonEmpty(evt.Start.StreamSID, evt.StreamSID)
		if streamID == "" {
			return transports.MediaEvent{}, errors.New("start without stream sid")
		}
		from := evt.Start.From
		if from == "" {
			from = evt.Start.CustomParameters["from"]
		}
		return transports.MediaEvent{
			Type:     transports.EventStart,
			StreamID: streamID,
			CallID:   evt.Start.CallSID,
			From:     from,
			Params:   evt.Start.CustomParameters,
		}, nil
	case "media":
		if evt.Media == nil {
			return transports.MediaEvent{}, errors.New("media without payload")
		}
		payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
		if err != nil {
			return transports.MediaEvent{}, fmt.Errorf("decode media payload: %w", err)
		}
		return transports.MediaEvent{Type: transports.EventMedia, StreamID: evt.StreamSID, Payload: payload}, nil
	case "dtmf":
		if evt.DTMF == nil {
			return transports.MediaEvent{}, errors.New("dtmf without payload")
		}
		return transports.MediaEvent{Type: transports.EventDTMF, StreamID: evt.StreamSID, Digit: evt.DTMF.Digit}, nil
	case "mark":
		name := ""
		if evt.Mark != nil {
			name = evt.Mark.Name
		}
		return transports.MediaEvent{Type: transports.EventMark, StreamID: evt.StreamSID, Mark: name}, nil
	case "stop":
		reason := ""
		if evt.Stop != nil {
			reason = normalizeCallEndReason(evt.Stop.Reason)
		}
		if reason == "" {
			reason = "completed"
		}
		return transports.MediaEvent{Type: transports.EventStop, StreamID: evt.StreamSID, Reason: reason}, nil
	default:
		return transports.MediaEvent{}, nil
	}
}

type TwilioStart struct {
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	From             string            `json:"from"`
	CustomParameters map[string]string `json:"customParameters"`
}

type TwilioMedia struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

type TwilioDTMF struct {
	Digit string `json:"digit"`
}

type TwilioMark struct {
	Name string `json:"name"`
}

type TwilioStop struct {
	CallSID string `json:"callSid"`
	Reason  string `json:"reason"`
}

type TwilioEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Start     *TwilioStart `json:"start,omitempty"`
	Media     *TwilioMedia `json:"media,omitempty"`
	DTMF      *TwilioDTMF  `json:"dtmf,omitempty"`
	Mark      *TwilioMark  `json:"mark,omitempty"`
	Stop      *TwilioStop  `json:"stop,omitempty"`
}

type outboundPayload struct {
	Payload string `json:"payload"`
}

type outboundMedia struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid"`
	Media     outboundPayload `json:"media"`
}

type outboundMark struct {
	Name string `json:"name"`
}

type outboundControl struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Mark      *outboundMark `json:"mark,omitempty"`
}

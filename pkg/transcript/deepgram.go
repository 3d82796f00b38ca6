package transcript

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/redact"
)

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Interim        bool   `mapstructure:"interim"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	Buffer         int    `mapstructure:"buffer"`
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2-phonecall"
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	return c
}

// Deepgram opens one live transcription socket per call, fed with the
// caller's 8 kHz μ-law audio as-is.
type Deepgram struct {
	cfg      Config
	observer metrics.Observer
	log      *slog.Logger
}

func NewDeepgram(cfg Config, observer metrics.Observer, log *slog.Logger) *Deepgram {
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Deepgram{
		cfg:      cfg.withDefaults(),
		observer: observer,
		log:      logging.NewComponentLogger(log, "transcript"),
	}
}

func (d *Deepgram) Open(ctx context.Context, callID, streamID string) (Tap, error) {
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		return nil, errorsx.Wrap(errors.New("transcript: deepgram api key is required"), errorsx.ReasonTranscriptTap)
	}
	ctx, cancel := context.WithCancel(ctx)
	log := d.log.With("call_sid", callID, "stream_sid", streamID)

	topts := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       d.cfg.Language,
		Encoding:       "mulaw",
		SampleRate:     8000,
		Channels:       1,
		InterimResults: d.cfg.Interim,
		SmartFormat:    true,
		Punctuate:      true,
	}
	if d.cfg.UtteranceEndMS > 0 {
		topts.UtteranceEndMs = fmt.Sprintf("%d", d.cfg.UtteranceEndMS)
	}
	cb := &callback{callID: callID, streamID: streamID, observer: d.observer, log: log}

	dg, err := client.NewWSUsingCallback(ctx, d.cfg.APIKey, &interfaces.ClientOptions{EnableKeepAlive: true}, topts, cb)
	if err != nil {
		cancel()
		return nil, errorsx.Wrapf(errorsx.ReasonTranscriptTap, "transcript: create client: %w", err)
	}
	if !dg.Connect() {
		cancel()
		return nil, errorsx.Wrap(errors.New("transcript: deepgram connection failed"), errorsx.ReasonTranscriptTap)
	}

	pr, pw := io.Pipe()
	go func() {
		if err := dg.Stream(pr); err != nil && ctx.Err() == nil {
			log.Warn("transcript_stream_error", "error", err.Error())
		}
	}()
	log.Info("transcript_tap_opened", "model", d.cfg.Model)
	return newStreamTap(pw, func() {
		dg.Stop()
		cancel()
	}, d.cfg.Buffer, log), nil
}

// callback turns deepgram events into log lines and caller_utterance metrics.
type callback struct {
	callID   string
	streamID string
	observer metrics.Observer
	log      *slog.Logger
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.log.Debug("transcript_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if text == "" {
		return nil
	}
	if !mr.IsFinal && !mr.SpeechFinal {
		c.log.Debug("transcript_interim", "text", redact.Text(text))
		return nil
	}
	c.log.Info("transcript_caller_utterance", "text", redact.Text(text))
	c.observer.RecordEvent(metrics.Event(metrics.EventCallerUtterance, c.callID, c.streamID).
		With("text", redact.Text(text)).
		With("speech_final", mr.SpeechFinal))
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if md != nil {
		c.log.Debug("transcript_metadata", "request_id", md.RequestID)
	}
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error { return nil }

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.log.Debug("transcript_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	if er == nil {
		return nil
	}
	c.log.Warn("transcript_error",
		"reason_code", string(errorsx.ReasonTranscriptTap),
		"error_code", er.ErrCode,
		"error_message", er.ErrMsg,
	)
	return nil
}

func (c *callback) UnhandledEvent(data []byte) error {
	c.log.Debug("transcript_unhandled_event", "size", len(data))
	return nil
}

var _ msginterfaces.LiveMessageCallback = (*callback)(nil)

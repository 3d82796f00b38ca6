// Package bridge relays one phone call between a telephony media stream and
// a realtime speech agent. Each call runs a single control loop that owns all
// of its state; calls share nothing but the caller registry.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/callbridge/pkg/codec"
	"github.com/harunnryd/callbridge/pkg/commands"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/realtime"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/resilience"
	"github.com/harunnryd/callbridge/pkg/transcript"
	"github.com/harunnryd/callbridge/pkg/transports"
)

const (
	// DefaultCommitThreshold is 200 ms of 8 kHz μ-law.
	DefaultCommitThreshold = 1600
	DefaultAgentRate       = 24000
	DefaultConnectTimeout  = 10 * time.Second
	DefaultGreeting        = "Greet the caller, say the name of the restaurant and ask how you can help."
)

// Config is built once at startup and shared read-only by every session.
type Config struct {
	Voice        string
	Instructions string
	Greeting     string
	Temperature  float64

	InputFormat  string
	OutputFormat string
	AgentRate    int

	CommitThreshold int
	ServerVAD       bool
	VADThreshold    float64
	VADSilenceMs    int
	BargeIn         bool

	ConnectTimeout time.Duration
	Commands       commands.Config
}

func (c Config) withDefaults() Config {
	if c.Voice == "" {
		c.Voice = realtime.DefaultVoice
	}
	if strings.TrimSpace(c.Greeting) == "" {
		c.Greeting = DefaultGreeting
	}
	if c.InputFormat == "" {
		c.InputFormat = realtime.AudioFormatPCM16
	}
	if c.OutputFormat == "" {
		c.OutputFormat = realtime.AudioFormatPCM16
	}
	if c.AgentRate <= 0 {
		c.AgentRate = DefaultAgentRate
	}
	if c.CommitThreshold <= 0 {
		c.CommitThreshold = DefaultCommitThreshold
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// SessionConfig is the session.update sent as soon as the agent leg opens.
func (c Config) SessionConfig() realtime.SessionConfig {
	instructions := strings.TrimSpace(c.Instructions)
	if instructions != "" {
		instructions += "\n\n"
	}
	instructions += commands.Grammar()
	sc := realtime.SessionConfig{
		Modalities:        []string{realtime.ModalityText, realtime.ModalityAudio},
		Instructions:      instructions,
		Voice:             c.Voice,
		InputAudioFormat:  c.InputFormat,
		OutputAudioFormat: c.OutputFormat,
	}
	if c.Temperature > 0 {
		t := c.Temperature
		sc.Temperature = &t
	}
	if c.ServerVAD {
		sc.TurnDetection = &realtime.TurnDetection{
			Type:              realtime.VADServer,
			Threshold:         c.VADThreshold,
			SilenceDurationMs: c.VADSilenceMs,
		}
	} else {
		sc.TurnDetectionDisabled = true
	}
	return sc
}

// Deps are the collaborators shared across sessions.
type Deps struct {
	Dial        AgentDialer
	Callers     CallerBook
	Searcher    commands.Searcher
	Sender      commands.MessageSender
	Breaker     *resilience.CircuitBreaker
	Transcripts transcript.Opener
	Observer    metrics.Observer
	Logger      *slog.Logger
}

type Bridge struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	deliveries sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Bridge, error) {
	cfg = cfg.withDefaults()
	if deps.Dial == nil {
		return nil, errorsx.Wrap(errors.New("bridge: agent dialer is required"), errorsx.ReasonConfigInvalid)
	}
	if _, err := codec.NewUplink(cfg.InputFormat, cfg.AgentRate); err != nil {
		return nil, errorsx.Wrapf(errorsx.ReasonConfigInvalid, "bridge: %w", err)
	}
	if _, err := codec.NewDownlink(cfg.OutputFormat, cfg.AgentRate); err != nil {
		return nil, errorsx.Wrapf(errorsx.ReasonConfigInvalid, "bridge: %w", err)
	}
	if deps.Transcripts == nil {
		deps.Transcripts = transcript.NoopOpener{}
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	return &Bridge{
		cfg:  cfg,
		deps: deps,
		log:  logging.NewComponentLogger(deps.Logger, "bridge"),
	}, nil
}

// WaitDeliveries blocks until message deliveries started by finished
// sessions complete.
func (b *Bridge) WaitDeliveries() {
	b.deliveries.Wait()
}

// Serve runs one call until either leg ends or ctx is cancelled. Both legs
// are closed when it returns.
func (b *Bridge) Serve(ctx context.Context, tel TelephonyLeg) error {
	traceID := uuid.NewString()
	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		ctx:     sctx,
		cancel:  cancel,
		log:     b.log.With("trace_id", traceID),
		tel:     tel,
		scanner: commands.NewScanner(),
		tap:     noopTap{},
		lookups: make(chan lookupResult, 1),
		taps:    make(chan transcript.Tap),
	}
	s.fsm.onChange = func(from, to State) {
		s.log.Debug("bridge_state_change", "from", from.String(), "to", to.String(), "call_sid", s.callID)
	}
	s.uplink, _ = codec.NewUplink(b.cfg.InputFormat, b.cfg.AgentRate)
	s.downlink, _ = codec.NewDownlink(b.cfg.OutputFormat, b.cfg.AgentRate)
	s.dispatcher = commands.NewDispatcher(b.cfg.Commands, commands.Deps{
		Searcher: b.deps.Searcher,
		Callers:  b.deps.Callers,
		Sender:   b.deps.Sender,
		Breaker:  b.deps.Breaker,
		Observer: b.deps.Observer,
		Logger:   s.log,
	})

	dctx, dcancel := context.WithTimeout(sctx, b.cfg.ConnectTimeout)
	agent, err := b.deps.Dial(dctx)
	dcancel()
	if err != nil {
		err = errorsx.Wrapf(errorsx.ReasonAgentDial, "bridge: dial agent: %w", err)
		s.log.Error("bridge_agent_dial_failed", "reason_code", string(errorsx.ReasonAgentDial), "error", err)
		b.teardown(s, "agent_dial_failed")
		return err
	}
	s.agent = agent
	if err := agent.UpdateSession(b.cfg.SessionConfig()); err != nil {
		err = errorsx.Wrapf(errorsx.ReasonAgentSend, "bridge: configure session: %w", err)
		s.log.Error("bridge_session_update_failed", "error", err)
		b.teardown(s, "agent_send_failed")
		return err
	}
	s.transition(StateAwaitingBothReady)
	s.log.Info("bridge_agent_connected")

	return b.loop(s)
}

func (b *Bridge) loop(s *session) error {
	telEvents := s.tel.Events()
	agentEvents := s.agent.Events()
	for {
		var (
			reason string
			err    error
		)
		select {
		case <-s.ctx.Done():
			reason = "context_canceled"
		case ev, ok := <-telEvents:
			if !ok {
				reason = "telephony_closed"
				break
			}
			reason, err = b.onTelephony(s, ev)
		case ev, ok := <-agentEvents:
			if !ok {
				reason = "agent_closed"
				break
			}
			reason, err = b.onAgent(s, ev)
		case res := <-s.lookups:
			err = b.onLookup(s, res)
		case tap := <-s.taps:
			s.tap = tap
		}
		if err != nil {
			s.log.Warn("bridge_leg_error", errorsx.Attrs(err)...)
			if reason == "" {
				reason = string(errorsx.Reason(err))
			}
		}
		if reason != "" {
			b.teardown(s, reason)
			return nil
		}
	}
}

func (b *Bridge) onTelephony(s *session, ev transports.MediaEvent) (string, error) {
	switch ev.Type {
	case transports.EventStart:
		if s.streamID != "" {
			s.log.Warn("bridge_duplicate_start", "call_sid", s.callID, "stream_sid", ev.StreamID)
			return "", nil
		}
		s.streamID = ev.StreamID
		s.callID = ev.CallID
		s.log = s.log.With("call_sid", s.callID, "stream_sid", s.streamID)
		s.telReady = true
		if ev.From != "" && b.deps.Callers != nil && s.callID != "" {
			b.deps.Callers.Put(s.callID, ev.From)
		}
		go b.openTap(s.ctx, s.log, s.taps, s.callID, s.streamID)
		s.log.Info("bridge_call_started", "from", redact.Phone(ev.From))
		b.deps.Observer.RecordEvent(metrics.Event(metrics.EventCallStart, s.callID, s.streamID))
		return "", b.maybePair(s)

	case transports.EventMedia:
		if len(ev.Payload) == 0 {
			return "", nil
		}
		s.tap.Write(ev.Payload)
		if err := s.agent.AppendAudio(s.uplink.Write(ev.Payload)); err != nil {
			return "agent_send_failed", errorsx.Wrap(err, errorsx.ReasonAgentSend)
		}
		s.commitBytes += len(ev.Payload)
		if s.commitBytes < b.cfg.CommitThreshold {
			return "", nil
		}
		if err := s.agent.CommitAudio(); err != nil {
			return "agent_send_failed", errorsx.Wrap(err, errorsx.ReasonAgentSend)
		}
		s.commitBytes = 0
		b.deps.Observer.RecordEvent(metrics.Event(metrics.EventAudioCommit, s.callID, s.streamID))
		if !b.cfg.ServerVAD && !s.turnActive && s.paired {
			if err := s.agent.CreateResponse(""); err != nil {
				return "agent_send_failed", errorsx.Wrap(err, errorsx.ReasonAgentSend)
			}
			s.turnActive = true
		}
		return "", nil

	case transports.EventStop:
		reason := ev.Reason
		if reason == "" {
			reason = "completed"
		}
		return "telephony_stop_" + reason, nil

	case transports.EventDTMF:
		s.log.Debug("bridge_dtmf", "digit", ev.Digit)
	case transports.EventMark:
		s.log.Debug("bridge_mark", "mark", ev.Mark)
	}
	return "", nil
}

func (b *Bridge) onAgent(s *session, ev realtime.ServerEvent) (string, error) {
	switch ev.Type {
	case realtime.EventSessionCreated:
		s.log.Debug("bridge_agent_session_created")
	case realtime.EventSessionUpdated:
		if s.agentReady {
			return "", nil
		}
		s.agentReady = true
		s.log.Info("bridge_agent_ready")
		b.deps.Observer.RecordEvent(metrics.Event(metrics.EventAgentReady, s.callID, s.streamID))
		return "", b.maybePair(s)

	case realtime.EventResponseCreated:
		s.turnActive = true

	case realtime.EventResponseAudioDelta:
		return "", b.sendFrames(s, s.downlink.Write(ev.Audio))

	case realtime.EventResponseAudioTranscriptDelta, realtime.EventResponseTextDelta:
		b.onText(s, ev.Delta)

	case realtime.EventResponseDone:
		s.turnActive = false
		var err error
		if tail := s.downlink.Flush(); len(tail) > 0 {
			err = b.sendFrames(s, [][]byte{tail})
		}
		if text := strings.TrimSpace(s.scanner.Text()); text != "" {
			s.log.Info("bridge_agent_turn", "text", redact.Text(text))
		}
		s.scanner.Reset()
		b.deps.Observer.RecordEvent(metrics.Event(metrics.EventResponseDone, s.callID, s.streamID))
		if s.fsm.State() == StateGreeting {
			s.transition(StateActive)
		}
		return "", err

	case realtime.EventInputAudioBufferSpeechStart:
		if b.cfg.BargeIn && s.paired {
			b.bargeIn(s)
		}

	case realtime.EventError:
		attrs := []any{"reason_code", string(errorsx.ReasonAgentError)}
		if ev.Error != nil {
			attrs = append(attrs, "error", ev.Error.Error())
		}
		s.log.Warn("bridge_agent_error", attrs...)
	}
	return "", nil
}

func (b *Bridge) onText(s *session, delta string) {
	if delta == "" {
		return
	}
	res := s.scanner.Feed(delta)
	for _, ignored := range res.Ignored {
		s.log.Warn("bridge_token_ignored", "token", ignored)
	}
	if res.Query != "" {
		s.log.Info("bridge_menu_search", "query", redact.Text(res.Query))
		b.deps.Observer.RecordEvent(metrics.Event(metrics.EventCommandDispatched, s.callID, s.streamID).
			With("kind", "MENU_SEARCH"))
		go b.runLookup(s, res.Query)
	}
	for _, kind := range res.Links {
		if s.dispatcher.SendLink(s.ctx, s.callID, kind) {
			s.log.Info("bridge_send_link", "kind", string(kind))
			b.deps.Observer.RecordEvent(metrics.Event(metrics.EventCommandDispatched, s.callID, s.streamID).
				With("kind", string(kind)))
		}
	}
}

// runLookup runs off the session loop; the result is handed back through
// s.lookups unless the session has ended.
func (b *Bridge) runLookup(s *session, query string) {
	summary, err := s.dispatcher.Search(s.ctx, query)
	select {
	case s.lookups <- lookupResult{query: query, summary: summary, err: err}:
	case <-s.ctx.Done():
	}
}

func (b *Bridge) onLookup(s *session, res lookupResult) error {
	if s.closing {
		return nil
	}
	if res.err != nil {
		s.log.Warn("bridge_lookup_failed",
			"query", redact.Text(res.query),
			"reason_code", string(errorsx.Reason(res.err)),
			"error", res.err,
		)
		b.deps.Observer.RecordEvent(metrics.Event(metrics.EventLookupFailed, s.callID, s.streamID))
		return nil
	}
	if s.turnActive {
		s.log.Warn("bridge_lookup_dropped",
			"query", redact.Text(res.query),
			"reason_code", string(errorsx.ReasonLookupDropped),
		)
		b.deps.Observer.RecordEvent(metrics.Event(metrics.EventLookupDropped, s.callID, s.streamID))
		return nil
	}
	if err := s.agent.CreateResponse(res.summary); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonAgentSend)
	}
	s.turnActive = true
	return nil
}

// openTap dials the transcript tap off the session loop. The tap is handed
// over only while the loop is still running; otherwise it is closed here.
func (b *Bridge) openTap(ctx context.Context, log *slog.Logger, out chan<- transcript.Tap, callID, streamID string) {
	tap, err := b.deps.Transcripts.Open(ctx, callID, streamID)
	if err != nil {
		log.Warn("bridge_transcript_unavailable", "reason_code", string(errorsx.Reason(err)), "error", err)
		return
	}
	select {
	case out <- tap:
	case <-ctx.Done():
		_ = tap.Close()
	}
}

// maybePair runs once both legs are ready: queued agent audio goes out in
// arrival order, then the single greeting turn is requested.
func (b *Bridge) maybePair(s *session) error {
	if s.paired || !s.bothReady() {
		return nil
	}
	s.paired = true
	pending := s.pendingFrames
	s.pendingFrames = nil
	if err := b.sendFrames(s, pending); err != nil {
		return err
	}
	if s.greetingSent {
		return nil
	}
	s.greetingSent = true
	if err := s.agent.CreateResponse(b.cfg.Greeting); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonAgentSend)
	}
	s.turnActive = true
	s.transition(StateGreeting)
	s.log.Info("bridge_greeting_sent", "flushed_frames", len(pending))
	b.deps.Observer.RecordEvent(metrics.Event(metrics.EventGreetingSent, s.callID, s.streamID))
	return nil
}

func (b *Bridge) sendFrames(s *session, frames [][]byte) error {
	if s.closing || len(frames) == 0 {
		return nil
	}
	if !s.paired {
		s.pendingFrames = append(s.pendingFrames, frames...)
		return nil
	}
	for _, f := range frames {
		if err := s.tel.SendAudio(s.streamID, f); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonTransportSend)
		}
	}
	return nil
}

func (b *Bridge) bargeIn(s *session) {
	s.downlink.Discard()
	s.pendingFrames = nil
	if err := s.tel.Clear(s.streamID); err != nil {
		s.log.Warn("bridge_barge_in_clear_failed", "error", err)
	}
	s.log.Info("bridge_barge_in", "turn_active", s.turnActive)
	if !s.turnActive {
		return
	}
	if err := s.agent.CancelResponse(); err != nil {
		s.log.Warn("bridge_barge_in_cancel_failed", "error", err)
	}
	s.turnActive = false
}

// teardown closes both legs and drops queued audio. Nothing is sent to the
// telephony leg afterwards.
func (b *Bridge) teardown(s *session, reason string) {
	s.closing = true
	s.transition(StateClosing)
	s.pendingFrames = nil
	s.downlink.Discard()
	s.cancel()

	_ = s.tel.Close()
	if s.agent != nil {
		_ = s.agent.Close()
	}
	_ = s.tap.Close()
	s.transition(StateClosed)

	b.deliveries.Add(1)
	go func() {
		defer b.deliveries.Done()
		s.dispatcher.Wait()
	}()

	s.log.Info("bridge_call_ended", "reason", reason, "uncommitted_bytes", s.commitBytes)
	b.deps.Observer.RecordEvent(metrics.Event(metrics.EventCallEnd, s.callID, s.streamID).With("reason", reason))
}

type noopTap struct{}

func (noopTap) Write([]byte) {}
func (noopTap) Close() error { return nil }

// Package callbridge wires the Twilio transport, the realtime agent dialer and
// the per-call bridge into one process.
package callbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/bridge"
	"github.com/harunnryd/callbridge/pkg/callers"
	"github.com/harunnryd/callbridge/pkg/commands"
	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/knowledge"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/resilience"
	"github.com/harunnryd/callbridge/pkg/runner"
	"github.com/harunnryd/callbridge/pkg/transcript"
	"github.com/harunnryd/callbridge/pkg/transports/twilio"
)

type Engine struct {
	cfg       Config
	log       *slog.Logger
	transport *twilio.Transport
	bridge    *bridge.Bridge
	callers   *callers.Registry
	knowledge *knowledge.Store
	runner    *runner.LifecycleRunner
	asyncObs  *metrics.AsyncObserver
	timeline  *metrics.TimelineObserver
	events    *os.File
	ctx       context.Context
	cancel    context.CancelFunc
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Dial overrides the configured agent provider.
	Dial bridge.AgentDialer
	// Sender overrides Twilio SMS delivery.
	Sender commands.MessageSender
	// Resolver overrides Twilio caller lookup.
	Resolver callers.Resolver
	// Observers are added next to the logger and timeline observers.
	Observers []metrics.Observer

	BannerOut   io.Writer
	BannerTitle string
	Quiet       bool
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	log := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	slog.SetDefault(log)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	log.Info("callbridge_init",
		"environment", cfg.Environment,
		"agent_provider", cfg.Agent.Provider,
		"transcript_enabled", cfg.Transcript.Enabled,
		"server_vad", cfg.Agent.ServerVAD,
		"links", len(cfg.Commands.Links),
	)

	obsList := []metrics.Observer{metrics.NewLoggerObserver(log)}
	var timelineObs *metrics.TimelineObserver
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			removed, err := metrics.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
			if err != nil {
				log.Warn("artifacts_purge_failed", "dir", dir, "error", err.Error())
			} else if removed > 0 {
				log.Info("artifacts_purged", "dir", dir, "removed", removed)
			}
		}
		timelineObs = metrics.NewTimelineObserver(dir)
		obsList = append(obsList, timelineObs)
	}
	var eventsFile *os.File
	if path := strings.TrimSpace(cfg.Observability.EventsFile); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errorsx.Wrapf(errorsx.ReasonConfigInvalid, "observability.events_file: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, errorsx.Wrapf(errorsx.ReasonConfigInvalid, "observability.events_file: %w", err)
		}
		eventsFile = f
		obsList = append(obsList, metrics.NewJSONLObserver(f))
	}
	obsList = append(obsList, opts.Observers...)
	asyncObs := metrics.NewAsyncObserver(metrics.NewMultiObserver(obsList...), 2048)
	closeObservers := func() {
		asyncObs.Close()
		if timelineObs != nil {
			_ = timelineObs.Close()
		}
		if eventsFile != nil {
			_ = eventsFile.Close()
		}
	}

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviderRegistry()
	}

	dial := opts.Dial
	if dial == nil {
		var err error
		dial, err = providers.BuildAgent(cfg.Agent.Provider, cfg.Agent.Settings, log)
		if err != nil {
			closeObservers()
			return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
		}
	}

	var tap transcript.Opener = transcript.NoopOpener{}
	if cfg.Transcript.Enabled {
		opener, err := providers.BuildTranscript(cfg.Transcript.Provider, cfg.Transcript.Settings, asyncObs, log)
		if err != nil {
			closeObservers()
			return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
		}
		tap = opener
	}

	store, err := knowledge.Open(knowledge.Options{
		Dir:      cfg.Knowledge.Dir,
		InMemory: cfg.Knowledge.InMemory,
		Logger:   log,
	})
	if err != nil {
		closeObservers()
		return nil, err
	}
	if dir := strings.TrimSpace(cfg.Knowledge.SourceDir); dir != "" {
		n, err := store.IngestDir(context.Background(), dir)
		if err != nil {
			_ = store.Close()
			closeObservers()
			return nil, err
		}
		log.Info("knowledge_ready", "source_dir", dir, "paragraphs", n)
	}

	tcfg := cfg.TransportConfig()
	resolver := opts.Resolver
	if resolver == nil {
		resolver = twilio.NewCallerResolver(tcfg)
	}
	registry := callers.NewRegistry(resolver)

	sender := opts.Sender
	if sender == nil {
		sender = twilio.NewSMSSender(tcfg)
	}

	b, err := bridge.New(bridgeConfig(cfg), bridge.Deps{
		Dial:        dial,
		Callers:     registry,
		Searcher:    store,
		Sender:      sender,
		Breaker:     resilience.NewCircuitBreaker(cfg.Commands.BreakerFailures, configutil.Millis(cfg.Commands.BreakerCooldownMS, 30*time.Second)),
		Transcripts: tap,
		Observer:    asyncObs,
		Logger:      log,
	})
	if err != nil {
		_ = store.Close()
		closeObservers()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	transport := twilio.New(tcfg)
	transport.OnVoice(func(callSID, from string) {
		if from != "" {
			registry.Put(callSID, from)
		}
	})
	transport.OnStream(func(sctx context.Context, leg *twilio.StreamLeg) {
		err := b.Serve(sctx, leg)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("call_failed", errorsx.Attrs(err)...)
		}
	})

	e := &Engine{
		cfg:       cfg,
		log:       log,
		transport: transport,
		bridge:    b,
		callers:   registry,
		knowledge: store,
		asyncObs:  asyncObs,
		timeline:  timelineObs,
		events:    eventsFile,
		ctx:       ctx,
		cancel:    cancel,
	}

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "callbridge ready"}
			for k, v := range transport.ReadyFields() {
				fields = append(fields, k, v)
			}
			log.Info("engine_ready", fields...)
		},
		OnStop: e.closeResources,
	}

	drainTimeout := configutil.Millis(cfg.Server.DrainTimeoutMS, 20*time.Second)
	drainer := runner.DrainerFunc(func() error {
		return drainCalls(transport, b, drainTimeout)
	})

	e.runner = runner.NewLifecycleRunner(drainer, hooks, drainTimeout+10*time.Second).
		WithBanner(opts.BannerOut, opts.BannerTitle)
	if opts.Quiet {
		e.runner.Quiet()
	}
	return e, nil
}

// Start begins serving webhooks and media streams. It returns once the
// server is listening in the background.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.transport.Start(e.ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	go func() {
		if err := e.runner.Run(ctx); err != nil {
			e.log.Warn("engine_stop_error", "error", err.Error())
		}
	}()
	return nil
}

// Stop drains active calls and closes shared resources.
func (e *Engine) Stop() error {
	err := e.runner.Stop()
	e.cancel()
	return err
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Transport() *twilio.Transport { return e.transport }

func (e *Engine) Knowledge() *knowledge.Store { return e.knowledge }

func (e *Engine) Callers() *callers.Registry { return e.callers }

func (e *Engine) closeResources() {
	e.asyncObs.Close()
	if e.timeline != nil {
		_ = e.timeline.Close()
	}
	if e.events != nil {
		_ = e.events.Close()
	}
	if err := e.knowledge.Close(); err != nil {
		e.log.Warn("knowledge_close_failed", "error", err.Error())
	}
	e.log.Info("shutdown",
		"goroutines", runtime.NumGoroutine(),
		"active_calls", e.transport.Active(),
		"known_callers", e.callers.Len(),
		"observer_dropped", e.asyncObs.Dropped(),
	)
}

// TransportConfig maps the server and twilio sections onto the transport.
func (c Config) TransportConfig() twilio.Config {
	return twilio.Config{
		ServerAddr:          c.Server.Addr,
		PublicURL:           c.Server.PublicURL,
		StaticDir:           c.Server.StaticDir,
		StaticPath:          c.Server.StaticPath,
		AllowedOrigins:      c.Server.AllowedOrigins,
		AccountSID:          c.Twilio.AccountSID,
		AuthToken:           c.Twilio.AuthToken,
		MessagingFrom:       c.Twilio.MessagingFrom,
		MessagingServiceSID: c.Twilio.MessagingServiceSID,
		VoiceGreeting:       c.Twilio.VoiceGreeting,
		VoicePath:           c.Twilio.VoicePath,
		WebsocketPath:       c.Twilio.WebsocketPath,
		StatusCallbackPath:  c.Twilio.StatusCallbackPath,
	}
}

func bridgeConfig(cfg Config) bridge.Config {
	a := cfg.Agent
	c := cfg.Commands
	return bridge.Config{
		Voice:           a.Voice,
		Instructions:    a.Instructions,
		Greeting:        a.Greeting,
		Temperature:     a.Temperature,
		InputFormat:     a.InputFormat,
		OutputFormat:    a.OutputFormat,
		AgentRate:       a.SampleRate,
		CommitThreshold: a.CommitBytes,
		ServerVAD:       a.ServerVAD,
		VADThreshold:    a.VADThreshold,
		VADSilenceMs:    a.VADSilenceMS,
		BargeIn:         a.BargeIn,
		ConnectTimeout:  configutil.Millis(a.ConnectTimeoutMS, bridge.DefaultConnectTimeout),
		Commands: commands.Config{
			MaxResults:      c.MaxResults,
			MaxResultChars:  c.MaxResultChars,
			Links:           c.LinkTargets(),
			MessageTemplate: c.MessageTemplate,
			SearchTimeout:   configutil.Millis(c.LookupTimeoutMS, 3*time.Second),
			DeliveryTimeout: configutil.Millis(c.DeliveryTimeoutMS, 15*time.Second),
			Retry:           resilience.NewRetryPolicy(c.Retries, configutil.Millis(c.RetryBackoffMS, 300*time.Millisecond)),
		},
	}
}

// stopGrace bounds the wait for force-closed sessions to finish teardown.
const stopGrace = 5 * time.Second

type callDrainer interface {
	Drain()
	WaitForIdle(ctx context.Context, interval time.Duration) bool
	Stop() error
}

type deliveryWaiter interface {
	WaitDeliveries()
}

// drainCalls refuses new streams, waits for live calls, then force-closes the
// rest. Deliveries are awaited only once every session has torn down, since
// teardown is what registers them.
func drainCalls(calls callDrainer, deliveries deliveryWaiter, timeout time.Duration) error {
	calls.Drain()
	wctx, wcancel := context.WithTimeout(context.Background(), timeout)
	idle := calls.WaitForIdle(wctx, 200*time.Millisecond)
	wcancel()
	_ = calls.Stop()
	if !idle {
		sctx, scancel := context.WithTimeout(context.Background(), stopGrace)
		settled := calls.WaitForIdle(sctx, 20*time.Millisecond)
		scancel()
		if !settled {
			return errors.New("callbridge: sessions still tearing down after stop")
		}
	}
	deliveries.WaitDeliveries()
	if !idle {
		return errors.New("callbridge: calls still active after drain timeout")
	}
	return nil
}

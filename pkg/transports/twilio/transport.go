package twilio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/redact"
	"github.com/harunnryd/callbridge/pkg/transports"
)

type Config struct {
	ServerAddr          string   `mapstructure:"server_addr"`
	PublicURL           string   `mapstructure:"public_url"`
	AuthToken           string   `mapstructure:"auth_token"`
	AccountSID          string   `mapstructure:"account_sid"`
	VoicePath           string   `mapstructure:"voice_path"`
	WebsocketPath       string   `mapstructure:"ws_path"`
	StatusCallbackPath  string   `mapstructure:"status_callback_path"`
	StaticDir           string   `mapstructure:"static_dir"`
	StaticPath          string   `mapstructure:"static_path"`
	VoiceGreeting       string   `mapstructure:"voice_greeting"`
	MessagingFrom       string   `mapstructure:"messaging_from"`
	MessagingServiceSID string   `mapstructure:"messaging_service_sid"`
	AllowAnyOrigin      bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins      []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.StaticPath == "" {
		c.StaticPath = "/static/"
	}
	if !strings.HasSuffix(c.StaticPath, "/") {
		c.StaticPath += "/"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// StreamHandler owns one accepted media stream until it returns. The
// transport closes the leg afterwards.
type StreamHandler func(ctx context.Context, leg *StreamLeg)

// VoiceHook observes the voice webhook before TwiML is written.
type VoiceHook func(callSID, from string)

type Transport struct {
	cfg      Config
	log      *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	handler   StreamHandler
	voiceHook VoiceHook
	baseCtx   context.Context

	mu    sync.Mutex
	legs  map[*StreamLeg]struct{}
	calls map[string]*StreamLeg
	count atomic.Int64

	draining atomic.Bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		log: logging.NewComponentLogger(slog.Default(), "twilio"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		baseCtx: context.Background(),
		legs:    make(map[*StreamLeg]struct{}),
		calls:   make(map[string]*StreamLeg),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

// OnStream sets the per-stream handler. Must be called before Start.
func (t *Transport) OnStream(h StreamHandler) { t.handler = h }

// OnVoice sets the voice webhook hook. Must be called before Start.
func (t *Transport) OnVoice(h VoiceHook) { t.voiceHook = h }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.publicHTTPURL(t.cfg.VoicePath),
		"status_callback_url": t.publicHTTPURL(t.cfg.StatusCallbackPath),
	}
}

// Handler builds the HTTP routes.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if strings.TrimSpace(t.cfg.StaticDir) != "" {
		mux.Handle(t.cfg.StaticPath, http.StripPrefix(t.cfg.StaticPath, http.FileServer(http.Dir(t.cfg.StaticDir))))
	}
	return mux
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.baseCtx = ctx
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

// Drain stops accepting new streams; active ones continue.
func (t *Transport) Drain() {
	t.draining.Store(true)
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	legs := make([]*StreamLeg, 0, len(t.legs))
	for leg := range t.legs {
		legs = append(legs, leg)
	}
	t.mu.Unlock()
	for _, leg := range legs {
		_ = leg.Close()
	}
	return nil
}

// Active returns the number of open media streams.
func (t *Transport) Active() int64 {
	return t.count.Load()
}

// WaitForIdle blocks until no media stream is open or ctx is done.
func (t *Transport) WaitForIdle(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if t.Active() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("twilio_upgrade_failed", "error", err)
		return
	}
	leg := newStreamLeg(conn, t.log, t.bindCall)
	t.track(leg)
	defer t.untrack(leg)
	defer leg.Close()

	leg.run()
	if t.handler == nil {
		for range leg.Events() {
		}
		return
	}
	t.handler(t.baseCtx, leg)
}

func (t *Transport) track(leg *StreamLeg) {
	t.mu.Lock()
	t.legs[leg] = struct{}{}
	t.mu.Unlock()
	t.count.Add(1)
}

func (t *Transport) untrack(leg *StreamLeg) {
	_, callSID := leg.IDs()
	t.mu.Lock()
	delete(t.legs, leg)
	if callSID != "" && t.calls[callSID] == leg {
		delete(t.calls, callSID)
	}
	t.mu.Unlock()
	t.count.Add(-1)
}

// bindCall maps a call sid to its leg once the start event arrives. A newer
// stream for the same call replaces the older one.
func (t *Transport) bindCall(leg *StreamLeg, ev transports.MediaEvent) {
	if ev.CallID == "" {
		return
	}
	t.mu.Lock()
	old := t.calls[ev.CallID]
	t.calls[ev.CallID] = leg
	t.mu.Unlock()
	if old != nil && old != leg {
		t.log.Info("twilio_stream_replaced", "call_sid", ev.CallID, "stream_sid", ev.StreamID)
		_ = old.Close()
	}
}

func (t *Transport) legForCall(callSID string) *StreamLeg {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[callSID]
}

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			t.log.Error("twilio_voice_panic", "panic", rec)
			w.Header().Set("Content-Type", "text/xml")
			_, _ = w.Write([]byte(emptyTwiML))
		}
	}()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.log.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		t.log.Warn("twilio_voice_bad_form", "error", err)
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(emptyTwiML))
		return
	}
	callSID := r.FormValue("CallSid")
	from := r.FormValue("From")
	t.log.Info("twilio_voice_webhook", "call_sid", callSID, "from", redact.Phone(from))
	if t.voiceHook != nil {
		t.voiceHook(callSID, from)
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(buildStreamTwiML(t.websocketURL(r), t.cfg.VoiceGreeting, map[string]string{"from": from})))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.log.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if leg := t.legForCall(callSID); leg != nil {
		t.log.Info("twilio_status_call_ended", "call_sid", callSID, "reason", reason)
		_ = leg.Close()
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) publicHTTPURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

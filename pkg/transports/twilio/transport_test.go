package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/callbridge/pkg/transports"
)

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", VoicePath: "/voice"}
	tr := New(cfg)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	twiml := w.Body.String()
	if !strings.Contains(twiml, `<Stream url="wss://example.com/ws">`) {
		t.Fatalf("expected stream url in TwiML, got %s", twiml)
	}
	if !strings.Contains(twiml, `<Parameter name="from" value="+123"/>`) {
		t.Fatalf("expected caller parameter in TwiML, got %s", twiml)
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestHandleVoiceHookAndGreeting(t *testing.T) {
	tr := New(Config{VoiceGreeting: "Hi & welcome"})
	var gotCall, gotFrom string
	tr.OnVoice(func(callSID, from string) { gotCall, gotFrom = callSID, from })

	form := url.Values{"CallSid": {"CA9"}, "From": {"+1555"}}
	req := httptest.NewRequest(http.MethodPost, "http://bridge.local/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	tr.handleVoice(w, req)

	if gotCall != "CA9" || gotFrom != "+1555" {
		t.Fatalf("hook not called with form values: %q %q", gotCall, gotFrom)
	}
	if !strings.Contains(w.Body.String(), "<Say>Hi &amp; welcome</Say>") {
		t.Fatalf("expected escaped greeting, got %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `wss://bridge.local/ws`) {
		t.Fatalf("expected request host in stream url, got %s", w.Body.String())
	}
}

func TestHandleVoicePanicDegradesToEmptyResponse(t *testing.T) {
	tr := New(Config{})
	tr.OnVoice(func(string, string) { panic("boom") })
	req := httptest.NewRequest(http.MethodPost, "http://bridge.local/voice", strings.NewReader("CallSid=CA1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<Response></Response>") {
		t.Fatalf("expected empty TwiML, got %s", w.Body.String())
	}
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "menu.html"), []byte("<h1>menu</h1>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tr := New(Config{StaticDir: dir, StaticPath: "/menus"})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/menus/menu.html")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

// dialStream connects a fake Twilio media stream to tr.
func dialStream(t *testing.T, tr *Transport) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(tr.Handler())
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return ws, func() {
		_ = ws.Close()
		srv.Close()
	}
}

func TestStreamLegDecodesEventsInOrder(t *testing.T) {
	tr := New(Config{})
	got := make(chan transports.MediaEvent, 16)
	tr.OnStream(func(ctx context.Context, leg *StreamLeg) {
		for ev := range leg.Events() {
			got <- ev
		}
		close(got)
	})
	ws, done := dialStream(t, tr)
	defer done()

	payload := base64.StdEncoding.EncodeToString([]byte{0xFF, 0x7F})
	msgs := []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"from":"+1555"}}}`,
		`{"event":"media","streamSid":"MZ1","media":{"payload":"` + payload + `"}}`,
		`garbage`,
		`{"event":"media","streamSid":"MZ1","media":{"payload":"%%%"}}`,
		`{"event":"dtmf","streamSid":"MZ1","dtmf":{"digit":"5"}}`,
		`{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`,
	}
	for _, m := range msgs {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	var types []transports.EventType
	timeout := time.After(2 * time.Second)
	for len(types) < 4 {
		select {
		case ev := <-got:
			types = append(types, ev.Type)
			switch ev.Type {
			case transports.EventStart:
				if ev.StreamID != "MZ1" || ev.CallID != "CA1" || ev.From != "+1555" {
					t.Fatalf("unexpected start %+v", ev)
				}
			case transports.EventMedia:
				if len(ev.Payload) != 2 || ev.Payload[0] != 0xFF {
					t.Fatalf("unexpected payload %v", ev.Payload)
				}
			case transports.EventStop:
				if ev.Reason != "completed" {
					t.Fatalf("unexpected stop reason %q", ev.Reason)
				}
			}
		case <-timeout:
			t.Fatalf("timeout, got %v", types)
		}
	}
	want := []transports.EventType{transports.EventStart, transports.EventMedia, transports.EventDTMF, transports.EventStop}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("got %v, want %v", types, want)
		}
	}
}

func TestStreamLegSendsMediaAndStopsAfterClose(t *testing.T) {
	tr := New(Config{})
	legCh := make(chan *StreamLeg, 1)
	release := make(chan struct{})
	tr.OnStream(func(ctx context.Context, leg *StreamLeg) {
		legCh <- leg
		<-release
	})
	ws, done := dialStream(t, tr)
	defer done()
	defer close(release)

	var leg *StreamLeg
	select {
	case leg = <-legCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}
	if err := leg.SendAudio("MZ1", []byte{1, 2, 3}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := leg.Clear("MZ1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var media map[string]any
	if err := ws.ReadJSON(&media); err != nil {
		t.Fatalf("read media: %v", err)
	}
	if media["event"] != "media" || media["streamSid"] != "MZ1" {
		t.Fatalf("unexpected media frame %v", media)
	}
	inner := media["media"].(map[string]any)
	if inner["payload"] != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) {
		t.Fatalf("unexpected payload %v", inner["payload"])
	}
	var clear map[string]any
	if err := ws.ReadJSON(&clear); err != nil {
		t.Fatalf("read clear: %v", err)
	}
	if clear["event"] != "clear" {
		t.Fatalf("expected clear, got %v", clear)
	}

	_ = leg.Close()
	if err := leg.SendAudio("MZ1", []byte{4}); err != ErrStreamClosed {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestStatusCallbackClosesLeg(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com"}
	tr := New(cfg)
	legCh := make(chan *StreamLeg, 1)
	tr.OnStream(func(ctx context.Context, leg *StreamLeg) {
		for ev := range leg.Events() {
			if ev.Type == transports.EventStart {
				legCh <- leg
			}
		}
	})
	ws, done := dialStream(t, tr)
	defer done()
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA123"}}`))

	var leg *StreamLeg
	select {
	case leg = <-legCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("start not seen")
	}

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "completed")
	req := httptest.NewRequest(http.MethodPost, "https://example.com/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), map[string]string{"CallSid": "CA123", "CallStatus": "completed"})
	req.Header.Set("X-Twilio-Signature", sig)
	w := httptest.NewRecorder()
	tr.handleStatusCallback(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !leg.Closed() {
		t.Fatalf("expected leg closed by status callback")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !tr.WaitForIdle(ctx, 10*time.Millisecond) {
		t.Fatalf("expected transport idle, active=%d", tr.Active())
	}
}

func TestDrainingRejectsNewStreams(t *testing.T) {
	tr := New(Config{})
	tr.Drain()
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatalf("expected dial failure while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503")
	}
}

func TestCheckOrigin(t *testing.T) {
	tr := New(Config{AllowedOrigins: []string{"https://media.twilio.com", "example.org"}})
	cases := map[string]bool{
		"":                         true,
		"https://media.twilio.com": true,
		"https://example.org":      true,
		"https://evil.example":     false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := tr.checkOrigin(r); got != want {
			t.Fatalf("origin %q: got %v, want %v", origin, got, want)
		}
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeAgent struct {
	t        *testing.T
	received chan map[string]any
	headers  chan http.Header
	script   func(ws *websocket.Conn)
}

func newFakeAgent(t *testing.T, script func(ws *websocket.Conn)) (*fakeAgent, *httptest.Server) {
	t.Helper()
	fa := &fakeAgent{
		t:        t,
		received: make(chan map[string]any, 32),
		headers:  make(chan http.Header, 1),
		script:   script,
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fa.headers <- r.Header.Clone()
		if r.URL.Query().Get("model") == "" {
			t.Errorf("missing model query")
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		go func() {
			for {
				var msg map[string]any
				if err := ws.ReadJSON(&msg); err != nil {
					return
				}
				fa.received <- msg
			}
		}()
		if fa.script != nil {
			fa.script(ws)
		}
		time.Sleep(500 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	return fa, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialSendsAuthHeaders(t *testing.T) {
	fa, srv := newFakeAgent(t, nil)
	conn, err := Dial(context.Background(), Config{URL: wsURL(srv), APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	h := <-fa.headers
	if h.Get("Authorization") != "Bearer sk-test" {
		t.Fatalf("unexpected auth header %q", h.Get("Authorization"))
	}
	if h.Get("OpenAI-Beta") != "realtime=v1" {
		t.Fatalf("missing beta header")
	}
}

func TestClientEventsOnTheWire(t *testing.T) {
	fa, srv := newFakeAgent(t, nil)
	conn, err := Dial(context.Background(), Config{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.UpdateSession(SessionConfig{Voice: "alloy", TurnDetectionDisabled: true}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := conn.AppendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := conn.CommitAudio(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := conn.CreateResponse("Greet the caller."); err != nil {
		t.Fatalf("create: %v", err)
	}

	next := func() map[string]any {
		select {
		case m := <-fa.received:
			return m
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for client event")
			return nil
		}
	}
	update := next()
	if update["type"] != EventSessionUpdate {
		t.Fatalf("expected session.update, got %v", update["type"])
	}
	if !strings.HasPrefix(update["event_id"].(string), "evt_") {
		t.Fatalf("expected event id, got %v", update["event_id"])
	}
	session := update["session"].(map[string]any)
	if v, ok := session["turn_detection"]; !ok || v != nil {
		t.Fatalf("expected explicit null turn_detection, got %v (present=%v)", v, ok)
	}
	appendEv := next()
	if appendEv["audio"] != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) {
		t.Fatalf("unexpected audio payload %v", appendEv["audio"])
	}
	if next()["type"] != EventInputAudioBufferCommit {
		t.Fatalf("expected commit")
	}
	create := next()
	resp := create["response"].(map[string]any)
	if resp["instructions"] != "Greet the caller." {
		t.Fatalf("unexpected instructions %v", resp["instructions"])
	}
}

func TestServerEventsDecodedAndMalformedDropped(t *testing.T) {
	audio := []byte{0x10, 0x00, 0x20, 0x00}
	_, srv := newFakeAgent(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.updated","session":{"id":"sess_1"}}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"no_type":true}`))
		_ = ws.WriteJSON(map[string]any{"type": EventResponseAudioDelta, "delta": base64.StdEncoding.EncodeToString(audio)})
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":{"code":"bad","message":"oops"}}`))
	})
	conn, err := Dial(context.Background(), Config{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var got []ServerEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				t.Fatalf("events closed early after %d", len(got))
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timeout, got %d events", len(got))
		}
	}
	if got[0].Type != EventSessionUpdated || got[0].Session.ID != "sess_1" {
		t.Fatalf("unexpected first event %+v", got[0])
	}
	if got[1].Type != EventResponseAudioDelta || string(got[1].Audio) != string(audio) {
		t.Fatalf("unexpected audio event %+v", got[1])
	}
	info := got[2].Error
	if got[2].Type != EventError || info == nil || info.Error() != "realtime: bad: oops" {
		t.Fatalf("unexpected error event %+v", got[2])
	}
}

func TestEventsCloseWhenServerHangsUp(t *testing.T) {
	_, srv := newFakeAgent(t, func(ws *websocket.Conn) {
		_ = ws.Close()
	})
	conn, err := Dial(context.Background(), Config{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case _, ok := <-conn.Events():
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events not closed")
	}
	if conn.Err() == nil {
		t.Fatalf("expected read error after remote close")
	}
	_ = conn.Close()
	if err := conn.CommitAudio(); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSessionConfigJSON(t *testing.T) {
	b, err := json.Marshal(SessionConfig{
		Modalities:    []string{ModalityAudio, ModalityText},
		TurnDetection: &TurnDetection{Type: VADServer},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"turn_detection":{"type":"server_vad"}`) {
		t.Fatalf("unexpected json %s", b)
	}
	b, _ = json.Marshal(SessionConfig{Voice: "alloy"})
	if strings.Contains(string(b), "turn_detection") {
		t.Fatalf("turn_detection must be omitted by default: %s", b)
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()
	if _, err := Dial(context.Background(), Config{URL: wsURL(srv)}); err == nil {
		t.Fatalf("expected dial error")
	}
}

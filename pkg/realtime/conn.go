package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/callbridge/pkg/errorsx"
)

var ErrClosed = errors.New("realtime: connection closed")

type Config struct {
	URL              string `mapstructure:"url"`
	APIKey           string `mapstructure:"api_key"`
	Model            string `mapstructure:"model"`
	Organization     string `mapstructure:"organization"`
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = DefaultURL
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = DefaultModel
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Conn is one agent leg. Writes are serialized; events are delivered in
// arrival order on Events, which is closed when the socket ends.
type Conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex
	events  chan ServerEvent
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once

	errMu   sync.Mutex
	readErr error
}

// Dial opens the agent websocket and starts the read loop.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errorsx.Wrapf(errorsx.ReasonAgentDial, "realtime: parse url: %w", err)
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", cfg.Model)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	headers.Set("OpenAI-Beta", "realtime=v1")
	if cfg.Organization != "" {
		headers.Set("OpenAI-Organization", cfg.Organization)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("realtime: dial %s: status %d: %w", u.Host, resp.StatusCode, err)
		} else {
			err = fmt.Errorf("realtime: dial %s: %w", u.Host, err)
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonAgentDial)
	}
	return newConn(ws, cfg.Logger), nil
}

func newConn(ws *websocket.Conn, log *slog.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		log:    log,
		events: make(chan ServerEvent, 128),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) Events() <-chan ServerEvent { return c.events }

// Err returns the read error that ended the connection, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

func (c *Conn) UpdateSession(cfg SessionConfig) error {
	return c.send(map[string]any{"type": EventSessionUpdate, "session": cfg})
}

func (c *Conn) AppendAudio(audio []byte) error {
	return c.send(map[string]any{
		"type":  EventInputAudioBufferAppend,
		"audio": base64.StdEncoding.EncodeToString(audio),
	})
}

func (c *Conn) CommitAudio() error {
	return c.send(map[string]any{"type": EventInputAudioBufferCommit})
}

// CreateResponse asks for a new turn. instructions overrides the session
// instructions for that turn only when non-empty.
func (c *Conn) CreateResponse(instructions string) error {
	ev := map[string]any{"type": EventResponseCreate}
	if instructions != "" {
		ev["response"] = ResponseOptions{
			Modalities:   []string{ModalityAudio, ModalityText},
			Instructions: instructions,
		}
	}
	return c.send(ev)
}

func (c *Conn) CancelResponse() error {
	return c.send(map[string]any{"type": EventResponseCancel})
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) send(ev map[string]any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ev["event_id"] = newEventID()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(ev); err != nil {
		return errorsx.Wrapf(errorsx.ReasonAgentSend, "realtime: send %v: %w", ev["type"], err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.errMu.Lock()
				c.readErr = err
				c.errMu.Unlock()
			}
			return
		}
		ev, err := parseEvent(msg)
		if err != nil {
			c.log.Warn("realtime_malformed_event",
				"reason", errorsx.ReasonAgentMalformed,
				"error", err,
				"len", len(msg),
			)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func parseEvent(msg []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return ServerEvent{}, errors.New("decode event: missing type")
	}
	if ev.Type == EventResponseAudioDelta {
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return ServerEvent{}, fmt.Errorf("decode audio delta: %w", err)
		}
		ev.Audio = audio
		ev.Delta = ""
	}
	return ev, nil
}

func newEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

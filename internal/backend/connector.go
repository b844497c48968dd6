package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/applova/voiceplate/internal/protocol"
)

// State of a session's backend link.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnected    State = "CONNECTED"
)

var ErrNotConnected = errors.New("backend not connected")

// TransportError wraps websocket-level failures so callers can tell them
// apart from protocol errors reported inside the stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("backend %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Transport is a single live websocket to the realtime backend.
type Transport interface {
	WriteJSON(v any) error
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens new backend transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerConfig configures the realtime websocket dialer.
type DialerConfig struct {
	BaseURL        string
	Model          string
	APIKey         string
	ConnectTimeout time.Duration
}

type wsDialer struct {
	cfg DialerConfig
}

func NewDialer(cfg DialerConfig) Dialer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &wsDialer{cfg: cfg}
}

func (d *wsDialer) Dial(ctx context.Context) (Transport, error) {
	u, err := url.Parse(strings.TrimRight(d.cfg.BaseURL, "/"))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model", d.cfg.Model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) WriteJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) Close() error { return t.conn.Close() }

type backendConn struct {
	id        string
	transport Transport
	events    chan any
	done      chan struct{}
	closeOnce sync.Once

	mu                sync.Mutex
	lastAssistantItem string
}

// readLoop is the only closer of the events channel. Sends race against
// done so a full buffer never wedges teardown.
func (c *backendConn) readLoop() {
	defer close(c.events)
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			return
		}
		ev, err := protocol.ParseBackendEvent(data)
		if err != nil {
			continue
		}
		if created, ok := ev.(protocol.ItemCreated); ok && created.Role == "assistant" {
			c.mu.Lock()
			c.lastAssistantItem = created.ItemID
			c.mu.Unlock()
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *backendConn) safeClose() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.transport.Close()
	})
}

func (c *backendConn) lastItem() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAssistantItem
}

// Connector owns at most one live backend connection per session. Connect
// always tears down the previous connection before dialing, so a session
// never has two live backend links.
type Connector struct {
	dialer Dialer
	log    zerolog.Logger

	mu    sync.Mutex
	conns map[string]*backendConn
}

func NewConnector(dialer Dialer, log zerolog.Logger) *Connector {
	return &Connector{
		dialer: dialer,
		log:    log.With().Str("component", "backend").Logger(),
		conns:  make(map[string]*backendConn),
	}
}

// Connect dials a fresh backend connection for the session and returns
// its new connection id. Any previous connection is closed first.
func (c *Connector) Connect(ctx context.Context, sessionID string) (string, error) {
	c.mu.Lock()
	old := c.conns[sessionID]
	delete(c.conns, sessionID)
	c.mu.Unlock()
	if old != nil {
		old.safeClose()
	}

	transport, err := c.dialer.Dial(ctx)
	if err != nil {
		return "", &TransportError{Op: "connect", Err: err}
	}

	conn := &backendConn{
		id:        uuid.NewString(),
		transport: transport,
		events:    make(chan any, 256),
		done:      make(chan struct{}),
	}
	go conn.readLoop()

	// Two Connects can race past the teardown above; closing whatever
	// the store displaces keeps at most one live connection per session.
	c.mu.Lock()
	displaced := c.conns[sessionID]
	c.conns[sessionID] = conn
	c.mu.Unlock()
	if displaced != nil {
		displaced.safeClose()
	}

	c.log.Debug().Str("session_id", sessionID).Str("connection_id", conn.id).Msg("backend connected")
	return conn.id, nil
}

// Send writes one message to the session's backend connection.
func (c *Connector) Send(sessionID string, v any) error {
	conn := c.get(sessionID)
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.transport.WriteJSON(v); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Receive waits up to timeout for the next backend event. A timeout is
// not a failure: it returns (nil, nil) so the caller can loop and check
// for cancellation between polls.
func (c *Connector) Receive(ctx context.Context, sessionID string, timeout time.Duration) (any, error) {
	conn := c.get(sessionID)
	if conn == nil {
		return nil, ErrNotConnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case ev, ok := <-conn.events:
		if !ok {
			return nil, &TransportError{Op: "receive", Err: errors.New("connection closed")}
		}
		return ev, nil
	}
}

// Disconnect closes the session's backend connection. Safe to call when
// no connection exists.
func (c *Connector) Disconnect(sessionID string) {
	c.mu.Lock()
	conn, ok := c.conns[sessionID]
	delete(c.conns, sessionID)
	c.mu.Unlock()
	if ok {
		conn.safeClose()
		c.log.Debug().Str("session_id", sessionID).Str("connection_id", conn.id).Msg("backend disconnected")
	}
}

// State reports whether the session currently has a live connection.
func (c *Connector) State(sessionID string) State {
	if c.get(sessionID) == nil {
		return StateDisconnected
	}
	return StateConnected
}

// ConnectionID returns the live connection id, or empty when disconnected.
func (c *Connector) ConnectionID(sessionID string) string {
	conn := c.get(sessionID)
	if conn == nil {
		return ""
	}
	return conn.id
}

// LastAssistantItem returns the id of the most recent assistant
// conversation item, used to truncate speech on barge-in.
func (c *Connector) LastAssistantItem(sessionID string) string {
	conn := c.get(sessionID)
	if conn == nil {
		return ""
	}
	return conn.lastItem()
}

func (c *Connector) get(sessionID string) *backendConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[sessionID]
}

// Package ws implements duplex.Channel over a WebSocket connection using
// github.com/coder/websocket.
//
// Each connection gets its own read goroutine that decodes envelopes and
// dispatches them to the registered handlers. Emit writes straight to the
// live connection. When the connection drops unexpectedly the [Reconnector]
// redials in the background; listeners see Disconnected, then Connected or,
// once the budget is spent, Failed.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/duplex"
)

const (
	// DefaultDialTimeout bounds a single dial attempt.
	DefaultDialTimeout = 20 * time.Second

	// defaultReadLimit admits base64 audio clips of several seconds.
	defaultReadLimit = 32 << 20
)

// Option configures a [Client].
type Option func(*Client)

// WithDialTimeout overrides [DefaultDialTimeout].
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithReconnect sets the reconnect budget.
func WithReconnect(cfg ReconnectConfig) Option {
	return func(c *Client) { c.reconnectCfg = cfg }
}

// WithOnReconnectAttempt is called after every background reconnect attempt
// with its result.
func WithOnReconnectAttempt(fn func(attempt int, err error)) Option {
	return func(c *Client) { c.onAttempt = fn }
}

// WithReadLimit caps the size of one inbound message.
func WithReadLimit(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// Client is a WebSocket duplex.Channel.
type Client struct {
	base         *url.URL
	dialTimeout  time.Duration
	readLimit    int64
	reconnectCfg ReconnectConfig
	onAttempt    func(int, error)

	ctx     context.Context
	cancel  context.CancelFunc
	rec     *Reconnector
	monitor sync.Once
	readers sync.WaitGroup

	mu        sync.Mutex
	conn      *websocket.Conn
	query     url.Values
	handlers  map[string]func(json.RawMessage)
	listeners []func(duplex.State, error)
	state     duplex.State
	closed    bool
}

var _ duplex.Channel = (*Client)(nil)

// New creates a Client for a ws:// or wss:// URL. Query parameters already
// in rawURL are kept on every dial.
func New(rawURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("ws: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("ws: url scheme must be ws or wss, got %q", u.Scheme)
	}
	c := &Client{
		base:        u,
		dialTimeout: DefaultDialTimeout,
		readLimit:   defaultReadLimit,
		query:       u.Query(),
		handlers:    make(map[string]func(json.RawMessage)),
	}
	for _, o := range opts {
		o(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.rec = NewReconnector(c.reconnectCfg, c.dial, c.onAttempt, c.exhausted)
	return c, nil
}

// Connect dials the server. A failed first dial is handed to the background
// reconnector and also returned.
func (c *Client) Connect(ctx context.Context) error {
	c.monitor.Do(func() { c.rec.Monitor(c.ctx) })
	if err := c.dial(ctx); err != nil {
		if errors.Is(err, duplex.ErrClosed) {
			return err
		}
		c.notify(duplex.Disconnected, err)
		c.rec.NotifyDisconnect()
		return fmt.Errorf("ws: connect: %w", err)
	}
	return nil
}

// Reconnect drops the live connection, if any, and dials a fresh one with
// the current query parameters.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return duplex.ErrClosed
	}
	old := c.conn
	c.conn = nil
	c.state = duplex.Disconnected
	c.mu.Unlock()

	if old != nil {
		_ = old.CloseNow()
		c.notify(duplex.Disconnected, nil)
	}
	return c.Connect(ctx)
}

// SetQuery sets a dial query parameter. It takes effect on the next dial.
func (c *Client) SetQuery(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.query.Set(key, value)
}

// On registers the handler for event.
func (c *Client) On(event string, h func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// OnStateChange registers a state listener.
func (c *Client) OnStateChange(fn func(duplex.State, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State returns the current connection state.
func (c *Client) State() duplex.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Emit encodes payload into an envelope and writes it.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ws: encode %s: %w", event, err)
	}
	msg, err := json.Marshal(duplex.Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("ws: encode envelope: %w", err)
	}

	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	switch {
	case closed:
		return duplex.ErrClosed
	case conn == nil:
		return duplex.ErrNotConnected
	}
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		if ctx.Err() == nil {
			// A failed write closes the connection; the read loop redials.
			return fmt.Errorf("ws: write %s: %w: %w", event, duplex.ErrNotConnected, err)
		}
		return fmt.Errorf("ws: write %s: %w", event, err)
	}
	return nil
}

// Healthy pings the server over the live connection.
func (c *Client) Healthy(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return duplex.ErrNotConnected
	}
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("ws: ping: %w", err)
	}
	return nil
}

// Close stops reconnecting and closes the connection. Safe to call more
// than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = duplex.Disconnected
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	c.cancel()
	c.rec.Stop()
	c.readers.Wait()
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		slog.Debug("ws: close handshake", "err", err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return duplex.ErrClosed
	}
	u := *c.base
	u.RawQuery = c.query.Encode()
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	conn.SetReadLimit(c.readLimit)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.CloseNow()
		return duplex.ErrClosed
	}
	old := c.conn
	c.conn = conn
	c.state = duplex.Connected
	c.mu.Unlock()
	if old != nil {
		_ = old.CloseNow()
	}

	slog.Info("ws: connected", "url", u.Redacted())
	c.readers.Add(1)
	go c.readLoop(conn)
	c.notify(duplex.Connected, nil)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.readers.Done()
	for {
		_, msg, err := conn.Read(c.ctx)
		if err != nil {
			c.dropped(conn, err)
			return
		}
		var env duplex.Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Event == "" {
			slog.Debug("ws: malformed envelope dropped", "bytes", len(msg))
			continue
		}
		c.mu.Lock()
		h := c.handlers[env.Event]
		c.mu.Unlock()
		if h == nil {
			slog.Debug("ws: no handler for event", "event", env.Event)
			continue
		}
		h(env.Data)
	}
}

// dropped handles the end of conn's read loop. Only an unexpected drop of
// the live connection triggers reconnection.
func (c *Client) dropped(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = duplex.Disconnected
	c.mu.Unlock()

	slog.Warn("ws: connection lost", "err", err)
	c.notify(duplex.Disconnected, err)
	c.rec.NotifyDisconnect()
}

func (c *Client) exhausted(err error) {
	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.state = duplex.Failed
	c.mu.Unlock()
	c.notify(duplex.Failed, err)
}

func (c *Client) notify(s duplex.State, err error) {
	c.mu.Lock()
	fns := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s, err)
	}
}

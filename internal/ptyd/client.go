package ptyd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agent-ptyd/internal/logging"
)

var clientLog = logging.ForComponent(logging.CompDaemon)

var (
	// ErrNotConnected is returned for requests issued while no connection
	// is established. Requests are never queued.
	ErrNotConnected = errors.New("daemon not connected")
	// ErrConnectionClosed fails in-flight requests when the connection drops.
	ErrConnectionClosed = errors.New("daemon connection closed")
	// ErrRequestTimeout is returned when the daemon does not answer in time.
	ErrRequestTimeout = errors.New("daemon request timed out")
	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("daemon client closed")
)

const (
	DefaultRequestTimeout    = 30 * time.Second
	DefaultReconnectInterval = 2 * time.Second
	DefaultDialTimeout       = 2 * time.Second
	// MaxFrameBuffer caps unparsed inbound bytes; an oversized partial
	// frame is discarded.
	MaxFrameBuffer = 1 << 20
)

// NotificationHandler receives daemon pushes in arrival order.
type NotificationHandler func(method string, params json.RawMessage)

// ClientOptions configures a Client.
type ClientOptions struct {
	Addr              string
	RequestTimeout    time.Duration
	ReconnectInterval time.Duration
	DialTimeout       time.Duration
	MaxFrameBuffer    int
	// AutoReconnect schedules reconnection after an involuntary disconnect.
	AutoReconnect bool
}

// Client is a line-delimited JSON-RPC client for the daemon. One connection
// attempt is in flight at a time; concurrent Connect calls share it.
type Client struct {
	opts ClientOptions

	connectGroup singleflight.Group
	dialer       net.Dialer

	mu             sync.Mutex
	conn           net.Conn
	nextID         int64
	pending        map[int64]chan *Response
	reconnect      bool
	reconnectTimer *time.Timer
	closed         bool

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   []NotificationHandler
	onConnect  []func()

	reconnectLog rate.Sometimes
}

// NewClient returns a disconnected client.
func NewClient(opts ClientOptions) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.MaxFrameBuffer <= 0 {
		opts.MaxFrameBuffer = MaxFrameBuffer
	}
	return &Client{
		opts:         opts,
		dialer:       net.Dialer{Timeout: opts.DialTimeout},
		pending:      make(map[int64]chan *Response),
		reconnect:    opts.AutoReconnect,
		reconnectLog: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// Addr returns the daemon address.
func (c *Client) Addr() string {
	return c.opts.Addr
}

// OnNotification registers a handler for daemon pushes. Handlers run on the
// read goroutine and must not block.
func (c *Client) OnNotification(h NotificationHandler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
}

// OnConnect registers fn to run (in its own goroutine) after every
// successful connection, including reconnects.
func (c *Client) OnConnect(fn func()) {
	c.handlersMu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.handlersMu.Unlock()
}

// Connected reports whether a connection is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect establishes the connection if needed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ch := c.connectGroup.DoChan("connect", func() (any, error) {
		return nil, c.dial()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) dial() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dialer.Dial("tcp", c.opts.Addr)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s: %w", c.opts.Addr, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.mu.Unlock()

	clientLog.Info("connected", slog.String("addr", c.opts.Addr))
	go c.readLoop(conn)

	c.handlersMu.RLock()
	hooks := append([]func(){}, c.onConnect...)
	c.handlersMu.RUnlock()
	for _, fn := range hooks {
		go fn()
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	chunk := make([]byte, 32*1024)
	var buf []byte
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := buf[:idx]
				if len(bytes.TrimSpace(line)) > 0 {
					c.handleLine(line)
				}
				buf = buf[idx+1:]
			}
			if len(buf) > c.opts.MaxFrameBuffer {
				clientLog.Warn("frame_buffer_overflow", slog.Int("bytes", len(buf)))
				buf = nil
			} else if len(buf) == 0 {
				buf = nil
			}
		}
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
	}
}

func (c *Client) handleLine(line []byte) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		clientLog.Warn("invalid_frame", slog.String("error", err.Error()))
		return
	}

	if f.ID != nil && f.Method == "" {
		c.mu.Lock()
		ch, ok := c.pending[*f.ID]
		delete(c.pending, *f.ID)
		c.mu.Unlock()
		if !ok {
			// Late answer to a timed-out request.
			clientLog.Debug("orphan_response", slog.Int64("id", *f.ID))
			return
		}
		ch <- &Response{ID: *f.ID, Result: f.Result, Error: f.Error}
		return
	}

	if f.Method != "" {
		c.handlersMu.RLock()
		handlers := c.handlers
		c.handlersMu.RUnlock()
		for _, h := range handlers {
			h(f.Method, f.Params)
		}
	}
}

func (c *Client) handleDisconnect(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int64]chan *Response)
	shouldReconnect := c.reconnect && !c.closed
	c.mu.Unlock()

	conn.Close()
	for id, ch := range pending {
		ch <- &Response{ID: id, Error: &RPCError{Message: ErrConnectionClosed.Error()}, closed: true}
	}

	clientLog.Warn("connection_lost", slog.String("error", cause.Error()), slog.Int("failed_requests", len(pending)))
	if shouldReconnect {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.reconnect || c.reconnectTimer != nil {
		return
	}
	c.reconnectTimer = time.AfterFunc(c.opts.ReconnectInterval, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()

		logging.Aggregate(logging.CompDaemon, "reconnect_attempt")
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		defer cancel()
		if err := c.Connect(ctx); err != nil {
			c.reconnectLog.Do(func() {
				clientLog.Warn("reconnect_failed", slog.String("error", err.Error()))
			})
			c.scheduleReconnect()
		}
	})
}

// SetAutoReconnect enables or disables reconnection after disconnects.
func (c *Client) SetAutoReconnect(enabled bool) {
	c.mu.Lock()
	c.reconnect = enabled
	if !enabled && c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()
}

// Call sends method with params and decodes the result into out (which may
// be nil). It fails immediately with ErrNotConnected when disconnected.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		raw = b
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	line, err := json.Marshal(Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: raw})
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	line = append(line, '\n')

	c.writeMu.Lock()
	_, err = conn.Write(line)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("%s: %w: %v", method, ErrConnectionClosed, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.closed {
			return fmt.Errorf("%s: %w", method, ErrConnectionClosed)
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		c.dropPending(id)
		return fmt.Errorf("%s: %w after %s", method, ErrRequestTimeout, c.opts.RequestTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close disables reconnection, drops the connection and fails pending
// requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.reconnect = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		// handleDisconnect fails in-flight requests once the read loop sees
		// the closed connection.
		return conn.Close()
	}
	return nil
}

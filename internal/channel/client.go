// Package channel carries typed request/response messages between the
// observer and the privileged host over a websocket that may drop at any time.
package channel

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/sypherin/chatgpt-drive-logger/internal/observability"
	"github.com/sypherin/chatgpt-drive-logger/internal/protocol"
	"github.com/sypherin/chatgpt-drive-logger/internal/reliability"
)

const (
	DefaultMaxAttempts    = 5
	DefaultBaseDelay      = 150 * time.Millisecond
	DefaultReconnectDelay = 600 * time.Millisecond
	DefaultPingInterval   = 15 * time.Second

	writeTimeout = 5 * time.Second
)

var errClientClosed = errors.New("channel client closed")

// DialFunc opens a websocket to url.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type ClientOptions struct {
	URL            string
	MaxAttempts    int
	BaseDelay      time.Duration
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	Dial           DialFunc
	Sleep          SleepFunc
	Logger         *log.Logger
	Metrics        *observability.Metrics
}

// Client is the observer end of the channel. Calls never return an error:
// every failure is folded into a Response with ok=false and an error code.
type Client struct {
	url            string
	maxAttempts    int
	baseDelay      time.Duration
	reconnectDelay time.Duration
	pingInterval   time.Duration
	dial           DialFunc
	sleep          SleepFunc
	logger         *log.Logger
	metrics        *observability.Metrics

	mu             sync.Mutex
	conn           *clientConn
	nextID         uint64
	pending        map[protocol.RequestID]pendingCall
	disconnectedAt time.Time
	closed         bool
}

type pendingCall struct {
	conn *clientConn
	done chan protocol.Response
}

type clientConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func NewClient(opts ClientOptions) *Client {
	c := &Client{
		url:            opts.URL,
		maxAttempts:    opts.MaxAttempts,
		baseDelay:      opts.BaseDelay,
		reconnectDelay: opts.ReconnectDelay,
		pingInterval:   opts.PingInterval,
		dial:           opts.Dial,
		sleep:          opts.Sleep,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		pending:        make(map[protocol.RequestID]pendingCall),
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.baseDelay <= 0 {
		c.baseDelay = DefaultBaseDelay
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = DefaultReconnectDelay
	}
	if c.pingInterval <= 0 {
		c.pingInterval = DefaultPingInterval
	}
	if c.dial == nil {
		dialer := websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		}
		c.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := dialer.DialContext(ctx, url, nil)
			return conn, err
		}
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c
}

// Call sends req and waits for its response, retrying while the host cannot
// be reached. After the last attempt it resolves port_unavailable.
func (c *Client) Call(ctx context.Context, req protocol.Request) protocol.Response {
	for attempt := 1; ; attempt++ {
		resp, retry := c.attempt(ctx, req)
		if !retry {
			c.metrics.ObserveChannelRequest(string(req.Kind()), resultLabel(resp))
			return resp
		}
		if attempt >= c.maxAttempts || ctx.Err() != nil {
			c.logger.Warn("channel unavailable", "type", req.Kind(), "attempts", attempt)
			resp = protocol.Fail(resp.RequestID, protocol.CodePortUnavailable, nil)
			c.metrics.ObserveChannelRequest(string(req.Kind()), resultLabel(resp))
			return resp
		}
		delay := reliability.ExponentialBackoff(attempt-1, c.baseDelay, 0)
		c.logger.Debug("channel retry", "type", req.Kind(), "attempt", attempt, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			resp = protocol.Fail(resp.RequestID, protocol.CodePortUnavailable, nil)
			c.metrics.ObserveChannelRequest(string(req.Kind()), resultLabel(resp))
			return resp
		}
	}
}

// attempt performs one send. retry reports that the message never reached
// an open connection.
func (c *Client) attempt(ctx context.Context, req protocol.Request) (protocol.Response, bool) {
	conn, err := c.connection(ctx)
	if errors.Is(err, errClientClosed) {
		return protocol.Fail("", protocol.CodePortUnavailable, nil), false
	}
	if err != nil {
		c.logger.Debug("channel connect failed", "err", err)
		return protocol.Fail("", protocol.CodePortUnavailable, nil), true
	}

	id, done := c.register(conn)
	frame, err := protocol.Encode(id, req)
	if err != nil {
		c.unregister(id)
		return protocol.Fail(id, protocol.CodeInvalidMessage, err.Error()), false
	}
	if err := conn.write(frame); err != nil {
		c.unregister(id)
		c.disconnect(conn, err)
		return protocol.Fail(id, protocol.CodePortUnavailable, nil), true
	}

	select {
	case resp := <-done:
		return resp, false
	case <-ctx.Done():
		c.unregister(id)
		return protocol.Fail(id, protocol.CodePortUnavailable, ctx.Err().Error()), false
	}
}

// connection returns the open connection, dialing one if needed. A redial
// after a disconnect waits until ReconnectDelay has elapsed.
func (c *Client) connection(ctx context.Context) (*clientConn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClientClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	var wait time.Duration
	if !c.disconnectedAt.IsZero() {
		wait = c.reconnectDelay - time.Since(c.disconnectedAt)
	}
	c.mu.Unlock()

	if wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	ws, err := c.dial(ctx, c.url)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = ws.Close()
		return nil, errClientClosed
	}
	if c.conn != nil {
		// Another caller connected first.
		_ = ws.Close()
		return c.conn, nil
	}
	conn := &clientConn{ws: ws}
	c.conn = conn
	c.metrics.ChannelOpened()
	go c.readLoop(conn)
	c.logger.Debug("channel connected", "url", c.url)
	return conn, nil
}

func (c *Client) register(conn *clientConn) (protocol.RequestID, chan protocol.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := protocol.RequestID(strconv.FormatUint(c.nextID, 10))
	done := make(chan protocol.Response, 1)
	c.pending[id] = pendingCall{conn: conn, done: done}
	return id, done
}

func (c *Client) unregister(id protocol.RequestID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *clientConn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			c.disconnect(conn, err)
			return
		}
		resp, err := protocol.ParseResponse(data)
		if err != nil {
			c.logger.Debug("channel dropped frame", "err", err)
			continue
		}
		c.mu.Lock()
		call, ok := c.pending[resp.RequestID]
		if ok {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("channel response without caller", "requestId", resp.RequestID)
			continue
		}
		call.done <- resp
	}
}

// disconnect forgets conn and resolves every call still waiting on it.
func (c *Client) disconnect(conn *clientConn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.disconnectedAt = time.Now()
	var orphaned []pendingCall
	var ids []protocol.RequestID
	for id, call := range c.pending {
		if call.conn == conn {
			orphaned = append(orphaned, call)
			ids = append(ids, id)
			delete(c.pending, id)
		}
	}
	closed := c.closed
	c.mu.Unlock()

	_ = conn.ws.Close()
	c.metrics.ChannelClosed()
	if !closed {
		c.logger.Info("channel disconnected", "err", cause, "pending", len(orphaned))
	}
	for i, call := range orphaned {
		call.done <- protocol.Fail(ids[i], protocol.CodePortDisconnected, nil)
	}
}

// Pending reports how many calls are waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run sends a keepalive PING every PingInterval until ctx is done, which
// also redials a dropped connection without waiting for the next real call.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp := c.Call(ctx, protocol.Ping{})
			if !resp.OK && ctx.Err() == nil {
				c.logger.Debug("keepalive failed", "error", resp.Error)
			}
		}
	}
}

// Close drops the connection; calls in flight resolve port_disconnected and
// later calls resolve port_unavailable.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.disconnect(conn, errClientClosed)
	}
	return nil
}

func (cc *clientConn) write(frame []byte) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	_ = cc.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer cc.ws.SetWriteDeadline(time.Time{})
	return cc.ws.WriteMessage(websocket.TextMessage, frame)
}

func resultLabel(resp protocol.Response) string {
	if resp.OK {
		return "ok"
	}
	switch resp.Error {
	case protocol.CodePortUnavailable, protocol.CodePortDisconnected, protocol.CodeSWUnavailable,
		protocol.CodeInvalidMessage, protocol.CodeUnsupportedType, protocol.CodeInternalError,
		protocol.CodeConfigError, protocol.CodeAuthError:
		return resp.Error
	default:
		return "error"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

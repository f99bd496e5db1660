// Package transport owns the single websocket to the chat relay. It encodes
// outbound events, decodes inbound frames and fans them out to subscribers by
// kind. It never retries or buffers; reconnection belongs to the caller.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/masterboy376/cphere/internal/metrics"
	"github.com/masterboy376/cphere/internal/wire"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	// closeGrace bounds how long Disconnect waits for the server to answer
	// our close frame before dropping the socket.
	closeGrace = time.Second
)

type Options struct {
	URL string
	// Origin, when set, is sent as the Origin header of the handshake.
	Origin string
	// Jar supplies the session cookies issued by the REST API.
	Jar http.CookieJar

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// MaxInboundMessageBytes closes the connection when a larger frame
	// arrives. Zero means no limit.
	MaxInboundMessageBytes int64
	// MaxOutboundMessagesPerSecond limits Send. Zero means unlimited.
	MaxOutboundMessagesPerSecond int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Client struct {
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	dispatch *Dispatcher

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	done       chan struct{}
	localClose bool

	writeMu sync.Mutex
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	c := &Client{
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		dispatch: NewDispatcher(logger, opts.Metrics),
	}
	if opts.MaxOutboundMessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.MaxOutboundMessagesPerSecond), opts.MaxOutboundMessagesPerSecond)
	}
	return c
}

func (c *Client) Subscribe(kind wire.Kind, h Handler) *Subscription {
	return c.dispatch.Subscribe(kind, h)
}

func (c *Client) Unsubscribe(sub *Subscription) {
	c.dispatch.Unsubscribe(sub)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the relay. It is a no-op while a connection is open or being
// established. On success connection_open is dispatched before any inbound
// event.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateOpen, StateClosing:
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("connect ignored: connection already active", "state", state.String())
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.metrics.Inc(metrics.ConnectFailures)
		c.logger.Warn("websocket connect failed", "url", c.opts.URL, "err", err)
		c.dispatch.Dispatch(wire.ConnectionError{Err: err})
		return &Error{Op: "connect", Err: err}
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return &Error{Op: "connect", Err: ErrClosed}
	}
	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.localClose = false
	c.state = StateOpen
	c.mu.Unlock()

	c.metrics.SetConnected(true)
	c.logger.Info("websocket connected", "url", c.opts.URL)
	c.dispatch.Dispatch(wire.ConnectionOpen{})

	go c.readLoop(conn, done)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.HandshakeTimeout,
		Jar:              c.opts.Jar,
	}
	header := http.Header{}
	if c.opts.Origin != "" {
		header.Set("Origin", c.opts.Origin)
	}

	conn, resp, err := dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if c.opts.MaxInboundMessageBytes > 0 {
		conn.SetReadLimit(c.opts.MaxInboundMessageBytes)
	}
	return conn, nil
}

// Send encodes ev and writes it as one text frame.
func (c *Client) Send(ev wire.Event) error {
	kind := ev.Kind()

	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateOpen || conn == nil {
		c.metrics.Inc(metrics.SendNotConnected)
		c.logger.Warn("send while not connected", "kind", string(kind), "state", state.String())
		return &Error{Op: "send", Kind: kind, Err: ErrNotConnected}
	}

	data, err := wire.Encode(ev)
	if err != nil {
		return &Error{Op: "send", Kind: kind, Err: err}
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.metrics.Inc(metrics.SendRateLimited)
		c.logger.Warn("send rate limited", "kind", string(kind))
		return &Error{Op: "send", Kind: kind, Err: ErrRateLimited}
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("websocket write failed", "kind", string(kind), "err", err)
		// The read loop notices the closed socket and reports the drop.
		_ = conn.Close()
		return &Error{Op: "send", Kind: kind, Err: err}
	}
	c.metrics.Inc(metrics.FramesOut)
	return nil
}

// Disconnect closes the connection with a normal-closure frame and waits for
// connection_close to be dispatched. It is safe to call repeatedly.
//
// Disconnect waits on the read loop, so it must not be called synchronously
// from a subscriber.
func (c *Client) Disconnect() {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		// Connect notices the state change once the dial returns.
		c.state = StateClosed
		c.mu.Unlock()
		return
	case StateOpen:
	default:
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.localClose = true
	conn, done := c.conn, c.done
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteTimeout))
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Debug("close frame not sent", "err", err)
	} else {
		select {
		case <-done:
		case <-time.After(closeGrace):
		}
	}
	_ = conn.Close()
	<-done
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.metrics.Inc(metrics.FramesIn)
		c.handleFrame(data)
	}
	_ = conn.Close()

	c.mu.Lock()
	initiated := c.localClose
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()
	c.metrics.SetConnected(false)

	ev := wire.ConnectionClose{Code: websocket.CloseAbnormalClosure, Initiated: initiated}
	abnormal := true
	var closeErr *websocket.CloseError
	if errors.As(readErr, &closeErr) {
		ev.Code = closeErr.Code
		ev.Reason = closeErr.Text
		abnormal = closeErr.Code == websocket.CloseAbnormalClosure
	}
	if initiated {
		if abnormal {
			ev.Code = websocket.CloseNormalClosure
			ev.Reason = ""
		}
		abnormal = false
	}

	if abnormal {
		c.logger.Warn("websocket dropped", "err", readErr)
		c.dispatch.Dispatch(wire.ConnectionError{Err: readErr})
	} else {
		c.logger.Info("websocket closed", "code", ev.Code, "reason", ev.Reason, "initiated", initiated)
	}
	c.dispatch.Dispatch(ev)
}

func (c *Client) handleFrame(data []byte) {
	ev, err := wire.Decode(data)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownKind) {
			c.metrics.Inc(metrics.UnknownKinds)
			c.logger.Debug("ignoring unknown event", "err", err)
			return
		}
		c.metrics.Inc(metrics.DecodeErrors)
		c.logger.Warn("dropping malformed frame", "err", err, "bytes", len(data))
		return
	}

	c.dispatch.Dispatch(ev)
	if msg, ok := ev.(wire.ChatMessage); ok {
		c.dispatch.Dispatch(wire.ChatUpdate{Message: msg})
	}
}

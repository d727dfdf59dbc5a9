// Package websocket wraps a gorilla WebSocket connection into the duplex
// frame channel the client core consumes: serialized writes through a
// buffered send channel, blocking reads with keepalive deadlines.
package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultReadTimeout      = 60 * time.Second
	defaultPingInterval     = 54 * time.Second

	sendBufferSize = 256
)

// ErrConnClosed is returned by Send and Receive after the connection dies.
var ErrConnClosed = errors.New("connection is closed")

// RateLimitConfig throttles outgoing commands with a token bucket.
type RateLimitConfig struct {
	// CommandsPerSecond defines how many commands may be sent per second
	CommandsPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration.
// Allows 100 commands per second with burst of 200.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		CommandsPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Options configures a single connection attempt.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	RateLimit        *RateLimitConfig
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = defaultWriteTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = defaultReadTimeout
	}
	if out.PingInterval <= 0 {
		out.PingInterval = defaultPingInterval
	}
	return out
}

// Conn is one live WebSocket connection. Writes from any number of
// goroutines are serialized through the send channel; reads must come from
// a single goroutine (the dispatcher loop).
type Conn struct {
	conn    *websocket.Conn
	sendCh  chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	closed  bool
	limiter *rate.Limiter
	opts    Options
}

// Dial opens a WebSocket connection to the given URL.
func Dial(ctx context.Context, url string, opts *Options) (*Conn, error) {
	o := opts.withDefaults()

	dialer := &websocket.Dialer{
		HandshakeTimeout: o.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if o.RateLimit != nil && o.RateLimit.Enabled {
		limiter = rate.NewLimiter(o.RateLimit.CommandsPerSecond, o.RateLimit.Burst)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:    ws,
		sendCh:  make(chan []byte, sendBufferSize),
		ctx:     connCtx,
		cancel:  cancel,
		limiter: limiter,
		opts:    o,
	}

	ws.SetReadDeadline(time.Now().Add(o.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(o.ReadTimeout))
		return nil
	})

	go c.writePump()

	return c, nil
}

// Send queues a frame for delivery. It blocks while the rate limiter or the
// send buffer requires it, and fails once the connection or either context
// is done.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrConnClosed
	}

	// Keep the lock while enqueueing to prevent a race with Close()
	select {
	case c.sendCh <- data:
		c.mu.RUnlock()
		return nil
	case <-ctx.Done():
		c.mu.RUnlock()
		return ctx.Err()
	case <-c.ctx.Done():
		c.mu.RUnlock()
		return ErrConnClosed
	}
}

// Receive blocks until the next inbound frame arrives. It must be called
// from a single goroutine. Returns an error when the connection dies.
func (c *Conn) Receive() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	return data, nil
}

// Done is closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close closes the connection gracefully.
func (c *Conn) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason.
// It is idempotent.
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage, message, deadline)

	close(c.sendCh)
	return c.conn.Close()
}

// writePump pumps frames from the send channel to the websocket connection
// and keeps the connection alive with periodic pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.cancel()
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if !ok {
				// Channel closed
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/strimertul/kilovolt-client-go/internal/websocket"
)

const (
	defaultRequestTimeout    = 10 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultReconnectDelayMin = 1 * time.Second
	defaultReconnectDelayMax = 30 * time.Second
	defaultEventBuffer       = 256
)

// Config holds everything needed to run a client.
type Config struct {
	// URL is the Kilovolt server endpoint, e.g. "ws://localhost:4337/ws".
	URL string

	// Password authenticates against password-protected servers via the
	// klogin/kauth challenge handshake. Leave empty for open servers.
	Password string

	// Logger receives anomaly, reconnect and listener-failure diagnostics.
	// Defaults to a no-op logger.
	Logger *zap.Logger

	// RequestTimeout bounds every command round trip. The caller's context
	// can only shorten it, never extend it.
	RequestTimeout time.Duration

	// HandshakeTimeout bounds the WebSocket dial and the wait for the
	// server hello.
	HandshakeTimeout time.Duration

	// WriteTimeout, ReadTimeout and PingInterval tune the transport
	// keepalive discipline. Zero values pick the defaults (10s/60s/54s).
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration

	// AutoReconnect enables reconnection with capped exponential backoff
	// after an established connection drops.
	AutoReconnect bool

	// ReconnectDelayMin and ReconnectDelayMax bound the backoff delay.
	ReconnectDelayMin time.Duration
	ReconnectDelayMax time.Duration

	// MaxReconnectAttempts limits consecutive failed reconnect attempts
	// before the client gives up and closes. 0 means retry forever.
	MaxReconnectAttempts int

	// RateLimit throttles outgoing commands. Nil disables throttling.
	RateLimit *websocket.RateLimitConfig

	// EventBuffer sizes the push-event queue between the read loop and the
	// listener dispatch goroutine. When full, the read loop waits up to a
	// second for the queue to drain; a push that still cannot be queued is
	// dropped and logged.
	EventBuffer int

	// OnStateChange, when set, is called synchronously on every connection
	// state transition. Keep it fast; it runs on the client's goroutines.
	OnStateChange func(state State)
}

// DefaultConfig returns a configuration with sane defaults for the given
// server URL: 10s request timeout, automatic reconnection between 1s and 30s
// backoff with unlimited attempts, no rate limiting.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:               url,
		RequestTimeout:    defaultRequestTimeout,
		HandshakeTimeout:  defaultHandshakeTimeout,
		AutoReconnect:     true,
		ReconnectDelayMin: defaultReconnectDelayMin,
		ReconnectDelayMax: defaultReconnectDelayMax,
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = defaultRequestTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	if out.ReconnectDelayMin <= 0 {
		out.ReconnectDelayMin = defaultReconnectDelayMin
	}
	if out.ReconnectDelayMax < out.ReconnectDelayMin {
		out.ReconnectDelayMax = defaultReconnectDelayMax
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = defaultEventBuffer
	}
	return &out
}

func (c *Config) transportOptions() *websocket.Options {
	return &websocket.Options{
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		ReadTimeout:      c.ReadTimeout,
		PingInterval:     c.PingInterval,
		RateLimit:        c.RateLimit,
	}
}

package kilovolt

import (
	"context"
	"encoding/json"
)

// ConnectionState describes where a client is in its connection lifecycle.
type ConnectionState int32

const (
	// StateDisconnected is the initial state before Connect is called.
	StateDisconnected ConnectionState = iota
	// StateAuthenticating means the transport is open and the client is
	// waiting for the server hello and, if configured, completing the
	// authentication handshake.
	StateAuthenticating
	// StateReady means the connection is established, authenticated and all
	// subscriptions have been replayed; commands are accepted.
	StateReady
	// StateReconnecting means the connection dropped and the client is
	// retrying with backoff. Subscriptions are kept for replay.
	StateReconnecting
	// StateClosed is terminal: Close was called or the reconnect budget was
	// exhausted.
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Listener receives push events for a subscribed key or prefix.
//
// Listeners run on the client's event dispatch goroutine, one event at a
// time, so a slow listener bounds event throughput (but never blocks
// request/response traffic). A listener that panics is isolated: the panic is
// logged and delivery to other listeners continues.
type Listener func(key, value string)

// Subscription is the handle returned by SubscribeKey and SubscribePrefix,
// used to remove the listener later.
type Subscription interface {
	// ID returns a unique identifier for this listener registration.
	ID() string

	// Target returns the key or prefix the listener was registered for.
	Target() string

	// IsPrefix reports whether the subscription matches a prefix rather
	// than a single key.
	IsPrefix() bool
}

// Client is a Kilovolt client over a single WebSocket connection.
//
// All methods are safe for concurrent use. Command methods (Get, Set, ...)
// correlate responses by request id, so concurrent callers each receive their
// own result regardless of the order responses arrive in.
//
// Example usage:
//
//	import "github.com/strimertul/kilovolt-client-go/kv"
//
//	client := kv.New(kv.DefaultConfig("ws://localhost:4337/ws"))
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close(context.Background())
//
//	sub, _ := client.SubscribePrefix(ctx, "twitch", func(key, value string) {
//	    log.Printf("%s = %s", key, value)
//	})
//	defer client.Unsubscribe(context.Background(), sub)
type Client interface {
	// Connect dials the server, waits for the hello message, verifies the
	// protocol version, authenticates if a password is configured, and
	// replays any existing subscriptions. It returns once the client is
	// Ready or with a terminal error (ErrAuthenticationFailed,
	// ErrProtocolVersion, or a transport failure).
	//
	// After a successful Connect the client reconnects automatically when
	// the connection drops, replaying subscriptions each time. Requests
	// outstanding at the moment of a drop fail with ErrConnectionLost.
	Connect(ctx context.Context) error

	// Close tears down the connection and moves the client to StateClosed.
	// It is idempotent. Outstanding requests fail with ErrClientClosed.
	// A closed client cannot be reconnected.
	Close(ctx context.Context) error

	// State returns the current connection state.
	State() ConnectionState

	// ServerVersion returns the protocol version announced by the server's
	// hello message, or the empty string before the first connection.
	ServerVersion() string

	// Get reads a key as a bare string. Unset keys read as the empty string.
	Get(ctx context.Context, key string) (string, error)

	// GetBulk reads several keys in one round trip.
	GetBulk(ctx context.Context, keys []string) (map[string]string, error)

	// GetPrefix reads every key with the given prefix as a key/value map.
	GetPrefix(ctx context.Context, prefix string) (map[string]string, error)

	// Set writes a key as a bare string.
	Set(ctx context.Context, key, value string) error

	// SetBulk writes several keys in one round trip.
	SetBulk(ctx context.Context, values map[string]string) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// ListKeys returns all keys matching the given prefix. An empty prefix
	// lists every key.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// SubscribeKey registers a listener for changes to a single key.
	//
	// The first listener for a key issues a server-side subscribe and waits
	// for its acknowledgment; if the server rejects it, the listener is
	// retracted and the error returned. Further listeners for the same key
	// attach locally without another server round trip.
	SubscribeKey(ctx context.Context, key string, fn Listener) (Subscription, error)

	// SubscribePrefix registers a listener for changes to every key with
	// the given prefix. Server round-trip semantics match SubscribeKey.
	SubscribePrefix(ctx context.Context, prefix string, fn Listener) (Subscription, error)

	// Unsubscribe removes a listener. Removing the last listener for a key
	// or prefix issues a server-side unsubscribe; if that fails the error
	// is returned, but the listener is removed regardless and any stray
	// pushes are dropped.
	Unsubscribe(ctx context.Context, sub Subscription) error

	// SendCommand submits a raw command with verb-specific arguments and
	// returns the undecoded response payload. It is the escape hatch for
	// protocol verbs without a typed wrapper.
	SendCommand(ctx context.Context, command string, data map[string]interface{}) (json.RawMessage, error)
}

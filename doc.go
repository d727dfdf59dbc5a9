// Package kilovolt provides a client for the Kilovolt WebSocket key/value
// pub-sub protocol (v9 and later).
//
// Kilovolt exposes a small command set (read, write, list, subscribe) over a
// single persistent WebSocket connection. Responses arrive asynchronously and
// interleaved with unsolicited push events; this client turns that stream
// back into ordinary request/response calls plus per-key event callbacks.
//
// # Architecture
//
// One goroutine owns the inbound side of the connection and routes every
// frame: responses are matched to their originating call by request id, push
// events are queued to a dispatch goroutine that invokes subscription
// listeners. Outgoing writes are serialized through a buffered send channel,
// so any number of goroutines may issue commands concurrently.
//
// # Quick Start
//
//	import (
//	    "github.com/strimertul/kilovolt-client-go/kv"
//	)
//
//	client := kv.New(kv.DefaultConfig("ws://localhost:4337/ws"))
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close(context.Background())
//
//	// Request/response
//	client.Set(ctx, "twitch/title", "hello")
//	title, _ := client.Get(ctx, "twitch/title")
//
//	// Push events
//	sub, _ := client.SubscribeKey(ctx, "twitch/ev/message", func(key, value string) {
//	    log.Printf("%s changed to %s", key, value)
//	})
//	defer client.Unsubscribe(context.Background(), sub)
//
// # Connection lifecycle
//
// Connect blocks until the server hello has been received, the protocol
// version verified, authentication (if configured) completed and existing
// subscriptions replayed. From then on the client reconnects on its own with
// capped exponential backoff, replaying every subscription before accepting
// new commands. Requests in flight when the connection drops fail with
// ErrConnectionLost; listeners are never handed connection errors, delivery
// simply pauses until the reconnect completes.
//
// # Authentication
//
// Password-protected servers use a challenge-response handshake: the client
// requests a challenge (klogin), signs it with HMAC-SHA256 keyed by the
// password and a server-provided salt, and submits the signature (kauth).
// The password never crosses the wire. A rejected handshake is terminal and
// is not retried.
//
// # Guarantees
//
//   - Each response is delivered to its originating caller exactly once,
//     whatever order responses arrive in.
//   - Events for a single key reach listeners in wire order. No ordering is
//     guaranteed across distinct keys.
//   - Every command carries a deadline (Config.RequestTimeout, further
//     bounded by the caller's context); there are no unbounded waits.
//   - A panicking listener never disturbs other listeners or the connection.
//
// # Important
//
//   - Listeners run sequentially on one dispatch goroutine; do heavy work on
//     your own goroutine if event rates are high.
//   - Commands issued while the client is reconnecting fail fast with
//     ErrNotConnected rather than queueing.
package kilovolt

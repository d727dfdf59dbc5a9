package kilovolt

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the client. Wrap sites use fmt.Errorf with %w so
// callers can match with errors.Is.
var (
	// ErrClientClosed is returned by every operation after Close, and
	// delivered to requests still outstanding when Close is called.
	ErrClientClosed = errors.New("client is closed")

	// ErrNotConnected is returned when a command is submitted while the
	// client is disconnected or still reconnecting.
	ErrNotConnected = errors.New("client is not connected")

	// ErrConnectionLost is delivered to every request outstanding at the
	// moment the connection drops. Subscriptions are not affected; they are
	// replayed on reconnect.
	ErrConnectionLost = errors.New("connection lost")

	// ErrRequestTimeout is returned when a command receives no response
	// within its deadline. A late response is discarded as an anomaly.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrAuthenticationFailed is returned when the authentication handshake
	// is rejected. It is terminal: the client never retries a connection
	// with credentials the server already refused.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrProtocolVersion is returned when the server announces a protocol
	// version older than ProtoVersion.
	ErrProtocolVersion = errors.New("unsupported server protocol version")

	// ErrNotSubscribed is returned by Unsubscribe for a handle that is not
	// currently registered.
	ErrNotSubscribed = errors.New("not subscribed")
)

// ServerError is a failure response from the server to a specific command.
type ServerError struct {
	Code    ErrCode
	Details string
}

func (e *ServerError) Error() string {
	if e.Details == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Details)
}

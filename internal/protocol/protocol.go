// Package protocol implements the Kilovolt wire codec: JSON text frames
// carrying requests, responses, push events and the server hello.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const maxFrameSize = 10 * 1024 * 1024 // 10MB max frame size

// Kind identifies the interpretation of an inbound frame.
type Kind int

const (
	// KindResponse is a reply (success or error) to a previously submitted
	// command, matched by request id.
	KindResponse Kind = iota + 1
	// KindPush is an unsolicited key-change event.
	KindPush
	// KindHello is the version announcement the server sends as soon as the
	// socket opens.
	KindHello
)

var (
	// ErrUnknownFrame marks a structurally valid frame that is neither a
	// response, a push nor a hello.
	ErrUnknownFrame = errors.New("frame matches no known message shape")

	// ErrFrameTooLarge marks a frame exceeding the size cap.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Request is an outgoing command frame.
type Request struct {
	Command   string                 `json:"command"`
	RequestID string                 `json:"request_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Response is a reply to a command. Exactly one of Data (Ok true) or
// ErrCode/Details (Ok false) is meaningful.
type Response struct {
	RequestID string
	Ok        bool
	Data      json.RawMessage
	ErrCode   string
	Details   string
}

// Push is an unsolicited key-change event.
type Push struct {
	Key      string
	NewValue string
}

// Hello is the server's version announcement.
type Hello struct {
	Version string
}

// Message is one decoded inbound frame; Kind selects which field is set.
type Message struct {
	Kind     Kind
	Response Response
	Push     Push
	Hello    Hello
}

// envelope is the superset of all inbound frame fields; classification
// happens after a single unmarshal.
type envelope struct {
	Type      string          `json:"type"`
	Ok        *bool           `json:"ok"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Details   string          `json:"details"`
	Key       string          `json:"key"`
	NewValue  string          `json:"new_value"`
	Version   string          `json:"version"`
}

// EncodeRequest serializes a command frame.
func EncodeRequest(command, requestID string, data map[string]interface{}) ([]byte, error) {
	out, err := json.Marshal(Request{
		Command:   command,
		RequestID: requestID,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", command, err)
	}
	return out, nil
}

// Decode parses an inbound frame and classifies it.
//
// Any frame carrying a request id is a response, whether or not the server
// tagged it with a type (error responses carry ok=false and no type field).
// Otherwise the type field selects push or hello.
func Decode(frame []byte) (*Message, error) {
	if len(frame) > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	if env.RequestID != "" {
		ok := env.Ok != nil && *env.Ok
		return &Message{
			Kind: KindResponse,
			Response: Response{
				RequestID: env.RequestID,
				Ok:        ok,
				Data:      env.Data,
				ErrCode:   env.Error,
				Details:   env.Details,
			},
		}, nil
	}

	switch env.Type {
	case "push":
		return &Message{
			Kind: KindPush,
			Push: Push{Key: env.Key, NewValue: env.NewValue},
		}, nil
	case "hello":
		return &Message{
			Kind:  KindHello,
			Hello: Hello{Version: env.Version},
		}, nil
	}

	return nil, ErrUnknownFrame
}

// ParseVersion extracts the numeric part of a protocol version string such
// as "v9" or "v10.1" (only the major number matters for compatibility).
func ParseVersion(v string) (int, error) {
	s := strings.TrimPrefix(v, "v")
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		s = s[:dot]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid protocol version %q", v)
	}
	return n, nil
}

package e2e_test

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	kilovolt "github.com/strimertul/kilovolt-client-go"
	"github.com/strimertul/kilovolt-client-go/kv"
)

// mockServer is a minimal in-process Kilovolt server: enough of the protocol
// to exercise the client end to end over real WebSocket connections.
type mockServer struct {
	t        *testing.T
	password string
	version  string

	httpSrv *httptest.Server

	mu         sync.Mutex
	store      map[string]string
	conns      map[*serverConn]bool
	subCount   map[string]int
	unsubCount map[string]int
	silent     map[string]bool // kget for these keys gets no response
	rejectSubs map[string]bool // ksub for these targets is refused
	authDrops  int             // klogin closes the socket this many times
}

// serverConn is one connected client on the server side. Writes are
// serialized per connection.
type serverConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	authed    bool
	salt      []byte
	challenge []byte
	keys      map[string]bool
	prefixes  map[string]bool
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()

	s := &mockServer{
		t:          t,
		version:    kilovolt.ProtoVersion,
		store:      make(map[string]string),
		conns:      make(map[*serverConn]bool),
		subCount:   make(map[string]int),
		unsubCount: make(map[string]int),
		silent:     make(map[string]bool),
		rejectSubs: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = httptest.NewServer(mux)
	t.Cleanup(s.httpSrv.Close)

	return s
}

func (s *mockServer) url() string {
	return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http") + "/ws"
}

// dropConnections force-closes every live connection, simulating a transport
// failure.
func (s *mockServer) dropConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

// stop shuts the server down entirely so further dials are refused.
func (s *mockServer) stop() {
	s.dropConnections()
	s.httpSrv.Close()
}

// silence makes the server swallow kget requests for a key without replying.
func (s *mockServer) silence(key string) {
	s.mu.Lock()
	s.silent[key] = true
	s.mu.Unlock()
}

// rejectSubscribe makes the server refuse ksub commands for a target.
func (s *mockServer) rejectSubscribe(target string) {
	s.mu.Lock()
	s.rejectSubs[target] = true
	s.mu.Unlock()
}

// dropNextAuth makes the server kill the connection on the next n klogin
// commands instead of answering them.
func (s *mockServer) dropNextAuth(n int) {
	s.mu.Lock()
	s.authDrops = n
	s.mu.Unlock()
}

func (s *mockServer) subCountFor(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subCount[target]
}

func (s *mockServer) unsubCountFor(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubCount[target]
}

func (s *mockServer) setStore(key, value string) {
	s.mu.Lock()
	s.store[key] = value
	s.mu.Unlock()
	s.broadcast(key, value)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *mockServer) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := &serverConn{
		ws:       ws,
		keys:     make(map[string]bool),
		prefixes: make(map[string]bool),
	}
	s.mu.Lock()
	s.conns[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		ws.Close()
	}()

	conn.writeJSON(map[string]interface{}{"type": "hello", "version": s.version})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var req struct {
			Command   string                 `json:"command"`
			RequestID string                 `json:"request_id"`
			Data      map[string]interface{} `json:"data"`
		}
		if err := json.Unmarshal(frame, &req); err != nil {
			conn.writeError("", kilovolt.ErrInvalidFmt, err.Error())
			continue
		}

		s.handleCommand(conn, req.Command, req.RequestID, req.Data)
	}
}

func (s *mockServer) handleCommand(c *serverConn, command, rid string, data map[string]interface{}) {
	if s.password != "" && !c.authed {
		switch command {
		case kilovolt.CmdAuthRequest, kilovolt.CmdAuthChallenge, kilovolt.CmdProtoVersion:
		default:
			c.writeError(rid, kilovolt.ErrAuthRequired, "")
			return
		}
	}

	str := func(field string) string {
		v, _ := data[field].(string)
		return v
	}

	switch command {
	case kilovolt.CmdProtoVersion:
		c.writeResponse(rid, s.version)

	case kilovolt.CmdAuthRequest:
		s.mu.Lock()
		drop := s.authDrops > 0
		if drop {
			s.authDrops--
		}
		s.mu.Unlock()
		if drop {
			c.ws.Close()
			return
		}
		c.salt = randomBytes(s.t, 16)
		c.challenge = randomBytes(s.t, 32)
		c.writeResponse(rid, map[string]string{
			"salt":      base64.StdEncoding.EncodeToString(c.salt),
			"challenge": base64.StdEncoding.EncodeToString(c.challenge),
		})

	case kilovolt.CmdAuthChallenge:
		if c.salt == nil {
			c.writeError(rid, kilovolt.ErrAuthNotInit, "")
			return
		}
		mac := hmac.New(sha256.New, append([]byte(s.password), c.salt...))
		mac.Write(c.challenge)
		want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		if str("hash") != want {
			c.writeError(rid, kilovolt.ErrAuthFailed, "")
			return
		}
		c.authed = true
		c.writeResponse(rid, nil)

	case kilovolt.CmdReadKey:
		key := str("key")
		s.mu.Lock()
		silent := s.silent[key]
		value := s.store[key]
		s.mu.Unlock()
		if silent {
			return
		}
		c.writeResponse(rid, value)

	case kilovolt.CmdReadBulk:
		out := make(map[string]string)
		s.mu.Lock()
		if keys, ok := data["keys"].([]interface{}); ok {
			for _, k := range keys {
				if ks, ok := k.(string); ok {
					out[ks] = s.store[ks]
				}
			}
		}
		s.mu.Unlock()
		c.writeResponse(rid, out)

	case kilovolt.CmdReadPrefix:
		prefix := str("prefix")
		out := make(map[string]string)
		s.mu.Lock()
		for k, v := range s.store {
			if strings.HasPrefix(k, prefix) {
				out[k] = v
			}
		}
		s.mu.Unlock()
		c.writeResponse(rid, out)

	case kilovolt.CmdWriteKey:
		key, value := str("key"), str("data")
		s.mu.Lock()
		s.store[key] = value
		s.mu.Unlock()
		c.writeResponse(rid, nil)
		s.broadcast(key, value)

	case kilovolt.CmdWriteBulk:
		s.mu.Lock()
		for k, v := range data {
			if vs, ok := v.(string); ok {
				s.store[k] = vs
			}
		}
		s.mu.Unlock()
		c.writeResponse(rid, nil)
		for k, v := range data {
			if vs, ok := v.(string); ok {
				s.broadcast(k, vs)
			}
		}

	case kilovolt.CmdRemoveKey:
		s.mu.Lock()
		delete(s.store, str("key"))
		s.mu.Unlock()
		c.writeResponse(rid, nil)

	case kilovolt.CmdListKeys:
		prefix := str("prefix")
		keys := []string{}
		s.mu.Lock()
		for k := range s.store {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		s.mu.Unlock()
		c.writeResponse(rid, keys)

	case kilovolt.CmdSubscribeKey:
		key := str("key")
		s.mu.Lock()
		rejected := s.rejectSubs[key]
		if !rejected {
			s.subCount[key]++
			c.keys[key] = true
		}
		s.mu.Unlock()
		if rejected {
			c.writeError(rid, kilovolt.ErrServerError, "subscription refused")
			return
		}
		c.writeResponse(rid, nil)

	case kilovolt.CmdSubscribePrefix:
		prefix := str("prefix")
		s.mu.Lock()
		rejected := s.rejectSubs[prefix]
		if !rejected {
			s.subCount[prefix]++
			c.prefixes[prefix] = true
		}
		s.mu.Unlock()
		if rejected {
			c.writeError(rid, kilovolt.ErrServerError, "subscription refused")
			return
		}
		c.writeResponse(rid, nil)

	case kilovolt.CmdUnsubscribeKey:
		key := str("key")
		s.mu.Lock()
		s.unsubCount[key]++
		delete(c.keys, key)
		s.mu.Unlock()
		c.writeResponse(rid, nil)

	case kilovolt.CmdUnsubscribePrefix:
		prefix := str("prefix")
		s.mu.Lock()
		s.unsubCount[prefix]++
		delete(c.prefixes, prefix)
		s.mu.Unlock()
		c.writeResponse(rid, nil)

	default:
		c.writeError(rid, kilovolt.ErrUnknownCmd, command)
	}
}

// broadcast pushes a key change to every connection subscribed to the key or
// a matching prefix.
func (s *mockServer) broadcast(key, value string) {
	s.mu.Lock()
	var targets []*serverConn
	for conn := range s.conns {
		if conn.keys[key] {
			targets = append(targets, conn)
			continue
		}
		for prefix := range conn.prefixes {
			if strings.HasPrefix(key, prefix) {
				targets = append(targets, conn)
				break
			}
		}
	}
	s.mu.Unlock()

	for _, conn := range targets {
		conn.writeJSON(map[string]interface{}{
			"type":      "push",
			"key":       key,
			"new_value": value,
		})
	}
}

func (c *serverConn) writeJSON(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.WriteJSON(v)
}

func (c *serverConn) writeResponse(rid string, data interface{}) {
	msg := map[string]interface{}{
		"type":       "response",
		"ok":         true,
		"request_id": rid,
	}
	if data != nil {
		msg["data"] = data
	}
	c.writeJSON(msg)
}

func (c *serverConn) writeError(rid string, code kilovolt.ErrCode, details string) {
	msg := map[string]interface{}{
		"ok":      false,
		"error":   string(code),
		"details": details,
	}
	if rid != "" {
		msg["request_id"] = rid
	}
	c.writeJSON(msg)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		t.Fatalf("generating random bytes: %v", err)
	}
	return out
}

// testConfig returns a client config tuned for fast tests.
func testConfig(s *mockServer) *kv.Config {
	cfg := kv.DefaultConfig(s.url())
	cfg.Password = s.password
	cfg.ReconnectDelayMin = 10 * time.Millisecond
	cfg.ReconnectDelayMax = 100 * time.Millisecond
	return cfg
}

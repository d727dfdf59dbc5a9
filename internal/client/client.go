// Package client implements the Kilovolt client core: connection lifecycle,
// request/response correlation, subscription dispatch and reconnection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	kilovolt "github.com/strimertul/kilovolt-client-go"
	"github.com/strimertul/kilovolt-client-go/internal/protocol"
	"github.com/strimertul/kilovolt-client-go/internal/websocket"
)

// State aliases the public connection state type.
type State = kilovolt.ConnectionState

// minProtoMajor is the oldest server protocol version the client accepts.
var minProtoMajor, _ = protocol.ParseVersion(kilovolt.ProtoVersion)

// Client implements kilovolt.Client over one WebSocket connection at a time.
//
// The mutex guards the state/conn/version triple with narrow critical
// sections; the pending table and the subscription registry carry their own
// locks. The supervise goroutine owns reconnection for the client's
// lifetime.
type Client struct {
	cfg  *Config
	log  *zap.Logger
	corr *correlator
	reg  *registry

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	version string
}

var _ kilovolt.Client = (*Client)(nil)

// New creates a client. No connection is made until Connect.
func New(cfg *Config) *Client {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		log:    cfg.Logger,
		corr:   newCorrelator(cfg.Logger),
		reg:    newRegistry(cfg.Logger),
		ctx:    ctx,
		cancel: cancel,
		state:  kilovolt.StateDisconnected,
	}
}

// Connect establishes the connection and blocks until the client is Ready or
// a terminal error occurs.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case kilovolt.StateClosed:
		c.mu.Unlock()
		return kilovolt.ErrClientClosed
	case kilovolt.StateDisconnected:
	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect called while %s", state)
	}
	notify := c.setStateLocked(kilovolt.StateAuthenticating)
	c.mu.Unlock()
	notify()

	conn, disp, version, err := c.establish(ctx)
	if err != nil {
		c.mu.Lock()
		var back func()
		if c.state == kilovolt.StateAuthenticating {
			back = c.setStateLocked(kilovolt.StateDisconnected)
		} else {
			back = func() {}
		}
		c.mu.Unlock()
		back()
		return err
	}

	c.mu.Lock()
	if c.state == kilovolt.StateClosed {
		// Close raced the handshake
		c.mu.Unlock()
		conn.Close()
		return kilovolt.ErrClientClosed
	}
	c.conn = conn
	c.version = version
	notify = c.setStateLocked(kilovolt.StateReady)
	c.mu.Unlock()
	notify()

	go c.supervise(conn, disp)
	return nil
}

// Close tears the client down. Idempotent and terminal.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == kilovolt.StateClosed {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.conn = nil
	notify := c.setStateLocked(kilovolt.StateClosed)
	c.mu.Unlock()
	notify()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.corr.failAll(kilovolt.ErrClientClosed)
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerVersion returns the protocol version from the last hello.
func (c *Client) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// establish runs one full connection attempt: dial, hello, version check,
// authentication, subscription replay. On any failure the transport is
// released before returning.
func (c *Client) establish(ctx context.Context) (*websocket.Conn, *dispatcher, string, error) {
	conn, err := websocket.Dial(ctx, c.cfg.URL, c.cfg.transportOptions())
	if err != nil {
		return nil, nil, "", fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}

	disp := newDispatcher(conn, c.corr, c.reg, c.cfg.EventBuffer, c.log)

	version, err := c.awaitHello(ctx, disp)
	if err != nil {
		conn.Close()
		return nil, nil, "", err
	}

	major, verr := protocol.ParseVersion(version)
	if verr != nil || major < minProtoMajor {
		conn.Close()
		return nil, nil, "", fmt.Errorf("%w: server announced %q, need %s or later",
			kilovolt.ErrProtocolVersion, version, kilovolt.ProtoVersion)
	}

	if c.cfg.Password != "" {
		if err := c.authenticate(ctx, conn); err != nil {
			conn.Close()
			return nil, nil, "", err
		}
	}

	if err := c.replaySubscriptions(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, "", err
	}

	return conn, disp, version, nil
}

// awaitHello waits for the server's version announcement.
func (c *Client) awaitHello(ctx context.Context, disp *dispatcher) (string, error) {
	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case hello := <-disp.helloCh:
		return hello.Version, nil
	case <-disp.done:
		return "", errors.New("connection closed before server hello")
	case <-timer.C:
		return "", errors.New("timed out waiting for server hello")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// authenticate performs the klogin/kauth challenge handshake.
func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	payload, err := c.submitOn(ctx, conn, kilovolt.CmdAuthRequest, nil)
	if err != nil {
		return authVerdict(err)
	}

	hash, err := solveChallenge(c.cfg.Password, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", kilovolt.ErrAuthenticationFailed, err)
	}

	if _, err := c.submitOn(ctx, conn, kilovolt.CmdAuthChallenge, map[string]interface{}{"hash": hash}); err != nil {
		return authVerdict(err)
	}
	return nil
}

// authVerdict classifies a failed handshake exchange. Only an explicit server
// rejection is an authentication failure; a transport drop or timeout during
// the exchange carries no verdict and must stay retryable.
func authVerdict(err error) error {
	var serverErr *kilovolt.ServerError
	if errors.As(err, &serverErr) {
		return fmt.Errorf("%w: %v", kilovolt.ErrAuthenticationFailed, err)
	}
	return fmt.Errorf("authentication handshake interrupted: %w", err)
}

// replaySubscriptions re-issues a subscribe for every key and prefix that
// still has listeners. Runs before the connection is considered Ready, so
// callers never observe a ready client with missing subscriptions.
func (c *Client) replaySubscriptions(ctx context.Context, conn *websocket.Conn) error {
	keys, prefixes := c.reg.replayTargets()
	for _, key := range keys {
		if _, err := c.submitOn(ctx, conn, kilovolt.CmdSubscribeKey, map[string]interface{}{"key": key}); err != nil {
			return fmt.Errorf("replaying subscription for key %q: %w", key, err)
		}
	}
	for _, prefix := range prefixes {
		if _, err := c.submitOn(ctx, conn, kilovolt.CmdSubscribePrefix, map[string]interface{}{"prefix": prefix}); err != nil {
			return fmt.Errorf("replaying subscription for prefix %q: %w", prefix, err)
		}
	}
	return nil
}

// supervise watches the live connection and drives the reconnection policy
// for the client's lifetime.
func (c *Client) supervise(conn *websocket.Conn, disp *dispatcher) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-disp.done:
		}

		c.mu.Lock()
		if c.state == kilovolt.StateClosed {
			c.mu.Unlock()
			return
		}
		c.conn = nil
		if !c.cfg.AutoReconnect {
			notify := c.setStateLocked(kilovolt.StateClosed)
			c.mu.Unlock()
			notify()
			conn.Close()
			c.cancel()
			c.corr.failAll(kilovolt.ErrConnectionLost)
			return
		}
		notify := c.setStateLocked(kilovolt.StateReconnecting)
		c.mu.Unlock()
		notify()

		conn.Close()
		c.corr.failAll(kilovolt.ErrConnectionLost)
		c.log.Warn("connection lost, reconnecting", zap.String("url", c.cfg.URL))

		newConn, newDisp, err := c.reconnect()
		if err != nil {
			c.fail(err)
			return
		}
		conn, disp = newConn, newDisp
	}
}

// reconnect retries establish with capped exponential backoff until it
// succeeds, the attempt budget runs out, or a terminal condition (auth or
// protocol rejection, client closed) ends the client.
func (c *Client) reconnect() (*websocket.Conn, *dispatcher, error) {
	for attempt := 0; ; attempt++ {
		if c.cfg.MaxReconnectAttempts > 0 && attempt >= c.cfg.MaxReconnectAttempts {
			return nil, nil, fmt.Errorf("%w: gave up after %d reconnect attempts",
				kilovolt.ErrConnectionLost, attempt)
		}

		delay := backoffDelay(attempt, c.cfg.ReconnectDelayMin, c.cfg.ReconnectDelayMax)
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return nil, nil, kilovolt.ErrClientClosed
		}

		conn, disp, version, err := c.establish(c.ctx)
		if err != nil {
			// Retrying rejected credentials or an incompatible server
			// cannot succeed.
			if errors.Is(err, kilovolt.ErrAuthenticationFailed) || errors.Is(err, kilovolt.ErrProtocolVersion) {
				return nil, nil, err
			}
			c.log.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		c.mu.Lock()
		if c.state == kilovolt.StateClosed {
			c.mu.Unlock()
			conn.Close()
			return nil, nil, kilovolt.ErrClientClosed
		}
		c.conn = conn
		c.version = version
		notify := c.setStateLocked(kilovolt.StateReady)
		c.mu.Unlock()
		notify()

		c.log.Info("reconnected",
			zap.String("url", c.cfg.URL),
			zap.Int("attempts", attempt+1))
		return conn, disp, nil
	}
}

// fail moves the client to Closed with the given terminal error.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.state == kilovolt.StateClosed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	notify := c.setStateLocked(kilovolt.StateClosed)
	c.mu.Unlock()
	notify()

	c.cancel()
	c.corr.failAll(err)
	c.log.Error("client closed", zap.Error(err))
}

// setStateLocked records a state transition and returns the observer
// notification to run after the mutex is released.
func (c *Client) setStateLocked(s State) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	if c.cfg.OnStateChange == nil {
		return func() {}
	}
	cb := c.cfg.OnStateChange
	return func() { cb(s) }
}

// submit sends a command on the current connection and waits for its
// response. Only a Ready client accepts commands; during reconnects callers
// fail fast with ErrNotConnected instead of queueing.
func (c *Client) submit(ctx context.Context, command string, data map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	state, conn := c.state, c.conn
	c.mu.Unlock()

	switch state {
	case kilovolt.StateReady:
	case kilovolt.StateClosed:
		return nil, kilovolt.ErrClientClosed
	default:
		return nil, fmt.Errorf("%w: client is %s", kilovolt.ErrNotConnected, state)
	}

	return c.submitOn(ctx, conn, command, data)
}

// submitOn registers a pending request, sends the frame on the given
// connection and awaits resolution. Used directly during the handshake,
// before the client is Ready.
func (c *Client) submitOn(ctx context.Context, conn *websocket.Conn, command string, data map[string]interface{}) (json.RawMessage, error) {
	p := c.corr.register()

	frame, err := protocol.EncodeRequest(command, p.id, data)
	if err != nil {
		c.corr.cancel(p.id)
		return nil, err
	}

	if err := conn.Send(ctx, frame); err != nil {
		c.corr.cancel(p.id)
		return nil, fmt.Errorf("sending %s: %w", command, err)
	}

	resp, err := c.corr.await(ctx, p, c.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	if !resp.Ok {
		return nil, &kilovolt.ServerError{
			Code:    kilovolt.ErrCode(resp.ErrCode),
			Details: resp.Details,
		}
	}
	return resp.Data, nil
}

// Get reads a key as a bare string.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	data, err := c.submit(ctx, kilovolt.CmdReadKey, map[string]interface{}{"key": key})
	if err != nil {
		return "", err
	}
	return decodeString(data)
}

// GetBulk reads several keys in one round trip.
func (c *Client) GetBulk(ctx context.Context, keys []string) (map[string]string, error) {
	data, err := c.submit(ctx, kilovolt.CmdReadBulk, map[string]interface{}{"keys": keys})
	if err != nil {
		return nil, err
	}
	return decodeStringMap(data)
}

// GetPrefix reads every key with the given prefix.
func (c *Client) GetPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	data, err := c.submit(ctx, kilovolt.CmdReadPrefix, map[string]interface{}{"prefix": prefix})
	if err != nil {
		return nil, err
	}
	return decodeStringMap(data)
}

// Set writes a key.
func (c *Client) Set(ctx context.Context, key, value string) error {
	_, err := c.submit(ctx, kilovolt.CmdWriteKey, map[string]interface{}{"key": key, "data": value})
	return err
}

// SetBulk writes several keys in one round trip.
func (c *Client) SetBulk(ctx context.Context, values map[string]string) error {
	data := make(map[string]interface{}, len(values))
	for k, v := range values {
		data[k] = v
	}
	_, err := c.submit(ctx, kilovolt.CmdWriteBulk, data)
	return err
}

// Delete removes a key.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.submit(ctx, kilovolt.CmdRemoveKey, map[string]interface{}{"key": key})
	return err
}

// ListKeys returns all keys with the given prefix.
func (c *Client) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	data, err := c.submit(ctx, kilovolt.CmdListKeys, map[string]interface{}{"prefix": prefix})
	if err != nil {
		return nil, err
	}
	return decodeStringSlice(data)
}

// SubscribeKey registers a listener for a single key.
func (c *Client) SubscribeKey(ctx context.Context, key string, fn kilovolt.Listener) (kilovolt.Subscription, error) {
	return c.subscribe(ctx, key, false, fn)
}

// SubscribePrefix registers a listener for every key with a prefix.
func (c *Client) SubscribePrefix(ctx context.Context, prefix string, fn kilovolt.Listener) (kilovolt.Subscription, error) {
	return c.subscribe(ctx, prefix, true, fn)
}

func (c *Client) subscribe(ctx context.Context, target string, prefix bool, fn kilovolt.Listener) (kilovolt.Subscription, error) {
	sub, first := c.reg.add(target, prefix, fn)
	if !first {
		return sub, nil
	}

	cmd, arg := kilovolt.CmdSubscribeKey, "key"
	if prefix {
		cmd, arg = kilovolt.CmdSubscribePrefix, "prefix"
	}
	if _, err := c.submit(ctx, cmd, map[string]interface{}{arg: target}); err != nil {
		// Retract the listener so a reconnect replay cannot resurrect it.
		// A replay racing this call may already have subscribed the target
		// server-side; a best-effort unsubscribe clears that instead of
		// leaving it until the next reconnect.
		if last, rerr := c.reg.remove(sub); rerr == nil && last {
			ucmd, uarg := kilovolt.CmdUnsubscribeKey, "key"
			if prefix {
				ucmd, uarg = kilovolt.CmdUnsubscribePrefix, "prefix"
			}
			_, _ = c.submit(ctx, ucmd, map[string]interface{}{uarg: target})
		}
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes a listener; the last listener for a target also
// unsubscribes server-side.
func (c *Client) Unsubscribe(ctx context.Context, s kilovolt.Subscription) error {
	sub, ok := s.(*subscription)
	if !ok || sub == nil {
		return kilovolt.ErrNotSubscribed
	}

	last, err := c.reg.remove(sub)
	if err != nil {
		return err
	}
	if !last {
		return nil
	}

	cmd, arg := kilovolt.CmdUnsubscribeKey, "key"
	if sub.prefix {
		cmd, arg = kilovolt.CmdUnsubscribePrefix, "prefix"
	}
	// The listener is already gone locally; stray pushes until the server
	// processes this are dropped by the registry.
	_, err = c.submit(ctx, cmd, map[string]interface{}{arg: sub.target})
	return err
}

// SendCommand submits a raw command and returns the undecoded payload.
func (c *Client) SendCommand(ctx context.Context, command string, data map[string]interface{}) (json.RawMessage, error) {
	return c.submit(ctx, command, data)
}

// backoffDelay computes the delay before reconnect attempt n (0-based):
// the minimum delay doubled per attempt, capped at max, with jitter drawn
// from the upper half of the interval.
func backoffDelay(attempt int, min, max time.Duration) time.Duration {
	delay := min
	for i := 0; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func decodeString(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	var out string
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decoding response payload: %w", err)
	}
	return out, nil
}

func decodeStringMap(data json.RawMessage) (map[string]string, error) {
	if len(data) == 0 {
		return map[string]string{}, nil
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding response payload: %w", err)
	}
	return out, nil
}

func decodeStringSlice(data json.RawMessage) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding response payload: %w", err)
	}
	return out, nil
}

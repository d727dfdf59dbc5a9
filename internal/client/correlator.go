package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	kilovolt "github.com/strimertul/kilovolt-client-go"
	"github.com/strimertul/kilovolt-client-go/internal/protocol"
)

// result is the single-assignment outcome of a pending request.
type result struct {
	resp *protocol.Response
	err  error
}

// pending is one outstanding request. The channel has capacity 1 and is
// written at most once: entries are removed from the table under lock before
// their result is delivered.
type pending struct {
	id       string
	issuedAt time.Time
	ch       chan result
}

// correlator owns the pending-request table. It is mutated by caller
// goroutines (register, cancel) and by the dispatcher (resolve, failAll);
// every table access happens under the mutex with a narrow critical section.
type correlator struct {
	mu    sync.Mutex
	table map[string]*pending
	log   *zap.Logger
}

func newCorrelator(log *zap.Logger) *correlator {
	return &correlator{
		table: make(map[string]*pending),
		log:   log,
	}
}

// register allocates a fresh request id and tracks it as outstanding.
func (c *correlator) register() *pending {
	p := &pending{
		id:       uuid.New().String(),
		issuedAt: time.Now(),
		ch:       make(chan result, 1),
	}

	c.mu.Lock()
	c.table[p.id] = p
	c.mu.Unlock()

	return p
}

// resolve delivers a response to the request it correlates with. A response
// for an id that is not outstanding (timed out, cancelled, stale from before
// a reconnect, or forged) is an anomaly: logged and dropped.
func (c *correlator) resolve(resp *protocol.Response) {
	c.mu.Lock()
	p, ok := c.table[resp.RequestID]
	if ok {
		delete(c.table, resp.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("discarding response for unknown request id",
			zap.String("request_id", resp.RequestID))
		return
	}

	p.ch <- result{resp: resp}
}

// cancel forgets an outstanding request without resolving it. Used on
// timeout and caller cancellation; a response arriving afterwards is treated
// as an anomaly by resolve.
func (c *correlator) cancel(id string) {
	c.mu.Lock()
	delete(c.table, id)
	c.mu.Unlock()
}

// failAll resolves every outstanding request with the given error. Called
// when the connection leaves the ready state.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	dropped := c.table
	c.table = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range dropped {
		p.ch <- result{err: err}
	}
}

// outstanding reports the number of requests currently awaiting a response.
func (c *correlator) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// await blocks until the request resolves, the timeout elapses or the
// caller's context is cancelled. On timeout or cancellation the entry is
// removed; a resolution racing with the removal still wins, so the caller
// never loses a response that already arrived.
func (c *correlator) await(ctx context.Context, p *pending, timeout time.Duration) (*protocol.Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.ch:
		return r.resp, r.err
	case <-timer.C:
		c.cancel(p.id)
		select {
		case r := <-p.ch:
			return r.resp, r.err
		default:
		}
		return nil, kilovolt.ErrRequestTimeout
	case <-ctx.Done():
		c.cancel(p.id)
		select {
		case r := <-p.ch:
			return r.resp, r.err
		default:
		}
		return nil, ctx.Err()
	}
}

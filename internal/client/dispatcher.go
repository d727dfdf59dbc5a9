package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/strimertul/kilovolt-client-go/internal/protocol"
	"github.com/strimertul/kilovolt-client-go/internal/websocket"
)

// eventEnqueueWait bounds how long the read loop waits on a full event queue
// before a push is dropped.
const eventEnqueueWait = time.Second

// dispatcher consumes the inbound side of one connection. Its read loop is
// the only reader of the transport and routes each frame to the correlator
// (responses), the event queue (pushes) or the handshake channel (hello).
//
// Listener code never runs on the read loop: pushes cross a buffered queue
// into a separate delivery goroutine. When the queue fills, the read loop
// waits a bounded interval for it to drain and only then drops the push.
type dispatcher struct {
	conn    *websocket.Conn
	corr    *correlator
	reg     *registry
	events  chan protocol.Push
	helloCh chan protocol.Hello
	done    chan struct{}
	log     *zap.Logger
}

func newDispatcher(conn *websocket.Conn, corr *correlator, reg *registry, eventBuffer int, log *zap.Logger) *dispatcher {
	d := &dispatcher{
		conn:    conn,
		corr:    corr,
		reg:     reg,
		events:  make(chan protocol.Push, eventBuffer),
		helloCh: make(chan protocol.Hello, 1),
		done:    make(chan struct{}),
		log:     log,
	}
	go d.run()
	go d.deliver()
	return d
}

// run is the read loop. It terminates when the transport reports closure or
// a fatal error, closing done to signal the connection manager. A single
// malformed frame is an anomaly, not a reason to drop the connection.
func (d *dispatcher) run() {
	defer close(d.done)

	for {
		frame, err := d.conn.Receive()
		if err != nil {
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			d.log.Warn("discarding malformed frame", zap.Error(err))
			continue
		}

		switch msg.Kind {
		case protocol.KindResponse:
			d.corr.resolve(&msg.Response)
		case protocol.KindPush:
			select {
			case d.events <- msg.Push:
			default:
				// Queue full. A briefly slow listener gets a bounded
				// grace period; a wedged one cannot hold the read loop
				// indefinitely.
				timer := time.NewTimer(eventEnqueueWait)
				select {
				case d.events <- msg.Push:
					timer.Stop()
				case <-timer.C:
					d.log.Warn("event queue full, dropping push",
						zap.String("key", msg.Push.Key))
				}
			}
		case protocol.KindHello:
			select {
			case d.helloCh <- msg.Hello:
			default:
			}
		}
	}
}

// deliver drains the event queue into the subscription registry. When the
// read loop exits, already-queued events are still delivered before the
// goroutine stops.
func (d *dispatcher) deliver() {
	for {
		select {
		case ev := <-d.events:
			d.reg.dispatch(ev.Key, ev.NewValue)
		case <-d.done:
			for {
				select {
				case ev := <-d.events:
					d.reg.dispatch(ev.Key, ev.NewValue)
				default:
					return
				}
			}
		}
	}
}

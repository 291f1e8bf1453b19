package quic

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"qsock/reactor"
	"qsock/utils"
)

// Dispatcher is the packet-plane facade of a connection. The transport owner
// alternates between Send and Recv to move datagrams between the engine and
// the UDP socket. A Dispatcher and its Conn share the same guarded state.
type Dispatcher struct {
	st *connState
}

// NewConn wraps a synchronous engine, returning the user-plane Conn and the
// packet-plane Dispatcher for it.
func NewConn(engine Engine, r *reactor.Reactor, opts Options) (*Conn, *Dispatcher) {
	st := newConnState(engine, r, opts)
	return &Conn{st: st}, &Dispatcher{st: st}
}

// IsEstablished reports whether the connection handshake is complete.
func (d *Dispatcher) IsEstablished() bool {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	return d.st.engine.IsEstablished()
}

// TraceID identifies the underlying connection in logs and routing tables.
func (d *Dispatcher) TraceID() string {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	return d.st.engine.TraceID()
}

// Send writes the next outbound datagram into out, blocking until the engine
// produces one, the engine's own timer needs service, or ctx is cancelled.
// Returns io.ErrClosedPipe once the engine reports closed, after waking every
// parked task on the connection.
func (d *Dispatcher) Send(ctx context.Context, out []byte) (int, SendInfo, error) {
	st := d.st

	for {
		st.mu.Lock()

		// A previously armed timer is serviced and released on every
		// entry; the engine re-arms through TimeoutInstant below.
		if st.hasTimerToken {
			if st.reactor.PollTimeout(st.timerToken) {
				utils.Logger.Debug("engine timer fired",
					zap.String("trace_id", st.engine.TraceID()))
				st.engine.OnTimeout()
			}
			st.reactor.DeregisterTimer(st.timerToken)
			st.hasTimerToken = false
			st.sendWaker = nil
		}

		var (
			slot    waker
			timerCh <-chan struct{}
			parked  bool
		)

		for !parked {
			n, info, err := st.engine.Send(out)
			if err == nil {
				wakers := st.drainEvents()
				st.mu.Unlock()
				wakeAll(wakers)
				return n, info, nil
			}
			if err != ErrDone {
				st.mu.Unlock()
				utils.Logger.Error("engine send failed",
					zap.String("trace_id", d.TraceID()), zap.Error(err))
				return 0, SendInfo{}, errors.Wrap(err, "engine send")
			}

			if st.engine.IsClosed() {
				wakers := st.finalize()
				st.mu.Unlock()
				wakeAll(wakers)
				utils.Logger.Debug("connection closed, packet plane finished",
					zap.String("trace_id", d.TraceID()))
				return 0, SendInfo{}, io.ErrClosedPipe
			}

			if at, ok := st.engine.TimeoutInstant(); ok {
				if !time.Now().Before(at) {
					// Deadline already elapsed; advance the engine
					// and ask it for a packet again.
					st.engine.OnTimeout()
					continue
				}
				st.timerToken = st.reactor.Deadline(at)
				st.hasTimerToken = true
				timerCh = st.reactor.TimeoutChan(st.timerToken)
			}

			slot = newWaker()
			st.sendWaker = slot
			parked = true
		}

		st.mu.Unlock()

		select {
		case <-slot:
		case <-timerCh:
		case <-ctx.Done():
			// The stale slot and token are reclaimed on the next call.
			return 0, SendInfo{}, ctx.Err()
		}
	}
}

// Recv feeds a single inbound datagram to the engine. It never blocks: every
// ingress is also a potential egress unblocker, so the send waker is replayed
// along with stream readiness.
func (d *Dispatcher) Recv(buf []byte, info RecvInfo) (int, error) {
	st := d.st

	st.mu.Lock()
	n, err := st.engine.Recv(buf, info)

	wakers := st.drainEvents()
	if w := st.takeSendWaker(); w != nil {
		wakers = append(wakers, w)
	}
	st.mu.Unlock()

	wakeAll(wakers)

	if err != nil {
		if err == ErrDone {
			return 0, nil
		}
		utils.Logger.Error("engine recv failed",
			zap.String("trace_id", d.TraceID()), zap.Error(err))
		return 0, errors.Wrap(err, "engine recv")
	}
	return n, nil
}

package quic

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"qsock/config"
	"qsock/reactor"
	"qsock/utils"
)

// drainBufSize is the scratch buffer used to discard residual bytes of
// closing streams. Sized to one minimum QUIC datagram.
const drainBufSize = 1200

// waker is a one-slot wake channel. A parked caller holds the receive end;
// wake is a non-blocking send, so waking an abandoned slot is harmless.
type waker chan struct{}

func newWaker() waker { return make(waker, 1) }

func (w waker) wake() {
	if w == nil {
		return
	}
	select {
	case w <- struct{}{}:
	default:
	}
}

// Options tunes dispatcher behavior that is not dictated by the engine.
type Options struct {
	// MaxDrainLifetime bounds how long a locally finished stream may sit in
	// the closing set waiting for the remote FIN. Once exceeded the receive
	// direction is hard reset. Zero means the config default.
	MaxDrainLifetime time.Duration
}

// OptionsFromConfig derives Options from the loaded transport config.
func OptionsFromConfig(c *config.Quic) Options {
	return Options{MaxDrainLifetime: c.MaxDrainLifetime()}
}

func (o *Options) withDefaults() {
	if o.MaxDrainLifetime <= 0 {
		o.MaxDrainLifetime = config.GlobalCfg.Quic.MaxDrainLifetime()
	}
}

// connState is the single guarded record behind one connection. Every engine
// call in this package happens while mu is held, and mu is never held across
// blocking. Wakers collected under the guard fire after it is released.
type connState struct {
	mu sync.Mutex

	engine  Engine
	reactor *reactor.Reactor
	opts    Options

	// next bidi stream ID the local side will allocate. 4-stepped; the low
	// two bits stay constant for a given role.
	outboundNextID uint64
	// largest remote-initiated bidi ID ever promoted to the accept fifo.
	inboundHighWater uint64
	// inbound stream IDs awaiting Accept, in first-readable order.
	acceptFIFO []uint64

	readWakers  map[uint64]waker
	writeWakers map[uint64]waker
	sendWaker   waker
	fifoWaker   waker
	openWaker   waker

	timerToken    reactor.Token
	hasTimerToken bool

	// streams whose local half sent FIN but whose remote FIN is pending,
	// keyed to the instant they entered the set.
	closingSet map[uint64]time.Time
	drainBuf   []byte
}

func newConnState(engine Engine, r *reactor.Reactor, opts Options) *connState {
	opts.withDefaults()

	next := uint64(4)
	if engine.IsServer() {
		next = 5
	}

	return &connState{
		engine:         engine,
		reactor:        r,
		opts:           opts,
		outboundNextID: next,
		readWakers:     make(map[uint64]waker),
		writeWakers:    make(map[uint64]waker),
		closingSet:     make(map[uint64]time.Time),
		drainBuf:       make([]byte, drainBufSize),
	}
}

// closingRecv discards buffered bytes of a closing stream. Returns true when
// the stream is fully drained (remote FIN consumed) or irrecoverable.
func (st *connState) closingRecv(id uint64) bool {
	for {
		_, fin, err := st.engine.StreamRecv(id, st.drainBuf)
		switch {
		case err == nil:
			if fin {
				utils.Logger.Debug("closing stream drained",
					zap.Uint64("stream_id", id),
					zap.String("trace_id", st.engine.TraceID()))
				return true
			}
		case err == ErrDone:
			return false
		default:
			utils.Logger.Error("discarding closing stream after recv failure",
				zap.Uint64("stream_id", id),
				zap.String("trace_id", st.engine.TraceID()),
				zap.Error(err))
			return true
		}
	}
}

// drainEvents translates engine-reported readiness into wakers. Called with
// the guard held by the packet plane, after each successful engine Send and
// after every engine Recv; stream and close operations only wake the sender.
// The caller wakes the returned set after releasing the guard.
func (st *connState) drainEvents() []waker {
	var wakers []waker

	for {
		ev, ok := st.engine.PathEventNext()
		if !ok {
			break
		}
		utils.Logger.Info("path event",
			zap.String("trace_id", st.engine.TraceID()),
			zap.String("event", ev))
	}

	// Re-order readable IDs through a min-heap so wakeups, and in
	// particular accept admission, happen in ascending stream-ID order.
	var readable idHeap
	for {
		id, ok := st.engine.ReadableNext()
		if !ok {
			break
		}
		readable.push(id)
	}

	for {
		id, ok := readable.pop()
		if !ok {
			break
		}

		if isBidi(id) && !isLocal(id, st.engine.IsServer()) && id > st.inboundHighWater {
			st.inboundHighWater = id
			st.acceptFIFO = append(st.acceptFIFO, id)
			utils.Logger.Debug("new incoming stream",
				zap.Uint64("stream_id", id),
				zap.String("trace_id", st.engine.TraceID()))
			continue
		}

		if w, ok := st.readWakers[id]; ok {
			delete(st.readWakers, id)
			wakers = append(wakers, w)
			continue
		}

		if admitted, ok := st.closingSet[id]; ok {
			if st.closingRecv(id) {
				delete(st.closingSet, id)
			} else if time.Since(admitted) > st.opts.MaxDrainLifetime {
				utils.Logger.Warn("closing stream exceeded drain lifetime, resetting",
					zap.Uint64("stream_id", id),
					zap.String("trace_id", st.engine.TraceID()),
					zap.Duration("age", time.Since(admitted)))
				if err := st.engine.StreamShutdownRead(id, 0); err != nil && err != ErrDone {
					utils.Logger.Error("stream shutdown failed",
						zap.Uint64("stream_id", id), zap.Error(err))
				}
				delete(st.closingSet, id)
			}
		}
	}

	if len(st.acceptFIFO) > 0 && st.fifoWaker != nil {
		wakers = append(wakers, st.fifoWaker)
		st.fifoWaker = nil
	}

	for {
		id, ok := st.engine.WritableNext()
		if !ok {
			break
		}
		if w, ok := st.writeWakers[id]; ok {
			delete(st.writeWakers, id)
			wakers = append(wakers, w)
		}
	}

	if st.engine.PeerStreamsLeftBidi() > 0 && st.openWaker != nil {
		wakers = append(wakers, st.openWaker)
		st.openWaker = nil
	}

	return wakers
}

// finalize collects every registered waker once the engine reports closed,
// so no task stays parked on a dead connection.
func (st *connState) finalize() []waker {
	var wakers []waker

	if st.fifoWaker != nil {
		wakers = append(wakers, st.fifoWaker)
		st.fifoWaker = nil
	}
	if st.openWaker != nil {
		wakers = append(wakers, st.openWaker)
		st.openWaker = nil
	}
	if st.sendWaker != nil {
		wakers = append(wakers, st.sendWaker)
		st.sendWaker = nil
	}
	for id, w := range st.readWakers {
		delete(st.readWakers, id)
		wakers = append(wakers, w)
	}
	for id, w := range st.writeWakers {
		delete(st.writeWakers, id)
		wakers = append(wakers, w)
	}

	return wakers
}

// takeSendWaker clears and returns the packet-plane waker slot.
func (st *connState) takeSendWaker() waker {
	w := st.sendWaker
	st.sendWaker = nil
	return w
}

func wakeAll(wakers []waker) {
	for _, w := range wakers {
		w.wake()
	}
}

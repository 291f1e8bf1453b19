package quic

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"qsock/utils"
)

// Conn is the user-plane facade of a connection: accepting and opening
// bidirectional streams and closing the connection. It shares guarded state
// with the Dispatcher produced by NewConn.
type Conn struct {
	st *connState
}

// Accept blocks until the peer opens a new bidirectional stream. Streams are
// delivered in ascending order of first readability. Returns io.ErrClosedPipe
// once the engine reports closed.
func (c *Conn) Accept(ctx context.Context) (*Stream, error) {
	st := c.st

	for {
		st.mu.Lock()

		if st.engine.IsClosed() {
			st.mu.Unlock()
			return nil, io.ErrClosedPipe
		}

		if len(st.acceptFIFO) > 0 {
			id := st.acceptFIFO[0]
			st.acceptFIFO = st.acceptFIFO[1:]
			st.mu.Unlock()
			utils.Logger.Debug("accepted stream",
				zap.Uint64("stream_id", id),
				zap.String("trace_id", c.TraceID()))
			return newStream(id, st), nil
		}

		slot := newWaker()
		st.fifoWaker = slot
		st.mu.Unlock()

		select {
		case <-slot:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// openLocked allocates the next outbound bidi stream. Callers hold the guard.
func (st *connState) openLocked() (*Stream, error) {
	id := st.outboundNextID
	st.outboundNextID += 4

	// stream_priority materialises the stream inside the engine if it does
	// not exist yet.
	if err := st.engine.StreamPriority(id, 255, true); err != nil {
		return nil, errors.Wrapf(err, "stream_priority id=%d", id)
	}

	utils.Logger.Debug("opened outbound stream",
		zap.Uint64("stream_id", id),
		zap.String("trace_id", st.engine.TraceID()))

	return newStream(id, st), nil
}

// TryOpen opens a new outbound bidirectional stream without waiting. Returns
// ErrWouldBlock when the peer has granted no stream credit.
func (c *Conn) TryOpen() (*Stream, error) {
	st := c.st

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.engine.IsClosed() {
		return nil, io.ErrClosedPipe
	}
	if st.engine.PeerStreamsLeftBidi() == 0 {
		return nil, ErrWouldBlock
	}
	return st.openLocked()
}

// Open opens a new outbound bidirectional stream, blocking until the peer
// grants stream credit or ctx is cancelled.
func (c *Conn) Open(ctx context.Context) (*Stream, error) {
	st := c.st

	for {
		st.mu.Lock()

		if st.engine.IsClosed() {
			st.mu.Unlock()
			return nil, io.ErrClosedPipe
		}

		if st.engine.PeerStreamsLeftBidi() > 0 {
			s, err := st.openLocked()
			st.mu.Unlock()
			return s, err
		}

		slot := newWaker()
		st.openWaker = slot
		st.mu.Unlock()

		select {
		case <-slot:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close initiates a non-application (app=false) closing handshake with the
// given error code and reason, then wakes the packet plane so the close frame is flushed. An
// already closing engine is treated as success.
func (c *Conn) Close(errCode uint64, reason []byte) error {
	st := c.st

	st.mu.Lock()
	err := st.engine.Close(false, errCode, reason)
	if err != nil && err != ErrDone {
		st.mu.Unlock()
		return errors.Wrap(err, "engine close")
	}
	w := st.takeSendWaker()
	st.mu.Unlock()

	w.wake()

	utils.Logger.Debug("connection close requested",
		zap.Uint64("err_code", errCode),
		zap.String("trace_id", c.TraceID()))
	return nil
}

// IsClosed reports whether the engine considers the connection closed.
func (c *Conn) IsClosed() bool {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.engine.IsClosed()
}

// TraceID identifies the underlying connection in logs and routing tables.
func (c *Conn) TraceID() string {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.engine.TraceID()
}

// ActiveOutboundStreams returns the number of locally opened streams still
// counted against the peer's allowance. ok is false before the peer's
// transport parameters are known.
func (c *Conn) ActiveOutboundStreams() (uint64, bool) {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()

	initial, ok := c.st.engine.PeerInitialMaxStreamsBidi()
	if !ok {
		return 0, false
	}
	return initial - c.st.engine.PeerStreamsLeftBidi(), true
}

// WithEngine runs f with the guard held, giving read access to the wrapped
// engine. f must not retain the engine or block.
func (c *Conn) WithEngine(f func(Engine)) {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	f(c.st.engine)
}

package quic

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"qsock/utils"
)

// Stream is one user-visible bidirectional QUIC stream. Read and Write block
// through the connection's waker registry; Close runs the FIN protocol and
// hands residual inbound bytes to the dispatcher's closing set.
type Stream struct {
	id uint64
	st *connState

	closed  atomic.Bool
	readFin atomic.Bool
}

func newStream(id uint64, st *connState) *Stream {
	return &Stream{id: id, st: st}
}

// ID returns the stream's stable 64-bit identifier.
func (s *Stream) ID() uint64 {
	return s.id
}

// IsFinished reports whether the peer's direction has been fully delivered
// and consumed.
func (s *Stream) IsFinished() bool {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	return s.st.engine.StreamFinished(s.id)
}

// Read reads from the peer's direction of the stream. It returns io.EOF once
// the peer's FIN has been consumed, or immediately when the connection is
// draining or closed.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.readFin.Load() {
		return 0, io.EOF
	}

	st := s.st

	for {
		st.mu.Lock()

		n, fin, err := st.engine.StreamRecv(s.id, p)
		if err == nil {
			w := st.takeSendWaker()
			st.mu.Unlock()
			// flow-control windows may have advanced
			w.wake()
			if fin {
				s.readFin.Store(true)
				if n == 0 {
					return 0, io.EOF
				}
			}
			return n, nil
		}

		if err != ErrDone {
			st.mu.Unlock()
			return 0, errors.Wrapf(err, "stream_recv id=%d", s.id)
		}

		if st.engine.IsDraining() || st.engine.IsClosed() || st.engine.StreamFinished(s.id) {
			st.mu.Unlock()
			s.readFin.Store(true)
			return 0, io.EOF
		}

		slot := newWaker()
		st.readWakers[s.id] = slot
		st.mu.Unlock()

		<-slot
	}
}

// Write writes all of p to the stream, blocking on stream flow control.
// Returns io.ErrClosedPipe when the stream was closed locally or the
// connection is draining or closed.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, io.ErrClosedPipe
	}

	st := s.st
	written := 0

	for written < len(p) {
		st.mu.Lock()

		n, err := st.engine.StreamSend(s.id, p[written:], false)
		if err == nil {
			w := st.takeSendWaker()
			st.mu.Unlock()
			w.wake()
			written += n
			continue
		}

		if err != ErrDone {
			st.mu.Unlock()
			return written, errors.Wrapf(err, "stream_send id=%d", s.id)
		}

		if st.engine.IsDraining() || st.engine.IsClosed() {
			st.mu.Unlock()
			return written, io.ErrClosedPipe
		}

		slot := newWaker()
		st.writeWakers[s.id] = slot
		st.mu.Unlock()

		<-slot
	}

	return written, nil
}

// CloseWrite sends FIN on the local direction without releasing the stream.
// Reads remain possible until the peer's FIN arrives.
func (s *Stream) CloseWrite() error {
	st := s.st

	st.mu.Lock()
	_, err := st.engine.StreamSend(s.id, nil, true)
	w := st.takeSendWaker()
	st.mu.Unlock()

	w.wake()

	if err != nil && err != ErrDone {
		return errors.Wrapf(err, "stream_send fin id=%d", s.id)
	}
	return nil
}

// Close releases the stream. The local direction is FINished best-effort; if
// the peer's FIN has not arrived yet the stream moves to the closing set and
// the dispatcher drains it in the background. Closing a stream on a closed
// connection silently succeeds.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	st := s.st
	st.mu.Lock()

	if st.engine.IsClosed() {
		st.mu.Unlock()
		return nil
	}

	if _, err := st.engine.StreamSend(s.id, nil, true); err != nil && err != ErrDone {
		utils.Logger.Error("failed to close stream",
			zap.Uint64("stream_id", s.id),
			zap.String("trace_id", st.engine.TraceID()),
			zap.Error(err))
	}

	if !st.engine.StreamFinished(s.id) {
		utils.Logger.Debug("stream parked for draining",
			zap.Uint64("stream_id", s.id),
			zap.String("trace_id", st.engine.TraceID()))
		st.closingSet[s.id] = time.Now()
	} else {
		// force collection of complete streams
		st.closingRecv(s.id)
	}

	w := st.takeSendWaker()
	st.mu.Unlock()

	// flush the FIN frame
	w.wake()

	return nil
}

// Split separates the stream into independently closeable reader and writer
// halves. The underlying stream closes once both halves are closed.
func (s *Stream) Split() (*StreamReader, *StreamWriter) {
	refs := atomic.NewInt32(2)
	return &StreamReader{s: s, refs: refs}, &StreamWriter{s: s, refs: refs}
}

// StreamReader is the readable half of a split stream.
type StreamReader struct {
	s      *Stream
	refs   *atomic.Int32
	closed atomic.Bool
}

func (r *StreamReader) Read(p []byte) (int, error) {
	return r.s.Read(p)
}

// Close releases the reader half.
func (r *StreamReader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.refs.Dec() == 0 {
		return r.s.Close()
	}
	return nil
}

// StreamWriter is the writable half of a split stream.
type StreamWriter struct {
	s      *Stream
	refs   *atomic.Int32
	closed atomic.Bool
}

func (w *StreamWriter) Write(p []byte) (int, error) {
	return w.s.Write(p)
}

// CloseWrite sends FIN without releasing the half.
func (w *StreamWriter) CloseWrite() error {
	return w.s.CloseWrite()
}

// Close releases the writer half.
func (w *StreamWriter) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	if w.refs.Dec() == 0 {
		return w.s.Close()
	}
	return nil
}

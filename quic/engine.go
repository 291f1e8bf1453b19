// Package quic wraps a synchronous, non-reentrant QUIC protocol engine behind
// a concurrent, stream-oriented socket API. All engine access is serialised by
// a per-connection guard; blocked callers park on one-slot wake channels that
// the packet plane replays as the engine reports stream readiness.
package quic

import (
	"errors"
	"net"
	"time"
)

// ErrDone is the engine's "nothing to do right now" sentinel. It is never
// surfaced to callers of this package; it is translated into blocking, EOF,
// or io.ErrClosedPipe depending on connection state.
var ErrDone = errors.New("quic: done")

// ErrWouldBlock is returned by TryOpen when the peer has granted no
// outbound stream credit.
var ErrWouldBlock = errors.New("operation would block on IO")

// SendInfo describes where and when a produced datagram should be sent.
type SendInfo struct {
	From *net.UDPAddr
	To   *net.UDPAddr
	// At is the pacing hint: the earliest instant the datagram should hit
	// the wire.
	At time.Time
}

// RecvInfo describes the path an inbound datagram arrived on.
type RecvInfo struct {
	From *net.UDPAddr
	To   *net.UDPAddr
}

// Engine is the synchronous QUIC protocol core wrapped by this package.
//
// Implementations are not expected to be safe for concurrent use: every call
// made by this package happens under a single per-connection guard. All
// operations that can make no progress return ErrDone rather than blocking.
type Engine interface {
	// Send writes a single outbound datagram into out.
	Send(out []byte) (int, SendInfo, error)
	// Recv processes a single inbound datagram.
	Recv(buf []byte, info RecvInfo) (int, error)

	// OnTimeout advances the engine's internal clock after the instant
	// reported by TimeoutInstant has passed.
	OnTimeout()
	// TimeoutInstant reports the next instant the engine wants to be woken
	// at. ok is false when no timer is armed.
	TimeoutInstant() (at time.Time, ok bool)

	StreamSend(id uint64, data []byte, fin bool) (int, error)
	StreamRecv(id uint64, buf []byte) (n int, fin bool, err error)
	// StreamFinished reports whether the peer's direction of the stream has
	// been fully delivered and consumed.
	StreamFinished(id uint64) bool
	// StreamPriority sets the stream's urgency, materialising the stream
	// inside the engine if it does not exist yet.
	StreamPriority(id uint64, urgency uint8, incremental bool) error
	// StreamShutdownRead aborts the receive direction, discarding buffered
	// and future data.
	StreamShutdownRead(id uint64, errCode uint64) error

	// ReadableNext iterates stream IDs with pending readable data. Order is
	// unspecified; the dispatcher re-orders through a min-heap.
	ReadableNext() (uint64, bool)
	// WritableNext iterates stream IDs whose send capacity re-opened.
	WritableNext() (uint64, bool)
	// PathEventNext drains path-level events. They are logged only.
	PathEventNext() (string, bool)

	// PeerStreamsLeftBidi is the number of bidi streams the local side may
	// still open toward the peer.
	PeerStreamsLeftBidi() uint64
	// PeerInitialMaxStreamsBidi is the peer's initial bidi stream allowance,
	// when known from the handshake.
	PeerInitialMaxStreamsBidi() (uint64, bool)

	IsServer() bool
	IsEstablished() bool
	IsClosed() bool
	IsDraining() bool

	// Close starts the closing handshake. Engines report an already started
	// close with ErrDone.
	Close(app bool, errCode uint64, reason []byte) error

	// TraceID identifies the connection in logs.
	TraceID() string
}

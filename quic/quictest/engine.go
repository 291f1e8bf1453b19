// Package quictest provides a deterministic in-memory implementation of
// quic.Engine, in the spirit of net/http/httptest: two engines produce and
// consume each other's datagrams through a small frame codec, with stream
// credit accounting, FIN and CONNECTION_CLOSE handling, and an idle timeout.
// It exists so dispatchers can be exercised end-to-end without a real QUIC
// stack or network.
package quictest

import (
	"encoding/binary"
	"net"
	"sort"
	"time"

	"github.com/pkg/errors"

	"qsock/config"
	"qsock/quic"
)

const (
	frameVersion = 1

	cmdPSH = 1 // stream data, flagFIN marks end of direction
	cmdMAX = 2 // bidi stream credit grant, sid field carries the increment
	cmdCLS = 3 // connection close, sid field carries the error code

	flagFIN = 0x1

	headerSize = 13 // ver(1) + cmd(1) + flags(1) + sid(8) + len(2)
)

// Config describes one endpoint of an engine pair.
type Config struct {
	IsServer bool
	TraceID  string

	// InitialMaxStreamsBidi is the handshake-agreed bidi allowance for each
	// direction. Zero uses the loaded transport config.
	InitialMaxStreamsBidi uint64
	// ReserveControlStream consumes one slot of the outbound allowance for
	// the surrounding protocol's control stream (ID 0).
	ReserveControlStream bool

	// MaxIdleTimeout closes the connection after this long without inbound
	// datagrams. Zero uses the loaded transport config.
	MaxIdleTimeout time.Duration
	// PacketSize caps produced datagrams. Zero uses the loaded config.
	PacketSize int

	Local  *net.UDPAddr
	Remote *net.UDPAddr
}

func (c *Config) withDefaults() {
	qc := config.GlobalCfg.Quic
	if c.InitialMaxStreamsBidi == 0 {
		c.InitialMaxStreamsBidi = qc.InitialMaxStreamsBidi
	}
	if c.MaxIdleTimeout == 0 {
		c.MaxIdleTimeout = qc.MaxIdleTimeout()
	}
	if c.PacketSize == 0 {
		c.PacketSize = qc.PacketSize
	}
	if c.TraceID == "" {
		if c.IsServer {
			c.TraceID = "quictest-server"
		} else {
			c.TraceID = "quictest-client"
		}
	}
}

type engStream struct {
	sendBuf []byte
	sendFin bool // local FIN requested
	finSent bool // local FIN flushed to the wire

	recvBuf []byte
	recvFin bool // peer FIN received
	finRead bool // peer FIN consumed by the reader

	readShutdown bool
	granted      bool // completion credit already queued
}

// Engine is the in-memory quic.Engine. It is not safe for concurrent use;
// the dispatcher's guard provides the serialisation, exactly as it would for
// a real protocol core.
type Engine struct {
	cfg Config

	closePending bool
	closeCode    uint64
	closeReason  []byte
	draining     bool
	closed       bool

	lastRecv time.Time

	peerStreamsLeft uint64
	peerInitialMax  uint64
	grantPending    uint64

	streams  map[uint64]*engStream
	readable map[uint64]struct{}

	pathEvents []string
}

// NewEngine creates one endpoint. Pair it with a second engine by shuttling
// datagrams between their dispatchers.
func NewEngine(cfg Config) *Engine {
	cfg.withDefaults()

	left := cfg.InitialMaxStreamsBidi
	if cfg.ReserveControlStream && left > 0 {
		left--
	}

	return &Engine{
		cfg:             cfg,
		lastRecv:        time.Now(),
		peerStreamsLeft: left,
		peerInitialMax:  cfg.InitialMaxStreamsBidi,
		streams:         make(map[uint64]*engStream),
		readable:        make(map[uint64]struct{}),
	}
}

// Pair returns a client/server engine pair, each built from its own config
// with IsServer forced to false and true respectively.
func Pair(client, server Config) (*Engine, *Engine) {
	client.IsServer = false
	server.IsServer = true
	return NewEngine(client), NewEngine(server)
}

func (e *Engine) isLocalStream(id uint64) bool {
	if e.cfg.IsServer {
		return id&0x1 == 1
	}
	return id&0x1 == 0
}

func (e *Engine) idleDeadline() time.Time {
	return e.lastRecv.Add(e.cfg.MaxIdleTimeout)
}

// maybeComplete queues a MAX_STREAMS grant once a remote-initiated stream is
// finished in both directions, returning the slot to the peer.
func (e *Engine) maybeComplete(id uint64, s *engStream) {
	if s.granted || !s.finRead || !s.finSent {
		return
	}
	s.granted = true
	if !e.isLocalStream(id) {
		e.grantPending++
	}
}

// AppendDataFrame appends an encoded stream data frame to p. Exported so
// tests can hand-craft datagrams.
func AppendDataFrame(p []byte, sid uint64, data []byte, fin bool) []byte {
	var flags byte
	if fin {
		flags |= flagFIN
	}
	return appendFrame(p, cmdPSH, flags, sid, data)
}

// AppendMaxStreamsFrame appends a stream credit grant to p.
func AppendMaxStreamsFrame(p []byte, increment uint64) []byte {
	return appendFrame(p, cmdMAX, 0, increment, nil)
}

// AppendCloseFrame appends a connection close frame to p.
func AppendCloseFrame(p []byte, errCode uint64, reason []byte) []byte {
	return appendFrame(p, cmdCLS, 0, errCode, reason)
}

func appendFrame(p []byte, cmd, flags byte, sid uint64, data []byte) []byte {
	var hdr [headerSize]byte
	hdr[0] = frameVersion
	hdr[1] = cmd
	hdr[2] = flags
	binary.LittleEndian.PutUint64(hdr[3:], sid)
	binary.LittleEndian.PutUint16(hdr[11:], uint16(len(data)))
	p = append(p, hdr[:]...)
	return append(p, data...)
}

// Send implements quic.Engine. It assembles at most one datagram of pending
// close, credit, and stream frames.
func (e *Engine) Send(out []byte) (int, quic.SendInfo, error) {
	info := quic.SendInfo{From: e.cfg.Local, To: e.cfg.Remote, At: time.Now()}

	if e.closePending {
		pkt := AppendCloseFrame(out[:0], e.closeCode, e.closeReason)
		e.closePending = false
		e.draining = true
		e.closed = true
		return len(pkt), info, nil
	}

	if e.closed || e.draining {
		return 0, quic.SendInfo{}, quic.ErrDone
	}

	limit := e.cfg.PacketSize
	if len(out) < limit {
		limit = len(out)
	}

	pkt := out[:0]

	for e.grantPending > 0 && len(pkt)+headerSize <= limit {
		pkt = AppendMaxStreamsFrame(pkt, 1)
		e.grantPending--
	}

	ids := make([]uint64, 0, len(e.streams))
	for id := range e.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		s := e.streams[id]
		for (len(s.sendBuf) > 0 || (s.sendFin && !s.finSent)) && len(pkt)+headerSize < limit {
			avail := limit - len(pkt) - headerSize
			chunk := s.sendBuf
			if len(chunk) > avail {
				chunk = chunk[:avail]
			}
			s.sendBuf = s.sendBuf[len(chunk):]

			fin := false
			if len(s.sendBuf) == 0 && s.sendFin && !s.finSent {
				fin = true
				s.finSent = true
				e.maybeComplete(id, s)
			}

			pkt = AppendDataFrame(pkt, id, chunk, fin)
		}
	}

	if len(pkt) == 0 {
		return 0, quic.SendInfo{}, quic.ErrDone
	}
	return len(pkt), info, nil
}

// Recv implements quic.Engine, applying one inbound datagram.
func (e *Engine) Recv(buf []byte, info quic.RecvInfo) (int, error) {
	if e.closed || e.draining {
		// late datagrams on a dying connection are dropped
		return len(buf), nil
	}

	e.lastRecv = time.Now()

	rest := buf
	for len(rest) > 0 {
		if len(rest) < headerSize {
			return 0, errors.Errorf("quictest: truncated frame header, %d bytes", len(rest))
		}
		if rest[0] != frameVersion {
			return 0, errors.Errorf("quictest: unknown frame version %d", rest[0])
		}
		cmd := rest[1]
		flags := rest[2]
		sid := binary.LittleEndian.Uint64(rest[3:])
		length := int(binary.LittleEndian.Uint16(rest[11:]))
		rest = rest[headerSize:]
		if len(rest) < length {
			return 0, errors.Errorf("quictest: truncated frame payload, want %d have %d", length, len(rest))
		}
		payload := rest[:length]
		rest = rest[length:]

		switch cmd {
		case cmdPSH:
			s := e.streams[sid]
			if s == nil {
				s = &engStream{}
				e.streams[sid] = s
			}
			if !s.readShutdown {
				s.recvBuf = append(s.recvBuf, payload...)
			}
			if flags&flagFIN != 0 {
				s.recvFin = true
			}
			e.readable[sid] = struct{}{}
		case cmdMAX:
			e.peerStreamsLeft += sid
		case cmdCLS:
			e.draining = true
			e.closed = true
			// every stream becomes readable so parked readers observe
			// the draining state
			for id := range e.streams {
				e.readable[id] = struct{}{}
			}
		default:
			return 0, errors.Errorf("quictest: unknown frame cmd %d", cmd)
		}
	}

	return len(buf), nil
}

// OnTimeout implements quic.Engine.
func (e *Engine) OnTimeout() {
	if e.closed {
		return
	}
	if !time.Now().Before(e.idleDeadline()) {
		e.draining = true
		e.closed = true
	}
}

// TimeoutInstant implements quic.Engine.
func (e *Engine) TimeoutInstant() (time.Time, bool) {
	if e.closed {
		return time.Time{}, false
	}
	return e.idleDeadline(), true
}

// StreamSend implements quic.Engine.
func (e *Engine) StreamSend(id uint64, data []byte, fin bool) (int, error) {
	if e.closed || e.draining {
		return 0, quic.ErrDone
	}
	s := e.streams[id]
	if s == nil {
		return 0, errors.Errorf("quictest: stream_send on unknown stream %d", id)
	}
	if s.sendFin {
		// re-finishing an already finished direction is a no-op
		if len(data) == 0 && fin {
			return 0, nil
		}
		return 0, errors.Errorf("quictest: stream_send after fin on stream %d", id)
	}
	s.sendBuf = append(s.sendBuf, data...)
	if fin {
		s.sendFin = true
	}
	return len(data), nil
}

// StreamRecv implements quic.Engine.
func (e *Engine) StreamRecv(id uint64, buf []byte) (int, bool, error) {
	s := e.streams[id]
	if s == nil {
		return 0, false, quic.ErrDone
	}
	if s.finRead || s.readShutdown {
		return 0, false, quic.ErrDone
	}

	n := copy(buf, s.recvBuf)
	s.recvBuf = s.recvBuf[n:]

	fin := s.recvFin && len(s.recvBuf) == 0
	if fin {
		s.finRead = true
		e.maybeComplete(id, s)
	}
	if n == 0 && !fin {
		return 0, false, quic.ErrDone
	}
	return n, fin, nil
}

// StreamFinished implements quic.Engine.
func (e *Engine) StreamFinished(id uint64) bool {
	s := e.streams[id]
	if s == nil {
		return false
	}
	return s.finRead || s.readShutdown
}

// StreamPriority implements quic.Engine. Creating an unknown locally
// initiated stream consumes one slot of the peer's allowance.
func (e *Engine) StreamPriority(id uint64, urgency uint8, incremental bool) error {
	if s := e.streams[id]; s != nil {
		return nil
	}
	if e.isLocalStream(id) {
		if e.peerStreamsLeft == 0 {
			return errors.Errorf("quictest: no stream credit for %d", id)
		}
		e.peerStreamsLeft--
	}
	e.streams[id] = &engStream{}
	return nil
}

// StreamShutdownRead implements quic.Engine.
func (e *Engine) StreamShutdownRead(id uint64, errCode uint64) error {
	s := e.streams[id]
	if s == nil {
		return quic.ErrDone
	}
	s.readShutdown = true
	s.recvBuf = nil
	e.maybeComplete(id, s)
	return nil
}

// ReadableNext implements quic.Engine. Order is intentionally the map order:
// arbitrary, as permitted by the contract.
func (e *Engine) ReadableNext() (uint64, bool) {
	for id := range e.readable {
		delete(e.readable, id)
		return id, true
	}
	return 0, false
}

// WritableNext implements quic.Engine. Send buffering is unbounded here, so
// writability never re-opens.
func (e *Engine) WritableNext() (uint64, bool) {
	return 0, false
}

// PathEventNext implements quic.Engine.
func (e *Engine) PathEventNext() (string, bool) {
	if len(e.pathEvents) == 0 {
		return "", false
	}
	ev := e.pathEvents[0]
	e.pathEvents = e.pathEvents[1:]
	return ev, true
}

// PeerStreamsLeftBidi implements quic.Engine.
func (e *Engine) PeerStreamsLeftBidi() uint64 {
	if e.closed || e.draining {
		return 0
	}
	return e.peerStreamsLeft
}

// PeerInitialMaxStreamsBidi implements quic.Engine.
func (e *Engine) PeerInitialMaxStreamsBidi() (uint64, bool) {
	return e.peerInitialMax, true
}

// IsServer implements quic.Engine.
func (e *Engine) IsServer() bool { return e.cfg.IsServer }

// IsEstablished implements quic.Engine. The handshake is assumed complete.
func (e *Engine) IsEstablished() bool { return !e.closed }

// IsClosed implements quic.Engine.
func (e *Engine) IsClosed() bool { return e.closed }

// IsDraining implements quic.Engine.
func (e *Engine) IsDraining() bool { return e.draining }

// Close implements quic.Engine.
func (e *Engine) Close(app bool, errCode uint64, reason []byte) error {
	if e.closed || e.closePending {
		return quic.ErrDone
	}
	e.closePending = true
	e.closeCode = errCode
	e.closeReason = append([]byte(nil), reason...)
	return nil
}

// TraceID implements quic.Engine.
func (e *Engine) TraceID() string { return e.cfg.TraceID }

package quictest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qsock/quic"
)

func TestFrameRoundTrip(t *testing.T) {
	a := NewEngine(Config{})
	b := NewEngine(Config{IsServer: true})

	require.NoError(t, a.StreamPriority(4, 255, true))
	n, err := a.StreamSend(4, []byte("hello"), true)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	out := make([]byte, 2048)
	n, _, err = a.Send(out)
	require.NoError(t, err)

	_, err = b.Recv(out[:n], quic.RecvInfo{})
	require.NoError(t, err)

	id, ok := b.ReadableNext()
	require.True(t, ok)
	require.Equal(t, uint64(4), id)
	_, ok = b.ReadableNext()
	require.False(t, ok)

	buf := make([]byte, 64)
	n, fin, err := b.StreamRecv(4, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.True(t, fin)
	require.True(t, b.StreamFinished(4))

	_, _, err = b.StreamRecv(4, buf)
	require.ErrorIs(t, err, quic.ErrDone)
}

func TestSendDoneWhenIdle(t *testing.T) {
	e := NewEngine(Config{})
	_, _, err := e.Send(make([]byte, 2048))
	require.ErrorIs(t, err, quic.ErrDone)
}

func TestStreamCreditAccounting(t *testing.T) {
	e := NewEngine(Config{InitialMaxStreamsBidi: 2})
	require.Equal(t, uint64(2), e.PeerStreamsLeftBidi())

	require.NoError(t, e.StreamPriority(4, 255, true))
	require.NoError(t, e.StreamPriority(8, 255, true))
	require.Equal(t, uint64(0), e.PeerStreamsLeftBidi())
	require.Error(t, e.StreamPriority(12, 255, true))

	// a credit grant from the peer re-opens one slot
	_, err := e.Recv(AppendMaxStreamsFrame(nil, 1), quic.RecvInfo{})
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.PeerStreamsLeftBidi())
	require.NoError(t, e.StreamPriority(12, 255, true))
}

func TestReservedControlStream(t *testing.T) {
	e := NewEngine(Config{InitialMaxStreamsBidi: 3, ReserveControlStream: true})
	require.Equal(t, uint64(2), e.PeerStreamsLeftBidi())
}

func TestCompletionGrantsCredit(t *testing.T) {
	// remote-initiated stream on a server engine
	e := NewEngine(Config{IsServer: true})
	_, err := e.Recv(AppendDataFrame(nil, 4, []byte("x"), true), quic.RecvInfo{})
	require.NoError(t, err)

	buf := make([]byte, 16)
	_, fin, err := e.StreamRecv(4, buf)
	require.NoError(t, err)
	require.True(t, fin)

	_, err = e.StreamSend(4, nil, true)
	require.NoError(t, err)

	out := make([]byte, 2048)
	n, _, err := e.Send(out)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	// the grant rides the next datagram
	n, _, err = e.Send(out)
	require.NoError(t, err)

	peer := NewEngine(Config{})
	before := peer.PeerStreamsLeftBidi()
	_, err = peer.Recv(out[:n], quic.RecvInfo{})
	require.NoError(t, err)
	require.Equal(t, before+1, peer.PeerStreamsLeftBidi())
}

func TestCloseHandshake(t *testing.T) {
	a := NewEngine(Config{})
	b := NewEngine(Config{IsServer: true})

	require.NoError(t, a.Close(false, 7, []byte("bye")))
	require.ErrorIs(t, a.Close(false, 7, []byte("bye")), quic.ErrDone)

	out := make([]byte, 2048)
	n, _, err := a.Send(out)
	require.NoError(t, err)
	require.True(t, a.IsClosed())

	_, err = b.Recv(out[:n], quic.RecvInfo{})
	require.NoError(t, err)
	require.True(t, b.IsDraining())
	require.True(t, b.IsClosed())

	_, _, err = a.Send(out)
	require.ErrorIs(t, err, quic.ErrDone)
}

func TestIdleTimeout(t *testing.T) {
	e := NewEngine(Config{MaxIdleTimeout: 10 * time.Millisecond})

	at, ok := e.TimeoutInstant()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(10*time.Millisecond), at, 5*time.Millisecond)

	// before the deadline the timeout is a no-op
	e.OnTimeout()
	require.False(t, e.IsClosed())

	time.Sleep(20 * time.Millisecond)
	e.OnTimeout()
	require.True(t, e.IsClosed())

	_, ok = e.TimeoutInstant()
	require.False(t, ok)
}

func TestShutdownReadDiscards(t *testing.T) {
	e := NewEngine(Config{IsServer: true})
	_, err := e.Recv(AppendDataFrame(nil, 4, []byte("buffered"), false), quic.RecvInfo{})
	require.NoError(t, err)

	require.NoError(t, e.StreamShutdownRead(4, 0))
	require.True(t, e.StreamFinished(4))

	_, _, err = e.StreamRecv(4, make([]byte, 16))
	require.ErrorIs(t, err, quic.ErrDone)
}

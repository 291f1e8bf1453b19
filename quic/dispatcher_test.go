package quic_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qsock/quic"
	"qsock/quic/quictest"
	"qsock/reactor"
)

func TestIdleTimeoutClosesConnection(t *testing.T) {
	engine := quictest.NewEngine(quictest.Config{MaxIdleTimeout: 50 * time.Millisecond})
	_, disp := quic.NewConn(engine, reactor.New(), quic.Options{})

	// no network input at all: the dispatcher must arm the engine's timer,
	// service it, and surface the resulting close on its own
	start := time.Now()
	_, _, err := disp.Send(context.Background(), make([]byte, 2048))
	require.ErrorIs(t, err, io.ErrClosedPipe)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestStreamWriteWakesPacketPlane(t *testing.T) {
	engine := quictest.NewEngine(quictest.Config{})
	conn, disp := quic.NewConn(engine, reactor.New(), quic.Options{})

	stream, err := conn.TryOpen()
	require.NoError(t, err)

	type result struct {
		n   int
		err error
	}
	got := make(chan result, 1)
	go func() {
		buf := make([]byte, 2048)
		n, _, err := disp.Send(context.Background(), buf)
		got <- result{n: n, err: err}
	}()

	// let the packet plane park on its waker
	time.Sleep(50 * time.Millisecond)

	_, err = stream.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case r := <-got:
		require.NoError(t, r.err)
		require.Greater(t, r.n, 0)
	case <-time.After(2 * time.Second):
		t.Fatal("packet plane not woken by stream write")
	}
}

func TestSendContextCancel(t *testing.T) {
	engine := quictest.NewEngine(quictest.Config{MaxIdleTimeout: time.Hour})
	_, disp := quic.NewConn(engine, reactor.New(), quic.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := disp.Send(ctx, make([]byte, 2048))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// Every waker registered on the connection must be woken exactly once when
// the engine reports closed.
func TestCloseWakesAllParkedTasks(t *testing.T) {
	engine := quictest.NewEngine(quictest.Config{
		IsServer:              true,
		InitialMaxStreamsBidi: 1,
		ReserveControlStream:  true, // no usable outbound credit: opens park
	})
	conn, disp := quic.NewConn(engine, reactor.New(), quic.Options{})

	// an inbound stream to park a reader on
	_, err := disp.Recv(quictest.AppendDataFrame(nil, 4, []byte("x"), false), quic.RecvInfo{})
	require.NoError(t, err)

	stream, err := conn.Accept(context.Background())
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var wg sync.WaitGroup
	errs := make([]error, 3)

	wg.Add(3)
	go func() {
		defer wg.Done()
		_, errs[0] = conn.Accept(context.Background())
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = conn.Open(context.Background())
	}()
	go func() {
		defer wg.Done()
		_, errs[2] = stream.Read(buf)
	}()

	// all three must be parked before the close lands
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, conn.Close(0, []byte("shutdown")))

	// drive the packet plane until it observes the closed engine and runs
	// the finalize wake-all
	out := make([]byte, 2048)
	for {
		if _, _, err := disp.Send(context.Background(), out); err != nil {
			require.ErrorIs(t, err, io.ErrClosedPipe)
			break
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("parked tasks not woken by close")
	}

	require.ErrorIs(t, errs[0], io.ErrClosedPipe)
	require.ErrorIs(t, errs[1], io.ErrClosedPipe)
	require.ErrorIs(t, errs[2], io.EOF)
}

func TestRecvReportsDatagramLength(t *testing.T) {
	engine := quictest.NewEngine(quictest.Config{IsServer: true})
	_, disp := quic.NewConn(engine, reactor.New(), quic.Options{})

	pkt := quictest.AppendDataFrame(nil, 4, []byte("payload"), false)
	n, err := disp.Recv(pkt, quic.RecvInfo{})
	require.NoError(t, err)
	require.Equal(t, len(pkt), n)
}

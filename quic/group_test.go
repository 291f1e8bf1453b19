package quic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qsock/quic"
	"qsock/quic/quictest"
	"qsock/reactor"
)

func newGroupConn(t *testing.T, traceID string) (*quic.Conn, *quic.Dispatcher) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ce, se := quictest.Pair(
		quictest.Config{TraceID: traceID},
		quictest.Config{TraceID: traceID + "-peer"})

	r := reactor.New()
	clientConn, clientDisp := quic.NewConn(ce, r, quic.Options{})
	serverConn, serverDisp := quic.NewConn(se, r, quic.Options{})
	quictest.Shuttle(ctx, clientDisp, serverDisp)

	t.Cleanup(func() {
		_ = clientConn.Close(0, nil)
		_ = serverConn.Close(0, nil)
	})

	return clientConn, clientDisp
}

func TestGroupRouting(t *testing.T) {
	g := quic.NewGroup(0)

	a, ad := newGroupConn(t, "conn-a")
	b, bd := newGroupConn(t, "conn-b")

	g.Add(a, ad)
	g.Add(b, bd)
	require.Equal(t, 2, g.Len())

	conn, disp, ok := g.Get("conn-a")
	require.True(t, ok)
	require.Same(t, a, conn)
	require.Same(t, ad, disp)

	_, _, ok = g.Get("conn-missing")
	require.False(t, ok)

	g.Remove("conn-b")
	_, _, ok = g.Get("conn-b")
	require.False(t, ok)
	require.Equal(t, 1, g.Len())

	// removal closes the connection through the eviction hook
	require.Eventually(t, b.IsClosed, 2*time.Second, 10*time.Millisecond)
}

func TestGroupIdleEviction(t *testing.T) {
	g := quic.NewGroup(50 * time.Millisecond)

	conn, disp := newGroupConn(t, "idle-conn")
	g.Add(conn, disp)

	require.Eventually(t, conn.IsClosed, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, _, ok := g.Get("idle-conn")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGroupClose(t *testing.T) {
	g := quic.NewGroup(0)

	conn, disp := newGroupConn(t, "closing-conn")
	g.Add(conn, disp)

	require.NoError(t, g.Close())
	require.Equal(t, 0, g.Len())
	require.Eventually(t, conn.IsClosed, 2*time.Second, 10*time.Millisecond)
}

package quictest

import (
	"context"

	"qsock/quic"
	"qsock/reactor"
)

// Shuttle pumps datagrams between two dispatchers in both directions until
// the packet planes report closed or ctx is cancelled.
func Shuttle(ctx context.Context, a, b *quic.Dispatcher) {
	go pump(ctx, a, b)
	go pump(ctx, b, a)
}

func pump(ctx context.Context, src, dst *quic.Dispatcher) {
	buf := make([]byte, 64*1024)
	for {
		n, info, err := src.Send(ctx, buf)
		if err != nil {
			return
		}
		if _, err := dst.Recv(buf[:n], quic.RecvInfo{From: info.From, To: info.To}); err != nil {
			return
		}
	}
}

// Loopback wires a client/server engine pair into two live connections with
// the shuttle already running. Cancelling ctx stops the shuttle but does not
// close the connections; that takes an explicit Close.
func Loopback(ctx context.Context, client, server Config, r *reactor.Reactor, opts quic.Options) (*quic.Conn, *quic.Conn) {
	ce, se := Pair(client, server)

	clientConn, clientDisp := quic.NewConn(ce, r, opts)
	serverConn, serverDisp := quic.NewConn(se, r, opts)

	Shuttle(ctx, clientDisp, serverDisp)

	return clientConn, serverConn
}

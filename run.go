package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"qsock/config"
	"qsock/quic"
	"qsock/quic/quictest"
	"qsock/reactor"
	"qsock/utils"
)

func main() {
	conf := flag.String("config", "", "Path to config file")
	rounds := flag.Int("rounds", 10, "Echo rounds to run")
	flag.Parse()

	// Load config if a path is provided; overrides default and env
	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
		utils.Rebuild()
	}

	defer utils.Logger.Sync()

	utils.Logger.Info("QSOCK echo 启动...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := reactor.New()
	client, server := quictest.Loopback(ctx,
		quictest.Config{TraceID: "echo-client"},
		quictest.Config{TraceID: "echo-server"},
		r, quic.OptionsFromConfig(config.GlobalCfg.Quic))

	go serve(ctx, server)

	stream, err := client.Open(ctx)
	if err != nil {
		utils.Logger.Fatal("open failed", zap.Error(err))
	}

	buf := make([]byte, 64)
	for i := 0; i < *rounds; i++ {
		if _, err := stream.Write([]byte("hello world")); err != nil {
			utils.Logger.Fatal("write failed", zap.Error(err))
		}
		n, err := stream.Read(buf)
		if err != nil {
			utils.Logger.Fatal("read failed", zap.Error(err))
		}
		utils.Logger.Info("echo round",
			zap.Int("round", i),
			zap.ByteString("payload", buf[:n]))
	}

	stream.Close()
	client.Close(0, []byte("bye"))

	// give the packet planes a beat to flush the close
	time.Sleep(100 * time.Millisecond)

	utils.Logger.Info("QSOCK echo 关闭...")
}

func serve(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.Accept(ctx)
		if err != nil {
			return
		}
		go func(s *quic.Stream) {
			defer s.Close()
			buf := make([]byte, 4096)
			for {
				n, err := s.Read(buf)
				if err == io.EOF {
					return
				}
				if err != nil {
					utils.Logger.Error("server read failed", zap.Error(err))
					return
				}
				if _, err := s.Write(buf[:n]); err != nil {
					utils.Logger.Error("server write failed", zap.Error(err))
					return
				}
			}
		}(stream)
	}
}

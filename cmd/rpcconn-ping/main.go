// Command rpcconn-ping is a minimal server/client pair exercising a
// unary Ping call end to end.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	rpcconn "github.com/plexsysio/rpcconn"
)

type PingReq struct {
	Data []byte `msgpack:"data"`
}

type PingReply struct {
	Data []byte `msgpack:"data"`
}

func ping(_ context.Context, req *PingReq) (*PingReply, error) {
	return &PingReply{Data: req.Data}, nil
}

func startServer(addr string) {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error().Err(err).Msg("accept")
			continue
		}
		go serveConn(conn, log)
	}
}

func serveConn(conn net.Conn, log zerolog.Logger) {
	cfg := rpcconn.DefaultConfig()
	ch := rpcconn.NewChannel(cfg, log)

	mux := rpcconn.NewServiceMux(nil)
	if err := mux.Register("PingService", "", "Ping", rpcconn.Unary(ping)); err != nil {
		log.Error().Err(err).Msg("register")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.LoginTimeout)
	defer cancel()
	if err := ch.TryConnect(ctx, rpcconn.NewTransport(conn), rpcconn.ChannelServer, mux.Dispatch, nil); err != nil {
		log.Error().Err(err).Msg("connect")
		return
	}
	log.Info().Msg("client connected")
}

func startClient(addr string, count, size int) {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	transport, err := rpcconn.Dial(ctx, "tcp", addr, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}

	cfg := rpcconn.DefaultConfig()
	ch := rpcconn.NewChannel(cfg, log)
	if err := ch.TryConnect(ctx, transport, rpcconn.ChannelClient, nil, nil); err != nil {
		log.Fatal().Err(err).Msg("connect")
	}
	defer ch.Close(context.Background())

	req := rpcconn.NewUnaryReq[PingReq, PingReply](ch, "PingService", "Ping")

	var durations []time.Duration
	for i := 0; i < count; i++ {
		data := make([]byte, size)
		if _, err := rand.Read(data); err != nil {
			log.Fatal().Err(err).Msg("rand")
		}

		start := time.Now()
		reply, err := req.Execute(context.Background(), &PingReq{Data: data})
		if err != nil {
			log.Fatal().Err(err).Msg("ping")
		}
		if !bytes.Equal(reply.Data, data) {
			log.Fatal().Msg("reply mismatch")
		}
		elapsed := time.Since(start)
		durations = append(durations, elapsed)
		fmt.Printf("%d bytes from %s: seq=%d time=%s\n", size, addr, i+1, elapsed)
	}

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	fmt.Printf("average time: %s\n", total/time.Duration(len(durations)))
}

func main() {
	var mode, host string
	var count, size int
	flag.StringVar(&mode, "mode", "", "server or client")
	flag.StringVar(&host, "host", "127.0.0.1:9000", "address to listen on or dial")
	flag.IntVar(&count, "count", 10, "number of pings to send")
	flag.IntVar(&size, "size", 64, "size of random ping payload")
	flag.Parse()

	switch mode {
	case "server":
		startServer(host)
	case "client":
		startClient(host, count, size)
	default:
		fmt.Fprintln(os.Stderr, "usage: rpcconn-ping -mode server|client -host addr")
		os.Exit(1)
	}
}

package rpcconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestChannelPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	cfg := DefaultConfig()
	cfg.LoginTimeout = 2 * time.Second
	cfg.LogoutTimeout = 2 * time.Second

	client := NewChannel(cfg, zerolog.Nop())
	server := NewChannel(cfg, zerolog.Nop())

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.TryConnect(context.Background(), NewTransport(serverConn), ChannelServer, nil, nil)
	}()

	if err := client.TryConnect(context.Background(), NewTransport(clientConn), ChannelClient, nil, nil); err != nil {
		t.Fatalf("client TryConnect: %v", err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server TryConnect: %v", err)
	}
	return client, server
}

func TestChannelTryConnectDrivesLoginHandshake(t *testing.T) {
	t.Parallel()
	client, server := newTestChannelPair(t)
	defer client.Close(context.Background())
	defer server.Close(context.Background())

	if client.State() != ChannelOnline {
		t.Fatalf("client state = %v, want Online", client.State())
	}
	if server.State() != ChannelOnline {
		t.Fatalf("server state = %v, want Online", server.State())
	}
}

func TestChannelTryConnectRejectsFromWrongState(t *testing.T) {
	t.Parallel()
	client, server := newTestChannelPair(t)
	defer client.Close(context.Background())
	defer server.Close(context.Background())

	err := client.TryConnect(context.Background(), nil, ChannelClient, nil, nil)
	if !IsFault(err, InvalidChannelState) {
		t.Fatalf("second TryConnect: err = %v, want InvalidChannelState", err)
	}
}

func TestChannelCloseIsIdempotentAndConcurrentSafe(t *testing.T) {
	t.Parallel()
	client, server := newTestChannelPair(t)
	defer server.Close(context.Background())

	var closing, closed int
	client.OnClosing(func(error) { closing++ })
	client.OnClosed(func(error) { closed++ })

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { done <- client.Close(context.Background()) }()
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	if client.State() != ChannelClosedState {
		t.Fatalf("state after Close = %v, want Closed", client.State())
	}
	if closing != 1 || closed != 1 {
		t.Fatalf("OnClosing/OnClosed fired %d/%d times, want 1/1", closing, closed)
	}
}

func TestChannelOnTransportFaultTransitionsToFaulted(t *testing.T) {
	t.Parallel()
	client, server := newTestChannelPair(t)
	defer client.Close(context.Background())

	var gotErr error
	server.OnClosed(func(err error) { gotErr = err })

	// Severing the client side surfaces as a read failure on the
	// server's RxPipeline, which reports it through channelContext.fault.
	client.Close(context.Background())

	deadline := time.Now().Add(time.Second)
	for server.State() != ChannelFaulted && server.State() != ChannelClosedState && time.Now().Before(deadline) {
	}
	if server.State() != ChannelFaulted {
		t.Fatalf("server state after peer close = %v, want Faulted", server.State())
	}
	if gotErr == nil {
		t.Fatalf("OnClosed saw no error after transport fault")
	}
}

func TestChannelStateString(t *testing.T) {
	t.Parallel()
	cases := map[ChannelState]string{
		ChannelNew:           "New",
		ChannelConnecting:    "Connecting",
		ChannelOnline:        "Online",
		ChannelFaulted:       "Faulted",
		ChannelDisconnecting: "Disconnecting",
		ChannelClosedState:   "Closed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

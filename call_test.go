package rpcconn

import (
	"context"
	"testing"
	"time"
)

type addReq struct{ A, B int }
type addResp struct{ Sum int }

func newWiredService(t *testing.T) (client *Channel, server *Channel, mux *ServiceMux) {
	t.Helper()
	mux = NewServiceMux(nil)
	clientConn, serverConn := newPipeTransports(t)

	cfg := DefaultConfig()
	client = NewChannel(cfg, testLogger())
	server = NewChannel(cfg, testLogger())

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.TryConnect(context.Background(), serverConn, ChannelServer, mux.Dispatch, nil)
	}()
	if err := client.TryConnect(context.Background(), clientConn, ChannelClient, nil, nil); err != nil {
		t.Fatalf("client TryConnect: %v", err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server TryConnect: %v", err)
	}
	t.Cleanup(func() {
		client.Close(context.Background())
		server.Close(context.Background())
	})
	return client, server, mux
}

func TestUnaryRequestExecuteRoundTrips(t *testing.T) {
	t.Parallel()
	client, _, mux := newWiredService(t)
	err := mux.Register("Math", "1.0.0", "Add", Unary(func(_ context.Context, req *addReq) (*addResp, error) {
		return &addResp{Sum: req.A + req.B}, nil
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	req := NewUnaryReq[addReq, addResp](client, "Math", "Add", "1.0.0")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := req.Execute(ctx, &addReq{A: 2, B: 3})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Sum != 5 {
		t.Fatalf("Sum = %d, want 5", resp.Sum)
	}
}

func TestUnaryRequestExecutePropagatesHandlerFault(t *testing.T) {
	t.Parallel()
	client, _, mux := newWiredService(t)
	err := mux.Register("Math", "1.0.0", "Add", Unary(func(context.Context, *addReq) (*addResp, error) {
		return nil, NewFaultf(ProtocolViolation, "nope")
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	req := NewUnaryReq[addReq, addResp](client, "Math", "Add", "1.0.0")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = req.Execute(ctx, &addReq{})
	if !IsFault(err, ProtocolViolation) {
		t.Fatalf("Execute error = %v, want ProtocolViolation", err)
	}
}

func TestUpStreamRequestExecuteSumsStreamedValues(t *testing.T) {
	t.Parallel()
	client, _, mux := newWiredService(t)
	err := mux.Register("Math", "1.0.0", "Sum", UpStream(client, func(_ context.Context, reqC <-chan *addReq) (*addResp, error) {
		total := 0
		for req := range reqC {
			total += req.A
		}
		return &addResp{Sum: total}, nil
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	call := NewUpStreamReq[addReq, addResp](client, "Math", "Sum", "1.0.0")
	reqC := make(chan *addReq)
	go func() {
		defer close(reqC)
		for _, v := range []int{1, 2, 3, 4} {
			reqC <- &addReq{A: v}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := call.Execute(ctx, reqC)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Sum != 10 {
		t.Fatalf("Sum = %d, want 10", resp.Sum)
	}
}

func TestDownStreamRequestExecuteReceivesPagedResponses(t *testing.T) {
	t.Parallel()
	client, _, mux := newWiredService(t)
	err := mux.Register("Math", "1.0.0", "Count", DownStream(client, func(_ context.Context, req *addReq) (<-chan *addResp, error) {
		out := make(chan *addResp)
		go func() {
			defer close(out)
			for i := 1; i <= req.A; i++ {
				out <- &addResp{Sum: i}
			}
		}()
		return out, nil
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	call := NewDownStreamReq[addReq, addResp](client, "Math", "Count", "1.0.0")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	respC, err := call.Execute(ctx, &addReq{A: 3})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var got []int
	for resp := range respC {
		got = append(got, resp.Sum)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("got = %v, want [1 2 3]", got)
	}
}

func TestBidirStreamRequestExecuteEchoesEachRequest(t *testing.T) {
	t.Parallel()
	client, _, mux := newWiredService(t)
	err := mux.Register("Math", "1.0.0", "Echo", BidirStream(client, func(_ context.Context, reqC <-chan *addReq) (<-chan *addResp, error) {
		out := make(chan *addResp)
		go func() {
			defer close(out)
			for req := range reqC {
				out <- &addResp{Sum: req.A * 2}
			}
		}()
		return out, nil
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	call := NewBidirStreamReq[addReq, addResp](client, "Math", "Echo", "1.0.0")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reqC := make(chan *addReq)
	respC, err := call.Execute(ctx, reqC)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	go func() {
		defer close(reqC)
		for _, v := range []int{1, 2, 3} {
			reqC <- &addReq{A: v}
		}
	}()

	var got []int
	for resp := range respC {
		got = append(got, resp.Sum)
	}
	if len(got) != 3 || got[0] != 2 || got[2] != 6 {
		t.Fatalf("got = %v, want [2 4 6]", got)
	}
}

package rpcconn

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeTxPipeline is a function-typed fake standing in for a real
// TxPipeline in dispatcher/stream tests.
type fakeTxPipeline struct {
	mu    sync.Mutex
	sent  []*Frame
	onSend func(*Frame) error
}

func (f *fakeTxPipeline) Start(context.Context) {}

func (f *fakeTxPipeline) Send(_ context.Context, frame *Frame) error {
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	f.mu.Unlock()
	if f.onSend != nil {
		return f.onSend(frame)
	}
	return nil
}

func (f *fakeTxPipeline) Close(time.Duration) error { return nil }

func (f *fakeTxPipeline) lastSent() *Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

// allSent returns a snapshot of every frame sent so far.
func (f *fakeTxPipeline) allSent() []*Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestDispatcherCallResolvesOnMatchingResponse(t *testing.T) {
	t.Parallel()
	tx := &fakeTxPipeline{}
	disp := NewMessageDispatcher(tx, nil, DispatchNoQueue)

	done := make(chan struct{})
	var resp *Frame
	var callErr error
	go func() {
		resp, callErr = disp.Call(context.Background(), KindRequest, []byte("ping"))
		close(done)
	}()

	// Wait for the Call to register and send before replying.
	var sent *Frame
	for sent == nil {
		sent = tx.lastSent()
	}

	if err := disp.OnFrame(&Frame{Kind: KindResponse, CallId: sent.CallId, Body: []byte("pong")}); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	<-done

	if callErr != nil {
		t.Fatalf("Call returned error: %v", callErr)
	}
	if resp == nil || string(resp.Body) != "pong" {
		t.Fatalf("Call resolved with %+v, want Body=pong", resp)
	}
}

func TestDispatcherCallResolvesOnFaultResponse(t *testing.T) {
	t.Parallel()
	tx := &fakeTxPipeline{}
	disp := NewMessageDispatcher(tx, nil, DispatchNoQueue)

	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = disp.Call(context.Background(), KindRequest, nil)
		close(done)
	}()

	var sent *Frame
	for sent == nil {
		sent = tx.lastSent()
	}
	body, err := encodeFaultBody(defaultCodec, NewFaultf(InvalidCredentials, "nope"))
	if err != nil {
		t.Fatalf("encodeFaultBody: %v", err)
	}
	if err := disp.OnFrame(&Frame{Kind: KindFaultResponse, CallId: sent.CallId, Body: body}); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	<-done

	if !IsFault(callErr, InvalidCredentials) {
		t.Fatalf("Call error = %v, want InvalidCredentials", callErr)
	}
}

func TestDispatcherCallCanceledByContext(t *testing.T) {
	t.Parallel()
	tx := &fakeTxPipeline{}
	disp := NewMessageDispatcher(tx, nil, DispatchNoQueue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := disp.Call(ctx, KindRequest, nil)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !IsFault(err, OperationCanceled) {
			t.Fatalf("Call error = %v, want OperationCanceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Call did not observe context cancellation")
	}
}

func TestDispatcherOnFrameRoutesUnknownCallIdToInboundHandler(t *testing.T) {
	t.Parallel()
	tx := &fakeTxPipeline{}
	disp := NewMessageDispatcher(tx, nil, DispatchNoQueue)

	var gotBody string
	disp.SetHandler(func(_ context.Context, frame *Frame) (*Frame, error) {
		gotBody = string(frame.Body)
		return &Frame{Kind: KindResponse, CallId: frame.CallId, Body: []byte("handled")}, nil
	})

	if err := disp.OnFrame(&Frame{Kind: KindRequest, CallId: "peer-call", Body: []byte("hi")}); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	if gotBody != "hi" {
		t.Fatalf("handler saw body %q, want hi", gotBody)
	}
	sent := tx.lastSent()
	if sent == nil || sent.Kind != KindResponse || string(sent.Body) != "handled" {
		t.Fatalf("dispatcher did not send the handler's response: %+v", sent)
	}
}

func TestDispatcherHandlerErrorSendsFaultResponse(t *testing.T) {
	t.Parallel()
	tx := &fakeTxPipeline{}
	disp := NewMessageDispatcher(tx, nil, DispatchNoQueue)
	disp.SetHandler(func(context.Context, *Frame) (*Frame, error) {
		return nil, NewFaultf(ProtocolViolation, "bad request")
	})

	if err := disp.OnFrame(&Frame{Kind: KindRequest, CallId: "c", Body: nil}); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	sent := tx.lastSent()
	if sent == nil || sent.Kind != KindFaultResponse {
		t.Fatalf("expected a FaultResponse, got %+v", sent)
	}
	if err := decodeFaultBody(defaultCodec, sent.Body); !IsFault(err, ProtocolViolation) {
		t.Fatalf("decoded fault = %v, want ProtocolViolation", err)
	}
}

func TestDispatcherStopFaultsPendingCalls(t *testing.T) {
	t.Parallel()
	tx := &fakeTxPipeline{}
	disp := NewMessageDispatcher(tx, nil, DispatchNoQueue)

	done := make(chan error, 1)
	go func() {
		_, err := disp.Call(context.Background(), KindRequest, nil)
		done <- err
	}()

	for tx.lastSent() == nil {
	}
	cause := NewFaultf(ConnectionAbortedByPeer, "transport died")
	disp.Stop(cause)

	select {
	case err := <-done:
		if !IsFault(err, ConnectionAbortedByPeer) {
			t.Fatalf("Call error after Stop = %v, want ConnectionAbortedByPeer", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Call did not resolve after Stop")
	}

	if err := disp.RegisterCallObject("late", newPendingCall()); !IsFault(err, ChannelClosed) {
		t.Fatalf("RegisterCallObject after Stop: err = %v, want ChannelClosed", err)
	}
}

func TestDispatcherPagedQueueX1DeliversInboundFrames(t *testing.T) {
	t.Parallel()
	tx := &fakeTxPipeline{}
	disp := NewMessageDispatcher(tx, nil, DispatchPagedQueueX1)

	seen := make(chan string, 1)
	disp.SetHandler(func(_ context.Context, frame *Frame) (*Frame, error) {
		seen <- string(frame.Body)
		return nil, nil
	})

	if err := disp.OnFrame(&Frame{Kind: KindOneWay, CallId: "x", Body: []byte("queued")}); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}

	select {
	case got := <-seen:
		if got != "queued" {
			t.Fatalf("handler saw %q, want queued", got)
		}
	case <-time.After(time.Second):
		t.Fatal("inbox worker never delivered the frame")
	}
}

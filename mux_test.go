package rpcconn

import (
	"context"
	"testing"
)

func TestServiceMuxDispatchRoutesToRegisteredHandler(t *testing.T) {
	t.Parallel()
	mux := NewServiceMux(nil)

	var gotBody string
	err := mux.Register("Echo", "1.0.0", "Say", func(_ context.Context, frame *Frame) (*Frame, error) {
		gotBody = string(frame.Body)
		return &Frame{Kind: KindResponse, CallId: frame.CallId, Body: []byte("echoed")}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	env := requestEnvelope{Service: "Echo", Version: "1.0.0", Method: "Say", Body: []byte("hi")}
	body, err := defaultCodec.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	resp, err := mux.Dispatch(context.Background(), &Frame{Kind: KindRequest, CallId: "c1", Body: body})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gotBody != "hi" {
		t.Fatalf("handler saw body %q, want hi", gotBody)
	}
	if resp == nil || string(resp.Body) != "echoed" {
		t.Fatalf("Dispatch response = %+v, want Body=echoed", resp)
	}
}

func TestServiceMuxMatchesOlderRequestAgainstNewerMinor(t *testing.T) {
	t.Parallel()
	mux := NewServiceMux(nil)
	if err := mux.Register("Echo", "1.3.0", "Say", func(_ context.Context, frame *Frame) (*Frame, error) {
		return &Frame{Kind: KindResponse, CallId: frame.CallId}, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	env := requestEnvelope{Service: "Echo", Version: "1.0.0", Method: "Say"}
	body, err := defaultCodec.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := mux.Dispatch(context.Background(), &Frame{Kind: KindRequest, CallId: "c", Body: body}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestServiceMuxRejectsNewerMajorThanRegistered(t *testing.T) {
	t.Parallel()
	mux := NewServiceMux(nil)
	if err := mux.Register("Echo", "1.0.0", "Say", func(_ context.Context, frame *Frame) (*Frame, error) {
		return &Frame{Kind: KindResponse, CallId: frame.CallId}, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	env := requestEnvelope{Service: "Echo", Version: "2.0.0", Method: "Say"}
	body, err := defaultCodec.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	_, err = mux.Dispatch(context.Background(), &Frame{Kind: KindRequest, CallId: "c", Body: body})
	if !IsFault(err, UnexpectedMessage) {
		t.Fatalf("Dispatch error = %v, want UnexpectedMessage", err)
	}
}

func TestServiceMuxDefaultsEmptyVersionToZero(t *testing.T) {
	t.Parallel()
	mux := NewServiceMux(nil)
	if err := mux.Register("Echo", "", "Say", func(_ context.Context, frame *Frame) (*Frame, error) {
		return &Frame{Kind: KindResponse, CallId: frame.CallId}, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	env := requestEnvelope{Service: "Echo", Version: "", Method: "Say"}
	body, err := defaultCodec.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := mux.Dispatch(context.Background(), &Frame{Kind: KindRequest, CallId: "c", Body: body}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestServiceMuxReregisterSameVersionOverwrites(t *testing.T) {
	t.Parallel()
	mux := NewServiceMux(nil)
	if err := mux.Register("Echo", "1.0.0", "Say", func(_ context.Context, frame *Frame) (*Frame, error) {
		return &Frame{Kind: KindResponse, CallId: frame.CallId, Body: []byte("first")}, nil
	}); err != nil {
		t.Fatalf("Register 1: %v", err)
	}
	if err := mux.Register("Echo", "1.0.0", "Say", func(_ context.Context, frame *Frame) (*Frame, error) {
		return &Frame{Kind: KindResponse, CallId: frame.CallId, Body: []byte("second")}, nil
	}); err != nil {
		t.Fatalf("Register 2: %v", err)
	}

	env := requestEnvelope{Service: "Echo", Version: "1.0.0", Method: "Say"}
	body, err := defaultCodec.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	resp, err := mux.Dispatch(context.Background(), &Frame{Kind: KindRequest, CallId: "c", Body: body})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(resp.Body) != "second" {
		t.Fatalf("resp.Body = %q, want second (overwritten handler)", resp.Body)
	}
}

func TestServiceMuxUnknownMethodFaults(t *testing.T) {
	t.Parallel()
	mux := NewServiceMux(nil)
	if err := mux.Register("Echo", "1.0.0", "Say", func(_ context.Context, frame *Frame) (*Frame, error) {
		return &Frame{Kind: KindResponse, CallId: frame.CallId}, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	env := requestEnvelope{Service: "Echo", Version: "1.0.0", Method: "Other"}
	body, err := defaultCodec.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	_, err = mux.Dispatch(context.Background(), &Frame{Kind: KindRequest, CallId: "c", Body: body})
	if !IsFault(err, UnexpectedMessage) {
		t.Fatalf("Dispatch error = %v, want UnexpectedMessage", err)
	}
}

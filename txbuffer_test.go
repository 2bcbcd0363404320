package rpcconn

import (
	"context"
	"testing"
	"time"
)

func TestTxBufferRoundTripsAFrame(t *testing.T) {
	t.Parallel()
	pool := NewSegmentPool(256, 0)
	buf := NewTxBuffer(pool, 256)

	body := []byte("hello")
	frame := &Frame{Kind: KindRequest, CallId: CallId("call-1"), Body: body}
	if err := encodeFrame(buf, frame); err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	seg, err := buf.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if IsClosedSentinel(seg) {
		t.Fatalf("Dequeue returned closed sentinel before Close")
	}

	rxPool := NewSegmentPool(256, 0)
	rx := NewRxBuffer(rxPool, 0)
	rx.CommitRx(seg, seg.Len)

	got, _, err := rx.NextFrame()
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if got == nil {
		t.Fatalf("NextFrame returned nil frame, expected the encoded one")
	}
	if got.Kind != KindRequest || got.CallId != frame.CallId || string(got.Body) != string(body) {
		t.Fatalf("round-tripped frame = %+v, want Kind=%v CallId=%v Body=%q", got, KindRequest, frame.CallId, body)
	}
}

func TestTxBufferStartMessageRejectsOverlap(t *testing.T) {
	t.Parallel()
	pool := NewSegmentPool(256, 0)
	buf := NewTxBuffer(pool, 256)

	if err := buf.StartMessage(KindRequest, "a", 0); err != nil {
		t.Fatalf("first StartMessage: %v", err)
	}
	if err := buf.StartMessage(KindRequest, "b", 0); !IsFault(err, InvalidChannelState) {
		t.Fatalf("second StartMessage before EndMessage: err = %v, want InvalidChannelState", err)
	}
}

func TestTxBufferDequeueReturnsClosedSentinelOnceDrained(t *testing.T) {
	t.Parallel()
	pool := NewSegmentPool(256, 0)
	buf := NewTxBuffer(pool, 256)
	buf.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	seg, err := buf.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if !IsClosedSentinel(seg) {
		t.Fatalf("Dequeue on a closed, empty buffer did not return the closed sentinel")
	}
}

func TestTxBufferLargeBodySpansSegments(t *testing.T) {
	t.Parallel()
	pool := NewSegmentPool(64, 0)
	buf := NewTxBuffer(pool, 64)

	body := make([]byte, 500)
	for i := range body {
		body[i] = byte(i)
	}
	frame := &Frame{Kind: KindOneWay, CallId: "big", Body: body}
	if err := encodeFrame(buf, frame); err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	buf.Close()

	rxPool := NewSegmentPool(64, 0)
	rx := NewRxBuffer(rxPool, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		seg, err := buf.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if IsClosedSentinel(seg) {
			break
		}
		rx.CommitRx(seg, seg.Len)
	}

	got, _, err := rx.NextFrame()
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if got == nil || string(got.Body) != string(body) {
		t.Fatalf("reassembled body mismatch: got %v bytes, want %d", len(got.Body), len(body))
	}
}

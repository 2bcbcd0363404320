package rpcconn

import "testing"

func encodeFrameBytes(t *testing.T, frame *Frame) []byte {
	t.Helper()
	buf := make([]byte, frame.encodedLen())
	n, err := frame.encodeInto(buf)
	if err != nil {
		t.Fatalf("encodeInto: %v", err)
	}
	return buf[:n]
}

func TestRxBufferNextFrameWaitsForFullPayload(t *testing.T) {
	t.Parallel()
	pool := NewSegmentPool(256, 0)
	rx := NewRxBuffer(pool, 0)

	wire := encodeFrameBytes(t, &Frame{Kind: KindRequest, CallId: "c1", Body: []byte("payload")})

	seg := rx.GetRxSegment()
	n := copy(seg.Buf, wire[:FixedHeaderSize+2])
	rx.CommitRx(seg, n)

	frame, consumed, err := rx.NextFrame()
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if frame != nil || consumed != 0 {
		t.Fatalf("NextFrame returned a frame from a partial buffer: %+v", frame)
	}

	seg2 := rx.GetRxSegment()
	n2 := copy(seg2.Buf, wire[FixedHeaderSize+2:])
	rx.CommitRx(seg2, n2)

	frame, _, err = rx.NextFrame()
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if frame == nil || frame.CallId != "c1" || string(frame.Body) != "payload" {
		t.Fatalf("NextFrame = %+v, want CallId=c1 Body=payload", frame)
	}
}

func TestRxBufferNextFrameSpansSegments(t *testing.T) {
	t.Parallel()
	pool := NewSegmentPool(8, 0)
	rx := NewRxBuffer(pool, 0)

	wire := encodeFrameBytes(t, &Frame{Kind: KindOneWay, CallId: "spanning", Body: []byte("0123456789abcdef")})
	for off := 0; off < len(wire); off += 8 {
		end := off + 8
		if end > len(wire) {
			end = len(wire)
		}
		seg := rx.GetRxSegment()
		n := copy(seg.Buf, wire[off:end])
		rx.CommitRx(seg, n)
	}

	frame, consumed, err := rx.NextFrame()
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if consumed != len(wire) {
		t.Fatalf("consumed = %d, want %d", consumed, len(wire))
	}
	if frame == nil || string(frame.Body) != "0123456789abcdef" {
		t.Fatalf("frame = %+v, unexpected body", frame)
	}
	if rx.Available() != 0 {
		t.Fatalf("Available() = %d after consuming the only frame, want 0", rx.Available())
	}
}

func TestRxBufferNextFrameRejectsImplausibleLength(t *testing.T) {
	t.Parallel()
	pool := NewSegmentPool(64, 0)
	rx := NewRxBuffer(pool, 16)

	seg := rx.GetRxSegment()
	// payloadLen = 1<<20, encoded big-endian in the first 4 header bytes.
	seg.Buf[0], seg.Buf[1], seg.Buf[2], seg.Buf[3] = 0, 16, 0, 0
	seg.Buf[4] = byte(KindRequest)
	rx.CommitRx(seg, FixedHeaderSize)

	_, _, err := rx.NextFrame()
	if !IsFault(err, ProtocolViolation) {
		t.Fatalf("NextFrame with oversized length: err = %v, want ProtocolViolation", err)
	}
}

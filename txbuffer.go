package rpcconn

import (
	"context"
	"encoding/binary"
	"sync"
)

// txClosedSentinel is the empty segment Dequeue returns once the
// buffer is closed and fully drained. Callers compare by identity via
// IsClosedSentinel.
var txClosedSentinel = &Segment{}

// IsClosedSentinel reports whether seg is the sentinel TxBuffer.Dequeue
// returns to signal "closed, no more data".
func IsClosedSentinel(seg *Segment) bool { return seg == txClosedSentinel }

// txAlloc records the pending Allocate call an Advance must resolve.
type txAlloc struct {
	isXL   bool
	seg    *Segment
	offset int
	size   int
}

// TxBuffer serializes outgoing frames into pooled segments and hands
// completed segments to a drain loop. All state is guarded by one
// mutex; the drain side blocks on an awaitable channel that is closed
// and recreated each time a message ends (EndMessage) or the buffer
// closes.
type TxBuffer struct {
	mu   sync.Mutex
	pool *SegmentPool
	segS int // segment size, cached from pool for the XL-vs-segment threshold

	current   *Segment
	completed []*Segment

	locked      bool
	headerSeg   *Segment
	headerOff   int
	preambleLen int
	bodyLen     int
	multiSeg    bool

	lastAlloc *txAlloc
	xl        []byte

	closed bool
	avail  chan struct{}
}

// NewTxBuffer creates a TxBuffer drawing segments from pool.
func NewTxBuffer(pool *SegmentPool, segmentSize int) *TxBuffer {
	b := &TxBuffer{pool: pool, segS: segmentSize, avail: make(chan struct{})}
	b.current = pool.Acquire()
	return b
}

func (b *TxBuffer) notifyLocked() {
	close(b.avail)
	b.avail = make(chan struct{})
}

// StartMessage reserves header and preamble space for a new frame of
// the given kind/CallId/sequence and locks the buffer against
// concurrent drain of the not-yet-patched header segment. Only one
// message may be in progress at a time (single-writer semantics,
// matching the TxPipeline "no-queue" variant).
func (b *TxBuffer) StartMessage(kind Kind, callID CallId, sequence uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return NewFault(ChannelClosed, nil)
	}
	if b.locked {
		return NewFaultf(InvalidChannelState, "message already in progress")
	}
	if len(callID) > maxCallIDLen {
		return NewFaultf(ProtocolViolation, "CallId too long: %d bytes", len(callID))
	}

	preambleLen := 1 + len(callID)
	if kind.isStreamAux() {
		preambleLen += 8
	}
	need := FixedHeaderSize + preambleLen

	if b.current.Cap()-b.current.Len < need {
		b.completed = append(b.completed, b.current)
		b.current = b.pool.Acquire()
	}

	seg := b.current
	off := seg.Len
	binary.BigEndian.PutUint32(seg.Buf[off:off+4], 0)
	seg.Buf[off+4] = byte(kind)
	seg.Buf[off+5] = 0
	p := off + FixedHeaderSize
	seg.Buf[p] = byte(len(callID))
	p++
	p += copy(seg.Buf[p:], callID)
	if kind.isStreamAux() {
		binary.BigEndian.PutUint64(seg.Buf[p:p+8], sequence)
		p += 8
	}
	seg.Len = p

	b.headerSeg = seg
	b.headerOff = off
	b.preambleLen = preambleLen
	b.bodyLen = 0
	b.multiSeg = false
	b.locked = true
	return nil
}

// Allocate returns a writable span for the next chunk of the current
// message's body. If sizeHint exceeds one segment's usable capacity
// (segmentSize - FixedHeaderSize), it returns a scratch XL buffer
// instead; Advance then copies the XL bytes out across as many
// segments as needed.
func (b *TxBuffer) Allocate(sizeHint int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.locked {
		return nil, NewFaultf(InvalidChannelState, "Allocate called outside StartMessage/EndMessage")
	}
	if sizeHint < 0 {
		return nil, NewFaultf(OtherError, "negative size hint")
	}
	if sizeHint == 0 {
		b.lastAlloc = &txAlloc{seg: b.current, offset: b.current.Len, size: 0}
		return nil, nil
	}

	if sizeHint > b.segS-FixedHeaderSize {
		b.xl = make([]byte, sizeHint)
		b.lastAlloc = &txAlloc{isXL: true, size: sizeHint}
		return b.xl, nil
	}

	if b.current.Cap()-b.current.Len < sizeHint {
		b.completed = append(b.completed, b.current)
		b.current = b.pool.Acquire()
		b.multiSeg = true
	}
	seg := b.current
	off := seg.Len
	b.lastAlloc = &txAlloc{seg: seg, offset: off, size: sizeHint}
	return seg.Buf[off : off+sizeHint], nil
}

// Advance commits n bytes (n <= the size requested from the last
// Allocate) to the current message's body.
func (b *TxBuffer) Advance(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	la := b.lastAlloc
	if la == nil {
		return NewFaultf(InvalidChannelState, "Advance without a pending Allocate")
	}
	if n < 0 || n > la.size {
		return NewFaultf(OtherError, "Advance(%d) out of range for allocation of %d", n, la.size)
	}
	b.lastAlloc = nil

	if !la.isXL {
		la.seg.Len = la.offset + n
		b.bodyLen += n
		return nil
	}

	remaining := n
	srcOff := 0
	for remaining > 0 {
		usable := b.current.Cap() - b.current.Len
		if usable == 0 {
			b.completed = append(b.completed, b.current)
			b.current = b.pool.Acquire()
			usable = b.current.Cap()
			b.multiSeg = true
		}
		chunk := remaining
		if chunk > usable {
			chunk = usable
		}
		copy(b.current.Buf[b.current.Len:b.current.Len+chunk], b.xl[srcOff:srcOff+chunk])
		b.current.Len += chunk
		b.bodyLen += chunk
		srcOff += chunk
		remaining -= chunk
	}
	b.xl = nil
	return nil
}

// EndMessage patches the reserved header with the final payload length
// and flags, then unlocks the buffer so a waiting Dequeue can proceed.
// The continuation flag is set automatically when the message's body
// ended up split across more than one segment; it is observational
// only (the payload length in the header is always the true total, so
// a receiver never depends on the flag to reassemble correctly).
func (b *TxBuffer) EndMessage() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.locked {
		return NewFaultf(InvalidChannelState, "EndMessage without StartMessage")
	}

	payloadLen := b.preambleLen + b.bodyLen
	binary.BigEndian.PutUint32(b.headerSeg.Buf[b.headerOff:b.headerOff+4], uint32(payloadLen))
	if b.multiSeg {
		b.headerSeg.Buf[b.headerOff+5] |= FlagContinuation
	}

	b.headerSeg = nil
	b.locked = false
	b.notifyLocked()
	return nil
}

// DataSize returns the sum of queued-segment lengths plus the
// committed portion of the current segment.
func (b *TxBuffer) DataSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.completed {
		n += s.Len
	}
	if b.current != nil {
		n += b.current.Len
	}
	return n
}

// Dequeue returns the next ready segment, blocking until one is
// available, the buffer closes, or ctx is canceled. It returns the
// closed sentinel (see IsClosedSentinel) once closed and fully drained.
func (b *TxBuffer) Dequeue(ctx context.Context) (*Segment, error) {
	for {
		b.mu.Lock()
		if b.locked {
			ch := b.avail
			b.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if n := len(b.completed); n > 0 {
			seg := b.completed[0]
			b.completed = b.completed[1:]
			b.mu.Unlock()
			return seg, nil
		}

		if b.current != nil && b.current.Len > 0 {
			seg := b.current
			b.current = b.pool.Acquire()
			b.mu.Unlock()
			return seg, nil
		}

		if b.closed {
			b.mu.Unlock()
			return txClosedSentinel, nil
		}

		ch := b.avail
		b.mu.Unlock()
		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close is terminal: it resolves any pending Dequeue with the closed
// sentinel once remaining data drains.
func (b *TxBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.notifyLocked()
}

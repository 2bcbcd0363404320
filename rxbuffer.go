package rpcconn

import "sync"

// DefaultMaxFramePayload guards against a corrupt or hostile length
// field turning a small read into an unbounded allocation.
const DefaultMaxFramePayload = 64 << 20

// RxBuffer accepts incoming bytes from the transport into pooled
// segments and exposes them to the parser as a single logical byte
// stream. Segments are released back to the pool as soon as the parser
// has fully consumed them.
type RxBuffer struct {
	pool       *SegmentPool
	maxPayload int

	mu      sync.Mutex
	queue   []*Segment
	headOff int
}

// NewRxBuffer creates an RxBuffer drawing segments from pool.
func NewRxBuffer(pool *SegmentPool, maxPayload int) *RxBuffer {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxFramePayload
	}
	return &RxBuffer{pool: pool, maxPayload: maxPayload}
}

// GetRxSegment returns a pooled, writable segment for the transport to
// read into. The caller must follow up with CommitRx once bytes have
// been read into seg.Buf.
func (r *RxBuffer) GetRxSegment() *Segment {
	return r.pool.Acquire()
}

// CommitRx marks the first n bytes of seg as valid and enqueues it for
// the parser. n must be <= seg.Cap().
func (r *RxBuffer) CommitRx(seg *Segment, n int) {
	seg.Len = n
	r.mu.Lock()
	r.queue = append(r.queue, seg)
	r.mu.Unlock()
}

// Available returns the number of unconsumed bytes currently buffered.
func (r *RxBuffer) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availableLocked()
}

func (r *RxBuffer) availableLocked() int {
	if len(r.queue) == 0 {
		return 0
	}
	total := r.queue[0].Len - r.headOff
	for _, s := range r.queue[1:] {
		total += s.Len
	}
	return total
}

// peek returns the next n unconsumed bytes without consuming them. If
// they are all within the head segment the slice aliases it directly
// (no copy); if they span segment boundaries a fresh copy is made to
// present the parser with a contiguous view, joining with any prior
// partial payload. ok is false if fewer than n bytes are currently
// buffered.
func (r *RxBuffer) peek(n int) (buf []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		return nil, n == 0
	}
	first := r.queue[0]
	firstAvail := first.Len - r.headOff
	if firstAvail >= n {
		return first.Buf[r.headOff : r.headOff+n], true
	}
	if r.availableLocked() < n {
		return nil, false
	}

	out := make([]byte, n)
	copied := copy(out, first.Buf[r.headOff:first.Len])
	for i := 1; copied < n; i++ {
		s := r.queue[i]
		copied += copy(out[copied:], s.Buf[:s.Len])
	}
	return out, true
}

// consume drops n bytes from the front of the logical stream, releasing
// any segment that becomes fully consumed back to the pool.
func (r *RxBuffer) consume(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := n
	for remaining > 0 && len(r.queue) > 0 {
		first := r.queue[0]
		avail := first.Len - r.headOff
		if avail <= remaining {
			remaining -= avail
			r.pool.Release(first)
			r.queue = r.queue[1:]
			r.headOff = 0
		} else {
			r.headOff += remaining
			remaining = 0
		}
	}
}

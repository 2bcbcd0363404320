package rpcconn

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// streamState is the writer/reader lifecycle:
// Created -> Allowed -> Completing -> Closed, or Created -> Closed(fault).
type streamState int

const (
	streamCreated streamState = iota
	streamAllowed
	streamCompleting
	streamClosed
)

// StreamWriter ships an ordered sequence of T in pages of up to
// pageSize items, backed by a credit window of `window` pages. It is
// the generic, page-batched, credit-windowed primitive underlying the
// UpStreamRequest/BidirStreamRequest Execute loops.
type StreamWriter[T any] struct {
	disp     *MessageDispatcher
	tx       TxPipeline
	codec    Codec
	callID   CallId
	pageSize int
	log      zerolog.Logger

	mu      sync.Mutex
	state   streamState
	pending []T
	seq     uint64
	faultOf error
	closedC chan struct{}

	credit chan struct{}

	// terminal, when set (for the UpStream/BidirStream call shapes where
	// a single Response frame concludes the call after StreamCompletion
	// is sent), is invoked exactly once with that Response or the
	// call's fault instead of the writer unregistering itself right
	// after Complete.
	terminal     func(*Frame, error)
	terminalOnce sync.Once
}

// SetTerminal installs the terminal-frame callback described above. It
// must be called before Allow.
func (w *StreamWriter[T]) SetTerminal(f func(*Frame, error)) { w.terminal = f }

// SetLogger installs the logger used for protocol-violation diagnostics.
// The zero value leaves the no-op logger the constructor installs by
// default.
func (w *StreamWriter[T]) SetLogger(log zerolog.Logger) { w.log = log }

// NewStreamWriter creates a StreamWriter in state Created. Allow (or
// markAllowed) does not send anything; the call shapes invoke it before
// sending the opening request so the call is registered when replies
// arrive, and Write only after that request has been handed to the
// TxPipeline, since pages must never precede the opener on the wire.
func NewStreamWriter[T any](disp *MessageDispatcher, tx TxPipeline, codec Codec, callID CallId, pageSize, window int) *StreamWriter[T] {
	if codec == nil {
		codec = defaultCodec
	}
	if pageSize <= 0 {
		pageSize = DefaultStreamPageSize
	}
	if window <= 0 {
		window = DefaultStreamWindow
	}
	w := &StreamWriter[T]{
		disp:     disp,
		tx:       tx,
		codec:    codec,
		callID:   callID,
		pageSize: pageSize,
		log:      zerolog.Nop(),
		credit:   make(chan struct{}, window),
		closedC:  make(chan struct{}),
	}
	for i := 0; i < window; i++ {
		w.credit <- struct{}{}
	}
	return w
}

// Allow transitions Created -> Allowed and registers the writer with
// the dispatcher so StreamAck frames route back to it. BidirStreamRequest
// instead calls markAllowed and registers a bidirOperation wrapping both
// directions under one CallId.
func (w *StreamWriter[T]) Allow() error {
	if err := w.markAllowed(); err != nil {
		return err
	}
	return w.disp.RegisterCallObject(w.callID, w)
}

func (w *StreamWriter[T]) markAllowed() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != streamCreated {
		return NewFaultf(InvalidChannelState, "Allow called from state %d", w.state)
	}
	w.state = streamAllowed
	return nil
}

// Write enqueues item, flushing a full page to the wire if one has
// accumulated. It blocks only when a page is ready to send and the
// credit window is exhausted.
func (w *StreamWriter[T]) Write(ctx context.Context, item T) error {
	w.mu.Lock()
	if w.state == streamClosed {
		err := w.faultOf
		w.mu.Unlock()
		if err == nil {
			err = NewFault(StreamCompleted, nil)
		}
		return err
	}
	w.pending = append(w.pending, item)
	full := len(w.pending) >= w.pageSize
	w.mu.Unlock()
	if !full {
		return nil
	}
	return w.flush(ctx)
}

// flush sends the current pending page, if any, waiting for a credit
// token first. Sending the page itself is not subject to the stream's
// own mutex: only bookkeeping (draining pending, minting a sequence
// number) is, keeping a strict stream -> dispatcher -> channel lock
// ordering.
func (w *StreamWriter[T]) flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	page := w.pending
	w.pending = nil
	seq := w.seq
	w.seq++
	w.mu.Unlock()

	select {
	case <-w.credit:
	case <-ctx.Done():
		return NewFault(OperationCanceled, ctx.Err())
	case <-w.closedC:
		return w.closeError()
	}

	body, err := w.codec.Marshal(page)
	if err != nil {
		return err
	}
	return w.tx.Send(ctx, &Frame{Kind: KindStreamPage, CallId: w.callID, Sequence: seq, Body: body})
}

// Complete flushes any trailing partial page and sends the terminal
// StreamCompletion frame. After Complete returns, Write always fails
// with StreamCompleted.
func (w *StreamWriter[T]) Complete(ctx context.Context) error {
	w.mu.Lock()
	if w.state == streamClosed {
		w.mu.Unlock()
		return nil
	}
	w.state = streamCompleting
	w.mu.Unlock()

	if err := w.flush(ctx); err != nil {
		return err
	}
	err := w.tx.Send(ctx, &Frame{Kind: KindStreamCompletion, CallId: w.callID})
	w.closeLocked(err)
	if w.terminal == nil {
		w.disp.UnregisterCallObject(w.callID)
	}
	return err
}

func (w *StreamWriter[T]) closeError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.faultOf != nil {
		return w.faultOf
	}
	return NewFault(StreamCompleted, nil)
}

func (w *StreamWriter[T]) closeLocked(faultOf error) {
	w.mu.Lock()
	if w.state == streamClosed {
		w.mu.Unlock()
		return
	}
	w.state = streamClosed
	w.faultOf = faultOf
	close(w.closedC)
	w.mu.Unlock()
}

// OnComplete satisfies Operation. For UpStream/BidirStream, the single
// Response frame that concludes the call after StreamCompletion lands
// here; a bare Response targeting a writer with no terminal callback
// set is a protocol violation.
func (w *StreamWriter[T]) OnComplete(frame *Frame) {
	if w.terminal != nil {
		w.terminalOnce.Do(func() { w.terminal(frame, nil) })
		return
	}
	w.log.Warn().Str("call_id", string(w.callID)).Str("kind", frame.Kind.String()).
		Msg("unexpected frame for stream writer")
	w.OnFault(NewFaultf(UnexpectedMessage, "unexpected %s frame for stream writer", frame.Kind))
}

// OnFault satisfies Operation: the peer or the channel has failed the
// call, so every blocked or future Write/Complete must observe it. It
// does not unregister the writer from the dispatcher; callers own that
// (a plain StreamWriter does so from Complete; a wrapped one, as in
// BidirStreamRequest, does so once both directions have concluded).
func (w *StreamWriter[T]) OnFault(err error) {
	w.closeLocked(err)
	if w.terminal != nil {
		w.terminalOnce.Do(func() { w.terminal(nil, err) })
	}
}

// OnUpdate satisfies Operation: only StreamAck frames are meaningful to
// a writer, restoring one credit token per acknowledged page.
func (w *StreamWriter[T]) OnUpdate(frame *Frame) error {
	if frame.Kind != KindStreamAck {
		w.log.Warn().Str("call_id", string(w.callID)).Str("kind", frame.Kind.String()).
			Msg("protocol violation on stream writer")
		return NewFaultf(ProtocolViolation, "unexpected %s frame for stream writer", frame.Kind)
	}
	select {
	case w.credit <- struct{}{}:
	default:
	}
	return nil
}

// streamPage is one reader-side accumulated page awaiting item-by-item
// drain.
type streamPage[T any] struct {
	seq   uint64
	items []T
	at    int
}

// StreamReader accumulates pages pushed by a StreamWriter and exposes
// them one item at a time, acking each page as it is fully consumed
// (which is what restores the writer's credit).
type StreamReader[T any] struct {
	disp   *MessageDispatcher
	tx     TxPipeline
	codec  Codec
	callID CallId
	log    zerolog.Logger

	mu      sync.Mutex
	pages   []streamPage[T]
	done    bool
	faultOf error
	avail   chan struct{}
}

func newUnregisteredStreamReader[T any](disp *MessageDispatcher, tx TxPipeline, codec Codec, callID CallId) *StreamReader[T] {
	if codec == nil {
		codec = defaultCodec
	}
	return &StreamReader[T]{disp: disp, tx: tx, codec: codec, callID: callID, log: zerolog.Nop(), avail: make(chan struct{})}
}

// SetLogger installs the logger used for protocol-violation diagnostics.
// The zero value leaves the no-op logger the constructor installs by
// default.
func (r *StreamReader[T]) SetLogger(log zerolog.Logger) { r.log = log }

// NewStreamReader creates a StreamReader and registers it with disp so
// incoming StreamPage/StreamCompletion frames route to it directly.
// BidirStreamRequest instead builds an unregistered reader and wraps it
// (with a StreamWriter) in a bidirOperation, the sole Operation
// registered for that call. codec must match the writer's, since pages
// are marshaled with it; nil defaults to defaultCodec.
func NewStreamReader[T any](disp *MessageDispatcher, tx TxPipeline, codec Codec, callID CallId) (*StreamReader[T], error) {
	r := newUnregisteredStreamReader[T](disp, tx, codec, callID)
	if err := disp.RegisterCallObject(callID, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *StreamReader[T]) notifyLocked() {
	close(r.avail)
	r.avail = make(chan struct{})
}

// ReadOne pops the next item, across page boundaries, suspending while
// the queue is drained but the stream has not yet completed. The
// second return value is false with a nil error only once the terminal
// StreamCompletion has been received and every buffered item consumed;
// on a fault or cancellation it is false with the error.
func (r *StreamReader[T]) ReadOne(ctx context.Context) (T, bool, error) {
	for {
		r.mu.Lock()
		for len(r.pages) > 0 && r.pages[0].at >= len(r.pages[0].items) {
			r.pages = r.pages[1:]
		}
		if len(r.pages) > 0 {
			p := &r.pages[0]
			item := p.items[p.at]
			p.at++
			acked := p.at >= len(p.items)
			seq := p.seq
			r.mu.Unlock()
			if acked {
				_ = r.tx.Send(ctx, &Frame{Kind: KindStreamAck, CallId: r.callID, Sequence: seq})
			}
			return item, true, nil
		}
		if r.done {
			r.mu.Unlock()
			var zero T
			return zero, false, nil
		}
		if r.faultOf != nil {
			err := r.faultOf
			r.mu.Unlock()
			var zero T
			return zero, false, err
		}
		ch := r.avail
		r.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			var zero T
			return zero, false, NewFault(OperationCanceled, ctx.Err())
		}
	}
}

func (r *StreamReader[T]) OnComplete(frame *Frame) {
	r.log.Warn().Str("call_id", string(r.callID)).Str("kind", frame.Kind.String()).
		Msg("unexpected frame for stream reader")
	r.OnFault(NewFaultf(UnexpectedMessage, "unexpected %s frame for stream reader", frame.Kind))
}

// OnFault does not unregister the reader from the dispatcher; see
// StreamWriter.OnFault's note on ownership.
func (r *StreamReader[T]) OnFault(err error) {
	r.mu.Lock()
	if r.faultOf == nil && !r.done {
		r.faultOf = err
		r.notifyLocked()
	}
	r.mu.Unlock()
}

func (r *StreamReader[T]) OnUpdate(frame *Frame) error {
	switch frame.Kind {
	case KindStreamPage:
		var items []T
		if err := r.codec.Unmarshal(frame.Body, &items); err != nil {
			return err
		}
		r.mu.Lock()
		r.pages = append(r.pages, streamPage[T]{seq: frame.Sequence, items: items})
		r.notifyLocked()
		r.mu.Unlock()
		return nil
	case KindStreamCompletion:
		r.mu.Lock()
		r.done = true
		r.notifyLocked()
		r.mu.Unlock()
		return nil
	default:
		r.log.Warn().Str("call_id", string(r.callID)).Str("kind", frame.Kind.String()).
			Msg("protocol violation on stream reader")
		return NewFaultf(ProtocolViolation, "unexpected %s frame for stream reader", frame.Kind)
	}
}

// Default page/window sizes for a stream's Config fields.
const (
	DefaultStreamPageSize = 200
	DefaultStreamWindow   = 2
)

// ByteStreamWriter is the byte-stream specialization, a wrapper over
// StreamWriter[byte]: each page is one []byte marshaled through the
// default codec as a single value, so bytes are not serialized one by
// one. It does not write directly into raw transport segments.
type ByteStreamWriter struct {
	inner *StreamWriter[byte]
}

func NewByteStreamWriter(disp *MessageDispatcher, tx TxPipeline, callID CallId, pageSize, window int) *ByteStreamWriter {
	return &ByteStreamWriter{inner: NewStreamWriter[byte](disp, tx, nil, callID, pageSize, window)}
}

func (w *ByteStreamWriter) Allow() error { return w.inner.Allow() }

// Write buffers p byte by byte into the current page; paging, credit
// and the wire encoding of a page are the generic writer's.
func (w *ByteStreamWriter) Write(ctx context.Context, p []byte) error {
	for _, b := range p {
		if err := w.inner.Write(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (w *ByteStreamWriter) Complete(ctx context.Context) error { return w.inner.Complete(ctx) }

// ByteStreamReader is the reader-side byte specialization, additionally
// exposing NextPage as the bulk_enumerator: whole pages handed back as
// a single []byte (Go's equivalent of an ArraySegment), for zero-copy
// bridging to an external byte sink instead of a ReadOne-per-byte loop.
type ByteStreamReader struct {
	inner *StreamReader[byte]
}

func NewByteStreamReader(disp *MessageDispatcher, tx TxPipeline, callID CallId) (*ByteStreamReader, error) {
	inner, err := NewStreamReader[byte](disp, tx, nil, callID)
	if err != nil {
		return nil, err
	}
	return &ByteStreamReader{inner: inner}, nil
}

func (r *ByteStreamReader) ReadOne(ctx context.Context) (byte, bool, error) {
	return r.inner.ReadOne(ctx)
}

// NextPage drains and returns one whole buffered page (bulk_enumerator).
// It returns ok=false only once the stream is both drained and
// complete.
func (r *ByteStreamReader) NextPage(ctx context.Context) (page []byte, ok bool, err error) {
	r.inner.mu.Lock()
	for len(r.inner.pages) > 0 && r.inner.pages[0].at >= len(r.inner.pages[0].items) {
		r.inner.pages = r.inner.pages[1:]
	}
	if len(r.inner.pages) > 0 {
		p := r.inner.pages[0]
		r.inner.pages = r.inner.pages[1:]
		r.inner.mu.Unlock()
		_ = r.inner.tx.Send(ctx, &Frame{Kind: KindStreamAck, CallId: r.inner.callID, Sequence: p.seq})
		return p.items[p.at:], true, nil
	}
	if r.inner.done {
		r.inner.mu.Unlock()
		return nil, false, nil
	}
	if r.inner.faultOf != nil {
		err := r.inner.faultOf
		r.inner.mu.Unlock()
		return nil, false, err
	}
	ch := r.inner.avail
	r.inner.mu.Unlock()
	select {
	case <-ch:
		return r.NextPage(ctx)
	case <-ctx.Done():
		return nil, false, NewFault(OperationCanceled, ctx.Err())
	}
}

// bidirOperation is the single Operation BidirStreamRequest registers
// for its CallId, fanning frames out to a write-direction StreamWriter
// and a read-direction StreamReader. An incoming StreamAck always
// concerns this side's writes; an incoming StreamPage/StreamCompletion
// always concerns this side's reads, since the peer only ever emits a
// completion for the direction it is writing, never for ours.
type bidirOperation[Req any, Resp any] struct {
	writer *StreamWriter[Req]
	reader *StreamReader[Resp]
}

func (b *bidirOperation[Req, Resp]) OnComplete(frame *Frame) { b.writer.OnComplete(frame) }

func (b *bidirOperation[Req, Resp]) OnFault(err error) {
	b.writer.OnFault(err)
	b.reader.OnFault(err)
}

func (b *bidirOperation[Req, Resp]) OnUpdate(frame *Frame) error {
	switch frame.Kind {
	case KindStreamAck:
		return b.writer.OnUpdate(frame)
	case KindStreamPage, KindStreamCompletion:
		return b.reader.OnUpdate(frame)
	default:
		b.writer.log.Warn().Str("call_id", string(b.writer.callID)).Str("kind", frame.Kind.String()).
			Msg("protocol violation on bidir stream")
		return NewFaultf(ProtocolViolation, "unexpected %s frame for bidir stream", frame.Kind)
	}
}

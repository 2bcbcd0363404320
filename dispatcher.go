package rpcconn

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// DispatchMode selects how MessageDispatcher schedules newly-arrived
// inbound calls (requests/one-ways/stream opens this side did not
// initiate) relative to the receive loop that feeds it frames.
type DispatchMode int

const (
	// DispatchNoQueue runs the inbound handler synchronously on the
	// RxPipeline's receive goroutine. Simplest, but a slow handler stalls
	// all further receiving on the channel.
	DispatchNoQueue DispatchMode = iota
	// DispatchPagedQueueX1 hands inbound frames to a single dedicated
	// worker goroutine over a bounded queue, so the receive loop keeps
	// draining the transport while a handler runs.
	DispatchPagedQueueX1
)

// Operation is anything registered against a CallId that wants to
// observe the frames correlated to it: a blocked unary call, or a
// StreamWriter/StreamReader driving a paged stream. MessageDispatcher
// never interprets frame bodies itself past routing by Kind; decoding
// into a caller's type happens above this layer.
type Operation interface {
	// OnComplete is called once for a terminal success frame (a Response
	// or a login/logout acknowledgment).
	OnComplete(frame *Frame)
	// OnFault is called once, instead of OnComplete, if the peer returned
	// a FaultResponse or the channel failed before completion.
	OnFault(err error)
	// OnUpdate is called for every non-terminal frame belonging to an
	// in-progress paged stream (StreamPage/StreamAck/StreamCompletion).
	// An error return tears the call down as a protocol violation.
	OnUpdate(frame *Frame) error
}

// pendingCall is the Operation for a plain blocking unary call.
type pendingCall struct {
	done chan struct{}
	once sync.Once
	resp *Frame
	err  error
}

func newPendingCall() *pendingCall { return &pendingCall{done: make(chan struct{})} }

func (p *pendingCall) OnComplete(frame *Frame) {
	p.once.Do(func() { p.resp = frame; close(p.done) })
}

func (p *pendingCall) OnFault(err error) {
	p.once.Do(func() { p.err = err; close(p.done) })
}

func (p *pendingCall) OnUpdate(frame *Frame) error {
	p.once.Do(func() { p.resp = frame; close(p.done) })
	return nil
}

// InboundHandler processes a frame this side did not originate a call
// for (a request, one-way, login/logout, or the first page of a peer-
// initiated stream) and returns the response frame to send back, if
// any (nil for one-ways and further stream pages).
type InboundHandler func(ctx context.Context, frame *Frame) (*Frame, error)

// MessageDispatcher correlates outbound calls with their replies by
// CallId and routes everything else to an InboundHandler. It sits
// directly on top of TxPipeline (to send) and is driven by RxPipeline
// (via OnFrame, its frame-arrival callback).
type MessageDispatcher struct {
	tx    TxPipeline
	codec Codec
	mode  DispatchMode
	log   zerolog.Logger

	mu      sync.Mutex
	calls   map[CallId]Operation
	closed  bool
	faultOf error

	handler InboundHandler

	inbox    chan *Frame
	inboxEg  chan struct{}
	stopOnce sync.Once
}

// NewMessageDispatcher creates a dispatcher sending through tx and
// decoding wire-level fault bodies with codec. In DispatchPagedQueueX1
// mode the inbox worker goroutine is started here; neither mode needs a
// separate start step.
func NewMessageDispatcher(tx TxPipeline, codec Codec, mode DispatchMode) *MessageDispatcher {
	if codec == nil {
		codec = defaultCodec
	}
	d := &MessageDispatcher{
		tx:    tx,
		codec: codec,
		mode:  mode,
		log:   zerolog.Nop(),
		calls: make(map[CallId]Operation),
	}
	if mode == DispatchPagedQueueX1 {
		d.inbox = make(chan *Frame, 64)
		d.inboxEg = make(chan struct{})
		go d.inboxWorker()
	}
	return d
}

// SetHandler installs the handler used for inbound (peer-initiated)
// frames. It must be set before traffic arrives; it is not safe to
// change concurrently with OnFrame.
func (d *MessageDispatcher) SetHandler(h InboundHandler) { d.handler = h }

// SetLogger installs the logger used for protocol-violation and
// handler-crash diagnostics. The zero value leaves the no-op logger
// NewMessageDispatcher installs by default.
func (d *MessageDispatcher) SetLogger(log zerolog.Logger) { d.log = log }

// RegisterCallObject associates op with callID so future frames
// carrying that CallId are routed to it instead of the inbound
// handler. Callers must UnregisterCallObject once the call concludes.
func (d *MessageDispatcher) RegisterCallObject(callID CallId, op Operation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return NewFault(ChannelClosed, d.faultOf)
	}
	d.calls[callID] = op
	return nil
}

// UnregisterCallObject removes the Operation for callID, if present.
func (d *MessageDispatcher) UnregisterCallObject(callID CallId) {
	d.mu.Lock()
	delete(d.calls, callID)
	d.mu.Unlock()
}

func (d *MessageDispatcher) lookup(callID CallId) (Operation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op, ok := d.calls[callID]
	return op, ok
}

// Call sends a unary frame of the given kind/body and blocks for its
// response. TryCall below is its non-blocking counterpart.
func (d *MessageDispatcher) Call(ctx context.Context, kind Kind, body []byte) (*Frame, error) {
	callID := newCallID()
	pc := newPendingCall()
	if err := d.RegisterCallObject(callID, pc); err != nil {
		return nil, err
	}
	defer d.UnregisterCallObject(callID)

	if err := d.tx.Send(ctx, &Frame{Kind: kind, CallId: callID, Body: body}); err != nil {
		return nil, err
	}

	select {
	case <-pc.done:
		return pc.resp, pc.err
	case <-ctx.Done():
		return nil, NewFault(OperationCanceled, ctx.Err())
	}
}

// TryCall sends a unary frame and returns immediately without waiting
// for the reply; onComplete is invoked exactly once, from whichever
// goroutine delivers the terminal frame (or from Stop, on teardown).
func (d *MessageDispatcher) TryCall(ctx context.Context, kind Kind, body []byte, onComplete func(*Frame, error)) (CallId, error) {
	callID := newCallID()
	op := &callbackOperation{onComplete: onComplete}
	if err := d.RegisterCallObject(callID, op); err != nil {
		return "", err
	}
	if err := d.tx.Send(ctx, &Frame{Kind: kind, CallId: callID, Body: body}); err != nil {
		d.UnregisterCallObject(callID)
		return "", err
	}
	return callID, nil
}

type callbackOperation struct {
	once       sync.Once
	onComplete func(*Frame, error)
}

func (c *callbackOperation) OnComplete(frame *Frame) {
	c.once.Do(func() { c.onComplete(frame, nil) })
}
func (c *callbackOperation) OnFault(err error) {
	c.once.Do(func() { c.onComplete(nil, err) })
}
func (c *callbackOperation) OnUpdate(frame *Frame) error {
	c.once.Do(func() { c.onComplete(frame, nil) })
	return nil
}

// OnFrame is RxPipeline's frame-arrival callback: it routes frame
// either to a registered Operation (this side originated the call) or
// to the inbound handler (the peer originated it).
func (d *MessageDispatcher) OnFrame(frame *Frame) error {
	if op, ok := d.lookup(frame.CallId); ok {
		switch frame.Kind {
		case KindFaultResponse:
			op.OnFault(decodeFaultBody(d.codec, frame.Body))
		case KindStreamPage, KindStreamAck, KindStreamCompletion:
			if err := op.OnUpdate(frame); err != nil {
				d.log.Warn().Err(err).Str("call_id", string(frame.CallId)).Str("kind", frame.Kind.String()).
					Msg("stream update rejected, faulting call")
				op.OnFault(err)
			}
		default:
			op.OnComplete(frame)
		}
		return nil
	}
	if frame.Kind.isReply() {
		d.log.Warn().Str("call_id", string(frame.CallId)).Str("kind", frame.Kind.String()).
			Msg("reply frame for unknown call, discarding")
		return nil
	}
	return d.dispatchInbound(frame)
}

func (d *MessageDispatcher) dispatchInbound(frame *Frame) error {
	switch d.mode {
	case DispatchPagedQueueX1:
		select {
		case d.inbox <- frame:
			return nil
		case <-d.inboxEg:
			return NewFault(ChannelClosed, d.faultOf)
		}
	default:
		return d.handleInbound(frame)
	}
}

func (d *MessageDispatcher) inboxWorker() {
	for {
		select {
		case frame := <-d.inbox:
			d.handleInbound(frame)
		case <-d.inboxEg:
			return
		}
	}
}

func (d *MessageDispatcher) handleInbound(frame *Frame) error {
	if d.handler == nil {
		if frame.Kind == KindRequest {
			d.replyFault(frame.CallId, NewFaultf(UnexpectedMessage, "no handler registered"))
		}
		return nil
	}
	resp, err := d.callHandler(frame)
	if err != nil {
		if frame.Kind == KindRequest {
			d.replyFault(frame.CallId, err)
		} else {
			d.log.Warn().Err(err).Str("call_id", string(frame.CallId)).Str("kind", frame.Kind.String()).
				Msg("one-way handler returned error")
		}
		return nil
	}
	if resp != nil {
		_ = d.tx.Send(context.Background(), resp)
	}
	return nil
}

// callHandler invokes the inbound handler with a panic guard. A crash on
// a request frame becomes a RequestCrash error, which handleInbound then
// sends back to the caller as a FaultResponse; a crash on any other kind
// (one-way, login/logout) is logged as MessageHandlerCrash and discarded,
// since there is no caller blocked waiting on it. Without this guard a
// panicking handler would unwind straight out of OnFrame, which in
// DispatchNoQueue mode runs on the RxPipeline's receive goroutine and
// would take the whole channel down with it.
func (d *MessageDispatcher) callHandler(frame *Frame) (resp *Frame, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if frame.Kind == KindRequest {
			d.log.Error().Interface("panic", r).Str("call_id", string(frame.CallId)).Msg("request handler crashed")
			err = NewFaultf(RequestCrash, "handler panic: %v", r)
			return
		}
		d.log.Error().Interface("panic", r).Str("call_id", string(frame.CallId)).Str("kind", frame.Kind.String()).
			Msg("message handler crashed")
		err = NewFault(MessageHandlerCrash, nil)
	}()
	return d.handler(context.Background(), frame)
}

func (d *MessageDispatcher) replyFault(callID CallId, err error) {
	body, encErr := encodeFaultBody(d.codec, err)
	if encErr != nil {
		return
	}
	_ = d.tx.Send(context.Background(), &Frame{Kind: KindFaultResponse, CallId: callID, Body: body})
}

// Stop tears the dispatcher down: every registered Operation is faulted
// with cause, and further inbound frames are rejected. It is idempotent.
func (d *MessageDispatcher) Stop(cause error) {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.faultOf = cause
		calls := d.calls
		d.calls = make(map[CallId]Operation)
		d.mu.Unlock()

		for _, op := range calls {
			op.OnFault(cause)
		}
		if d.inboxEg != nil {
			close(d.inboxEg)
		}
	})
}

// faultWire is the codec-visible shape of a FaultResponse body.
type faultWire struct {
	Code    int32  `msgpack:"code"`
	Message string `msgpack:"message"`
}

func decodeFaultBody(codec Codec, body []byte) error {
	var fw faultWire
	if err := codec.Unmarshal(body, &fw); err != nil {
		return NewFault(DeserializationError, err)
	}
	return &Fault{Code: RetCode(fw.Code), Message: fw.Message}
}

func encodeFaultBody(codec Codec, err error) ([]byte, error) {
	fw := faultWire{Code: int32(CodeOf(err)), Message: err.Error()}
	return codec.Marshal(fw)
}

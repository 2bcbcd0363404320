package rpcconn

import (
	"context"

	"github.com/rs/zerolog"
)

// recoverHandlerPanic converts a recovered panic value into the
// RequestCrash-coded error a caller sees in place of a response, the
// same conversion MessageDispatcher.callHandler applies on the synchronous
// inbound path. It exists separately here because UpStream runs fn from a
// detached goroutine that synchronous path's recover never sees.
func recoverHandlerPanic(r any) error {
	return NewFaultf(RequestCrash, "handler panic: %v", r)
}

// Unary wraps fn as an InboundHandler for a unary method: decode the
// request, run fn, encode the response as the frame handleInbound sends
// back.
func Unary[Req any, Resp any](fn func(context.Context, *Req) (*Resp, error)) InboundHandler {
	return func(ctx context.Context, frame *Frame) (out *Frame, outErr error) {
		codec := defaultCodec
		req := new(Req)
		if err := codec.Unmarshal(frame.Body, req); err != nil {
			return nil, NewFault(DeserializationError, err)
		}

		defer func() {
			if r := recover(); r != nil {
				outErr = recoverHandlerPanic(r)
			}
		}()

		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		body, err := codec.Marshal(resp)
		if err != nil {
			return nil, NewFault(SerializationError, err)
		}
		return &Frame{Kind: KindResponse, CallId: frame.CallId, Body: body}, nil
	}
}

// UpStream wraps fn as an InboundHandler for an up-stream method: the
// opening Request frame carries no body; the client's page/completion
// frames arrive afterward addressed at the same CallId, so this handler
// must register a StreamReader for that CallId before returning, then
// pump it into a channel for fn and send fn's single Response frame
// directly once fn and the client's stream both conclude.
func UpStream[Req any, Resp any](ch *Channel, fn func(context.Context, <-chan *Req) (*Resp, error)) InboundHandler {
	return func(ctx context.Context, frame *Frame) (*Frame, error) {
		disp := ch.Dispatcher()
		tx := ch.TxPipeline()
		codec := defaultCodec
		log := ch.Log().With().Str("component", "up-stream").Logger()

		reader, err := NewStreamReader[Req](disp, tx, codec, frame.CallId)
		if err != nil {
			return nil, err
		}
		reader.SetLogger(log)

		reqC := make(chan *Req)
		go func() {
			defer close(reqC)
			for {
				item, ok, err := reader.ReadOne(ctx)
				if err != nil || !ok {
					return
				}
				select {
				case reqC <- &item:
				case <-ctx.Done():
					return
				}
			}
		}()

		go func() {
			resp, err := callUpstreamHandler(ctx, fn, reqC, log, frame.CallId)
			disp.UnregisterCallObject(frame.CallId)
			if err != nil {
				body, encErr := encodeFaultBody(codec, err)
				if encErr == nil {
					_ = tx.Send(ctx, &Frame{Kind: KindFaultResponse, CallId: frame.CallId, Body: body})
				}
				return
			}
			body, err := codec.Marshal(resp)
			if err != nil {
				return
			}
			_ = tx.Send(ctx, &Frame{Kind: KindResponse, CallId: frame.CallId, Body: body})
		}()

		return nil, nil
	}
}

// callUpstreamHandler invokes fn with a panic guard. UpStream calls fn
// from a detached goroutine that MessageDispatcher.callHandler's own
// recover never runs on, since the InboundHandler itself has already
// returned by the time fn's goroutine finishes; without this guard a
// panic here would kill that goroutine silently, leaving the call
// hanging on both sides.
func callUpstreamHandler[Req any, Resp any](ctx context.Context, fn func(context.Context, <-chan *Req) (*Resp, error), reqC <-chan *Req, log zerolog.Logger, callID CallId) (resp *Resp, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("call_id", string(callID)).Msg("up-stream handler crashed")
			err = recoverHandlerPanic(r)
		}
	}()
	return fn(ctx, reqC)
}

// DownStream wraps fn as an InboundHandler for a down-stream method: fn
// runs to completion synchronously (it may only fail on start), then its
// response channel is drained into a StreamWriter registered for the
// request's CallId, so pages reach the client's StreamReader on the same
// call.
func DownStream[Req any, Resp any](ch *Channel, fn func(context.Context, *Req) (<-chan *Resp, error)) InboundHandler {
	return func(ctx context.Context, frame *Frame) (out *Frame, outErr error) {
		codec := defaultCodec
		req := new(Req)
		if err := codec.Unmarshal(frame.Body, req); err != nil {
			return nil, NewFault(DeserializationError, err)
		}

		defer func() {
			if r := recover(); r != nil {
				outErr = recoverHandlerPanic(r)
			}
		}()

		respC, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}

		disp := ch.Dispatcher()
		tx := ch.TxPipeline()
		cfg := ch.Config()
		writer := NewStreamWriter[Resp](disp, tx, codec, frame.CallId, cfg.StreamPageSize, cfg.StreamWindow)
		writer.SetLogger(ch.Log().With().Str("component", "down-stream").Logger())
		if err := writer.Allow(); err != nil {
			return nil, err
		}

		go func() {
			for resp := range respC {
				if err := writer.Write(ctx, *resp); err != nil {
					return
				}
			}
			_ = writer.Complete(ctx)
		}()

		return nil, nil
	}
}

// BidirStream wraps fn as an InboundHandler for a bidirectional method:
// a StreamWriter (this side's responses) and a StreamReader (the
// client's requests) share the request's CallId behind one
// bidirOperation, the server-side mirror of BidirStreamRequest's client
// wiring.
func BidirStream[Req any, Resp any](ch *Channel, fn func(context.Context, <-chan *Req) (<-chan *Resp, error)) InboundHandler {
	return func(ctx context.Context, frame *Frame) (out *Frame, outErr error) {
		disp := ch.Dispatcher()
		tx := ch.TxPipeline()
		codec := defaultCodec
		cfg := ch.Config()
		callID := frame.CallId
		log := ch.Log().With().Str("component", "bidir-stream").Logger()

		writer := NewStreamWriter[Resp](disp, tx, codec, callID, cfg.StreamPageSize, cfg.StreamWindow)
		writer.SetLogger(log)
		writer.SetTerminal(func(*Frame, error) {})
		reader := newUnregisteredStreamReader[Req](disp, tx, codec, callID)
		reader.SetLogger(log)
		op := &bidirOperation[Resp, Req]{writer: writer, reader: reader}

		if err := writer.markAllowed(); err != nil {
			return nil, err
		}
		if err := disp.RegisterCallObject(callID, op); err != nil {
			return nil, err
		}

		reqC := make(chan *Req)
		go func() {
			defer close(reqC)
			for {
				item, ok, err := reader.ReadOne(ctx)
				if err != nil || !ok {
					return
				}
				select {
				case reqC <- &item:
				case <-ctx.Done():
					return
				}
			}
		}()

		// fn is invoked synchronously here (unlike UpStream, which calls
		// its fn from a goroutine spawned after this closure returns), so
		// the recover MessageDispatcher.callHandler applies around the
		// whole inbound handler already covers a panic from fn in
		// DispatchNoQueue mode; this one additionally unregisters the
		// call object, which that outer recover has no way to reach.
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("call_id", string(callID)).Msg("bidir-stream handler crashed")
				disp.UnregisterCallObject(callID)
				outErr = recoverHandlerPanic(r)
			}
		}()

		respC, err := fn(ctx, reqC)
		if err != nil {
			disp.UnregisterCallObject(callID)
			return nil, err
		}

		go func() {
			defer disp.UnregisterCallObject(callID)
			for resp := range respC {
				if err := writer.Write(ctx, *resp); err != nil {
					return
				}
			}
			_ = writer.Complete(ctx)
		}()

		return nil, nil
	}
}

package rpcconn

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// getMethodAndVersion splits the variadic call args: the first is the
// method name (required), the second is an optional semver version
// string defaulting to "0.0.0".
func getMethodAndVersion(args []string) (string, string) {
	if len(args) == 0 {
		panic("method is required")
	}
	version := defaultServiceVersion
	if len(args) > 1 {
		version = args[1]
	}
	return args[0], version
}

// baseRequest holds what every call shape needs to address a service
// method: the channel to call through and the (service, version,
// method) triple that becomes the request envelope.
type baseRequest struct {
	ch      *Channel
	service string
	version string
	method  string
}

func newBaseRequest(ch *Channel, service string, args ...string) *baseRequest {
	method, version := getMethodAndVersion(args)
	return &baseRequest{ch: ch, service: service, version: version, method: method}
}

func (b *baseRequest) envelope(codec Codec, body []byte) ([]byte, error) {
	return codec.Marshal(requestEnvelope{Service: b.service, Version: b.version, Method: b.method, Body: body})
}

// UnaryRequest calls a unary RPC: one request, one response or fault.
type UnaryRequest[Req any, Resp any] interface {
	Execute(ctx context.Context, req *Req) (*Resp, error)
}

// NewUnaryReq initializes a UnaryRequest against service, addressing
// method args[0] at optional version args[1] (default "0.0.0").
func NewUnaryReq[Req any, Resp any](ch *Channel, service string, args ...string) UnaryRequest[Req, Resp] {
	return &unaryReq[Req, Resp]{newBaseRequest(ch, service, args...)}
}

type unaryReq[Req any, Resp any] struct {
	*baseRequest
}

func (u *unaryReq[Req, Resp]) Execute(ctx context.Context, req *Req) (*Resp, error) {
	codec := defaultCodec
	reqBuf, err := codec.Marshal(req)
	if err != nil {
		return nil, err
	}
	env, err := u.envelope(codec, reqBuf)
	if err != nil {
		return nil, err
	}
	frame, err := u.ch.Dispatcher().Call(ctx, KindRequest, env)
	if err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := codec.Unmarshal(frame.Body, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// UpStreamRequest calls an up-stream RPC: the client streams a sequence
// of requests, the server returns a single response once the stream
// completes.
type UpStreamRequest[Req any, Resp any] interface {
	// Execute blocks until the server's response arrives; the caller is
	// expected to pump reqC (and close it) asynchronously.
	Execute(ctx context.Context, reqC <-chan *Req) (*Resp, error)
}

func NewUpStreamReq[Req any, Resp any](ch *Channel, service string, args ...string) UpStreamRequest[Req, Resp] {
	return &upStreamReq[Req, Resp]{newBaseRequest(ch, service, args...)}
}

type upStreamReq[Req any, Resp any] struct {
	*baseRequest
}

type callResult struct {
	frame *Frame
	err   error
}

func (u *upStreamReq[Req, Resp]) Execute(ctx context.Context, reqC <-chan *Req) (*Resp, error) {
	codec := defaultCodec
	disp := u.ch.Dispatcher()
	tx := u.ch.TxPipeline()
	cfg := u.ch.Config()

	callID := newCallID()
	writer := NewStreamWriter[Req](disp, tx, codec, callID, cfg.StreamPageSize, cfg.StreamWindow)
	writer.SetLogger(u.ch.Log().With().Str("component", "up-stream").Logger())
	resultC := make(chan callResult, 1)
	writer.SetTerminal(func(frame *Frame, err error) { resultC <- callResult{frame, err} })

	if err := writer.Allow(); err != nil {
		return nil, err
	}
	env, err := u.envelope(codec, nil)
	if err != nil {
		disp.UnregisterCallObject(callID)
		return nil, err
	}
	if err := tx.Send(ctx, &Frame{Kind: KindRequest, CallId: callID, Body: env}); err != nil {
		disp.UnregisterCallObject(callID)
		return nil, err
	}

	for req := range reqC {
		if err := writer.Write(ctx, *req); err != nil {
			disp.UnregisterCallObject(callID)
			return nil, err
		}
	}
	if err := writer.Complete(ctx); err != nil {
		disp.UnregisterCallObject(callID)
		return nil, err
	}

	select {
	case res := <-resultC:
		disp.UnregisterCallObject(callID)
		if res.err != nil {
			return nil, res.err
		}
		resp := new(Resp)
		if err := codec.Unmarshal(res.frame.Body, resp); err != nil {
			return nil, err
		}
		return resp, nil
	case <-ctx.Done():
		disp.UnregisterCallObject(callID)
		return nil, NewFault(OperationCanceled, ctx.Err())
	}
}

// DownStreamRequest calls a down-stream RPC: a single request, a
// stream of responses.
type DownStreamRequest[Req any, Resp any] interface {
	// Execute returns a channel of responses, closed by the reader once
	// the server sends StreamCompletion or the channel faults.
	Execute(ctx context.Context, req *Req) (<-chan *Resp, error)
}

func NewDownStreamReq[Req any, Resp any](ch *Channel, service string, args ...string) DownStreamRequest[Req, Resp] {
	return &downStreamReq[Req, Resp]{newBaseRequest(ch, service, args...)}
}

type downStreamReq[Req any, Resp any] struct {
	*baseRequest
}

func (d *downStreamReq[Req, Resp]) Execute(ctx context.Context, req *Req) (<-chan *Resp, error) {
	codec := defaultCodec
	disp := d.ch.Dispatcher()
	tx := d.ch.TxPipeline()

	callID := newCallID()
	reader, err := NewStreamReader[Resp](disp, tx, codec, callID)
	if err != nil {
		return nil, err
	}
	reader.SetLogger(d.ch.Log().With().Str("component", "down-stream").Logger())

	reqBuf, err := codec.Marshal(req)
	if err != nil {
		disp.UnregisterCallObject(callID)
		return nil, err
	}
	env, err := d.envelope(codec, reqBuf)
	if err != nil {
		disp.UnregisterCallObject(callID)
		return nil, err
	}
	if err := tx.Send(ctx, &Frame{Kind: KindRequest, CallId: callID, Body: env}); err != nil {
		disp.UnregisterCallObject(callID)
		return nil, err
	}

	respC := make(chan *Resp)
	go func() {
		defer close(respC)
		defer disp.UnregisterCallObject(callID)
		for {
			item, ok, err := reader.ReadOne(ctx)
			if err != nil || !ok {
				return
			}
			select {
			case respC <- &item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return respC, nil
}

// BidirStreamRequest calls a bidirectional RPC: independent request and
// response streams over the same call.
type BidirStreamRequest[Req any, Resp any] interface {
	// Execute returns the response channel once request pumping can
	// begin concurrently; the caller should pump/close reqC in its own
	// goroutine.
	Execute(ctx context.Context, reqC <-chan *Req) (<-chan *Resp, error)
}

func NewBidirStreamReq[Req any, Resp any](ch *Channel, service string, args ...string) BidirStreamRequest[Req, Resp] {
	return &bidirStreamReq[Req, Resp]{newBaseRequest(ch, service, args...)}
}

type bidirStreamReq[Req any, Resp any] struct {
	*baseRequest
}

func (b *bidirStreamReq[Req, Resp]) Execute(ctx context.Context, reqC <-chan *Req) (<-chan *Resp, error) {
	codec := defaultCodec
	disp := b.ch.Dispatcher()
	tx := b.ch.TxPipeline()
	cfg := b.ch.Config()

	callID := newCallID()
	writer := NewStreamWriter[Req](disp, tx, codec, callID, cfg.StreamPageSize, cfg.StreamWindow)
	writer.SetLogger(b.ch.Log().With().Str("component", "bidir-stream").Logger())
	// A bidir write side finishing must not unregister the shared
	// bidirOperation while the read side is still live; installing a
	// no-op terminal suppresses Complete's ordinary self-unregister (see
	// StreamWriter.Complete), leaving unregistration to the read
	// goroutine below once both directions have concluded.
	writer.SetTerminal(func(*Frame, error) {})
	reader := newUnregisteredStreamReader[Resp](disp, tx, codec, callID)
	reader.SetLogger(b.ch.Log().With().Str("component", "bidir-stream").Logger())
	op := &bidirOperation[Req, Resp]{writer: writer, reader: reader}

	if err := writer.markAllowed(); err != nil {
		return nil, err
	}
	if err := disp.RegisterCallObject(callID, op); err != nil {
		return nil, err
	}

	env, err := b.envelope(codec, nil)
	if err != nil {
		disp.UnregisterCallObject(callID)
		return nil, err
	}
	if err := tx.Send(ctx, &Frame{Kind: KindRequest, CallId: callID, Body: env}); err != nil {
		disp.UnregisterCallObject(callID)
		return nil, err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for req := range reqC {
			if err := writer.Write(egCtx, *req); err != nil {
				return err
			}
		}
		return writer.Complete(egCtx)
	})

	respC := make(chan *Resp)
	go func() {
		defer close(respC)
	readLoop:
		for {
			item, ok, err := reader.ReadOne(egCtx)
			if err != nil || !ok {
				break
			}
			select {
			case respC <- &item:
			case <-egCtx.Done():
				break readLoop
			}
		}
		_ = eg.Wait()
		disp.UnregisterCallObject(callID)
	}()

	return respC, nil
}

// Package rpcconn is the connection core for a typed request/response
// and streaming RPC framework carried over a framed byte transport
// (TCP, with optional TLS). It provides the pieces underneath a
// generated client/server pair: segment-pooled buffers, a framing
// codec, Tx/Rx pipelines, a CallId-correlating message dispatcher,
// paged streaming with credit-based backpressure, a login/logout
// session handshake, and the channel state machine tying all of it
// together.
//
// There are four call shapes, mirroring the four ways a method's
// request and response can be single values or streams:
//
//  1. Unary: one request, one response.
//  2. UpStream: a stream of requests, one response.
//  3. DownStream: one request, a stream of responses.
//  4. BidirStream: independent request and response streams.
//
// Each shape has a client-side constructor in call.go (NewUnaryReq,
// NewUpStreamReq, NewDownStreamReq, NewBidirStreamReq) and a
// server-side wrapper in handler.go (Unary, UpStream, DownStream,
// BidirStream) that produces an InboundHandler registrable with a
// ServiceMux. Request and response types are plain Go structs
// marshaled with msgpack; only exported fields cross the wire.
//
// A method is addressed by (service, version, method); ServiceMux
// matches a request's requested version against every registered
// version for that service with the same major and an equal-or-higher
// minor, so multiple versions of a handler can serve older clients
// concurrently.
//
// Typical server workflow:
//  1. Load a Config (DefaultConfig or LoadConfig).
//  2. Create a Channel with NewChannel.
//  3. Build a ServiceMux and Register handlers built with Unary/
//     UpStream/DownStream/BidirStream.
//  4. Accept a Transport and call Channel.TryConnect with
//     ChannelServer and the mux's Dispatch method as the inbound
//     handler.
//
// Typical client workflow:
//  1. Dial a Transport.
//  2. Create a Channel and call TryConnect with ChannelClient; this
//     drives the login handshake before returning.
//  3. Build a request with NewUnaryReq/NewUpStreamReq/
//     NewDownStreamReq/NewBidirStreamReq and call Execute.
package rpcconn

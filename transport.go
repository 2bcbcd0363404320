package rpcconn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"syscall"
)

// Transport is the contract the connection core drives: a framed byte
// conduit, context-aware on both directions. This is the client-dial-
// and-wrap contract; without it the core has nothing to push segments
// through end to end.
type Transport interface {
	Send(ctx context.Context, seg *Segment) error
	Receive(ctx context.Context, seg *Segment) (int, error)
	Shutdown() error
	Dispose() error
}

// connTransport adapts any net.Conn (plain TCP or TLS) to Transport.
// Reads and writes are pushed onto a background goroutine so they
// observe ctx cancellation, since net.Conn itself has no context-aware
// Read/Write.
type connTransport struct {
	conn net.Conn
}

// NewTransport wraps an already-established connection (plain or TLS)
// as a Transport. The TCP acceptor hands new connections in exactly
// this shape.
func NewTransport(conn net.Conn) Transport {
	return &connTransport{conn: conn}
}

// Dial opens a client-side Transport. If tlsConfig is non-nil, the
// standard library's TLS client handshake is performed before the
// Transport is returned.
func Dial(ctx context.Context, network, addr string, tlsConfig *tls.Config) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, translateDialErr(err)
	}

	if tlsConfig == nil {
		return &connTransport{conn: conn}, nil
	}

	tconn := tls.Client(conn, tlsConfig)
	if err := tconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, NewFault(SecurityError, err)
	}
	return &connTransport{conn: tconn}, nil
}

func (t *connTransport) Send(ctx context.Context, seg *Segment) error {
	errC := make(chan error, 1)
	go func() {
		_, err := t.conn.Write(seg.Buf[:seg.Len])
		errC <- err
	}()
	select {
	case <-ctx.Done():
		return NewFault(OperationCanceled, ctx.Err())
	case err := <-errC:
		if err == nil {
			return nil
		}
		return NewFault(ConnectionAbortedByPeer, err)
	}
}

func (t *connTransport) Receive(ctx context.Context, seg *Segment) (int, error) {
	type result struct {
		n   int
		err error
	}
	resC := make(chan result, 1)
	go func() {
		n, err := t.conn.Read(seg.Buf)
		resC <- result{n, err}
	}()
	select {
	case <-ctx.Done():
		return 0, NewFault(OperationCanceled, ctx.Err())
	case res := <-resC:
		if res.err == nil {
			return res.n, nil
		}
		if errors.Is(res.err, io.EOF) {
			return res.n, NewFault(ChannelClosedByOtherSide, res.err)
		}
		return res.n, NewFault(ConnectionAbortedByPeer, res.err)
	}
}

func (t *connTransport) Shutdown() error {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := t.conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (t *connTransport) Dispose() error {
	return t.conn.Close()
}

// translateDialErr maps net/syscall dial failures onto the RetCode
// taxonomy's connection-establishment codes.
func translateDialErr(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return NewFault(HostNotFound, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFault(ConnectionTimeout, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return NewFault(ConnectionRefused, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Timeout() {
		return NewFault(ConnectionTimeout, err)
	}
	return NewFault(HostUnreachable, err)
}

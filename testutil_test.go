package rpcconn

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

// newPipeTransports returns two in-memory Transports wired together via
// net.Pipe, for tests that need two real Channels talking to each other
// without a TCP listener.
func newPipeTransports(t *testing.T) (client Transport, server Transport) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	return NewTransport(clientConn), NewTransport(serverConn)
}

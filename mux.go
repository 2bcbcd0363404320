package rpcconn

import (
	"context"
	"strings"
	"sync"

	"github.com/coreos/go-semver/semver"
)

const defaultServiceVersion = "0.0.0"

// requestEnvelope carries the (service, version, method) triple a
// generated contract descriptor would otherwise encode into a
// dedicated wire field. Since this core's only pre-decode preamble is
// (Kind, CallId, sequence), the routing key travels inside the
// Codec-opaque body instead.
type requestEnvelope struct {
	Service string `msgpack:"service"`
	Version string `msgpack:"version"`
	Method  string `msgpack:"method"`
	Body    []byte `msgpack:"body"`
}

// serviceVersion is one registered (service, version) handler table.
type serviceVersion struct {
	version  *semver.Version
	handlers map[string]InboundHandler
}

// ServiceMux routes an inbound Request/OneWay frame's (service,
// version, method) envelope to a registered InboundHandler, with
// semver floor matching: a handler registered at version X serves any
// request for the same major version at minor <= X, so a server can
// run multiple versions of a handler concurrently and still serve
// older clients.
type ServiceMux struct {
	codec Codec

	mu       sync.RWMutex
	services map[string][]*serviceVersion
}

// NewServiceMux creates an empty ServiceMux. codec decodes the request
// envelope; nil selects the package default (MsgpackCodec).
func NewServiceMux(codec Codec) *ServiceMux {
	if codec == nil {
		codec = defaultCodec
	}
	return &ServiceMux{codec: codec, services: make(map[string][]*serviceVersion)}
}

// Register adds handler for method under service at version (a valid
// semver string; "" defaults to "0.0.0"). Re-registering the same
// method on the same (service, version) overwrites the previous
// handler.
func (m *ServiceMux) Register(service, version, method string, handler InboundHandler) error {
	if version == "" {
		version = defaultServiceVersion
	}
	sver, err := semver.NewVersion(version)
	if err != nil {
		return NewFault(OtherError, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sv := range m.services[service] {
		if sv.version.Equal(*sver) {
			sv.handlers[method] = handler
			return nil
		}
	}
	m.services[service] = append(m.services[service], &serviceVersion{
		version:  sver,
		handlers: map[string]InboundHandler{method: handler},
	})
	return nil
}

// match reports whether a registered version serves a request asking
// for requested: same major, registered minor at least the requested
// minor (the registered handler is the newer-or-equal floor).
func match(registered, requested *semver.Version) bool {
	return registered.Major == requested.Major && registered.Minor >= requested.Minor
}

func (m *ServiceMux) lookup(service, version, method string) (InboundHandler, error) {
	if version == "" {
		version = defaultServiceVersion
	}
	requested, err := semver.NewVersion(version)
	if err != nil {
		return nil, NewFault(ProtocolViolation, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sv := range m.services[service] {
		if !match(sv.version, requested) {
			continue
		}
		if h, ok := sv.handlers[method]; ok {
			return h, nil
		}
	}
	return nil, NewFaultf(UnexpectedMessage, "no handler for %s", strings.Join([]string{service, version, method}, "/"))
}

// Dispatch is an InboundHandler: it unwraps the request envelope,
// routes to the matching registered handler, and forwards that
// handler's response frame unchanged.
func (m *ServiceMux) Dispatch(ctx context.Context, frame *Frame) (*Frame, error) {
	var env requestEnvelope
	if err := m.codec.Unmarshal(frame.Body, &env); err != nil {
		return nil, NewFault(DeserializationError, err)
	}
	handler, err := m.lookup(env.Service, env.Version, env.Method)
	if err != nil {
		return nil, err
	}
	return handler(ctx, &Frame{Kind: frame.Kind, CallId: frame.CallId, Sequence: frame.Sequence, Body: env.Body})
}

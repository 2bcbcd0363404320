package rpcconn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionState is the login/logout handshake state, symmetric on both
// sides of the channel.
type SessionState int32

const (
	SessionPendingLogin SessionState = iota
	SessionLoggedIn
	SessionPendingLogout
	SessionLoggedOut
)

func (s SessionState) String() string {
	switch s {
	case SessionPendingLogin:
		return "PendingLogin"
	case SessionLoggedIn:
		return "LoggedIn"
	case SessionPendingLogout:
		return "PendingLogout"
	case SessionLoggedOut:
		return "LoggedOut"
	default:
		return "Unknown"
	}
}

// DefaultPreLoginMessageGrace bounds how many application frames per
// CallId a server-side coordinator buffers while a client is still
// logging in, before rejecting the call outright.
const DefaultPreLoginMessageGrace = 2

// AuthenticateFunc validates Login credentials. A nil func accepts
// every login (useful for cmd/rpcconn-ping and tests).
type AuthenticateFunc func(ctx context.Context, credentials []byte) error

// SessionCoordinator runs the login/logout handshake. The client side
// drives it with Login/Logout; the server side installs Handle as the
// dispatcher's InboundHandler, wrapping the real service handler so
// nothing reaches it before LoggedIn.
type SessionCoordinator struct {
	disp          *MessageDispatcher
	tx            TxPipeline
	codec         Codec
	loginTimeout  time.Duration
	logoutTimeout time.Duration
	grace         int
	authenticate  AuthenticateFunc
	userHandler   InboundHandler
	log           zerolog.Logger

	mu       sync.Mutex
	state    SessionState
	buffered map[CallId][]*Frame
}

// NewSessionCoordinator creates a coordinator. userHandler may be nil
// on a pure client (it is only consulted for inbound traffic, which a
// client that never accepts server-initiated calls will never see).
func NewSessionCoordinator(disp *MessageDispatcher, tx TxPipeline, codec Codec, loginTimeout, logoutTimeout time.Duration, grace int, authenticate AuthenticateFunc, userHandler InboundHandler) *SessionCoordinator {
	if codec == nil {
		codec = defaultCodec
	}
	if grace <= 0 {
		grace = DefaultPreLoginMessageGrace
	}
	return &SessionCoordinator{
		disp:          disp,
		tx:            tx,
		codec:         codec,
		loginTimeout:  loginTimeout,
		logoutTimeout: logoutTimeout,
		grace:         grace,
		authenticate:  authenticate,
		userHandler:   userHandler,
		log:           zerolog.Nop(),
		state:         SessionPendingLogin,
		buffered:      make(map[CallId][]*Frame),
	}
}

// SetLogger installs the logger used for handshake protocol-violation
// and handler-crash diagnostics. The zero value leaves the no-op logger
// NewSessionCoordinator installs by default.
func (c *SessionCoordinator) SetLogger(log zerolog.Logger) { c.log = log }

// State returns the coordinator's current handshake state.
func (c *SessionCoordinator) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Login sends a Login frame carrying credentials (marshaled here with
// the coordinator's codec; nil is allowed) and blocks for LoginResponse,
// bounded by loginTimeout. On success the coordinator transitions to LoggedIn.
func (c *SessionCoordinator) Login(ctx context.Context, credentials any) error {
	body, err := c.codec.Marshal(credentials)
	if err != nil {
		return err
	}
	lctx := ctx
	var cancel context.CancelFunc
	if c.loginTimeout > 0 {
		lctx, cancel = context.WithTimeout(ctx, c.loginTimeout)
		defer cancel()
	}
	_, err = c.disp.Call(lctx, KindLogin, body)
	if err != nil {
		if errors.Is(lctx.Err(), context.DeadlineExceeded) {
			return NewFault(LoginTimeout, err)
		}
		return err
	}
	c.mu.Lock()
	c.state = SessionLoggedIn
	c.mu.Unlock()
	return nil
}

// Logout sends a Logout frame and waits for LogoutResponse, bounded by
// logoutTimeout. It always transitions to LoggedOut, even on timeout,
// since a hung logout handshake must not block channel teardown.
func (c *SessionCoordinator) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.state = SessionPendingLogout
	c.mu.Unlock()

	lctx := ctx
	var cancel context.CancelFunc
	if c.logoutTimeout > 0 {
		lctx, cancel = context.WithTimeout(ctx, c.logoutTimeout)
		defer cancel()
	}
	_, err := c.disp.Call(lctx, KindLogout, nil)

	c.mu.Lock()
	c.state = SessionLoggedOut
	c.mu.Unlock()

	if err != nil && errors.Is(lctx.Err(), context.DeadlineExceeded) {
		return NewFault(LogoutTimeout, err)
	}
	return err
}

// Handle is installed as the dispatcher's InboundHandler on the server
// side. It intercepts Login/Logout itself and gates every other frame
// on LoggedIn: messages arriving earlier during the login phase are
// handled by the coordinator only.
func (c *SessionCoordinator) Handle(ctx context.Context, frame *Frame) (*Frame, error) {
	switch frame.Kind {
	case KindLogin:
		c.handleLogin(ctx, frame)
		return nil, nil
	case KindLogout:
		c.mu.Lock()
		c.state = SessionLoggedOut
		c.mu.Unlock()
		return &Frame{Kind: KindLogoutResponse, CallId: frame.CallId}, nil
	default:
		return c.handleApplicationFrame(ctx, frame)
	}
}

func (c *SessionCoordinator) handleLogin(ctx context.Context, frame *Frame) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != SessionPendingLogin {
		c.log.Warn().Str("state", state.String()).Msg("Login received in unexpected state")
		c.replyFault(ctx, frame.CallId, NewFaultf(ProtocolViolation, "Login received in state %s", state))
		return
	}

	if c.authenticate != nil {
		if err := c.authenticate(ctx, frame.Body); err != nil {
			c.replyFault(ctx, frame.CallId, NewFault(InvalidCredentials, err))
			return
		}
	}

	c.mu.Lock()
	c.state = SessionLoggedIn
	buffered := c.buffered
	c.buffered = make(map[CallId][]*Frame)
	c.mu.Unlock()

	_ = c.tx.Send(ctx, &Frame{Kind: KindLoginResponse, CallId: frame.CallId})

	// Replay buffered pre-login traffic only after LoginResponse has been
	// handed to the TxPipeline, so it is never observed ahead of it.
	for _, frames := range buffered {
		for _, fr := range frames {
			resp, err := c.dispatchApplication(ctx, fr)
			if err != nil {
				c.replyFault(ctx, fr.CallId, err)
				continue
			}
			if resp != nil {
				_ = c.tx.Send(ctx, resp)
			}
		}
	}
}

func (c *SessionCoordinator) handleApplicationFrame(ctx context.Context, frame *Frame) (*Frame, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == SessionLoggedIn {
		return c.dispatchApplication(ctx, frame)
	}
	if state != SessionPendingLogin {
		c.log.Warn().Str("state", state.String()).Str("call_id", string(frame.CallId)).
			Msg("application frame received in unexpected state")
		return nil, NewFaultf(ProtocolViolation, "application frame received in state %s", state)
	}

	c.mu.Lock()
	bucket := c.buffered[frame.CallId]
	if len(bucket) >= c.grace {
		c.mu.Unlock()
		c.log.Warn().Str("call_id", string(frame.CallId)).Int("grace", c.grace).
			Msg("pre-login message grace exceeded")
		return nil, NewFaultf(ProtocolViolation, "pre-login message grace exceeded for call %s", frame.CallId)
	}
	c.buffered[frame.CallId] = append(bucket, frame)
	c.mu.Unlock()
	return nil, nil
}

func (c *SessionCoordinator) dispatchApplication(ctx context.Context, frame *Frame) (resp *Frame, err error) {
	if c.userHandler == nil {
		return nil, NewFaultf(UnexpectedMessage, "no service handler registered")
	}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if frame.Kind == KindRequest {
			c.log.Error().Interface("panic", r).Str("call_id", string(frame.CallId)).Msg("request handler crashed")
			err = NewFaultf(RequestCrash, "handler panic: %v", r)
			return
		}
		c.log.Error().Interface("panic", r).Str("call_id", string(frame.CallId)).Str("kind", frame.Kind.String()).
			Msg("message handler crashed")
		err = NewFault(MessageHandlerCrash, nil)
	}()
	return c.userHandler(ctx, frame)
}

func (c *SessionCoordinator) replyFault(ctx context.Context, callID CallId, err error) {
	body, encErr := encodeFaultBody(c.codec, err)
	if encErr != nil {
		return
	}
	_ = c.tx.Send(ctx, &Frame{Kind: KindFaultResponse, CallId: callID, Body: body})
}

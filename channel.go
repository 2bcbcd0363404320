package rpcconn

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ChannelState is the top-level connection state machine.
type ChannelState int

const (
	ChannelNew ChannelState = iota
	ChannelConnecting
	ChannelOnline
	ChannelFaulted
	ChannelDisconnecting
	// ChannelClosedState is the terminal clean-shutdown state. Named
	// distinctly from the ChannelClosed RetCode (errors.go), which is the
	// fault code a pending call observes when the channel closes under it.
	ChannelClosedState
)

func (s ChannelState) String() string {
	switch s {
	case ChannelNew:
		return "New"
	case ChannelConnecting:
		return "Connecting"
	case ChannelOnline:
		return "Online"
	case ChannelFaulted:
		return "Faulted"
	case ChannelDisconnecting:
		return "Disconnecting"
	case ChannelClosedState:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ChannelRole distinguishes which side of the handshake TryConnect
// drives: a client sends Login and waits for LoginResponse; a server
// installs an inbound handler and waits to be logged into.
type ChannelRole int

const (
	ChannelClient ChannelRole = iota
	ChannelServer
)

// channelContext is the small back-reference (fault sink, id, logger)
// injected into the dispatcher, pipelines and coordinator instead of a
// pointer to the Channel itself, breaking the
// Channel/MessageDispatcher/TxPipeline/Coordinator reference cycle:
// dependents call back through this struct, never through the Channel.
type channelContext struct {
	id  string
	log zerolog.Logger
	// fault reports a component-detected failure; it never blocks.
	fault func(error)
}

// Channel is the top-level connection object: it owns the segment
// pools, the Tx/Rx buffers and pipelines, the dispatcher and the
// session coordinator, and drives them all through one state machine
// guarded by a single mutex.
type Channel struct {
	cfg Config
	ctx channelContext

	onOpening         func()
	onClosing         func(err error)
	onClosed          func(err error)
	onFailedToConnect func(err error)

	mu    sync.Mutex
	state ChannelState

	transport  Transport
	txPool     *SegmentPool
	rxPool     *SegmentPool
	txBuf      *TxBuffer
	rxBuf      *RxBuffer
	txPipe     TxPipeline
	rxPipe     *RxPipeline
	disp       *MessageDispatcher
	session    *SessionCoordinator
	pipeCancel context.CancelFunc

	closeOnce sync.Once
	closedC   chan struct{}
	closeErr  error
}

// NewChannel creates a Channel in state New. log is used as-is (sink
// selection is the caller's responsibility); every internal component
// receives a child logger tagged with its component name.
func NewChannel(cfg Config, log zerolog.Logger) *Channel {
	id := newChannelID()
	ch := &Channel{
		cfg:     cfg,
		state:   ChannelNew,
		closedC: make(chan struct{}),
	}
	ch.ctx = channelContext{id: id, log: log.With().Str("channel", id).Logger(), fault: ch.onTransportFault}
	return ch
}

func (ch *Channel) OnOpening(f func())              { ch.onOpening = f }
func (ch *Channel) OnClosing(f func(err error))      { ch.onClosing = f }
func (ch *Channel) OnClosed(f func(err error))       { ch.onClosed = f }
func (ch *Channel) OnFailedToConnect(f func(error)) { ch.onFailedToConnect = f }

// State returns the channel's current state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Dispatcher exposes the MessageDispatcher for call.go/handler.go to
// drive calls and register service handlers against. It is only valid
// once TryConnect has returned successfully.
func (ch *Channel) Dispatcher() *MessageDispatcher { return ch.disp }

// TxPipeline exposes the pipeline StreamWriter needs to send pages
// directly, bypassing the dispatcher's unary Call/TryCall shape.
func (ch *Channel) TxPipeline() TxPipeline { return ch.txPipe }

// Config returns the Config this channel was created with.
func (ch *Channel) Config() Config { return ch.cfg }

// Log returns the channel's logger. Components built outside the
// channelContext chain (the generic handler wrappers in handler.go, the
// call.go request shapes) use it to get a channel-tagged logger of
// their own without needing a pointer back to Channel's internals.
func (ch *Channel) Log() zerolog.Logger { return ch.ctx.log }

// TryConnect wires transport into a running set of pipelines and, for
// ChannelClient, drives the login handshake before returning. handler
// services inbound requests (nil is valid for a pure client that never
// accepts server-initiated calls); authenticate validates inbound Login
// credentials (nil accepts every login, for ChannelServer only).
func (ch *Channel) TryConnect(ctx context.Context, transport Transport, role ChannelRole, handler InboundHandler, authenticate AuthenticateFunc) error {
	ch.mu.Lock()
	if ch.state != ChannelNew {
		ch.mu.Unlock()
		return NewFaultf(InvalidChannelState, "TryConnect called from state %s", ch.state)
	}
	ch.state = ChannelConnecting
	ch.mu.Unlock()
	if ch.onOpening != nil {
		ch.onOpening()
	}

	ch.transport = transport
	ch.txPool = NewSegmentPool(ch.cfg.SegmentSize, 0)
	ch.rxPool = NewSegmentPool(ch.cfg.SegmentSize, 0)
	ch.txBuf = NewTxBuffer(ch.txPool, ch.cfg.SegmentSize)
	ch.rxBuf = NewRxBuffer(ch.rxPool, ch.cfg.MaxFramePayload)

	pipeCtx, cancel := context.WithCancel(context.Background())
	ch.pipeCancel = cancel

	txLog := ch.ctx.log.With().Str("component", "tx-pipeline").Logger()
	switch ch.cfg.PipelineMode {
	case PipelineOneThread:
		ch.txPipe = newOneThreadTxPipeline(ch.txBuf, transport, ch.ctx.fault, ch.cfg.PagedQueueDepth, txLog)
	default:
		ch.txPipe = newNoQueueTxPipeline(ch.txBuf, transport, ch.ctx.fault, txLog)
	}
	ch.txPipe.Start(pipeCtx)

	ch.disp = NewMessageDispatcher(ch.txPipe, defaultCodec, ch.cfg.DispatcherMode)
	ch.disp.SetLogger(ch.ctx.log.With().Str("component", "dispatcher").Logger())
	ch.session = NewSessionCoordinator(ch.disp, ch.txPipe, defaultCodec, ch.cfg.LoginTimeout, ch.cfg.LogoutTimeout, ch.cfg.PreLoginMessageGrace, authenticate, handler)
	ch.session.SetLogger(ch.ctx.log.With().Str("component", "session").Logger())
	ch.disp.SetHandler(ch.session.Handle)

	ch.rxPipe = NewRxPipeline(ch.rxBuf, transport, ch.disp.OnFrame, ch.ctx.fault, ch.ctx.log.With().Str("component", "rx-pipeline").Logger())
	ch.rxPipe.Start(pipeCtx)

	if role == ChannelClient {
		if err := ch.session.Login(ctx, nil); err != nil {
			ch.mu.Lock()
			ch.state = ChannelFaulted
			ch.mu.Unlock()
			if ch.onFailedToConnect != nil {
				ch.onFailedToConnect(err)
			}
			_ = ch.triggerClose(context.Background(), err)
			return err
		}
	}

	ch.mu.Lock()
	ch.state = ChannelOnline
	ch.mu.Unlock()
	return nil
}

// Close runs the graceful shutdown sequence: Logout (whenever TryConnect
// has set up the session, whatever its login state), stop dispatcher, close TxPipeline, shut down transport, close
// RxPipeline, dispose transport. It is idempotent: concurrent/repeat
// calls all observe the first call's outcome.
func (ch *Channel) Close(ctx context.Context) error {
	return ch.triggerClose(ctx, nil)
}

// onTransportFault is channelContext's fault sink: equivalent to
// triggerClose with the error as reason. The first fault wins; later
// calls are no-ops for state purposes via closeOnce, but every fault
// that reaches here is logged regardless. triggerClose runs on its own
// goroutine because the reporting pipeline goroutine is one that
// triggerClose waits on (via the pipelines' Close).
func (ch *Channel) onTransportFault(err error) {
	ch.ctx.log.Error().Err(err).Msg("transport fault")
	go func() { _ = ch.triggerClose(context.Background(), err) }()
}

func (ch *Channel) triggerClose(ctx context.Context, reason error) error {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		ch.state = ChannelDisconnecting
		ch.mu.Unlock()
		if ch.onClosing != nil {
			ch.onClosing(reason)
		}

		// Logout runs before component shutdown, but only for a clean
		// close; a transport-fault-triggered close has no peer left to
		// negotiate a logout with.
		if reason == nil && ch.session != nil {
			_ = ch.session.Logout(ctx)
		}
		if ch.disp != nil {
			ch.disp.Stop(reason)
		}
		if ch.txPipe != nil {
			_ = ch.txPipe.Close(ch.cfg.TxGracePeriod)
		}
		if ch.transport != nil {
			_ = ch.transport.Shutdown()
		}
		if ch.rxPipe != nil {
			_ = ch.rxPipe.Close(ch.cfg.TxGracePeriod)
		}
		if ch.transport != nil {
			_ = ch.transport.Dispose()
		}
		if ch.pipeCancel != nil {
			ch.pipeCancel()
		}

		ch.mu.Lock()
		if reason != nil {
			ch.state = ChannelFaulted
		} else {
			ch.state = ChannelClosedState
		}
		ch.closeErr = reason
		ch.mu.Unlock()

		close(ch.closedC)
		if ch.onClosed != nil {
			ch.onClosed(reason)
		}
	})
	<-ch.closedC
	return ch.closeErr
}

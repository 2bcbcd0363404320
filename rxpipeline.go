package rpcconn

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultRxGracePeriod is how long Close waits for the receive loop to
// exit before forcing the transport down.
const DefaultRxGracePeriod = 5 * time.Second

// RxPipeline drives the transport's Receive loop, feeds bytes into an
// RxBuffer, and hands each fully parsed Frame to onFrame. Parsing is
// inherently single-threaded (frames must be read off the wire in
// order), so unlike TxPipeline there is one concurrency shape here; the
// NoQueue/PagedQueueX1 choice lives one layer up, in how
// MessageDispatcher schedules the handler's onFrame calls.
type RxPipeline struct {
	buf       *RxBuffer
	transport Transport
	onFrame   func(*Frame) error
	onFault   func(error)
	log       zerolog.Logger

	eg     *errgroup.Group
	egCtx  context.Context
	cancel context.CancelFunc
}

// NewRxPipeline creates an RxPipeline. onFrame is invoked synchronously
// on the receive goroutine for every frame the parser completes, in
// wire order; it must not block on anything the pipeline itself would
// need to make progress (a slow handler should hand off internally).
func NewRxPipeline(buf *RxBuffer, transport Transport, onFrame func(*Frame) error, onFault func(error), log zerolog.Logger) *RxPipeline {
	return &RxPipeline{buf: buf, transport: transport, onFrame: onFrame, onFault: onFault, log: log}
}

// Start begins the background receive loop. It must be called once.
func (p *RxPipeline) Start(ctx context.Context) {
	egCtx, cancel := context.WithCancel(ctx)
	eg, loopCtx := errgroup.WithContext(egCtx)
	p.cancel = cancel
	p.eg = eg
	p.egCtx = egCtx
	eg.Go(func() error {
		return p.receiveLoop(loopCtx)
	})
}

func (p *RxPipeline) receiveLoop(ctx context.Context) error {
	for {
		seg := p.buf.GetRxSegment()
		n, err := p.transport.Receive(ctx, seg)
		if n > 0 {
			p.buf.CommitRx(seg, n)
		} else if seg.pool != nil {
			seg.pool.Release(seg)
		}
		if err != nil {
			p.log.Error().Err(err).Msg("rx pipeline transport receive failed")
			p.onFault(err)
			return err
		}

		for {
			frame, _, ferr := p.buf.NextFrame()
			if ferr != nil {
				p.log.Error().Err(ferr).Msg("rx pipeline frame parse failed")
				p.onFault(ferr)
				return ferr
			}
			if frame == nil {
				break
			}
			if err := p.onFrame(frame); err != nil {
				p.log.Error().Err(err).Msg("rx pipeline frame handling failed")
				p.onFault(err)
				return err
			}
		}
	}
}

// Close stops the receive loop. Since Receive has no graceful
// "no more reads, but let me finish decoding what's buffered" signal of
// its own, Close relies on the caller having already shut the
// transport down (or canceling ctx) to unblock the pending Receive;
// grace only bounds how long Close waits for that to happen.
func (p *RxPipeline) Close(grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultRxGracePeriod
	}
	doneC := make(chan error, 1)
	go func() { doneC <- p.eg.Wait() }()

	select {
	case err := <-doneC:
		return err
	case <-time.After(grace):
		p.cancel()
		<-doneC
		return NewFaultf(ConnectionTimeout, "rx pipeline close exceeded grace period of %s", grace)
	}
}

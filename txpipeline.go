package rpcconn

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultTxGracePeriod is how long Close waits for the drain loop to
// flush queued segments before forcing the transport down.
const DefaultTxGracePeriod = 5 * time.Second

// TxPipeline serializes outgoing frames and drives the transport send
// loop. Two concurrency variants are offered behind this same
// interface, selected by Config.PipelineMode.
type TxPipeline interface {
	// Start begins the background drain loop. It must be called once.
	Start(ctx context.Context)
	// Send encodes frame into the TxBuffer and returns once it has been
	// fully written (for NoQueue: by the calling goroutine; for
	// OneThread: by the dedicated serialization goroutine). It does not
	// wait for the transport to actually drain the segment.
	Send(ctx context.Context, frame *Frame) error
	// Close closes the underlying TxBuffer and waits up to grace for the
	// drain loop to exit, canceling it if the grace period elapses.
	Close(grace time.Duration) error
}

// encodeFrame runs the StartMessage/Allocate/Advance/EndMessage
// sequence for frame against buf. It is the single place both pipeline
// variants funnel through, so XL-vs-segment handling stays internal to
// TxBuffer regardless of which variant is in use.
func encodeFrame(buf *TxBuffer, frame *Frame) error {
	if err := buf.StartMessage(frame.Kind, frame.CallId, frame.Sequence); err != nil {
		return err
	}
	if len(frame.Body) > 0 {
		span, err := buf.Allocate(len(frame.Body))
		if err != nil {
			return err
		}
		if span != nil {
			copy(span, frame.Body)
		}
		if err := buf.Advance(len(frame.Body)); err != nil {
			return err
		}
	}
	return buf.EndMessage()
}

// drainLoop is shared by both variants: dequeue a ready segment, hand
// it to the transport, release it back to its pool, repeat until the
// buffer closes or the transport errors.
func drainLoop(ctx context.Context, buf *TxBuffer, transport Transport, onFault func(error), log zerolog.Logger) error {
	for {
		seg, err := buf.Dequeue(ctx)
		if err != nil {
			return err
		}
		if IsClosedSentinel(seg) {
			return nil
		}
		if err := transport.Send(ctx, seg); err != nil {
			if seg.pool != nil {
				seg.pool.Release(seg)
			}
			log.Error().Err(err).Msg("tx pipeline transport send failed")
			onFault(err)
			return err
		}
		if seg.pool != nil {
			seg.pool.Release(seg)
		}
	}
}

// noQueueTxPipeline is the "no-queue" variant: Send serializes on the
// calling goroutine, holding a pipeline-level lock for the whole
// StartMessage..EndMessage sequence so concurrent callers still observe
// single-writer semantics even though TxBuffer's own mutex is only held
// method-by-method.
type noQueueTxPipeline struct {
	buf       *TxBuffer
	transport Transport
	onFault   func(error)
	log       zerolog.Logger

	sendMu sync.Mutex
	eg     *errgroup.Group
	egCtx  context.Context
	cancel context.CancelFunc
}

func newNoQueueTxPipeline(buf *TxBuffer, transport Transport, onFault func(error), log zerolog.Logger) *noQueueTxPipeline {
	return &noQueueTxPipeline{buf: buf, transport: transport, onFault: onFault, log: log}
}

func (p *noQueueTxPipeline) Start(ctx context.Context) {
	egCtx, cancel := context.WithCancel(ctx)
	eg, drainCtx := errgroup.WithContext(egCtx)
	p.cancel = cancel
	p.eg = eg
	p.egCtx = egCtx
	eg.Go(func() error {
		return drainLoop(drainCtx, p.buf, p.transport, p.onFault, p.log)
	})
}

func (p *noQueueTxPipeline) Send(ctx context.Context, frame *Frame) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return encodeFrame(p.buf, frame)
}

func (p *noQueueTxPipeline) Close(grace time.Duration) error {
	return closePipeline(p.buf, p.eg, p.cancel, grace)
}

// oneThreadTxPipeline is the "one-thread" variant: Send pushes a job
// onto a bounded MPSC queue consumed by a single dedicated
// serialization goroutine, which is the only caller that ever touches
// the TxBuffer's write-side methods, so no extra lock is needed.
type oneThreadTxPipeline struct {
	buf       *TxBuffer
	transport Transport
	onFault   func(error)
	log       zerolog.Logger

	jobs   chan txJob
	eg     *errgroup.Group
	egCtx  context.Context
	cancel context.CancelFunc
}

type txJob struct {
	frame  *Frame
	result chan error
}

func newOneThreadTxPipeline(buf *TxBuffer, transport Transport, onFault func(error), queueDepth int, log zerolog.Logger) *oneThreadTxPipeline {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &oneThreadTxPipeline{
		buf:       buf,
		transport: transport,
		onFault:   onFault,
		log:       log,
		jobs:      make(chan txJob, queueDepth),
	}
}

func (p *oneThreadTxPipeline) Start(ctx context.Context) {
	egCtx, cancel := context.WithCancel(ctx)
	eg, drainCtx := errgroup.WithContext(egCtx)
	p.cancel = cancel
	p.eg = eg
	p.egCtx = egCtx

	eg.Go(func() error {
		return drainLoop(drainCtx, p.buf, p.transport, p.onFault, p.log)
	})
	eg.Go(func() error {
		for {
			select {
			case job, more := <-p.jobs:
				if !more {
					return nil
				}
				job.result <- encodeFrame(p.buf, job.frame)
			case <-egCtx.Done():
				return nil
			}
		}
	})
}

func (p *oneThreadTxPipeline) Send(ctx context.Context, frame *Frame) error {
	job := txJob{frame: frame, result: make(chan error, 1)}
	select {
	case p.jobs <- job:
	case <-ctx.Done():
		return NewFault(OperationCanceled, ctx.Err())
	}
	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return NewFault(OperationCanceled, ctx.Err())
	}
}

func (p *oneThreadTxPipeline) Close(grace time.Duration) error {
	return closePipeline(p.buf, p.eg, p.cancel, grace)
}

func closePipeline(buf *TxBuffer, eg *errgroup.Group, cancel context.CancelFunc, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultTxGracePeriod
	}
	buf.Close()

	doneC := make(chan error, 1)
	go func() { doneC <- eg.Wait() }()

	select {
	case err := <-doneC:
		return err
	case <-time.After(grace):
		cancel()
		<-doneC
		return NewFaultf(ConnectionTimeout, "tx pipeline close exceeded grace period of %s", grace)
	}
}

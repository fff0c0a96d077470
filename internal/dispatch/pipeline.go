// Package dispatch delivers batches to the search engine through a bounded
// buffer and a fixed pool of bulk workers.
//
// The producer blocks in Submit while the buffer is full, so the relational
// read rate follows the engine's ingest rate. Each worker handles its
// batches one at a time in arrival order. A throttled batch is resubmitted
// unchanged after a fixed backoff; an unavailable index stops the whole
// pipeline; any other item failure is counted and the batch completes.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	serrors "github.com/Aman-CERP/scoresync/internal/errors"
	"github.com/Aman-CERP/scoresync/internal/metrics"
	"github.com/Aman-CERP/scoresync/internal/search"
)

// DefaultThrottleBackoff matches the default backoff of common bulk clients.
const DefaultThrottleBackoff = time.Minute

// Config configures a Pipeline.
type Config struct {
	// Index is the physical index every batch is written to.
	Index string

	// BufferSize is the number of batches that may wait for a worker.
	BufferSize int

	// Workers is the number of concurrent bulk workers.
	Workers int

	// ThrottleBackoff is the wait before resubmitting a throttled batch.
	ThrottleBackoff time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Pipeline is a bounded multi-worker bulk dispatcher. Completions must be
// drained until closed.
type Pipeline struct {
	engine search.Engine
	cfg    Config
	logger *slog.Logger

	in          chan *Batch
	completions chan Completion
	stopped     chan struct{}
	done        chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	stopOnce  sync.Once

	mu      sync.Mutex
	cause   error
	dropped int
}

// New validates cfg and creates a pipeline. Workers run after Start.
func New(engine search.Engine, cfg Config) (*Pipeline, error) {
	if engine == nil {
		return nil, serrors.ValidationError("search engine is required", nil)
	}
	if cfg.Index == "" {
		return nil, serrors.ValidationError("target index is required", nil)
	}
	if cfg.BufferSize < 1 {
		return nil, serrors.ValidationError(fmt.Sprintf("buffer size must be at least 1, got %d", cfg.BufferSize), nil)
	}
	if cfg.Workers < 1 {
		return nil, serrors.ValidationError(fmt.Sprintf("worker count must be at least 1, got %d", cfg.Workers), nil)
	}
	if cfg.ThrottleBackoff <= 0 {
		cfg.ThrottleBackoff = DefaultThrottleBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		engine:      engine,
		cfg:         cfg,
		logger:      logger.With(slog.String("index", cfg.Index)),
		in:          make(chan *Batch, cfg.BufferSize),
		completions: make(chan Completion, cfg.Workers),
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Start launches the workers. Cancelling ctx makes workers exit after their
// in-flight bulk request; batches still buffered are dropped.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		var g errgroup.Group
		for i := 1; i <= p.cfg.Workers; i++ {
			id := i
			g.Go(func() error {
				p.worker(ctx, id)
				return nil
			})
		}

		go func() {
			_ = g.Wait()
			p.discardBuffered()
			close(p.completions)
			close(p.done)
		}()
	})
}

// Submit enqueues b, blocking while the buffer is full. It returns an
// ErrPipelineStopped error once the pipeline has stopped and ctx's error
// when ctx ends first. Submit must not be called after CloseInput.
func (p *Pipeline) Submit(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.stopped:
		return p.stoppedError()
	default:
	}

	select {
	case p.in <- b:
		p.cfg.Metrics.BufferDepth(len(p.in))
		return nil
	case <-p.stopped:
		return p.stoppedError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseInput tells the workers no more batches will be submitted. Workers
// exit once the buffer is drained.
func (p *Pipeline) CloseInput() {
	p.closeOnce.Do(func() { close(p.in) })
}

// Completions delivers one Completion per delivered batch. It is closed
// after every worker has exited.
func (p *Pipeline) Completions() <-chan Completion {
	return p.completions
}

// Stop halts the pipeline: Submit fails from now on and workers exit after
// their in-flight request. The first non-nil cause is reported by Wait.
func (p *Pipeline) Stop(cause error) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.cause = cause
		p.mu.Unlock()
		close(p.stopped)
	})
}

// Stopped is closed when the pipeline stops.
func (p *Pipeline) Stopped() <-chan struct{} {
	return p.stopped
}

// Wait blocks until every worker has exited and returns the stop cause, if any.
func (p *Pipeline) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cause
}

// Cause returns the stop cause without waiting for the workers.
func (p *Pipeline) Cause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cause
}

// Pending is the number of batches waiting for a worker.
func (p *Pipeline) Pending() int {
	return len(p.in)
}

// Dropped is the number of buffered batches discarded by a stop.
func (p *Pipeline) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Pipeline) stoppedError() error {
	p.mu.Lock()
	cause := p.cause
	p.mu.Unlock()
	return serrors.New(serrors.ErrCodePipelineStopped, "dispatch pipeline stopped", cause)
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	logger := p.logger.With(slog.Int("worker", id))
	for {
		// A stop or cancellation wins over buffered work.
		select {
		case <-p.stopped:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-p.stopped:
			return
		case <-ctx.Done():
			return
		case b, ok := <-p.in:
			if !ok {
				return
			}
			p.cfg.Metrics.BufferDepth(len(p.in))
			if err := p.deliver(ctx, id, b, logger); err != nil {
				logger.Error("dispatch_stopping",
					slog.Uint64("seq", b.Seq),
					slog.String("reason", err.Error()))
				p.Stop(err)
				return
			}
		}
	}
}

// deliver submits b until it is delivered or abandoned. A non-nil error is
// fatal to the pipeline.
func (p *Pipeline) deliver(ctx context.Context, id int, b *Batch, logger *slog.Logger) error {
	ops := b.operations()
	// In-flight requests finish even when the run is cancelled.
	bulkCtx := context.WithoutCancel(ctx)

	for attempt := 1; ; attempt++ {
		start := time.Now()
		resp, err := p.engine.Bulk(bulkCtx, p.cfg.Index, ops)
		p.cfg.Metrics.BulkLatency(time.Since(start))

		if err != nil {
			if serrors.IsFatal(err) {
				p.cfg.Metrics.BatchOutcome(metrics.OutcomeIndexUnavailable)
				return err
			}
			// Nothing was written, so the batch is resubmitted whole and its
			// cursor is never reported past.
			logger.Warn("bulk_request_failed",
				slog.Uint64("seq", b.Seq),
				slog.Int("attempt", attempt),
				slog.Int("operations", len(ops)),
				slog.String("error", err.Error()),
				slog.Duration("backoff", p.cfg.ThrottleBackoff))
			p.cfg.Metrics.BatchOutcome(metrics.OutcomeRequestFailed)
			if !p.backoff(ctx) {
				p.cfg.Metrics.BatchOutcome(metrics.OutcomeAbandoned)
				logger.Info("bulk_abandoned", slog.Uint64("seq", b.Seq), slog.Int("attempt", attempt))
				return nil
			}
			continue
		}

		outcome, item := Classify(resp)
		switch outcome {
		case OutcomeIndexUnavailable:
			p.cfg.Metrics.BatchOutcome(metrics.OutcomeIndexUnavailable)
			return serrors.IndexUnavailableError(p.cfg.Index, fmt.Sprintf("%s: %s", item.ErrorType, item.Reason))

		case OutcomeThrottled:
			p.cfg.Metrics.BatchOutcome(metrics.OutcomeThrottled)
			logger.Warn("bulk_throttled",
				slog.Uint64("seq", b.Seq),
				slog.Int("attempt", attempt),
				slog.Int("status", item.Status),
				slog.String("error_type", item.ErrorType),
				slog.Duration("backoff", p.cfg.ThrottleBackoff))
			if !p.backoff(ctx) {
				p.cfg.Metrics.BatchOutcome(metrics.OutcomeAbandoned)
				logger.Info("bulk_abandoned", slog.Uint64("seq", b.Seq), slog.Int("attempt", attempt))
				return nil
			}
			continue
		}

		indexed, deleted, failed := resp.Summary()
		c := Completion{
			Seq:        b.Seq,
			LastCursor: b.LastCursor,
			Worker:     id,
			Attempts:   attempt,
			Indexed:    indexed,
			Deleted:    deleted,
			Failed:     failed,
		}
		if outcome == OutcomePartial {
			c.FirstError = fmt.Sprintf("%s (id %s, status %d): %s", item.ErrorType, item.ID, item.Status, item.Reason)
			logger.Warn("bulk_partial_failure",
				slog.Uint64("seq", b.Seq),
				slog.Int("failed", failed),
				slog.String("first_error", c.FirstError))
			p.cfg.Metrics.BatchOutcome(metrics.OutcomePartial)
		} else {
			p.cfg.Metrics.BatchOutcome(metrics.OutcomeSuccess)
		}
		p.cfg.Metrics.Documents("index", "ok", indexed)
		p.cfg.Metrics.Documents("delete", "ok", deleted)
		p.cfg.Metrics.Documents("bulk", "failed", failed)
		p.complete(c)
		return nil
	}
}

// backoff waits out a throttle. It returns false when the pipeline stopped
// or ctx ended during the wait.
func (p *Pipeline) backoff(ctx context.Context) bool {
	t := time.NewTimer(p.cfg.ThrottleBackoff)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) complete(c Completion) {
	p.completions <- c
}

func (p *Pipeline) discardBuffered() {
	n := 0
	for {
		select {
		case _, ok := <-p.in:
			if !ok {
				p.recordDropped(n)
				return
			}
			n++
		default:
			p.recordDropped(n)
			return
		}
	}
}

func (p *Pipeline) recordDropped(n int) {
	if n == 0 {
		return
	}
	p.mu.Lock()
	p.dropped += n
	p.mu.Unlock()
	p.logger.Warn("dispatch_dropped_buffered", slog.Int("batches", n))
	p.cfg.Metrics.BufferDepth(0)
}

package index

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/scoresync/internal/classify"
	"github.com/Aman-CERP/scoresync/internal/dispatch"
	serrors "github.com/Aman-CERP/scoresync/internal/errors"
	"github.com/Aman-CERP/scoresync/internal/metrics"
	"github.com/Aman-CERP/scoresync/internal/queue"
	"github.com/Aman-CERP/scoresync/internal/record"
	"github.com/Aman-CERP/scoresync/internal/search"
)

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	Index           string
	BufferSize      int
	Workers         int
	ThrottleBackoff time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Processor applies live queue items to one index: it classifies the ids
// against current row state and writes the result through its own
// dispatch pipeline.
type Processor[T record.Record] struct {
	classifier *classify.Classifier[T]
	pipeline   *dispatch.Pipeline
	control    queue.Control
	logger     *slog.Logger
	metrics    *metrics.Metrics

	seq atomic.Uint64

	mu      sync.Mutex
	waiters map[uint64]chan dispatch.Completion

	stopOnce sync.Once
	routed   chan struct{}
}

// NewProcessor creates a processor. control, when not nil, is asked to halt
// delivery once the processor can no longer accept items.
func NewProcessor[T record.Record](finder classify.Finder[T], engine search.Engine, control queue.Control, cfg ProcessorConfig) (*Processor[T], error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pipeline, err := dispatch.New(engine, dispatch.Config{
		Index:           cfg.Index,
		BufferSize:      cfg.BufferSize,
		Workers:         cfg.Workers,
		ThrottleBackoff: cfg.ThrottleBackoff,
		Logger:          logger,
		Metrics:         cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Processor[T]{
		classifier: classify.New(finder),
		pipeline:   pipeline,
		control:    control,
		logger:     logger.With(slog.String("index", cfg.Index)),
		metrics:    cfg.Metrics,
		waiters:    make(map[uint64]chan dispatch.Completion),
		routed:     make(chan struct{}),
	}, nil
}

// Start runs the pipeline until ctx ends. When the pipeline stops on a
// fatal error, or ctx ends, the queue runtime is told to stop.
func (p *Processor[T]) Start(ctx context.Context) {
	p.pipeline.Start(ctx)

	go func() {
		defer close(p.routed)
		for c := range p.pipeline.Completions() {
			p.mu.Lock()
			ch, ok := p.waiters[c.Seq]
			delete(p.waiters, c.Seq)
			p.mu.Unlock()
			if ok {
				ch <- c
			}
		}
		p.mu.Lock()
		for seq, ch := range p.waiters {
			close(ch)
			delete(p.waiters, seq)
		}
		p.mu.Unlock()
	}()

	go func() {
		select {
		case <-p.pipeline.Stopped():
			p.logger.Error("live_updates_halted",
				slog.String("reason", reason(p.pipeline.Cause())))
		case <-ctx.Done():
			p.logger.Info("live_updates_halted",
				slog.String("reason", reason(context.Cause(ctx))))
		}
		p.Stop()
	}()
}

// ProcessResults classifies the items' ids and writes the resulting batch,
// returning once the batch completed. Partially failed batches are logged
// and acknowledged; a stopped pipeline or a lookup failure is returned so
// the items are redelivered.
func (p *Processor[T]) ProcessResults(ctx context.Context, items []queue.Item) error {
	if len(items) == 0 {
		return nil
	}
	res, err := p.classifier.Classify(ctx, queue.IDs(items))
	if err != nil {
		return err
	}

	b := res.Batch(p.seq.Add(1))
	if b.Len() == 0 {
		return nil
	}

	done := make(chan dispatch.Completion, 1)
	p.mu.Lock()
	p.waiters[b.Seq] = done
	p.mu.Unlock()

	if err := p.pipeline.Submit(ctx, b); err != nil {
		p.forget(b.Seq)
		return err
	}

	select {
	case c, ok := <-done:
		if !ok {
			return p.stoppedError()
		}
		p.metrics.QueueItems("add", len(res.Add))
		p.metrics.QueueItems("remove", len(res.Remove))
		if c.Failed > 0 {
			p.logger.Warn("live_batch_partial_failure",
				slog.Uint64("batch", c.Seq),
				slog.Int("failed", c.Failed),
				slog.String("first_error", c.FirstError))
		}
		return nil
	case <-ctx.Done():
		p.forget(b.Seq)
		return ctx.Err()
	}
}

func (p *Processor[T]) forget(seq uint64) {
	p.mu.Lock()
	delete(p.waiters, seq)
	p.mu.Unlock()
}

func (p *Processor[T]) stoppedError() error {
	if err := p.pipeline.Cause(); err != nil {
		return err
	}
	return serrors.New(serrors.ErrCodePipelineStopped, "live update pipeline stopped", nil)
}

// Stop asks the queue runtime to halt delivery. It is safe to call more than once.
func (p *Processor[T]) Stop() {
	p.stopOnce.Do(func() {
		if p.control != nil {
			p.control.Stop()
		}
	})
}

// Close drains the pipeline and returns its stop cause, if any.
func (p *Processor[T]) Close() error {
	p.pipeline.CloseInput()
	err := p.pipeline.Wait()
	<-p.routed
	return err
}

func reason(err error) string {
	if err == nil {
		return "stopped"
	}
	return err.Error()
}

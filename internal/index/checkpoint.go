package index

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Aman-CERP/scoresync/internal/dispatch"
	"github.com/Aman-CERP/scoresync/internal/indexmeta"
	"github.com/Aman-CERP/scoresync/internal/metrics"
)

// Watermark tracks the longest prefix of completed batch sequence numbers.
// Batches complete out of order across workers; the checkpoint may only
// move past a batch once every earlier batch has completed too.
type Watermark struct {
	next    uint64
	pending map[uint64]*int64
	cursor  *int64
}

// NewWatermark creates a watermark expecting sequence numbers from first.
func NewWatermark(first uint64) *Watermark {
	return &Watermark{next: first, pending: make(map[uint64]*int64)}
}

// Complete records batch seq with its last cursor and returns the cursor of
// the longest completed prefix. advanced is false when the prefix did not grow.
func (w *Watermark) Complete(seq uint64, lastCursor *int64) (cursor *int64, advanced bool) {
	if seq < w.next {
		return w.cursor, false
	}
	w.pending[seq] = lastCursor
	for {
		c, ok := w.pending[w.next]
		if !ok {
			break
		}
		delete(w.pending, w.next)
		w.next++
		if c != nil {
			w.cursor = c
			advanced = true
		}
	}
	return w.cursor, advanced
}

// Cursor returns the cursor of the completed prefix, or nil.
func (w *Watermark) Cursor() *int64 {
	return w.cursor
}

// Waiting is the number of completed batches held back by a gap.
func (w *Watermark) Waiting() int {
	return len(w.pending)
}

// scanTotals accumulates completion counts.
type scanTotals struct {
	Batches int
	Indexed int
	Deleted int
	Failed  int
}

// checkpointWriter drains pipeline completions and persists the watermark
// into the index metadata.
type checkpointWriter struct {
	meta    *indexmeta.Store
	index   *indexmeta.Metadata
	metrics *metrics.Metrics
	logger  *slog.Logger

	// onProgress is called after every completion with the running totals.
	onProgress func(scanTotals, *int64)
	// onPartial is called for completions with rejected items.
	onPartial func(dispatch.Completion)

	mu     sync.Mutex
	totals scanTotals
	mark   *Watermark
}

func newCheckpointWriter(meta *indexmeta.Store, index *indexmeta.Metadata, m *metrics.Metrics, logger *slog.Logger) *checkpointWriter {
	return &checkpointWriter{
		meta:    meta,
		index:   index,
		metrics: m,
		logger:  logger,
		mark:    NewWatermark(1),
	}
}

// run consumes completions until the channel closes. A failed checkpoint
// write is logged and retried with the next advance; the in-memory
// watermark keeps growing.
func (w *checkpointWriter) run(ctx context.Context, completions <-chan dispatch.Completion) {
	for c := range completions {
		w.mu.Lock()
		w.totals.Batches++
		w.totals.Indexed += c.Indexed
		w.totals.Deleted += c.Deleted
		w.totals.Failed += c.Failed
		cursor, advanced := w.mark.Complete(c.Seq, c.LastCursor)
		totals := w.totals
		w.mu.Unlock()

		if c.Failed > 0 && w.onPartial != nil {
			w.onPartial(c)
		}
		if advanced {
			w.persist(ctx, *cursor)
		}
		if w.onProgress != nil {
			w.onProgress(totals, cursor)
		}
	}
}

func (w *checkpointWriter) persist(ctx context.Context, cursor int64) {
	// Completions are already applied; record them even while shutting down.
	ctx = context.WithoutCancel(ctx)
	if err := w.meta.Checkpoint(ctx, w.index, cursor); err != nil {
		w.logger.Warn("checkpoint_write_failed",
			slog.String("index", w.index.IndexName),
			slog.Int64("cursor", cursor),
			slog.String("error", err.Error()))
		return
	}
	w.metrics.Checkpoint(w.index.IndexName, cursor)
	w.logger.Debug("checkpoint_written",
		slog.String("index", w.index.IndexName),
		slog.Int64("cursor", cursor))
}

func (w *checkpointWriter) snapshot() (scanTotals, *int64, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totals, w.mark.Cursor(), w.mark.Waiting()
}

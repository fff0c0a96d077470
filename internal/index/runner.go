// Package index orchestrates reindex runs: it prepares the physical index,
// registers the schema, streams rows through the dispatch pipeline, writes
// checkpoints and applies live updates.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/scoresync/internal/coord"
	"github.com/Aman-CERP/scoresync/internal/dispatch"
	serrors "github.com/Aman-CERP/scoresync/internal/errors"
	"github.com/Aman-CERP/scoresync/internal/indexmeta"
	"github.com/Aman-CERP/scoresync/internal/logging"
	"github.com/Aman-CERP/scoresync/internal/metrics"
	"github.com/Aman-CERP/scoresync/internal/queue"
	"github.com/Aman-CERP/scoresync/internal/reader"
	"github.com/Aman-CERP/scoresync/internal/record"
	"github.com/Aman-CERP/scoresync/internal/schema"
	"github.com/Aman-CERP/scoresync/internal/search"
	"github.com/Aman-CERP/scoresync/internal/ui"
)

// RunnerConfig configures a reindex run.
type RunnerConfig struct {
	SchemaID string
	Alias    string

	// WorkerID identifies this worker. Generated when empty.
	WorkerID string

	// Force builds a new index even when the schema already has a complete one.
	Force bool

	BufferSize      int
	Workers         int
	ThrottleBackoff time.Duration
	PollInterval    time.Duration

	// ClosePrevious closes the previously aliased index after a switchover.
	ClosePrevious bool
}

// RunnerResult contains the outcome of a run.
type RunnerResult struct {
	Index    string
	Schema   string
	WorkerID string

	// Outcome is one of the ui.Outcome* values.
	Outcome string

	// Reason explains why the run stopped when it did not complete.
	Reason string

	// Claimed is true when this worker made its schema current.
	Claimed bool

	// Resumed is true when the scan continued from a checkpoint.
	Resumed bool

	Batches int
	Indexed int
	Deleted int
	Failed  int

	// Dropped counts batches discarded from the buffer by a stop.
	Dropped int

	// LastCursor is the checkpoint after the run.
	LastCursor *int64

	State    indexmeta.State
	Duration time.Duration
}

// LiveSource delivers live queue items while the run is active.
type LiveSource interface {
	queue.Control
	Run(ctx context.Context, handle queue.Handler) error
}

// RunnerDependencies contains the injected dependencies for Runner.
type RunnerDependencies[T record.Record] struct {
	// Renderer for progress display (required).
	Renderer ui.Renderer

	// Reader scans the record table (required).
	Reader *reader.ChunkReader[T]

	// Engine is the search engine (required).
	Engine search.Engine

	// Store is the coordination store (required).
	Store coord.Store

	// Meta stores index metadata. Built on Engine when nil.
	Meta *indexmeta.Store

	// Live, when set, is consumed into the same index for the whole run.
	// The run then lasts until the source stops.
	Live LiveSource

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Runner executes reindex runs for one record type.
type Runner[T record.Record] struct {
	renderer ui.Renderer
	reader   *reader.ChunkReader[T]
	engine   search.Engine
	store    coord.Store
	meta     *indexmeta.Store
	live     LiveSource
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRunner creates a Runner with injected dependencies.
func NewRunner[T record.Record](deps RunnerDependencies[T]) (*Runner[T], error) {
	if deps.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if deps.Reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("search engine is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("coordination store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	meta := deps.Meta
	if meta == nil {
		meta = indexmeta.NewStore(deps.Engine, logger)
	}

	return &Runner[T]{
		renderer: deps.Renderer,
		reader:   deps.Reader,
		engine:   deps.Engine,
		store:    deps.Store,
		meta:     meta,
		live:     deps.Live,
		logger:   logger,
		metrics:  deps.Metrics,
	}, nil
}

// Run prepares the schema's index, registers the schema and scans every
// record into the index while the schema poller runs. Eviction and
// cancellation of ctx end the run with a nil error and a matching outcome;
// a fatal index error or an unrecoverable read error is returned.
func (r *Runner[T]) Run(parent context.Context, cfg RunnerConfig) (*RunnerResult, error) {
	start := time.Now()
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	coordinator, err := schema.New(r.store, r.engine, r.meta, schema.Config{
		SchemaID:      cfg.SchemaID,
		Alias:         cfg.Alias,
		WorkerID:      cfg.WorkerID,
		PollInterval:  cfg.PollInterval,
		ClosePrevious: cfg.ClosePrevious,
		Logger:        r.logger,
		Metrics:       r.metrics,
	})
	if err != nil {
		return nil, err
	}
	logger := logging.ForWorker(r.logger, coordinator.WorkerID(), cfg.SchemaID)

	r.renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StagePreparing, Message: "Discovering index..."})
	idx, resumed, err := r.prepare(ctx, cfg, coordinator.WorkerID(), logger)
	if err != nil {
		return r.fail(&RunnerResult{Schema: cfg.SchemaID, WorkerID: coordinator.WorkerID()}, start, err)
	}
	result := &RunnerResult{
		Index:    idx.IndexName,
		Schema:   cfg.SchemaID,
		WorkerID: coordinator.WorkerID(),
		Resumed:  resumed,
	}
	logger = logger.With(slog.String("index", idx.IndexName))

	claimed, err := coordinator.Register(ctx, idx)
	if err != nil {
		return r.fail(result, start, err)
	}
	result.Claimed = claimed

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		if err := coordinator.Run(ctx, cancel); err != nil {
			logger.Warn("schema_poller_failed", slog.String("error", err.Error()))
		}
	}()

	var liveDone chan error
	if r.live != nil {
		liveDone, err = r.startLive(ctx, idx, cfg, logger)
		if err != nil {
			cancel(nil)
			<-pollDone
			return r.fail(result, start, err)
		}
	}

	logger.Info("reindex_started",
		slog.Bool("resumed", resumed),
		slog.Bool("claimed", claimed),
		slog.String("state", idx.State.String()))

	var runErr error
	skipped := !r.meta.Snapshot(idx).State.Resumable()
	if skipped {
		result.Reason = fmt.Sprintf("index is already %s", r.meta.Snapshot(idx).State)
		logger.Info("reindex_skipped", slog.String("reason", result.Reason))
	} else {
		runErr = r.scan(ctx, idx, cfg, result, logger)
	}
	if runErr == nil && ctx.Err() == nil {
		runErr = r.finish(ctx, idx, cfg, coordinator)
	}

	if liveDone != nil && runErr == nil {
		r.renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageDraining, Message: "Applying live updates..."})
		runErr = <-liveDone
		liveDone = nil
	}

	stopCause := context.Cause(ctx)
	cancel(nil)
	<-pollDone
	if liveDone != nil {
		if err := <-liveDone; runErr == nil {
			runErr = err
		}
	}

	snap := r.meta.Snapshot(idx)
	result.State = snap.State
	if result.LastCursor == nil {
		result.LastCursor = snap.Cursor()
	}

	switch {
	case errors.Is(stopCause, serrors.ErrSchemaEvicted):
		result.Outcome = ui.OutcomeEvicted
		result.Reason = stopCause.Error()
		runErr = nil
	case runErr != nil && parent.Err() == nil:
		return r.fail(result, start, runErr)
	case parent.Err() != nil:
		result.Outcome = ui.OutcomeInterrupted
		result.Reason = fmt.Sprintf("run cancelled: %v", context.Cause(parent))
		runErr = nil
	case skipped:
		result.Outcome = ui.OutcomeSkipped
	default:
		result.Outcome = ui.OutcomeCompleted
	}
	return r.complete(result, start, logger), nil
}

// prepare finds the index to write to, creating one when the schema has
// none or when a complete index must be rebuilt.
func (r *Runner[T]) prepare(ctx context.Context, cfg RunnerConfig, workerID string, logger *slog.Logger) (*indexmeta.Metadata, bool, error) {
	idx, err := r.meta.Discover(ctx, cfg.Alias, cfg.SchemaID)
	if err != nil {
		return nil, false, err
	}

	switch {
	case idx == nil:
	case idx.State.Resumable():
		logger.Info("index_discovered",
			slog.String("index", idx.IndexName),
			slog.String("state", idx.State.String()),
			slog.Bool("has_cursor", idx.HasCursor))
		return idx, idx.HasCursor, nil
	case !cfg.Force:
		return idx, false, nil
	default:
		logger.Info("reindex_forced",
			slog.String("existing_index", idx.IndexName),
			slog.String("state", idx.State.String()))
	}

	idx, err = r.meta.Create(ctx, cfg.Alias, cfg.SchemaID, workerID)
	if err != nil {
		return nil, false, err
	}
	return idx, false, nil
}

// scan streams records from the checkpoint into the index.
func (r *Runner[T]) scan(ctx context.Context, idx *indexmeta.Metadata, cfg RunnerConfig, result *RunnerResult, logger *slog.Logger) error {
	if _, err := r.meta.Advance(ctx, idx, indexmeta.StateBuilding); err != nil {
		return err
	}

	maxCursor, _, err := r.reader.Max(ctx)
	if err != nil {
		return err
	}

	pipeline, err := dispatch.New(r.engine, dispatch.Config{
		Index:           idx.IndexName,
		BufferSize:      cfg.BufferSize,
		Workers:         cfg.Workers,
		ThrottleBackoff: cfg.ThrottleBackoff,
		Logger:          logger,
		Metrics:         r.metrics,
	})
	if err != nil {
		return err
	}
	pipeline.Start(ctx)

	var stage atomic.Int32
	stage.Store(int32(ui.StageReading))
	writer := newCheckpointWriter(r.meta, idx, r.metrics, logger)
	writer.onProgress = func(t scanTotals, cursor *int64) {
		ev := ui.ProgressEvent{
			Stage:     ui.Stage(stage.Load()),
			MaxCursor: maxCursor,
			Documents: t.Indexed + t.Deleted,
		}
		if cursor != nil {
			ev.Cursor = *cursor
		}
		r.renderer.UpdateProgress(ev)
	}
	writer.onPartial = func(c dispatch.Completion) {
		r.renderer.AddError(ui.ErrorEvent{
			Batch:  c.Seq,
			Err:    fmt.Errorf("%d documents rejected: %s", c.Failed, c.FirstError),
			IsWarn: true,
		})
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writer.run(ctx, pipeline.Completions())
	}()

	start := idx.Cursor()
	r.renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageReading, Cursor: deref(start), MaxCursor: maxCursor})

	var seq uint64
	var readErr error
	for b, err := range r.reader.Chunks(ctx, start) {
		if err != nil {
			readErr = err
			break
		}
		seq++
		if err := pipeline.Submit(ctx, scanBatch(seq, b)); err != nil {
			readErr = err
			break
		}
	}

	stage.Store(int32(ui.StageDraining))
	r.renderer.UpdateProgress(ui.ProgressEvent{
		Stage:   ui.StageDraining,
		Message: fmt.Sprintf("Waiting for %d batches...", pipeline.Pending()),
	})
	pipeline.CloseInput()
	stopErr := pipeline.Wait()
	<-writerDone

	totals, cursor, waiting := writer.snapshot()
	result.Batches = totals.Batches
	result.Indexed = totals.Indexed
	result.Deleted = totals.Deleted
	result.Failed = totals.Failed
	result.Dropped = pipeline.Dropped()
	if cursor != nil {
		result.LastCursor = cursor
	}
	if waiting > 0 {
		logger.Info("checkpoint_gap",
			slog.Int("completed_after_gap", waiting),
			slog.Int64("cursor", deref(result.LastCursor)))
	}

	if stopErr != nil {
		r.renderer.AddError(ui.ErrorEvent{Err: stopErr})
		return stopErr
	}
	if readErr != nil && ctx.Err() == nil {
		r.renderer.AddError(ui.ErrorEvent{Err: readErr})
	}
	return readErr
}

// finish marks a fully scanned index Active, and Current when its schema is
// current. When the alias points elsewhere, as after a forced rebuild of
// the current schema, the alias is switched to this index.
func (r *Runner[T]) finish(ctx context.Context, idx *indexmeta.Metadata, cfg RunnerConfig, coordinator *schema.Coordinator) error {
	if _, err := r.meta.Advance(ctx, idx, indexmeta.StateActive); err != nil {
		return err
	}
	current, err := r.store.CurrentSchema(ctx)
	if err != nil {
		return err
	}
	if current != cfg.SchemaID {
		return nil
	}
	target, err := r.engine.AliasTarget(ctx, cfg.Alias)
	if err != nil {
		return err
	}
	switch {
	case target == idx.IndexName:
		_, err = r.meta.Advance(ctx, idx, indexmeta.StateCurrent)
		return err
	case cfg.Force:
		// A forced rebuild of the current schema never sees CurrentSchema
		// change, so it takes the alias over itself once the scan is done.
		return coordinator.Switchover(ctx)
	default:
		// The alias moves only when the current schema changes.
		logger := r.logger.With(slog.String("schema", cfg.SchemaID))
		logger.Warn("alias_not_switched",
			slog.String("alias", cfg.Alias),
			slog.String("alias_target", target),
			slog.String("index", idx.IndexName))
		return nil
	}
}

func (r *Runner[T]) startLive(ctx context.Context, idx *indexmeta.Metadata, cfg RunnerConfig, logger *slog.Logger) (chan error, error) {
	proc, err := NewProcessor(r.reader, r.engine, r.live, ProcessorConfig{
		Index:           idx.IndexName,
		BufferSize:      cfg.BufferSize,
		Workers:         cfg.Workers,
		ThrottleBackoff: cfg.ThrottleBackoff,
		Logger:          logger,
		Metrics:         r.metrics,
	})
	if err != nil {
		return nil, err
	}
	proc.Start(ctx)

	done := make(chan error, 1)
	go func() {
		runErr := r.live.Run(ctx, proc.ProcessResults)
		closeErr := proc.Close()
		if closeErr != nil {
			done <- closeErr
			return
		}
		done <- runErr
	}()
	return done, nil
}

func (r *Runner[T]) complete(result *RunnerResult, start time.Time, logger *slog.Logger) *RunnerResult {
	result.Duration = time.Since(start)

	attrs := []any{
		slog.String("outcome", result.Outcome),
		slog.Int("batches", result.Batches),
		slog.Int("indexed", result.Indexed),
		slog.Int("deleted", result.Deleted),
		slog.Int("failed", result.Failed),
		slog.Int("dropped", result.Dropped),
		slog.String("state", result.State.String()),
		slog.Int64("duration_ms", result.Duration.Milliseconds()),
	}
	if result.LastCursor != nil {
		attrs = append(attrs, slog.Int64("last_cursor", *result.LastCursor))
	}
	if result.Reason != "" {
		attrs = append(attrs, slog.String("reason", result.Reason))
	}
	logger.Info("reindex_complete", attrs...)

	r.renderer.Complete(ui.CompletionStats{
		Index:      result.Index,
		Schema:     result.Schema,
		Outcome:    result.Outcome,
		Reason:     result.Reason,
		Batches:    result.Batches,
		Indexed:    result.Indexed,
		Deleted:    result.Deleted,
		Failed:     result.Failed,
		LastCursor: result.LastCursor,
		Duration:   result.Duration,
	})
	return result
}

func (r *Runner[T]) fail(result *RunnerResult, start time.Time, err error) (*RunnerResult, error) {
	result.Outcome = ui.OutcomeFailed
	result.Reason = err.Error()
	logger := r.logger.With(slog.String("schema", result.Schema))
	logger.Error("reindex_failed", serrors.LogAttrs(err)...)
	r.complete(result, start, logger)
	return result, err
}

// scanBatch converts a chunk into a dispatch batch. Rows that should not be
// indexed become deletes so stale documents disappear.
func scanBatch[T record.Record](seq uint64, b *reader.Batch[T]) *dispatch.Batch {
	out := &dispatch.Batch{Seq: seq}
	for _, rec := range b.Records {
		if rec.ShouldIndex() {
			out.Add = append(out.Add, dispatch.Document{ID: rec.DocumentID(), Fields: rec.Document()})
			continue
		}
		out.Remove = append(out.Remove, rec.DocumentID())
	}
	cursor := b.LastCursor
	out.LastCursor = &cursor
	return out
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

package index

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/scoresync/internal/coord"
	serrors "github.com/Aman-CERP/scoresync/internal/errors"
	"github.com/Aman-CERP/scoresync/internal/indexmeta"
	"github.com/Aman-CERP/scoresync/internal/queue"
	"github.com/Aman-CERP/scoresync/internal/reader"
	"github.com/Aman-CERP/scoresync/internal/record"
	"github.com/Aman-CERP/scoresync/internal/search"
	"github.com/Aman-CERP/scoresync/internal/testutil"
	"github.com/Aman-CERP/scoresync/internal/ui"
)

const alias = "scores"

type fixture struct {
	db     *sql.DB
	engine *search.BleveEngine
	store  *coord.MemoryStore
	meta   *indexmeta.Store
	reader *reader.ChunkReader[*record.Package]
}

// newFixture seeds 30 packages; every fifth one is withdrawn, leaving 24 indexable.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenPackagesDB(t)
	pkgs := testutil.ScoredPackages(seq(1, 30)...)
	for i := range pkgs {
		if pkgs[i].ID%5 == 0 {
			pkgs[i].Withdrawn = true
		}
	}
	testutil.InsertPackages(t, db, pkgs...)

	engine, err := search.NewBleveEngine(search.BleveOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	r, err := reader.New(db, reader.DialectQuestion, record.PackageDescriptor(), reader.Options{
		ChunkSize:  4,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)

	return &fixture{
		db:     db,
		engine: engine,
		store:  coord.NewMemoryStore(),
		meta:   indexmeta.NewStore(engine, nil),
		reader: r,
	}
}

func seq(from, to int64) []int64 {
	var out []int64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func (f *fixture) runner(t *testing.T, renderer ui.Renderer, live LiveSource) *Runner[*record.Package] {
	t.Helper()
	if renderer == nil {
		renderer = &recordingRenderer{}
	}
	r, err := NewRunner(RunnerDependencies[*record.Package]{
		Renderer: renderer,
		Reader:   f.reader,
		Engine:   f.engine,
		Store:    f.store,
		Meta:     f.meta,
		Live:     live,
	})
	require.NoError(t, err)
	return r
}

func runnerConfig(schemaID string) RunnerConfig {
	return RunnerConfig{
		SchemaID:        schemaID,
		Alias:           alias,
		BufferSize:      2,
		Workers:         2,
		ThrottleBackoff: 5 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
	}
}

// recordingRenderer records completion and can cancel a run after the
// first progress report with documents.
type recordingRenderer struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	events   []ui.ProgressEvent
	errors   []ui.ErrorEvent
	complete *ui.CompletionStats
}

func (r *recordingRenderer) Start(context.Context) error { return nil }
func (r *recordingRenderer) Stop() error                 { return nil }

func (r *recordingRenderer) UpdateProgress(ev ui.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.cancel != nil && ev.Documents > 0 {
		r.cancel()
		r.cancel = nil
	}
}

func (r *recordingRenderer) AddError(ev ui.ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, ev)
}

func (r *recordingRenderer) Complete(stats ui.CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete = &stats
}

func TestNewRunner_RequiresDependencies(t *testing.T) {
	f := newFixture(t)

	_, err := NewRunner(RunnerDependencies[*record.Package]{Reader: f.reader, Engine: f.engine, Store: f.store})
	assert.Error(t, err)
	_, err = NewRunner(RunnerDependencies[*record.Package]{Renderer: &recordingRenderer{}, Engine: f.engine, Store: f.store})
	assert.Error(t, err)
	_, err = NewRunner(RunnerDependencies[*record.Package]{Renderer: &recordingRenderer{}, Reader: f.reader, Store: f.store})
	assert.Error(t, err)
	_, err = NewRunner(RunnerDependencies[*record.Package]{Renderer: &recordingRenderer{}, Reader: f.reader, Engine: f.engine})
	assert.Error(t, err)
}

func TestRunner_FirstRunBecomesCurrent(t *testing.T) {
	// Given: an empty deployment
	f := newFixture(t)
	renderer := &recordingRenderer{}

	// When: the first worker reindexes
	res, err := f.runner(t, renderer, nil).Run(context.Background(), runnerConfig("v1"))

	// Then: it claims the schema, builds the whole index and serves the alias
	require.NoError(t, err)
	assert.Equal(t, ui.OutcomeCompleted, res.Outcome)
	assert.True(t, res.Claimed)
	assert.False(t, res.Resumed)
	assert.Equal(t, indexmeta.StateCurrent, res.State)
	assert.Equal(t, 8, res.Batches)
	assert.Equal(t, 24, res.Indexed)
	assert.Equal(t, 6, res.Deleted)
	require.NotNil(t, res.LastCursor)
	assert.Equal(t, int64(30), *res.LastCursor)

	target, err := f.engine.AliasTarget(context.Background(), alias)
	require.NoError(t, err)
	assert.Equal(t, res.Index, target)

	count, err := f.engine.DocCount(context.Background(), alias)
	require.NoError(t, err)
	assert.Equal(t, uint64(24), count)

	stored, err := f.meta.Load(context.Background(), res.Index)
	require.NoError(t, err)
	assert.Equal(t, int64(30), *stored.Cursor())

	require.NotNil(t, renderer.complete)
	assert.Equal(t, ui.OutcomeCompleted, renderer.complete.Outcome)
}

func TestRunner_ResumesAfterInterruption(t *testing.T) {
	// Given: a run cancelled right after its first checkpoint
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := runnerConfig("v1")
	cfg.Workers = 1

	first, err := f.runner(t, &recordingRenderer{cancel: cancel}, nil).Run(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, ui.OutcomeInterrupted, first.Outcome)
	assert.Equal(t, indexmeta.StateBuilding, first.State)
	require.NotNil(t, first.LastCursor)
	assert.Less(t, *first.LastCursor, int64(30))

	// When: the worker restarts
	second, err := f.runner(t, nil, nil).Run(context.Background(), cfg)

	// Then: it resumes the same index from the checkpoint and ends with the full document set
	require.NoError(t, err)
	assert.Equal(t, ui.OutcomeCompleted, second.Outcome)
	assert.True(t, second.Resumed)
	assert.Equal(t, first.Index, second.Index)
	assert.Less(t, second.Indexed+second.Deleted, 30)
	assert.Equal(t, int64(30), *second.LastCursor)

	count, err := f.engine.DocCount(context.Background(), second.Index)
	require.NoError(t, err)
	assert.Equal(t, uint64(24), count)
}

func TestRunner_SkipsCompleteIndexUnlessForced(t *testing.T) {
	// Given: a schema whose index is complete
	f := newFixture(t)
	first, err := f.runner(t, nil, nil).Run(context.Background(), runnerConfig("v1"))
	require.NoError(t, err)

	// When: it runs again
	again, err := f.runner(t, nil, nil).Run(context.Background(), runnerConfig("v1"))

	// Then: nothing is rescanned
	require.NoError(t, err)
	assert.Equal(t, ui.OutcomeSkipped, again.Outcome)
	assert.Equal(t, first.Index, again.Index)
	assert.Zero(t, again.Batches)

	// When: a rebuild is forced
	cfg := runnerConfig("v1")
	cfg.Force = true
	forced, err := f.runner(t, nil, nil).Run(context.Background(), cfg)

	// Then: a new index replaces the old one behind the alias
	require.NoError(t, err)
	assert.Equal(t, ui.OutcomeCompleted, forced.Outcome)
	assert.NotEqual(t, first.Index, forced.Index)
	target, err := f.engine.AliasTarget(context.Background(), alias)
	require.NoError(t, err)
	assert.Equal(t, forced.Index, target)

	old, err := f.meta.Load(context.Background(), first.Index)
	require.NoError(t, err)
	assert.Equal(t, indexmeta.StateOutdated, old.State)
}

func TestRunner_SecondSchemaBuildsBehindCurrent(t *testing.T) {
	// Given: v1 is current
	f := newFixture(t)
	v1, err := f.runner(t, nil, nil).Run(context.Background(), runnerConfig("v1"))
	require.NoError(t, err)

	// When: a v2 worker reindexes
	v2, err := f.runner(t, nil, nil).Run(context.Background(), runnerConfig("v2"))

	// Then: v2 ends Active and the alias still serves v1
	require.NoError(t, err)
	assert.False(t, v2.Claimed)
	assert.Equal(t, indexmeta.StateActive, v2.State)
	target, err := f.engine.AliasTarget(context.Background(), alias)
	require.NoError(t, err)
	assert.Equal(t, v1.Index, target)

	active, err := f.store.ActiveSchemas(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, active)
}

func TestRunner_ClosedIndexFails(t *testing.T) {
	// Given: another schema is current and this schema's in-progress index was closed
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetCurrent(ctx, "v0"))
	idx, err := f.meta.Create(ctx, alias, "v1", "w")
	require.NoError(t, err)
	require.NoError(t, f.meta.Transition(ctx, idx, indexmeta.StateBuilding))
	require.NoError(t, f.engine.CloseIndex(ctx, idx.IndexName))
	renderer := &recordingRenderer{}

	// When
	res, err := f.runner(t, renderer, nil).Run(ctx, runnerConfig("v1"))

	// Then: the run stops with a fatal, surfaced error
	require.Error(t, err)
	assert.True(t, errors.Is(err, serrors.ErrIndexUnavailable))
	assert.True(t, serrors.IsFatal(err))
	assert.Equal(t, ui.OutcomeFailed, res.Outcome)
	assert.Equal(t, idx.IndexName, res.Index)
	assert.NotEmpty(t, renderer.errors)
}

func TestRunner_MissingSchemaFailsFast(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner(t, nil, nil).Run(context.Background(), runnerConfig(""))

	require.Error(t, err)
	assert.True(t, errors.Is(err, serrors.ErrSchemaMissing))
}

// fakeLive delivers scripted item groups, then waits until stopped.
type fakeLive struct {
	groups  [][]queue.Item
	handled chan error
	stop    chan struct{}
	once    sync.Once
}

func newFakeLive(groups ...[]queue.Item) *fakeLive {
	return &fakeLive{groups: groups, handled: make(chan error, len(groups)), stop: make(chan struct{})}
}

func (l *fakeLive) Run(ctx context.Context, handle queue.Handler) error {
	for _, g := range l.groups {
		l.handled <- handle(ctx, g)
	}
	select {
	case <-ctx.Done():
	case <-l.stop:
	}
	return nil
}

func (l *fakeLive) Stop() { l.once.Do(func() { close(l.stop) }) }

func TestRunner_LiveUpdatesUntilEvicted(t *testing.T) {
	// Given: a worker consuming live updates for schema v1
	f := newFixture(t)
	testutil.InsertPackages(t, f.db, testutil.ScoredPackages(100)...)
	live := newFakeLive([]queue.Item{{ID: 100}, {ID: 9999}})

	done := make(chan *RunnerResult, 1)
	go func() {
		res, err := f.runner(t, nil, live).Run(context.Background(), runnerConfig("v1"))
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case err := <-live.handled:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("live items were not handled")
	}
	require.Eventually(t, func() bool {
		idx, err := f.meta.Discover(context.Background(), alias, "v1")
		return err == nil && idx != nil && idx.State == indexmeta.StateCurrent
	}, 5*time.Second, 10*time.Millisecond)

	// When: an operator makes v2 current
	require.NoError(t, f.store.AddActive(context.Background(), "v2"))
	require.NoError(t, f.store.SetCurrent(context.Background(), "v2"))

	// Then: the run ends as evicted, the schema leaves the active set and the queue is stopped
	var res *RunnerResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner was not evicted")
	}
	assert.Equal(t, ui.OutcomeEvicted, res.Outcome)
	assert.Contains(t, res.Reason, "v2")
	assert.Equal(t, indexmeta.StateOutdated, res.State)

	active, err := f.store.ActiveSchemas(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, active)

	hits, err := f.engine.Search(context.Background(), res.Index, "", 100)
	require.NoError(t, err)
	ids := make(map[string]bool, len(hits))
	for _, h := range hits {
		ids[h.ID] = true
	}
	assert.True(t, ids["100"])
	assert.Len(t, ids, 25)
}

// unreachableForEngine fails every bulk request that touches document id.
type unreachableForEngine struct {
	*search.BleveEngine
	id       string
	failures chan struct{}
}

func (e *unreachableForEngine) Bulk(ctx context.Context, index string, ops []search.Operation) (*search.BulkResponse, error) {
	for _, op := range ops {
		if op.ID == e.id {
			select {
			case e.failures <- struct{}{}:
			default:
			}
			return nil, errors.New("connection reset by peer")
		}
	}
	return e.BleveEngine.Bulk(ctx, index, ops)
}

func TestRunner_CheckpointStaysBehindUndeliveredBatch(t *testing.T) {
	// Given: requests carrying package 9 (third batch) never reach the engine
	f := newFixture(t)
	engine := &unreachableForEngine{BleveEngine: f.engine, id: "9", failures: make(chan struct{}, 1)}
	r, err := NewRunner(RunnerDependencies[*record.Package]{
		Renderer: &recordingRenderer{},
		Reader:   f.reader,
		Engine:   engine,
		Store:    f.store,
		Meta:     f.meta,
	})
	require.NoError(t, err)
	cfg := runnerConfig("v1")
	cfg.Workers = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan *RunnerResult, 1)
	go func() {
		res, err := r.Run(ctx, cfg)
		assert.NoError(t, err)
		done <- res
	}()

	// When: the batch has been retried and the run is interrupted
	for range 2 {
		select {
		case <-engine.failures:
		case <-time.After(5 * time.Second):
			t.Fatal("batch was not retried")
		}
	}
	cancel()

	var res *RunnerResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	// Then: the checkpoint covers only the two delivered batches
	assert.Equal(t, ui.OutcomeInterrupted, res.Outcome)
	require.NotNil(t, res.LastCursor)
	assert.Equal(t, int64(8), *res.LastCursor)
	stored, err := f.meta.Load(context.Background(), res.Index)
	require.NoError(t, err)
	assert.Equal(t, int64(8), *stored.Cursor())

	// And: a resumed run writes the skipped rows
	second, err := f.runner(t, nil, nil).Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, res.Index, second.Index)
	count, err := f.engine.DocCount(context.Background(), second.Index)
	require.NoError(t, err)
	assert.Equal(t, uint64(24), count)
}

func TestRunner_CompletedScanLeavesForeignAliasAlone(t *testing.T) {
	// Given: v1 is current but the alias points at an index v1 did not build
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetCurrent(ctx, "v1"))
	require.NoError(t, f.engine.CreateIndex(ctx, "scores-legacy"))
	_, err := f.engine.SwapAlias(ctx, alias, "scores-legacy")
	require.NoError(t, err)

	// When: a v1 worker completes its scan
	res, err := f.runner(t, nil, nil).Run(ctx, runnerConfig("v1"))

	// Then: the index is complete but the alias is untouched
	require.NoError(t, err)
	assert.Equal(t, ui.OutcomeCompleted, res.Outcome)
	assert.Equal(t, indexmeta.StateActive, res.State)
	target, err := f.engine.AliasTarget(ctx, alias)
	require.NoError(t, err)
	assert.Equal(t, "scores-legacy", target)

	// When: the same schema is rebuilt with force
	cfg := runnerConfig("v1")
	cfg.Force = true
	forced, err := f.runner(t, nil, nil).Run(ctx, cfg)

	// Then: the rebuilt index takes the alias over
	require.NoError(t, err)
	assert.Equal(t, indexmeta.StateCurrent, forced.State)
	target, err = f.engine.AliasTarget(ctx, alias)
	require.NoError(t, err)
	assert.Equal(t, forced.Index, target)
}

package reader

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/Aman-CERP/scoresync/internal/errors"
	"github.com/Aman-CERP/scoresync/internal/record"
	"github.com/Aman-CERP/scoresync/internal/testutil"
)

func newPackageReader(t *testing.T, db Querier, chunk int) *ChunkReader[*record.Package] {
	t.Helper()
	r, err := New(db, DialectQuestion, record.PackageDescriptor(), Options{
		ChunkSize:  chunk,
		RetryDelay: time.Millisecond,
		MaxRetries: 3,
	})
	require.NoError(t, err)
	return r
}

func cursors(b *Batch[*record.Package]) []int64 {
	out := make([]int64, len(b.Records))
	for i, p := range b.Records {
		out[i] = p.ID
	}
	return out
}

func TestChunks_PinsUpperBoundAtStart(t *testing.T) {
	// Given: rows 1..5 and a chunk size of 2
	db := testutil.OpenPackagesDB(t)
	testutil.InsertPackages(t, db, testutil.ScoredPackages(1, 2, 3, 4, 5)...)
	r := newPackageReader(t, db, 2)

	// When: rows 6 and 7 arrive after the first chunk
	var got [][]int64
	for batch, err := range r.Chunks(context.Background(), nil) {
		require.NoError(t, err)
		got = append(got, cursors(batch))
		if len(got) == 1 {
			testutil.InsertPackages(t, db, testutil.ScoredPackages(6, 7)...)
		}
	}

	// Then: the scan never sees them
	assert.Equal(t, [][]int64{{1, 2}, {3, 4}, {5}}, got)
}

func TestChunks_LastCursorIsLastRecord(t *testing.T) {
	db := testutil.OpenPackagesDB(t)
	testutil.InsertPackages(t, db, testutil.ScoredPackages(10, 20, 30)...)
	r := newPackageReader(t, db, 2)

	var last []int64
	for batch, err := range r.Chunks(context.Background(), nil) {
		require.NoError(t, err)
		last = append(last, batch.LastCursor)
	}

	assert.Equal(t, []int64{20, 30}, last)
}

func TestChunks_ResumesAfterCursor(t *testing.T) {
	// Given: rows 1..5 and a checkpoint at 3
	db := testutil.OpenPackagesDB(t)
	testutil.InsertPackages(t, db, testutil.ScoredPackages(1, 2, 3, 4, 5)...)
	r := newPackageReader(t, db, 10)
	resume := int64(3)

	// When: scanning from the checkpoint
	var got [][]int64
	for batch, err := range r.Chunks(context.Background(), &resume) {
		require.NoError(t, err)
		got = append(got, cursors(batch))
	}

	// Then: only rows after it
	assert.Equal(t, [][]int64{{4, 5}}, got)
}

func TestChunks_EmptyTableYieldsNothing(t *testing.T) {
	db := testutil.OpenPackagesDB(t)
	r := newPackageReader(t, db, 2)

	count := 0
	for _, err := range r.Chunks(context.Background(), nil) {
		require.NoError(t, err)
		count++
	}

	assert.Zero(t, count)
	_, ok, err := r.Max(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChunks_AppliesWherePredicate(t *testing.T) {
	// Given: a descriptor that skips withdrawn rows
	db := testutil.OpenPackagesDB(t)
	pkgs := testutil.ScoredPackages(1, 2, 3, 4)
	pkgs[1].Withdrawn = true
	testutil.InsertPackages(t, db, pkgs...)

	desc := record.PackageDescriptor()
	desc.Where = "withdrawn = FALSE"
	r, err := New(db, DialectQuestion, desc, Options{ChunkSize: 10})
	require.NoError(t, err)

	// When: scanning
	var got []int64
	for batch, err := range r.Chunks(context.Background(), nil) {
		require.NoError(t, err)
		got = append(got, cursors(batch)...)
	}

	// Then: row 2 is filtered out
	assert.Equal(t, []int64{1, 3, 4}, got)
}

func TestChunks_StopsWhenConsumerBreaks(t *testing.T) {
	db := testutil.OpenPackagesDB(t)
	testutil.InsertPackages(t, db, testutil.ScoredPackages(1, 2, 3, 4, 5)...)
	r := newPackageReader(t, db, 1)

	seen := 0
	for _, err := range r.Chunks(context.Background(), nil) {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}

	assert.Equal(t, 2, seen)
}

// flakyDB fails the first n chunk queries and records the arguments of every call.
type flakyDB struct {
	*sql.DB
	failures atomic.Int32
	args     [][]any
}

func (f *flakyDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	f.args = append(f.args, args)
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("database is locked")
	}
	return f.DB.QueryContext(ctx, query, args...)
}

func TestChunks_RetriesSamePosition(t *testing.T) {
	// Given: a store that fails the first two chunk reads
	db := testutil.OpenPackagesDB(t)
	testutil.InsertPackages(t, db, testutil.ScoredPackages(1, 2, 3)...)
	flaky := &flakyDB{DB: db}
	flaky.failures.Store(2)
	r := newPackageReader(t, flaky, 2)

	// When: scanning
	var got [][]int64
	for batch, err := range r.Chunks(context.Background(), nil) {
		require.NoError(t, err)
		got = append(got, cursors(batch))
	}

	// Then: nothing is skipped and the retried calls reuse the same bounds
	assert.Equal(t, [][]int64{{1, 2}, {3}}, got)
	require.GreaterOrEqual(t, len(flaky.args), 3)
	assert.Equal(t, flaky.args[0], flaky.args[1])
	assert.Equal(t, flaky.args[1], flaky.args[2])
}

func TestChunks_SurfacesStoreErrorAfterRetries(t *testing.T) {
	// Given: a store that keeps failing
	db := testutil.OpenPackagesDB(t)
	testutil.InsertPackages(t, db, testutil.ScoredPackages(1)...)
	flaky := &flakyDB{DB: db}
	flaky.failures.Store(100)
	r := newPackageReader(t, flaky, 2)

	// When: scanning
	var gotErr error
	for _, err := range r.Chunks(context.Background(), nil) {
		gotErr = err
	}

	// Then: a retryable store error is yielded
	require.Error(t, gotErr)
	assert.Equal(t, serrors.ErrCodeStoreUnavailable, serrors.GetCode(gotErr))
}

func TestChunks_CancelledContext(t *testing.T) {
	db := testutil.OpenPackagesDB(t)
	testutil.InsertPackages(t, db, testutil.ScoredPackages(1, 2)...)
	r := newPackageReader(t, db, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var gotErr error
	for _, err := range r.Chunks(ctx, nil) {
		gotErr = err
	}

	assert.ErrorIs(t, gotErr, context.Canceled)
}

func TestFindByIDs_ReturnsOnlyExistingRows(t *testing.T) {
	// Given: rows 1, 2, 3
	db := testutil.OpenPackagesDB(t)
	testutil.InsertPackages(t, db, testutil.ScoredPackages(1, 2, 3)...)
	r := newPackageReader(t, db, 10)

	// When: looking up 2, 3 and the missing 9
	found, err := r.FindByIDs(context.Background(), []int64{2, 3, 9})

	// Then: 9 is absent
	require.NoError(t, err)
	var ids []int64
	for _, p := range found {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []int64{2, 3}, ids)
}

func TestFindByIDs_LargeIDSetIsSplit(t *testing.T) {
	db := testutil.OpenPackagesDB(t)
	testutil.InsertPackages(t, db, testutil.ScoredPackages(1, 1200)...)
	r := newPackageReader(t, db, 10)

	ids := make([]int64, 1200)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	found, err := r.FindByIDs(context.Background(), ids)

	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestChunkQuery_DollarDialect(t *testing.T) {
	r, err := New(&sql.DB{}, DialectDollar, record.PackageDescriptor(), Options{ChunkSize: 5})
	require.NoError(t, err)
	last := int64(7)

	query, args := r.chunkQuery(&last, 9)

	assert.Equal(t,
		"SELECT id, name, description, keywords, score, withdrawn FROM packages WHERE id <= $1 AND id > $2 ORDER BY id ASC LIMIT $3",
		query)
	assert.Equal(t, []any{int64(9), int64(7), 5}, args)
}

func TestNew_ValidatesDescriptor(t *testing.T) {
	_, err := New[*record.Package](nil, DialectQuestion, record.PackageDescriptor(), Options{})
	assert.Error(t, err)

	_, err = New(&sql.DB{}, DialectQuestion, record.Descriptor[*record.Package]{Table: "x"}, Options{})
	assert.Error(t, err)
}

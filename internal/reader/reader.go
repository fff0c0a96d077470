// Package reader pages through a relational table in cursor order.
//
// A scan pins MAX(cursor) when it starts and never reads past it, so it
// terminates even while rows are being inserted. Each chunk is fetched with
//
//	WHERE cursor > last AND cursor <= max [AND where] ORDER BY cursor LIMIT n
//
// and a failed fetch is retried at the same position after a fixed delay.
package reader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	serrors "github.com/Aman-CERP/scoresync/internal/errors"
	"github.com/Aman-CERP/scoresync/internal/metrics"
	"github.com/Aman-CERP/scoresync/internal/record"
)

// findBatchSize caps the number of ids bound into one IN (...) lookup.
const findBatchSize = 500

// Querier is the subset of *sql.DB the reader needs.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Options configures a ChunkReader.
type Options struct {
	// ChunkSize is the maximum number of records per batch.
	ChunkSize int

	// RetryDelay is the fixed wait before re-reading a failed position.
	RetryDelay time.Duration

	// MaxRetries bounds retries per position. Negative retries until the context ends.
	MaxRetries int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Batch is one ordered, non-empty chunk of records.
type Batch[T record.Record] struct {
	Records []T

	// LastCursor is the cursor value of the last record.
	LastCursor int64
}

// ChunkReader reads records of one type in cursor order.
type ChunkReader[T record.Record] struct {
	db      Querier
	dialect Dialect
	desc    record.Descriptor[T]
	opts    Options
	logger  *slog.Logger
}

// New creates a ChunkReader. The descriptor must name a table, columns,
// a cursor column and a scan function.
func New[T record.Record](db Querier, dialect Dialect, desc record.Descriptor[T], opts Options) (*ChunkReader[T], error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if desc.Table == "" || desc.CursorColumn == "" || len(desc.Columns) == 0 {
		return nil, fmt.Errorf("descriptor must declare table, cursor column and columns")
	}
	if desc.Scan == nil {
		return nil, fmt.Errorf("descriptor scan function is required")
	}
	if desc.IDColumn == "" {
		desc.IDColumn = desc.CursorColumn
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 500
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkReader[T]{
		db:      db,
		dialect: dialect,
		desc:    desc,
		opts:    opts,
		logger:  logger.With(slog.String("table", desc.Table)),
	}, nil
}

// Descriptor returns the record descriptor the reader was built with.
func (r *ChunkReader[T]) Descriptor() record.Descriptor[T] {
	return r.desc
}

// Max returns MAX(cursor), optionally filtered by the descriptor's MaxWhere.
// ok is false for an empty table.
func (r *ChunkReader[T]) Max(ctx context.Context) (int64, bool, error) {
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", r.desc.CursorColumn, r.desc.Table)
	if r.desc.MaxWhere != "" {
		query += " WHERE (" + r.desc.MaxWhere + ")"
	}

	v, err := serrors.RetryWithResult(ctx, r.retryConfig("max"), func() (sql.NullInt64, error) {
		var v sql.NullInt64
		err := r.db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	})
	if err != nil {
		return 0, false, r.readError("read max cursor", err)
	}
	return v.Int64, v.Valid, nil
}

// Chunks returns a lazy sequence of batches starting after resumeAfter (or
// from the beginning when nil). The upper bound is computed once, when the
// sequence is first iterated; iterating again starts a fresh scan.
//
// The sequence ends after the first empty chunk. A read error that survives
// the retry policy, or context cancellation, is yielded once as the error.
func (r *ChunkReader[T]) Chunks(ctx context.Context, resumeAfter *int64) iter.Seq2[*Batch[T], error] {
	return func(yield func(*Batch[T], error) bool) {
		upper, ok, err := r.Max(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		if !ok {
			r.logger.Debug("chunk_scan_empty")
			return
		}

		var last *int64
		if resumeAfter != nil {
			v := *resumeAfter
			last = &v
		}
		r.logger.Debug("chunk_scan_started", slog.Int64("max_cursor", upper), slog.Bool("resumed", last != nil))

		for {
			records, err := r.fetch(ctx, last, upper)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(records) == 0 {
				return
			}

			batch := &Batch[T]{
				Records:    records,
				LastCursor: records[len(records)-1].CursorValue(),
			}
			if !yield(batch, nil) {
				return
			}
			next := batch.LastCursor
			last = &next
		}
	}
}

// fetch reads one chunk. Retries always restart from the same last cursor.
func (r *ChunkReader[T]) fetch(ctx context.Context, last *int64, upper int64) ([]T, error) {
	query, args := r.chunkQuery(last, upper)
	records, err := serrors.RetryWithResult(ctx, r.retryConfig("chunk"), func() ([]T, error) {
		return r.query(ctx, query, args...)
	})
	if err != nil {
		return nil, r.readError("read chunk", err)
	}
	return records, nil
}

func (r *ChunkReader[T]) chunkQuery(last *int64, upper int64) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return r.dialect.Placeholder(len(args))
	}

	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE %s <= %s",
		strings.Join(r.desc.Columns, ", "), r.desc.Table, r.desc.CursorColumn, bind(upper))
	if last != nil {
		fmt.Fprintf(&sb, " AND %s > %s", r.desc.CursorColumn, bind(*last))
	}
	if r.desc.Where != "" {
		fmt.Fprintf(&sb, " AND (%s)", r.desc.Where)
	}
	fmt.Fprintf(&sb, " ORDER BY %s ASC LIMIT %s", r.desc.CursorColumn, bind(r.opts.ChunkSize))
	return sb.String(), args
}

// FindByIDs fetches exactly the rows whose id is in ids. Order is not guaranteed.
// Ids that match no row are simply absent from the result.
func (r *ChunkReader[T]) FindByIDs(ctx context.Context, ids []int64) ([]T, error) {
	var out []T
	for start := 0; start < len(ids); start += findBatchSize {
		end := min(start+findBatchSize, len(ids))
		group := ids[start:end]

		args := make([]any, len(group))
		marks := make([]string, len(group))
		for i, id := range group {
			args[i] = id
			marks[i] = r.dialect.Placeholder(i + 1)
		}
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			strings.Join(r.desc.Columns, ", "), r.desc.Table, r.desc.IDColumn, strings.Join(marks, ", "))

		records, err := serrors.RetryWithResult(ctx, r.retryConfig("find"), func() ([]T, error) {
			return r.query(ctx, query, args...)
		})
		if err != nil {
			return nil, r.readError("find by ids", err)
		}
		out = append(out, records...)
	}
	return out, nil
}

// query runs a select and materializes the rows so no cursor stays open
// while the caller holds the batch.
func (r *ChunkReader[T]) query(ctx context.Context, query string, args ...any) ([]T, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		rec, err := r.desc.Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", r.desc.Table, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *ChunkReader[T]) retryConfig(op string) serrors.RetryConfig {
	cfg := serrors.FixedDelay(r.opts.RetryDelay, r.opts.MaxRetries)
	cfg.OnRetry = func(attempt int, err error) {
		r.opts.Metrics.ReadRetry()
		r.logger.Warn("read_retry",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", r.opts.RetryDelay),
			slog.String("error", err.Error()))
	}
	return cfg
}

func (r *ChunkReader[T]) readError(msg string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return serrors.StoreError(fmt.Sprintf("%s from %s", msg, r.desc.Table), err)
}

// Package classify resolves candidate row ids against current row state
// and splits them into documents to index and document ids to delete.
package classify

import (
	"context"

	"github.com/Aman-CERP/scoresync/internal/dispatch"
	"github.com/Aman-CERP/scoresync/internal/record"
)

// Finder looks up rows by id.
type Finder[T record.Record] interface {
	FindByIDs(ctx context.Context, ids []int64) ([]T, error)
	Descriptor() record.Descriptor[T]
}

// Result is the outcome of classifying a set of ids. Every id ends up in
// exactly one of Add and Remove.
type Result[T record.Record] struct {
	// Add holds rows that exist and pass ShouldIndex.
	Add []T

	// Remove holds document ids whose row is missing or excluded. Missing
	// and excluded are not distinguished: both become a delete.
	Remove []string
}

// Classifier partitions ids using a Finder.
type Classifier[T record.Record] struct {
	finder Finder[T]
}

// New creates a Classifier.
func New[T record.Record](finder Finder[T]) *Classifier[T] {
	return &Classifier[T]{finder: finder}
}

// Classify looks up ids and partitions them. Duplicate ids are classified once.
func (c *Classifier[T]) Classify(ctx context.Context, ids []int64) (*Result[T], error) {
	unique := dedupe(ids)
	if len(unique) == 0 {
		return &Result[T]{}, nil
	}

	rows, err := c.finder.FindByIDs(ctx, unique)
	if err != nil {
		return nil, err
	}

	byDoc := make(map[string]T, len(rows))
	for _, row := range rows {
		byDoc[row.DocumentID()] = row
	}

	desc := c.finder.Descriptor()
	res := &Result[T]{}
	for _, id := range unique {
		docID := desc.DocumentIDFor(id)
		row, ok := byDoc[docID]
		if ok && row.ShouldIndex() {
			res.Add = append(res.Add, row)
			continue
		}
		res.Remove = append(res.Remove, docID)
	}
	return res, nil
}

// Batch converts r into a dispatch batch without a cursor.
func (r *Result[T]) Batch(seq uint64) *dispatch.Batch {
	b := &dispatch.Batch{Seq: seq, Remove: r.Remove}
	for _, rec := range r.Add {
		b.Add = append(b.Add, dispatch.Document{ID: rec.DocumentID(), Fields: rec.Document()})
	}
	return b
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

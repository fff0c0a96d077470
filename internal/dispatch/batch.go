package dispatch

import (
	"github.com/Aman-CERP/scoresync/internal/search"
)

// Document is one entry of a batch's add-set.
type Document struct {
	ID     string
	Fields map[string]any
}

// Batch is the unit of dispatch: one bulk request mixing index operations
// for Add and delete operations for Remove.
type Batch struct {
	// Seq orders batches from one producer. The checkpoint writer uses it to
	// find the longest completed prefix.
	Seq uint64

	Add    []Document
	Remove []string

	// LastCursor is the cursor value of the last record read into the
	// batch. Nil for batches that do not come from a cursor scan.
	LastCursor *int64
}

// Len is the number of operations in the batch.
func (b *Batch) Len() int {
	return len(b.Add) + len(b.Remove)
}

func (b *Batch) operations() []search.Operation {
	ops := make([]search.Operation, 0, b.Len())
	for _, d := range b.Add {
		ops = append(ops, search.IndexOp(d.ID, d.Fields))
	}
	for _, id := range b.Remove {
		ops = append(ops, search.DeleteOp(id))
	}
	return ops
}

// Completion reports that a batch was delivered. Partially failed batches
// complete too; Failed counts their rejected items.
type Completion struct {
	Seq        uint64
	LastCursor *int64
	Worker     int
	Attempts   int
	Indexed    int
	Deleted    int
	Failed     int
	// FirstError describes the first rejected item of a partial failure.
	FirstError string
}

// Outcome classifies a bulk response.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePartial
	OutcomeThrottled
	OutcomeIndexUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomePartial:
		return "partial"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeIndexUnavailable:
		return "index_unavailable"
	default:
		return "success"
	}
}

// Classify inspects every item of resp. Index-unavailable wins over
// throttling, which wins over other failures. The returned item is the
// first one of the winning class.
func Classify(resp *search.BulkResponse) (Outcome, search.ItemResult) {
	if _, failed := resp.FirstError(); !failed {
		return OutcomeSuccess, search.ItemResult{}
	}
	var (
		throttled, partial       search.ItemResult
		hasThrottled, hasPartial bool
	)
	for _, it := range resp.Items {
		if !it.Failed() {
			continue
		}
		switch {
		case isIndexUnavailable(it):
			return OutcomeIndexUnavailable, it
		case isThrottled(it):
			if !hasThrottled {
				throttled, hasThrottled = it, true
			}
		default:
			if !hasPartial {
				partial, hasPartial = it, true
			}
		}
	}
	switch {
	case hasThrottled:
		return OutcomeThrottled, throttled
	case hasPartial:
		return OutcomePartial, partial
	default:
		return OutcomeSuccess, search.ItemResult{}
	}
}

func isThrottled(it search.ItemResult) bool {
	return it.Status == search.StatusTooManyRequests || it.ErrorType == search.ErrTypeRejectedExecution
}

// isIndexUnavailable covers every item error after which no later request
// to the index can succeed, including a deleted index.
func isIndexUnavailable(it search.ItemResult) bool {
	switch it.ErrorType {
	case search.ErrTypeIndexClosed, search.ErrTypeClusterBlock, search.ErrTypeIndexNotFound:
		return true
	}
	return false
}

// Package record describes the relational rows that scoresync mirrors into
// the search index and how to page through them by cursor.
package record

import (
	"database/sql"
	"strconv"
)

// Record is a row eligible for indexing.
type Record interface {
	// CursorValue is the monotonically increasing, unique pagination key.
	CursorValue() int64

	// DocumentID is the search document id for this row.
	DocumentID() string

	// ShouldIndex reports whether the row belongs in the index at all.
	ShouldIndex() bool

	// Document returns the fields written to the search engine.
	Document() map[string]any
}

// Scanner is implemented by *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// Descriptor declares how a record type is stored: which table and columns
// to select, which column is the cursor, and which optional predicates
// narrow the scan and its upper bound.
type Descriptor[T Record] struct {
	// Table is the source table or view.
	Table string

	// Columns are selected in this order and passed to Scan.
	Columns []string

	// IDColumn is matched by FindByIDs.
	IDColumn string

	// CursorColumn is the monotonically increasing pagination column.
	CursorColumn string

	// Where is an optional predicate ANDed into every chunk query.
	Where string

	// MaxWhere is an optional predicate applied when computing MAX(cursor).
	MaxWhere string

	// Scan builds a record from one result row.
	Scan func(row Scanner) (T, error)

	// FormatID turns a row id into a document id. Used for rows that no
	// longer exist and therefore cannot produce their own DocumentID.
	FormatID func(id int64) string
}

// DocumentIDFor returns the document id for a row id.
func (d Descriptor[T]) DocumentIDFor(id int64) string {
	if d.FormatID != nil {
		return d.FormatID(id)
	}
	return strconv.FormatInt(id, 10)
}

// NullFloat converts a sql.NullFloat64 to a pointer.
func NullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

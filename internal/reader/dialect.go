package reader

import "strconv"

// Dialect controls bind-parameter syntax.
type Dialect int

const (
	// DialectQuestion uses ? placeholders (sqlite).
	DialectQuestion Dialect = iota
	// DialectDollar uses $1, $2, ... placeholders (postgres).
	DialectDollar
)

// Placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d == DialectDollar {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// String returns the dialect name.
func (d Dialect) String() string {
	if d == DialectDollar {
		return "dollar"
	}
	return "question"
}

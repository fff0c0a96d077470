package schema

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/Aman-CERP/scoresync/internal/coord"
	serrors "github.com/Aman-CERP/scoresync/internal/errors"
	"github.com/Aman-CERP/scoresync/internal/indexmeta"
	"github.com/Aman-CERP/scoresync/internal/search"
)

// FindingType categorizes an audit finding.
type FindingType int

const (
	// FindingCurrentNotActive means the current schema is not in the active set.
	FindingCurrentNotActive FindingType = iota
	// FindingCurrentIndexMissing means no live index exists for the current schema.
	FindingCurrentIndexMissing
	// FindingAliasTargetClosed means the alias points at a closed index.
	FindingAliasTargetClosed
	// FindingAliasMismatch means the alias serves a schema other than the current one.
	FindingAliasMismatch
	// FindingActiveWithoutIndex means an active schema has no live index.
	FindingActiveWithoutIndex
)

// String returns a snake_case name.
func (t FindingType) String() string {
	switch t {
	case FindingCurrentNotActive:
		return "current_not_active"
	case FindingCurrentIndexMissing:
		return "current_index_missing"
	case FindingAliasTargetClosed:
		return "alias_target_closed"
	case FindingAliasMismatch:
		return "alias_mismatch"
	case FindingActiveWithoutIndex:
		return "active_without_index"
	default:
		return "unknown"
	}
}

// Blocking reports whether the finding makes the audit fail. Non-blocking
// findings describe states a running deployment passes through, such as a
// switchover that has not been picked up yet.
func (t FindingType) Blocking() bool {
	switch t {
	case FindingCurrentNotActive, FindingCurrentIndexMissing, FindingAliasTargetClosed:
		return true
	default:
		return false
	}
}

// Finding is one detected issue.
type Finding struct {
	Type    FindingType
	Schema  string
	Index   string
	Details string
}

// Report is the outcome of an audit.
type Report struct {
	Alias       string
	Active      []string
	Current     string
	AliasTarget string
	Indices     []*indexmeta.Metadata
	Findings    []Finding
}

// OK reports whether no blocking finding was made.
func (r *Report) OK() bool {
	for _, f := range r.Findings {
		if f.Type.Blocking() {
			return false
		}
	}
	return true
}

// Err returns an ErrInconsistent error describing the blocking findings, or nil.
func (r *Report) Err() error {
	var msgs []string
	for _, f := range r.Findings {
		if f.Type.Blocking() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", f.Type, f.Details))
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return serrors.New(serrors.ErrCodeInconsistentState, strings.Join(msgs, "; "), nil).
		WithDetail("alias", r.Alias).
		WithSuggestion("Fix the coordination state with 'scoresync promote' or by restarting the worker of the current schema")
}

// Audit checks the coordination store against the search engine. It only
// reports; nothing is repaired.
func Audit(ctx context.Context, store coord.Store, engine search.Engine, meta *indexmeta.Store, alias string) (*Report, error) {
	active, err := store.ActiveSchemas(ctx)
	if err != nil {
		return nil, err
	}
	current, err := store.CurrentSchema(ctx)
	if err != nil {
		return nil, err
	}
	target, err := engine.AliasTarget(ctx, alias)
	if err != nil {
		return nil, err
	}
	indices, err := meta.ListAll(ctx, alias)
	if err != nil {
		return nil, err
	}

	r := &Report{Alias: alias, Active: active, Current: current, AliasTarget: target, Indices: indices}

	live := map[string]bool{}
	for _, m := range indices {
		if m.State != indexmeta.StateOutdated {
			live[m.SchemaID] = true
		}
	}

	if current != "" {
		if !slices.Contains(active, current) {
			r.add(FindingCurrentNotActive, current, "", fmt.Sprintf("current schema %q is not among active schemas %v", current, active))
		}
		if !live[current] {
			r.add(FindingCurrentIndexMissing, current, "", fmt.Sprintf("no live index exists for current schema %q", current))
		}
	}

	if target != "" {
		infos, err := engine.ListIndices(ctx, target)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			if info.Name == target && info.Closed {
				r.add(FindingAliasTargetClosed, "", target, fmt.Sprintf("alias %q points at closed index %s", alias, target))
			}
		}

		var targetSchema string
		for _, m := range indices {
			if m.IndexName == target {
				targetSchema = m.SchemaID
			}
		}
		if targetSchema != current {
			r.add(FindingAliasMismatch, targetSchema, target,
				fmt.Sprintf("alias %q serves schema %q but current schema is %q", alias, targetSchema, current))
		}
	}

	for _, schema := range active {
		if !live[schema] {
			r.add(FindingActiveWithoutIndex, schema, "", fmt.Sprintf("active schema %q has no live index", schema))
		}
	}
	return r, nil
}

func (r *Report) add(t FindingType, schema, index, details string) {
	r.Findings = append(r.Findings, Finding{Type: t, Schema: schema, Index: index, Details: details})
}

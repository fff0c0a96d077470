// Package search is the boundary to the search engine that holds the score
// index: physical indexes, the read alias, index-level metadata and a bulk
// API that reports a status and machine-readable error type per item.
package search

import (
	"context"
	"fmt"
	"time"
)

// Error types reported in ItemResult.ErrorType. The names follow the
// conventions of Elasticsearch-compatible engines so classification works
// the same against any backend.
const (
	ErrTypeRejectedExecution = "es_rejected_execution_exception"
	ErrTypeIndexClosed       = "index_closed_exception"
	ErrTypeClusterBlock      = "cluster_block_exception"
	ErrTypeIndexNotFound     = "index_not_found_exception"
	ErrTypeMapperParsing     = "mapper_parsing_exception"
	ErrTypeEngine            = "engine_exception"
)

// HTTP-style item statuses.
const (
	StatusOK              = 200
	StatusCreated         = 201
	StatusBadRequest      = 400
	StatusForbidden       = 403
	StatusNotFound        = 404
	StatusTooManyRequests = 429
	StatusInternalError   = 500
)

// OpType is a bulk operation kind.
type OpType int

const (
	// OpIndex upserts a document by id.
	OpIndex OpType = iota
	// OpDelete removes a document by id. Deleting a missing id succeeds.
	OpDelete
)

// String returns "index" or "delete".
func (o OpType) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "index"
}

// Operation is one entry of a bulk request.
type Operation struct {
	Type     OpType
	ID       string
	Document map[string]any
}

// IndexOp builds an index operation.
func IndexOp(id string, doc map[string]any) Operation {
	return Operation{Type: OpIndex, ID: id, Document: doc}
}

// DeleteOp builds a delete operation.
func DeleteOp(id string) Operation {
	return Operation{Type: OpDelete, ID: id}
}

// ItemResult is the outcome of one bulk operation.
type ItemResult struct {
	Type      OpType
	ID        string
	Status    int
	ErrorType string
	Reason    string
}

// Failed reports whether the item did not apply.
func (r ItemResult) Failed() bool {
	return r.Status >= 300
}

// BulkResponse is the outcome of a bulk request.
type BulkResponse struct {
	Took   time.Duration
	Errors bool
	Items  []ItemResult
}

// Hit is a search result.
type Hit struct {
	ID    string
	Score float64
}

// IndexInfo describes a physical index.
type IndexInfo struct {
	Name   string
	Closed bool
}

// Engine is the search engine contract used by the dispatcher and the
// schema coordinator.
type Engine interface {
	// CreateIndex creates an empty physical index.
	CreateIndex(ctx context.Context, name string) error

	// IndexExists reports whether a physical index exists (open or closed).
	IndexExists(ctx context.Context, name string) (bool, error)

	// ListIndices returns physical indexes whose name starts with prefix.
	ListIndices(ctx context.Context, prefix string) ([]IndexInfo, error)

	// CloseIndex closes a physical index. Writes to it then fail with index_closed_exception.
	CloseIndex(ctx context.Context, name string) error

	// Bulk applies mixed index/delete operations and reports per-item results.
	// An error is returned only when the request could not be attempted at all.
	Bulk(ctx context.Context, index string, ops []Operation) (*BulkResponse, error)

	// Metadata returns the index-level metadata blob, or nil when none was stored.
	// It is readable on closed indexes.
	Metadata(ctx context.Context, index string) ([]byte, error)

	// SetMetadata replaces the index-level metadata blob.
	SetMetadata(ctx context.Context, index string, data []byte) error

	// AliasTarget returns the index the alias points at, or "" if the alias does not exist.
	AliasTarget(ctx context.Context, alias string) (string, error)

	// SwapAlias points alias at exactly index and returns the index it pointed at before.
	SwapAlias(ctx context.Context, alias, index string) (previous string, err error)

	// Search runs a match query against an index or alias. An empty query matches everything.
	Search(ctx context.Context, name, query string, size int) ([]Hit, error)

	// DocCount returns the number of documents in an index or alias.
	DocCount(ctx context.Context, name string) (uint64, error)

	Close() error
}

// FirstError returns the first failed item, if any.
func (r *BulkResponse) FirstError() (ItemResult, bool) {
	for _, it := range r.Items {
		if it.Failed() {
			return it, true
		}
	}
	return ItemResult{}, false
}

// Summary counts applied and failed items per operation type.
func (r *BulkResponse) Summary() (indexed, deleted, failed int) {
	for _, it := range r.Items {
		switch {
		case it.Failed():
			failed++
		case it.Type == OpDelete:
			deleted++
		default:
			indexed++
		}
	}
	return indexed, deleted, failed
}

func failAll(ops []Operation, status int, errType, reason string) *BulkResponse {
	items := make([]ItemResult, len(ops))
	for i, op := range ops {
		items[i] = ItemResult{Type: op.Type, ID: op.ID, Status: status, ErrorType: errType, Reason: reason}
	}
	return &BulkResponse{Errors: len(ops) > 0, Items: items}
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("index name must not be empty")
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r == ' ' || r == '.' {
			return fmt.Errorf("index name %q contains an invalid character", name)
		}
	}
	return nil
}

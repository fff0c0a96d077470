package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/flock"
	"golang.org/x/sync/semaphore"

	serrors "github.com/Aman-CERP/scoresync/internal/errors"
)

const (
	// indexSuffix marks physical index directories under DataDir.
	indexSuffix = ".bleve"

	// stateFile persists aliases and closed-index metadata.
	stateFile = "engine.cbor"

	lockFile = ".lock"
)

// metadataKey is the bleve internal key holding index-level metadata.
var metadataKey = []byte("_scoresync_meta")

// BleveOptions configures a BleveEngine.
type BleveOptions struct {
	// DataDir holds one directory per physical index. Empty keeps indexes in memory.
	DataDir string

	// MaxConcurrentBulk caps bulk requests in flight. Requests over the cap are
	// rejected item by item with 429 es_rejected_execution_exception. Zero means 4.
	MaxConcurrentBulk int

	Logger *slog.Logger
}

// engineState is the part of the engine that lives outside any one index.
type engineState struct {
	Aliases map[string]string `cbor:"1,keyasint"`
	// Closed maps a closed index to the metadata it carried when closed.
	Closed map[string][]byte `cbor:"2,keyasint"`
}

// BleveEngine implements Engine on top of bleve. One process owns a data
// directory at a time; the directory is guarded by a file lock.
type BleveEngine struct {
	dataDir string
	ingest  *semaphore.Weighted
	logger  *slog.Logger
	lock    *flock.Flock

	mu      sync.RWMutex
	indexes map[string]bleve.Index
	aliases map[string]bleve.IndexAlias
	state   engineState
	closed  bool
}

var _ Engine = (*BleveEngine)(nil)

// NewBleveEngine opens (or initializes) an engine.
func NewBleveEngine(opts BleveOptions) (*BleveEngine, error) {
	if opts.MaxConcurrentBulk <= 0 {
		opts.MaxConcurrentBulk = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &BleveEngine{
		dataDir: opts.DataDir,
		ingest:  semaphore.NewWeighted(int64(opts.MaxConcurrentBulk)),
		logger:  logger,
		indexes: make(map[string]bleve.Index),
		aliases: make(map[string]bleve.IndexAlias),
		state: engineState{
			Aliases: make(map[string]string),
			Closed:  make(map[string][]byte),
		},
	}

	if e.dataDir == "" {
		return e, nil
	}

	if err := os.MkdirAll(e.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	e.lock = flock.New(filepath.Join(e.dataDir, lockFile))
	locked, err := e.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock index directory: %w", err)
	}
	if !locked {
		return nil, serrors.New(serrors.ErrCodeIndexLocked,
			fmt.Sprintf("index directory %s is in use by another process", e.dataDir), nil).
			WithSuggestion("Stop the other scoresync process or point search.data_dir elsewhere")
	}
	if err := e.loadState(); err != nil {
		_ = e.lock.Unlock()
		return nil, err
	}
	return e, nil
}

func newIndexMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	score := bleve.NewNumericFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("name", text)
	doc.AddFieldMappingsAt("description", text)
	doc.AddFieldMappingsAt("keywords", text)
	doc.AddFieldMappingsAt("score", score)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

func (e *BleveEngine) indexPath(name string) string {
	return filepath.Join(e.dataDir, name+indexSuffix)
}

// CreateIndex creates an empty physical index.
func (e *BleveEngine) CreateIndex(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return serrors.ValidationError(err.Error(), nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}
	if _, ok := e.state.Aliases[name]; ok {
		return serrors.ValidationError(fmt.Sprintf("%s is an alias", name), nil)
	}
	if e.existsLocked(name) {
		return serrors.ValidationError(fmt.Sprintf("index %s already exists", name), nil)
	}

	var (
		idx bleve.Index
		err error
	)
	if e.dataDir == "" {
		idx, err = bleve.NewMemOnly(newIndexMapping())
	} else {
		idx, err = bleve.New(e.indexPath(name), newIndexMapping())
	}
	if err != nil {
		return serrors.InternalError(fmt.Sprintf("create index %s", name), err)
	}
	e.indexes[name] = idx
	e.logger.Info("index_created", slog.String("index", name))
	return nil
}

// IndexExists reports whether a physical index exists, open or closed.
func (e *BleveEngine) IndexExists(ctx context.Context, name string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	return e.existsLocked(name), nil
}

func (e *BleveEngine) existsLocked(name string) bool {
	if _, ok := e.indexes[name]; ok {
		return true
	}
	if _, ok := e.state.Closed[name]; ok {
		return true
	}
	if e.dataDir == "" {
		return false
	}
	info, err := os.Stat(e.indexPath(name))
	return err == nil && info.IsDir()
}

// ListIndices returns physical indexes whose name starts with prefix, sorted by name.
func (e *BleveEngine) ListIndices(ctx context.Context, prefix string) ([]IndexInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	names := make(map[string]bool)
	for name := range e.indexes {
		names[name] = false
	}
	for name := range e.state.Closed {
		names[name] = true
	}
	if e.dataDir != "" {
		entries, err := os.ReadDir(e.dataDir)
		if err != nil {
			return nil, fmt.Errorf("list index directory: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() || !strings.HasSuffix(entry.Name(), indexSuffix) {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), indexSuffix)
			if _, seen := names[name]; !seen {
				names[name] = false
			}
		}
	}

	var out []IndexInfo
	for name, closed := range names {
		if strings.HasPrefix(name, prefix) {
			out = append(out, IndexInfo{Name: name, Closed: closed})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// open returns the live bleve index for name, opening it from disk if needed.
// Callers must not hold e.mu.
func (e *BleveEngine) open(name string) (bleve.Index, error) {
	e.mu.RLock()
	idx, ok := e.indexes[name]
	_, closed := e.state.Closed[name]
	shut := e.closed
	e.mu.RUnlock()

	switch {
	case shut:
		return nil, serrors.New(serrors.ErrCodeIndexUnavailable, "search engine is closed", nil)
	case closed:
		return nil, serrors.IndexUnavailableError(name, ErrTypeIndexClosed)
	case ok:
		return idx, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openLocked(name)
}

func (e *BleveEngine) openLocked(name string) (bleve.Index, error) {
	if idx, ok := e.indexes[name]; ok {
		return idx, nil
	}
	if _, closed := e.state.Closed[name]; closed {
		return nil, serrors.IndexUnavailableError(name, ErrTypeIndexClosed)
	}
	if e.dataDir == "" {
		return nil, serrors.New(serrors.ErrCodeIndexNotFound, fmt.Sprintf("index %s not found", name), nil)
	}
	idx, err := bleve.Open(e.indexPath(name))
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return nil, serrors.New(serrors.ErrCodeIndexNotFound, fmt.Sprintf("index %s not found", name), nil)
	}
	if err != nil {
		return nil, serrors.InternalError(fmt.Sprintf("open index %s", name), err)
	}
	e.indexes[name] = idx
	return idx, nil
}

// Bulk applies ops to index as one bleve batch.
func (e *BleveEngine) Bulk(ctx context.Context, index string, ops []Operation) (*BulkResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return &BulkResponse{}, nil
	}
	start := time.Now()

	if !e.ingest.TryAcquire(1) {
		return failAll(ops, StatusTooManyRequests, ErrTypeRejectedExecution, "bulk queue is full"), nil
	}
	defer e.ingest.Release(1)

	idx, err := e.open(index)
	switch {
	case errors.Is(err, serrors.ErrIndexUnavailable):
		return failAll(ops, StatusBadRequest, ErrTypeIndexClosed, fmt.Sprintf("index %s is closed", index)), nil
	case errors.Is(err, serrors.ErrIndexNotFound):
		return failAll(ops, StatusNotFound, ErrTypeIndexNotFound, fmt.Sprintf("no such index [%s]", index)), nil
	case err != nil:
		return nil, err
	}

	resp := &BulkResponse{Items: make([]ItemResult, len(ops))}
	batch := idx.NewBatch()
	for i, op := range ops {
		item := ItemResult{Type: op.Type, ID: op.ID, Status: StatusOK}
		switch op.Type {
		case OpDelete:
			batch.Delete(op.ID)
		default:
			if err := batch.Index(op.ID, op.Document); err != nil {
				item.Status = StatusBadRequest
				item.ErrorType = ErrTypeMapperParsing
				item.Reason = err.Error()
				resp.Errors = true
			} else {
				item.Status = StatusCreated
			}
		}
		resp.Items[i] = item
	}

	if err := idx.Batch(batch); err != nil {
		if errors.Is(err, bleve.ErrorIndexClosed) {
			return failAll(ops, StatusBadRequest, ErrTypeIndexClosed, err.Error()), nil
		}
		return failAll(ops, StatusInternalError, ErrTypeEngine, err.Error()), nil
	}

	resp.Took = time.Since(start)
	return resp, nil
}

// Metadata returns the metadata blob of index.
func (e *BleveEngine) Metadata(ctx context.Context, index string) ([]byte, error) {
	e.mu.RLock()
	if data, closed := e.state.Closed[index]; closed {
		e.mu.RUnlock()
		return data, nil
	}
	e.mu.RUnlock()

	idx, err := e.open(index)
	if err != nil {
		return nil, err
	}
	data, err := idx.GetInternal(metadataKey)
	if err != nil {
		return nil, serrors.InternalError(fmt.Sprintf("read metadata of %s", index), err)
	}
	return data, nil
}

// SetMetadata stores the metadata blob on index.
func (e *BleveEngine) SetMetadata(ctx context.Context, index string, data []byte) error {
	idx, err := e.open(index)
	if err != nil {
		return err
	}
	if err := idx.SetInternal(metadataKey, data); err != nil {
		if errors.Is(err, bleve.ErrorIndexClosed) {
			return serrors.IndexUnavailableError(index, ErrTypeIndexClosed)
		}
		return serrors.InternalError(fmt.Sprintf("write metadata of %s", index), err)
	}
	return nil
}

// AliasTarget returns the index alias points at.
func (e *BleveEngine) AliasTarget(ctx context.Context, alias string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	return e.state.Aliases[alias], nil
}

// SwapAlias repoints alias to index in one step and persists the change.
func (e *BleveEngine) SwapAlias(ctx context.Context, alias, index string) (string, error) {
	if err := validName(alias); err != nil {
		return "", serrors.ValidationError(err.Error(), nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	if e.existsLocked(alias) {
		return "", serrors.ValidationError(fmt.Sprintf("alias %s collides with an index name", alias), nil)
	}
	target, err := e.openLocked(index)
	if err != nil {
		return "", err
	}

	previous := e.state.Aliases[alias]
	if previous == index {
		return previous, nil
	}

	e.state.Aliases[alias] = index
	if err := e.saveState(); err != nil {
		if previous == "" {
			delete(e.state.Aliases, alias)
		} else {
			e.state.Aliases[alias] = previous
		}
		return "", err
	}

	if a, ok := e.aliases[alias]; ok {
		var out []bleve.Index
		if old, ok := e.indexes[previous]; ok {
			out = append(out, old)
		}
		a.Swap([]bleve.Index{target}, out)
	}

	e.logger.Info("alias_swapped",
		slog.String("alias", alias),
		slog.String("index", index),
		slog.String("previous", previous))
	return previous, nil
}

// CloseIndex closes index. Its metadata stays readable.
func (e *BleveEngine) CloseIndex(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}
	if _, closed := e.state.Closed[name]; closed {
		return nil
	}

	idx, err := e.openLocked(name)
	if err != nil {
		return err
	}
	meta, err := idx.GetInternal(metadataKey)
	if err != nil {
		return serrors.InternalError(fmt.Sprintf("read metadata of %s", name), err)
	}

	e.state.Closed[name] = meta
	if err := e.saveState(); err != nil {
		delete(e.state.Closed, name)
		return err
	}
	delete(e.indexes, name)
	for _, a := range e.aliases {
		a.Remove(idx)
	}
	if err := idx.Close(); err != nil {
		e.logger.Warn("index_close_failed", slog.String("index", name), slog.String("error", err.Error()))
	}
	e.logger.Info("index_closed", slog.String("index", name))
	return nil
}

// resolve returns the bleve index to query for an index or alias name.
func (e *BleveEngine) resolve(name string) (bleve.Index, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	target, isAlias := e.state.Aliases[name]
	if !isAlias {
		return e.openLocked(name)
	}
	if a, ok := e.aliases[name]; ok {
		return a, nil
	}
	idx, err := e.openLocked(target)
	if err != nil {
		return nil, err
	}
	a := bleve.NewIndexAlias(idx)
	e.aliases[name] = a
	return a, nil
}

// Search runs a match query (or match-all for an empty query).
func (e *BleveEngine) Search(ctx context.Context, name, query string, size int) ([]Hit, error) {
	idx, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 10
	}

	var req *bleve.SearchRequest
	if strings.TrimSpace(query) == "" {
		req = bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	} else {
		req = bleve.NewSearchRequest(bleve.NewMatchQuery(query))
	}
	req.Size = size

	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		if errors.Is(err, bleve.ErrorIndexClosed) {
			return nil, serrors.IndexUnavailableError(name, ErrTypeIndexClosed)
		}
		return nil, serrors.InternalError(fmt.Sprintf("search %s", name), err)
	}

	hits := make([]Hit, len(res.Hits))
	for i, h := range res.Hits {
		hits[i] = Hit{ID: h.ID, Score: h.Score}
	}
	return hits, nil
}

// DocCount returns the number of documents behind an index or alias.
func (e *BleveEngine) DocCount(ctx context.Context, name string) (uint64, error) {
	idx, err := e.resolve(name)
	if err != nil {
		return 0, err
	}
	n, err := idx.DocCount()
	if err != nil {
		return 0, serrors.InternalError(fmt.Sprintf("count %s", name), err)
	}
	return n, nil
}

// Close closes every open index and releases the directory lock.
func (e *BleveEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	for name, idx := range e.indexes {
		if err := idx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	e.indexes = nil
	e.aliases = nil
	if e.lock != nil {
		if err := e.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *BleveEngine) checkOpen() error {
	if e.closed {
		return serrors.New(serrors.ErrCodeIndexUnavailable, "search engine is closed", nil)
	}
	return nil
}

func (e *BleveEngine) loadState() error {
	data, err := os.ReadFile(filepath.Join(e.dataDir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read engine state: %w", err)
	}
	var st engineState
	if err := cbor.Unmarshal(data, &st); err != nil {
		return serrors.InternalError("decode engine state", err)
	}
	if st.Aliases != nil {
		e.state.Aliases = st.Aliases
	}
	if st.Closed != nil {
		e.state.Closed = st.Closed
	}
	return nil
}

// saveState writes the state file atomically. No-op for in-memory engines.
func (e *BleveEngine) saveState() error {
	if e.dataDir == "" {
		return nil
	}
	data, err := cbor.Marshal(e.state)
	if err != nil {
		return serrors.InternalError("encode engine state", err)
	}
	path := filepath.Join(e.dataDir, stateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write engine state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace engine state: %w", err)
	}
	return nil
}

// Package indexmeta keeps the small descriptor stored on every physical
// index: which schema it belongs to, where it is in its lifecycle, and the
// cursor a full scan can resume after.
package indexmeta

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	serrors "github.com/Aman-CERP/scoresync/internal/errors"
	"github.com/Aman-CERP/scoresync/internal/search"
)

// nameTimeLayout is the suffix format of physical index names.
const nameTimeLayout = "20060102150405"

// Metadata describes one physical index.
type Metadata struct {
	IndexName string `cbor:"1,keyasint"`
	SchemaID  string `cbor:"2,keyasint"`
	State     State  `cbor:"3,keyasint"`

	// LastCursor is the scan checkpoint; HasCursor is false until the first batch lands.
	LastCursor int64 `cbor:"4,keyasint"`
	HasCursor  bool  `cbor:"5,keyasint"`

	CreatedAt time.Time `cbor:"6,keyasint"`
	UpdatedAt time.Time `cbor:"7,keyasint"`

	// WorkerID is the worker that last wrote the metadata.
	WorkerID string `cbor:"8,keyasint,omitempty"`
}

// Cursor returns the checkpoint as a resume position, or nil before the first checkpoint.
func (m *Metadata) Cursor() *int64 {
	if !m.HasCursor {
		return nil
	}
	c := m.LastCursor
	return &c
}

// PhysicalName builds the versioned index name <alias>-<schema>-<timestamp>,
// with the timestamp in UTC down to the millisecond.
func PhysicalName(alias, schemaID string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s-%s-%s%03d", alias, schemaID, at.Format(nameTimeLayout), at.Nanosecond()/int(time.Millisecond))
}

// SchemaPrefix is the name prefix shared by every index of one schema.
func SchemaPrefix(alias, schemaID string) string {
	return alias + "-" + schemaID + "-"
}

// encMode keeps timestamps at full precision.
var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Encode serializes m.
func Encode(m *Metadata) ([]byte, error) {
	return encMode.Marshal(m)
}

// Decode parses metadata written by Encode.
func Decode(data []byte) (*Metadata, error) {
	var m Metadata
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, serrors.InternalError("decode index metadata", err)
	}
	return &m, nil
}

// Store reads and writes metadata through the search engine. Mutations of
// a *Metadata shared between goroutines must go through the Store.
type Store struct {
	engine search.Engine
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewStore creates a Store.
func NewStore(engine search.Engine, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{engine: engine, logger: logger, now: time.Now}
}

// Load returns the metadata of index, or nil when the index carries none.
func (s *Store) Load(ctx context.Context, index string) (*Metadata, error) {
	data, err := s.engine.Metadata(ctx, index)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return Decode(data)
}

// Save stamps UpdatedAt and writes m to its index.
func (s *Store) Save(ctx context.Context, m *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, m)
}

// Snapshot returns a copy of m taken under the store lock.
func (s *Store) Snapshot(m *Metadata) Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *m
}

func (s *Store) save(ctx context.Context, m *Metadata) error {
	m.UpdatedAt = s.now().UTC()
	data, err := Encode(m)
	if err != nil {
		return serrors.InternalError("encode index metadata", err)
	}
	return s.engine.SetMetadata(ctx, m.IndexName, data)
}

// Create creates a new physical index for schemaID and stamps it New.
func (s *Store) Create(ctx context.Context, alias, schemaID, workerID string) (*Metadata, error) {
	now := s.now().UTC()
	name := PhysicalName(alias, schemaID, now)
	for {
		exists, err := s.engine.IndexExists(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			break
		}
		now = now.Add(time.Millisecond)
		name = PhysicalName(alias, schemaID, now)
	}

	m := &Metadata{
		IndexName: name,
		SchemaID:  schemaID,
		State:     StateNew,
		CreatedAt: now,
		WorkerID:  workerID,
	}
	if err := s.engine.CreateIndex(ctx, m.IndexName); err != nil {
		return nil, err
	}
	if err := s.Save(ctx, m); err != nil {
		return nil, err
	}
	s.logger.Info("index_metadata_created",
		slog.String("index", m.IndexName),
		slog.String("schema", schemaID))
	return m, nil
}

// Transition moves m to state and persists it. Illegal moves are rejected
// without touching the stored copy.
func (s *Store) Transition(ctx context.Context, m *Metadata, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(m.State, to) {
		return serrors.New(serrors.ErrCodeInvalidState,
			fmt.Sprintf("index %s cannot move from %s to %s", m.IndexName, m.State, to), nil)
	}
	from := m.State
	m.State = to
	if err := s.save(ctx, m); err != nil {
		m.State = from
		return err
	}
	if from != to {
		s.logger.Info("index_state_changed",
			slog.String("index", m.IndexName),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	}
	return nil
}

// Advance moves m forward to state when it is behind it. It reports
// whether m changed; an index already at or past state is left alone.
func (s *Store) Advance(ctx context.Context, m *Metadata, to State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.State >= to {
		return false, nil
	}
	from := m.State
	m.State = to
	if err := s.save(ctx, m); err != nil {
		m.State = from
		return false, err
	}
	s.logger.Info("index_state_changed",
		slog.String("index", m.IndexName),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	return true, nil
}

// Checkpoint records lastCursor as the resume position.
func (s *Store) Checkpoint(ctx context.Context, m *Metadata, lastCursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prevCursor, prevHas := m.LastCursor, m.HasCursor
	m.LastCursor = lastCursor
	m.HasCursor = true
	if err := s.save(ctx, m); err != nil {
		m.LastCursor, m.HasCursor = prevCursor, prevHas
		return err
	}
	return nil
}

// ListSchema returns the metadata of every index of schemaID under alias,
// newest first. Indexes without metadata are skipped.
func (s *Store) ListSchema(ctx context.Context, alias, schemaID string) ([]*Metadata, error) {
	return s.list(ctx, SchemaPrefix(alias, schemaID), func(m *Metadata) bool {
		return m.SchemaID == schemaID
	})
}

// ListAll returns the metadata of every index under alias, newest first.
func (s *Store) ListAll(ctx context.Context, alias string) ([]*Metadata, error) {
	return s.list(ctx, alias+"-", func(*Metadata) bool { return true })
}

func (s *Store) list(ctx context.Context, prefix string, keep func(*Metadata) bool) ([]*Metadata, error) {
	infos, err := s.engine.ListIndices(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var out []*Metadata
	for _, info := range infos {
		m, err := s.Load(ctx, info.Name)
		if err != nil {
			s.logger.Warn("index_metadata_unreadable",
				slog.String("index", info.Name),
				slog.String("error", err.Error()))
			continue
		}
		if m == nil || !keep(m) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return strings.Compare(out[i].IndexName, out[j].IndexName) > 0
	})
	return out, nil
}

// Discover returns the newest index of schemaID that is not Outdated, or nil.
func (s *Store) Discover(ctx context.Context, alias, schemaID string) (*Metadata, error) {
	all, err := s.ListSchema(ctx, alias, schemaID)
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if m.State != StateOutdated {
			return m, nil
		}
	}
	return nil, nil
}

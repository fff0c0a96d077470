package coord

import (
	"context"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore keeps coordination state in process. Workers that share a
// MemoryStore behave like workers sharing a remote store.
type MemoryStore struct {
	active *xsync.MapOf[string, struct{}]

	mu       sync.Mutex
	current  string
	watchers map[chan struct{}]struct{}
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ Notifier = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active:   xsync.NewMapOf[string, struct{}](),
		watchers: make(map[chan struct{}]struct{}),
	}
}

func (m *MemoryStore) AddActive(ctx context.Context, schemaID string) error {
	if _, loaded := m.active.LoadOrStore(schemaID, struct{}{}); !loaded {
		m.changed()
	}
	return nil
}

func (m *MemoryStore) RemoveActive(ctx context.Context, schemaID string) error {
	if _, loaded := m.active.LoadAndDelete(schemaID); loaded {
		m.changed()
	}
	return nil
}

func (m *MemoryStore) ActiveSchemas(ctx context.Context) ([]string, error) {
	out := make([]string, 0, m.active.Size())
	m.active.Range(func(k string, _ struct{}) bool {
		out = append(out, k)
		return true
	})
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) CurrentSchema(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

func (m *MemoryStore) SetCurrent(ctx context.Context, schemaID string) error {
	m.mu.Lock()
	changed := m.current != schemaID
	m.current = schemaID
	m.mu.Unlock()
	if changed {
		m.changed()
	}
	return nil
}

func (m *MemoryStore) ClaimCurrent(ctx context.Context, schemaID string) (bool, string, error) {
	m.mu.Lock()
	if m.current != "" {
		current := m.current
		m.mu.Unlock()
		return false, current, nil
	}
	m.current = schemaID
	m.mu.Unlock()
	m.changed()
	return true, schemaID, nil
}

func (m *MemoryStore) ClearCurrent(ctx context.Context) error {
	return m.SetCurrent(ctx, "")
}

// Watch signals after every change until ctx ends.
func (m *MemoryStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (m *MemoryStore) changed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.watchers {
		notify(ch)
	}
}

func (m *MemoryStore) Close() error { return nil }

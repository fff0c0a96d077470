// Package coord is the shared schema registry every worker reads and
// writes: the set of schemas being produced ("active") and the one schema
// the read alias should serve ("current").
//
// No operation takes a lock across keys. Set membership changes are
// idempotent and the first claim of the current schema is a conditional
// set-if-absent, so two fresh workers cannot both win it.
package coord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Aman-CERP/scoresync/internal/config"
	serrors "github.com/Aman-CERP/scoresync/internal/errors"
)

// Store is the coordination store contract.
type Store interface {
	// AddActive registers schemaID as being produced.
	AddActive(ctx context.Context, schemaID string) error

	// RemoveActive deregisters schemaID. Removing an absent schema is a no-op.
	RemoveActive(ctx context.Context, schemaID string) error

	// ActiveSchemas returns the registered schemas in sorted order.
	ActiveSchemas(ctx context.Context) ([]string, error)

	// CurrentSchema returns the current schema, or "" when unset.
	CurrentSchema(ctx context.Context) (string, error)

	// SetCurrent unconditionally sets the current schema.
	SetCurrent(ctx context.Context, schemaID string) error

	// ClaimCurrent sets the current schema only if it is unset. It returns
	// whether this call set it and the value in effect afterwards.
	ClaimCurrent(ctx context.Context, schemaID string) (claimed bool, current string, err error)

	// ClearCurrent unsets the current schema.
	ClearCurrent(ctx context.Context) error

	Close() error
}

// Notifier is implemented by stores that can signal changes. The channel
// receives a value after any change (coalesced) and is closed when ctx ends.
type Notifier interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// Backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendEtcd   = "etcd"
)

// New opens the backend selected by cfg.
func New(ctx context.Context, cfg config.CoordinationConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		s, err := NewSQLiteStore(ctx, cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendEtcd:
		s, err := NewEtcdStore(ctx, EtcdConfig{
			Endpoints:   cfg.Endpoints,
			Prefix:      cfg.Prefix,
			DialTimeout: cfg.DialTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, serrors.ConfigError(fmt.Sprintf("unknown coordination backend %q", cfg.Backend), nil)
	}
}

// IsActive reports whether schemaID is in the active set.
func IsActive(ctx context.Context, s Store, schemaID string) (bool, error) {
	active, err := s.ActiveSchemas(ctx)
	if err != nil {
		return false, err
	}
	for _, a := range active {
		if a == schemaID {
			return true, nil
		}
	}
	return false, nil
}

// notify performs a non-blocking send so a slow watcher only ever sees one pending signal.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

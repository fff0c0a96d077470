package coord

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"

	serrors "github.com/Aman-CERP/scoresync/internal/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS coord_active (
    schema_id     TEXT PRIMARY KEY,
    registered_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS coord_state (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`

const currentKey = "current"

// SQLiteStore keeps coordination state in a SQLite file shared by workers
// on one host. Watch reports writes by observing the database directory.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var (
	_ Store    = (*SQLiteStore)(nil)
	_ Notifier = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (creating if needed) the coordination database at path.
func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, serrors.ConfigError("coordination path is required for the sqlite backend", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, serrors.CoordinationError("create coordination directory", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, serrors.CoordinationError("open coordination database", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, serrors.CoordinationError("initialize coordination schema", err)
	}

	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

func (s *SQLiteStore) AddActive(ctx context.Context, schemaID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coord_active (schema_id, registered_at) VALUES (?, ?) ON CONFLICT(schema_id) DO NOTHING`,
		schemaID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return serrors.CoordinationError("add active schema", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveActive(ctx context.Context, schemaID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM coord_active WHERE schema_id = ?`, schemaID); err != nil {
		return serrors.CoordinationError("remove active schema", err)
	}
	return nil
}

func (s *SQLiteStore) ActiveSchemas(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT schema_id FROM coord_active`)
	if err != nil {
		return nil, serrors.CoordinationError("list active schemas", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, serrors.CoordinationError("scan active schema", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, serrors.CoordinationError("list active schemas", err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *SQLiteStore) CurrentSchema(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM coord_state WHERE key = ?`, currentKey).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", serrors.CoordinationError("read current schema", err)
	}
	return v, nil
}

func (s *SQLiteStore) SetCurrent(ctx context.Context, schemaID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coord_state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		currentKey, schemaID)
	if err != nil {
		return serrors.CoordinationError("set current schema", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimCurrent(ctx context.Context, schemaID string) (bool, string, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO coord_state (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
		currentKey, schemaID)
	if err != nil {
		return false, "", serrors.CoordinationError("claim current schema", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", serrors.CoordinationError("claim current schema", err)
	}
	if n == 1 {
		return true, schemaID, nil
	}
	current, err := s.CurrentSchema(ctx)
	return false, current, err
}

func (s *SQLiteStore) ClearCurrent(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM coord_state WHERE key = ?`, currentKey); err != nil {
		return serrors.CoordinationError("clear current schema", err)
	}
	return nil
}

// Watch signals on writes to the database file or its WAL. Signals may be
// spurious; callers re-read state.
func (s *SQLiteStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, serrors.CoordinationError("create coordination watcher", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return nil, serrors.CoordinationError("watch coordination directory", err)
	}

	base := filepath.Base(s.path)
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if strings.HasPrefix(filepath.Base(ev.Name), base) && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					notify(out)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("coordination_watch_error", slog.String("error", err.Error()))
			}
		}
	}()
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

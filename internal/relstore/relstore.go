// Package relstore opens the relational system-of-record that packages are
// read from. sqlite (pure Go), sqlite3 (cgo) and postgres are supported;
// every driver is exposed as a *sql.DB plus the bind-parameter dialect the
// chunk reader needs.
package relstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3" // registers "sqlite3" (cgo)
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // registers "sqlite" (pure Go)

	"github.com/Aman-CERP/scoresync/internal/config"
	serrors "github.com/Aman-CERP/scoresync/internal/errors"
	"github.com/Aman-CERP/scoresync/internal/reader"
	"github.com/Aman-CERP/scoresync/internal/record"
)

// DB is an open relational store.
type DB struct {
	*sql.DB
	Driver  string
	Dialect reader.Dialect
}

// sqlitePragmas are applied to every sqlite connection pool.
var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

// Open connects using cfg and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	var (
		db      *sql.DB
		dialect = reader.DialectQuestion
		err     error
	)

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite("sqlite", cfg.DSN, cfg.DSN)
	case "sqlite3":
		db, err = openSQLite("sqlite3", cfg.DSN, withParams(cfg.DSN, "_journal_mode=WAL&_busy_timeout=5000"))
	case "postgres":
		db, err = openPostgres(cfg.DSN)
		dialect = reader.DialectDollar
	default:
		return nil, serrors.ConfigError(fmt.Sprintf("unsupported database driver %q", cfg.Driver), nil)
	}
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, serrors.StoreError(fmt.Sprintf("connect to %s database", cfg.Driver), err)
	}

	return &DB{DB: db, Driver: cfg.Driver, Dialect: dialect}, nil
}

func openSQLite(driver, path, dsn string) (*sql.DB, error) {
	if path != "" && path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, serrors.StoreError("open sqlite database", err)
	}
	if driver == "sqlite" {
		// modernc ignores most DSN parameters, so pragmas go through statements.
		for _, pragma := range sqlitePragmas {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, serrors.StoreError("configure sqlite database", err)
			}
		}
	}
	return db, nil
}

func openPostgres(dsn string) (*sql.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, serrors.StoreError("open postgres database", err)
	}
	db, err := gdb.DB()
	if err != nil {
		return nil, serrors.StoreError("unwrap postgres connection pool", err)
	}
	return db, nil
}

func withParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

// EnsurePackageSchema creates the packages table if it does not exist.
func (d *DB) EnsurePackageSchema(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, record.PackageSchema); err != nil {
		return serrors.StoreError("create packages table", err)
	}
	return nil
}

// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/Aman-CERP/scoresync/internal/record"
)

// OpenPackagesDB creates a file-backed sqlite database with an empty
// packages table and closes it when the test ends.
func OpenPackagesDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "packages.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(record.PackageSchema); err != nil {
		t.Fatalf("create packages table: %v", err)
	}
	return db
}

// Score returns a pointer to v.
func Score(v float64) *float64 { return &v }

// InsertPackages inserts rows into the packages table.
func InsertPackages(t *testing.T, db *sql.DB, pkgs ...record.Package) {
	t.Helper()
	for _, p := range pkgs {
		var score any
		if p.Score != nil {
			score = *p.Score
		}
		_, err := db.Exec(
			`INSERT INTO packages (id, name, description, keywords, score, withdrawn) VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Description, record.JoinKeywords(p.Keywords), score, p.Withdrawn)
		if err != nil {
			t.Fatalf("insert package %d: %v", p.ID, err)
		}
	}
}

// ScoredPackages returns indexable packages with the given ids.
func ScoredPackages(ids ...int64) []record.Package {
	out := make([]record.Package, len(ids))
	for i, id := range ids {
		out[i] = record.Package{ID: id, Name: "pkg", Description: "package", Score: Score(float64(id) / 10)}
	}
	return out
}

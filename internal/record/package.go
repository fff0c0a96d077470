package record

import (
	"database/sql"
	"strconv"
	"strings"
)

// Package is a published package with its computed score. It is searchable
// only while it is not withdrawn and its score has been computed.
type Package struct {
	ID          int64
	Name        string
	Description string
	Keywords    []string
	Score       *float64
	Withdrawn   bool
}

// CursorValue returns the package id.
func (p *Package) CursorValue() int64 { return p.ID }

// DocumentID returns the package id in decimal.
func (p *Package) DocumentID() string { return strconv.FormatInt(p.ID, 10) }

// ShouldIndex excludes withdrawn packages and packages without a score.
func (p *Package) ShouldIndex() bool {
	return !p.Withdrawn && p.Score != nil
}

// Document returns the search fields.
func (p *Package) Document() map[string]any {
	doc := map[string]any{
		"name":        p.Name,
		"description": p.Description,
		"keywords":    p.Keywords,
	}
	if p.Score != nil {
		doc["score"] = *p.Score
	}
	return doc
}

// PackageTable is the source table for packages.
const PackageTable = "packages"

// PackageSchema creates the packages table. The same DDL works on sqlite and postgres.
const PackageSchema = `CREATE TABLE IF NOT EXISTS packages (
	id          BIGINT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	keywords    TEXT NOT NULL DEFAULT '',
	score       DOUBLE PRECISION,
	withdrawn   BOOLEAN NOT NULL DEFAULT FALSE
)`

// PackageDescriptor pages through the packages table by id.
func PackageDescriptor() Descriptor[*Package] {
	return Descriptor[*Package]{
		Table:        PackageTable,
		Columns:      []string{"id", "name", "description", "keywords", "score", "withdrawn"},
		IDColumn:     "id",
		CursorColumn: "id",
		Scan:         scanPackage,
	}
}

func scanPackage(row Scanner) (*Package, error) {
	var (
		p        Package
		keywords string
		score    sql.NullFloat64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &keywords, &score, &p.Withdrawn); err != nil {
		return nil, err
	}
	p.Score = NullFloat(score)
	p.Keywords = splitKeywords(keywords)
	return &p, nil
}

// JoinKeywords encodes keywords for the keywords column.
func JoinKeywords(keywords []string) string {
	return strings.Join(keywords, ",")
}

func splitKeywords(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

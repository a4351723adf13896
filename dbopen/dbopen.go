// Package dbopen opens the SQLite files behind pdfdesk: the application
// database (annotations, converter routes, rate limits) and the separate
// observability database. Both get the same connection pragmas.
//
//	db, err := dbopen.Open("data/pdfdesk.db", dbopen.WithMkdirAll(), dbopen.WithSchema(annotstore.Schema))
//
// Tests use OpenMemory, which closes the database on cleanup.
package dbopen

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

type pragma struct {
	name, value string
}

type settings struct {
	busyTimeoutMs int
	mkdirAll      bool
	maxOpenConns  int
	schemas       []string
}

// Option configures Open.
type Option func(*settings)

// WithBusyTimeout sets how long SQLite itself waits on a lock before
// reporting BUSY. Default 10s.
func WithBusyTimeout(ms int) Option { return func(s *settings) { s.busyTimeoutMs = ms } }

// WithMkdirAll creates the parent directory of a file database.
func WithMkdirAll() Option { return func(s *settings) { s.mkdirAll = true } }

// WithMaxOpenConns caps the pool before any statement runs.
func WithMaxOpenConns(n int) Option { return func(s *settings) { s.maxOpenConns = n } }

// WithSchema adds DDL run once the pragmas are set. Schemas must be
// idempotent: every start runs them again.
func WithSchema(ddl string) Option { return func(s *settings) { s.schemas = append(s.schemas, ddl) } }

func (s *settings) pragmas() []pragma {
	return []pragma{
		{"foreign_keys", "ON"},
		{"journal_mode", "WAL"},
		{"busy_timeout", fmt.Sprint(s.busyTimeoutMs)},
		{"synchronous", "NORMAL"},
	}
}

// Open opens (creating if needed) the database at path.
func Open(path string, opts ...Option) (*sql.DB, error) {
	s := settings{busyTimeoutMs: 10_000}
	for _, o := range opts {
		o(&s)
	}
	if s.mkdirAll && path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: create dir for %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: %s: %w", path, err)
	}
	if s.maxOpenConns > 0 {
		db.SetMaxOpenConns(s.maxOpenConns)
	}
	if err := prepare(db, &s); err != nil {
		return nil, errors.Join(fmt.Errorf("dbopen: %s: %w", path, err), db.Close())
	}
	return db, nil
}

func prepare(db *sql.DB, s *settings) error {
	for _, p := range s.pragmas() {
		if _, err := db.Exec("PRAGMA " + p.name + " = " + p.value); err != nil {
			return fmt.Errorf("pragma %s: %w", p.name, err)
		}
	}
	for i, ddl := range s.schemas {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("schema %d: %w", i, err)
		}
	}
	return db.Ping()
}

// OpenMemory returns a private in-memory database. Every ":memory:"
// connection is a distinct database, so the pool is pinned to one.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memoryPath, append([]Option{WithMaxOpenConns(1)}, opts...)...)
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

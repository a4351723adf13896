// CLAUDE:SUMMARY SQLite annotation store: create/delete primitives, full-state reads and a revision counter for change detection.
// Package annotstore persists annotation records per document.
//
// The store offers no update: an annotation is created or
// deleted. Every mutation bumps a single revision counter in the same
// transaction, so observers can poll RevisionDetector and re-read the full
// state when it moves.
package annotstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hazyhaar/pdfdesk/annotation"
	"github.com/hazyhaar/pdfdesk/dbopen"
	"github.com/hazyhaar/pdfdesk/idgen"
)

var (
	// ErrNotFound is returned when deleting or reading an unknown annotation.
	ErrNotFound = errors.New("annotstore: annotation not found")

	// ErrDuplicate is returned when creating an annotation whose ID exists.
	ErrDuplicate = errors.New("annotstore: annotation already exists")
)

// Store is the SQLite-backed annotation store. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator sets the generator used for annotations created without an ID.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// WithClock sets the clock used for missing timestamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New wraps db. Call Init before first use.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		newID:  idgen.Prefixed("ann_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the tables if they do not exist.
func (s *Store) Init() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("annotstore: init schema: %w", err)
	}
	return nil
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// Create inserts rec on page pageIndex of document docID and returns the
// stored record. An empty ID is generated; zero timestamps are set to now.
// Caller-provided IDs and timestamps are kept so a deleted annotation can
// be recreated identically.
func (s *Store) Create(ctx context.Context, docID string, pageIndex int, rec annotation.Record) (annotation.Record, error) {
	rec = rec.Clone()
	rec.DocumentID = docID
	rec.PageIndex = pageIndex
	if rec.ID == "" {
		rec.ID = s.newID()
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ModifiedAt.IsZero() {
		rec.ModifiedAt = rec.CreatedAt
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ModifiedAt = rec.ModifiedAt.UTC()

	payload, err := json.Marshal(rec)
	if err != nil {
		return annotation.Record{}, fmt.Errorf("annotstore: encode %s: %w", rec.ID, err)
	}

	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO annotations (id, document_id, page_index, subtype, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, docID, pageIndex, string(rec.Subtype), string(payload),
			rec.CreatedAt.UnixMilli(), now.UnixMilli())
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
			}
			return fmt.Errorf("annotstore: insert %s: %w", rec.ID, err)
		}
		return bumpRevision(ctx, tx)
	})
	if err != nil {
		return annotation.Record{}, err
	}

	s.logger.DebugContext(ctx, "annotation created",
		"document_id", docID, "id", rec.ID, "subtype", rec.Subtype, "page", pageIndex)
	return rec, nil
}

// Delete removes annotation id from document docID.
func (s *Store) Delete(ctx context.Context, docID, id string) error {
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM annotations WHERE document_id = ? AND id = ?`, docID, id)
		if err != nil {
			return fmt.Errorf("annotstore: delete %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("annotstore: delete %s: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return bumpRevision(ctx, tx)
	})
	if err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "annotation deleted", "document_id", docID, "id", id)
	return nil
}

// DeleteDocument removes every annotation of docID and returns the count.
func (s *Store) DeleteDocument(ctx context.Context, docID string) (int64, error) {
	var n int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE document_id = ?`, docID)
		if err != nil {
			return fmt.Errorf("annotstore: delete document %s: %w", docID, err)
		}
		n, _ = res.RowsAffected()
		if n == 0 {
			return nil
		}
		return bumpRevision(ctx, tx)
	})
	return n, err
}

// Get returns one annotation.
func (s *Store) Get(ctx context.Context, docID, id string) (annotation.Record, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM annotations WHERE document_id = ? AND id = ?`, docID, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return annotation.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return annotation.Record{}, fmt.Errorf("annotstore: get %s: %w", id, err)
	}
	return decode(payload)
}

// List returns the annotations of docID ordered by page, then creation.
func (s *Store) List(ctx context.Context, docID string) ([]annotation.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM annotations WHERE document_id = ? ORDER BY page_index, created_at, id`, docID)
	if err != nil {
		return nil, fmt.Errorf("annotstore: list %s: %w", docID, err)
	}
	defer rows.Close()

	var out []annotation.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("annotstore: scan: %w", err)
		}
		rec, err := decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Records returns the full state of docID keyed by annotation ID.
func (s *Store) Records(ctx context.Context, docID string) (map[string]annotation.Record, error) {
	list, err := s.List(ctx, docID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]annotation.Record, len(list))
	for _, r := range list {
		out[r.ID] = r
	}
	return out, nil
}

// Revision returns the current store revision.
func (s *Store) Revision(ctx context.Context) (int64, error) {
	return RevisionDetector(ctx, s.db)
}

// Document returns a view of the store bound to one document.
func (s *Store) Document(docID string) *DocumentView {
	return &DocumentView{store: s, docID: docID}
}

// DocumentView exposes the store primitives of a single document. It is the
// collaborator handed to the history manager.
type DocumentView struct {
	store *Store
	docID string
}

// ID returns the document ID.
func (v *DocumentView) ID() string { return v.docID }

// Records returns the full annotation state of the document.
func (v *DocumentView) Records(ctx context.Context) (map[string]annotation.Record, error) {
	return v.store.Records(ctx, v.docID)
}

// Create stores rec on pageIndex.
func (v *DocumentView) Create(ctx context.Context, pageIndex int, rec annotation.Record) error {
	_, err := v.store.Create(ctx, v.docID, pageIndex, rec)
	return err
}

// Delete removes annotation id.
func (v *DocumentView) Delete(ctx context.Context, id string) error {
	return v.store.Delete(ctx, v.docID, id)
}

func bumpRevision(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE store_revision SET revision = revision + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("annotstore: bump revision: %w", err)
	}
	return nil
}

func decode(payload string) (annotation.Record, error) {
	var rec annotation.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return annotation.Record{}, fmt.Errorf("annotstore: decode: %w", err)
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

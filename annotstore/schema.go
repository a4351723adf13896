package annotstore

import (
	"context"
	"database/sql"
)

// Schema holds one row per annotation plus a single-row revision counter.
// The payload column is the JSON encoding of annotation.Record; page_index
// and subtype are duplicated out of it for listing and indexing.
const Schema = `
CREATE TABLE IF NOT EXISTS annotations (
    id          TEXT PRIMARY KEY,
    document_id TEXT NOT NULL,
    page_index  INTEGER NOT NULL,
    subtype     TEXT NOT NULL,
    payload     TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_annotations_doc_page
    ON annotations(document_id, page_index);

CREATE TABLE IF NOT EXISTS store_revision (
    id       INTEGER PRIMARY KEY CHECK (id = 1),
    revision INTEGER NOT NULL
);

INSERT OR IGNORE INTO store_revision (id, revision) VALUES (1, 0);
`

// RevisionDetector reads the store revision. Its signature matches
// watch.ChangeDetector so a Watcher can poll the store directly.
//
// PRAGMA data_version is not used here: it ignores writes made through the
// polling connection itself, and the store shares one pool.
func RevisionDetector(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, `SELECT revision FROM store_revision WHERE id = 1`).Scan(&v)
	return v, err
}

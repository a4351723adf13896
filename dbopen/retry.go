package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// busyBackoff is the wait before each retry of a transaction that hit a
// locked database. Its length bounds the number of retries.
var busyBackoff = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	300 * time.Millisecond,
}

// IsBusy reports whether err means another connection holds the lock.
// Driver errors are matched on their primary result code; anything else
// (wrapped strings from older call sites) on the message.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	for _, s := range []string{"SQLITE_BUSY", "database is locked", "database table is locked"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// RunTx runs fn inside a transaction. A busy database is retried after
// each busyBackoff step; any other failure rolls back and is returned
// unchanged so callers can match their own sentinels.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = txOnce(ctx, db, fn); err == nil || !IsBusy(err) {
			return err
		}
		if attempt == len(busyBackoff) {
			return fmt.Errorf("dbopen: still busy after %d attempts: %w", attempt+1, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dbopen: waiting for lock: %w", ctx.Err())
		case <-time.After(busyBackoff[attempt]):
		}
	}
}

func txOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

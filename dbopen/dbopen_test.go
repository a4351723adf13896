package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/pdfdesk/dbopen"
)

func pragmaInt(t *testing.T, db *sql.DB, name string) int {
	t.Helper()
	var v int
	if err := db.QueryRow("PRAGMA " + name).Scan(&v); err != nil {
		t.Fatalf("PRAGMA %s: %v", name, err)
	}
	return v
}

func TestOpenMemory_ConnectionPragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if fk := pragmaInt(t, db, "foreign_keys"); fk != 1 {
		t.Errorf("foreign_keys = %d", fk)
	}
	if bt := pragmaInt(t, db, "busy_timeout"); bt != 10_000 {
		t.Errorf("busy_timeout = %d", bt)
	}

	short := dbopen.OpenMemory(t, dbopen.WithBusyTimeout(250))
	if bt := pragmaInt(t, short, "busy_timeout"); bt != 250 {
		t.Errorf("busy_timeout override = %d", bt)
	}
}

func TestOpen_FileWithSchemaTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "pdfdesk.db")
	ddl := `CREATE TABLE IF NOT EXISTS notes (id TEXT PRIMARY KEY, body TEXT NOT NULL)`

	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(ddl))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO notes VALUES ('n1', 'first page')`); err != nil {
		t.Fatal(err)
	}
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil || mode != "wal" {
		t.Errorf("journal_mode = %q (%v)", mode, err)
	}
	db.Close()

	// Reopening reruns the schema and keeps the data.
	db, err = dbopen.Open(path, dbopen.WithSchema(ddl))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var body string
	if err := db.QueryRow(`SELECT body FROM notes WHERE id = 'n1'`).Scan(&body); err != nil || body != "first page" {
		t.Fatalf("body = %q (%v)", body, err)
	}
}

func TestOpen_BadSchema(t *testing.T) {
	_, err := dbopen.Open(":memory:", dbopen.WithSchema(`CREATE TABLE (`))
	if err == nil {
		t.Fatal("expected schema error")
	}
}

func TestRunTx(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE pages (n INTEGER PRIMARY KEY)`))
	ctx := context.Background()
	errAbort := errors.New("abort")

	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO pages VALUES (1)`); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("err = %v, want abort", err)
	}
	if n := count(t, db); n != 0 {
		t.Fatalf("rolled back tx left %d rows", n)
	}

	if err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO pages VALUES (1), (2)`)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if n := count(t, db); n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
}

func TestRunTx_BusyGivesUpOnCancel(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	err := dbopen.RunTx(ctx, db, func(*sql.Tx) error {
		calls++
		return errors.New("database is locked")
	})
	if err == nil || calls != 1 {
		t.Fatalf("err = %v after %d calls", err, calls)
	}
}

func count(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pages`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestIsBusy(t *testing.T) {
	for msg, want := range map[string]bool{
		"database is locked":       true,
		"SQLITE_BUSY (5)":          true,
		"database table is locked": true,
		"no such table: pages":     false,
	} {
		if got := dbopen.IsBusy(errors.New(msg)); got != want {
			t.Errorf("IsBusy(%q) = %v", msg, got)
		}
	}
	if dbopen.IsBusy(nil) {
		t.Error("IsBusy(nil)")
	}
}

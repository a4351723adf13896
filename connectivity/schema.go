package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Schema defines the routes table. Each row maps a service name to a
// dispatch strategy:
//   - "local": the in-process Handler registered with RegisterLocal.
//   - "http":  the HTTP transport factory.
//   - "noop":  succeed without doing anything (feature switch).
//
// The config column holds the RouteConfig JSON. Every write to routes
// bumps routes_revision, which Watch polls to hot-reload.
const Schema = `
CREATE TABLE IF NOT EXISTS routes (
    service_name TEXT PRIMARY KEY,
    strategy     TEXT NOT NULL CHECK(strategy IN ('local', 'http', 'noop')),
    endpoint     TEXT,
    config       TEXT DEFAULT '{}',
    updated_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);

CREATE TABLE IF NOT EXISTS routes_revision (
    id       INTEGER PRIMARY KEY CHECK (id = 1),
    revision INTEGER NOT NULL
);
INSERT OR IGNORE INTO routes_revision (id, revision) VALUES (1, 0);

CREATE TRIGGER IF NOT EXISTS trg_routes_insert AFTER INSERT ON routes
BEGIN
    UPDATE routes_revision SET revision = revision + 1 WHERE id = 1;
END;
CREATE TRIGGER IF NOT EXISTS trg_routes_update AFTER UPDATE ON routes
BEGIN
    UPDATE routes_revision SET revision = revision + 1 WHERE id = 1;
END;
CREATE TRIGGER IF NOT EXISTS trg_routes_delete AFTER DELETE ON routes
BEGIN
    UPDATE routes_revision SET revision = revision + 1 WHERE id = 1;
END;
`

// Init creates the routes tables if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// RoutesRevision reads the routes revision counter. Its signature matches
// watch.ChangeDetector.
func RoutesRevision(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, `SELECT revision FROM routes_revision WHERE id = 1`).Scan(&v)
	return v, err
}

// UpsertRoute inserts or replaces the route of rt.Service.
func UpsertRoute(ctx context.Context, db *sql.DB, rt Route) error {
	cfg := string(rt.Config)
	if cfg == "" {
		cfg = "{}"
	}
	if !json.Valid([]byte(cfg)) {
		return fmt.Errorf("connectivity: route %s: config is not valid JSON", rt.Service)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO routes (service_name, strategy, endpoint, config, updated_at)
		VALUES (?, ?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT(service_name) DO UPDATE SET
			strategy = excluded.strategy,
			endpoint = excluded.endpoint,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		rt.Service, rt.Strategy, nullIfEmpty(rt.Endpoint), cfg)
	if err != nil {
		return fmt.Errorf("connectivity: upsert route %s: %w", rt.Service, err)
	}
	return nil
}

// DeleteRoute removes the route of service. Missing routes are not an
// error.
func DeleteRoute(ctx context.Context, db *sql.DB, service string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM routes WHERE service_name = ?`, service); err != nil {
		return fmt.Errorf("connectivity: delete route %s: %w", service, err)
	}
	return nil
}

// ListRoutes reads every route, ordered by service name.
func ListRoutes(ctx context.Context, db *sql.DB) ([]Route, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT service_name, strategy, endpoint, config FROM routes ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("connectivity: list routes: %w", err)
	}
	defer rows.Close()

	var out []Route
	for rows.Next() {
		var rt Route
		var endpoint, config sql.NullString
		if err := rows.Scan(&rt.Service, &rt.Strategy, &endpoint, &config); err != nil {
			return nil, fmt.Errorf("connectivity: scan route: %w", err)
		}
		rt.Endpoint = endpoint.String
		if config.Valid && config.String != "" {
			rt.Config = json.RawMessage(config.String)
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

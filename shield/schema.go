package shield

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema holds the per-endpoint rate limiting rules read by RateLimiter.
// An endpoint is "METHOD /path"; a trailing "*" matches any path with that
// prefix.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);
`

// Init creates the shield tables if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// UpsertRateLimit creates or replaces the rule for endpoint.
func UpsertRateLimit(ctx context.Context, db *sql.DB, endpoint string, cfg RateLimitConfig) error {
	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			max_requests = excluded.max_requests,
			window_seconds = excluded.window_seconds,
			enabled = excluded.enabled`,
		endpoint, cfg.MaxRequests, cfg.WindowSeconds, enabled)
	if err != nil {
		return fmt.Errorf("shield: upsert rate limit %s: %w", endpoint, err)
	}
	return nil
}

package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schema is the DDL of the observability tables. It may live in the
// application database or in a separate file.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp
    ON metrics_timeseries(timestamp DESC);

CREATE TABLE IF NOT EXISTS audit_log (
    entry_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    component TEXT NOT NULL,
    operation TEXT NOT NULL,
    document_id TEXT,
    trace_id TEXT,
    transport TEXT,
    remote_addr TEXT,
    parameters TEXT NOT NULL DEFAULT '{}',
    error_message TEXT,
    duration_ms INTEGER,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_document ON audit_log(document_id, timestamp DESC);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// RetentionConfig is the per-table retention in days. Zero keeps everything.
type RetentionConfig struct {
	MetricsDays    int  `yaml:"metrics_days"`
	AuditDays      int  `yaml:"audit_days"`
	RunVacuumAfter bool `yaml:"vacuum"`
}

// Cleanup deletes rows older than the configured retention.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()
	targets := []struct {
		query string
		days  int
	}{
		{"DELETE FROM metrics_timeseries WHERE timestamp < ?", cfg.MetricsDays},
		{"DELETE FROM audit_log WHERE timestamp < ?", cfg.AuditDays},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		if _, err := db.ExecContext(ctx, t.query, now-int64(t.days*86400)); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
	}
	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}

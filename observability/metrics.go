// Package observability keeps pdfdesk's metrics and audit trail in SQLite.
//
// Persistence is asynchronous: callers never wait on the database, and a
// failing flush is logged and dropped rather than pushed back to the
// request path.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric names recorded by pdfdesk.
const (
	MetricCallDurationMs    = "connectivity.call.duration_ms"
	MetricCallError         = "connectivity.call.error"
	MetricBreakerState      = "connectivity.breaker.state"
	MetricConvertDurationMs = "convert.duration_ms"
	MetricConvertBytes      = "convert.output_bytes"
	MetricConvertCacheHit   = "convert.cache_hit"
	MetricHistoryRecorded   = "history.recorded"
	MetricHistoryUndo       = "history.undo"
	MetricHistoryRedo       = "history.redo"
	MetricHistoryRestoreMs  = "history.restore_ms"
	MetricReconcileFailure  = "history.reconcile_failure"
	MetricGoroutinesCount   = "runtime.goroutines"
	MetricMemoryAllocMB     = "runtime.memory_alloc_mb"
	MetricGCCount           = "runtime.gc_count"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit,omitempty"` // "milliseconds", "bytes", "count"
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []*Metric

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// MetricsOption configures a MetricsManager.
type MetricsOption func(*MetricsManager)

// WithBufferSize sets how many metrics are buffered before a forced flush.
func WithBufferSize(n int) MetricsOption {
	return func(mm *MetricsManager) { mm.bufferSize = n }
}

// WithFlushInterval sets the periodic flush.
func WithFlushInterval(d time.Duration) MetricsOption {
	return func(mm *MetricsManager) { mm.flushInterval = d }
}

// WithMetricsLogger sets the logger used for flush failures.
func WithMetricsLogger(l *slog.Logger) MetricsOption {
	return func(mm *MetricsManager) { mm.logger = l }
}

// NewMetricsManager starts a manager. Defaults: 100 metrics, 5s flush.
func NewMetricsManager(db *sql.DB, opts ...MetricsOption) *MetricsManager {
	mm := &MetricsManager{
		db:            db,
		bufferSize:    100,
		flushInterval: 5 * time.Second,
		logger:        slog.Default(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(mm)
	}
	mm.buffer = make([]*Metric, 0, mm.bufferSize)
	go mm.flushLoop()
	return mm
}

// Record queues m. A nil manager ignores it so components can run without
// metrics.
func (mm *MetricsManager) Record(m *Metric) {
	if mm == nil || m == nil {
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// Count records a value-1 counter datapoint.
func (mm *MetricsManager) Count(name string, labels map[string]string) {
	mm.Record(&Metric{Name: name, Value: 1, Labels: labels, Unit: "count"})
}

// Duration records d in milliseconds.
func (mm *MetricsManager) Duration(name string, d time.Duration, labels map[string]string) {
	mm.Record(&Metric{Name: name, Value: float64(d.Milliseconds()), Labels: labels, Unit: "milliseconds"})
}

// Flush writes the buffer now.
func (mm *MetricsManager) Flush() {
	if mm == nil {
		return
	}
	mm.mu.Lock()
	mm.flushLocked()
	mm.mu.Unlock()
}

// Query returns metrics, newest first. An empty name matches all metrics,
// nil bounds are open and limit <= 0 means no limit.
func (mm *MetricsManager) Query(ctx context.Context, name string, from, to *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	args := make([]any, 0, 4)
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if from != nil {
		q += " AND timestamp >= ?"
		args = append(args, from.Unix())
	}
	if to != nil {
		q += " AND timestamp <= ?"
		args = append(args, to.Unix())
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
			unit   sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		m.Unit = unit.String
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Summary is an aggregate of one metric name.
type Summary struct {
	Name  string  `json:"name"`
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
}

// Summarize aggregates every metric recorded since from.
func (mm *MetricsManager) Summarize(ctx context.Context, from time.Time) ([]Summary, error) {
	rows, err := mm.db.QueryContext(ctx, `
		SELECT metric_name, COUNT(*), SUM(value), AVG(value), MAX(value)
		FROM metrics_timeseries
		WHERE timestamp >= ?
		GROUP BY metric_name
		ORDER BY metric_name`, from.Unix())
	if err != nil {
		return nil, fmt.Errorf("summarize metrics: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.Name, &s.Count, &s.Sum, &s.Avg, &s.Max); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close flushes the buffer and stops the background goroutine.
func (mm *MetricsManager) Close() error {
	if mm == nil {
		return nil
	}
	mm.closeOnce.Do(func() { close(mm.stop) })
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	defer func() { mm.buffer = mm.buffer[:0] }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		mm.logger.Error("observability metrics: begin tx", "error", err, "dropped", len(mm.buffer))
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		mm.logger.Error("observability metrics: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range mm.buffer {
		var labels sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labels = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, labels, m.Unit); err != nil {
			mm.logger.Error("observability metrics: insert", "error", err, "metric", m.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		mm.logger.Error("observability metrics: commit", "error", err)
	}
}

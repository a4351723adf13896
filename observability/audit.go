package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/pdfdesk/idgen"
	"github.com/hazyhaar/pdfdesk/kit"
)

// Audit statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// AuditEntry is one operation of the audit trail.
type AuditEntry struct {
	EntryID    string    `json:"entry_id"`
	Timestamp  time.Time `json:"timestamp"`
	Component  string    `json:"component"` // "editor", "convert"
	Operation  string    `json:"operation"` // "annotation.create", "history.undo", ...
	DocumentID string    `json:"document_id,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Transport  string    `json:"transport,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Parameters string    `json:"parameters,omitempty"` // JSON
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"`
}

// AuditFilter selects entries for Query. Zero fields do not filter.
type AuditFilter struct {
	DocumentID string
	Component  string
	Operation  string
	Since      time.Time
	Limit      int // default 100
}

// AuditLogger persists entries through a buffered channel drained by a
// background goroutine.
type AuditLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *AuditEntry

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator sets the entry ID generator.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// WithAuditLogger sets the logger used for persistence failures.
func WithAuditLogger(l *slog.Logger) AuditOption {
	return func(a *AuditLogger) { a.logger = l }
}

// NewAuditLogger starts an audit logger. Recommended bufferSize: 1000.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		db:     db,
		newID:  idgen.Prefixed("audit_", idgen.Default),
		logger: slog.Default(),
		ch:     make(chan *AuditEntry, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// Entry builds an entry for an operation that has just finished. Trace,
// transport, client address and document are read from ctx; params is
// marshalled to JSON.
func (a *AuditLogger) Entry(ctx context.Context, component, operation string, params any, err error, d time.Duration) *AuditEntry {
	e := &AuditEntry{
		Timestamp:  time.Now(),
		Component:  component,
		Operation:  operation,
		DocumentID: kit.GetDocumentID(ctx),
		TraceID:    kit.GetTraceID(ctx),
		Transport:  kit.GetTransport(ctx),
		RemoteAddr: kit.GetRemoteAddr(ctx),
		DurationMs: d.Milliseconds(),
		Status:     StatusSuccess,
	}
	if params != nil {
		if b, merr := json.Marshal(params); merr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Status = StatusError
		e.Error = err.Error()
	}
	return e
}

// Log inserts e synchronously.
func (a *AuditLogger) Log(ctx context.Context, e *AuditEntry) error {
	a.fillDefaults(e)
	return a.insert(ctx, e)
}

// LogAsync queues e. When the buffer is full it falls back to a
// synchronous insert. A nil logger ignores the entry.
func (a *AuditLogger) LogAsync(e *AuditEntry) {
	if a == nil || e == nil {
		return
	}
	a.fillDefaults(e)
	select {
	case a.ch <- e:
	default:
		a.logger.Warn("observability audit: buffer full, sync fallback", "operation", e.Operation)
		if err := a.insert(context.Background(), e); err != nil {
			a.logger.Error("observability audit: sync fallback failed", "error", err)
		}
	}
}

// Query returns entries matching f, newest first.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	q := `SELECT entry_id, timestamp, component, operation, document_id, trace_id,
		transport, remote_addr, parameters, error_message, duration_ms, status
		FROM audit_log WHERE 1=1`
	var args []any
	if f.DocumentID != "" {
		q += " AND document_id = ?"
		args = append(args, f.DocumentID)
	}
	if f.Component != "" {
		q += " AND component = ?"
		args = append(args, f.Component)
	}
	if f.Operation != "" {
		q += " AND operation = ?"
		args = append(args, f.Operation)
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.Unix())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var (
			e                         AuditEntry
			ts                        int64
			docID, traceID, transport sql.NullString
			remote, errMsg            sql.NullString
			durationMs                sql.NullInt64
		)
		if err := rows.Scan(&e.EntryID, &ts, &e.Component, &e.Operation, &docID, &traceID,
			&transport, &remote, &e.Parameters, &errMsg, &durationMs, &e.Status); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		e.DocumentID = docID.String
		e.TraceID = traceID.String
		e.Transport = transport.String
		e.RemoteAddr = remote.String
		e.Error = errMsg.String
		e.DurationMs = durationMs.Int64
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close drains the buffer and stops the flush goroutine.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.closeOnce.Do(func() { close(a.stop) })
	<-a.done
	return nil
}

func (a *AuditLogger) fillDefaults(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Status == "" {
		e.Status = StatusSuccess
		if e.Error != "" {
			e.Status = StatusError
		}
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, e := range batch {
			if err := a.insert(ctx, e); err != nil {
				a.logger.Error("observability audit: insert", "error", err, "entry_id", e.EntryID)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (a *AuditLogger) insert(ctx context.Context, e *AuditEntry) error {
	_, err := a.db.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, component, operation, document_id, trace_id,
		 transport, remote_addr, parameters, error_message, duration_ms, status)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.Unix(), e.Component, e.Operation, e.DocumentID, e.TraceID,
		e.Transport, e.RemoteAddr, e.Parameters, e.Error, e.DurationMs, e.Status)
	return err
}

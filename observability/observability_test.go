package observability

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pdfdesk/dbopen"
	"github.com/hazyhaar/pdfdesk/idgen"
	"github.com/hazyhaar/pdfdesk/kit"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestInit_CreatesTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"metrics_timeseries", "audit_log"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
	// Idempotent.
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
}

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, WithFlushInterval(time.Hour))
	defer mm.Close()

	mm.Record(&Metric{
		Name:   MetricConvertDurationMs,
		Value:  42.5,
		Unit:   "milliseconds",
		Labels: map[string]string{"kind": "word"},
	})
	mm.Count(MetricHistoryUndo, nil)
	mm.Flush()

	ctx := context.Background()
	metrics, err := mm.Query(ctx, MetricConvertDurationMs, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 {
		t.Fatalf("convert count: got %d", len(metrics))
	}
	if metrics[0].Value != 42.5 {
		t.Fatalf("value: got %f", metrics[0].Value)
	}
	if metrics[0].Labels["kind"] != "word" {
		t.Fatalf("labels: got %v", metrics[0].Labels)
	}
	if metrics[0].Timestamp.IsZero() {
		t.Fatal("timestamp not defaulted")
	}

	all, err := mm.Query(ctx, "", nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all metrics count: got %d", len(all))
	}
}

func TestMetricsManager_QueryWithTimeRange(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, WithFlushInterval(time.Hour))
	defer mm.Close()

	now := time.Now()
	mm.Record(&Metric{Name: "m1", Timestamp: now.Add(-2 * time.Hour), Value: 1})
	mm.Record(&Metric{Name: "m1", Timestamp: now, Value: 2})
	mm.Flush()

	start := now.Add(-time.Hour)
	metrics, err := mm.Query(context.Background(), "m1", &start, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 || metrics[0].Value != 2 {
		t.Fatalf("time-filtered: got %d metrics", len(metrics))
	}
}

func TestMetricsManager_BufferFullFlushes(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, WithBufferSize(2), WithFlushInterval(time.Hour))
	defer mm.Close()

	mm.Count("c", nil)
	mm.Count("c", nil)

	var count int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&count)
	if count != 2 {
		t.Fatalf("rows after full buffer: got %d", count)
	}
}

func TestMetricsManager_CloseFlushes(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, WithFlushInterval(time.Hour))
	mm.Duration(MetricHistoryRestoreMs, 1500*time.Millisecond, nil)
	mm.Close()
	mm.Close()

	var v float64
	db.QueryRow("SELECT value FROM metrics_timeseries WHERE metric_name=?", MetricHistoryRestoreMs).Scan(&v)
	if v != 1500 {
		t.Fatalf("value: got %f", v)
	}
}

func TestMetricsManager_Summarize(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, WithFlushInterval(time.Hour))
	defer mm.Close()

	for _, v := range []float64{10, 20, 30} {
		mm.Record(&Metric{Name: MetricConvertDurationMs, Value: v})
	}
	mm.Count(MetricHistoryRedo, nil)
	mm.Flush()

	sums, err := mm.Summarize(context.Background(), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 2 {
		t.Fatalf("summaries: got %d", len(sums))
	}
	s := sums[0]
	if s.Name != MetricConvertDurationMs || s.Count != 3 || s.Sum != 60 || s.Avg != 20 || s.Max != 30 {
		t.Fatalf("summary: %+v", s)
	}
}

func TestMetricsManager_NilIsNoop(t *testing.T) {
	var mm *MetricsManager
	mm.Count("x", nil)
	mm.Flush()
	if err := mm.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordRuntime(t *testing.T) {
	m := CollectRuntimeMetrics()
	if m.GoroutinesCount <= 0 || m.MemoryAllocMB <= 0 {
		t.Fatalf("runtime metrics: %+v", m)
	}

	db := setupObsDB(t)
	mm := NewMetricsManager(db, WithFlushInterval(time.Hour))
	defer mm.Close()
	RecordRuntime(mm)
	mm.Flush()

	got, err := mm.Query(context.Background(), MetricGoroutinesCount, nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value <= 0 {
		t.Fatalf("goroutines metric: %v", got)
	}
}

func TestSampleRuntime_StopsOnCancel(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, WithFlushInterval(time.Hour))
	defer mm.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		SampleRuntime(ctx, mm, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SampleRuntime did not stop")
	}
}

func TestAuditLogger_LogSync(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100, WithAuditIDGenerator(idgen.Sequence("a")))
	defer al.Close()

	entry := &AuditEntry{Component: "editor", Operation: "history.undo", DurationMs: 42}
	if err := al.Log(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	if entry.EntryID == "" || entry.Status != StatusSuccess {
		t.Fatalf("defaults not filled: %+v", entry)
	}

	var op string
	db.QueryRow("SELECT operation FROM audit_log WHERE entry_id=?", entry.EntryID).Scan(&op)
	if op != "history.undo" {
		t.Fatalf("operation: got %q", op)
	}
}

func TestAuditLogger_LogAsyncDrainsOnClose(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 100)

	for range 3 {
		al.LogAsync(&AuditEntry{Component: "convert", Operation: "convert.word"})
	}
	al.Close()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE component='convert'").Scan(&count)
	if count != 3 {
		t.Fatalf("async count: got %d", count)
	}
}

func TestAuditLogger_EntryFromContext(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 10)
	defer al.Close()

	ctx := kit.WithTraceID(context.Background(), "trace-1")
	ctx = kit.WithDocumentID(ctx, "doc-1")
	ctx = kit.WithTransport(ctx, "mcp")
	ctx = kit.WithRemoteAddr(ctx, "192.0.2.7:51234")

	e := al.Entry(ctx, "editor", "annotation.create", map[string]int{"page": 2}, errors.New("boom"), 3*time.Millisecond)
	if e.TraceID != "trace-1" || e.DocumentID != "doc-1" || e.Transport != "mcp" || e.RemoteAddr != "192.0.2.7:51234" {
		t.Fatalf("context fields: %+v", e)
	}
	if e.Status != StatusError || e.Error != "boom" {
		t.Fatalf("error fields: %+v", e)
	}
	if e.Parameters != `{"page":2}` {
		t.Fatalf("parameters: %s", e.Parameters)
	}
	if e.DurationMs != 3 {
		t.Fatalf("duration: %d", e.DurationMs)
	}
}

func TestAuditLogger_Query(t *testing.T) {
	db := setupObsDB(t)
	al := NewAuditLogger(db, 10)
	defer al.Close()

	ctx := context.Background()
	for _, e := range []*AuditEntry{
		{Component: "editor", Operation: "history.undo", DocumentID: "d1"},
		{Component: "editor", Operation: "history.redo", DocumentID: "d1", RemoteAddr: "198.51.100.4:4000"},
		{Component: "editor", Operation: "history.undo", DocumentID: "d2"},
		{Component: "convert", Operation: "convert.text", Error: "bad gateway"},
	} {
		if err := al.Log(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := al.Query(ctx, AuditFilter{DocumentID: "d1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Operation != "history.redo" || got[0].RemoteAddr != "198.51.100.4:4000" {
		t.Fatalf("document filter: %d entries", len(got))
	}

	got, err = al.Query(ctx, AuditFilter{Component: "convert"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Status != StatusError || got[0].Error != "bad gateway" {
		t.Fatalf("component filter: %+v", got)
	}

	got, err = al.Query(ctx, AuditFilter{Operation: "history.undo", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("limit: got %d", len(got))
	}
}

func TestCleanup_Retention(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()
	old := time.Now().Add(-40 * 24 * time.Hour).Unix()
	now := time.Now().Unix()

	db.Exec("INSERT INTO metrics_timeseries (metric_name, timestamp, value) VALUES ('old', ?, 1), ('new', ?, 1)", old, now)
	db.Exec("INSERT INTO audit_log (entry_id, timestamp, component, operation, status) VALUES ('a1', ?, 'c', 'o', 'success'), ('a2', ?, 'c', 'o', 'success')", old, now)

	if err := Cleanup(ctx, db, RetentionConfig{MetricsDays: 30}); err != nil {
		t.Fatal(err)
	}
	var metrics, audits int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&metrics)
	db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&audits)
	if metrics != 1 {
		t.Fatalf("metrics after cleanup: %d", metrics)
	}
	if audits != 2 {
		t.Fatalf("audit rows with zero retention: %d", audits)
	}

	if err := Cleanup(ctx, db, RetentionConfig{AuditDays: 30}); err != nil {
		t.Fatal(err)
	}
	db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&audits)
	if audits != 1 {
		t.Fatalf("audit rows after cleanup: %d", audits)
	}
}

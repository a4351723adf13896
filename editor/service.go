// CLAUDE:SUMMARY Editor service: open documents, annotation CRUD, undo/redo per workspace, store-revision observation feeding the history managers.
// Package editor ties the annotation store, the history managers and the
// per-document UI state together and exposes them over HTTP, MCP and the
// connectivity router.
//
// Each open document is a Workspace. Its history manager observes the
// document through an annotstore.DocumentView. Changes are recorded
// synchronously after every mutation made through the Service, and Observe
// picks up any other write to the store by polling its revision.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hazyhaar/pdfdesk/annotation"
	"github.com/hazyhaar/pdfdesk/annotstore"
	"github.com/hazyhaar/pdfdesk/convert"
	"github.com/hazyhaar/pdfdesk/history"
	"github.com/hazyhaar/pdfdesk/idgen"
	"github.com/hazyhaar/pdfdesk/kit"
	"github.com/hazyhaar/pdfdesk/observability"
	"github.com/hazyhaar/pdfdesk/watch"
)

var (
	// ErrNoDocument is returned for an unknown or closed document ID.
	ErrNoDocument = errors.New("editor: document not open")

	// ErrInvalid wraps every input validation failure.
	ErrInvalid = errors.New("editor: invalid input")
)

// Option configures a Service.
type Option func(*Service)

// WithHistoryOptions sets the options of every history manager created.
func WithHistoryOptions(opts ...history.Option) Option {
	return func(s *Service) { s.histOpts = append(s.histOpts, opts...) }
}

// WithDefaultAuthor sets the author given to annotations created without
// one.
func WithDefaultAuthor(author string) Option {
	return func(s *Service) { s.author = author }
}

func WithMetrics(mm *observability.MetricsManager) Option {
	return func(s *Service) { s.metrics = mm }
}

func WithAudit(a *observability.AuditLogger) Option {
	return func(s *Service) { s.audit = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithIDGenerator sets the document ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Service) { s.newID = gen }
}

// WithWatch tunes the store observation loop started by Observe.
func WithWatch(interval, debounce time.Duration) Option {
	return func(s *Service) {
		s.watchInterval = interval
		s.watchDebounce = debounce
	}
}

// WithMaxUpload bounds the size of an uploaded PDF. Default: 50 MiB.
func WithMaxUpload(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithClock sets the clock used for OpenedAt.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// Service owns the open workspaces. Safe for concurrent use.
type Service struct {
	store     *annotstore.Store
	histOpts  []history.Option
	author    string
	metrics   *observability.MetricsManager
	audit     *observability.AuditLogger
	logger    *slog.Logger
	newID     idgen.Generator
	now       func() time.Time
	sanitizer *annotation.Sanitizer
	exporter  *annotation.Exporter
	maxUpload int64

	watchInterval time.Duration
	watchDebounce time.Duration

	mu   sync.RWMutex
	docs map[string]*Workspace
}

// NewService creates a Service over store.
func NewService(store *annotstore.Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		author:    annotation.DefaultAuthor,
		logger:    slog.Default(),
		newID:     idgen.Prefixed("doc_", idgen.Default),
		now:       time.Now,
		sanitizer: annotation.NewSanitizer(),
		exporter:  annotation.NewExporter(),
		maxUpload: 50 << 20,
		docs:      make(map[string]*Workspace),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open validates pdf, registers a workspace for it and seeds the history
// baseline.
func (s *Service) Open(ctx context.Context, name string, pdf []byte) (*Workspace, error) {
	start := time.Now()
	ws, err := s.open(ctx, name, pdf)
	var params map[string]any
	if ws != nil {
		ctx = kit.WithDocumentID(ctx, ws.Info.ID)
		params = map[string]any{"name": ws.Info.Name, "pages": ws.Info.Pages}
	}
	s.auditOp(ctx, "document.open", params, err, time.Since(start))
	return ws, err
}

func (s *Service) open(ctx context.Context, name string, pdf []byte) (*Workspace, error) {
	info, err := convert.Inspect(pdf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if name == "" {
		name = "documento.pdf"
	}

	id := s.newID()
	ws := &Workspace{
		Info: DocumentInfo{
			ID:          id,
			Name:        name,
			Pages:       info.Pages,
			Size:        info.Size,
			Fingerprint: info.Fingerprint,
			OpenedAt:    s.now().UTC(),
		},
		State: NewState(),
		pdf:   pdf,
	}
	ws.State.SetLoading(true)
	ws.State.SetFile(name, "/api/documents/"+id+"/pdf")

	opts := append([]history.Option{
		history.WithDefaultAuthor(s.author),
		history.WithLogger(s.logger.With("document_id", id)),
	}, s.histOpts...)
	ws.History = history.New(s.store.Document(id), opts...)
	ws.unsubscribe = ws.History.Subscribe(func(st history.Status) {
		ws.State.SetProcessing(st.Restoring)
	})

	// A fresh ID has no annotations, so this only seeds the baseline.
	ws.History.RecordIfChanged(ctx)
	ws.State.SetLoading(false)

	s.mu.Lock()
	s.docs[id] = ws
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "document opened",
		"document_id", id, "name", name, "pages", info.Pages, "size", info.Size)
	return ws, nil
}

// Workspace returns the open document id.
func (s *Service) Workspace(id string) (*Workspace, error) {
	s.mu.RLock()
	ws, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDocument, id)
	}
	return ws, nil
}

// List returns the open documents ordered by opening time.
func (s *Service) List() []DocumentInfo {
	s.mu.RLock()
	out := make([]DocumentInfo, 0, len(s.docs))
	for _, ws := range s.docs {
		out = append(out, ws.Info)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b DocumentInfo) int {
		if c := a.OpenedAt.Compare(b.OpenedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Close drops the workspace: history and state are reset and the
// document's annotations are deleted.
func (s *Service) Close(ctx context.Context, id string) error {
	start := time.Now()
	ctx = kit.WithDocumentID(ctx, id)

	s.mu.Lock()
	ws, ok := s.docs[id]
	delete(s.docs, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoDocument, id)
	}

	ws.unsubscribe()
	ws.History.Reset()
	ws.State.Reset()
	n, err := s.store.DeleteDocument(ctx, id)
	s.auditOp(ctx, "document.close", map[string]any{"annotations": n}, err, time.Since(start))
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "document closed", "document_id", id, "annotations", n)
	return nil
}

// Annotations lists the annotations of document id.
func (s *Service) Annotations(ctx context.Context, id string) ([]annotation.Record, error) {
	if _, err := s.Workspace(id); err != nil {
		return nil, err
	}
	return s.store.List(ctx, id)
}

// Annotation returns one annotation of document id.
func (s *Service) Annotation(ctx context.Context, id, annID string) (annotation.Record, error) {
	if _, err := s.Workspace(id); err != nil {
		return annotation.Record{}, err
	}
	return s.store.Get(ctx, id, annID)
}

// CreateAnnotation sanitises and validates rec, stores it and records the
// change in the document's history.
func (s *Service) CreateAnnotation(ctx context.Context, id string, rec annotation.Record) (annotation.Record, error) {
	start := time.Now()
	ctx = kit.WithDocumentID(ctx, id)
	out, err := s.createAnnotation(ctx, id, rec)
	s.auditOp(ctx, "annotation.create",
		map[string]any{"id": out.ID, "subtype": rec.Subtype, "page": rec.PageIndex}, err, time.Since(start))
	return out, err
}

func (s *Service) createAnnotation(ctx context.Context, id string, rec annotation.Record) (annotation.Record, error) {
	ws, err := s.Workspace(id)
	if err != nil {
		return annotation.Record{}, err
	}
	rec = applyProperties(s.sanitizer.Record(rec), ws.State.Snapshot().Properties).WithDefaults(s.author)
	if err := rec.Validate(ws.Info.Pages); err != nil {
		return annotation.Record{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	var out annotation.Record
	recorded, err := ws.History.Edit(ctx, func(ctx context.Context) (err error) {
		out, err = s.store.Create(ctx, id, rec.PageIndex, rec)
		return err
	})
	if err != nil {
		return annotation.Record{}, err
	}
	s.countRecorded(ws, recorded)
	return out, nil
}

// applyProperties fills the styling fields a client left unset from the
// workspace tool properties.
func applyProperties(rec annotation.Record, p ToolProperties) annotation.Record {
	if rec.Color == "" {
		rec.Color = p.Color
	}
	if rec.Opacity == 0 {
		rec.Opacity = p.Opacity
	}
	if rec.StrokeWidth == 0 {
		rec.StrokeWidth = p.StrokeWidth
	}
	return rec
}

// DeleteAnnotation removes annID and records the change.
func (s *Service) DeleteAnnotation(ctx context.Context, id, annID string) error {
	start := time.Now()
	ctx = kit.WithDocumentID(ctx, id)
	err := s.deleteAnnotation(ctx, id, annID)
	s.auditOp(ctx, "annotation.delete", map[string]any{"id": annID}, err, time.Since(start))
	return err
}

func (s *Service) deleteAnnotation(ctx context.Context, id, annID string) error {
	ws, err := s.Workspace(id)
	if err != nil {
		return err
	}
	recorded, err := ws.History.Edit(ctx, func(ctx context.Context) error {
		return s.store.Delete(ctx, id, annID)
	})
	if err != nil {
		return err
	}
	s.countRecorded(ws, recorded)
	return nil
}

// Undo restores the previous state of document id.
func (s *Service) Undo(ctx context.Context, id string) (HistoryView, error) {
	return s.step(ctx, id, true)
}

// Redo re-applies the last undone state of document id.
func (s *Service) Redo(ctx context.Context, id string) (HistoryView, error) {
	return s.step(ctx, id, false)
}

func (s *Service) step(ctx context.Context, id string, isUndo bool) (HistoryView, error) {
	op, metric := "redo", observability.MetricHistoryRedo
	if isUndo {
		op, metric = "undo", observability.MetricHistoryUndo
	}
	ctx = kit.WithDocumentID(ctx, id)
	ws, err := s.Workspace(id)
	if err != nil {
		return HistoryView{}, err
	}

	failures := ws.History.Stats().ReconcileFailures
	start := time.Now()
	var applied bool
	if isUndo {
		applied, err = ws.History.Undo(ctx)
	} else {
		applied, err = ws.History.Redo(ctx)
	}
	elapsed := time.Since(start)
	s.auditOp(ctx, "history."+op, map[string]any{"applied": applied}, err, elapsed)
	if err != nil {
		return HistoryView{}, err
	}
	if applied {
		labels := map[string]string{"document_id": id}
		s.metrics.Count(metric, labels)
		s.metrics.Duration(observability.MetricHistoryRestoreMs, elapsed, labels)
		if n := ws.History.Stats().ReconcileFailures - failures; n > 0 {
			s.metrics.Record(&observability.Metric{
				Name: observability.MetricReconcileFailure, Value: float64(n), Labels: labels, Unit: "count",
			})
		}
	}
	return ws.view(applied), nil
}

// History returns the readiness flags and counters of document id.
func (s *Service) History(id string) (HistoryView, error) {
	ws, err := s.Workspace(id)
	if err != nil {
		return HistoryView{}, err
	}
	return ws.view(false), nil
}

// Shortcut resolves a key press against document id and applies it when
// the matching history action is available.
func (s *Service) Shortcut(ctx context.Context, id string, ev KeyEvent) (ShortcutResult, error) {
	ws, err := s.Workspace(id)
	if err != nil {
		return ShortcutResult{}, err
	}
	ctx = kit.WithDocumentID(ctx, id)
	start := time.Now()
	res, err := applyShortcut(ctx, ws.History, ev)
	if res.Applied {
		s.auditOp(ctx, "history."+string(res.Action), map[string]any{"shortcut": ev}, err, time.Since(start))
		metric := observability.MetricHistoryRedo
		if res.Action == ActionUndo {
			metric = observability.MetricHistoryUndo
		}
		s.metrics.Count(metric, map[string]string{"document_id": id})
	}
	return res, err
}

// State returns the UI state of document id.
func (s *Service) State(id string) (StateSnapshot, error) {
	ws, err := s.Workspace(id)
	if err != nil {
		return StateSnapshot{}, err
	}
	return ws.State.Snapshot(), nil
}

// PatchState applies p to the UI state of document id.
func (s *Service) PatchState(id string, p StatePatch) (StateSnapshot, error) {
	ws, err := s.Workspace(id)
	if err != nil {
		return StateSnapshot{}, err
	}
	return ws.State.Apply(p)
}

// CommentsMarkdown renders the annotations of document id as a markdown
// comment summary.
func (s *Service) CommentsMarkdown(ctx context.Context, id string) (string, error) {
	ws, err := s.Workspace(id)
	if err != nil {
		return "", err
	}
	recs, err := s.store.List(ctx, id)
	if err != nil {
		return "", err
	}
	return s.exporter.CommentsMarkdown(ws.Info.Name, recs), nil
}

// Observe polls the store revision until ctx is done and records changes
// in every open workspace. It catches writes that bypass the Service.
func (s *Service) Observe(ctx context.Context) {
	w := watch.New(s.store.DB(), watch.Options{
		Interval: s.watchInterval,
		Debounce: s.watchDebounce,
		Detector: annotstore.RevisionDetector,
		Logger:   s.logger,
	})
	w.Run(ctx, func(ctx context.Context, rev int64) error {
		n := s.RecordAll(ctx)
		s.logger.DebugContext(ctx, "editor: store revision observed", "revision", rev, "recorded", n)
		return nil
	})
}

// RecordAll asks every open workspace to record a pending change and
// returns how many did.
func (s *Service) RecordAll(ctx context.Context) int {
	s.mu.RLock()
	wss := slices.Collect(maps.Values(s.docs))
	s.mu.RUnlock()

	n := 0
	for _, ws := range wss {
		if s.record(kit.WithDocumentID(ctx, ws.Info.ID), ws) {
			n++
		}
	}
	return n
}

func (s *Service) record(ctx context.Context, ws *Workspace) bool {
	return s.countRecorded(ws, ws.History.RecordIfChanged(ctx))
}

func (s *Service) countRecorded(ws *Workspace, recorded bool) bool {
	if recorded {
		s.metrics.Count(observability.MetricHistoryRecorded, map[string]string{"document_id": ws.Info.ID})
	}
	return recorded
}

func (s *Service) auditOp(ctx context.Context, op string, params any, err error, d time.Duration) {
	if s.audit == nil {
		return
	}
	s.audit.LogAsync(s.audit.Entry(ctx, "editor", op, params, err, d))
}

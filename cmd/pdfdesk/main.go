// CLAUDE:SUMMARY Entry point for the pdfdesk HTTP service: chi router, shield stack, annotation store, undo/redo editor, converter proxy, optional MCP.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pdfdesk/annotstore"
	"github.com/hazyhaar/pdfdesk/connectivity"
	"github.com/hazyhaar/pdfdesk/convert"
	"github.com/hazyhaar/pdfdesk/dbopen"
	"github.com/hazyhaar/pdfdesk/editor"
	"github.com/hazyhaar/pdfdesk/history"
	"github.com/hazyhaar/pdfdesk/horosafe"
	"github.com/hazyhaar/pdfdesk/idgen"
	"github.com/hazyhaar/pdfdesk/observability"
	"github.com/hazyhaar/pdfdesk/shield"
)

const version = "0.3.0"

func main() {
	cfgPath := env("PDFDESK_CONFIG", "")
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("pdfdesk", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// app is everything the HTTP handler needs.
type app struct {
	cfg     *Config
	logger  *slog.Logger
	editor  *editor.Service
	convert *convert.Client
	limiter *shield.RateLimiter
	metrics *observability.MetricsManager
	router  *connectivity.Router
	mcp     *mcp.Server
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	// Application DB: annotations, routes, rate limits.
	db, err := dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(annotstore.Schema),
		dbopen.WithSchema(connectivity.Schema),
		dbopen.WithSchema(shield.Schema),
	)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	// Observability DB, separate to keep metric writes off the editing path.
	obsDB, err := dbopen.Open(cfg.ObsDBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
	if err != nil {
		return fmt.Errorf("open observability db: %w", err)
	}
	defer obsDB.Close()

	metrics := observability.NewMetricsManager(obsDB, observability.WithMetricsLogger(logger))
	defer metrics.Close()
	auditLogger := observability.NewAuditLogger(obsDB, 1000,
		observability.WithAuditIDGenerator(idgen.Prefixed("aud_", idgen.Default)),
		observability.WithAuditLogger(logger),
	)
	defer auditLogger.Close()

	store := annotstore.New(db,
		annotstore.WithIDGenerator(idgen.Prefixed("ann_", idgen.Default)),
		annotstore.WithLogger(logger),
	)

	// Converter routes live in the routes table; edits to it are picked up
	// by router.Watch without a restart.
	if err := convert.SeedRoutes(ctx, db, cfg.routeSettings()); err != nil {
		return fmt.Errorf("seed converter routes: %w", err)
	}
	policy := connectivity.DefaultPolicy()
	policy.Timeout = ms(cfg.Converter.TimeoutMs)
	policy.MaxRetries = cfg.Converter.MaxRetries
	policy.Backoff = ms(cfg.Converter.BackoffMs)
	policy.BreakerThreshold = cfg.Converter.BreakerThreshold
	policy.BreakerReset = ms(cfg.Converter.BreakerResetMs)
	policy.Metrics = metrics
	policy.Logger = logger

	router := connectivity.New(connectivity.WithLogger(logger), connectivity.WithPolicy(policy))
	router.RegisterTransport("http", connectivity.HTTPFactory(
		connectivity.WithURLPolicy(horosafe.URLPolicy{AllowPrivate: cfg.Converter.AllowPrivate}),
		connectivity.WithMaxResponseBody(cfg.MaxBodyBytes()),
	))
	defer router.Close()
	go router.Watch(ctx, db, ms(cfg.Watch.RoutesIntervalMs))

	svc := editor.NewService(store,
		editor.WithHistoryOptions(
			history.WithMaxDepth(cfg.History.MaxDepth),
			history.WithSettle(ms(cfg.History.SettleMs)),
			history.WithSettlePerRecord(ms(cfg.History.SettlePerRecordMs)),
			history.WithSkipUnchanged(cfg.History.SkipUnchanged),
		),
		editor.WithDefaultAuthor(cfg.DefaultAuthor),
		editor.WithMaxUpload(cfg.MaxUploadBytes()),
		editor.WithWatch(ms(cfg.Watch.IntervalMs), ms(cfg.Watch.DebounceMs)),
		editor.WithMetrics(metrics),
		editor.WithAudit(auditLogger),
		editor.WithLogger(logger),
	)
	svc.RegisterConnectivity(router)
	go svc.Observe(ctx)

	conv := convert.NewClient(router,
		convert.WithCache(convert.NewCache(cfg.Converter.CacheSize)),
		convert.WithMetrics(metrics),
		convert.WithAudit(auditLogger),
		convert.WithLogger(logger),
	)

	for _, rl := range cfg.RateLimits {
		err := shield.UpsertRateLimit(ctx, db, rl.Endpoint, shield.RateLimitConfig{
			MaxRequests: rl.MaxRequests, WindowSeconds: rl.WindowSeconds, Enabled: true,
		})
		if err != nil {
			return err
		}
	}
	limiter := shield.NewRateLimiter(db)
	limiter.StartReloader(ctx)

	a := &app{cfg: cfg, logger: logger, editor: svc, convert: conv, limiter: limiter, metrics: metrics, router: router}
	if cfg.MCP.Enabled {
		a.mcp = mcp.NewServer(&mcp.Implementation{Name: "pdfdesk", Version: version}, nil)
		svc.RegisterMCP(a.mcp)
	}

	go observability.SampleRuntime(ctx, metrics, 30*time.Second)
	go retention(ctx, obsDB, cfg.Retention, logger)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("pdfdesk starting", "addr", cfg.Listen, "converter", cfg.Converter.URL, "mcp", cfg.MCP.Enabled)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// handler builds the HTTP surface.
func (a *app) handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(shield.StackConfig{MaxBodyBytes: a.cfg.MaxBodyBytes(), CORS: a.cfg.CORS}) {
		r.Use(mw)
	}
	if a.limiter != nil {
		r.Use(a.limiter.Middleware)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"version":   version,
			"documents": len(a.editor.List()),
		})
	})

	if a.metrics != nil {
		r.Get("/api/stats", a.handleStats)
	}

	a.editor.RegisterHTTP(r)
	if a.convert != nil {
		a.convert.RegisterHTTP(r)
	}
	if a.mcp != nil {
		srv := a.mcp
		r.Handle(a.cfg.MCP.Path, mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))
	}
	return r
}

// routeStat is one converter route and the state of its breaker.
type routeStat struct {
	Service  string `json:"service"`
	Strategy string `json:"strategy"`
	Endpoint string `json:"endpoint,omitempty"`
	Breaker  string `json:"breaker,omitempty"`
}

// handleStats aggregates the metrics recorded over ?window= (default 1h)
// and lists the converter routes with their breaker state.
func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid window %q", v)})
			return
		}
		window = d
	}

	a.metrics.Flush()
	from := time.Now().Add(-window)
	summaries, err := a.metrics.Summarize(r.Context(), from)
	if err != nil {
		a.logger.ErrorContext(r.Context(), "stats: summarize failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if summaries == nil {
		summaries = []observability.Summary{}
	}
	routes := []routeStat{}
	if a.router != nil {
		for _, rt := range a.router.Routes() {
			st := routeStat{Service: rt.Service, Strategy: rt.Strategy, Endpoint: rt.Endpoint}
			if cb := a.router.Breaker(rt.Service); cb != nil {
				st.Breaker = cb.State().String()
			}
			routes = append(routes, st)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since":   from.UTC().Format(time.RFC3339),
		"window":  window.String(),
		"metrics": summaries,
		"routes":  routes,
	})
}

// retention prunes the observability tables once an hour.
func retention(ctx context.Context, db *sql.DB, cfg observability.RetentionConfig, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := observability.Cleanup(ctx, db, cfg); err != nil && ctx.Err() == nil {
				logger.Warn("retention cleanup failed", "error", err)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

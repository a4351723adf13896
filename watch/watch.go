// Package watch runs a "poll a version token, debounce, act" loop over a
// SQLite database. The editor uses it to turn store revisions into history
// observations.
//
//	w := watch.New(db, watch.Options{Detector: annotstore.RevisionDetector})
//	go w.Run(ctx, func(ctx context.Context, rev int64) error { ... })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token. Two different values mean something
// changed.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Action is called with the new version once a change has settled.
type Action func(ctx context.Context, version int64) error

// Options tunes the watcher.
type Options struct {
	// Interval is the polling period. Default: 250ms.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action fires.
	// A further change restarts it. 0 fires on the tick that saw the change.
	Debounce time.Duration
	// Detector defaults to PragmaDataVersion.
	Detector ChangeDetector
	// FireOnStart runs the action for the version seen at start instead of
	// taking it as the baseline.
	FireOnStart bool
	Logger      *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 250 * time.Millisecond
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64         `json:"checks"`
	ChangesDetected int64         `json:"changes_detected"`
	Errors          int64         `json:"errors"`
	Actions         int64         `json:"actions"`
	AvgActionTime   time.Duration `json:"avg_action_time"`
}

// Watcher polls db and runs an action on change. Safe for concurrent use.
type Watcher struct {
	db   *sql.DB
	opts Options

	// version is the last version whose action succeeded, -1 before any.
	version atomic.Int64

	checks   atomic.Int64
	changes  atomic.Int64
	errs     atomic.Int64
	actions  atomic.Int64
	actionNs atomic.Int64
}

// New creates a Watcher. Call Run to start polling.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	w := &Watcher{db: db, opts: opts}
	w.version.Store(-1)
	return w
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errs.Load(),
		Actions:         w.actions.Load(),
	}
	if s.Actions > 0 {
		s.AvgActionTime = time.Duration(w.actionNs.Load() / s.Actions)
	}
	return s
}

// Version returns the last version processed successfully, or -1.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Run blocks until ctx is done. Unless FireOnStart is set, the version
// seen at start is the baseline and does not fire the action. When action
// fails the version is not advanced and the change is retried on the next
// check.
func (w *Watcher) Run(ctx context.Context, action Action) {
	log := w.opts.Logger

	switch v, err := w.opts.Detector(ctx, w.db); {
	case err != nil:
		log.WarnContext(ctx, "watch: initial version check failed", "error", err)
	case w.opts.FireOnStart:
		w.fire(ctx, action, v)
	default:
		w.advance(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	pending := int64(-1)

	log.InfoContext(ctx, "watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)

	check := func() {
		w.checks.Add(1)
		cur, err := w.opts.Detector(ctx, w.db)
		if err != nil {
			if ctx.Err() == nil {
				w.errs.Add(1)
				log.WarnContext(ctx, "watch: version check failed", "error", err)
			}
			return
		}
		if cur == w.version.Load() || cur == pending {
			return
		}
		w.changes.Add(1)
		pending = cur
		if w.opts.Debounce <= 0 {
			w.fire(ctx, action, pending)
			pending = -1
			return
		}
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.NewTimer(w.opts.Debounce)
		debounceC = debounce.C
		log.DebugContext(ctx, "watch: change detected, debouncing", "pending_version", cur)
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			log.Info("watch: stopped")
			return
		case <-ticker.C:
			check()
		case <-debounceC:
			debounceC = nil
			if pending >= 0 {
				w.fire(ctx, action, pending)
				pending = -1
			}
		}
	}
}

// fire runs action. On failure the version is not advanced, so the next
// check sees the change again.
func (w *Watcher) fire(ctx context.Context, action Action, ver int64) {
	start := time.Now()
	if err := action(ctx, ver); err != nil {
		w.errs.Add(1)
		w.opts.Logger.ErrorContext(ctx, "watch: action failed", "error", err, "version", ver)
		return
	}
	elapsed := time.Since(start)
	w.actions.Add(1)
	w.actionNs.Add(int64(elapsed))
	w.advance(ver)
	w.opts.Logger.DebugContext(ctx, "watch: action complete", "version", ver, "duration", elapsed)
}

func (w *Watcher) advance(v int64) { w.version.Store(v) }

// PragmaDataVersion reads PRAGMA data_version. It moves when another
// connection commits to the same file, not on writes made through the
// connection that reads it.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

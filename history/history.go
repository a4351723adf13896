// CLAUDE:SUMMARY Snapshot-based undo/redo for annotation records: records full-state snapshots, restores by delete/create reconciliation.
// Package history keeps undo and redo stacks of annotation snapshots for one
// document.
//
// The manager observes an external collection through a Collaborator. Each
// observed change pushes the previous full state onto the undo stack. Undo
// and redo restore a captured state by reconciling the live collection with
// the collaborator's own Create and Delete primitives, since the collaborator
// offers no update.
//
// While a restoration runs the manager is in the Restoring state: observation
// is suppressed and a second Undo or Redo fails with ErrRestoring.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/pdfdesk/annotation"
)

// ErrRestoring is returned by Undo and Redo while another restoration is in
// progress.
var ErrRestoring = errors.New("history: restoration in progress")

// Collaborator is the mutable annotation collection being tracked.
type Collaborator interface {
	// Records returns the full current state keyed by annotation ID.
	Records(ctx context.Context) (map[string]annotation.Record, error)
	Create(ctx context.Context, pageIndex int, rec annotation.Record) error
	Delete(ctx context.Context, id string) error
}

// State is the manager mode.
type State int32

const (
	Idle State = iota
	Restoring
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Restoring:
		return "restoring"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Status is the readiness view used to enable undo/redo controls.
type Status struct {
	CanUndo   bool `json:"can_undo"`
	CanRedo   bool `json:"can_redo"`
	UndoDepth int  `json:"undo_depth"`
	RedoDepth int  `json:"redo_depth"`
	Restoring bool `json:"restoring"`
}

// Stats holds cumulative counters.
type Stats struct {
	Recorded          int64 `json:"recorded"`
	Undos             int64 `json:"undos"`
	Redos             int64 `json:"redos"`
	Evicted           int64 `json:"evicted"`
	ReconcileFailures int64 `json:"reconcile_failures"`
}

const (
	DefaultMaxDepth = 50
	DefaultSettle   = 50 * time.Millisecond
)

// Option configures a Manager.
type Option func(*Manager)

// WithMaxDepth bounds the combined length of both stacks. Values below 1
// are ignored.
func WithMaxDepth(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxDepth = n
		}
	}
}

// WithSettle sets the delay between the last reconciliation call and the
// re-capture of the baseline.
func WithSettle(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.settle = d
		}
	}
}

// WithSettlePerRecord adds d to the settle delay for every reconciliation
// call issued.
func WithSettlePerRecord(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.settlePerRecord = d
		}
	}
}

// WithSkipUnchanged makes restore leave alone records whose content already
// matches the target instead of deleting and recreating them.
func WithSkipUnchanged(skip bool) Option {
	return func(m *Manager) { m.skipUnchanged = skip }
}

// WithDefaultAuthor sets the author back-filled on recreated records.
func WithDefaultAuthor(author string) Option {
	return func(m *Manager) { m.author = author }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock sets the clock used to stamp snapshots.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) { m.now = fn }
}

// Manager tracks the history of one collaborator. Safe for concurrent use.
type Manager struct {
	collab Collaborator

	maxDepth        int
	settle          time.Duration
	settlePerRecord time.Duration
	skipUnchanged   bool
	author          string
	logger          *slog.Logger
	now             func() time.Time

	state atomic.Int32
	gate  sync.RWMutex // held exclusively by a restoration, shared by edits and records

	mu       sync.Mutex
	baseline *Snapshot
	undo     stack
	redo     stack

	subMu  sync.Mutex
	subs   map[int]func(Status)
	nextID int

	recorded atomic.Int64
	undos    atomic.Int64
	redos    atomic.Int64
	evicted  atomic.Int64
	failures atomic.Int64
}

// New returns a Manager over collab. A nil collab yields a manager whose
// operations are all no-ops.
func New(collab Collaborator, opts ...Option) *Manager {
	m := &Manager{
		collab:   collab,
		maxDepth: DefaultMaxDepth,
		settle:   DefaultSettle,
		author:   annotation.DefaultAuthor,
		logger:   slog.Default(),
		now:      time.Now,
		subs:     make(map[int]func(Status)),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current mode.
func (m *Manager) State() State { return State(m.state.Load()) }

// RecordIfChanged captures the collaborator state and, when it differs from
// the baseline, pushes the previous baseline onto the undo stack and clears
// redo. The first call only seeds the baseline. It does nothing while a
// restoration is in progress. It reports whether a change was recorded.
func (m *Manager) RecordIfChanged(ctx context.Context) bool {
	if m.collab == nil {
		m.logger.WarnContext(ctx, "history: no collaborator, record skipped")
		return false
	}
	if m.State() == Restoring {
		return false
	}
	m.gate.RLock()
	defer m.gate.RUnlock()
	// An undo may have won the state transition while we waited.
	if m.State() == Restoring {
		return false
	}
	return m.record(ctx)
}

// Edit runs fn, a mutation of the collaborator, then records the change.
// Edits and restorations exclude each other: an Edit that starts while a
// restoration runs fails with ErrRestoring without calling fn, and a
// restoration requested during an Edit waits for it, so every edit lands
// either before or after a restore and stays undoable.
func (m *Manager) Edit(ctx context.Context, fn func(context.Context) error) (recorded bool, err error) {
	if m.State() == Restoring {
		return false, ErrRestoring
	}
	m.gate.RLock()
	defer m.gate.RUnlock()
	if m.State() == Restoring {
		return false, ErrRestoring
	}
	if err := fn(ctx); err != nil {
		return false, err
	}
	if m.collab == nil {
		return false, nil
	}
	// A step that won the state transition meanwhile is parked on the gate
	// and has touched nothing yet.
	return m.record(ctx), nil
}

// record compares the collaborator with the baseline. Caller holds gate.
func (m *Manager) record(ctx context.Context) bool {
	m.mu.Lock()
	recs, err := m.collab.Records(ctx)
	if err != nil {
		m.mu.Unlock()
		m.logger.WarnContext(ctx, "history: capture failed", "error", err)
		return false
	}
	snap := NewSnapshot(recs, m.now())
	if m.baseline == nil {
		m.baseline = snap
		m.mu.Unlock()
		return false
	}
	if m.baseline.Equal(snap) {
		m.mu.Unlock()
		return false
	}
	m.redo.clear()
	m.undo.push(m.baseline)
	m.baseline = snap
	m.enforceDepth(ctx)
	st := m.statusLocked()
	m.mu.Unlock()

	m.recorded.Add(1)
	m.logger.DebugContext(ctx, "history: change recorded",
		"annotations", snap.Len(), "undo_depth", st.UndoDepth)
	m.notify(st)
	return true
}

// Undo restores the most recent undo snapshot. It reports false with a nil
// error when there is nothing to undo. An error is returned only when the
// current state cannot be read or another restoration is running; in both
// cases the stacks are left untouched.
func (m *Manager) Undo(ctx context.Context) (bool, error) {
	return m.step(ctx, true)
}

// Redo restores the most recent redo snapshot. See Undo.
func (m *Manager) Redo(ctx context.Context) (bool, error) {
	return m.step(ctx, false)
}

// step holds gate for the whole restoration but mu only while the stacks
// and the baseline change, so Status stays readable mid-restore.
func (m *Manager) step(ctx context.Context, isUndo bool) (bool, error) {
	op := "redo"
	if isUndo {
		op = "undo"
	}
	if m.collab == nil {
		m.logger.WarnContext(ctx, "history: no collaborator", "op", op)
		return false, nil
	}
	if !m.state.CompareAndSwap(int32(Idle), int32(Restoring)) {
		return false, ErrRestoring
	}
	m.notify(m.Status())

	var st Status
	done := false
	defer func() {
		if !done {
			st = m.Status()
		}
		m.notify(st)
	}()
	defer m.state.Store(int32(Idle))

	m.gate.Lock()
	defer m.gate.Unlock()

	current, target, err := m.pick(ctx, isUndo)
	if err != nil || target == nil {
		return false, err
	}
	m.notify(m.Status())

	calls := m.restore(context.WithoutCancel(ctx), current, target)
	m.wait(calls)

	// Re-capture so the restoration itself is never recorded.
	recs, err := m.collab.Records(context.WithoutCancel(ctx))
	m.mu.Lock()
	if err != nil {
		m.logger.WarnContext(ctx, "history: re-capture after "+op+" failed", "error", err)
		m.baseline = target
	} else {
		m.baseline = NewSnapshot(recs, m.now())
	}
	st = m.statusFor(Idle)
	m.mu.Unlock()
	done = true

	if isUndo {
		m.undos.Add(1)
	} else {
		m.redos.Add(1)
	}
	m.logger.DebugContext(ctx, "history: "+op+" applied",
		"annotations", target.Len(), "calls", calls, "taken_at", target.TakenAt(),
		"undo_depth", st.UndoDepth, "redo_depth", st.RedoDepth)
	return true, nil
}

// pick captures the live state, moves it onto the opposite stack and pops
// the snapshot to restore. A nil target means the stack was empty.
func (m *Manager) pick(ctx context.Context, isUndo bool) (current, target *Snapshot, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to, op := &m.redo, &m.undo, "redo"
	if isUndo {
		from, to, op = &m.undo, &m.redo, "undo"
	}
	if from.len() == 0 {
		m.logger.DebugContext(ctx, "history: nothing to "+op)
		return nil, nil, nil
	}
	recs, err := m.collab.Records(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("history: %s: capture current state: %w", op, err)
	}
	current = NewSnapshot(recs, m.now())
	target = from.pop()
	to.push(current)
	m.enforceDepth(ctx)
	return current, target, nil
}

// restore reconciles the collaborator from current to target and returns
// the number of mutation calls issued. Failures are logged per record and
// never abort the loop.
func (m *Manager) restore(ctx context.Context, current, target *Snapshot) int {
	calls := 0
	for _, id := range current.IDs() {
		if target.Has(id) {
			continue
		}
		calls++
		if err := m.collab.Delete(ctx, id); err != nil {
			m.reconcileFailed(ctx, "delete", id, err)
		}
	}

	for _, id := range target.IDs() {
		rec, _ := target.Record(id)
		if cur, ok := current.Record(id); ok {
			if m.skipUnchanged && cur.Equal(rec) {
				continue
			}
			calls++
			if err := m.collab.Delete(ctx, id); err != nil {
				m.reconcileFailed(ctx, "delete", id, err)
				continue
			}
		}
		calls++
		if err := m.collab.Create(ctx, rec.PageIndex, rec.WithDefaults(m.author)); err != nil {
			m.reconcileFailed(ctx, "create", id, err)
		}
	}
	return calls
}

func (m *Manager) reconcileFailed(ctx context.Context, op, id string, err error) {
	m.failures.Add(1)
	m.logger.WarnContext(ctx, "history: reconcile "+op+" failed", "id", id, "error", err)
}

func (m *Manager) wait(calls int) {
	d := m.settle + time.Duration(calls)*m.settlePerRecord
	if d > 0 {
		time.Sleep(d)
	}
}

// enforceDepth evicts the oldest entries, undo side first, until both
// stacks fit in maxDepth. Caller holds mu.
func (m *Manager) enforceDepth(ctx context.Context) {
	for m.undo.len()+m.redo.len() > m.maxDepth {
		if m.undo.len() > 0 {
			m.undo.dropOldest()
		} else {
			m.redo.dropOldest()
		}
		m.evicted.Add(1)
		m.logger.DebugContext(ctx, "history: oldest snapshot evicted", "max_depth", m.maxDepth)
	}
}

// Status returns the current readiness flags.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	return m.statusFor(m.State())
}

func (m *Manager) statusFor(s State) Status {
	restoring := s == Restoring
	return Status{
		CanUndo:   !restoring && m.undo.len() > 0,
		CanRedo:   !restoring && m.redo.len() > 0,
		UndoDepth: m.undo.len(),
		RedoDepth: m.redo.len(),
		Restoring: restoring,
	}
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Recorded:          m.recorded.Load(),
		Undos:             m.undos.Load(),
		Redos:             m.redos.Load(),
		Evicted:           m.evicted.Load(),
		ReconcileFailures: m.failures.Load(),
	}
}

// Reset drops both stacks and the baseline. The next RecordIfChanged seeds a
// fresh baseline. Reset waits for a running restoration to finish.
func (m *Manager) Reset() {
	m.gate.Lock()
	defer m.gate.Unlock()
	m.mu.Lock()
	m.undo.clear()
	m.redo.clear()
	m.baseline = nil
	st := m.statusLocked()
	m.mu.Unlock()
	m.notify(st)
}

// Subscribe registers fn to receive the status after every change of the
// readiness flags. The returned function unregisters it. fn must not call
// back into the manager's mutating methods.
func (m *Manager) Subscribe(fn func(Status)) (cancel func()) {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) notify(st Status) {
	m.subMu.Lock()
	fns := make([]func(Status), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/pdfdesk/annotation"
)

// memCollab is an in-memory collaborator. failCreate/failDelete make the
// named IDs fail; block, when set, stalls every Delete until closed.
type memCollab struct {
	mu         sync.Mutex
	recs       map[string]annotation.Record
	creates    int
	deletes    int
	failCreate map[string]bool
	failDelete map[string]bool
	failRead   error
	block      chan struct{}
	entered    chan struct{}
}

func newMem() *memCollab {
	return &memCollab{recs: map[string]annotation.Record{}}
}

func (c *memCollab) Records(context.Context) (map[string]annotation.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failRead != nil {
		return nil, c.failRead
	}
	out := make(map[string]annotation.Record, len(c.recs))
	for id, r := range c.recs {
		out[id] = r.Clone()
	}
	return out, nil
}

func (c *memCollab) Create(_ context.Context, page int, rec annotation.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates++
	if c.failCreate[rec.ID] {
		return fmt.Errorf("create %s refused", rec.ID)
	}
	if _, ok := c.recs[rec.ID]; ok {
		return fmt.Errorf("create %s: duplicate", rec.ID)
	}
	rec = rec.Clone()
	rec.PageIndex = page
	c.recs[rec.ID] = rec
	return nil
}

func (c *memCollab) Delete(_ context.Context, id string) error {
	if c.block != nil {
		if c.entered != nil {
			close(c.entered)
			c.entered = nil
		}
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	if c.failDelete[id] {
		return fmt.Errorf("delete %s refused", id)
	}
	if _, ok := c.recs[id]; !ok {
		return fmt.Errorf("delete %s: not found", id)
	}
	delete(c.recs, id)
	return nil
}

// put mutates the collection directly, the way a user edit would.
func (c *memCollab) put(id, contents string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs[id] = rec(id, contents)
}

func (c *memCollab) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recs, id)
}

func (c *memCollab) state() map[string]annotation.Record {
	m, _ := c.Records(context.Background())
	return m
}

func rec(id, contents string) annotation.Record {
	return annotation.Record{
		ID:       id,
		Subtype:  annotation.Note,
		Rect:     annotation.Rect{X: 1, Y: 1, Width: 10, Height: 10},
		Contents: contents,
		Author:   "Ana",
		Subject:  "Comment",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(c Collaborator, opts ...Option) *Manager {
	base := []Option{WithSettle(0), WithLogger(quietLogger())}
	return New(c, append(base, opts...)...)
}

func ids(m map[string]annotation.Record) []string {
	return slices.Sorted(maps.Keys(m))
}

func mustUndo(t *testing.T, m *Manager) {
	t.Helper()
	ok, err := m.Undo(context.Background())
	if err != nil || !ok {
		t.Fatalf("Undo = %v, %v", ok, err)
	}
}

func mustRedo(t *testing.T, m *Manager) {
	t.Helper()
	ok, err := m.Redo(context.Background())
	if err != nil || !ok {
		t.Fatalf("Redo = %v, %v", ok, err)
	}
}

func TestScenario_CreateAThenBUndoRedo(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(c)

	m.RecordIfChanged(ctx) // baseline {}
	c.put("A", "a")
	if !m.RecordIfChanged(ctx) {
		t.Fatal("create A not recorded")
	}
	c.put("B", "b")
	if !m.RecordIfChanged(ctx) {
		t.Fatal("create B not recorded")
	}
	if st := m.Status(); st.UndoDepth != 2 || st.RedoDepth != 0 {
		t.Fatalf("after two creates: %+v", st)
	}

	mustUndo(t, m)
	if got := ids(c.state()); !cmp.Equal(got, []string{"A"}) {
		t.Fatalf("after first undo: %v", got)
	}
	if st := m.Status(); st.UndoDepth != 1 || st.RedoDepth != 1 {
		t.Fatalf("after first undo: %+v", st)
	}

	mustUndo(t, m)
	if got := c.state(); len(got) != 0 {
		t.Fatalf("after second undo: %v", ids(got))
	}
	st := m.Status()
	if st.CanUndo || st.RedoDepth != 2 {
		t.Fatalf("after second undo: %+v", st)
	}
	if ok, err := m.Undo(ctx); ok || err != nil {
		t.Fatalf("undo on empty stack = %v, %v", ok, err)
	}

	mustRedo(t, m)
	if got := ids(c.state()); !cmp.Equal(got, []string{"A"}) {
		t.Fatalf("after redo: %v", got)
	}
	mustRedo(t, m)
	if got := ids(c.state()); !cmp.Equal(got, []string{"A", "B"}) {
		t.Fatalf("after second redo: %v", got)
	}
}

func TestUndoN_ReturnsToBaseline(t *testing.T) {
	ctx := context.Background()
	for _, n := range []int{1, 3, 10} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			c := newMem()
			c.put("seed", "x")
			m := newManager(c, WithMaxDepth(10))
			m.RecordIfChanged(ctx)
			want := c.state()

			for i := range n {
				switch i % 3 {
				case 0:
					c.put(fmt.Sprintf("n%d", i), "new")
				case 1:
					c.put("seed", fmt.Sprintf("edit %d", i))
				case 2:
					c.remove(fmt.Sprintf("n%d", i-2))
				}
				if !m.RecordIfChanged(ctx) {
					t.Fatalf("change %d not recorded", i)
				}
			}
			for range n {
				mustUndo(t, m)
			}
			if diff := cmp.Diff(want, c.state()); diff != "" {
				t.Fatalf("state after %d undos (-want +got):\n%s", n, diff)
			}
		})
	}
}

func TestUndoRedo_Inverse(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(c)
	m.RecordIfChanged(ctx)
	c.put("A", "one")
	m.RecordIfChanged(ctx)
	c.put("A", "two")
	c.put("B", "b")
	m.RecordIfChanged(ctx)

	before := c.state()
	mustUndo(t, m)
	mustRedo(t, m)
	if diff := cmp.Diff(before, c.state()); diff != "" {
		t.Fatalf("undo+redo changed state (-before +after):\n%s", diff)
	}
}

func TestNewChangeClearsRedo(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(c)
	m.RecordIfChanged(ctx)
	c.put("A", "a")
	m.RecordIfChanged(ctx)
	c.put("B", "b")
	m.RecordIfChanged(ctx)
	mustUndo(t, m)

	c.put("C", "c")
	if !m.RecordIfChanged(ctx) {
		t.Fatal("change C not recorded")
	}
	if m.Status().CanRedo {
		t.Fatal("redo still available after a new change")
	}
	before := c.state()
	if ok, err := m.Redo(ctx); ok || err != nil {
		t.Fatalf("Redo = %v, %v, want no-op", ok, err)
	}
	if diff := cmp.Diff(before, c.state()); diff != "" {
		t.Fatalf("no-op redo changed state:\n%s", diff)
	}
}

func TestRecordIfChanged_Idempotent(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(c)
	if m.RecordIfChanged(ctx) {
		t.Fatal("first observation must only seed the baseline")
	}
	c.put("A", "a")
	m.RecordIfChanged(ctx)
	for range 3 {
		if m.RecordIfChanged(ctx) {
			t.Fatal("unchanged state recorded")
		}
	}
	if d := m.Status().UndoDepth; d != 1 {
		t.Fatalf("undo depth = %d, want 1", d)
	}
	if s := m.Stats(); s.Recorded != 1 {
		t.Fatalf("recorded = %d", s.Recorded)
	}
}

func TestRecordIfChanged_DetectsContentChange(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	c.put("A", "a")
	m := newManager(c)
	m.RecordIfChanged(ctx)
	c.put("A", "b")
	if !m.RecordIfChanged(ctx) {
		t.Fatal("content change with same ID set not recorded")
	}
}

func TestMaxDepth_EvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(c, WithMaxDepth(3))
	m.RecordIfChanged(ctx)

	for i := range 5 {
		c.put(fmt.Sprintf("r%d", i), "x")
		m.RecordIfChanged(ctx)
		if st := m.Status(); st.UndoDepth+st.RedoDepth > 3 {
			t.Fatalf("depth %d exceeds max", st.UndoDepth+st.RedoDepth)
		}
	}
	if s := m.Stats(); s.Evicted != 2 {
		t.Fatalf("evicted = %d, want 2", s.Evicted)
	}

	for range 3 {
		mustUndo(t, m)
		if st := m.Status(); st.UndoDepth+st.RedoDepth > 3 {
			t.Fatalf("combined depth %d exceeds max", st.UndoDepth+st.RedoDepth)
		}
	}
	// The two oldest snapshots ({} and {r0}) were evicted; the oldest
	// reachable state is {r0, r1}.
	if got := ids(c.state()); !cmp.Equal(got, []string{"r0", "r1"}) {
		t.Fatalf("oldest reachable state = %v", got)
	}
	if ok, _ := m.Undo(ctx); ok {
		t.Fatal("undo past evicted history")
	}
}

func TestRestore_Reconciliation(t *testing.T) {
	ctx := context.Background()
	for _, skip := range []bool{false, true} {
		t.Run(fmt.Sprintf("skip=%v", skip), func(t *testing.T) {
			c := newMem()
			c.put("A", "a")
			c.put("C", "c")
			m := newManager(c, WithSkipUnchanged(skip))
			m.RecordIfChanged(ctx) // baseline {A,C}
			target := c.state()

			c.remove("C")
			c.put("B", "b")
			m.RecordIfChanged(ctx) // {A,B}

			c.creates, c.deletes = 0, 0
			mustUndo(t, m)
			if diff := cmp.Diff(target, c.state()); diff != "" {
				t.Fatalf("restored state (-want +got):\n%s", diff)
			}
			// B deleted and C created in every mode; A is recreated
			// only when unchanged records are not skipped.
			wantDeletes, wantCreates := 2, 2
			if skip {
				wantDeletes, wantCreates = 1, 1
			}
			if c.deletes != wantDeletes || c.creates != wantCreates {
				t.Fatalf("calls = %d deletes, %d creates; want %d, %d",
					c.deletes, c.creates, wantDeletes, wantCreates)
			}
		})
	}
}

func TestRestore_IsNotRecorded(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(c)
	m.RecordIfChanged(ctx)
	c.put("A", "a")
	m.RecordIfChanged(ctx)
	mustUndo(t, m)

	if m.RecordIfChanged(ctx) {
		t.Fatal("restoration recorded as a user change")
	}
	if st := m.Status(); st.UndoDepth != 0 || st.RedoDepth != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestRestore_BackfillsDefaults(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(c)
	bare := annotation.Record{ID: "A", Subtype: annotation.Ink, PageIndex: 2}
	c.mu.Lock()
	c.recs["A"] = bare
	c.mu.Unlock()
	m.RecordIfChanged(ctx)
	c.remove("A")
	m.RecordIfChanged(ctx)
	mustUndo(t, m)

	got, ok := c.state()["A"]
	if !ok {
		t.Fatal("A not recreated")
	}
	if got.Author != annotation.DefaultAuthor || got.Subject != annotation.Ink.Label() || got.PageIndex != 2 {
		t.Fatalf("recreated = %+v", got)
	}
}

func TestRestore_PerRecordFailuresContinue(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(c)
	m.RecordIfChanged(ctx)
	c.put("A", "a")
	c.put("B", "b")
	c.put("C", "c")
	m.RecordIfChanged(ctx)

	c.failDelete = map[string]bool{"B": true}
	ok, err := m.Undo(ctx)
	if err != nil || !ok {
		t.Fatalf("Undo = %v, %v; failures must not be returned", ok, err)
	}
	if got := ids(c.state()); !cmp.Equal(got, []string{"B"}) {
		t.Fatalf("partial restore left %v, want [B]", got)
	}
	if s := m.Stats(); s.ReconcileFailures != 1 {
		t.Fatalf("reconcile failures = %d", s.ReconcileFailures)
	}
	if m.State() != Idle {
		t.Fatal("guard not released after failures")
	}
}

func TestUndo_CaptureErrorLeavesStacks(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(c)
	m.RecordIfChanged(ctx)
	c.put("A", "a")
	m.RecordIfChanged(ctx)

	boom := errors.New("read failed")
	c.failRead = boom
	ok, err := m.Undo(ctx)
	if ok || !errors.Is(err, boom) {
		t.Fatalf("Undo = %v, %v", ok, err)
	}
	if st := m.Status(); st.UndoDepth != 1 || st.RedoDepth != 0 || st.Restoring {
		t.Fatalf("status after failed undo = %+v", st)
	}

	c.failRead = nil
	mustUndo(t, m)
}

type panicCollab struct{ *memCollab }

func (p panicCollab) Delete(context.Context, string) error { panic("engine crashed") }

func TestUndo_PanicReleasesGuard(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(panicCollab{c})
	m.RecordIfChanged(ctx)
	c.put("A", "a")
	m.RecordIfChanged(ctx)

	func() {
		defer func() { recover() }()
		m.Undo(ctx)
	}()
	if m.State() != Idle {
		t.Fatal("guard still held after panic")
	}
	// The mutex must also be free.
	done := make(chan struct{})
	go func() { m.Status(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("manager deadlocked after panic")
	}
}

func TestConcurrentUndo_ReturnsErrRestoring(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(c)
	m.RecordIfChanged(ctx)
	c.put("A", "a")
	m.RecordIfChanged(ctx)
	c.put("B", "b")
	m.RecordIfChanged(ctx)

	c.block = make(chan struct{})
	c.entered = make(chan struct{})
	entered := c.entered

	first := make(chan error, 1)
	go func() {
		_, err := m.Undo(ctx)
		first <- err
	}()
	<-entered

	if m.State() != Restoring {
		t.Fatal("state not Restoring during undo")
	}
	if _, err := m.Undo(ctx); !errors.Is(err, ErrRestoring) {
		t.Fatalf("second Undo error = %v, want ErrRestoring", err)
	}
	if _, err := m.Redo(ctx); !errors.Is(err, ErrRestoring) {
		t.Fatalf("Redo during restore error = %v, want ErrRestoring", err)
	}
	if m.RecordIfChanged(ctx) {
		t.Fatal("observation not suppressed during restore")
	}
	if _, err := m.Edit(ctx, func(context.Context) error {
		t.Error("edit ran during restore")
		return nil
	}); !errors.Is(err, ErrRestoring) {
		t.Fatalf("Edit during restore error = %v, want ErrRestoring", err)
	}

	close(c.block)
	if err := <-first; err != nil {
		t.Fatalf("first undo: %v", err)
	}
	if m.State() != Idle {
		t.Fatal("guard not released")
	}
	if got := ids(c.state()); !cmp.Equal(got, []string{"A"}) {
		t.Fatalf("state = %v", got)
	}
}

func TestNilCollaborator(t *testing.T) {
	ctx := context.Background()
	m := newManager(nil)
	if m.RecordIfChanged(ctx) {
		t.Fatal("record with nil collaborator")
	}
	if ok, err := m.Undo(ctx); ok || err != nil {
		t.Fatalf("Undo = %v, %v", ok, err)
	}
	if ok, err := m.Redo(ctx); ok || err != nil {
		t.Fatalf("Redo = %v, %v", ok, err)
	}
	if st := m.Status(); st != (Status{}) {
		t.Fatalf("status = %+v", st)
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(c)
	m.RecordIfChanged(ctx)
	c.put("A", "a")
	m.RecordIfChanged(ctx)
	mustUndo(t, m)
	c.put("B", "b")
	m.RecordIfChanged(ctx)

	m.Reset()
	if st := m.Status(); st.UndoDepth != 0 || st.RedoDepth != 0 {
		t.Fatalf("status after reset = %+v", st)
	}
	c.put("C", "c")
	if m.RecordIfChanged(ctx) {
		t.Fatal("first observation after reset must only seed the baseline")
	}
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(c)

	var mu sync.Mutex
	var seen []Status
	cancel := m.Subscribe(func(st Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	m.RecordIfChanged(ctx)
	c.put("A", "a")
	m.RecordIfChanged(ctx)
	mustUndo(t, m)

	mu.Lock()
	got := append([]Status(nil), seen...)
	mu.Unlock()
	if len(got) < 3 {
		t.Fatalf("notifications = %+v", got)
	}
	if !got[0].CanUndo {
		t.Fatalf("record notification = %+v", got[0])
	}
	restoring := false
	for _, st := range got {
		if st.Restoring && !st.CanUndo && !st.CanRedo {
			restoring = true
		}
	}
	if !restoring {
		t.Fatal("no Restoring notification")
	}
	if last := got[len(got)-1]; last.Restoring || !last.CanRedo || last.CanUndo {
		t.Fatalf("final notification = %+v", last)
	}

	cancel()
	n := len(got)
	c.put("B", "b")
	m.RecordIfChanged(ctx)
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Fatal("notified after cancel")
	}
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	r := rec("A", "a")
	r.Custom = map[string]string{"k": "v"}
	src := map[string]annotation.Record{"A": r}
	s := NewSnapshot(src, time.Unix(0, 0))

	src["A"].Custom["k"] = "changed"
	got, _ := s.Record("A")
	if got.Custom["k"] != "v" {
		t.Fatal("snapshot shares memory with source")
	}
	got.Custom["k"] = "changed"
	again, _ := s.Record("A")
	if again.Custom["k"] != "v" {
		t.Fatal("accessor exposes internal state")
	}
	if !s.Equal(NewSnapshot(s.Records(), time.Now())) {
		t.Fatal("snapshot not equal to its own copy")
	}
}

func waitStatus(t *testing.T, m *Manager, cond func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := m.Status()
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never matched, last %+v", st)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStatus_ReadableDuringRestore(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(c, WithSettle(300*time.Millisecond))
	m.RecordIfChanged(ctx)
	c.put("A", "a")
	m.RecordIfChanged(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Undo(ctx)
	}()
	waitStatus(t, m, func(st Status) bool { return st.Restoring && st.RedoDepth == 1 })

	start := time.Now()
	st := m.Status()
	if took := time.Since(start); took > 100*time.Millisecond {
		t.Fatalf("Status blocked %v behind the restoration", took)
	}
	want := Status{UndoDepth: 0, RedoDepth: 1, Restoring: true}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Fatalf("status mid-restore (-want +got):\n%s", diff)
	}

	<-done
	want = Status{CanRedo: true, RedoDepth: 1}
	if diff := cmp.Diff(want, m.Status()); diff != "" {
		t.Fatalf("status after restore (-want +got):\n%s", diff)
	}
}

func TestSettle_GrowsWithReconcileCalls(t *testing.T) {
	const perCall = 40 * time.Millisecond
	ctx := context.Background()
	c := newMem()
	m := newManager(c, WithSettle(0), WithSettlePerRecord(perCall))
	m.RecordIfChanged(ctx)
	c.put("A", "a")
	m.RecordIfChanged(ctx)
	c.put("B", "b")
	c.put("C", "c")
	c.put("D", "d")
	m.RecordIfChanged(ctx)

	// {A,B,C,D} -> {A}: three deletes plus delete+create of A.
	start := time.Now()
	mustUndo(t, m)
	if took := time.Since(start); took < 5*perCall {
		t.Fatalf("undo of 5 calls settled in %v, want >= %v", took, 5*perCall)
	}

	// {A} -> {}: a single delete.
	start = time.Now()
	mustUndo(t, m)
	if took := time.Since(start); took < perCall {
		t.Fatalf("undo of 1 call settled in %v, want >= %v", took, perCall)
	}
}

func TestEdit_SerializedWithRestore(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(c)
	m.RecordIfChanged(ctx)
	c.put("A", "a")
	m.RecordIfChanged(ctx)

	inEdit, release := make(chan struct{}), make(chan struct{})
	edited := make(chan bool, 1)
	go func() {
		recorded, err := m.Edit(ctx, func(context.Context) error {
			close(inEdit)
			<-release
			c.put("B", "b")
			return nil
		})
		if err != nil {
			t.Errorf("edit: %v", err)
		}
		edited <- recorded
	}()
	<-inEdit

	undone := make(chan error, 1)
	go func() {
		_, err := m.Undo(ctx)
		undone <- err
	}()
	waitStatus(t, m, func(st Status) bool { return st.Restoring })
	c.mu.Lock()
	touched := c.creates + c.deletes
	c.mu.Unlock()
	if touched != 0 {
		t.Fatal("restoration started while an edit was in flight")
	}

	close(release)
	if !<-edited {
		t.Fatal("edit was not recorded")
	}
	if err := <-undone; err != nil {
		t.Fatal(err)
	}
	// The undo reverted the edit itself, and redo brings it back.
	if got := ids(c.state()); !cmp.Equal(got, []string{"A"}) {
		t.Fatalf("after undo = %v", got)
	}
	mustRedo(t, m)
	if got := ids(c.state()); !cmp.Equal(got, []string{"A", "B"}) {
		t.Fatalf("after redo = %v", got)
	}
}

func TestEdit_FailureRecordsNothing(t *testing.T) {
	ctx := context.Background()
	c := newMem()
	m := newManager(c)
	m.RecordIfChanged(ctx)

	errRefused := errors.New("refused")
	recorded, err := m.Edit(ctx, func(context.Context) error { return errRefused })
	if !errors.Is(err, errRefused) || recorded {
		t.Fatalf("Edit = %v, %v", recorded, err)
	}
	if st := m.Status(); st.UndoDepth != 0 {
		t.Fatalf("status = %+v", st)
	}
}

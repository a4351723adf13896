package history

import (
	"maps"
	"slices"
	"time"

	"github.com/hazyhaar/pdfdesk/annotation"
)

// Snapshot is an immutable, deep-copied capture of every annotation of a
// document at one instant. Accessors return copies.
type Snapshot struct {
	records map[string]annotation.Record
	takenAt time.Time
}

// NewSnapshot deep-copies recs. The map key is authoritative: a record whose
// ID disagrees with its key is stored under the key.
func NewSnapshot(recs map[string]annotation.Record, at time.Time) *Snapshot {
	s := &Snapshot{
		records: make(map[string]annotation.Record, len(recs)),
		takenAt: at,
	}
	for id, r := range recs {
		c := r.Clone()
		c.ID = id
		s.records[id] = c
	}
	return s
}

// TakenAt returns the capture time.
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Len returns the number of annotations captured.
func (s *Snapshot) Len() int { return len(s.records) }

// IDs returns the captured identifiers in sorted order.
func (s *Snapshot) IDs() []string {
	return slices.Sorted(maps.Keys(s.records))
}

// Has reports whether id was captured.
func (s *Snapshot) Has(id string) bool {
	_, ok := s.records[id]
	return ok
}

// Record returns a copy of the captured record id.
func (s *Snapshot) Record(id string) (annotation.Record, bool) {
	r, ok := s.records[id]
	if !ok {
		return annotation.Record{}, false
	}
	return r.Clone(), true
}

// Records returns a deep copy of the captured state.
func (s *Snapshot) Records() map[string]annotation.Record {
	out := make(map[string]annotation.Record, len(s.records))
	for id, r := range s.records {
		out[id] = r.Clone()
	}
	return out
}

// Equal reports whether both snapshots hold the same identifier set with
// structurally equal records. Capture times are ignored.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.records) != len(o.records) {
		return false
	}
	for id, r := range s.records {
		other, ok := o.records[id]
		if !ok || !r.Equal(other) {
			return false
		}
	}
	return true
}

// stack is a most-recent-last sequence of snapshots.
type stack struct {
	items []*Snapshot
}

func (st *stack) len() int { return len(st.items) }

func (st *stack) push(s *Snapshot) { st.items = append(st.items, s) }

func (st *stack) pop() *Snapshot {
	n := len(st.items)
	if n == 0 {
		return nil
	}
	s := st.items[n-1]
	st.items[n-1] = nil
	st.items = st.items[:n-1]
	return s
}

// dropOldest removes the bottom entry.
func (st *stack) dropOldest() {
	if len(st.items) == 0 {
		return
	}
	st.items[0] = nil
	st.items = st.items[1:]
}

func (st *stack) clear() { st.items = nil }

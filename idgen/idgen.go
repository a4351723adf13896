// Package idgen mints identifiers for documents, annotations and audit rows.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator returns a new unique ID on every call.
type Generator func() string

// Default mints time-ordered UUIDv7 strings, so IDs created later sort
// later.
var Default Generator = UUIDv7()

// UUIDv7 panics only if the system random source fails.
func UUIDv7() Generator {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

// Prefixed tags IDs by kind: "doc_", "ann_", "aud_".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Sequence yields prefix1, prefix2, ... for deterministic tests. It is
// safe for concurrent use.
func Sequence(prefix string) Generator {
	var last atomic.Uint64
	return func() string { return prefix + strconv.FormatUint(last.Add(1), 10) }
}

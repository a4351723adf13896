package annotation

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer cleans user-supplied contents before they reach the store.
// Rich-text subtypes keep a user-generated-content subset of HTML; every
// other subtype is reduced to plain text.
type Sanitizer struct {
	rich  *bluemonday.Policy
	plain *bluemonday.Policy
}

// NewSanitizer returns a Sanitizer with the default policies.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		rich:  bluemonday.UGCPolicy(),
		plain: bluemonday.StrictPolicy(),
	}
}

// Contents returns the sanitized contents for a record of subtype s.
func (z *Sanitizer) Contents(s Subtype, contents string) string {
	if contents == "" {
		return ""
	}
	if s.RichText() {
		return strings.TrimSpace(z.rich.Sanitize(contents))
	}
	return strings.TrimSpace(z.plain.Sanitize(contents))
}

// Record returns a copy of r with Contents, Author and Subject sanitized.
// Author and Subject never carry markup.
func (z *Sanitizer) Record(r Record) Record {
	r = r.Clone()
	r.Contents = z.Contents(r.Subtype, r.Contents)
	r.Author = strings.TrimSpace(z.plain.Sanitize(r.Author))
	r.Subject = strings.TrimSpace(z.plain.Sanitize(r.Subject))
	return r
}

// Package annotation defines the markup records attached to document pages:
// highlights, notes, ink strokes, shapes, stamps.
//
// A Record is identified by its ID. Two records with the same ID are the
// same annotation; whether they carry the same content is decided
// structurally by Equal. Records are values: Clone returns a copy sharing
// no slices or maps with the original.
package annotation

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"time"
)

// Subtype names the kind of markup.
type Subtype string

const (
	Highlight Subtype = "Highlight"
	Underline Subtype = "Underline"
	StrikeOut Subtype = "StrikeOut"
	Squiggly  Subtype = "Squiggly"
	Ink       Subtype = "Ink"
	FreeText  Subtype = "FreeText"
	Note      Subtype = "Text"
	Square    Subtype = "Square"
	Circle    Subtype = "Circle"
	Line      Subtype = "Line"
	Stamp     Subtype = "Stamp"
	Image     Subtype = "Image"
)

var subtypes = map[Subtype]string{
	Highlight: "Highlight",
	Underline: "Underline",
	StrikeOut: "Strikeout",
	Squiggly:  "Squiggly",
	Ink:       "Pen",
	FreeText:  "Free text",
	Note:      "Comment",
	Square:    "Rectangle",
	Circle:    "Circle",
	Line:      "Line",
	Stamp:     "Stamp",
	Image:     "Image",
}

// Known reports whether s is a supported subtype.
func (s Subtype) Known() bool {
	_, ok := subtypes[s]
	return ok
}

// Label is the human-readable name shown in the comments panel. It doubles
// as the default subject.
func (s Subtype) Label() string {
	if l, ok := subtypes[s]; ok {
		return l
	}
	return "Annotation"
}

// RichText reports whether the subtype carries HTML contents.
func (s Subtype) RichText() bool {
	return s == FreeText || s == Note
}

// Point is a page-space coordinate in PDF points.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned page-space rectangle.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Record is one annotation as stored by the annotation store.
type Record struct {
	ID          string            `json:"id"`
	DocumentID  string            `json:"document_id,omitempty"`
	Subtype     Subtype           `json:"subtype"`
	PageIndex   int               `json:"page_index"`
	Rect        Rect              `json:"rect"`
	QuadPoints  []Point           `json:"quad_points,omitempty"` // four points per marked run
	InkList     [][]Point         `json:"ink_list,omitempty"`
	Color       string            `json:"color,omitempty"`
	Opacity     float64           `json:"opacity,omitempty"`
	StrokeWidth float64           `json:"stroke_width,omitempty"`
	Contents    string            `json:"contents,omitempty"`
	Author      string            `json:"author,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	Custom      map[string]string `json:"custom,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ModifiedAt  time.Time         `json:"modified_at"`
}

// DefaultAuthor is back-filled into records created without an author.
const DefaultAuthor = "Guest"

var colorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Validation errors.
var (
	ErrUnknownSubtype = errors.New("annotation: unknown subtype")
	ErrEmptyRect      = errors.New("annotation: rect has no area")
	ErrBadColor       = errors.New("annotation: color must be #RRGGBB")
	ErrBadOpacity     = errors.New("annotation: opacity must be within [0,1]")
	ErrBadQuadPoints  = errors.New("annotation: quad points must come in groups of four")
)

// Validate checks the record against pageCount. A pageCount <= 0 skips the
// page range check.
func (r Record) Validate(pageCount int) error {
	if !r.Subtype.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownSubtype, r.Subtype)
	}
	if r.PageIndex < 0 || (pageCount > 0 && r.PageIndex >= pageCount) {
		return fmt.Errorf("annotation: page index %d out of range", r.PageIndex)
	}
	if r.Rect.Empty() {
		return ErrEmptyRect
	}
	if r.Color != "" && !colorRe.MatchString(r.Color) {
		return ErrBadColor
	}
	if r.Opacity < 0 || r.Opacity > 1 {
		return ErrBadOpacity
	}
	if len(r.QuadPoints)%4 != 0 {
		return ErrBadQuadPoints
	}
	return nil
}

// WithDefaults returns a copy with Author and Subject filled in when they
// are empty. The subject falls back to the subtype label.
func (r Record) WithDefaults(author string) Record {
	if author == "" {
		author = DefaultAuthor
	}
	if r.Author == "" {
		r.Author = author
	}
	if r.Subject == "" {
		r.Subject = r.Subtype.Label()
	}
	return r
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	c := r
	c.QuadPoints = slices.Clone(r.QuadPoints)
	if r.InkList != nil {
		c.InkList = make([][]Point, len(r.InkList))
		for i, stroke := range r.InkList {
			c.InkList[i] = slices.Clone(stroke)
		}
	}
	c.Custom = maps.Clone(r.Custom)
	return c
}

// Equal reports structural equality. Nil and empty slices or maps compare
// equal; timestamps compare by instant.
func (r Record) Equal(o Record) bool {
	if r.ID != o.ID || r.DocumentID != o.DocumentID || r.Subtype != o.Subtype ||
		r.PageIndex != o.PageIndex || r.Rect != o.Rect || r.Color != o.Color ||
		r.Opacity != o.Opacity || r.StrokeWidth != o.StrokeWidth ||
		r.Contents != o.Contents || r.Author != o.Author || r.Subject != o.Subject {
		return false
	}
	if !r.CreatedAt.Equal(o.CreatedAt) || !r.ModifiedAt.Equal(o.ModifiedAt) {
		return false
	}
	if !slices.Equal(r.QuadPoints, o.QuadPoints) {
		return false
	}
	if !slices.EqualFunc(r.InkList, o.InkList, func(a, b []Point) bool { return slices.Equal(a, b) }) {
		return false
	}
	return maps.Equal(r.Custom, o.Custom)
}

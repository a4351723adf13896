package editor

import (
	"fmt"
	"regexp"
	"sync"
)

// Tool is the active editing tool of a workspace.
type Tool string

const (
	ToolSelect    Tool = "select"
	ToolText      Tool = "text"
	ToolHighlight Tool = "highlight"
	ToolDraw      Tool = "draw"
	ToolEraser    Tool = "eraser"
	ToolStamp     Tool = "stamp"
	ToolImage     Tool = "image"
	ToolNote      Tool = "note"
)

// Valid reports whether t is one of the known tools.
func (t Tool) Valid() bool {
	switch t {
	case ToolSelect, ToolText, ToolHighlight, ToolDraw, ToolEraser, ToolStamp, ToolImage, ToolNote:
		return true
	}
	return false
}

var hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// ToolProperties are the defaults applied to new annotations.
type ToolProperties struct {
	Color       string  `json:"color"`
	StrokeWidth float64 `json:"stroke_width"`
	Opacity     float64 `json:"opacity"`
}

// DefaultToolProperties returns the properties of a fresh workspace.
func DefaultToolProperties() ToolProperties {
	return ToolProperties{Color: "#ffcd45", StrokeWidth: 2, Opacity: 1}
}

func (p ToolProperties) validate() error {
	if !hexColor.MatchString(p.Color) {
		return fmt.Errorf("%w: color %q is not #rrggbb", ErrInvalid, p.Color)
	}
	if p.StrokeWidth <= 0 || p.StrokeWidth > 100 {
		return fmt.Errorf("%w: stroke width %v out of (0, 100]", ErrInvalid, p.StrokeWidth)
	}
	if p.Opacity < 0 || p.Opacity > 1 {
		return fmt.Errorf("%w: opacity %v out of [0, 1]", ErrInvalid, p.Opacity)
	}
	return nil
}

// StateSnapshot is a point-in-time copy of a State.
type StateSnapshot struct {
	FileName        string         `json:"file_name"`
	URL             string         `json:"url,omitempty"`
	Loading         bool           `json:"loading"`
	ExportModalOpen bool           `json:"export_modal_open"`
	Processing      bool           `json:"processing"`
	ActiveTool      Tool           `json:"active_tool"`
	Properties      ToolProperties `json:"properties"`
}

// StatePatch carries the fields a client wants to change. Nil fields are
// left alone.
type StatePatch struct {
	ExportModalOpen *bool           `json:"export_modal_open,omitempty"`
	ActiveTool      *Tool           `json:"active_tool,omitempty"`
	Properties      *ToolProperties `json:"properties,omitempty"`
}

// State is the per-workspace application state. It is owned by a Workspace
// and passed explicitly; there is no process-wide instance.
type State struct {
	mu sync.RWMutex
	s  StateSnapshot
}

// NewState returns a State in its reset form.
func NewState() *State {
	st := &State{}
	st.Reset()
	return st
}

// Snapshot returns a copy of the current values.
func (st *State) Snapshot() StateSnapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// Reset restores every field to its initial value.
func (st *State) Reset() {
	st.mu.Lock()
	st.s = StateSnapshot{ActiveTool: ToolSelect, Properties: DefaultToolProperties()}
	st.mu.Unlock()
}

func (st *State) SetFile(name, url string) {
	st.mu.Lock()
	st.s.FileName = name
	st.s.URL = url
	st.mu.Unlock()
}

func (st *State) SetLoading(v bool) {
	st.mu.Lock()
	st.s.Loading = v
	st.mu.Unlock()
}

func (st *State) SetProcessing(v bool) {
	st.mu.Lock()
	st.s.Processing = v
	st.mu.Unlock()
}

// Apply validates the whole patch before changing anything.
func (st *State) Apply(p StatePatch) (StateSnapshot, error) {
	if p.ActiveTool != nil && !p.ActiveTool.Valid() {
		return StateSnapshot{}, fmt.Errorf("%w: unknown tool %q", ErrInvalid, *p.ActiveTool)
	}
	if p.Properties != nil {
		if err := p.Properties.validate(); err != nil {
			return StateSnapshot{}, err
		}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if p.ExportModalOpen != nil {
		st.s.ExportModalOpen = *p.ExportModalOpen
	}
	if p.ActiveTool != nil {
		st.s.ActiveTool = *p.ActiveTool
	}
	if p.Properties != nil {
		st.s.Properties = *p.Properties
	}
	return st.s, nil
}

package editor

import (
	"context"
	"strings"

	"github.com/hazyhaar/pdfdesk/history"
)

// Action is the history action bound to a key combination.
type Action string

const (
	ActionNone Action = ""
	ActionUndo Action = "undo"
	ActionRedo Action = "redo"
)

// KeyEvent is a key press as reported by a client.
type KeyEvent struct {
	Key   string `json:"key"`
	Ctrl  bool   `json:"ctrl"`
	Meta  bool   `json:"meta"`
	Shift bool   `json:"shift"`
}

// ResolveShortcut maps a key press to a history action. Ctrl and Cmd are
// interchangeable and the key is compared case-insensitively, so Shift+Z
// reported as "Z" still resolves.
//
//	Ctrl/Cmd+Z        undo
//	Ctrl/Cmd+Shift+Z  redo
//	Ctrl/Cmd+Y        redo
func ResolveShortcut(key string, ctrl, meta, shift bool) Action {
	if !ctrl && !meta {
		return ActionNone
	}
	switch strings.ToLower(key) {
	case "z":
		if shift {
			return ActionRedo
		}
		return ActionUndo
	case "y":
		return ActionRedo
	}
	return ActionNone
}

// ShortcutResult reports what a key press did.
type ShortcutResult struct {
	Action  Action         `json:"action,omitempty"`
	Applied bool           `json:"applied"`
	Status  history.Status `json:"status"`
}

// applyShortcut runs the resolved action only when the matching readiness
// flag is set.
func applyShortcut(ctx context.Context, m *history.Manager, ev KeyEvent) (ShortcutResult, error) {
	res := ShortcutResult{Action: ResolveShortcut(ev.Key, ev.Ctrl, ev.Meta, ev.Shift)}
	st := m.Status()
	var err error
	switch {
	case res.Action == ActionUndo && st.CanUndo:
		res.Applied, err = m.Undo(ctx)
	case res.Action == ActionRedo && st.CanRedo:
		res.Applied, err = m.Redo(ctx)
	}
	res.Status = m.Status()
	return res, err
}

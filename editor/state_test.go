package editor

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestResolveShortcut(t *testing.T) {
	tests := []struct {
		key               string
		ctrl, meta, shift bool
		want              Action
	}{
		{"z", true, false, false, ActionUndo},
		{"z", false, true, false, ActionUndo},
		{"Z", true, false, false, ActionUndo},
		{"z", true, false, true, ActionRedo},
		{"Z", false, true, true, ActionRedo},
		{"y", true, false, false, ActionRedo},
		{"Y", false, true, false, ActionRedo},
		{"z", false, false, false, ActionNone},
		{"y", false, false, true, ActionNone},
		{"x", true, false, false, ActionNone},
		{"", true, false, false, ActionNone},
	}
	for _, tt := range tests {
		if got := ResolveShortcut(tt.key, tt.ctrl, tt.meta, tt.shift); got != tt.want {
			t.Errorf("ResolveShortcut(%q, ctrl=%v, meta=%v, shift=%v) = %q, want %q",
				tt.key, tt.ctrl, tt.meta, tt.shift, got, tt.want)
		}
	}
}

func TestShortcut_OnlyWhenAvailable(t *testing.T) {
	s, _ := setupService(t)
	ctx := context.Background()
	ws := openDoc(t, s, 1)

	res, err := s.Shortcut(ctx, ws.Info.ID, KeyEvent{Key: "z", Ctrl: true})
	if err != nil || res.Action != ActionUndo || res.Applied {
		t.Fatalf("undo on empty history = %+v, %v", res, err)
	}

	s.CreateAnnotation(ctx, ws.Info.ID, highlight(0, "x"))
	res, err = s.Shortcut(ctx, ws.Info.ID, KeyEvent{Key: "z", Meta: true})
	if err != nil || !res.Applied || !res.Status.CanRedo {
		t.Fatalf("undo = %+v, %v", res, err)
	}

	res, _ = s.Shortcut(ctx, ws.Info.ID, KeyEvent{Key: "a", Ctrl: true})
	if res.Action != ActionNone || res.Applied {
		t.Fatalf("unbound key = %+v", res)
	}
}

func TestState_ResetAndSetters(t *testing.T) {
	st := NewState()
	st.SetFile("a.pdf", "/x")
	st.SetLoading(true)
	st.SetProcessing(true)
	open, tool := true, ToolNote
	props := ToolProperties{Color: "#112233", StrokeWidth: 1, Opacity: 0.2}
	if _, err := st.Apply(StatePatch{ExportModalOpen: &open, ActiveTool: &tool, Properties: &props}); err != nil {
		t.Fatal(err)
	}
	want := StateSnapshot{
		FileName:        "a.pdf",
		URL:             "/x",
		Loading:         true,
		ExportModalOpen: true,
		Processing:      true,
		ActiveTool:      ToolNote,
		Properties:      ToolProperties{Color: "#112233", StrokeWidth: 1, Opacity: 0.2},
	}
	if diff := cmp.Diff(want, st.Snapshot()); diff != "" {
		t.Fatalf("snapshot (-want +got):\n%s", diff)
	}

	st.Reset()
	want = StateSnapshot{ActiveTool: ToolSelect, Properties: DefaultToolProperties()}
	if diff := cmp.Diff(want, st.Snapshot()); diff != "" {
		t.Fatalf("after reset (-want +got):\n%s", diff)
	}
}

func TestState_ApplyIsAllOrNothing(t *testing.T) {
	st := NewState()
	open := true
	tool := ToolDraw
	bad := ToolProperties{Color: "#zzzzzz", StrokeWidth: 1, Opacity: 1}

	_, err := st.Apply(StatePatch{ExportModalOpen: &open, ActiveTool: &tool, Properties: &bad})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if got := st.Snapshot(); got.ExportModalOpen || got.ActiveTool != ToolSelect {
		t.Fatalf("partial patch applied: %+v", got)
	}

	for _, p := range []ToolProperties{
		{Color: "#000000", StrokeWidth: 0, Opacity: 1},
		{Color: "#000000", StrokeWidth: 1, Opacity: 1.5},
	} {
		if _, err := st.Apply(StatePatch{Properties: &p}); !errors.Is(err, ErrInvalid) {
			t.Errorf("Apply(properties %+v) = %v", p, err)
		}
	}
	lasso := Tool("lasso")
	if _, err := st.Apply(StatePatch{ActiveTool: &lasso}); !errors.Is(err, ErrInvalid) {
		t.Errorf("Apply(tool lasso) = %v", err)
	}
}

package editor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pdfdesk/connectivity"
	"github.com/hazyhaar/pdfdesk/kit"
)

func mcpSession(t *testing.T, srv *mcp.Server) *mcp.ClientSession {
	t.Helper()
	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "editor-test-client", Version: "0.1.0"}, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if out != nil && !res.IsError {
		text := res.Content[0].(*mcp.TextContent).Text
		if err := json.Unmarshal([]byte(text), out); err != nil {
			t.Fatalf("%s: decode %q: %v", name, text, err)
		}
	}
	return res
}

func TestMCPTools(t *testing.T) {
	s, _ := setupService(t)
	ws := openDoc(t, s, 1)
	if _, err := s.CreateAnnotation(context.Background(), ws.Info.ID, highlight(0, "via mcp")); err != nil {
		t.Fatal(err)
	}

	srv := mcp.NewServer(&mcp.Implementation{Name: "pdfdesk-test", Version: "0.1.0"}, nil)
	s.RegisterMCP(srv)
	session := mcpSession(t, srv)

	tools, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"pdfdesk_annotations", "pdfdesk_undo", "pdfdesk_redo", "pdfdesk_history"} {
		if !names[want] {
			t.Errorf("tool %s not registered", want)
		}
	}

	args := map[string]any{"document_id": ws.Info.ID}
	var list struct {
		Count int `json:"count"`
	}
	callTool(t, session, "pdfdesk_annotations", args, &list)
	if list.Count != 1 {
		t.Fatalf("count = %d", list.Count)
	}

	var v HistoryView
	callTool(t, session, "pdfdesk_undo", args, &v)
	if !v.Applied || !v.Status.CanRedo {
		t.Fatalf("undo = %+v", v)
	}
	callTool(t, session, "pdfdesk_history", args, &v)
	if v.Status.CanUndo || !v.Status.CanRedo {
		t.Fatalf("history = %+v", v)
	}
	callTool(t, session, "pdfdesk_redo", args, &v)
	if !v.Applied || !v.Status.CanUndo {
		t.Fatalf("redo = %+v", v)
	}

	if res := callTool(t, session, "pdfdesk_undo", map[string]any{"document_id": "doc_x"}, nil); !res.IsError {
		t.Fatal("unknown document did not produce a tool error")
	}
	if res := callTool(t, session, "pdfdesk_history", map[string]any{}, nil); !res.IsError {
		t.Fatal("missing document_id did not produce a tool error")
	}
}

func TestConnectivityHandlers(t *testing.T) {
	s, _ := setupService(t)
	ctx := context.Background()
	ws := openDoc(t, s, 1)
	s.CreateAnnotation(ctx, ws.Info.ID, highlight(0, "x"))

	router := connectivity.New(connectivity.WithLogger(discardLogger()))
	defer router.Close()
	s.RegisterConnectivity(router)

	payload, _ := json.Marshal(map[string]string{"document_id": ws.Info.ID})
	out, err := router.Call(ctx, "pdfdesk_undo", payload)
	if err != nil {
		t.Fatal(err)
	}
	var v HistoryView
	if err := json.Unmarshal(out, &v); err != nil {
		t.Fatal(err)
	}
	if !v.Applied || v.DocumentID != ws.Info.ID {
		t.Fatalf("undo = %+v", v)
	}

	out, err = router.Call(ctx, "pdfdesk_history", payload)
	if err != nil {
		t.Fatal(err)
	}
	json.Unmarshal(out, &v)
	if !v.Status.CanRedo {
		t.Fatalf("history = %+v", v)
	}

	if _, err := router.Call(ctx, "pdfdesk_redo", []byte(`{}`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("missing document_id: err = %v, want ErrInvalid", err)
	}
}

func TestConnectivityHandler_TagsContext(t *testing.T) {
	var transport, docID string
	endpoint := withDocument(func(ctx context.Context, _ any) (any, error) {
		transport, docID = kit.GetTransport(ctx), kit.GetDocumentID(ctx)
		return map[string]bool{"ok": true}, nil
	})
	h := connectivityHandler(kit.Chain(kit.WithTransportTag("connectivity"))(endpoint))

	out, err := h(context.Background(), []byte(`{"document_id":"doc_1"}`))
	if err != nil || string(out) != `{"ok":true}` {
		t.Fatalf("handler = %s, %v", out, err)
	}
	if transport != "connectivity" || docID != "doc_1" {
		t.Fatalf("transport = %q, document = %q", transport, docID)
	}

	if _, err := h(context.Background(), []byte(`not json`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("bad payload: err = %v, want ErrInvalid", err)
	}
}

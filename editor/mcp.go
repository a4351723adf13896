package editor

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pdfdesk/kit"
)

// RegisterMCP registers the editor tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerAnnotationsTool(srv)
	s.registerHistoryTools(srv)
}

type documentReq struct {
	DocumentID string `json:"document_id"`
}

func (r *documentReq) id() (string, error) {
	if r.DocumentID == "" {
		return "", fmt.Errorf("%w: document_id is required", ErrInvalid)
	}
	return r.DocumentID, nil
}

var documentSchema = kit.InputSchema(map[string]any{
	"document_id": map[string]any{"type": "string", "description": "ID of an open document"},
}, "document_id")

func (s *Service) registerAnnotationsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pdfdesk_annotations",
		Description: "List the annotations of an open PDF document.",
		InputSchema: documentSchema,
	}
	endpoint := withDocument(func(ctx context.Context, req any) (any, error) {
		id := kit.GetDocumentID(ctx)
		recs, err := s.Annotations(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"document_id": id, "count": len(recs), "annotations": recs}, nil
	})
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeArgs[documentReq]())
}

func (s *Service) registerHistoryTools(srv *mcp.Server) {
	tools := []struct {
		name, desc string
		fn         func(ctx context.Context, id string) (HistoryView, error)
	}{
		{"pdfdesk_undo", "Undo the last annotation change of an open document.", s.Undo},
		{"pdfdesk_redo", "Redo the last undone annotation change of an open document.", s.Redo},
		{"pdfdesk_history", "Report whether undo and redo are available for an open document.",
			func(_ context.Context, id string) (HistoryView, error) { return s.History(id) }},
	}
	for _, t := range tools {
		kit.RegisterMCPTool(srv, &mcp.Tool{
			Name:        t.name,
			Description: t.desc,
			InputSchema: documentSchema,
		}, historyEndpoint(t.fn), kit.DecodeArgs[documentReq]())
	}
}

// withDocument validates the *documentReq of an Endpoint and puts its
// document ID on the context.
func withDocument(next kit.Endpoint) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		r, ok := req.(*documentReq)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected request %T", ErrInvalid, req)
		}
		id, err := r.id()
		if err != nil {
			return nil, err
		}
		return next(kit.WithDocumentID(ctx, id), req)
	}
}

// historyEndpoint adapts an undo/redo/status call to a kit.Endpoint taking
// a *documentReq.
func historyEndpoint(fn func(ctx context.Context, id string) (HistoryView, error)) kit.Endpoint {
	return withDocument(func(ctx context.Context, _ any) (any, error) {
		return fn(ctx, kit.GetDocumentID(ctx))
	})
}

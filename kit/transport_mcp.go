package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Decoder extracts the typed request of an Endpoint from MCP tool arguments.
type Decoder func(*mcp.CallToolRequest) (any, error)

// DecodeArgs returns a Decoder that unmarshals the tool arguments into a
// fresh *T. Missing arguments decode to a pointer to the zero T.
func DecodeArgs[T any]() Decoder {
	return func(req *mcp.CallToolRequest) (any, error) {
		v := new(T)
		if req.Params == nil || len(req.Params.Arguments) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(req.Params.Arguments, v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// InputSchema builds a JSON object schema for a tool.
func InputSchema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// RegisterMCPTool exposes endpoint as an MCP tool. Decode and endpoint
// errors become tool errors (IsError results), never protocol errors. The
// response is returned as JSON text content.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode Decoder) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in, err := decode(req)
		if err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}

		resp, err := endpoint(WithTransport(ctx, "mcp"), in)
		if err != nil {
			return toolError(err), nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}

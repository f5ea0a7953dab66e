package httpapi

import (
	"context"
	"encoding/json"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/freitascorp/qlikclaw/pkg/mcp"
	"github.com/freitascorp/qlikclaw/pkg/tools"
)

// newMCPServer registers every registry tool on a go-sdk server. Calls go
// through the registry so metrics, audit and the bulkhead still apply.
func newMCPServer(registry *tools.ToolRegistry, version string) *mcpsdk.Server {
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    mcp.ServerName,
		Version: version,
	}, &mcpsdk.ServerOptions{Instructions: mcp.Instructions})

	openWorld := true
	for _, def := range registry.ToProviderDefs() {
		schema := def.Function.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		raw, err := json.Marshal(schema)
		if err != nil {
			continue
		}
		srv.AddTool(&mcpsdk.Tool{
			Name:        def.Function.Name,
			Description: def.Function.Description,
			InputSchema: json.RawMessage(raw),
			Annotations: &mcpsdk.ToolAnnotations{
				ReadOnlyHint:  true,
				OpenWorldHint: &openWorld,
			},
		}, toolHandler(registry, def.Function.Name))
	}
	return srv
}

func toolHandler(registry *tools.ToolRegistry, name string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args map[string]any
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return &mcpsdk.CallToolResult{
					Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "arguments must be a JSON object: " + err.Error()}},
					IsError: true,
				}, nil
			}
		}

		result := registry.Execute(ctx, name, args)
		text := result.ForLLM
		if text == "" {
			text = "(no output)"
		}
		out := &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
			IsError: result.IsError,
		}
		if !result.IsError {
			var structured map[string]any
			if json.Unmarshal([]byte(text), &structured) == nil {
				out.StructuredContent = structured
			}
		}
		return out, nil
	}
}

package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/pkg/models"
)

// registerTools exposes the whole catalog. The registry already carries a
// JSON schema per tool, so tools bind with their raw schemas instead of
// re-declaring arguments here. Visibility filters are enforced at call
// time by the executor; the listing always shows the full catalog.
func (s *Server) registerTools() {
	for _, t := range s.cfg.Registry.All() {
		s.mcp.AddTool(
			mcp.NewToolWithRawSchema(t.Name, t.Description, t.Schema),
			s.toolHandler(t.Name, t.Category),
		)
	}
}

func (s *Server) toolHandler(name string, category agent.Category) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID := s.cfg.Sessions.CurrentOf(models.TransportMCP)
		if sessionID == "" && category != agent.CategorySession {
			return mcp.NewToolResultError(
				"no active session: call create_session or set_active_session first"), nil
		}

		raw := json.RawMessage(`{}`)
		if args := req.GetArguments(); len(args) > 0 {
			b, err := json.Marshal(args)
			if err != nil {
				return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
			}
			raw = b
		}

		result := s.cfg.Executor.Execute(ctx, models.TransportMCP, sessionID, models.ToolCall{
			ID:   uuid.NewString(),
			Name: name,
			Args: raw,
		})
		if result.IsError() {
			return mcp.NewToolResultError(result.Content), nil
		}
		return mcp.NewToolResultText(result.Content), nil
	}
}

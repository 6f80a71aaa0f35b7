package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/pkg/models"
)

const workflowPromptName = "rtl_design_workflow"

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt(
		workflowPromptName,
		mcp.WithPromptDescription("The full RTL design workflow with the session's workspace bound in"),
		mcp.WithArgument("session_id",
			mcp.ArgumentDescription("Session to bind; defaults to the active MCP session")),
	), s.workflowPrompt)
}

func (s *Server) workflowPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	sessionID := req.Params.Arguments["session_id"]
	if sessionID == "" {
		sessionID = s.cfg.Sessions.CurrentOf(models.TransportMCP)
	}
	if sessionID == "" {
		return nil, core.E(core.KindSessionNotFound,
			"no active session: pass session_id or call create_session first")
	}
	if _, err := s.cfg.Sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	text := agent.WorkflowPrompt(sessionID, s.cfg.Workspace.SessionDir(sessionID))
	return mcp.NewGetPromptResult(
		"RTL design workflow",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text)),
		},
	), nil
}

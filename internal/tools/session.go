package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/core"
)

type createSessionArgs struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"description=Optional explicit session id; generated when empty"`
	Model     string `json:"model,omitempty" jsonschema:"description=Model override for this session"`
	Title     string `json:"title,omitempty"`
}

type sessionIDOnlyArgs struct {
	SessionID string `json:"session_id" jsonschema:"description=Target session id"`
}

type configureFilterArgs struct {
	Mode       string   `json:"mode" jsonschema:"description=Tool visibility mode,enum=all,enum=essential,enum=custom"`
	Categories []string `json:"categories,omitempty" jsonschema:"description=Categories to expose in custom mode (essential, verification, synthesis, editing, reporting)"`
}

// sessionDefinitions builds the session-management tools. They are
// visible in every filter mode so a client can always navigate sessions.
func (c *catalog) sessionDefinitions(reg *agent.Registry) []agent.Definition {
	return []agent.Definition{
		{
			Name:        "create_session",
			Category:    agent.CategorySession,
			Description: "Create a new design session with its own workspace and history, and make it the active session for this client.",
			Args:        &createSessionArgs{},
			Handler:     c.createSession,
		},
		{
			Name:        "list_sessions",
			Category:    agent.CategorySession,
			Description: "List all sessions with their model and token usage.",
			Handler:     c.listSessions,
		},
		{
			Name:        "set_active_session",
			Category:    agent.CategorySession,
			Description: "Switch this client's active session.",
			Args:        &sessionIDOnlyArgs{},
			Handler:     c.setActiveSession,
		},
		{
			Name:        "get_current_session",
			Category:    agent.CategorySession,
			Description: "Return this client's active session.",
			Handler:     c.getCurrentSession,
		},
		{
			Name:        "delete_session",
			Category:    agent.CategorySession,
			Description: "Delete a session, its history, and its workspace. Fails while the session is active on any client.",
			Args:        &sessionIDOnlyArgs{},
			Handler:     c.deleteSessionHandler(reg),
		},
		{
			Name:        "configure_tool_filter",
			Category:    agent.CategorySession,
			Description: "Change which tools are visible to this client: all, the essential workflow subset, or a custom category selection. Returns the active tool count.",
			Args:        &configureFilterArgs{},
			Handler:     c.configureFilterHandler(reg),
		},
	}
}

func (c *catalog) createSession(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args createSessionArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	sess, err := c.mgr.Create(ctx, args.SessionID, args.Model, args.Title)
	if err != nil {
		return "", err
	}
	transport := agent.TransportFromContext(ctx)
	if err := c.mgr.SetActive(ctx, transport, sess.ID); err != nil {
		return "", err
	}
	return renderJSON(map[string]any{
		"session_id": sess.ID,
		"model":      sess.Model,
		"active_on":  transport,
	})
}

func (c *catalog) listSessions(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	sessions, err := c.mgr.List(ctx)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "no sessions exist yet; create one with create_session", nil
	}
	return renderJSON(sessions)
}

func (c *catalog) setActiveSession(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args sessionIDOnlyArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	transport := agent.TransportFromContext(ctx)
	if err := c.mgr.SetActive(ctx, transport, args.SessionID); err != nil {
		return "", err
	}
	return fmt.Sprintf("session %s is now active on %s", args.SessionID, transport), nil
}

func (c *catalog) getCurrentSession(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	transport := agent.TransportFromContext(ctx)
	current := c.mgr.CurrentOf(transport)
	if current == "" {
		// Fall back to the session the call executes under.
		current = sessionID
	}
	if current == "" {
		return "no active session; create one with create_session", nil
	}
	sess, err := c.mgr.Get(ctx, current)
	if err != nil {
		return "", err
	}
	return renderJSON(sess)
}

func (c *catalog) deleteSessionHandler(reg *agent.Registry) agent.Handler {
	return func(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
		var args sessionIDOnlyArgs
		if err := decode(raw, &args); err != nil {
			return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
		}
		if err := c.mgr.Delete(ctx, args.SessionID); err != nil {
			return "", err
		}
		reg.ClearSessionFilters(args.SessionID)
		return fmt.Sprintf("session %s deleted", args.SessionID), nil
	}
}

func (c *catalog) configureFilterHandler(reg *agent.Registry) agent.Handler {
	return func(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
		var args configureFilterArgs
		if err := decode(raw, &args); err != nil {
			return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
		}
		filter := agent.Filter{Mode: agent.FilterMode(args.Mode)}
		for _, cat := range args.Categories {
			filter.Categories = append(filter.Categories, agent.Category(cat))
		}
		transport := agent.TransportFromContext(ctx)
		if err := reg.SetFilter(transport, sessionID, filter); err != nil {
			return "", err
		}
		visible := reg.VisibleFor(transport, sessionID)
		return fmt.Sprintf("tool filter set to %s; %d tool(s) now visible", args.Mode, len(visible)), nil
	}
}

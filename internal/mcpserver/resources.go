package mcpserver

import (
	"context"
	"encoding/json"
	"path"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fabworks/rtlagent/internal/core"
)

// mimeByExt maps workspace file extensions to resource MIME types.
var mimeByExt = map[string]string{
	".v":    "text/x-verilog",
	".sv":   "text/x-systemverilog",
	".yaml": "application/x-yaml",
	".yml":  "application/x-yaml",
	".json": "application/json",
	".md":   "text/markdown",
	".svg":  "image/svg+xml",
}

func mimeFor(name string) string {
	if m, ok := mimeByExt[strings.ToLower(path.Ext(name))]; ok {
		return m
	}
	return "text/plain"
}

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(
		"rtl://sessions",
		"Design sessions",
		mcp.WithResourceDescription("All design sessions with token usage and cost"),
		mcp.WithMIMEType("application/json"),
	), s.readSessionList)

	s.mcp.AddResourceTemplate(mcp.NewResourceTemplate(
		"rtl://session/{id}",
		"Session workspace",
		mcp.WithTemplateDescription("One session's metadata and workspace file listing"),
		mcp.WithTemplateMIMEType("application/json"),
	), s.readSession)

	s.mcp.AddResourceTemplate(mcp.NewResourceTemplate(
		"rtl://session/{id}/file/{name}",
		"Workspace file",
		mcp.WithTemplateDescription("One file from a session workspace"),
	), s.readSessionFile)
}

func (s *Server) readSessionList(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	list, err := s.cfg.Sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, list)
}

func (s *Server) readSession(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id, rest, err := splitSessionURI(req.Params.URI)
	if err != nil || rest != "" {
		return nil, core.Errorf(core.KindBadArgs, "malformed resource uri %q", req.Params.URI)
	}
	sess, err := s.cfg.Sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := s.cfg.Workspace.List(id, "")
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, map[string]any{
		"session": sess,
		"files":   entries,
	})
}

func (s *Server) readSessionFile(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id, rest, err := splitSessionURI(req.Params.URI)
	if err != nil || !strings.HasPrefix(rest, "file/") {
		return nil, core.Errorf(core.KindBadArgs, "malformed resource uri %q", req.Params.URI)
	}
	name := strings.TrimPrefix(rest, "file/")
	if _, err := s.cfg.Sessions.Get(ctx, id); err != nil {
		return nil, err
	}
	p, err := s.cfg.Workspace.Path(id, name)
	if err != nil {
		return nil, err
	}
	data, err := s.cfg.Workspace.ReadFile(id, p)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      req.Params.URI,
		MIMEType: mimeFor(name),
		Text:     string(data),
	}}, nil
}

// splitSessionURI splits rtl://session/<id>[/<rest>] into its parts.
func splitSessionURI(uri string) (id, rest string, err error) {
	const prefix = "rtl://session/"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", core.Errorf(core.KindBadArgs, "unexpected resource uri %q", uri)
	}
	id, rest, _ = strings.Cut(strings.TrimPrefix(uri, prefix), "/")
	if id == "" {
		return "", "", core.E(core.KindBadArgs, "resource uri has no session id")
	}
	return id, rest, nil
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      uri,
		MIMEType: "application/json",
		Text:     string(b),
	}}, nil
}

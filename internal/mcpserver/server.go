// Package mcpserver exposes the tool catalog to external MCP clients.
// One shared MCP server serves three transports: stdio for desktop
// clients launched as a subprocess, SSE (/sse + /message) for Claude
// Desktop and Cursor, and streamable HTTP (/mcp) for Codex-style
// clients.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/sessions"
	"github.com/fabworks/rtlagent/internal/workspace"
)

const serverName = "rtlagent"

// Config wires the MCP surface to the shared application core.
type Config struct {
	// Addr is the listen address for the HTTP transports, e.g. ":8765".
	// Port zero picks a free port; Addr() reports the bound one.
	Addr string
	// BaseURL, when set, is advertised in the SSE endpoint event so
	// clients behind a proxy can POST messages back.
	BaseURL string
	Version string

	Sessions  *sessions.Manager
	Workspace *workspace.Store
	Registry  *agent.Registry
	Executor  *agent.Executor
	Logger    *slog.Logger
}

// Server hosts one MCP server over stdio, SSE, and streamable HTTP.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	mcp        *server.MCPServer
	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer
	httpServer *http.Server

	mu      sync.Mutex
	running bool
	addr    string
}

// New builds the MCP server and registers the tool catalog, the rtl://
// resources, and the workflow prompt.
func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil || cfg.Workspace == nil || cfg.Registry == nil || cfg.Executor == nil {
		return nil, core.E(core.KindBadArgs, "mcpserver requires sessions, workspace, registry, and executor")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.mcp = server.NewMCPServer(
		serverName,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithInstructions("Autonomous RTL design agent. Start with create_session, "+
			"then follow the spec > RTL > testbench > lint > simulate > synthesize workflow."),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()
	return s, nil
}

// Start brings up the SSE and streamable HTTP transports and returns once
// the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return core.E(core.KindSessionConflict, "mcp server already running")
	}
	s.mu.Unlock()

	sseOpts := []server.SSEOption{}
	if s.cfg.BaseURL != "" {
		sseOpts = append(sseOpts, server.WithBaseURL(s.cfg.BaseURL))
	}
	s.sse = server.NewSSEServer(s.mcp, sseOpts...)
	s.streamable = server.NewStreamableHTTPServer(s.mcp,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sse.SSEHandler())
	mux.Handle("/message", s.sse.MessageHandler())
	mux.Handle("/mcp", s.streamable)

	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8765"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mcp listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.running = true
	s.addr = listener.Addr().String()
	s.httpServer = &http.Server{Handler: mux}
	s.mu.Unlock()

	s.logger.Info("mcp server listening",
		"addr", s.addr, "sse", "/sse", "streamable_http", "/mcp")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("mcp server error", "error", err)
		}
	}()
	return nil
}

// Addr reports the bound listen address. Empty until Start returns.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop shuts down the HTTP transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	return err
}

// ServeStdio serves the catalog over stdin/stdout. Blocks until the
// context is cancelled or the client closes the stream.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("mcp server on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

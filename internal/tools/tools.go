// Package tools declares the design-flow tool catalog: spec authoring,
// workspace file access, simulation and formal checks, synthesis job
// control, reporting, and session management. Every tool is registered
// against the agent registry and executed through the executor, so the
// same catalog serves the model loop, the WebSocket UI, and MCP clients.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/config"
	"github.com/fabworks/rtlagent/internal/jobs"
	"github.com/fabworks/rtlagent/internal/runner"
	"github.com/fabworks/rtlagent/internal/sessions"
	"github.com/fabworks/rtlagent/internal/workspace"
)

// execRunner is the slice of runner.Runner the handlers use. Tests swap
// in a fake so no EDA binary is needed.
type execRunner interface {
	Run(ctx context.Context, spec runner.Spec) (*runner.Result, error)
}

// Deps wires the catalog to the rest of the core.
type Deps struct {
	Workspace *workspace.Store
	Sessions  *sessions.Manager
	Runner    execRunner
	Jobs      *jobs.Supervisor
	Config    config.Config
	Logger    *slog.Logger
}

// catalog holds the shared state behind every handler.
type catalog struct {
	ws     *workspace.Store
	mgr    *sessions.Manager
	run    execRunner
	jobs   *jobs.Supervisor
	cfg    config.Config
	logger *slog.Logger
}

// RegisterAll builds the full catalog on the registry. Registration
// order is the order transports list tools in.
func RegisterAll(reg *agent.Registry, deps Deps) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &catalog{
		ws:     deps.Workspace,
		mgr:    deps.Sessions,
		run:    deps.Runner,
		jobs:   deps.Jobs,
		cfg:    deps.Config,
		logger: logger.With("component", "tools"),
	}

	groups := [][]agent.Definition{
		c.specDefinitions(),
		c.fileDefinitions(),
		c.verifyDefinitions(),
		c.synthesisDefinitions(),
		c.reportDefinitions(),
		c.sessionDefinitions(reg),
	}
	for _, defs := range groups {
		for _, def := range defs {
			if err := reg.Register(def); err != nil {
				return err
			}
		}
	}
	return nil
}

// renderJSON formats a handler result for the model. Tool payloads are
// text, so structured results go back as indented JSON.
func renderJSON(v any) (string, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// decode unmarshals validated arguments into the typed struct. The
// executor has already schema-checked them, so failures here are
// programming errors, but they still surface as tool errors.
func decode(raw json.RawMessage, into any) error {
	return json.Unmarshal(raw, into)
}

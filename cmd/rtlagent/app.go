package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/agent/providers"
	"github.com/fabworks/rtlagent/internal/bus"
	"github.com/fabworks/rtlagent/internal/config"
	"github.com/fabworks/rtlagent/internal/jobs"
	"github.com/fabworks/rtlagent/internal/observability"
	"github.com/fabworks/rtlagent/internal/runner"
	"github.com/fabworks/rtlagent/internal/sessions"
	"github.com/fabworks/rtlagent/internal/tools"
	"github.com/fabworks/rtlagent/internal/workspace"
	"github.com/fabworks/rtlagent/pkg/models"
)

// loadConfig reads the configuration file. A missing file at the default
// path runs on built-in defaults; an explicitly named file must exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && os.Getenv("RTLAGENT_CONFIG") == "" && path == "rtlagent.yaml" {
		return config.Default(), nil
	}
	return cfg, err
}

// app is the assembled application core shared by every command: the
// workspace, the session store, the streaming bus, the tool catalog, and
// the synthesis supervisor. Transports are layered on top per command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	ws        *workspace.Store
	store     *sessions.SQLiteStore
	mgr       *sessions.Manager
	bus       *bus.Bus
	reg       *agent.Registry
	exec      *agent.Executor
	sup       *jobs.Supervisor
	retention *jobs.Retention
}

func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: observability.NewMetrics()}

	ws, err := workspace.NewStore(cfg.Workspace.Root, cfg.Workspace.MaxFileBytes, logger)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	a.ws = ws

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sessions.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	a.store = store

	a.mgr = sessions.NewManager(store, ws, logger, cfg.LLM.Model)
	if len(cfg.LLM.Pricing) > 0 {
		table := make(map[string]sessions.ModelPrice, len(cfg.LLM.Pricing))
		for model, p := range cfg.LLM.Pricing {
			table[model] = sessions.ModelPrice{InputUSD: p.InputPerMTok, OutputUSD: p.OutputPerMTok}
		}
		a.mgr.SetPricing(table)
	}

	a.bus = bus.New(bus.Config{}, logger)

	run := runner.New(logger)
	a.sup = jobs.NewSupervisor(ws, &jobs.DockerFlow{Runner: run, Image: cfg.Synthesis.Image},
		cfg.Synthesis, a.metrics, logger)

	a.retention, err = jobs.NewRetention(cfg.Retention.Schedule, cfg.Retention.JobMaxAge, a.sup, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("schedule job retention: %w", err)
	}
	a.retention.Start()

	a.reg = agent.NewRegistry()
	if err := tools.RegisterAll(a.reg, tools.Deps{
		Workspace: ws,
		Sessions:  a.mgr,
		Runner:    run,
		Jobs:      a.sup,
		Config:    *cfg,
		Logger:    logger,
	}); err != nil {
		a.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}
	if err := a.applyDefaultFilter(); err != nil {
		a.Close()
		return nil, err
	}

	a.exec = agent.NewExecutor(a.reg, a.bus, a.metrics, logger)
	return a, nil
}

// applyDefaultFilter installs the configured tool visibility as the
// transport-wide default on every surface. Sessions can still override it
// with configure_tool_filter.
func (a *app) applyDefaultFilter() error {
	mode := agent.FilterMode(a.cfg.Tools.Filter)
	if mode == agent.FilterAll {
		return nil
	}
	f := agent.Filter{Mode: mode}
	for _, c := range a.cfg.Tools.Categories {
		f.Categories = append(f.Categories, agent.Category(c))
	}
	for _, tag := range []models.TransportTag{
		models.TransportWebSocket, models.TransportREST,
		models.TransportMCP, models.TransportCLI,
	} {
		if err := a.reg.SetFilter(tag, "", f); err != nil {
			return fmt.Errorf("apply tools.filter: %w", err)
		}
	}
	return nil
}

// buildLoop constructs the model-facing agent loop. Split out of buildApp
// because session inspection commands need the core without a provider
// key.
func (a *app) buildLoop() (*agent.Loop, error) {
	provider, err := providers.New(a.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("initialize llm provider: %w", err)
	}
	return agent.NewLoop(provider, a.exec, a.reg, a.mgr, a.bus, a.metrics, a.logger, agent.LoopConfig{
		MaxIterations: a.cfg.Agent.MaxIterations,
		MaxTokens:     a.cfg.LLM.MaxTokens,
		TurnTimeout:   a.cfg.Agent.TurnTimeout,
		SystemPrompt:  a.cfg.Agent.SystemPrompt,
	}), nil
}

func (a *app) Close() {
	if a.retention != nil {
		a.retention.Stop()
	}
	if a.sup != nil {
		a.sup.Close()
	}
	if a.mgr != nil {
		a.mgr.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close session database", "error", err)
		}
	}
}

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/fabworks/rtlagent/internal/mcpserver"
	"github.com/fabworks/rtlagent/internal/observability"
)

// runMCP serves the catalog over stdio. The transport owns stdout, so the
// logger always writes to stderr regardless of configuration.
func runMCP(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logCfg := observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := mcpserver.New(mcpserver.Config{
		Version:   version,
		Sessions:  a.mgr,
		Workspace: a.ws,
		Registry:  a.reg,
		Executor:  a.exec,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = srv.ServeStdio(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

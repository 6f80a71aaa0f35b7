package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fabworks/rtlagent/internal/gateway"
	"github.com/fabworks/rtlagent/internal/mcpserver"
	"github.com/fabworks/rtlagent/internal/observability"
	"github.com/fabworks/rtlagent/internal/web"
)

const shutdownGrace = 15 * time.Second

// runServe wires the full server: core, agent loop, WebSocket gateway,
// REST API, and (when configured) the network MCP endpoint.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logCfg := observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	if debug {
		logCfg.Level = "debug"
		logCfg.AddSource = true
	}
	logger := observability.NewLogger(logCfg)

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	loop, err := a.buildLoop()
	if err != nil {
		return err
	}

	chat := gateway.NewServer(loop, a.bus, a.mgr, logger)
	handler := web.NewHandler(web.Config{
		Sessions:  a.mgr,
		Workspace: a.ws,
		Jobs:      a.sup,
		Executor:  a.exec,
		Chat:      chat,
		Metrics:   a.metrics,
		Version:   version,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var mcpSrv *mcpserver.Server
	switch cfg.Server.MCP.Transport {
	case "sse", "http":
		mcpSrv, err = mcpserver.New(mcpserver.Config{
			Addr:      fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MCP.Port),
			BaseURL:   fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.MCP.Port),
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
		if err := mcpSrv.Start(ctx); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			"addr", addr, "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			logger.Warn("mcp shutdown", "error", err)
		}
	}
	return httpServer.Shutdown(shutdownCtx)
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/observability"
	"github.com/fabworks/rtlagent/pkg/models"
)

// runChat runs an interactive conversation on the terminal surface. The
// stream renderer subscribes to the session's bus events, so the output
// matches what a WebSocket client would see.
func runChat(ctx context.Context, configPath, sessionID string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logCfg := observability.LogConfig{Level: "warn", Format: cfg.Logging.Format}
	if debug {
		logCfg.Level = "debug"
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

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := a.mgr.Get(ctx, sessionID); core.IsKind(err, core.KindSessionNotFound) {
		if _, err := a.mgr.Create(ctx, sessionID, "", ""); err != nil {
			return err
		}
		fmt.Printf("Created session %q\n", sessionID)
	} else if err != nil {
		return err
	}
	if err := a.mgr.SetActive(ctx, models.TransportCLI, sessionID); err != nil {
		return err
	}

	sub := a.bus.Subscribe(sessionID)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		renderStream(sub.C)
	}()
	defer func() {
		sub.Cancel()
		wg.Wait()
	}()

	fmt.Printf("Session %s (%s/%s). Type a request, or /quit to exit.\n",
		sessionID, cfg.LLM.Provider, cfg.LLM.Model)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		}
		if _, err := loop.RunTurn(ctx, models.TransportCLI, sessionID, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
}

// renderStream prints the session's event stream until the channel
// closes.
func renderStream(events <-chan models.StreamEvent) {
	for e := range events {
		switch e.Type {
		case models.EventTextDelta:
			fmt.Print(e.Delta.Content)
		case models.EventToolCall:
			fmt.Printf("\n[%s]\n", e.Call.Name)
		case models.EventToolResult:
			if e.Result.IsError() {
				fmt.Printf("[%s failed: %s]\n", e.Result.Name, firstLine(e.Result.Content))
			}
		case models.EventTurnDone:
			fmt.Printf("\n(tokens: %d in / %d out)\n",
				e.Done.Usage.InputTokens, e.Done.Usage.OutputTokens)
		case models.EventTurnError:
			fmt.Printf("\n[turn failed: %s]\n", e.Error.Message)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

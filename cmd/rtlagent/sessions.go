package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fabworks/rtlagent/internal/observability"
)

// openQuiet builds the app core with warnings-only logging for the
// one-shot inspection commands.
func openQuiet(configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{Level: "warn", Format: "text"})
	return buildApp(cfg, logger)
}

func runSessionsList(ctx context.Context, configPath string) error {
	a, err := openQuiet(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.mgr.List(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tTITLE\tTOKENS\tCOST\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.4f\t%s\n",
			s.ID, s.Model, s.Title, s.Usage.TotalTokens, s.Usage.CostUSD,
			s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runSessionsDelete(ctx context.Context, configPath, sessionID string) error {
	a, err := openQuiet(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.mgr.Delete(ctx, sessionID); err != nil {
		return err
	}
	fmt.Printf("Deleted session %q and its workspace.\n", sessionID)
	return nil
}

func runSessionsHistory(ctx context.Context, configPath, sessionID string) error {
	a, err := openQuiet(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	turns, err := a.mgr.History(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	for _, turn := range turns {
		fmt.Printf("--- %s\n", strings.ToUpper(string(turn.Role)))
		if turn.Content != "" {
			fmt.Println(turn.Content)
		}
		for _, call := range turn.ToolCalls {
			fmt.Printf("  [call %s %s]\n", call.Name, string(call.Args))
		}
		for _, res := range turn.ToolResults {
			fmt.Printf("  [result %s %s] %s\n", res.Name, res.Status, firstLine(res.Content))
		}
	}
	return nil
}

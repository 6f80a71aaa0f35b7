// Package main provides the CLI entry point for the rtlagent hardware
// design agent.
//
// rtlagent drives an autonomous spec > RTL > testbench > lint > simulate >
// synthesize workflow backed by open-source EDA tools (Icarus Verilog,
// Verilator, Yosys, the OpenROAD flow) and serves it over three surfaces:
// a REST + WebSocket API, an MCP endpoint for desktop agent clients, and
// an interactive terminal chat.
//
// # Basic Usage
//
// Start the HTTP server:
//
//	rtlagent serve --config rtlagent.yaml
//
// Serve the tool catalog over MCP stdio:
//
//	rtlagent mcp
//
// Chat from the terminal:
//
//	rtlagent chat --session alu
//
// Inspect sessions:
//
//	rtlagent sessions list
//	rtlagent sessions delete alu
//
// # Environment Variables
//
//   - RTLAGENT_CONFIG: Path to configuration file (default: rtlagent.yaml)
//   - GEMINI_API_KEY / OPENAI_API_KEY / ANTHROPIC_API_KEY: provider keys,
//     used when the config does not carry one inline
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	root := &cobra.Command{
		Use:           "rtlagent",
		Short:         "Autonomous RTL design agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildMCPCmd(),
		buildChatCmd(),
		buildSessionsCmd(),
		buildVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// resolveConfigPath applies the flag > environment > default precedence.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("RTLAGENT_CONFIG"); env != "" {
		return env
	}
	return "rtlagent.yaml"
}

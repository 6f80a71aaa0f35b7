// commands.go contains the cobra command definitions. Each builder creates
// a command and wires it to its handler in the matching run* function.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the rtlagent HTTP server",
		Long: `Start the REST + WebSocket server with the configured LLM provider.

The server exposes:
  - session and workspace APIs under /api
  - a streaming chat WebSocket at /api/chat/{session_id}
  - synthesis job control under /api/synthesis
  - Prometheus metrics at /metrics
  - optionally, an MCP endpoint (SSE and streamable HTTP) on its own port

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  rtlagent serve

  # Start with custom config
  rtlagent serve --config /etc/rtlagent/production.yaml

  # Start with debug logging
  rtlagent serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func buildMCPCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tool catalog over MCP stdio",
		Long: `Serve the full tool catalog to an MCP client over stdin/stdout.

This is the transport desktop clients use when they launch rtlagent as a
subprocess. Logs go to stderr so the protocol owns stdout. For SSE or
streamable HTTP, configure server.mcp.transport and use "rtlagent serve".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent from the terminal",
		Long: `Run an interactive design conversation in the terminal.

Each line you type runs one full agent turn: the model streams its reply
and tool calls are rendered as they execute. The session is created on
first use and persists across invocations.`,
		Example: `  rtlagent chat --session alu`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), resolveConfigPath(configPath), sessionID, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "default",
		"Session to chat in (created if missing)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func buildSessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage design sessions",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List all sessions with token usage and cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsDelete(cmd.Context(), resolveConfigPath(configPath), args[0])
		},
	}
	history := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print a session's conversation history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsHistory(cmd.Context(), resolveConfigPath(configPath), args[0])
		},
		Args: cobra.ExactArgs(1),
	}

	cmd.AddCommand(list, del, history)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rtlagent %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

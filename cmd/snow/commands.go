// commands.go holds the cobra command definitions and their flags; the
// run functions live in the handlers files.
package main

import (
	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		port int
		yolo bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine daemon",
		Long: `Run the engine for the current project and serve its HTTP surface:
the SSE event stream on /events, a websocket mirror on /ws, session and
message endpoints, /metrics, and /health.

The daemon also runs the session janitor and watches the config
directories so MCP server changes apply without a restart. Shutdown is
graceful on SIGINT/SIGTERM.`,
		Example: `  # Serve the current directory's project
  snow serve

  # Pick the listen port and approve every tool call
  snow serve --port 6060 --yolo`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, port, yolo)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides the config file)")
	cmd.Flags().BoolVar(&yolo, "yolo", false, "Approve every tool call without asking")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for ~/.snow/config.json",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(buildSessionListCmd())
	return cmd
}

func buildSessionListCmd() *cobra.Command {
	var (
		query string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List this project's sessions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSessionList(cmd, query, limit)
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "Filter by title or last user message")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to print")
	return cmd
}

func buildUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show recorded token usage per model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUsage(cmd)
		},
	}
}

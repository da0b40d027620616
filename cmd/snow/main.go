// Package main is the snow CLI: the engine daemon plus maintenance
// commands for its on-disk state.
//
// Start the engine for the current project:
//
//	snow serve
//
// Inspect stored sessions and token usage:
//
//	snow session list
//	snow usage
//
// Print the config file schema:
//
//	snow config schema
//
// User data lives under ~/.snow (override with SNOW_HOME); sessions,
// snapshots, and todos are scoped per project directory.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	workDir  string
	logLevel string
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the command tree. Separated from main for tests.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "snow",
		Short: "snow - AI coding assistant engine",
		Long: `snow runs the engine behind a terminal-hosted AI coding assistant:
conversation turns against a configured model provider, tool execution
over MCP services, session persistence with file-snapshot rollback, and
an HTTP event stream for clients.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return configureLogging(logLevel, "")
		},
	}
	rootCmd.PersistentFlags().StringVar(&workDir, "workdir", "", "Project directory (defaults to the current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildSessionCmd(),
		buildUsageCmd(),
	)
	return rootCmd
}

// configureLogging installs the process logger. An empty format picks
// text on a terminal and JSON otherwise.
func configureLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "" {
		format = "json"
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "text"
		}
	}
	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// handlers.go holds the run functions for the maintenance commands;
// the serve path lives in handlers_serve.go.
package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/snowcoder/snow/internal/config"
	"github.com/snowcoder/snow/internal/session"
	"github.com/snowcoder/snow/internal/usage"
)

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runSessionList(cmd *cobra.Command, query string, limit int) error {
	paths, _, err := loadEnvironment()
	if err != nil {
		return err
	}
	store := session.NewStore(paths.SessionsDir(), paths.ProjectID(), slog.Default())
	headers, total, err := store.List(session.ListOptions{Limit: limit, Query: query})
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if total == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED")
	for _, h := range headers {
		title := h.Title
		if title == "" {
			title = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", h.ID, title, h.MessageCount, h.UpdatedAt.Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if total > len(headers) {
		fmt.Fprintf(cmd.OutOrStdout(), "(%d of %d sessions; raise --limit to see more)\n", len(headers), total)
	}
	return nil
}

func runUsage(cmd *cobra.Command) error {
	paths, err := config.NewPaths(workDir)
	if err != nil {
		return err
	}
	ledger, err := usage.Open(paths.UsageDB(), slog.Default())
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	defer ledger.Close()

	totals, err := ledger.Totals(cmd.Context())
	if err != nil {
		return err
	}
	if len(totals) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No usage recorded.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tREQUESTS\tPROMPT\tCOMPLETION\tCACHE WRITE\tCACHE READ")
	for _, t := range totals {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			t.Model,
			t.Requests,
			usage.FormatTokenCount(t.PromptTokens),
			usage.FormatTokenCount(t.CompletionTokens),
			usage.FormatTokenCount(t.CacheCreationTokens),
			usage.FormatTokenCount(t.CacheReadTokens),
		)
	}
	return w.Flush()
}

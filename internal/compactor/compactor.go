package compactor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/snowcoder/snow/internal/config"
	"github.com/snowcoder/snow/internal/provider"
	"github.com/snowcoder/snow/pkg/models"
)

// summaryMaxTokens bounds the one-shot summary response.
const summaryMaxTokens = 4096

const summarySystemPrompt = `You summarize coding-assistant conversations. Produce a dense, factual summary of the transcript you are given: the user's goals, decisions made, files and symbols touched, tool outcomes that matter, and any unresolved work. Write it so the conversation can continue from the summary alone. Output only the summary.`

// summaryPreamble opens the spliced assistant message so the model
// knows it is reading compressed history, not its own words.
const summaryPreamble = "This is a summary of the conversation so far:\n\n"

// Result is the outcome of one compaction pass.
type Result struct {
	// Messages is the rewritten history: retained system messages, the
	// summary message, then the kept recent tail.
	Messages []models.Message

	// Summary is the generated summary text.
	Summary string

	// Replaced is how many messages the summary stands in for.
	Replaced int
}

// Compactor decides when history must shrink and performs the shrink.
// The summary request goes through the same provider path as turns,
// addressed to the basic-tier model.
type Compactor struct {
	provider provider.Provider
	cfg      config.ModelConfig
	logger   *slog.Logger
}

func New(p provider.Provider, cfg config.ModelConfig, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		provider: p,
		cfg:      cfg,
		logger:   logger.With("component", "compactor"),
	}
}

// ShouldCompact reports whether the estimated cost of msgs exceeds the
// configured context ceiling.
func (c *Compactor) ShouldCompact(msgs []models.Message) bool {
	if c.cfg.MaxContextTokens <= 0 {
		return false
	}
	return EstimateMessages(msgs) > c.cfg.MaxContextTokens
}

// Compact summarizes the older portion of msgs and returns the spliced
// history. Retained untouched: leading system messages and the most
// recent CompactKeepRecent messages (widened backward so the cut never
// lands inside a tool-call block). On any failure the caller proceeds
// with the original history.
func (c *Compactor) Compact(ctx context.Context, msgs []models.Message) (*Result, error) {
	start := 0
	for start < len(msgs) && msgs[start].Role == models.RoleSystem {
		start++
	}

	keep := c.cfg.CompactKeepRecent
	if keep <= 0 {
		keep = 8
	}
	cut := len(msgs) - keep
	if cut <= start {
		return nil, fmt.Errorf("history too short to compact: %d messages, keeping %d", len(msgs), keep)
	}
	cut = widenToBlockStart(msgs, start, cut)
	if cut <= start {
		return nil, fmt.Errorf("nothing left to summarize after block alignment")
	}

	prefix := msgs[start:cut]
	summary, err := c.summarize(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("summarize %d messages: %w", len(prefix), err)
	}

	spliced := make([]models.Message, 0, start+1+len(msgs)-cut)
	spliced = append(spliced, msgs[:start]...)
	spliced = append(spliced, models.Message{
		Role:    models.RoleAssistant,
		Content: summaryPreamble + summary,
	})
	spliced = append(spliced, msgs[cut:]...)

	c.logger.Info("history compacted",
		"replaced", len(prefix),
		"kept", len(msgs)-cut,
		"before_tokens", EstimateMessages(msgs),
		"after_tokens", EstimateMessages(spliced),
	)
	return &Result{
		Messages: spliced,
		Summary:  summary,
		Replaced: len(prefix),
	}, nil
}

// widenToBlockStart moves the cut backward until it no longer lands
// inside an assistant tool-call block, so the kept tail always opens
// with a complete message.
func widenToBlockStart(msgs []models.Message, start, cut int) int {
	for cut > start && msgs[cut].Role == models.RoleTool {
		cut--
	}
	return cut
}

// summarize issues the one-shot summary request and collects the
// streamed text.
func (c *Compactor) summarize(ctx context.Context, prefix []models.Message) (string, error) {
	req := &provider.Request{
		Model:  c.cfg.BasicModel,
		System: summarySystemPrompt,
		Messages: []models.Message{{
			Role:    models.RoleUser,
			Content: formatTranscript(prefix),
		}},
		MaxTokens: summaryMaxTokens,
	}

	chunks, err := c.provider.Stream(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		if chunk.Kind == provider.ChunkContent {
			sb.WriteString(chunk.Text)
		}
	}
	summary := strings.TrimSpace(sb.String())
	if summary == "" {
		return "", fmt.Errorf("summary model returned no text")
	}
	return summary, nil
}

// formatTranscript renders messages as a plain text transcript for the
// summary model. Tool inputs and results are truncated; the summary
// needs their gist, not their bulk.
func formatTranscript(msgs []models.Message) string {
	const clipAt = 2000

	var sb strings.Builder
	for _, msg := range msgs {
		sb.WriteString("[")
		sb.WriteString(string(msg.Role))
		sb.WriteString("]: ")
		sb.WriteString(clip(msg.Content, clipAt))
		for _, call := range msg.ToolCalls {
			sb.WriteString("\n  [tool call ")
			sb.WriteString(call.Name)
			sb.WriteString(": ")
			sb.WriteString(clip(string(call.Input), 400))
			sb.WriteString("]")
		}
		if len(msg.Attachments) > 0 {
			fmt.Fprintf(&sb, "\n  [%d attachment(s) omitted]", len(msg.Attachments))
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

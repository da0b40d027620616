package agent

import (
	"log/slog"
	"strings"
	"time"

	"github.com/snowcoder/snow/internal/provider"
	"github.com/snowcoder/snow/pkg/models"
)

// EmitFunc receives engine events as a turn produces them. Callers
// deliver them to whatever transport owns the session.
type EmitFunc func(ev models.Event)

type streamOptions struct {
	// AgentID tags events produced inside a sub-agent.
	AgentID string

	// ShowThinking forwards reasoning deltas as thinking events.
	ShowThinking bool

	Logger *slog.Logger
	Now    func() time.Time
}

// streamOutcome is what one provider stream produced: the accumulated
// assistant message and the usage observed across attempts.
type streamOutcome struct {
	Message  models.Message
	Usage    models.Usage
	SawUsage bool
}

// collectStream drains one provider stream, forwarding deltas as events
// and accumulating the assistant message. A retry_status chunk discards
// everything accumulated so far and emits a retry event so clients
// drop their streamed buffer too; the next attempt re-streams from the
// start. The returned outcome always reflects what survived, even when
// the stream ended in an error.
func collectStream(ch <-chan *provider.StreamChunk, emit EmitFunc, opts streamOptions) (*streamOutcome, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var content strings.Builder
	var calls []models.ToolCall
	var thinking, signature string
	var usage models.Usage
	sawUsage := false

	outcome := func() *streamOutcome {
		return &streamOutcome{
			Message: models.Message{
				Role:              models.RoleAssistant,
				Content:           content.String(),
				ToolCalls:         calls,
				Thinking:          thinking,
				ThinkingSignature: signature,
				CreatedAt:         now(),
			},
			Usage:    usage,
			SawUsage: sawUsage,
		}
	}

	for chunk := range ch {
		if chunk.Error != nil {
			return outcome(), chunk.Error
		}
		switch chunk.Kind {
		case provider.ChunkContent:
			content.WriteString(chunk.Text)
			emit(models.Event{Type: models.EventMessage, Data: models.MessageEvent{
				Role:      string(models.RoleAssistant),
				Content:   chunk.Text,
				Streaming: true,
				AgentID:   opts.AgentID,
			}})
		case provider.ChunkReasoningDelta:
			if opts.ShowThinking {
				emit(models.Event{Type: models.EventThinking, Data: models.ThinkingEvent{
					Content: chunk.Text,
					AgentID: opts.AgentID,
				}})
			}
		case provider.ChunkToolCalls:
			calls = chunk.ToolCalls
		case provider.ChunkUsage:
			if chunk.Usage != nil {
				usage.Add(*chunk.Usage)
				usage.Model = chunk.Usage.Model
				sawUsage = true
				emit(models.Event{Type: models.EventUsage, Data: *chunk.Usage})
			}
		case provider.ChunkRetryStatus:
			if chunk.Retry != nil {
				logger.Warn("provider stream retrying",
					"attempt", chunk.Retry.Attempt,
					"max_attempts", chunk.Retry.MaxAttempts,
					"delay", chunk.Retry.Delay,
					"reason", chunk.Retry.Reason,
				)
				emit(models.Event{Type: models.EventRetry, Data: models.RetryEvent{
					Attempt:     chunk.Retry.Attempt,
					MaxAttempts: chunk.Retry.MaxAttempts,
					DelayMs:     chunk.Retry.Delay.Milliseconds(),
					Reason:      chunk.Retry.Reason,
					AgentID:     opts.AgentID,
				}})
			}
			content.Reset()
			calls = nil
			thinking, signature = "", ""
			usage = models.Usage{}
			sawUsage = false
		case provider.ChunkDone:
			thinking = chunk.Thinking
			signature = chunk.Signature
			return outcome(), nil
		}
	}
	// Closed without a done chunk: the adapter stopped early, usually
	// on context cancellation. Partial accumulation is preserved.
	return outcome(), nil
}

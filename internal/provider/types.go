// Package provider adapts the four supported LLM wire dialects (chat,
// responses, anthropic, gemini) to one normalized streaming interface.
//
// Every adapter exposes a single operation: Stream translates the
// universal message list into the dialect's shape, issues the request,
// and yields normalized chunks on a channel that is closed when the
// stream ends. Errors are delivered in-band as chunks so consumers
// process one ordered sequence.
package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/snowcoder/snow/pkg/models"
)

// Provider streams a model response for a request.
//
// The returned channel is closed when the stream completes, fails, or
// the context is cancelled. The adapter is the only writer.
type Provider interface {
	Stream(ctx context.Context, req *Request) (<-chan *StreamChunk, error)
}

// Request is the dialect-independent completion request.
type Request struct {
	// Model overrides the configured advanced model when set.
	Model string

	// System is the composed system prompt; adapters place it where
	// their dialect expects (system string, instructions field, or
	// systemInstruction).
	System string

	// SystemRecent holds the session-varying tail of the system prompt
	// (language directive, project context). Anthropic caches it as a
	// second breakpoint so edits there don't invalidate the static
	// prefix; other dialects append it to System.
	SystemRecent string

	Messages []models.Message
	Tools    []ToolDef

	MaxTokens int

	// CacheKey keys server-side prompt caching on dialects that
	// support it (responses prompt_cache_key). Usually the session ID.
	CacheKey string
}

// CombinedSystem joins System and SystemRecent for dialects without a
// second cache breakpoint.
func (r *Request) CombinedSystem() string {
	switch {
	case r.SystemRecent == "":
		return r.System
	case r.System == "":
		return r.SystemRecent
	default:
		return r.System + "\n\n" + r.SystemRecent
	}
}

// ToolDef describes one callable tool in the shape providers advertise
// to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChunkKind discriminates normalized stream chunks.
type ChunkKind string

const (
	// ChunkContent carries a fragment of assistant text.
	ChunkContent ChunkKind = "content"

	// ChunkReasoningDelta carries a fragment of the reasoning trace.
	ChunkReasoningDelta ChunkKind = "reasoning_delta"

	// ChunkToolCallDelta carries a partial tool call as it streams.
	ChunkToolCallDelta ChunkKind = "tool_call_delta"

	// ChunkToolCalls carries the final assembled tool-call array.
	ChunkToolCalls ChunkKind = "tool_calls"

	// ChunkUsage carries observed token usage.
	ChunkUsage ChunkKind = "usage"

	// ChunkRetryStatus announces an upcoming retry. Consumers must
	// discard any partial accumulation from the failed attempt; the
	// next attempt re-streams the response from the start.
	ChunkRetryStatus ChunkKind = "retry_status"

	// ChunkDone terminates a successful stream.
	ChunkDone ChunkKind = "done"
)

// StreamChunk is one normalized streaming event.
type StreamChunk struct {
	Kind ChunkKind `json:"kind"`

	// Text is the fragment for content and reasoning_delta chunks.
	Text string `json:"text,omitempty"`

	// Delta is the partial call for tool_call_delta chunks.
	Delta *ToolCallDelta `json:"delta,omitempty"`

	// ToolCalls is the final array for tool_calls chunks.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// Usage is set on usage chunks.
	Usage *models.Usage `json:"usage,omitempty"`

	// Retry is set on retry_status chunks.
	Retry *RetryStatus `json:"retry,omitempty"`

	// Thinking is the collected reasoning blob, set on done chunks
	// when the dialect returned one. Signature rides along on dialects
	// that sign reasoning blocks.
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Error terminates the stream when set. It is typed (*Error) so
	// the retry wrapper can classify it.
	Error error `json:"-"`
}

// ToolCallDelta is a partial tool call observed mid-stream.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// RetryStatus describes a retry the wrapper is about to perform.
type RetryStatus struct {
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"maxAttempts"`
	Delay       time.Duration `json:"delay"`
	Reason      string        `json:"reason"`
}

// UsageRecorder receives observed token usage, keyed by model.
type UsageRecorder interface {
	Record(usage models.Usage)
}

// emit sends a chunk unless ctx is done first. It reports whether the
// send happened.
func emit(ctx context.Context, out chan<- *StreamChunk, chunk *StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

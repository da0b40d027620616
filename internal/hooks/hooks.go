// Package hooks runs user-configured shell command and prompt hooks
// around tool execution and sub-agent completion. A command hook's exit
// code decides policy: 0 continues silently, 1 continues with a warning
// appended to the tool result, and anything else aborts the enclosing
// operation.
package hooks

import (
	"encoding/json"
	"fmt"
)

// Kind selects which configured hook sequence runs.
type Kind string

const (
	KindToolConfirmation   Kind = "toolConfirmation"
	KindBeforeToolCall     Kind = "beforeToolCall"
	KindAfterToolCall      Kind = "afterToolCall"
	KindOnSubAgentComplete Kind = "onSubAgentComplete"
)

// Payload is the JSON document written to a command hook's stdin. Tool
// fields are set for the tool kinds; Result and Usage fields are set
// for afterToolCall and onSubAgentComplete.
type Payload struct {
	Kind       Kind            `json:"kind"`
	SessionID  string          `json:"sessionId,omitempty"`
	AgentID    string          `json:"agentId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"isError,omitempty"`

	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
}

// Failure describes the hook that aborted an operation, in the shape
// the UI renders.
type Failure struct {
	Command  string `json:"command"`
	Output   string `json:"output"`
	Error    string `json:"error"`
	ExitCode int    `json:"exitCode"`
}

// Outcome aggregates one sequence run. Warnings come from exit code 1
// and are appended to the tool result text. Injections come from prompt
// entries that ask for a message to be sent back to the model as a user
// turn. Failure is set when an entry aborted; entries after it did not
// run.
type Outcome struct {
	Warnings   []string
	Injections []string
	Failure    *Failure
}

// Aborted reports whether the sequence ended in an abort.
func (o *Outcome) Aborted() bool {
	return o != nil && o.Failure != nil
}

// AbortError wraps a Failure for callers that propagate hook aborts as
// errors.
type AbortError struct {
	Failure *Failure
}

func (e *AbortError) Error() string {
	if e.Failure.Command != "" {
		return fmt.Sprintf("hook %q aborted with exit code %d", e.Failure.Command, e.Failure.ExitCode)
	}
	return "hook aborted: " + e.Failure.Output
}

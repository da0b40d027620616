// Package models provides the domain types shared by the snow engine
// and its clients.
package models

import "encoding/json"

// Event is the unified event model the engine emits while a turn runs.
// The server serializes events onto the connection bound to the session
// that produced them; Data is the type-specific payload.
//
// RequestID is set on events that expect a client response (tool
// confirmations, user questions). The client echoes it back in the
// response POST so the engine can resolve the pending wait.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
}

// EventType identifies the kind of engine event.
type EventType string

const (
	// Connection lifecycle. Emitted by the transport, not the engine.
	EventConnected EventType = "connected"

	// Conversation stream.
	EventMessage    EventType = "message"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventThinking   EventType = "thinking"
	EventUsage      EventType = "usage"
	EventRetry      EventType = "retry"

	// Blocking requests; carry a RequestID the client must echo back.
	EventToolConfirmationRequest EventType = "tool_confirmation_request"
	EventUserQuestionRequest     EventType = "user_question_request"

	// Rollback lifecycle.
	EventRollbackRequest EventType = "rollback_request"
	EventRollbackResult  EventType = "rollback_result"

	// Agent catalog and running instances.
	EventAgentList     EventType = "agent_list"
	EventAgentSwitched EventType = "agent_switched"

	// Todo list state. todo_update follows a write; todos replays the
	// stored list when a session binds.
	EventTodoUpdate EventType = "todo_update"
	EventTodos      EventType = "todos"

	// Turn outcome.
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// MessageEvent is a conversation message: a streamed assistant delta
// (Streaming true), or a role-tagged final message.
type MessageEvent struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Streaming bool   `json:"streaming,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
}

// ToolCallEvent announces one assembled tool call before it executes.
type ToolCallEvent struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	AgentID string          `json:"agentId,omitempty"`
}

// ToolResultEvent carries the outcome of one tool call.
type ToolResultEvent struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
}

// ThinkingEvent is a fragment of the model's reasoning trace.
type ThinkingEvent struct {
	Content string `json:"content"`
	AgentID string `json:"agentId,omitempty"`
}

// RetryEvent announces that the provider stream is being retried.
// Everything streamed for the current assistant message so far is
// stale: clients must discard it because the next attempt re-streams
// the response from the start.
type RetryEvent struct {
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
	DelayMs     int64  `json:"delayMs"`
	Reason      string `json:"reason,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
}

// ConfirmationRequestEvent asks the client to approve a tool call.
// Siblings are the other calls in the same batch, for display.
type ConfirmationRequestEvent struct {
	ToolCall    ToolCall   `json:"toolCall"`
	Siblings    []ToolCall `json:"siblings,omitempty"`
	IsSensitive bool       `json:"isSensitive"`
}

// QuestionRequestEvent puts a multiple-choice question to the user.
type QuestionRequestEvent struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// RollbackRequestEvent announces a rollback about to run, with the
// files it will touch.
type RollbackRequestEvent struct {
	SessionID    string   `json:"sessionId"`
	MessageIndex int      `json:"messageIndex"`
	Files        []string `json:"files,omitempty"`
}

// RollbackResultEvent reports a finished rollback.
type RollbackResultEvent struct {
	Success         bool     `json:"success"`
	MessageIndex    int      `json:"messageIndex"`
	FilesRolledBack int      `json:"filesRolledBack"`
	Files           []string `json:"files,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// AgentListEvent carries the agent catalog: the definitions a client
// may switch to or spawn.
type AgentListEvent struct {
	Agents []AgentDef `json:"agents"`
}

// AgentSwitchedEvent confirms a switch_agent request.
type AgentSwitchedEvent struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
}

// TodoUpdateEvent carries a session's todo list after a change or on
// session bind.
type TodoUpdateEvent struct {
	SessionID string     `json:"sessionId"`
	Todos     []TodoItem `json:"todos"`
}

// ErrorEvent is a turn-level failure in human-readable form.
type ErrorEvent struct {
	Message string `json:"message"`
}

// CompleteEvent terminates a turn. Aborted is set when the turn ended
// on cancellation rather than a finished stream.
type CompleteEvent struct {
	SessionID string `json:"sessionId"`
	Aborted   bool   `json:"aborted,omitempty"`
}

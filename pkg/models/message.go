package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the unified conversation record persisted in session files
// and translated by each provider dialect.
//
// Invariants:
//   - a tool message carries the ToolCallID of a call issued by the
//     closest preceding assistant message;
//   - an assistant message with ToolCalls is followed by exactly one tool
//     message per call before any further user or assistant message.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	Thinking    string       `json:"thinking,omitempty"`

	// ThinkingSignature accompanies Thinking on dialects that require
	// reasoning blocks to be echoed back signed (Anthropic).
	ThinkingSignature string `json:"thinking_signature,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Attachment is an inline media part. Data is raw bytes; JSON encoding
// stores it base64.
type Attachment struct {
	Type     string `json:"type"` // image, document
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}

// ToolCall represents a model's request to execute a tool. Input is the
// raw JSON argument object as the provider produced it.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	ToolCallID string       `json:"tool_call_id"`
	Content    string       `json:"content"`
	IsError    bool         `json:"is_error,omitempty"`
	Images     []Attachment `json:"images,omitempty"`
}

// Session is an ordered conversation thread scoped to a project.
type Session struct {
	ID             string    `json:"id"`
	Title          string    `json:"title,omitempty"`
	ProjectID      string    `json:"project_id"`
	Messages       []Message `json:"messages"`
	AlwaysApproved []string  `json:"always_approved,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Usage records token consumption observed on one provider stream.
type Usage struct {
	Model               string `json:"model,omitempty"`
	PromptTokens        int    `json:"prompt_tokens"`
	CompletionTokens    int    `json:"completion_tokens"`
	CacheCreationTokens int    `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int    `json:"cache_read_tokens,omitempty"`
}

// Add accumulates counts from another usage record.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// TodoStatus is the lifecycle state of a todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one entry in a session's todo list.
type TodoItem struct {
	ID      string     `json:"id"`
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}

// AgentDef describes a sub-agent type: its role prompt and the tools it
// may use. Allowed entries are glob patterns matched against tool names
// with "_" and "-" treated as equivalent.
type AgentDef struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	SystemPrompt string   `json:"system_prompt"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	ConfigName   string   `json:"config_name,omitempty"`
}

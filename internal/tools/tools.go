// Package tools maintains the catalog of callable tools and dispatches
// tool calls issued by the model.
//
// Tool names are namespaced service-operation. Built-in services run in
// process through the Handler interface; external services are MCP
// servers reached through the connection pool. The registry caches the
// merged catalog and refreshes it when configuration changes or the
// cache ages out; the dispatcher routes one call through argument
// normalization, the hook pipeline, and the result-size ceiling.
package tools

import (
	"context"
	"encoding/json"

	"github.com/snowcoder/snow/internal/mcp"
	"github.com/snowcoder/snow/pkg/models"
)

// Pool is the slice of the MCP connection pool the registry and
// dispatcher use. *mcp.Pool implements it.
type Pool interface {
	Get(ctx context.Context, name string, cfg mcp.ServerConfig) (mcp.Conn, error)
	Invalidate(name string)
	Probe(ctx context.Context, name string, cfg mcp.ServerConfig) ([]mcp.ToolInfo, error)
	Sweep() int
}

// Handler is an in-process tool implementation. Name returns the full
// prefixed tool name (for example "todo-write").
type Handler interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Request carries one tool invocation to a handler.
type Request struct {
	SessionID string
	CallID    string
	Args      map[string]any
}

// Result is what a handler or external tool produced.
type Result struct {
	Content string
	Images  []models.Attachment
	IsError bool
}

// Tool is one catalog entry advertised to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`

	// Service is the owning service name; built-ins use their fixed
	// prefix.
	Service string `json:"service"`
}

// ServiceInfo describes one tool service for status surfaces.
type ServiceInfo struct {
	Name      string `json:"name"`
	Builtin   bool   `json:"builtin"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	ToolCount int    `json:"toolCount"`
}

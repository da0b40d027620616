// Package scheduler executes tool-call batches with per-resource
// serialization and cross-resource parallelism. Calls that touch the
// same resource run sequentially in array order; everything else fans
// out, and results are reassembled into the input order.
package scheduler

import (
	"encoding/json"
	"strings"

	"github.com/snowcoder/snow/internal/tools"
	"github.com/snowcoder/snow/pkg/models"
)

// Shared resource tokens. Tools mapping to the same token never
// overlap in time within one batch.
const (
	resourceTodo     = "todo-state"
	resourceTerminal = "terminal-execution"
)

// item is one tool call with its position in the originating batch.
type item struct {
	idx  int
	call models.ToolCall
}

// partition is an ordered run of calls sharing one resource.
type partition struct {
	resource string
	items    []item
}

// ResourceID maps a tool call to the resource it contends on.
//
//	todo-*                                   todo-state
//	terminal-execute                         terminal-execution
//	filesystem-edit(-search) with one path   filesystem:<path>
//	filesystem-edit(-search) with path list  filesystem-batch:<call-id>
//	anything else                            independent:<call-id>
func ResourceID(call models.ToolCall) string {
	name := tools.NormalizeName(call.Name)
	switch {
	case strings.HasPrefix(name, "todo-"):
		return resourceTodo
	case name == "terminal-execute":
		return resourceTerminal
	case name == "filesystem-edit" || name == "filesystem-edit-search":
		if p, ok := singlePath(call.Input); ok {
			return "filesystem:" + p
		}
		if hasPathList(call.Input) {
			return "filesystem-batch:" + call.ID
		}
	}
	return "independent:" + call.ID
}

// partitionCalls groups a batch by resource, preserving both the order
// of calls within a resource and the first-appearance order of the
// resources themselves.
func partitionCalls(calls []models.ToolCall) []partition {
	order := make([]string, 0, len(calls))
	byResource := make(map[string]*partition, len(calls))
	for i, call := range calls {
		id := ResourceID(call)
		p, ok := byResource[id]
		if !ok {
			p = &partition{resource: id}
			byResource[id] = p
			order = append(order, id)
		}
		p.items = append(p.items, item{idx: i, call: call})
	}
	out := make([]partition, 0, len(order))
	for _, id := range order {
		out = append(out, *byResource[id])
	}
	return out
}

// WritePaths extracts the file paths a call's arguments name, for
// snapshotting before results are appended. It understands the single
// filePath form, files/paths lists, and edit lists whose entries carry
// a filePath or path field. Paths are returned in argument order
// without duplicates.
func WritePaths(call models.ToolCall) []string {
	args := decodeArgs(call.Input)
	if args == nil {
		return nil
	}

	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	if p, ok := args["filePath"].(string); ok {
		add(p)
	}
	for _, field := range []string{"files", "paths"} {
		list, ok := args[field].([]any)
		if !ok {
			continue
		}
		for _, v := range list {
			switch e := v.(type) {
			case string:
				add(e)
			case map[string]any:
				if p, ok := e["filePath"].(string); ok {
					add(p)
				} else if p, ok := e["path"].(string); ok {
					add(p)
				}
			}
		}
	}
	if edits, ok := args["edits"].([]any); ok {
		for _, v := range edits {
			e, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if p, ok := e["filePath"].(string); ok {
				add(p)
			} else if p, ok := e["path"].(string); ok {
				add(p)
			}
		}
	}
	return out
}

func singlePath(input json.RawMessage) (string, bool) {
	args := decodeArgs(input)
	if args == nil {
		return "", false
	}
	p, ok := args["filePath"].(string)
	if !ok || strings.TrimSpace(p) == "" {
		return "", false
	}
	return strings.TrimSpace(p), true
}

func hasPathList(input json.RawMessage) bool {
	args := decodeArgs(input)
	if args == nil {
		return false
	}
	for _, field := range []string{"files", "paths", "edits"} {
		if list, ok := args[field].([]any); ok && len(list) > 0 {
			return true
		}
	}
	return false
}

// decodeArgs parses the raw argument JSON and applies the same
// string-to-structure normalization the dispatcher uses, so resource
// identity agrees with what the tool will actually receive.
func decodeArgs(input json.RawMessage) map[string]any {
	if len(input) == 0 || string(input) == "null" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return nil
	}
	tools.NormalizeArgs(args)
	return args
}

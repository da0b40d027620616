package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/snowcoder/snow/internal/tools"
	"github.com/snowcoder/snow/pkg/models"
)

// TodoObserver is notified after every successful todo write, with the
// new list. The server layer forwards it as a todo_update event.
type TodoObserver func(sessionID string, todos []models.TodoItem)

// TodoStore persists one todo list per session as a JSON file under the
// project's todo directory.
type TodoStore struct {
	dir      string
	mu       sync.Mutex
	observer TodoObserver
}

func NewTodoStore(dir string) *TodoStore {
	return &TodoStore{dir: dir}
}

// Observe registers the update observer. One observer is enough; a
// later call replaces the previous one.
func (s *TodoStore) Observe(fn TodoObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

func (s *TodoStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Read returns the session's todo list; a missing file is an empty
// list.
func (s *TodoStore) Read(sessionID string) ([]models.TodoItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(sessionID)
}

func (s *TodoStore) readLocked(sessionID string) ([]models.TodoItem, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return []models.TodoItem{}, nil
	}
	if err != nil {
		return nil, err
	}
	var todos []models.TodoItem
	if err := json.Unmarshal(data, &todos); err != nil {
		return nil, fmt.Errorf("parse todo list for %s: %w", sessionID, err)
	}
	return todos, nil
}

// Write replaces the session's todo list atomically and notifies the
// observer.
func (s *TodoStore) Write(sessionID string, todos []models.TodoItem) error {
	s.mu.Lock()
	observer := s.observer
	err := s.writeLocked(sessionID, todos)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if observer != nil {
		observer(sessionID, todos)
	}
	return nil
}

func (s *TodoStore) writeLocked(sessionID string, todos []models.TodoItem) error {
	data, err := json.MarshalIndent(todos, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	path := s.path(sessionID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

type todoItemArg struct {
	ID      string `json:"id" jsonschema:"required,description=Stable identifier for the item"`
	Content string `json:"content" jsonschema:"required,description=What needs to be done"`
	Status  string `json:"status" jsonschema:"required,enum=pending,enum=in_progress,enum=completed"`
}

type todoWriteArgs struct {
	Todos []todoItemArg `json:"todos" jsonschema:"required,description=The complete todo list; this replaces the previous list"`
}

// TodoWrite is the todo-write tool: it replaces the session's entire
// todo list.
type TodoWrite struct {
	store *TodoStore
}

func NewTodoWrite(store *TodoStore) *TodoWrite {
	return &TodoWrite{store: store}
}

func (t *TodoWrite) Name() string { return "todo-write" }

func (t *TodoWrite) Description() string {
	return "Replace the session's todo list. Send the complete list every time; items omitted here are removed. Use it to plan multi-step work and mark progress."
}

func (t *TodoWrite) Schema() json.RawMessage { return ReflectSchema[todoWriteArgs]() }

func (t *TodoWrite) Execute(ctx context.Context, req tools.Request) (*tools.Result, error) {
	var args todoWriteArgs
	if err := DecodeArgs(req.Args, &args); err != nil {
		return nil, fmt.Errorf("todos must be an array of {id, content, status}: %w", err)
	}

	todos := make([]models.TodoItem, len(args.Todos))
	for i, item := range args.Todos {
		status := models.TodoStatus(item.Status)
		switch status {
		case models.TodoPending, models.TodoInProgress, models.TodoCompleted:
		default:
			return nil, fmt.Errorf("todo %q has invalid status %q", item.ID, item.Status)
		}
		if item.Content == "" {
			return nil, fmt.Errorf("todo %q has empty content", item.ID)
		}
		todos[i] = models.TodoItem{ID: item.ID, Content: item.Content, Status: status}
	}

	if err := t.store.Write(req.SessionID, todos); err != nil {
		return nil, err
	}

	completed := 0
	for _, item := range todos {
		if item.Status == models.TodoCompleted {
			completed++
		}
	}
	return &tools.Result{
		Content: fmt.Sprintf("Todo list updated: %d item(s), %d completed.", len(todos), completed),
	}, nil
}

// TodoRead is the todo-read tool: it returns the session's current
// list.
type TodoRead struct {
	store *TodoStore
}

func NewTodoRead(store *TodoStore) *TodoRead {
	return &TodoRead{store: store}
}

func (t *TodoRead) Name() string { return "todo-read" }

func (t *TodoRead) Description() string {
	return "Read the session's current todo list."
}

func (t *TodoRead) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)
}

func (t *TodoRead) Execute(ctx context.Context, req tools.Request) (*tools.Result, error) {
	todos, err := t.store.Read(req.SessionID)
	if err != nil {
		return nil, err
	}
	if len(todos) == 0 {
		return &tools.Result{Content: "The todo list is empty."}, nil
	}
	data, err := json.MarshalIndent(todos, "", "  ")
	if err != nil {
		return nil, err
	}
	return &tools.Result{Content: string(data)}, nil
}

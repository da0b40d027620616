package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/snowcoder/snow/internal/hooks"
	"github.com/snowcoder/snow/internal/provider"
	"github.com/snowcoder/snow/internal/scheduler"
	"github.com/snowcoder/snow/pkg/models"
)

// turnState rides the context through the scheduler so the engine's
// confirmation callbacks and the spawn handlers can reach the turn that
// issued the current tool call.
type turnState struct {
	sessionID  string
	agentID    string
	instanceID string
	depth      int
	emit       EmitFunc
	approvals  *scheduler.Approvals
}

type turnStateKey struct{}

func withTurnState(ctx context.Context, st *turnState) context.Context {
	return context.WithValue(ctx, turnStateKey{}, st)
}

func turnStateFrom(ctx context.Context) *turnState {
	st, _ := ctx.Value(turnStateKey{}).(*turnState)
	return st
}

// batchIndexKey carries the session message index the running tool
// batch's results will land at, so sub-agent file writes snapshot under
// the right rollback key.
type batchIndexKey struct{}

func withBatchIndex(ctx context.Context, idx int) context.Context {
	return context.WithValue(ctx, batchIndexKey{}, idx)
}

func batchIndexFrom(ctx context.Context) (int, bool) {
	idx, ok := ctx.Value(batchIndexKey{}).(int)
	return idx, ok
}

// turn runs one user message to completion against a session.
type turn struct {
	eng  *Engine
	sess *models.Session
	emit EmitFunc

	grantMu         sync.Mutex
	producedContent bool
}

func (t *turn) run(ctx context.Context, req ChatRequest) error {
	e := t.eng

	if e.model.EnableAutoCompress && e.compactor.ShouldCompact(t.sess.Messages) {
		res, err := e.compactor.Compact(ctx, t.sess.Messages)
		if err != nil {
			e.logger.Warn("auto-compaction failed, continuing uncompressed", "session", t.sess.ID, "error", err)
		} else {
			t.sess.Messages = res.Messages
			if err := e.store.Save(t.sess); err != nil {
				return fmt.Errorf("persist compacted history: %w", err)
			}
			e.logger.Info("history compacted", "session", t.sess.ID, "replaced", res.Replaced)
		}
	}

	now := time.Now()
	if len(t.sess.Messages) == 0 && e.model.EnablePromptOptimization {
		t.sess.Messages = append(t.sess.Messages, models.Message{
			Role:      models.RoleUser,
			Content:   e.info.Compose(),
			CreatedAt: now,
		})
	}
	t.sess.Messages = append(t.sess.Messages, models.Message{
		Role:        models.RoleUser,
		Content:     req.Content,
		Attachments: req.Attachments,
		CreatedAt:   now,
	})
	if t.sess.Title == "" {
		t.sess.Title = deriveTitle(req.Content)
	}
	if err := e.store.Save(t.sess); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	t.emit(models.Event{Type: models.EventMessage, Data: models.MessageEvent{
		Role:    string(models.RoleUser),
		Content: req.Content,
	}})

	approvals := scheduler.NewApprovals(e.cfg.YOLO, t.sess.AlwaysApproved, t.persistGrant)
	ctx = withTurnState(ctx, &turnState{
		sessionID: t.sess.ID,
		emit:      t.emit,
		approvals: approvals,
	})

	persona, hasPersona := e.activeAgentDef(t.sess.ID)
	system := e.sysPrompt
	var allowed []string
	if hasPersona {
		if persona.SystemPrompt != "" {
			system = persona.SystemPrompt
		}
		allowed = persona.AllowedTools
	}

	for {
		if ctx.Err() != nil {
			return t.finishAborted(ctx)
		}

		reqOut := &provider.Request{
			System:       system,
			SystemRecent: languageDirective(e.language),
			Messages:     t.sess.Messages,
			Tools:        e.toolDefs(ctx, allowed),
			MaxTokens:    e.model.MaxTokens,
			CacheKey:     t.sess.ID,
		}
		ch, err := e.provider.Stream(ctx, reqOut)
		if err != nil {
			return t.finishError(ctx, err)
		}
		out, err := collectStream(ch, t.emit, streamOptions{
			ShowThinking: e.model.ShowThinking,
			Logger:       e.logger,
		})
		if out.Message.Content != "" {
			t.producedContent = true
		}
		if err != nil || ctx.Err() != nil {
			t.keepPartial(out)
			if ctx.Err() != nil {
				return t.finishAborted(ctx)
			}
			return t.finishError(ctx, err)
		}

		asst := out.Message
		if len(asst.ToolCalls) == 0 {
			if asst.Content != "" || asst.Thinking != "" {
				t.sess.Messages = append(t.sess.Messages, asst)
				if err := e.store.Save(t.sess); err != nil {
					return fmt.Errorf("persist assistant message: %w", err)
				}
				t.emit(models.Event{Type: models.EventMessage, Data: models.MessageEvent{
					Role:    string(models.RoleAssistant),
					Content: asst.Content,
				}})
			}
			t.emit(models.Event{Type: models.EventComplete, Data: models.CompleteEvent{SessionID: t.sess.ID}})
			return nil
		}

		t.sess.Messages = append(t.sess.Messages, asst)
		if err := e.store.Save(t.sess); err != nil {
			return fmt.Errorf("persist assistant message: %w", err)
		}
		if asst.Content != "" {
			t.emit(models.Event{Type: models.EventMessage, Data: models.MessageEvent{
				Role:    string(models.RoleAssistant),
				Content: asst.Content,
			}})
		}
		for _, call := range asst.ToolCalls {
			t.emit(models.Event{Type: models.EventToolCall, Data: models.ToolCallEvent{
				ID:    call.ID,
				Name:  call.Name,
				Input: call.Input,
			}})
		}

		failure, err := t.runBatch(ctx, asst.ToolCalls, approvals)
		if err != nil {
			return err
		}
		if failure != nil {
			t.emit(models.Event{Type: models.EventError, Data: models.ErrorEvent{
				Message: hookFailureMessage(failure),
			}})
			t.emit(models.Event{Type: models.EventComplete, Data: models.CompleteEvent{SessionID: t.sess.ID}})
			return nil
		}

		t.injectSpawnedResults()
	}
}

// runBatch executes one tool batch: snapshot baselines, schedule, key
// post-write snapshots at the first result's message index, and append
// the results in call order. It returns the first hook failure, which
// ends the turn.
func (t *turn) runBatch(ctx context.Context, calls []models.ToolCall, approvals *scheduler.Approvals) (*hooks.Failure, error) {
	e := t.eng

	batchIndex := len(t.sess.Messages)
	paths := batchPaths(calls)
	if len(paths) > 0 {
		if err := e.snapshots.RecordBaseline(t.sess.ID, paths); err != nil {
			e.logger.Warn("baseline snapshot failed", "session", t.sess.ID, "error", err)
		}
	}

	results := e.sched.Run(withBatchIndex(ctx, batchIndex), scheduler.Batch{
		SessionID: t.sess.ID,
		Calls:     calls,
		Approvals: approvals,
	})

	if len(paths) > 0 {
		if err := e.snapshots.Record(t.sess.ID, batchIndex, paths); err != nil {
			e.logger.Warn("snapshot failed", "session", t.sess.ID, "error", err)
		}
	}

	var failure *hooks.Failure
	now := time.Now()
	for _, r := range results {
		t.sess.Messages = append(t.sess.Messages, models.Message{
			Role:        models.RoleTool,
			Content:     r.Result.Content,
			ToolCallID:  r.Result.ToolCallID,
			Attachments: r.Result.Images,
			CreatedAt:   now,
		})
		t.emit(models.Event{Type: models.EventToolResult, Data: models.ToolResultEvent{
			ToolCallID: r.Result.ToolCallID,
			Content:    r.Result.Content,
			IsError:    r.Result.IsError,
		}})
		if failure == nil && r.HookFailure != nil {
			failure = r.HookFailure
		}
	}
	if err := e.store.Save(t.sess); err != nil {
		return nil, fmt.Errorf("persist tool results: %w", err)
	}
	return failure, nil
}

// injectSpawnedResults drains outcomes of sub-agents spawned by other
// sub-agents and appends each as a user message noting its origin.
func (t *turn) injectSpawnedResults() {
	spawned := t.eng.tracker.DrainSpawnedResults()
	if len(spawned) == 0 {
		return
	}
	now := time.Now()
	for _, r := range spawned {
		t.sess.Messages = insertMessage(t.sess.Messages, 0, models.Message{
			Role:      models.RoleUser,
			Content:   spawnedResultText(r),
			CreatedAt: now,
		})
	}
	if err := t.eng.store.Save(t.sess); err != nil {
		t.eng.logger.Warn("persist spawned results failed", "session", t.sess.ID, "error", err)
	}
}

// keepPartial persists assistant text that already streamed before the
// turn ended early. Partial tool calls are dropped; there are no
// results to pair them with.
func (t *turn) keepPartial(out *streamOutcome) {
	if out == nil || out.Message.Content == "" {
		return
	}
	msg := out.Message
	msg.ToolCalls = nil
	t.sess.Messages = append(t.sess.Messages, msg)
	if err := t.eng.store.Save(t.sess); err != nil {
		t.eng.logger.Warn("persist partial assistant message failed", "session", t.sess.ID, "error", err)
	}
	t.emit(models.Event{Type: models.EventMessage, Data: models.MessageEvent{
		Role:    string(models.RoleAssistant),
		Content: msg.Content,
	}})
}

func (t *turn) finishAborted(ctx context.Context) error {
	t.emit(models.Event{Type: models.EventComplete, Data: models.CompleteEvent{
		SessionID: t.sess.ID,
		Aborted:   true,
	}})
	return ctx.Err()
}

func (t *turn) finishError(ctx context.Context, err error) error {
	t.emit(models.Event{Type: models.EventError, Data: models.ErrorEvent{Message: err.Error()}})
	if t.producedContent {
		t.emit(models.Event{Type: models.EventComplete, Data: models.CompleteEvent{SessionID: t.sess.ID}})
	}
	return err
}

// persistGrant records an approve_always grant on the session record.
// The next session save writes it out. Grants arrive from partition
// goroutines, hence the lock.
func (t *turn) persistGrant(name string) {
	t.grantMu.Lock()
	defer t.grantMu.Unlock()
	for _, existing := range t.sess.AlwaysApproved {
		if existing == name {
			return
		}
	}
	t.sess.AlwaysApproved = append(t.sess.AlwaysApproved, name)
}

// batchPaths unions the file paths named by every call in the batch.
func batchPaths(calls []models.ToolCall) []string {
	seen := map[string]bool{}
	var out []string
	for _, call := range calls {
		for _, p := range scheduler.WritePaths(call) {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func spawnedResultText(r SpawnedResult) string {
	if r.Err != "" {
		return fmt.Sprintf("Spawned agent %s (%s) failed: %s", r.AgentID, r.InstanceID, r.Err)
	}
	return fmt.Sprintf("Result from spawned agent %s (%s):\n%s", r.AgentID, r.InstanceID, r.Result)
}

func hookFailureMessage(f *hooks.Failure) string {
	detail := f.Error
	if detail == "" {
		detail = f.Output
	}
	if detail == "" {
		return fmt.Sprintf("hook %q aborted the turn (exit %d)", f.Command, f.ExitCode)
	}
	return fmt.Sprintf("hook %q aborted the turn (exit %d): %s", f.Command, f.ExitCode, detail)
}

// deriveTitle clips the first line of a user message for session
// listings and rollback previews.
func deriveTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > 80 {
		s = string(runes[:80])
	}
	return s
}

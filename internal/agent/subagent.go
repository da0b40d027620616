package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/snowcoder/snow/internal/hooks"
	"github.com/snowcoder/snow/internal/provider"
	"github.com/snowcoder/snow/internal/scheduler"
	"github.com/snowcoder/snow/internal/tools"
	"github.com/snowcoder/snow/internal/tools/builtin"
	"github.com/snowcoder/snow/pkg/models"
)

// maxSpawnDepth bounds sub-agent nesting. The main loop is depth 0.
const maxSpawnDepth = 3

// emptyStreamAttempts is how many times a sub-agent iteration retries a
// stream that yielded neither content nor tool calls.
const emptyStreamAttempts = 3

// emptyStreamDelay spaces those retries.
var emptyStreamDelay = time.Second

type spawnArgs struct {
	Prompt string `json:"prompt" jsonschema:"required,description=The task for the agent to carry out"`
}

// spawnTool is the subagent-<id> handler for one agent definition.
// Called from the main loop it runs the agent to completion and returns
// its answer as the tool result; called from inside another sub-agent
// it runs detached and delivers through the spawned-result queue.
type spawnTool struct {
	def models.AgentDef
	eng *Engine
}

func (s *spawnTool) Name() string { return "subagent-" + s.def.ID }

func (s *spawnTool) Service() string { return "subagent" }

func (s *spawnTool) Description() string {
	return fmt.Sprintf("Delegate a task to the %s agent. %s", s.def.Name, firstSentence(s.def.SystemPrompt))
}

func (s *spawnTool) Schema() json.RawMessage { return builtin.ReflectSchema[spawnArgs]() }

func (s *spawnTool) Execute(ctx context.Context, req tools.Request) (*tools.Result, error) {
	var args spawnArgs
	if err := builtin.DecodeArgs(req.Args, &args); err != nil {
		return nil, fmt.Errorf("invalid spawn arguments: %w", err)
	}
	if strings.TrimSpace(args.Prompt) == "" {
		return &tools.Result{Content: "Error: prompt is required", IsError: true}, nil
	}
	st := turnStateFrom(ctx)
	if st == nil {
		return &tools.Result{Content: "Error: no active conversation to spawn from", IsError: true}, nil
	}
	if st.depth >= maxSpawnDepth {
		return &tools.Result{
			Content: fmt.Sprintf("Error: sub-agents cannot nest deeper than %d levels", maxSpawnDepth),
			IsError: true,
		}, nil
	}

	instanceID := NewInstanceID()
	if st.depth == 0 {
		text, err := s.eng.runSubAgent(ctx, st, s.def, instanceID, args.Prompt)
		if err != nil {
			return &tools.Result{Content: "Error: " + err.Error(), IsError: true}, nil
		}
		return &tools.Result{Content: text}, nil
	}

	// Nested spawn: detach from the caller's cancellation so the agent
	// can outlive the tool round; the main loop picks the result up
	// from the spawned-result queue.
	bg := context.WithoutCancel(ctx)
	go func() {
		text, err := s.eng.runSubAgent(bg, st, s.def, instanceID, args.Prompt)
		r := SpawnedResult{
			InstanceID: instanceID,
			AgentID:    s.def.ID,
			Prompt:     args.Prompt,
			Result:     text,
		}
		if err != nil {
			r.Err = err.Error()
		}
		s.eng.tracker.PushSpawnedResult(r)
	}()
	return &tools.Result{Content: fmt.Sprintf(
		"Spawned agent %s (instance %s). Its result will be delivered to the main conversation when it finishes.",
		s.def.ID, instanceID,
	)}, nil
}

// runSubAgent executes one sub-agent to completion: fresh history, the
// agent's own tool subset and config profile, local approval scope, and
// queue drains at every iteration boundary.
func (e *Engine) runSubAgent(ctx context.Context, parent *turnState, def models.AgentDef, instanceID, prompt string) (string, error) {
	prov, model, err := e.providerFor(def.ConfigName)
	if err != nil {
		return "", err
	}
	defs := e.toolDefs(ctx, def.AllowedTools)
	if len(defs) == 0 {
		return "", fmt.Errorf("agent %s has no tools matching its allowed list", def.ID)
	}

	e.tracker.Register(Instance{
		InstanceID: instanceID,
		AgentID:    def.ID,
		Prompt:     prompt,
		StartedAt:  time.Now(),
	})
	defer e.tracker.Unregister(instanceID)

	st := &turnState{
		sessionID:  parent.sessionID,
		agentID:    def.ID,
		instanceID: instanceID,
		depth:      parent.depth + 1,
		emit:       parent.emit,
		approvals:  parent.approvals.Child(),
	}
	ctx = withTurnState(ctx, st)
	logger := e.logger.With("agent", def.ID, "instance", instanceID)
	logger.Info("sub-agent started", "depth", st.depth)

	now := time.Now()
	msgs := []models.Message{
		{Role: models.RoleUser, Content: e.info.Compose(), CreatedAt: now},
		{Role: models.RoleUser, Content: prompt, CreatedAt: now},
	}

	var usage models.Usage
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		injectedUser, injectedAgent := e.tracker.Drain(instanceID)
		for _, m := range injectedUser {
			msgs = append(msgs, models.Message{
				Role:      models.RoleUser,
				Content:   "Message from the user:\n" + m,
				CreatedAt: time.Now(),
			})
		}
		for _, m := range injectedAgent {
			msgs = append(msgs, models.Message{
				Role:      models.RoleUser,
				Content:   fmt.Sprintf("Message from agent %s:\n%s", m.From, m.Text),
				CreatedAt: time.Now(),
			})
		}

		out, err := e.streamWithEmptyGuard(ctx, prov, &provider.Request{
			System:       def.SystemPrompt,
			SystemRecent: languageDirective(e.language),
			Messages:     msgs,
			Tools:        defs,
			MaxTokens:    model.MaxTokens,
			CacheKey:     instanceID,
		}, st)
		if err != nil {
			return "", err
		}
		usage.Add(out.Usage)

		asst := out.Message
		msgs = append(msgs, asst)

		if len(asst.ToolCalls) == 0 {
			final := asst.Content
			outcome := e.hooks.Run(ctx, hooks.KindOnSubAgentComplete, hooks.Payload{
				Kind:         hooks.KindOnSubAgentComplete,
				SessionID:    st.sessionID,
				AgentID:      def.ID,
				Result:       final,
				InputTokens:  usage.PromptTokens,
				OutputTokens: usage.CompletionTokens,
			})
			if outcome.Aborted() {
				return "", &hooks.AbortError{Failure: outcome.Failure}
			}
			if len(outcome.Injections) > 0 {
				for _, inj := range outcome.Injections {
					msgs = append(msgs, models.Message{
						Role:      models.RoleUser,
						Content:   inj,
						CreatedAt: time.Now(),
					})
				}
				logger.Debug("completion hook re-entered loop", "injections", len(outcome.Injections))
				continue
			}
			logger.Info("sub-agent finished",
				"prompt_tokens", usage.PromptTokens,
				"completion_tokens", usage.CompletionTokens,
			)
			return final, nil
		}

		for _, call := range asst.ToolCalls {
			st.emit(models.Event{Type: models.EventToolCall, Data: models.ToolCallEvent{
				ID:      call.ID,
				Name:    call.Name,
				Input:   call.Input,
				AgentID: def.ID,
			}})
		}

		paths := batchPaths(asst.ToolCalls)
		if len(paths) > 0 {
			if err := e.snapshots.RecordBaseline(st.sessionID, paths); err != nil {
				logger.Warn("baseline snapshot failed", "error", err)
			}
		}
		results := e.sched.Run(ctx, scheduler.Batch{
			SessionID: st.sessionID,
			Calls:     asst.ToolCalls,
			Approvals: st.approvals,
		})
		if len(paths) > 0 {
			idx, ok := batchIndexFrom(ctx)
			if !ok {
				idx = 0
			}
			if err := e.snapshots.Record(st.sessionID, idx, paths); err != nil {
				logger.Warn("snapshot failed", "error", err)
			}
		}

		now := time.Now()
		for _, r := range results {
			msgs = append(msgs, models.Message{
				Role:        models.RoleTool,
				Content:     r.Result.Content,
				ToolCallID:  r.Result.ToolCallID,
				Attachments: r.Result.Images,
				CreatedAt:   now,
			})
			st.emit(models.Event{Type: models.EventToolResult, Data: models.ToolResultEvent{
				ToolCallID: r.Result.ToolCallID,
				Content:    r.Result.Content,
				IsError:    r.Result.IsError,
				AgentID:    def.ID,
			}})
			if r.HookFailure != nil {
				return "", &hooks.AbortError{Failure: r.HookFailure}
			}
		}
	}
}

// streamWithEmptyGuard streams one request, retrying when the model
// returns neither content nor tool calls. Empty responses show up on
// some providers under heavy load; a short pause and a fresh attempt
// usually clears them.
func (e *Engine) streamWithEmptyGuard(ctx context.Context, prov provider.Provider, req *provider.Request, st *turnState) (*streamOutcome, error) {
	for attempt := 1; ; attempt++ {
		ch, err := prov.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		out, err := collectStream(ch, st.emit, streamOptions{
			AgentID:      st.agentID,
			ShowThinking: e.model.ShowThinking,
			Logger:       e.logger,
		})
		if err != nil {
			return out, err
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if out.Message.Content != "" || len(out.Message.ToolCalls) > 0 {
			return out, nil
		}
		if attempt >= emptyStreamAttempts {
			return nil, fmt.Errorf("agent %s produced an empty response %d times", st.agentID, attempt)
		}
		e.logger.Warn("empty agent response, retrying", "agent", st.agentID, "attempt", attempt)
		select {
		case <-time.After(emptyStreamDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type sendMessageArgs struct {
	Agent   string `json:"agent" jsonschema:"required,description=Target agent type (for example agent_plan)"`
	Message string `json:"message" jsonschema:"required,description=The message to deliver"`
}

// sendMessageTool queues a message for the first running instance of
// the target agent type. Delivery happens at the target's next
// iteration boundary.
type sendMessageTool struct {
	eng *Engine
}

func (m *sendMessageTool) Name() string { return "send_message_to_agent" }

func (m *sendMessageTool) Service() string { return "agent" }

func (m *sendMessageTool) Description() string {
	return "Send a message to a running agent. The target agent reads it at the start of its next iteration."
}

func (m *sendMessageTool) Schema() json.RawMessage { return builtin.ReflectSchema[sendMessageArgs]() }

func (m *sendMessageTool) Execute(ctx context.Context, req tools.Request) (*tools.Result, error) {
	var args sendMessageArgs
	if err := builtin.DecodeArgs(req.Args, &args); err != nil {
		return nil, fmt.Errorf("invalid send_message arguments: %w", err)
	}
	if args.Agent == "" || args.Message == "" {
		return &tools.Result{Content: "Error: agent and message are required", IsError: true}, nil
	}

	from := "main"
	st := turnStateFrom(ctx)
	if st != nil && st.instanceID != "" {
		from = st.instanceID
	}
	instanceID, err := m.eng.tracker.SendAgentMessage(from, args.Agent, args.Message)
	if err != nil {
		return &tools.Result{Content: "Error: " + err.Error(), IsError: true}, nil
	}
	if st != nil {
		st.emit(models.Event{Type: models.EventMessage, Data: models.MessageEvent{
			Role:    "agent",
			Content: fmt.Sprintf("[%s -> %s] %s", from, args.Agent, args.Message),
			AgentID: args.Agent,
		}})
	}
	return &tools.Result{Content: fmt.Sprintf(
		"Message queued for %s (instance %s). It will be read at the start of that agent's next iteration.",
		args.Agent, instanceID,
	)}, nil
}

// firstSentence clips a role prompt for the spawn tool description.
func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i+1]
	}
	if len(s) > 120 {
		return s[:120]
	}
	return s
}

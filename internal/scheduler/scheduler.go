package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/snowcoder/snow/internal/hooks"
	"github.com/snowcoder/snow/internal/tools"
	"github.com/snowcoder/snow/pkg/models"
)

// Dispatcher executes one routed tool call. *tools.Dispatcher
// implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, call models.ToolCall) (*tools.Outcome, error)
}

// Config wires a Scheduler.
type Config struct {
	Dispatcher Dispatcher
	// Hooks runs the toolConfirmation kind; nil disables it.
	Hooks *hooks.Runner
	// Confirm blocks on the UI for calls that are not pre-approved.
	// When nil, unapproved calls are rejected.
	Confirm ConfirmFunc
	// Question answers askuser interactions. When nil, those calls
	// fail.
	Question QuestionFunc
	// Sensitive marks calls that must be confirmed even when
	// previously approved (and even under YOLO).
	Sensitive func(models.ToolCall) bool
	// ESC, when set, lets the user abort a running terminal command.
	ESC    *ESCMonitor
	Logger *slog.Logger
}

// Scheduler runs tool-call batches under the resource-partition rules.
type Scheduler struct {
	dispatcher Dispatcher
	hooks      *hooks.Runner
	confirm    ConfirmFunc
	question   QuestionFunc
	sensitive  func(models.ToolCall) bool
	esc        *ESCMonitor
	logger     *slog.Logger
}

func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		dispatcher: cfg.Dispatcher,
		hooks:      cfg.Hooks,
		confirm:    cfg.Confirm,
		question:   cfg.Question,
		sensitive:  cfg.Sensitive,
		esc:        cfg.ESC,
		logger:     logger.With("component", "scheduler"),
	}
}

// Batch is one assistant response's worth of tool calls.
type Batch struct {
	SessionID string
	Calls     []models.ToolCall
	// Approvals is the scope consulted for this batch; a throwaway
	// ask-every-time scope is used when nil.
	Approvals *Approvals
}

// Result pairs one tool result with the hook failure that aborted
// around it, if any. HookFailure set anywhere in the batch means the
// turn halts after results are recorded.
type Result struct {
	Result      models.ToolResult
	HookFailure *hooks.Failure
}

// Run executes the batch: partitions run in parallel, calls within a
// partition sequentially in array order, and the returned slice lines
// up with batch.Calls regardless of completion order. Every call gets
// exactly one result, skipped and interrupted ones included.
func (s *Scheduler) Run(ctx context.Context, batch Batch) []Result {
	if len(batch.Calls) == 0 {
		return nil
	}
	if batch.Approvals == nil {
		batch.Approvals = NewApprovals(false, nil, nil)
	}

	results := make([]Result, len(batch.Calls))
	parts := partitionCalls(batch.Calls)

	var wg sync.WaitGroup
	for _, part := range parts {
		wg.Add(1)
		go func(part partition) {
			defer wg.Done()
			s.runPartition(ctx, batch, part, results)
		}(part)
	}
	wg.Wait()
	return results
}

// runPartition walks one resource's calls in order. A hook abort skips
// the remainder of this partition only.
func (s *Scheduler) runPartition(ctx context.Context, batch Batch, part partition, results []Result) {
	for i, it := range part.items {
		if ctx.Err() != nil {
			s.fillSkipped(part.items[i:], results, "Error: interrupted before this tool ran")
			return
		}
		res := s.runCall(ctx, batch, it.call)
		results[it.idx] = res
		if res.HookFailure != nil {
			s.fillSkipped(part.items[i+1:], results, "Error: skipped because an earlier hook aborted the turn")
			return
		}
	}
}

func (s *Scheduler) fillSkipped(items []item, results []Result, text string) {
	for _, it := range items {
		results[it.idx] = errorResult(it.call, text)
	}
}

// runCall takes one call through confirmation hooks, the approval
// path, and dispatch.
func (s *Scheduler) runCall(ctx context.Context, batch Batch, call models.ToolCall) Result {
	var warnings []string
	if s.hooks != nil {
		outcome := s.hooks.Run(ctx, hooks.KindToolConfirmation, hooks.Payload{
			SessionID:  batch.SessionID,
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Input:      call.Input,
		})
		if outcome.Aborted() {
			res := errorResult(call, "Error: tool call blocked by hook: "+outcome.Failure.Error)
			res.HookFailure = outcome.Failure
			return res
		}
		warnings = outcome.Warnings
	}

	sensitive := s.sensitive != nil && s.sensitive(call)
	if sensitive || !batch.Approvals.Approved(call.Name) {
		if res, proceed := s.confirmCall(ctx, batch, call, sensitive); !proceed {
			return appendWarnings(res, warnings)
		}
	}

	return appendWarnings(s.dispatch(ctx, batch.SessionID, call), warnings)
}

func appendWarnings(res Result, warnings []string) Result {
	for _, w := range warnings {
		res.Result.Content += "\n\n[hook warning] " + w
	}
	return res
}

// confirmCall blocks on the UI decision. proceed is true only for
// approvals; otherwise the returned Result is the call's final answer.
func (s *Scheduler) confirmCall(ctx context.Context, batch Batch, call models.ToolCall, sensitive bool) (res Result, proceed bool) {
	if s.confirm == nil {
		return errorResult(call, "Error: tool call requires confirmation but no confirmation channel is available"), false
	}

	decision, err := s.confirm(ctx, ConfirmationRequest{
		Call:        call,
		Siblings:    siblings(batch.Calls, call.ID),
		IsSensitive: sensitive,
	})
	if err != nil {
		if ctx.Err() != nil {
			return errorResult(call, "Error: interrupted while waiting for confirmation"), false
		}
		return errorResult(call, "Error: confirmation failed: "+err.Error()), false
	}

	switch decision.Kind {
	case DecisionApprove:
		return Result{}, true
	case DecisionApproveAlways:
		batch.Approvals.Grant(call.Name)
		return Result{}, true
	case DecisionRejectReply:
		reply := decision.Reply
		if reply == "" {
			reply = "The user rejected this tool call."
		}
		return errorResult(call, reply), false
	default:
		return errorResult(call, "The user rejected this tool call."), false
	}
}

// dispatch runs the call and folds the dispatcher's signal errors into
// tool results the model can react to.
func (s *Scheduler) dispatch(ctx context.Context, sessionID string, call models.ToolCall) Result {
	callCtx := ctx
	release := func() {}
	if s.esc != nil && ResourceID(call) == resourceTerminal {
		callCtx, release = s.esc.Guard(ctx)
	}
	outcome, err := s.dispatcher.Dispatch(callCtx, sessionID, call)
	release()

	if err != nil {
		var interaction *tools.UserInteractionError
		if errors.As(err, &interaction) {
			return s.askUser(ctx, call, interaction.Question)
		}
		var dispatchErr *tools.DispatchError
		if errors.As(err, &dispatchErr) {
			return errorResult(call, "Error: "+dispatchErr.Error())
		}
		if callCtx.Err() != nil && ctx.Err() == nil {
			s.logger.Info("terminal command aborted", "tool", call.Name, "call_id", call.ID)
			return errorResult(call, "Error: command aborted by user")
		}
		return errorResult(call, "Error: "+err.Error())
	}
	return Result{Result: outcome.Result, HookFailure: outcome.HookFailure}
}

// askUser resolves a user-interaction signal; the answer is the tool's
// response.
func (s *Scheduler) askUser(ctx context.Context, call models.ToolCall, q tools.Question) Result {
	if s.question == nil {
		return errorResult(call, "Error: tool needs a user answer but no question channel is available")
	}
	answer, err := s.question(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return errorResult(call, "Error: interrupted while waiting for an answer")
		}
		return errorResult(call, "Error: question failed: "+err.Error())
	}
	return Result{Result: models.ToolResult{
		ToolCallID: call.ID,
		Content:    answer,
	}}
}

func siblings(calls []models.ToolCall, id string) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(calls)-1)
	for _, c := range calls {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}

func errorResult(call models.ToolCall, text string) Result {
	return Result{Result: models.ToolResult{
		ToolCallID: call.ID,
		Content:    text,
		IsError:    true,
	}}
}

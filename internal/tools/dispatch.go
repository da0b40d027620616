package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/snowcoder/snow/internal/hooks"
	"github.com/snowcoder/snow/internal/observability"
	"github.com/snowcoder/snow/pkg/models"
)

// DefaultResultTokenLimit caps one tool result unless configured
// otherwise.
const DefaultResultTokenLimit = 100000

// jsonArgFields are argument names whose values models sometimes emit
// as JSON-encoded strings instead of real arrays or objects. They are
// parsed back before routing; everything else passes through untouched.
var jsonArgFields = map[string]bool{
	"filePath": true,
	"files":    true,
	"paths":    true,
	"edits":    true,
	"todos":    true,
	"options":  true,
	"command":  true,
}

// Outcome is the result of dispatching one tool call. HookFailure is
// set when a hook aborted; the scheduler skips the rest of the
// partition and the turn halts after results are recorded.
type Outcome struct {
	Result      models.ToolResult
	HookFailure *hooks.Failure
}

// Dispatcher routes tool calls: built-ins directly, externals through
// the MCP pool with the unprefixed operation name.
type Dispatcher struct {
	registry   *Registry
	pool       Pool
	hooks      *hooks.Runner
	tracer     *observability.Tracer
	logger     *slog.Logger
	metrics    *dispatchMetrics
	tokenLimit int
}

func NewDispatcher(registry *Registry, pool Pool, runner *hooks.Runner, tracer *observability.Tracer, tokenLimit int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if tokenLimit <= 0 {
		tokenLimit = DefaultResultTokenLimit
	}
	return &Dispatcher{
		registry:   registry,
		pool:       pool,
		hooks:      runner,
		tracer:     tracer,
		logger:     logger.With("component", "dispatch"),
		metrics:    newDispatchMetrics(),
		tokenLimit: tokenLimit,
	}
}

// Dispatch executes one tool call end to end: argument normalization,
// the before hook, routing, the after hook, and the result-size
// ceiling.
//
// The returned error is non-nil only for signals the scheduler must
// intercept: *UserInteractionError (defer to the UI for an answer),
// *DispatchError (unroutable name), or context cancellation. Tool
// failures are ordinary results with IsError set so the model sees
// them.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, call models.ToolCall) (*Outcome, error) {
	out, err := d.dispatch(ctx, sessionID, call)
	if out != nil {
		d.metrics.Record(call.Name, out.Result.IsError)
	}
	return out, err
}

func (d *Dispatcher) dispatch(ctx context.Context, sessionID string, call models.ToolCall) (*Outcome, error) {
	go d.pool.Sweep()

	ctx, span := d.tracer.Start(ctx, "tool.dispatch",
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.ID),
	)
	defer span.End()

	args, err := parseArgs(call.Input)
	if err != nil {
		observability.RecordError(span, err)
		return d.errorOutcome(call, fmt.Sprintf("invalid tool arguments: %v", err)), nil
	}
	NormalizeArgs(args)

	payload := hooks.Payload{
		SessionID:  sessionID,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Input:      call.Input,
	}

	before := d.hooks.Run(ctx, hooks.KindBeforeToolCall, payload)
	if before.Aborted() {
		out := d.errorOutcome(call, "tool call blocked by hook: "+before.Failure.Error)
		out.HookFailure = before.Failure
		return out, nil
	}
	warnings := append([]string(nil), before.Warnings...)

	result, routeErr := d.route(ctx, sessionID, call, args)
	if routeErr != nil {
		observability.RecordError(span, routeErr)
		return nil, routeErr
	}

	payload.Result = result.Content
	payload.IsError = result.IsError
	after := d.hooks.Run(ctx, hooks.KindAfterToolCall, payload)
	warnings = append(warnings, after.Warnings...)

	for _, w := range warnings {
		result.Content += "\n\n[hook warning] " + w
	}

	if estimateTokens(result.Content) > d.tokenLimit {
		d.logger.Warn("tool result over token ceiling",
			"tool", call.Name,
			"estimated_tokens", estimateTokens(result.Content),
			"limit", d.tokenLimit,
		)
		result = &Result{
			Content: fmt.Sprintf(
				"Error: tool result too large (about %d tokens, limit %d). Retry with narrower parameters that return less data.",
				estimateTokens(result.Content), d.tokenLimit,
			),
			IsError: true,
		}
	}

	out := &Outcome{Result: models.ToolResult{
		ToolCallID: call.ID,
		Content:    result.Content,
		IsError:    result.IsError,
		Images:     result.Images,
	}}
	if after.Aborted() {
		out.HookFailure = after.Failure
	}
	return out, nil
}

// route resolves the call to a built-in handler or an external service
// and executes it.
func (d *Dispatcher) route(ctx context.Context, sessionID string, call models.ToolCall, args map[string]any) (*Result, error) {
	if h, ok := d.registry.Builtin(call.Name); ok {
		res, err := h.Execute(ctx, Request{
			SessionID: sessionID,
			CallID:    call.ID,
			Args:      args,
		})
		if err != nil {
			var interaction *UserInteractionError
			if errors.As(err, &interaction) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return &Result{Content: "Error: " + err.Error(), IsError: true}, nil
		}
		return res, nil
	}

	service, operation := SplitName(call.Name, d.registry.ExternalServices())
	cfg, ok := d.registry.ServerConfig(service)
	if !ok {
		return nil, &DispatchError{Tool: call.Name, Reason: "no service owns this tool"}
	}

	conn, err := d.pool.Get(ctx, service, cfg)
	if err != nil {
		return &Result{
			Content: fmt.Sprintf("Error: cannot reach service %s: %v", service, err),
			IsError: true,
		}, nil
	}

	output, err := conn.CallTool(ctx, operation, args, true)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The connection may be poisoned; drop it so the next call
		// reconnects. Sibling calls already holding it finish on their
		// own terms.
		d.pool.Invalidate(service)
		return &Result{
			Content: fmt.Sprintf("Error: %s call failed: %v", call.Name, err),
			IsError: true,
		}, nil
	}
	return &Result{
		Content: output.Text,
		Images:  output.Images,
		IsError: output.IsError,
	}, nil
}

func (d *Dispatcher) errorOutcome(call models.ToolCall, text string) *Outcome {
	return &Outcome{Result: models.ToolResult{
		ToolCallID: call.ID,
		Content:    text,
		IsError:    true,
	}}
}

func parseArgs(input json.RawMessage) (map[string]any, error) {
	if len(input) == 0 || string(input) == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// NormalizeArgs parses whitelisted fields that arrived as JSON-encoded
// strings back into real values. Models under some dialects stringify
// nested arrays; external tools expect the structured form.
func NormalizeArgs(args map[string]any) {
	for field := range jsonArgFields {
		raw, ok := args[field].(string)
		if !ok {
			continue
		}
		trimmed := strings.TrimSpace(raw)
		if !strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "{") {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			args[field] = parsed
		}
	}
}

// estimateTokens mirrors the compactor's char-weighted heuristic for
// the result ceiling.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"path"
	"runtime"
	"strings"
	"time"

	"github.com/snowcoder/snow/internal/config"
)

// DefaultTimeout bounds a command hook that does not set its own.
const DefaultTimeout = 30 * time.Second

// Runner executes the configured hook sequences. Entries within a kind
// run sequentially in registration order; an abort skips the rest of
// the sequence.
type Runner struct {
	cfg    config.HooksConfig
	logger *slog.Logger
}

func NewRunner(cfg config.HooksConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		logger: logger.With("component", "hooks"),
	}
}

// Has reports whether any entry is registered for kind. Callers use it
// to skip payload assembly when nothing would run.
func (r *Runner) Has(kind Kind) bool {
	return len(r.entries(kind)) > 0
}

func (r *Runner) entries(kind Kind) []config.HookEntry {
	switch kind {
	case KindToolConfirmation:
		return r.cfg.ToolConfirmation
	case KindBeforeToolCall:
		return r.cfg.BeforeToolCall
	case KindAfterToolCall:
		return r.cfg.AfterToolCall
	case KindOnSubAgentComplete:
		return r.cfg.OnSubAgentComplete
	default:
		return nil
	}
}

// Run executes the sequence registered for kind against the payload.
// Entries whose tool filter does not match the payload's tool are
// skipped. The returned outcome is never nil.
func (r *Runner) Run(ctx context.Context, kind Kind, p Payload) *Outcome {
	p.Kind = kind
	out := &Outcome{}
	for _, entry := range r.entries(kind) {
		if !entryMatchesTool(entry, p.ToolName) {
			continue
		}
		if entry.Prompt != nil {
			if r.runPrompt(kind, entry.Prompt, out) {
				return out
			}
			continue
		}
		if r.runCommand(ctx, kind, entry, p, out) {
			return out
		}
	}
	return out
}

// runPrompt applies a declarative entry. It returns true when the
// sequence should stop.
func (r *Runner) runPrompt(kind Kind, prompt *config.PromptHook, out *Outcome) bool {
	switch prompt.Action {
	case "inject":
		if prompt.Message != "" {
			out.Injections = append(out.Injections, prompt.Message)
		}
		return false
	case "abort":
		out.Failure = &Failure{
			Output: prompt.Message,
			Error:  "prompt hook requested abort",
		}
		r.logger.Warn("hook aborted operation", "kind", kind, "message", prompt.Message)
		return true
	default:
		return false
	}
}

// runCommand executes one shell entry and grades its exit code. It
// returns true when the sequence should stop.
func (r *Runner) runCommand(ctx context.Context, kind Kind, entry config.HookEntry, p Payload, out *Outcome) bool {
	timeout := DefaultTimeout
	if entry.TimeoutSeconds > 0 {
		timeout = time.Duration(entry.TimeoutSeconds) * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdin, err := json.Marshal(p)
	if err != nil {
		stdin = []byte("{}")
	}

	var stdout, stderr bytes.Buffer
	cmd := shellCommand(cmdCtx, entry.Command)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	code := 0
	errText := ""
	if runErr != nil {
		code = -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		if code == 0 {
			// Run failed without a bad exit code, so the failure is
			// infrastructural (stdin copy, wait error).
			code = -1
		}
		errText = runErr.Error()
		if cmdCtx.Err() == context.DeadlineExceeded {
			errText = "hook timed out after " + timeout.String()
		}
	}

	switch {
	case code == 0:
		r.logger.Debug("hook ok", "kind", kind, "command", entry.Command, "duration", elapsed)
		return false
	case code == 1:
		warning := strings.TrimSpace(stdout.String())
		if warning == "" {
			warning = strings.TrimSpace(stderr.String())
		}
		if warning == "" {
			warning = "hook " + entry.Command + " exited with code 1"
		}
		out.Warnings = append(out.Warnings, warning)
		r.logger.Warn("hook warning", "kind", kind, "command", entry.Command, "warning", warning)
		return false
	default:
		out.Failure = &Failure{
			Command:  entry.Command,
			Output:   strings.TrimSpace(stdout.String() + stderr.String()),
			Error:    errText,
			ExitCode: code,
		}
		r.logger.Warn("hook aborted operation",
			"kind", kind,
			"command", entry.Command,
			"exit_code", code,
			"error", errText,
		)
		return true
	}
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd.exe", "/c", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}

// entryMatchesTool applies the entry's tool filter. Patterns are globs;
// underscores and hyphens compare equal so `filesystem_edit` matches
// `filesystem-edit`. An empty filter matches everything, as does an
// empty tool name (non-tool kinds carry none).
func entryMatchesTool(entry config.HookEntry, tool string) bool {
	if len(entry.Tools) == 0 || tool == "" {
		return true
	}
	name := normalizeToolName(tool)
	for _, pattern := range entry.Tools {
		if ok, err := path.Match(normalizeToolName(pattern), name); err == nil && ok {
			return true
		}
	}
	return false
}

func normalizeToolName(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", "-")
}

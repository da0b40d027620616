package hooks

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"testing"

	"github.com/snowcoder/snow/internal/config"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("command hook tests assume a POSIX shell")
	}
}

func TestRunExitCodePolicy(t *testing.T) {
	requireShell(t)

	tests := []struct {
		name       string
		command    string
		wantWarn   string
		wantAbort  bool
		wantCode   int
		wantOutput string
	}{
		{
			name:    "exit zero continues silently",
			command: "exit 0",
		},
		{
			name:     "exit one warns with stdout",
			command:  "echo deprecated tool; exit 1",
			wantWarn: "deprecated tool",
		},
		{
			name:     "exit one warns with stderr when stdout empty",
			command:  "echo nope >&2; exit 1",
			wantWarn: "nope",
		},
		{
			name:       "exit two aborts",
			command:    "echo boom; exit 2",
			wantAbort:  true,
			wantCode:   2,
			wantOutput: "boom",
		},
		{
			name:      "missing binary aborts with negative code",
			command:   "/no/such/binary-xyz",
			wantAbort: true,
			wantCode:  127,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRunner(config.HooksConfig{
				BeforeToolCall: []config.HookEntry{{Command: tt.command}},
			}, nil)

			out := r.Run(context.Background(), KindBeforeToolCall, Payload{ToolName: "demo-tool"})

			if tt.wantAbort {
				if !out.Aborted() {
					t.Fatalf("Run() aborted = false, want true")
				}
				if out.Failure.ExitCode != tt.wantCode {
					t.Errorf("Failure.ExitCode = %d, want %d", out.Failure.ExitCode, tt.wantCode)
				}
				if out.Failure.Command != tt.command {
					t.Errorf("Failure.Command = %q, want %q", out.Failure.Command, tt.command)
				}
				if tt.wantOutput != "" && !strings.Contains(out.Failure.Output, tt.wantOutput) {
					t.Errorf("Failure.Output = %q, want contains %q", out.Failure.Output, tt.wantOutput)
				}
				return
			}

			if out.Aborted() {
				t.Fatalf("Run() aborted with %+v, want continue", out.Failure)
			}
			if tt.wantWarn == "" && len(out.Warnings) != 0 {
				t.Errorf("Warnings = %v, want none", out.Warnings)
			}
			if tt.wantWarn != "" {
				if len(out.Warnings) != 1 {
					t.Fatalf("Warnings = %v, want exactly one", out.Warnings)
				}
				if out.Warnings[0] != tt.wantWarn {
					t.Errorf("Warnings[0] = %q, want %q", out.Warnings[0], tt.wantWarn)
				}
			}
		})
	}
}

func TestRunAbortStopsSequence(t *testing.T) {
	requireShell(t)

	r := NewRunner(config.HooksConfig{
		AfterToolCall: []config.HookEntry{
			{Command: "exit 3"},
			{Command: "echo should not run; exit 1"},
		},
	}, nil)

	out := r.Run(context.Background(), KindAfterToolCall, Payload{ToolName: "demo-tool"})

	if !out.Aborted() {
		t.Fatalf("Run() aborted = false, want true")
	}
	if out.Failure.ExitCode != 3 {
		t.Errorf("Failure.ExitCode = %d, want 3", out.Failure.ExitCode)
	}
	if len(out.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none after abort", out.Warnings)
	}
}

func TestRunWarningsAccumulate(t *testing.T) {
	requireShell(t)

	r := NewRunner(config.HooksConfig{
		BeforeToolCall: []config.HookEntry{
			{Command: "echo first; exit 1"},
			{Command: "echo second; exit 1"},
			{Command: "exit 0"},
		},
	}, nil)

	out := r.Run(context.Background(), KindBeforeToolCall, Payload{ToolName: "demo-tool"})

	if out.Aborted() {
		t.Fatalf("Run() aborted with %+v, want continue", out.Failure)
	}
	want := []string{"first", "second"}
	if len(out.Warnings) != len(want) {
		t.Fatalf("Warnings = %v, want %v", out.Warnings, want)
	}
	for i := range want {
		if out.Warnings[i] != want[i] {
			t.Errorf("Warnings[%d] = %q, want %q", i, out.Warnings[i], want[i])
		}
	}
}

func TestRunPayloadOnStdin(t *testing.T) {
	requireShell(t)

	// grep exits 0 when the payload names the tool, 1 otherwise.
	r := NewRunner(config.HooksConfig{
		BeforeToolCall: []config.HookEntry{
			{Command: `grep -q '"toolName":"filesystem-edit"'`},
		},
	}, nil)

	out := r.Run(context.Background(), KindBeforeToolCall, Payload{
		ToolName:   "filesystem-edit",
		ToolCallID: "call-1",
		Input:      json.RawMessage(`{"filePath":"main.go"}`),
	})

	if out.Aborted() {
		t.Fatalf("Run() aborted with %+v, want continue", out.Failure)
	}
	if len(out.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none (payload should match)", out.Warnings)
	}
}

func TestRunToolFilter(t *testing.T) {
	requireShell(t)

	r := NewRunner(config.HooksConfig{
		BeforeToolCall: []config.HookEntry{
			{Command: "exit 2", Tools: []string{"filesystem-*"}},
		},
	}, nil)

	tests := []struct {
		tool      string
		wantAbort bool
	}{
		{"filesystem-edit", true},
		{"filesystem_edit", true},
		{"FILESYSTEM-EDIT", true},
		{"terminal-execute", false},
		{"", true}, // kinds without a tool run every entry
	}
	for _, tt := range tests {
		out := r.Run(context.Background(), KindBeforeToolCall, Payload{ToolName: tt.tool})
		if out.Aborted() != tt.wantAbort {
			t.Errorf("Run(tool=%q) aborted = %v, want %v", tt.tool, out.Aborted(), tt.wantAbort)
		}
	}
}

func TestRunPromptHooks(t *testing.T) {
	r := NewRunner(config.HooksConfig{
		OnSubAgentComplete: []config.HookEntry{
			{Prompt: &config.PromptHook{Action: "continue"}},
			{Prompt: &config.PromptHook{Action: "inject", Message: "verify the diff compiles"}},
		},
	}, nil)

	out := r.Run(context.Background(), KindOnSubAgentComplete, Payload{AgentID: "spawn-1"})

	if out.Aborted() {
		t.Fatalf("Run() aborted with %+v, want continue", out.Failure)
	}
	if len(out.Injections) != 1 || out.Injections[0] != "verify the diff compiles" {
		t.Errorf("Injections = %v, want [verify the diff compiles]", out.Injections)
	}
}

func TestRunPromptAbort(t *testing.T) {
	r := NewRunner(config.HooksConfig{
		ToolConfirmation: []config.HookEntry{
			{Prompt: &config.PromptHook{Action: "abort", Message: "not on this host"}},
			{Prompt: &config.PromptHook{Action: "inject", Message: "unreachable"}},
		},
	}, nil)

	out := r.Run(context.Background(), KindToolConfirmation, Payload{ToolName: "terminal-execute"})

	if !out.Aborted() {
		t.Fatalf("Run() aborted = false, want true")
	}
	if out.Failure.Output != "not on this host" {
		t.Errorf("Failure.Output = %q, want %q", out.Failure.Output, "not on this host")
	}
	if len(out.Injections) != 0 {
		t.Errorf("Injections = %v, want none after abort", out.Injections)
	}
}

func TestRunTimeout(t *testing.T) {
	requireShell(t)

	r := NewRunner(config.HooksConfig{
		BeforeToolCall: []config.HookEntry{
			{Command: "sleep 5", TimeoutSeconds: 1},
		},
	}, nil)

	out := r.Run(context.Background(), KindBeforeToolCall, Payload{ToolName: "demo-tool"})

	if !out.Aborted() {
		t.Fatalf("Run() aborted = false, want true")
	}
	if !strings.Contains(out.Failure.Error, "timed out") {
		t.Errorf("Failure.Error = %q, want timeout mention", out.Failure.Error)
	}
}

func TestHas(t *testing.T) {
	r := NewRunner(config.HooksConfig{
		BeforeToolCall: []config.HookEntry{{Command: "exit 0"}},
	}, nil)

	if !r.Has(KindBeforeToolCall) {
		t.Errorf("Has(beforeToolCall) = false, want true")
	}
	if r.Has(KindAfterToolCall) {
		t.Errorf("Has(afterToolCall) = true, want false")
	}
}

func TestOutcomeAbortedNil(t *testing.T) {
	var out *Outcome
	if out.Aborted() {
		t.Errorf("nil outcome Aborted() = true, want false")
	}
}

func TestAbortErrorMessage(t *testing.T) {
	err := &AbortError{Failure: &Failure{Command: "lint.sh", ExitCode: 2}}
	if !strings.Contains(err.Error(), "lint.sh") {
		t.Errorf("Error() = %q, want command name", err.Error())
	}

	err = &AbortError{Failure: &Failure{Output: "blocked"}}
	if !strings.Contains(err.Error(), "blocked") {
		t.Errorf("Error() = %q, want prompt output", err.Error())
	}
}

package config

import "fmt"

// HooksConfig registers hook entries by kind. Entries run sequentially
// within a kind.
type HooksConfig struct {
	ToolConfirmation   []HookEntry `json:"toolConfirmation,omitempty" yaml:"toolConfirmation"`
	BeforeToolCall     []HookEntry `json:"beforeToolCall,omitempty" yaml:"beforeToolCall"`
	AfterToolCall      []HookEntry `json:"afterToolCall,omitempty" yaml:"afterToolCall"`
	OnSubAgentComplete []HookEntry `json:"onSubAgentComplete,omitempty" yaml:"onSubAgentComplete"`
}

// HookEntry is one hook: either a shell command whose exit code decides
// policy, or a declarative prompt response.
type HookEntry struct {
	Command string `json:"command,omitempty" yaml:"command"`

	// Tools restricts the entry to matching tool names (glob patterns,
	// underscore and hyphen equivalent). Empty matches every tool.
	Tools []string `json:"tools,omitempty" yaml:"tools"`

	TimeoutSeconds int `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds"`

	Prompt *PromptHook `json:"prompt,omitempty" yaml:"prompt"`
}

// PromptHook is a declarative hook response.
type PromptHook struct {
	// Action is one of continue, inject (send Message back to the model
	// as a user turn), or abort.
	Action  string `json:"action" yaml:"action"`
	Message string `json:"message,omitempty" yaml:"message"`
}

func (h HooksConfig) validate() error {
	for kind, entries := range map[string][]HookEntry{
		"toolConfirmation":   h.ToolConfirmation,
		"beforeToolCall":     h.BeforeToolCall,
		"afterToolCall":      h.AfterToolCall,
		"onSubAgentComplete": h.OnSubAgentComplete,
	} {
		for i, entry := range entries {
			if err := entry.validate(); err != nil {
				return fmt.Errorf("hooks.%s[%d]: %w", kind, i, err)
			}
		}
	}
	return nil
}

func (e HookEntry) validate() error {
	if e.Command == "" && e.Prompt == nil {
		return fmt.Errorf("entry needs a command or a prompt")
	}
	if e.Command != "" && e.Prompt != nil {
		return fmt.Errorf("entry cannot have both a command and a prompt")
	}
	if e.Prompt != nil {
		switch e.Prompt.Action {
		case "continue", "inject", "abort":
		default:
			return fmt.Errorf("prompt action %q is not one of continue, inject, abort", e.Prompt.Action)
		}
	}
	if e.TimeoutSeconds < 0 {
		return fmt.Errorf("timeoutSeconds must not be negative")
	}
	return nil
}

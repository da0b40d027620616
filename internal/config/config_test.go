package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "snowcfg": {
    "requestMethod": "anthropic",
    "advancedModel": "claude-sonnet-4",
    "extra": true
  }
}`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidatesRequestMethod(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "snowcfg": {
    "requestMethod": "grpc",
    "advancedModel": "m"
  }
}`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "requestMethod") {
		t.Fatalf("expected requestMethod error, got %v", err)
	}
}

func TestLoadValidConfig(t *testing.T) {
	// JSON5: comments and trailing commas are accepted.
	path := writeConfig(t, "config.json", `{
  // provider
  "snowcfg": {
    "requestMethod": "chat",
    "baseUrl": "https://api.example.com/v1",
    "apiKey": "sk-test",
    "advancedModel": "gpt-5",
    "maxTokens": 4096,
  },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Snowcfg.RequestMethod != MethodChat {
		t.Errorf("RequestMethod = %q, want %q", cfg.Snowcfg.RequestMethod, MethodChat)
	}
	if cfg.Snowcfg.BasicModel != "gpt-5" {
		t.Errorf("BasicModel = %q, want inherited advanced model", cfg.Snowcfg.BasicModel)
	}
	if cfg.Snowcfg.MaxContextTokens != 128000 {
		t.Errorf("MaxContextTokens = %d, want default 128000", cfg.Snowcfg.MaxContextTokens)
	}
	if cfg.Snowcfg.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want 4096", cfg.Snowcfg.MaxTokens)
	}
	if cfg.Server.Port != 5005 {
		t.Errorf("Server.Port = %d, want default 5005", cfg.Server.Port)
	}
	if !cfg.Configured() {
		t.Errorf("Configured() = false, want true")
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("SNOW_TEST_API_KEY", "sk-from-env")
	path := writeConfig(t, "config.json", `{
  "snowcfg": {
    "requestMethod": "anthropic",
    "advancedModel": "claude-sonnet-4",
    "apiKey": "${SNOW_TEST_API_KEY}"
  }
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Snowcfg.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want expanded env value", cfg.Snowcfg.APIKey)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
snowcfg:
  requestMethod: gemini
  advancedModel: gemini-2.5-pro
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Snowcfg.RequestMethod != MethodGemini {
		t.Errorf("RequestMethod = %q, want %q", cfg.Snowcfg.RequestMethod, MethodGemini)
	}
}

func TestLoadDefaultMissingFile(t *testing.T) {
	paths := &Paths{Home: t.TempDir(), WorkDir: t.TempDir()}

	cfg, err := LoadDefault(paths)
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}
	if cfg.Configured() {
		t.Errorf("Configured() = true for empty config")
	}
	if cfg.Server.Port != 5005 {
		t.Errorf("Server.Port = %d, want default 5005", cfg.Server.Port)
	}
}

func TestModelProfiles(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "snowcfg": {
    "requestMethod": "anthropic",
    "advancedModel": "claude-sonnet-4",
    "apiKey": "sk-main",
    "baseUrl": "https://api.anthropic.com"
  },
  "profiles": {
    "fast": {
      "requestMethod": "anthropic",
      "advancedModel": "claude-haiku-4"
    }
  }
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	base, err := cfg.Model("")
	if err != nil {
		t.Fatalf("Model(\"\") error = %v", err)
	}
	if base.AdvancedModel != "claude-sonnet-4" {
		t.Errorf("base AdvancedModel = %q", base.AdvancedModel)
	}

	fast, err := cfg.Model("fast")
	if err != nil {
		t.Fatalf("Model(fast) error = %v", err)
	}
	if fast.AdvancedModel != "claude-haiku-4" {
		t.Errorf("fast AdvancedModel = %q", fast.AdvancedModel)
	}
	if fast.APIKey != "sk-main" {
		t.Errorf("fast APIKey = %q, want inherited credentials", fast.APIKey)
	}
	if fast.MaxContextTokens != 128000 {
		t.Errorf("fast MaxContextTokens = %d, want defaults applied", fast.MaxContextTokens)
	}

	if _, err := cfg.Model("nope"); err == nil {
		t.Fatalf("expected error for unknown profile")
	}
}

func TestLoadValidatesProfiles(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "snowcfg": {
    "requestMethod": "chat",
    "advancedModel": "gpt-5"
  },
  "profiles": {
    "bad": {
      "requestMethod": "nope",
      "advancedModel": "m"
    }
  }
}`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Fatalf("expected profile name in error, got %v", err)
	}
}

func TestLoadValidatesHooks(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "snowcfg": {
    "requestMethod": "chat",
    "advancedModel": "gpt-5"
  },
  "hooks": {
    "beforeToolCall": [
      {"command": "lint.sh", "prompt": {"action": "abort"}}
    ]
  }
}`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "beforeToolCall") {
		t.Fatalf("expected hook kind in error, got %v", err)
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

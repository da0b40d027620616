package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Paths resolves the on-disk layout for user and project data.
//
// User data lives under ~/.snow (overridable via SNOW_HOME). Project
// data lives under <cwd>/.snow and can shadow user-level files such as
// mcp-config.json.
type Paths struct {
	Home    string
	WorkDir string
}

var projectIDStrip = regexp.MustCompile(`[^a-z0-9]+`)

// NewPaths resolves the data layout for workDir. An empty workDir uses
// the current working directory.
func NewPaths(workDir string) (*Paths, error) {
	if workDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		workDir = cwd
	}
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	home := os.Getenv("SNOW_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, ".snow")
	}

	return &Paths{Home: home, WorkDir: abs}, nil
}

// ProjectID derives a stable identifier for the working directory: the
// sanitized base name plus a short hash of the absolute path, so two
// checkouts named "api" in different places get distinct session trees.
func (p *Paths) ProjectID() string {
	base := strings.ToLower(filepath.Base(p.WorkDir))
	base = projectIDStrip.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "project"
	}
	sum := sha256.Sum256([]byte(p.WorkDir))
	return base + "-" + hex.EncodeToString(sum[:])[:8]
}

// ConfigFile is the main config file (snowcfg section plus profiles).
func (p *Paths) ConfigFile() string { return filepath.Join(p.Home, "config.json") }

// MCPConfigFile is the user-level MCP server registry.
func (p *Paths) MCPConfigFile() string { return filepath.Join(p.Home, "mcp-config.json") }

// ProjectMCPConfigFile is the project-scoped MCP override; entries here
// shadow same-named user-level servers.
func (p *Paths) ProjectMCPConfigFile() string {
	return filepath.Join(p.WorkDir, ".snow", "mcp-config.json")
}

// SystemPromptFile holds the prompt library and active selection.
func (p *Paths) SystemPromptFile() string { return filepath.Join(p.Home, "system-prompt.json") }

// CustomHeadersFile holds named header schemes for provider requests.
func (p *Paths) CustomHeadersFile() string { return filepath.Join(p.Home, "custom-headers.json") }

// LanguageFile holds the preferred response language.
func (p *Paths) LanguageFile() string { return filepath.Join(p.Home, "language.json") }

// SensitiveCommandsFile holds terminal command patterns that always
// require confirmation.
func (p *Paths) SensitiveCommandsFile() string {
	return filepath.Join(p.Home, "sensitive-commands.json")
}

// AgentsFile holds the sub-agent catalog.
func (p *Paths) AgentsFile() string { return filepath.Join(p.Home, "agents.json") }

// SessionsDir is the per-project session directory.
func (p *Paths) SessionsDir() string {
	return filepath.Join(p.Home, "sessions", p.ProjectID())
}

// SnapshotsDir holds content-addressed file snapshots for rollback.
func (p *Paths) SnapshotsDir() string {
	return filepath.Join(p.Home, "snapshots", p.ProjectID())
}

// TodosDir is the per-project todo-list directory, one file per session.
func (p *Paths) TodosDir() string {
	return filepath.Join(p.Home, "todos", p.ProjectID())
}

// UsageDB is the token usage ledger.
func (p *Paths) UsageDB() string { return filepath.Join(p.Home, "usage.db") }

// EnsureHome creates the user data directories.
func (p *Paths) EnsureHome() error {
	for _, dir := range []string{p.Home, p.SessionsDir(), p.SnapshotsDir(), p.TodosDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/snowcoder/snow/internal/config"
)

// projectNotesLimit bounds how much of AGENTS.md is injected.
const projectNotesLimit = 16384

// ContextInfo composes the useful-info message injected as an early
// user turn: working directory, platform, date, and project notes from
// AGENTS.md when the working directory carries one.
type ContextInfo struct {
	workDir string
	now     func() time.Time
}

func NewContextInfo(workDir string) *ContextInfo {
	return &ContextInfo{workDir: workDir, now: time.Now}
}

// Compose returns the useful-info text.
func (c *ContextInfo) Compose() string {
	var b strings.Builder
	b.WriteString("Useful information about the environment:\n")
	fmt.Fprintf(&b, "- Working directory: %s\n", c.workDir)
	fmt.Fprintf(&b, "- Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "- Today's date: %s", c.now().Format("2006-01-02"))
	if notes := c.ProjectNotes(); notes != "" {
		b.WriteString("\n\nProject notes (AGENTS.md):\n")
		b.WriteString(notes)
	}
	return b.String()
}

// ProjectNotes reads AGENTS.md from the working directory. A missing or
// unreadable file means no notes.
func (c *ContextInfo) ProjectNotes() string {
	data, err := os.ReadFile(filepath.Join(c.workDir, "AGENTS.md"))
	if err != nil {
		return ""
	}
	notes := strings.TrimSpace(string(data))
	if len(notes) > projectNotesLimit {
		notes = notes[:projectNotesLimit] + "\n(truncated)"
	}
	return notes
}

// languageDirective renders the session-varying system-prompt tail for
// the configured response language.
func languageDirective(lang *config.Language) string {
	if lang == nil || lang.Name == "" {
		return ""
	}
	return fmt.Sprintf("Always respond in %s unless the user explicitly asks for another language.", lang.Name)
}

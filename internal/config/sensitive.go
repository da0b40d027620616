package config

import "strings"

// SensitiveCommandsFile lists terminal command patterns that always
// require confirmation regardless of prior approvals
// (~/.snow/sensitive-commands.json).
type SensitiveCommandsFile struct {
	// Enabled turns matching off entirely when set to false.
	Enabled  *bool              `json:"enabled,omitempty"`
	Patterns []SensitivePattern `json:"patterns"`
}

// SensitivePattern is one case-insensitive substring pattern.
type SensitivePattern struct {
	Pattern string `json:"pattern"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// defaultSensitivePatterns guard the obviously destructive commands on
// a fresh install.
var defaultSensitivePatterns = []string{
	"rm -rf",
	"rm -fr",
	"sudo ",
	"mkfs",
	"dd if=",
	"shutdown",
	"reboot",
	"chmod 777",
	"git push --force",
	"git push -f",
	"drop table",
	"drop database",
}

// LoadSensitiveCommands reads the pattern file; a missing file yields
// the built-in defaults.
func LoadSensitiveCommands(path string) (*SensitiveCommandsFile, error) {
	f := &SensitiveCommandsFile{}
	found, err := loadJSONFile(path, f)
	if err != nil {
		return nil, err
	}
	if !found {
		for _, p := range defaultSensitivePatterns {
			f.Patterns = append(f.Patterns, SensitivePattern{Pattern: p})
		}
	}
	return f, nil
}

// Save writes the pattern file back atomically.
func (f *SensitiveCommandsFile) Save(path string) error {
	return saveJSONFile(path, f)
}

// Match reports whether command contains any enabled pattern.
func (f *SensitiveCommandsFile) Match(command string) bool {
	if f.Enabled != nil && !*f.Enabled {
		return false
	}
	lowered := strings.ToLower(command)
	for _, p := range f.Patterns {
		if p.Enabled != nil && !*p.Enabled {
			continue
		}
		if p.Pattern == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(p.Pattern)) {
			return true
		}
	}
	return false
}

package config

import "time"

// SystemPromptFile is the prompt library (~/.snow/system-prompt.json).
type SystemPromptFile struct {
	// Active selects the default prompt by ID; a model config's
	// systemPromptId overrides it.
	Active  string         `json:"active"`
	Prompts []SystemPrompt `json:"prompts"`
}

// SystemPrompt is one named prompt in the library.
type SystemPrompt struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// LoadSystemPrompts reads the prompt library; a missing file yields an
// empty library.
func LoadSystemPrompts(path string) (*SystemPromptFile, error) {
	f := &SystemPromptFile{}
	if _, err := loadJSONFile(path, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Save writes the library back atomically.
func (f *SystemPromptFile) Save(path string) error {
	return saveJSONFile(path, f)
}

// Resolve picks the effective prompt: overrideID when set, otherwise
// the active selection. ok is false when neither names a known prompt.
func (f *SystemPromptFile) Resolve(overrideID string) (SystemPrompt, bool) {
	id := overrideID
	if id == "" {
		id = f.Active
	}
	if id == "" {
		return SystemPrompt{}, false
	}
	for _, p := range f.Prompts {
		if p.ID == id {
			return p, true
		}
	}
	return SystemPrompt{}, false
}

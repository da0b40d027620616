package config

import "github.com/snowcoder/snow/pkg/models"

type agentsFile struct {
	Agents []models.AgentDef `json:"agents"`
}

// LoadAgents reads the sub-agent catalog (~/.snow/agents.json). A
// missing file yields the built-in catalog.
func LoadAgents(path string) ([]models.AgentDef, error) {
	var f agentsFile
	found, err := loadJSONFile(path, &f)
	if err != nil {
		return nil, err
	}
	if !found || len(f.Agents) == 0 {
		return DefaultAgents(), nil
	}
	return f.Agents, nil
}

// SaveAgents writes the catalog back atomically.
func SaveAgents(path string, agents []models.AgentDef) error {
	return saveJSONFile(path, agentsFile{Agents: agents})
}

// DefaultAgents is the built-in catalog used when no agents.json
// exists.
func DefaultAgents() []models.AgentDef {
	return []models.AgentDef{
		{
			ID:   "general",
			Name: "General",
			SystemPrompt: "You are a capable coding agent working on a delegated task. " +
				"Work autonomously, use the available tools, and report a concise result.",
			AllowedTools: []string{"*"},
		},
		{
			ID:   "explorer",
			Name: "Explorer",
			SystemPrompt: "You explore and summarize codebases. " +
				"Read and search files but never modify anything.",
			AllowedTools: []string{"filesystem-read*", "filesystem-list*", "filesystem-search*", "todo-*"},
		},
	}
}

// FindAgent looks up an agent definition by ID.
func FindAgent(agents []models.AgentDef, id string) (models.AgentDef, bool) {
	for _, a := range agents {
		if a.ID == id {
			return a, true
		}
	}
	return models.AgentDef{}, false
}

package config

import "fmt"

// Request methods select the provider dialect a model config speaks.
const (
	MethodChat      = "chat"      // OpenAI chat-completions SSE
	MethodResponses = "responses" // OpenAI responses SSE
	MethodGemini    = "gemini"    // Gemini streamGenerateContent
	MethodAnthropic = "anthropic" // Anthropic messages
)

// ModelConfig is one provider configuration (the snowcfg section or a
// named profile). It selects the dialect, models and budgets the engine
// runs with.
type ModelConfig struct {
	BaseURL       string `json:"baseUrl,omitempty" yaml:"baseUrl"`
	APIKey        string `json:"apiKey,omitempty" yaml:"apiKey"`
	RequestMethod string `json:"requestMethod,omitempty" yaml:"requestMethod"`

	// AdvancedModel handles conversation turns; BasicModel handles
	// cheap work such as compaction summaries and connectivity probes.
	AdvancedModel string `json:"advancedModel,omitempty" yaml:"advancedModel"`
	BasicModel    string `json:"basicModel,omitempty" yaml:"basicModel"`

	MaxContextTokens     int `json:"maxContextTokens,omitempty" yaml:"maxContextTokens"`
	MaxTokens            int `json:"maxTokens,omitempty" yaml:"maxTokens"`
	ToolResultTokenLimit int `json:"toolResultTokenLimit,omitempty" yaml:"toolResultTokenLimit"`

	// EditSimilarityThreshold tunes fuzzy matching for filesystem-edit;
	// 0 keeps the built-in default.
	EditSimilarityThreshold float64 `json:"editSimilarityThreshold,omitempty" yaml:"editSimilarityThreshold"`

	AnthropicBeta      string                    `json:"anthropicBeta,omitempty" yaml:"anthropicBeta"`
	AnthropicCacheTTL  string                    `json:"anthropicCacheTTL,omitempty" yaml:"anthropicCacheTTL"`
	Thinking           *ThinkingConfig           `json:"thinking,omitempty" yaml:"thinking"`
	GeminiThinking     *GeminiThinkingConfig     `json:"geminiThinking,omitempty" yaml:"geminiThinking"`
	ResponsesReasoning *ResponsesReasoningConfig `json:"responsesReasoning,omitempty" yaml:"responsesReasoning"`

	EnablePromptOptimization bool `json:"enablePromptOptimization,omitempty" yaml:"enablePromptOptimization"`
	EnableAutoCompress       bool `json:"enableAutoCompress,omitempty" yaml:"enableAutoCompress"`
	ShowThinking             bool `json:"showThinking,omitempty" yaml:"showThinking"`

	// CompactKeepRecent is how many trailing messages survive context
	// compression verbatim.
	CompactKeepRecent int `json:"compactKeepRecent,omitempty" yaml:"compactKeepRecent"`

	// SystemPromptID and CustomHeadersSchemeID override the "active"
	// selections in system-prompt.json and custom-headers.json.
	SystemPromptID        string `json:"systemPromptId,omitempty" yaml:"systemPromptId"`
	CustomHeadersSchemeID string `json:"customHeadersSchemeId,omitempty" yaml:"customHeadersSchemeId"`
}

// ThinkingConfig enables Anthropic extended thinking.
type ThinkingConfig struct {
	Type         string `json:"type,omitempty" yaml:"type"`
	BudgetTokens int    `json:"budgetTokens,omitempty" yaml:"budgetTokens"`
}

// GeminiThinkingConfig enables Gemini thought streaming.
type GeminiThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts,omitempty" yaml:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty" yaml:"thinkingBudget"`
}

// ResponsesReasoningConfig tunes reasoning on the responses dialect.
type ResponsesReasoningConfig struct {
	Effort  string `json:"effort,omitempty" yaml:"effort"`
	Summary string `json:"summary,omitempty" yaml:"summary"`
}

func (m *ModelConfig) validate() error {
	switch m.RequestMethod {
	case MethodChat, MethodResponses, MethodGemini, MethodAnthropic:
	case "":
		return fmt.Errorf("requestMethod is required")
	default:
		return fmt.Errorf("requestMethod %q is not one of chat, responses, gemini, anthropic", m.RequestMethod)
	}
	if m.AdvancedModel == "" {
		return fmt.Errorf("advancedModel is required")
	}
	if m.EditSimilarityThreshold < 0 || m.EditSimilarityThreshold > 1 {
		return fmt.Errorf("editSimilarityThreshold %v must be in [0,1]", m.EditSimilarityThreshold)
	}
	return nil
}

func (m *ModelConfig) applyDefaults() {
	if m.BasicModel == "" {
		m.BasicModel = m.AdvancedModel
	}
	if m.MaxContextTokens == 0 {
		m.MaxContextTokens = 128000
	}
	if m.MaxTokens == 0 {
		m.MaxTokens = 8192
	}
	if m.ToolResultTokenLimit == 0 {
		m.ToolResultTokenLimit = 100000
	}
	if m.EditSimilarityThreshold == 0 {
		m.EditSimilarityThreshold = 0.85
	}
	if m.CompactKeepRecent == 0 {
		m.CompactKeepRecent = 8
	}
}

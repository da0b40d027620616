package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/snowcoder/snow/internal/config"
	"github.com/snowcoder/snow/pkg/models"
)

// GeminiProvider speaks the Gemini streamGenerateContent dialect.
type GeminiProvider struct {
	cfg    config.ModelConfig
	client *genai.Client
	usage  UsageRecorder
	logger *slog.Logger
}

func NewGemini(cfg config.ModelConfig, headers map[string]string, usage UsageRecorder, logger *slog.Logger) (*GeminiProvider, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" || len(headers) > 0 {
		httpHeaders := http.Header{}
		for k, v := range headers {
			httpHeaders.Set(k, v)
		}
		clientCfg.HTTPOptions = genai.HTTPOptions{
			BaseURL: cfg.BaseURL,
			Headers: httpHeaders,
		}
	}

	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{cfg: cfg, client: client, usage: usage, logger: logger}, nil
}

func (p *GeminiProvider) Stream(ctx context.Context, req *Request) (<-chan *StreamChunk, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.AdvancedModel
	}
	contents := p.convertMessages(req.Messages)
	genCfg := p.buildConfig(req)

	chunks := make(chan *StreamChunk)
	go func() {
		defer close(chunks)

		stream := p.client.Models.GenerateContentStream(ctx, model, contents, genCfg)

		usage := models.Usage{Model: model}
		var calls []models.ToolCall
		var thinking strings.Builder
		var signature []byte
		finished := false

		for resp, err := range stream {
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				emit(ctx, chunks, &StreamChunk{Error: classifyGeminiError(err)})
				return
			}
			if resp == nil {
				continue
			}

			if meta := resp.UsageMetadata; meta != nil {
				usage.PromptTokens = int(meta.PromptTokenCount)
				usage.CompletionTokens = int(meta.CandidatesTokenCount) + int(meta.ThoughtsTokenCount)
				usage.CacheReadTokens = int(meta.CachedContentTokenCount)
			}

			for _, candidate := range resp.Candidates {
				if candidate == nil {
					continue
				}
				if candidate.FinishReason != "" {
					finished = true
				}
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if len(part.ThoughtSignature) > 0 && len(signature) == 0 {
						// Captured once, echoed on every later function
						// call in the conversation.
						signature = part.ThoughtSignature
					}
					if part.Text != "" {
						if part.Thought {
							thinking.WriteString(part.Text)
							if !emit(ctx, chunks, &StreamChunk{Kind: ChunkReasoningDelta, Text: part.Text}) {
								return
							}
						} else {
							if !emit(ctx, chunks, &StreamChunk{Kind: ChunkContent, Text: part.Text}) {
								return
							}
						}
					}
					if part.FunctionCall != nil {
						argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
						if jsonErr != nil {
							argsJSON = []byte("{}")
						}
						id := part.FunctionCall.ID
						if id == "" {
							id = generateToolCallID(part.FunctionCall.Name)
						}
						call := models.ToolCall{ID: id, Name: part.FunctionCall.Name, Input: argsJSON}
						calls = append(calls, call)
						if !emit(ctx, chunks, &StreamChunk{Kind: ChunkToolCallDelta, Delta: &ToolCallDelta{
							Index:     len(calls) - 1,
							ID:        id,
							Name:      call.Name,
							Arguments: string(argsJSON),
						}}) {
							return
						}
					}
				}
			}
		}

		if !finished {
			emit(ctx, chunks, &StreamChunk{Error: NewTruncatedError("stream ended without finish reason")})
			return
		}
		if len(calls) > 0 {
			if !emit(ctx, chunks, &StreamChunk{Kind: ChunkToolCalls, ToolCalls: calls}) {
				return
			}
		}
		if p.usage != nil {
			p.usage.Record(usage)
		}
		if !emit(ctx, chunks, &StreamChunk{Kind: ChunkUsage, Usage: &usage}) {
			return
		}
		emit(ctx, chunks, &StreamChunk{
			Kind:      ChunkDone,
			Thinking:  thinking.String(),
			Signature: base64.StdEncoding.EncodeToString(signature),
		})
	}()

	return chunks, nil
}

func (p *GeminiProvider) buildConfig(req *Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if system := req.CombinedSystem(); system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(min(maxTokens, 1<<30))
	}

	if len(req.Tools) > 0 {
		cfg.Tools = convertGeminiTools(req.Tools)
	}

	if t := p.cfg.GeminiThinking; t != nil {
		thinkingCfg := &genai.ThinkingConfig{IncludeThoughts: t.IncludeThoughts}
		if t.ThinkingBudget > 0 {
			thinkingCfg.ThinkingBudget = genai.Ptr(int32(t.ThinkingBudget))
		}
		cfg.ThinkingConfig = thinkingCfg
	}

	return cfg
}

// convertMessages maps to Gemini contents: model vs user roles, tool
// responses as functionResponse user turns, and the captured
// thoughtSignature echoed on assistant function calls.
func (p *GeminiProvider) convertMessages(messages []models.Message) []*genai.Content {
	var result []*genai.Content

	for _, msg := range messages {
		// System text travels in SystemInstruction.
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if msg.Role == models.RoleTool {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     toolNameForCallID(msg.ToolCallID, messages),
					Response: normalizeFunctionResponse(msg.Content),
				},
			})
			result = append(result, content)
			continue
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, att := range msg.Attachments {
			if att.Type == "image" || strings.HasPrefix(att.MimeType, "image/") {
				content.Parts = append(content.Parts, &genai.Part{
					InlineData: &genai.Blob{Data: att.Data, MIMEType: att.MimeType},
				})
			}
		}

		var signature []byte
		if msg.ThinkingSignature != "" {
			if decoded, err := base64.StdEncoding.DecodeString(msg.ThinkingSignature); err == nil {
				signature = decoded
			}
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = map[string]any{}
			}
			part := &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
			}
			part.ThoughtSignature = signature
			content.Parts = append(content.Parts, part)
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result
}

// normalizeFunctionResponse makes the response an object the API will
// accept. Tool results are strings that may themselves be JSON, or
// double-encoded JSON; parse up to two passes and keep an object as-is,
// otherwise wrap the original content.
func normalizeFunctionResponse(content string) map[string]any {
	payload := content
	for range 2 {
		var decoded any
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			break
		}
		switch v := decoded.(type) {
		case map[string]any:
			return v
		case string:
			payload = v
			continue
		}
		break
	}
	return map[string]any{
		"content":    content,
		"_timestamp": time.Now().UnixMilli(),
	}
}

func convertGeminiTools(tools []ToolDef) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

// generateToolCallID fills in IDs for dialects that omit them.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

func toolNameForCallID(toolCallID string, messages []models.Message) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	parts := strings.Split(toolCallID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return toolCallID
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:    ErrorProvider,
			Status:  apiErr.Code,
			Message: apiErr.Message,
			Cause:   err,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewTransportError(err)
}

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/snowcoder/snow/internal/config"
	"github.com/snowcoder/snow/pkg/models"
)

// maxEmptyStreamEvents bounds consecutive events that produce no output
// before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// AnthropicProvider speaks the Anthropic messages dialect.
type AnthropicProvider struct {
	cfg    config.ModelConfig
	client anthropic.Client
	usage  UsageRecorder
	logger *slog.Logger
}

func NewAnthropic(cfg config.ModelConfig, headers map[string]string, usage UsageRecorder, logger *slog.Logger) *AnthropicProvider {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.AnthropicBeta != "" {
		options = append(options, option.WithHeader("anthropic-beta", cfg.AnthropicBeta))
	}
	for k, v := range headers {
		options = append(options, option.WithHeader(k, v))
	}
	return &AnthropicProvider{
		cfg:    cfg,
		client: anthropic.NewClient(options...),
		usage:  usage,
		logger: logger,
	}
}

func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan *StreamChunk, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, &Error{Kind: ErrorProtocol, Message: err.Error(), Cause: err}
	}

	model := req.Model
	if model == "" {
		model = p.cfg.AdvancedModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	params.System = p.systemBlocks(req)
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, &Error{Kind: ErrorProtocol, Message: err.Error(), Cause: err}
		}
		params.Tools = tools
	}
	if t := p.cfg.Thinking; t != nil && t.Type == "enabled" {
		budgetTokens := int64(t.BudgetTokens)
		if budgetTokens < 1024 {
			budgetTokens = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budgetTokens)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan *StreamChunk)
	go p.processStream(ctx, stream, model, chunks)
	return chunks, nil
}

// systemBlocks splits the system prompt into a static block and a
// recent block, each its own cache breakpoint, so session-varying text
// does not invalidate the cached static prefix.
func (p *AnthropicProvider) systemBlocks(req *Request) []anthropic.TextBlockParam {
	cacheControl := anthropic.NewCacheControlEphemeralParam()
	if p.cfg.AnthropicCacheTTL != "" {
		cacheControl.TTL = anthropic.CacheControlEphemeralTTL(p.cfg.AnthropicCacheTTL)
	}

	var blocks []anthropic.TextBlockParam
	if req.System != "" {
		blocks = append(blocks, anthropic.TextBlockParam{
			Type:         "text",
			Text:         req.System,
			CacheControl: cacheControl,
		})
	}
	if req.SystemRecent != "" {
		blocks = append(blocks, anthropic.TextBlockParam{
			Type:         "text",
			Text:         req.SystemRecent,
			CacheControl: cacheControl,
		})
	}
	return blocks
}

func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string, chunks chan<- *StreamChunk) {
	defer close(chunks)
	defer stream.Close()

	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	var calls []models.ToolCall
	var thinking strings.Builder
	var signature strings.Builder
	toolIndex := 0
	emptyEventCount := 0
	usage := models.Usage{Model: model}

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			usage.PromptTokens = int(messageStart.Message.Usage.InputTokens)
			usage.CacheCreationTokens = int(messageStart.Message.Usage.CacheCreationInputTokens)
			usage.CacheReadTokens = int(messageStart.Message.Usage.CacheReadInputTokens)
			eventProcessed = true

		case "content_block_start":
			contentBlockStart := event.AsContentBlockStart()
			contentBlock := contentBlockStart.ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				if !emit(ctx, chunks, &StreamChunk{Kind: ChunkToolCallDelta, Delta: &ToolCallDelta{
					Index: toolIndex,
					ID:    toolUse.ID,
					Name:  toolUse.Name,
				}}) {
					return
				}
				eventProcessed = true
			}

		case "content_block_delta":
			contentBlockDelta := event.AsContentBlockDelta()
			delta := contentBlockDelta.Delta

			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !emit(ctx, chunks, &StreamChunk{Kind: ChunkContent, Text: delta.Text}) {
						return
					}
					eventProcessed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinking.WriteString(delta.Thinking)
					if !emit(ctx, chunks, &StreamChunk{Kind: ChunkReasoningDelta, Text: delta.Thinking}) {
						return
					}
					eventProcessed = true
				}
			case "signature_delta":
				if delta.Signature != "" {
					signature.WriteString(delta.Signature)
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					if !emit(ctx, chunks, &StreamChunk{Kind: ChunkToolCallDelta, Delta: &ToolCallDelta{
						Index:     toolIndex,
						Arguments: delta.PartialJSON,
					}}) {
						return
					}
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				fixed, ok := fixToolCallJSON(currentToolInput.String())
				if !ok {
					emit(ctx, chunks, &StreamChunk{Error: &Error{
						Kind:    ErrorProtocol,
						Message: "malformed tool call arguments for " + currentToolCall.Name,
					}})
					return
				}
				currentToolCall.Input = json.RawMessage(fixed)
				calls = append(calls, *currentToolCall)
				currentToolCall = nil
				toolIndex++
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(messageDelta.Usage.OutputTokens)
			}
			eventProcessed = true

		case "message_stop":
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
				Signature: signature.String(),
			})
			return

		case "error":
			emit(ctx, chunks, &StreamChunk{Error: &Error{
				Kind:    ErrorProvider,
				Message: "anthropic stream error",
			}})
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				emit(ctx, chunks, &StreamChunk{Error: NewTruncatedError("stream flooded with empty events")})
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		emit(ctx, chunks, &StreamChunk{Error: classifyAnthropicError(err)})
		return
	}
	// Iteration ended without message_stop: the socket closed early.
	emit(ctx, chunks, &StreamChunk{Error: NewTruncatedError("stream ended without message_stop")})
}

func (p *AnthropicProvider) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			// System text travels in params.System.
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		// Thinking blocks flow inline ahead of tool use; the API
		// rejects unsigned blocks, so skip when no signature was
		// captured.
		if msg.Role == models.RoleAssistant && msg.Thinking != "" && msg.ThinkingSignature != "" {
			content = append(content, anthropic.ContentBlockParamUnion{
				OfThinking: &anthropic.ThinkingBlockParam{
					Thinking:  msg.Thinking,
					Signature: msg.ThinkingSignature,
				},
			})
		}

		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			for _, att := range msg.Attachments {
				if block := imageBlockFromAttachment(att); block != nil {
					content = append(content, *block)
				}
			}
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, att := range msg.Attachments {
			if block := imageBlockFromAttachment(att); block != nil {
				content = append(content, *block)
			}
		}
		for _, toolCall := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(toolCall.Input, &input); err != nil {
				return nil, errors.New("invalid tool call input for " + toolCall.Name)
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, toolCall.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func imageBlockFromAttachment(att models.Attachment) *anthropic.ContentBlockParamUnion {
	if att.Type != "image" && !strings.HasPrefix(att.MimeType, "image/") {
		return nil
	}
	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = "image/png"
	}
	block := anthropic.NewImageBlockBase64(mimeType, base64Encode(att.Data))
	return &block
}

func convertAnthropicTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, errors.New("invalid tool schema for " + tool.Name)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, errors.New("invalid tool schema for " + tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:    ErrorProvider,
			Status:  apiErr.StatusCode,
			Message: apiErr.Error(),
			Cause:   err,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewTransportError(err)
}

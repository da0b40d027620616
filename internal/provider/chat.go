package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/snowcoder/snow/internal/config"
	"github.com/snowcoder/snow/pkg/models"
)

// ChatProvider speaks the OpenAI chat-completions dialect against
// {baseUrl}/chat/completions.
type ChatProvider struct {
	cfg    config.ModelConfig
	client *openai.Client
	usage  UsageRecorder
	logger *slog.Logger
}

// NewChat builds the chat adapter. headers come from the active custom
// header scheme and ride on every request.
func NewChat(cfg config.ModelConfig, headers map[string]string, usage UsageRecorder, logger *slog.Logger) *ChatProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = newHTTPClient(headers)
	return &ChatProvider{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
		usage:  usage,
		logger: logger,
	}
}

func (p *ChatProvider) Stream(ctx context.Context, req *Request) (<-chan *StreamChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req),
		Messages: p.convertMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if max := p.maxTokens(req); max > 0 {
		chatReq.MaxTokens = max
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertChatTools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	chunks := make(chan *StreamChunk)
	go p.processStream(ctx, stream, chatReq.Model, chunks)
	return chunks, nil
}

func (p *ChatProvider) model(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.cfg.AdvancedModel
}

func (p *ChatProvider) maxTokens(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return p.cfg.MaxTokens
}

func (p *ChatProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, model string, chunks chan<- *StreamChunk) {
	defer close(chunks)
	defer stream.Close()

	// Tool calls accumulate across chunks keyed by delta index.
	pending := make(map[int]*models.ToolCall)
	order := []int{}
	var reasoning []byte
	finishReason := ""
	flushed := false

	flush := func() bool {
		if flushed || len(pending) == 0 {
			return true
		}
		flushed = true
		calls := make([]models.ToolCall, 0, len(pending))
		for _, idx := range order {
			call := pending[idx]
			fixed, ok := fixToolCallJSON(string(call.Input))
			if !ok {
				emit(ctx, chunks, &StreamChunk{Error: &Error{
					Kind:    ErrorProtocol,
					Message: "malformed tool call arguments for " + call.Name,
				}})
				return false
			}
			call.Input = json.RawMessage(fixed)
			calls = append(calls, *call)
		}
		return emit(ctx, chunks, &StreamChunk{Kind: ChunkToolCalls, ToolCalls: calls})
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if finishReason == "" {
					emit(ctx, chunks, &StreamChunk{Error: NewTruncatedError("stream ended without finish_reason")})
					return
				}
				if !flush() {
					return
				}
				emit(ctx, chunks, &StreamChunk{Kind: ChunkDone, Thinking: string(reasoning)})
				return
			}
			emit(ctx, chunks, &StreamChunk{Error: classifyOpenAIError(err)})
			return
		}

		if response.Usage != nil {
			usage := &models.Usage{
				Model:            model,
				PromptTokens:     response.Usage.PromptTokens,
				CompletionTokens: response.Usage.CompletionTokens,
			}
			if details := response.Usage.PromptTokensDetails; details != nil {
				usage.CacheReadTokens = details.CachedTokens
			}
			if p.usage != nil {
				p.usage.Record(*usage)
			}
			if !emit(ctx, chunks, &StreamChunk{Kind: ChunkUsage, Usage: usage}) {
				return
			}
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !emit(ctx, chunks, &StreamChunk{Kind: ChunkContent, Text: delta.Content}) {
				return
			}
		}
		if delta.ReasoningContent != "" {
			reasoning = append(reasoning, delta.ReasoningContent...)
			if !emit(ctx, chunks, &StreamChunk{Kind: ChunkReasoningDelta, Text: delta.ReasoningContent}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call, ok := pending[index]
			if !ok {
				call = &models.ToolCall{}
				pending[index] = call
				order = append(order, index)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Input = append(call.Input, tc.Function.Arguments...)
			}
			if !emit(ctx, chunks, &StreamChunk{Kind: ChunkToolCallDelta, Delta: &ToolCallDelta{
				Index:     index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}}) {
				return
			}
		}

		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
			if finishReason == string(openai.FinishReasonToolCalls) {
				if !flush() {
					return
				}
			}
		}
	}
}

func (p *ChatProvider) convertMessages(req *Request) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if system := req.CombinedSystem(); system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case models.RoleUser:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
			if len(msg.Attachments) > 0 {
				parts := make([]openai.ChatMessagePart, 0, len(msg.Attachments)+1)
				if msg.Content != "" {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: msg.Content,
					})
				}
				for _, att := range msg.Attachments {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL(att.MimeType, att.Data),
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
				oaiMsg.MultiContent = parts
			} else {
				oaiMsg.Content = msg.Content
			}
			result = append(result, oaiMsg)

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return result
}

func convertChatTools(tools []ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}
	}
	return result
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:    ErrorProvider,
			Status:  apiErr.HTTPStatusCode,
			Message: apiErr.Message,
			Cause:   err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{
			Kind:    ErrorProvider,
			Status:  reqErr.HTTPStatusCode,
			Message: reqErr.Error(),
			Cause:   err,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewTransportError(err)
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/snowcoder/snow/internal/config"
	"github.com/snowcoder/snow/pkg/models"
)

// ResponsesProvider speaks the OpenAI responses dialect against
// {baseUrl}/responses. Unlike the chat dialect it carries a
// prompt_cache_key and a reasoning-effort knob.
type ResponsesProvider struct {
	cfg     config.ModelConfig
	headers map[string]string
	client  *http.Client
	usage   UsageRecorder
	logger  *slog.Logger
}

func NewResponses(cfg config.ModelConfig, headers map[string]string, usage UsageRecorder, logger *slog.Logger) *ResponsesProvider {
	return &ResponsesProvider{
		cfg:     cfg,
		headers: headers,
		client:  &http.Client{},
		usage:   usage,
		logger:  logger,
	}
}

type responsesRequest struct {
	Model           string           `json:"model"`
	Instructions    string           `json:"instructions,omitempty"`
	Input           []map[string]any `json:"input"`
	Tools           []map[string]any `json:"tools,omitempty"`
	MaxOutputTokens int              `json:"max_output_tokens,omitempty"`
	Stream          bool             `json:"stream"`
	PromptCacheKey  string           `json:"prompt_cache_key,omitempty"`
	Reasoning       map[string]any   `json:"reasoning,omitempty"`
}

type responsesEvent struct {
	Type        string `json:"type"`
	Delta       string `json:"delta"`
	OutputIndex int    `json:"output_index"`
	Item        struct {
		Type      string `json:"type"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item"`
	Response struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Usage *struct {
			InputTokens        int `json:"input_tokens"`
			OutputTokens       int `json:"output_tokens"`
			InputTokensDetails struct {
				CachedTokens int `json:"cached_tokens"`
			} `json:"input_tokens_details"`
		} `json:"usage"`
	} `json:"response"`
}

func (p *ResponsesProvider) Stream(ctx context.Context, req *Request) (<-chan *StreamChunk, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.AdvancedModel
	}
	body := responsesRequest{
		Model:          model,
		Instructions:   req.CombinedSystem(),
		Input:          p.convertMessages(req.Messages),
		Stream:         true,
		PromptCacheKey: req.CacheKey,
	}
	if max := req.MaxTokens; max > 0 {
		body.MaxOutputTokens = max
	} else if p.cfg.MaxTokens > 0 {
		body.MaxOutputTokens = p.cfg.MaxTokens
	}
	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, map[string]any{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  tool.Parameters,
		})
	}
	if r := p.cfg.ResponsesReasoning; r != nil {
		reasoning := map[string]any{}
		if r.Effort != "" {
			reasoning["effort"] = r.Effort
		}
		if r.Summary != "" {
			reasoning["summary"] = r.Summary
		}
		if len(reasoning) > 0 {
			body.Reasoning = reasoning
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/responses"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		statusErr := NewStatusError(resp.StatusCode, strings.TrimSpace(string(detail)))
		statusErr.RetryAfter = retryAfter(resp.Header)
		return nil, statusErr
	}

	chunks := make(chan *StreamChunk)
	go p.processStream(ctx, resp.Body, model, chunks)
	return chunks, nil
}

func (p *ResponsesProvider) processStream(ctx context.Context, body io.ReadCloser, model string, chunks chan<- *StreamChunk) {
	defer close(chunks)
	defer body.Close()

	reader := newSSEReader(body)
	pending := map[int]*models.ToolCall{}
	order := []int{}
	var reasoning strings.Builder
	completed := false

	for {
		event, err := reader.Next()
		if err != nil {
			if err == io.EOF && completed {
				return
			}
			if err == io.EOF || reader.Truncated() {
				emit(ctx, chunks, &StreamChunk{Error: NewTruncatedError("stream ended before response.completed")})
				return
			}
			emit(ctx, chunks, &StreamChunk{Error: NewTransportError(err)})
			return
		}
		if event.Data == "" || event.Data == "[DONE]" {
			continue
		}

		var ev responsesEvent
		if err := json.Unmarshal([]byte(event.Data), &ev); err != nil {
			emit(ctx, chunks, &StreamChunk{Error: NewTruncatedError("malformed stream payload")})
			return
		}

		switch ev.Type {
		case "response.output_text.delta":
			if ev.Delta != "" {
				if !emit(ctx, chunks, &StreamChunk{Kind: ChunkContent, Text: ev.Delta}) {
					return
				}
			}

		case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
			if ev.Delta != "" {
				reasoning.WriteString(ev.Delta)
				if !emit(ctx, chunks, &StreamChunk{Kind: ChunkReasoningDelta, Text: ev.Delta}) {
					return
				}
			}

		case "response.output_item.added":
			if ev.Item.Type != "function_call" {
				continue
			}
			pending[ev.OutputIndex] = &models.ToolCall{ID: ev.Item.CallID, Name: ev.Item.Name}
			order = append(order, ev.OutputIndex)
			if !emit(ctx, chunks, &StreamChunk{Kind: ChunkToolCallDelta, Delta: &ToolCallDelta{
				Index: ev.OutputIndex,
				ID:    ev.Item.CallID,
				Name:  ev.Item.Name,
			}}) {
				return
			}

		case "response.function_call_arguments.delta":
			call, ok := pending[ev.OutputIndex]
			if !ok {
				continue
			}
			call.Input = append(call.Input, ev.Delta...)
			if !emit(ctx, chunks, &StreamChunk{Kind: ChunkToolCallDelta, Delta: &ToolCallDelta{
				Index:     ev.OutputIndex,
				Arguments: ev.Delta,
			}}) {
				return
			}

		case "response.output_item.done":
			if ev.Item.Type != "function_call" {
				continue
			}
			// The done item carries authoritative arguments.
			if call, ok := pending[ev.OutputIndex]; ok && ev.Item.Arguments != "" {
				call.Input = json.RawMessage(ev.Item.Arguments)
			}

		case "response.completed":
			completed = true
			if len(pending) > 0 {
				calls := make([]models.ToolCall, 0, len(pending))
				for _, idx := range order {
					call := pending[idx]
					fixed, ok := fixToolCallJSON(string(call.Input))
					if !ok {
						emit(ctx, chunks, &StreamChunk{Error: &Error{
							Kind:    ErrorProtocol,
							Message: "malformed tool call arguments for " + call.Name,
						}})
						return
					}
					call.Input = json.RawMessage(fixed)
					calls = append(calls, *call)
				}
				if !emit(ctx, chunks, &StreamChunk{Kind: ChunkToolCalls, ToolCalls: calls}) {
					return
				}
			}
			if u := ev.Response.Usage; u != nil {
				usage := &models.Usage{
					Model:            model,
					PromptTokens:     u.InputTokens,
					CompletionTokens: u.OutputTokens,
					CacheReadTokens:  u.InputTokensDetails.CachedTokens,
				}
				if p.usage != nil {
					p.usage.Record(*usage)
				}
				if !emit(ctx, chunks, &StreamChunk{Kind: ChunkUsage, Usage: usage}) {
					return
				}
			}
			if !emit(ctx, chunks, &StreamChunk{Kind: ChunkDone, Thinking: reasoning.String()}) {
				return
			}

		case "response.failed", "error":
			message := "response failed"
			if ev.Response.Error != nil {
				message = ev.Response.Error.Message
			}
			emit(ctx, chunks, &StreamChunk{Error: &Error{Kind: ErrorProvider, Message: message}})
			return
		}
	}
}

// convertMessages translates to responses input items: message items
// with typed content parts, function_call items, and
// function_call_output items.
func (p *ResponsesProvider) convertMessages(msgs []models.Message) []map[string]any {
	items := make([]map[string]any, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			items = append(items, map[string]any{
				"role":    "system",
				"content": []map[string]any{{"type": "input_text", "text": msg.Content}},
			})

		case models.RoleUser:
			content := []map[string]any{}
			if msg.Content != "" {
				content = append(content, map[string]any{"type": "input_text", "text": msg.Content})
			}
			for _, att := range msg.Attachments {
				content = append(content, map[string]any{
					"type":      "input_image",
					"image_url": dataURL(att.MimeType, att.Data),
				})
			}
			items = append(items, map[string]any{"role": "user", "content": content})

		case models.RoleAssistant:
			if msg.Content != "" {
				items = append(items, map[string]any{
					"role":    "assistant",
					"content": []map[string]any{{"type": "output_text", "text": msg.Content}},
				})
			}
			for _, call := range msg.ToolCalls {
				items = append(items, map[string]any{
					"type":      "function_call",
					"call_id":   call.ID,
					"name":      call.Name,
					"arguments": string(call.Input),
				})
			}

		case models.RoleTool:
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": msg.ToolCallID,
				"output":  msg.Content,
			})
		}
	}
	return items
}

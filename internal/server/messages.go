package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"strings"
	"sync"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/santhosh-tekuri/jsonschema/v5"
	_ "golang.org/x/image/webp"
)

// inboundMessage is the union of every message type a client can post
// to /message or send over the websocket. Which fields are required
// depends on the type; the schemas below enforce that per type.
type inboundMessage struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId,omitempty"`
	RequestID    string `json:"requestId,omitempty"`
	Content      string `json:"content,omitempty"`
	MessageIndex int    `json:"messageIndex,omitempty"`
	AgentID      string `json:"agentId,omitempty"`
	Decision     string `json:"decision,omitempty"`
	Reply        string `json:"reply,omitempty"`
	Answer       string `json:"answer,omitempty"`
	Data         string `json:"data,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
	Name         string `json:"name,omitempty"`
}

const inboundBaseSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "enum": ["chat", "abort", "rollback", "switch_agent", "tool_confirmation_response", "user_question_response", "image"]
    }
  }
}`

const chatMessageSchema = `{
  "type": "object",
  "required": ["sessionId", "content"],
  "properties": {
    "sessionId": {"type": "string", "minLength": 1},
    "content": {"type": "string", "minLength": 1}
  }
}`

const abortMessageSchema = `{
  "type": "object",
  "required": ["sessionId"],
  "properties": {
    "sessionId": {"type": "string", "minLength": 1}
  }
}`

const rollbackMessageSchema = `{
  "type": "object",
  "required": ["sessionId", "messageIndex"],
  "properties": {
    "sessionId": {"type": "string", "minLength": 1},
    "messageIndex": {"type": "integer", "minimum": 0}
  }
}`

const switchAgentMessageSchema = `{
  "type": "object",
  "required": ["sessionId", "agentId"],
  "properties": {
    "sessionId": {"type": "string", "minLength": 1},
    "agentId": {"type": "string", "minLength": 1}
  }
}`

const confirmationResponseSchema = `{
  "type": "object",
  "required": ["requestId", "decision"],
  "properties": {
    "requestId": {"type": "string", "minLength": 1},
    "decision": {"enum": ["approve", "approve_always", "reject", "reject_with_reply"]},
    "reply": {"type": "string"}
  }
}`

const questionResponseSchema = `{
  "type": "object",
  "required": ["requestId", "answer"],
  "properties": {
    "requestId": {"type": "string", "minLength": 1},
    "answer": {"type": "string", "minLength": 1}
  }
}`

const imageMessageSchema = `{
  "type": "object",
  "required": ["sessionId", "data", "mimeType"],
  "properties": {
    "sessionId": {"type": "string", "minLength": 1},
    "data": {"type": "string", "minLength": 1},
    "mimeType": {"type": "string", "pattern": "^image/"},
    "name": {"type": "string"}
  }
}`

type inboundSchemaRegistry struct {
	once    sync.Once
	initErr error
	base    *jsonschema.Schema
	byType  map[string]*jsonschema.Schema
}

var inboundSchemas inboundSchemaRegistry

func (r *inboundSchemaRegistry) init() error {
	r.once.Do(func() {
		compile := func(name, source string) *jsonschema.Schema {
			if r.initErr != nil {
				return nil
			}
			schema, err := jsonschema.CompileString(name, source)
			if err != nil {
				r.initErr = fmt.Errorf("compile %s: %w", name, err)
				return nil
			}
			return schema
		}
		r.base = compile("inbound.json", inboundBaseSchema)
		r.byType = map[string]*jsonschema.Schema{
			"chat":                       compile("chat.json", chatMessageSchema),
			"abort":                      compile("abort.json", abortMessageSchema),
			"rollback":                   compile("rollback.json", rollbackMessageSchema),
			"switch_agent":               compile("switch_agent.json", switchAgentMessageSchema),
			"tool_confirmation_response": compile("tool_confirmation_response.json", confirmationResponseSchema),
			"user_question_response":     compile("user_question_response.json", questionResponseSchema),
			"image":                      compile("image.json", imageMessageSchema),
		}
	})
	return r.initErr
}

// parseInbound validates one raw client message against the base schema
// and the per-type schema, then unmarshals it.
func parseInbound(raw []byte) (*inboundMessage, error) {
	if err := inboundSchemas.init(); err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if err := inboundSchemas.base.Validate(payload); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if schema, ok := inboundSchemas.byType[msg.Type]; ok && schema != nil {
		if err := schema.Validate(payload); err != nil {
			return nil, fmt.Errorf("invalid %s message: %w", msg.Type, err)
		}
	}
	return &msg, nil
}

const (
	maxImageBytes = 10 << 20
	maxImageSide  = 8000
)

// decodeImage decodes a base64 image payload and checks it is a real,
// reasonably sized image before it reaches a provider. Data URL
// prefixes are tolerated.
func decodeImage(encoded string) ([]byte, error) {
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.Index(encoded, ","); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("image data is not valid base64: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image is %d bytes, limit is %d", len(data), maxImageBytes)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unreadable image data: %w", err)
	}
	if cfg.Width > maxImageSide || cfg.Height > maxImageSide {
		return nil, fmt.Errorf("image dimensions %dx%d exceed the %d pixel limit", cfg.Width, cfg.Height, maxImageSide)
	}
	return data, nil
}

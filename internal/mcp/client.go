package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/snowcoder/snow/pkg/models"
)

const (
	clientName      = "snow"
	clientVersion   = "0.1.0"
	protocolVersion = "2024-11-05"

	// initTimeout bounds connect + initialize for pooled clients.
	initTimeout = 30 * time.Second
)

// Client is one persistent connection to an external MCP service.
type Client struct {
	name      string
	cfg       ServerConfig
	mc        *mcpclient.Client
	transport string
	logger    *slog.Logger

	mu        sync.Mutex
	watchdogs map[int]func()
	nextWatch int
	closed    bool
}

// Connect negotiates a transport and initializes the session. Services
// with a command use stdio; services with a URL try streamable HTTP
// first and fall back to legacy SSE.
func Connect(ctx context.Context, name string, cfg ServerConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:      name,
		cfg:       cfg,
		logger:    logger.With("component", "mcp", "service", name),
		watchdogs: map[int]func(){},
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if cfg.Command != "" {
		if err := c.connectStdio(initCtx); err != nil {
			return nil, err
		}
	} else {
		if err := c.connectHTTP(initCtx); err != nil {
			return nil, err
		}
	}

	// One notification handler for the connection lifetime; progress
	// notifications reset every active call watchdog on this service.
	c.mc.OnNotification(func(n mcp.JSONRPCNotification) {
		if n.Method != "notifications/progress" {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, reset := range c.watchdogs {
			reset()
		}
	})

	c.logger.Info("mcp service connected", "transport", c.transport)
	return c, nil
}

func (c *Client) connectStdio(ctx context.Context) error {
	mc, err := mcpclient.NewStdioMCPClient(c.cfg.Command, mergedEnv(c.cfg.Env), c.cfg.Args...)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", c.cfg.Command, err)
	}
	if err := c.start(ctx, mc); err != nil {
		mc.Close()
		return err
	}
	c.mc = mc
	c.transport = "stdio"
	return nil
}

func (c *Client) connectHTTP(ctx context.Context) error {
	url := ExpandEnvRefs(c.cfg.URL, c.cfg.Env)
	headers := authHeaders(c.cfg.Env)
	for k, v := range c.cfg.Headers {
		headers[k] = ExpandEnvRefs(v, c.cfg.Env)
	}

	mc, err := mcpclient.NewStreamableHttpClient(url, transport.WithHTTPHeaders(headers))
	if err == nil {
		if startErr := c.start(ctx, mc); startErr == nil {
			c.mc = mc
			c.transport = "http"
			return nil
		} else {
			err = startErr
			mc.Close()
		}
	}
	c.logger.Debug("streamable http failed, trying legacy sse", "error", err)

	sse, sseErr := mcpclient.NewSSEMCPClient(url, transport.WithHeaders(headers))
	if sseErr != nil {
		return fmt.Errorf("connect %s: %w", url, sseErr)
	}
	if startErr := c.start(ctx, sse); startErr != nil {
		sse.Close()
		return fmt.Errorf("connect %s: streamable http: %v; sse: %w", url, err, startErr)
	}
	c.mc = sse
	c.transport = "sse"
	return nil
}

func (c *Client) start(ctx context.Context, mc *mcpclient.Client) error {
	if err := mc.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := mc.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

// ToolInfo is one advertised tool of a service.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ListTools fetches the service's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	resp, err := c.mc.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", c.name, err)
	}
	tools := make([]ToolInfo, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// ToolOutput is a normalized tool result: multimodal content split
// into text plus image attachments.
type ToolOutput struct {
	Text    string
	Images  []models.Attachment
	IsError bool
}

// CallTool invokes one operation. The call is bounded by the service's
// timeout; with resetOnProgress the deadline extends every time the
// server reports progress, so long-running tools streaming partial
// results don't spuriously time out.
func (c *Client) CallTool(ctx context.Context, operation string, args map[string]any, resetOnProgress bool) (*ToolOutput, error) {
	timeout := c.cfg.CallTimeout()
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := time.AfterFunc(timeout, cancel)
	defer timer.Stop()
	if resetOnProgress {
		id := c.addWatchdog(func() { timer.Reset(timeout) })
		defer c.removeWatchdog(id)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = operation
	req.Params.Arguments = args

	resp, err := c.mc.CallTool(callCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if callCtx.Err() != nil {
			return nil, fmt.Errorf("mcp call %s/%s timed out after %s", c.name, operation, timeout)
		}
		return nil, fmt.Errorf("mcp call %s/%s: %w", c.name, operation, err)
	}
	return normalizeResult(resp), nil
}

func (c *Client) addWatchdog(reset func()) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextWatch++
	c.watchdogs[c.nextWatch] = reset
	return c.nextWatch
}

func (c *Client) removeWatchdog(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watchdogs, id)
}

// Close terminates the connection. Safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.mc.Close()
}

// normalizeResult splits multimodal content into text plus images.
func normalizeResult(resp *mcp.CallToolResult) *ToolOutput {
	out := &ToolOutput{IsError: resp.IsError}
	var texts []string
	for _, content := range resp.Content {
		switch part := content.(type) {
		case mcp.TextContent:
			texts = append(texts, part.Text)
		case mcp.ImageContent:
			data, err := base64.StdEncoding.DecodeString(part.Data)
			if err != nil {
				texts = append(texts, "[unreadable image part]")
				continue
			}
			out.Images = append(out.Images, models.Attachment{
				Type:     "image",
				Data:     data,
				MimeType: part.MIMEType,
			})
		case mcp.EmbeddedResource:
			if text, ok := part.Resource.(mcp.TextResourceContents); ok {
				texts = append(texts, text.Text)
			}
		default:
			if raw, err := json.Marshal(content); err == nil {
				texts = append(texts, string(raw))
			}
		}
	}
	out.Text = strings.Join(texts, "\n")
	return out
}

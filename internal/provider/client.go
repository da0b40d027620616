package provider

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// headerRoundTripper adds a fixed header set to every request, used to
// apply custom header schemes to SDK-owned clients.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range t.headers {
			req.Header.Set(k, v)
		}
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// newHTTPClient builds a client that applies headers to every request.
// Streaming responses must not be bounded by a client timeout, so only
// the dial/TLS phases are limited by the default transport.
func newHTTPClient(headers map[string]string) *http.Client {
	return &http.Client{
		Transport: &headerRoundTripper{headers: headers},
	}
}

// dataURL encodes image bytes for dialects that take inline data URLs.
func dataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64Encode(data))
}

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// fixToolCallJSON attempts one repair pass over a tool-call argument
// string: strip markdown fences and trailing garbage after the final
// closing brace. Returns the repaired string and whether it now parses.
func fixToolCallJSON(args string) (string, bool) {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return "{}", true
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed, true
	}

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	if idx := strings.LastIndexAny(trimmed, "}]"); idx >= 0 {
		trimmed = trimmed[:idx+1]
	}
	return trimmed, json.Valid([]byte(trimmed))
}

// retryAfter parses a Retry-After header into a delay, zero when
// absent or unparseable.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Package mcp maintains the pool of persistent connections to external
// Model-Context-Protocol services: transport negotiation, per-call
// timeouts with progress-aware resets, and idle eviction.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultCallTimeout bounds a single tool call unless the service
// config overrides it.
const DefaultCallTimeout = 5 * time.Minute

// ProbeTimeout bounds catalog-refresh probes; probe connections are
// always disposed immediately.
const ProbeTimeout = 15 * time.Second

// ServerConfig describes one external MCP service.
type ServerConfig struct {
	// URL selects an HTTP transport: streamable HTTP first, legacy SSE
	// as fallback. ${VAR} references expand from the merged env.
	URL string `json:"url,omitempty"`

	// Command selects the stdio transport: the command is spawned with
	// the inherited environment plus Env overrides.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	Headers map[string]string `json:"headers,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`

	// TimeoutSeconds bounds one tool call; zero keeps the default.
	TimeoutSeconds int `json:"timeout,omitempty"`
}

// IsEnabled reports whether the service should be connected.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CallTimeout is the effective per-call timeout.
func (c ServerConfig) CallTimeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return DefaultCallTimeout
}

func (c ServerConfig) validate(name string) error {
	if c.URL == "" && c.Command == "" {
		return fmt.Errorf("mcp server %q needs a url or a command", name)
	}
	if c.URL != "" && c.Command != "" {
		return fmt.Errorf("mcp server %q cannot have both a url and a command", name)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("mcp server %q timeout must not be negative", name)
	}
	return nil
}

type configFile struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// configSchema validates the raw file shape before decoding so a typo
// in a hand-edited config gets a pointed message.
const configSchema = `{
	"type": "object",
	"properties": {
		"mcpServers": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"properties": {
					"url": {"type": "string"},
					"command": {"type": "string"},
					"args": {"type": "array", "items": {"type": "string"}},
					"env": {"type": "object", "additionalProperties": {"type": "string"}},
					"headers": {"type": "object", "additionalProperties": {"type": "string"}},
					"enabled": {"type": "boolean"},
					"timeout": {"type": "number"}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

var compiledConfigSchema = jsonschema.MustCompileString("mcp-config.json", configSchema)

// LoadConfig reads one mcp-config.json. A missing file yields an empty
// map.
func LoadConfig(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]ServerConfig{}, nil
	}
	if err != nil {
		return nil, err
	}

	var rawAny any
	if err := json.Unmarshal(data, &rawAny); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := compiledConfigSchema.Validate(rawAny); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}

	var f configFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Servers == nil {
		f.Servers = map[string]ServerConfig{}
	}
	for name, cfg := range f.Servers {
		if err := cfg.validate(name); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return f.Servers, nil
}

// MergeConfigs layers project-scoped servers over user-scoped ones;
// same-named project entries win.
func MergeConfigs(user, project map[string]ServerConfig) map[string]ServerConfig {
	merged := make(map[string]ServerConfig, len(user)+len(project))
	for name, cfg := range user {
		merged[name] = cfg
	}
	for name, cfg := range project {
		merged[name] = cfg
	}
	return merged
}

// ServiceNames returns the configured names sorted, longest first, the
// order prefix routing wants.
func ServiceNames(servers map[string]ServerConfig) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return names
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnvRefs substitutes ${VAR} references from the merged
// environment: the service's Env overrides first, the process env
// second. Unknown references expand to the empty string.
func ExpandEnvRefs(s string, overrides map[string]string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		name := envRef.FindStringSubmatch(match)[1]
		if v, ok := overrides[name]; ok {
			return v
		}
		return os.Getenv(name)
	})
}

// mergedEnv flattens the process environment plus overrides into the
// KEY=VALUE form a spawned stdio server receives.
func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	if len(overrides) == 0 {
		return env
	}
	out := make([]string, 0, len(env)+len(overrides))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if _, shadowed := overrides[key]; shadowed {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+ExpandEnvRefs(overrides[k], nil))
	}
	return out
}

// authHeaders derives HTTP auth from the conventional environment
// variables: MCP_API_KEY becomes a bearer token, MCP_AUTH_HEADER is
// used verbatim.
func authHeaders(overrides map[string]string) map[string]string {
	lookup := func(name string) string {
		if v, ok := overrides[name]; ok {
			return v
		}
		return os.Getenv(name)
	}
	headers := map[string]string{}
	if v := lookup("MCP_AUTH_HEADER"); v != "" {
		headers["Authorization"] = v
	} else if v := lookup("MCP_API_KEY"); v != "" {
		headers["Authorization"] = "Bearer " + v
	}
	return headers
}

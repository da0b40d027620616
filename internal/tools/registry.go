package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/snowcoder/snow/internal/mcp"
	"github.com/snowcoder/snow/pkg/models"
)

// CacheTTL is how long a catalog stays fresh without a config change.
const CacheTTL = 5 * time.Minute

// Sources are the inputs the catalog is derived from. The registry
// hashes them to detect configuration drift between refreshes.
type Sources struct {
	Servers  map[string]mcp.ServerConfig
	Agents   []models.AgentDef
	Skills   []string
	Codebase bool
}

type catalog struct {
	tools      []Tool
	services   []ServiceInfo
	lastUpdate time.Time
	configHash string
}

// Registry merges built-in handlers with probed external services into
// one tool catalog. The catalog is cached until the source hash changes
// or CacheTTL elapses; external services are probed once per refresh.
type Registry struct {
	logger  *slog.Logger
	pool    Pool
	sources func() Sources

	mu       sync.Mutex
	builtins []Handler
	byName   map[string]Handler
	cache    *catalog

	now func() time.Time
}

func NewRegistry(pool Pool, sources func() Sources, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "tools"),
		pool:    pool,
		sources: sources,
		byName:  map[string]Handler{},
		now:     time.Now,
	}
}

// RegisterBuiltin adds in-process handlers. Registration order is the
// catalog order. A handler re-registered under the same name replaces
// the previous one.
func (r *Registry) RegisterBuiltin(handlers ...Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range handlers {
		key := NormalizeName(h.Name())
		if _, exists := r.byName[key]; exists {
			for i, prev := range r.builtins {
				if NormalizeName(prev.Name()) == key {
					r.builtins[i] = h
					break
				}
			}
		} else {
			r.builtins = append(r.builtins, h)
		}
		r.byName[key] = h
	}
	r.cache = nil
}

// Builtin resolves a handler by tool name.
func (r *Registry) Builtin(name string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byName[NormalizeName(name)]
	return h, ok
}

// Invalidate forces the next Catalog call to refresh.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = nil
	r.logger.Debug("tool catalog invalidated")
}

// ExternalServices returns the configured external service names.
func (r *Registry) ExternalServices() []string {
	src := r.sources()
	names := make([]string, 0, len(src.Servers))
	for name, cfg := range src.Servers {
		if cfg.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ServerConfig looks up the configuration for an external service.
func (r *Registry) ServerConfig(name string) (mcp.ServerConfig, bool) {
	cfg, ok := r.sources().Servers[name]
	return cfg, ok
}

// Catalog returns the advertised tools and per-service status,
// refreshing the cache if the configuration hash changed or the cache
// aged out. Returned slices are copies.
func (r *Registry) Catalog(ctx context.Context) ([]Tool, []ServiceInfo) {
	src := r.sources()
	hash := hashSources(src)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cache != nil && r.cache.configHash == hash && r.now().Sub(r.cache.lastUpdate) < CacheTTL {
		return copyTools(r.cache.tools), copyServices(r.cache.services)
	}

	cat := r.refresh(ctx, src)
	cat.configHash = hash
	cat.lastUpdate = r.now()
	r.cache = cat
	return copyTools(cat.tools), copyServices(cat.services)
}

// refresh rebuilds the catalog: built-ins first in registration order,
// then each enabled external service probed for its tools. A probe
// failure records the service as disconnected and drops its tools until
// the next refresh.
func (r *Registry) refresh(ctx context.Context, src Sources) *catalog {
	cat := &catalog{}

	byService := map[string][]Handler{}
	var serviceOrder []string
	for _, h := range r.builtins {
		svc := builtinService(h)
		if _, seen := byService[svc]; !seen {
			serviceOrder = append(serviceOrder, svc)
		}
		byService[svc] = append(byService[svc], h)
	}
	for _, svc := range serviceOrder {
		handlers := byService[svc]
		for _, h := range handlers {
			cat.tools = append(cat.tools, Tool{
				Name:        h.Name(),
				Description: h.Description(),
				Parameters:  h.Schema(),
				Service:     svc,
			})
		}
		cat.services = append(cat.services, ServiceInfo{
			Name:      svc,
			Builtin:   true,
			Connected: true,
			ToolCount: len(handlers),
		})
	}

	names := make([]string, 0, len(src.Servers))
	for name, cfg := range src.Servers {
		if cfg.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	type probeResult struct {
		name  string
		tools []mcp.ToolInfo
		err   error
	}
	results := make([]probeResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			infos, err := r.pool.Probe(ctx, name, src.Servers[name])
			results[i] = probeResult{name: name, tools: infos, err: err}
		}(i, name)
	}
	wg.Wait()

	for _, res := range results {
		info := ServiceInfo{Name: res.name}
		if res.err != nil {
			info.Error = res.err.Error()
			r.logger.Warn("mcp service probe failed", "service", res.name, "error", res.err)
			cat.services = append(cat.services, info)
			continue
		}
		info.Connected = true
		info.ToolCount = len(res.tools)
		for _, t := range res.tools {
			cat.tools = append(cat.tools, Tool{
				Name:        res.name + "-" + t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
				Service:     res.name,
			})
		}
		cat.services = append(cat.services, info)
	}

	r.logger.Info("tool catalog refreshed",
		"tools", len(cat.tools),
		"services", len(cat.services),
	)
	return cat
}

// serviceNamer lets a handler declare its owning service when its tool
// name carries no service prefix (send_message_to_agent).
type serviceNamer interface {
	Service() string
}

func builtinService(h Handler) string {
	if sn, ok := h.(serviceNamer); ok && sn.Service() != "" {
		return sn.Service()
	}
	svc, _ := SplitName(h.Name(), nil)
	if svc == "" {
		svc = NormalizeName(h.Name())
	}
	return svc
}

func hashSources(src Sources) string {
	payload := struct {
		Servers  map[string]mcp.ServerConfig `json:"servers"`
		Agents   []models.AgentDef           `json:"agents"`
		Skills   []string                    `json:"skills"`
		Codebase bool                        `json:"codebase"`
	}{src.Servers, src.Agents, src.Skills, src.Codebase}
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func copyTools(in []Tool) []Tool {
	out := make([]Tool, len(in))
	copy(out, in)
	return out
}

func copyServices(in []ServiceInfo) []ServiceInfo {
	out := make([]ServiceInfo, len(in))
	copy(out, in)
	return out
}

package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/snowcoder/snow/internal/backoff"
)

// IdleTimeout is how long a pooled connection may sit unused before
// the sweeper closes it.
const IdleTimeout = 10 * time.Minute

// dialAttempts bounds the connect retries in Get. Stdio spawns and
// HTTP handshakes fail transiently when a service is still starting;
// a couple of quick retries ride that out without masking a service
// that is genuinely down.
const dialAttempts = 3

// Conn is the per-service connection surface the engine uses. *Client
// implements it; tests substitute fakes through the pool's dialer.
type Conn interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, operation string, args map[string]any, resetOnProgress bool) (*ToolOutput, error)
	Close() error
}

type dialFunc func(ctx context.Context, name string, cfg ServerConfig, logger *slog.Logger) (Conn, error)

type poolEntry struct {
	conn     Conn
	lastUsed time.Time
}

// Pool keeps at most one live connection per service name. Lookups
// and opens are a single atomic get-or-open so concurrent tool calls
// against the same service never race a second connection into
// existence.
type Pool struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*poolEntry

	dial dialFunc
	now  func() time.Time
}

func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		logger:  logger.With("component", "mcp"),
		clients: map[string]*poolEntry{},
		dial: func(ctx context.Context, name string, cfg ServerConfig, logger *slog.Logger) (Conn, error) {
			return Connect(ctx, name, cfg, logger)
		},
		now: time.Now,
	}
}

// Get returns the live connection for name, opening one if needed.
// Connecting retries transient failures with a short backoff. The
// entry's idle clock restarts on every call.
func (p *Pool) Get(ctx context.Context, name string, cfg ServerConfig) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.clients[name]; ok {
		e.lastUsed = p.now()
		return e.conn, nil
	}
	res, err := backoff.RetryWithBackoff(ctx, backoff.AggressivePolicy(), dialAttempts, func(int) (Conn, error) {
		return p.dial(ctx, name, cfg, p.logger)
	})
	if err != nil {
		if res.LastError != nil {
			return nil, res.LastError
		}
		return nil, err
	}
	p.clients[name] = &poolEntry{conn: res.Value, lastUsed: p.now()}
	return res.Value, nil
}

// Invalidate drops and closes the named connection, typically after a
// call failed with a transport error. The next Get reconnects.
func (p *Pool) Invalidate(name string) {
	p.mu.Lock()
	e, ok := p.clients[name]
	if ok {
		delete(p.clients, name)
	}
	p.mu.Unlock()
	if ok {
		if err := e.conn.Close(); err != nil {
			p.logger.Debug("close invalidated mcp connection", "service", name, "error", err)
		}
		p.logger.Info("mcp connection invalidated", "service", name)
	}
}

// Sweep closes connections idle longer than IdleTimeout. It runs at
// each tool dispatch, so a busy session keeps its services warm while
// abandoned ones wind down.
func (p *Pool) Sweep() int {
	cutoff := p.now().Add(-IdleTimeout)

	p.mu.Lock()
	var stale []*poolEntry
	var names []string
	for name, e := range p.clients {
		if e.lastUsed.Before(cutoff) {
			stale = append(stale, e)
			names = append(names, name)
			delete(p.clients, name)
		}
	}
	p.mu.Unlock()

	for i, e := range stale {
		if err := e.conn.Close(); err != nil {
			p.logger.Debug("close idle mcp connection", "service", names[i], "error", err)
		}
		p.logger.Info("mcp connection idle, closed", "service", names[i])
	}
	return len(stale)
}

// CloseAll tears down every pooled connection. Used at shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := p.clients
	p.clients = map[string]*poolEntry{}
	p.mu.Unlock()

	for name, e := range entries {
		if err := e.conn.Close(); err != nil {
			p.logger.Debug("close mcp connection", "service", name, "error", err)
		}
	}
}

// Probe opens a short-lived connection just to fetch the tool catalog,
// then disposes it immediately. Probe failures never poison the pool:
// catalog refresh uses this so a down service is recorded as
// disconnected without tying up a pooled slot.
func (p *Pool) Probe(ctx context.Context, name string, cfg ServerConfig) ([]ToolInfo, error) {
	probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	conn, err := p.dial(probeCtx, name, cfg, p.logger)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.ListTools(probeCtx)
}

// Size reports the number of live pooled connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

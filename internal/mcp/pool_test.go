package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
	tools  []ToolInfo
}

func (f *fakeConn) ListTools(ctx context.Context) ([]ToolInfo, error) {
	return f.tools, nil
}

func (f *fakeConn) CallTool(ctx context.Context, operation string, args map[string]any, resetOnProgress bool) (*ToolOutput, error) {
	return &ToolOutput{Text: "ok"}, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	err      error
	failures int
	attempts int
}

func (d *fakeDialer) dial(ctx context.Context, name string, cfg ServerConfig, logger *slog.Logger) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.err != nil {
		return nil, d.err
	}
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func newTestPool(d *fakeDialer) (*Pool, *time.Time) {
	p := NewPool(slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.dial = d.dial
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return current }
	return p, &current
}

func TestPoolReusesConnection(t *testing.T) {
	d := &fakeDialer{}
	p, _ := newTestPool(d)
	cfg := ServerConfig{Command: "mcp-test"}

	first, err := p.Get(context.Background(), "svc", cfg)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	second, err := p.Get(context.Background(), "svc", cfg)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if first != second {
		t.Error("second Get returned a different connection")
	}
	if d.count() != 1 {
		t.Errorf("dial count = %d, want 1", d.count())
	}
}

func TestPoolDialErrorPropagates(t *testing.T) {
	spawnErr := errors.New("spawn failed")
	d := &fakeDialer{err: spawnErr}
	p, _ := newTestPool(d)

	_, err := p.Get(context.Background(), "svc", ServerConfig{Command: "x"})
	if !errors.Is(err, spawnErr) {
		t.Fatalf("Get() error = %v, want the dial error", err)
	}
	if p.Size() != 0 {
		t.Errorf("Size() = %d after failed dial, want 0", p.Size())
	}
}

func TestPoolGetRetriesTransientDialFailure(t *testing.T) {
	d := &fakeDialer{failures: 2}
	p, _ := newTestPool(d)

	conn, err := p.Get(context.Background(), "svc", ServerConfig{Command: "x"})
	if err != nil {
		t.Fatalf("Get() error = %v, want success after transient failures", err)
	}
	if conn == nil {
		t.Fatal("Get() returned nil connection")
	}
	if d.attempts != 3 {
		t.Errorf("dial attempts = %d, want 3", d.attempts)
	}
	if p.Size() != 1 {
		t.Errorf("Size() = %d, want 1", p.Size())
	}
}

func TestPoolSweepClosesIdle(t *testing.T) {
	d := &fakeDialer{}
	p, clock := newTestPool(d)

	if _, err := p.Get(context.Background(), "stale", ServerConfig{Command: "a"}); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	*clock = clock.Add(IdleTimeout + time.Minute)
	if _, err := p.Get(context.Background(), "fresh", ServerConfig{Command: "b"}); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if n := p.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if !d.conns[0].isClosed() {
		t.Error("stale connection not closed")
	}
	if d.conns[1].isClosed() {
		t.Error("fresh connection closed")
	}
	if p.Size() != 1 {
		t.Errorf("Size() = %d, want 1", p.Size())
	}
}

func TestPoolGetRestartsIdleClock(t *testing.T) {
	d := &fakeDialer{}
	p, clock := newTestPool(d)

	if _, err := p.Get(context.Background(), "svc", ServerConfig{Command: "a"}); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	*clock = clock.Add(IdleTimeout - time.Minute)
	if _, err := p.Get(context.Background(), "svc", ServerConfig{Command: "a"}); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	*clock = clock.Add(IdleTimeout - time.Minute)

	if n := p.Sweep(); n != 0 {
		t.Errorf("Sweep() = %d, want 0 after recent use", n)
	}
}

func TestPoolInvalidate(t *testing.T) {
	d := &fakeDialer{}
	p, _ := newTestPool(d)

	if _, err := p.Get(context.Background(), "svc", ServerConfig{Command: "a"}); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	p.Invalidate("svc")

	if !d.conns[0].isClosed() {
		t.Error("invalidated connection not closed")
	}
	if _, err := p.Get(context.Background(), "svc", ServerConfig{Command: "a"}); err != nil {
		t.Fatalf("Get() after invalidate error = %v", err)
	}
	if d.count() != 2 {
		t.Errorf("dial count = %d, want 2 (reconnect)", d.count())
	}
}

func TestPoolCloseAll(t *testing.T) {
	d := &fakeDialer{}
	p, _ := newTestPool(d)

	for _, name := range []string{"a", "b", "c"} {
		if _, err := p.Get(context.Background(), name, ServerConfig{Command: name}); err != nil {
			t.Fatalf("Get(%q) error = %v", name, err)
		}
	}
	p.CloseAll()

	if p.Size() != 0 {
		t.Errorf("Size() = %d, want 0", p.Size())
	}
	for i, c := range d.conns {
		if !c.isClosed() {
			t.Errorf("connection %d not closed", i)
		}
	}
}

func TestPoolProbeDoesNotPool(t *testing.T) {
	d := &fakeDialer{}
	p, _ := newTestPool(d)

	tools, err := p.Probe(context.Background(), "svc", ServerConfig{Command: "a"})
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if tools != nil && len(tools) != 0 {
		t.Errorf("tools = %v, want empty", tools)
	}
	if p.Size() != 0 {
		t.Errorf("Size() = %d, want 0 after probe", p.Size())
	}
	if !d.conns[0].isClosed() {
		t.Error("probe connection not disposed")
	}
}

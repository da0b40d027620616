package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snowcoder/snow/internal/compactor"
	"github.com/snowcoder/snow/internal/config"
	"github.com/snowcoder/snow/internal/hooks"
	"github.com/snowcoder/snow/internal/mcp"
	"github.com/snowcoder/snow/internal/observability"
	"github.com/snowcoder/snow/internal/provider"
	"github.com/snowcoder/snow/internal/scheduler"
	"github.com/snowcoder/snow/internal/session"
	"github.com/snowcoder/snow/internal/tools"
	"github.com/snowcoder/snow/internal/tools/builtin"
	"github.com/snowcoder/snow/pkg/models"
)

// defaultSystemPrompt applies when no prompt is active in
// system-prompt.json.
const defaultSystemPrompt = `You are snow, an AI coding assistant running in a terminal. You help with software engineering tasks: reading and editing files, running commands, and answering questions about the codebase. Use the available tools to act; keep answers concise and grounded in what the tools return. Never invent file contents. When a task needs several steps, keep a todo list current so the user can follow progress.`

// Options configures the engine root.
type Options struct {
	Config *config.Config
	Paths  *config.Paths
	Logger *slog.Logger
	Tracer *observability.Tracer

	// Usage receives observed token counts; nil disables the ledger.
	Usage provider.UsageRecorder

	// ESC watches the hosting terminal while terminal-execute runs.
	// Nil when the engine has no local tty.
	ESC *scheduler.ESCMonitor
}

type profileProvider struct {
	prov  provider.Provider
	model config.ModelConfig
}

// Engine is the process root: it owns the provider, tool registry,
// scheduler, session stores, and tracker, and runs conversation turns
// against them. One engine serves every session of a project.
type Engine struct {
	cfg    *config.Config
	model  config.ModelConfig
	paths  *config.Paths
	logger *slog.Logger
	tracer *observability.Tracer

	provider  provider.Provider
	headers   map[string]string
	usageRec  provider.UsageRecorder
	profiles  map[string]profileProvider
	profileMu sync.Mutex

	pool       *mcp.Pool
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	hooks      *hooks.Runner
	sched      *scheduler.Scheduler
	compactor  *compactor.Compactor
	store      *session.Store
	snapshots  *session.Snapshots
	todos      *builtin.TodoStore
	tracker    *Tracker
	info       *ContextInfo

	agents    []models.AgentDef
	sysPrompt string
	language  *config.Language
	sensitive *config.SensitiveCommandsFile

	mu             sync.Mutex
	sink           func(sessionID string, ev models.Event)
	sessionLocks   map[string]*sync.Mutex
	turnCancels    map[string]context.CancelFunc
	activeAgent    map[string]string
	pendingConfirm map[string]chan scheduler.Decision
	pendingAnswer  map[string]chan string
}

// New wires the engine from configuration. It loads the auxiliary
// stores (system prompt, headers, language, sensitive patterns, agent
// catalog), builds the provider for the active profile, and registers
// the built-in tool services including one spawn tool per agent
// definition.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Paths == nil {
		return nil, errors.New("agent: config and paths are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:            opts.Config,
		model:          opts.Config.Snowcfg,
		paths:          opts.Paths,
		logger:         logger.With("component", "engine"),
		tracer:         opts.Tracer,
		usageRec:       opts.Usage,
		profiles:       map[string]profileProvider{},
		sessionLocks:   map[string]*sync.Mutex{},
		turnCancels:    map[string]context.CancelFunc{},
		activeAgent:    map[string]string{},
		pendingConfirm: map[string]chan scheduler.Decision{},
		pendingAnswer:  map[string]chan string{},
	}

	headers, err := config.LoadCustomHeaders(opts.Paths.CustomHeadersFile())
	if err != nil {
		return nil, fmt.Errorf("load custom headers: %w", err)
	}
	e.headers = headers.Resolve(e.model.CustomHeadersSchemeID)

	prompts, err := config.LoadSystemPrompts(opts.Paths.SystemPromptFile())
	if err != nil {
		return nil, fmt.Errorf("load system prompts: %w", err)
	}
	if p, ok := prompts.Resolve(e.model.SystemPromptID); ok && p.Content != "" {
		e.sysPrompt = p.Content
	} else {
		e.sysPrompt = defaultSystemPrompt
	}

	e.language, err = config.LoadLanguage(opts.Paths.LanguageFile())
	if err != nil {
		e.logger.Warn("language preference unreadable", "error", err)
	}
	e.sensitive, err = config.LoadSensitiveCommands(opts.Paths.SensitiveCommandsFile())
	if err != nil {
		return nil, fmt.Errorf("load sensitive commands: %w", err)
	}

	e.agents, err = config.LoadAgents(opts.Paths.AgentsFile())
	if err != nil {
		e.logger.Warn("agent catalog unreadable, using defaults", "error", err)
		e.agents = nil
	}
	if len(e.agents) == 0 {
		e.agents = config.DefaultAgents()
	}

	base, err := provider.New(e.model, e.headers, e.usageRec, logger)
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}
	e.provider = provider.NewRetrier(base, logger)
	e.compactor = compactor.New(e.provider, e.model, logger)

	e.pool = mcp.NewPool(logger)
	e.registry = tools.NewRegistry(e.pool, e.toolSources, logger)
	e.todos = builtin.NewTodoStore(opts.Paths.TodosDir())
	e.todos.Observe(func(sessionID string, todos []models.TodoItem) {
		e.notify(sessionID, models.Event{Type: models.EventTodoUpdate, Data: models.TodoUpdateEvent{
			SessionID: sessionID,
			Todos:     todos,
		}})
	})
	e.registry.RegisterBuiltin(
		builtin.NewTodoWrite(e.todos),
		builtin.NewTodoRead(e.todos),
		builtin.NewAskQuestion(),
	)
	for _, def := range e.agents {
		e.registry.RegisterBuiltin(&spawnTool{def: def, eng: e})
	}
	e.registry.RegisterBuiltin(&sendMessageTool{eng: e})

	e.hooks = hooks.NewRunner(opts.Config.Hooks, logger)
	e.dispatcher = tools.NewDispatcher(e.registry, e.pool, e.hooks, opts.Tracer, e.model.ToolResultTokenLimit, logger)
	e.sched = scheduler.New(scheduler.Config{
		Dispatcher: e.dispatcher,
		Hooks:      e.hooks,
		Confirm:    e.confirm,
		Question:   e.question,
		Sensitive:  e.isSensitive,
		ESC:        opts.ESC,
		Logger:     logger,
	})

	e.store = session.NewStore(opts.Paths.SessionsDir(), opts.Paths.ProjectID(), logger)
	e.snapshots = session.NewSnapshots(opts.Paths.SnapshotsDir(), opts.Paths.WorkDir, logger)
	e.tracker = NewTracker()
	e.info = NewContextInfo(opts.Paths.WorkDir)
	return e, nil
}

// toolSources feeds the registry: merged MCP server configs plus the
// agent catalog, hashed together for cache invalidation.
func (e *Engine) toolSources() tools.Sources {
	user, err := mcp.LoadConfig(e.paths.MCPConfigFile())
	if err != nil {
		e.logger.Warn("global mcp config unreadable", "error", err)
	}
	project, err := mcp.LoadConfig(e.paths.ProjectMCPConfigFile())
	if err != nil {
		e.logger.Warn("project mcp config unreadable", "error", err)
	}
	return tools.Sources{
		Servers: mcp.MergeConfigs(user, project),
		Agents:  e.agents,
	}
}

// SetSink installs the event consumer. Events carry the session that
// produced them; the transport routes them to the bound connection.
func (e *Engine) SetSink(fn func(sessionID string, ev models.Event)) {
	e.mu.Lock()
	e.sink = fn
	e.mu.Unlock()
}

func (e *Engine) notify(sessionID string, ev models.Event) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink == nil {
		return
	}
	sink(sessionID, ev)
}

func (e *Engine) emitter(sessionID string) EmitFunc {
	return func(ev models.Event) { e.notify(sessionID, ev) }
}

// Accessors for the server and CLI layers.
func (e *Engine) Store() *session.Store         { return e.store }
func (e *Engine) Snapshots() *session.Snapshots { return e.snapshots }
func (e *Engine) Registry() *tools.Registry     { return e.registry }
func (e *Engine) Todos() *builtin.TodoStore     { return e.todos }
func (e *Engine) Tracker() *Tracker             { return e.tracker }
func (e *Engine) AgentDefs() []models.AgentDef  { return e.agents }

// ChatRequest is one user turn.
type ChatRequest struct {
	SessionID   string
	Content     string
	Attachments []models.Attachment
}

// Chat runs a full conversation turn: provider rounds interleaved with
// tool batches until the model stops calling tools, the turn is
// cancelled, or a hook aborts it. Turns on the same session serialize
// here. Events stream through the installed sink while Chat blocks.
func (e *Engine) Chat(ctx context.Context, req ChatRequest) error {
	if req.Content == "" && len(req.Attachments) == 0 {
		return errors.New("empty message")
	}
	lock := e.sessionLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.store.Get(req.SessionID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.turnCancels[req.SessionID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.turnCancels, req.SessionID)
		e.mu.Unlock()
	}()

	t := &turn{eng: e, sess: sess, emit: e.emitter(req.SessionID)}
	return t.run(ctx, req)
}

// Abort cancels the session's running turn, if any.
func (e *Engine) Abort(sessionID string) bool {
	e.mu.Lock()
	cancel, ok := e.turnCancels[sessionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Rollback restores files to their state before messageIndex, truncates
// the session, and reports the outcome both as an event and as the
// return value. A failed restore is reported in the result, not as an
// error; errors mean the session itself was unreachable.
func (e *Engine) Rollback(sessionID string, messageIndex int) (*models.RollbackResultEvent, error) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if messageIndex < 0 || messageIndex > len(sess.Messages) {
		return nil, fmt.Errorf("message index %d out of range [0,%d]", messageIndex, len(sess.Messages))
	}

	pending, err := e.snapshots.FilesWrittenSince(sessionID, messageIndex)
	if err != nil {
		e.logger.Warn("rollback preview failed", "session", sessionID, "error", err)
	}
	e.notify(sessionID, models.Event{Type: models.EventRollbackRequest, Data: models.RollbackRequestEvent{
		SessionID:    sessionID,
		MessageIndex: messageIndex,
		Files:        pending,
	}})

	files, err := e.snapshots.Rollback(sessionID, messageIndex)
	if err != nil {
		res := &models.RollbackResultEvent{MessageIndex: messageIndex, Error: err.Error()}
		e.notify(sessionID, models.Event{Type: models.EventRollbackResult, Data: *res})
		return res, nil
	}

	sess.Messages = sess.Messages[:messageIndex]
	if err := e.store.Save(sess); err != nil {
		return nil, fmt.Errorf("persist truncated session: %w", err)
	}

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Path
	}
	res := &models.RollbackResultEvent{
		Success:         true,
		MessageIndex:    messageIndex,
		FilesRolledBack: len(files),
		Files:           names,
	}
	e.notify(sessionID, models.Event{Type: models.EventRollbackResult, Data: *res})
	return res, nil
}

// RollbackPoint describes one user turn a client may roll back to.
type RollbackPoint struct {
	MessageIndex int       `json:"messageIndex"`
	Preview      string    `json:"preview"`
	FileCount    int       `json:"fileCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RollbackPoints lists the session's user messages with the number of
// distinct files snapshotted during each turn.
func (e *Engine) RollbackPoints(sessionID string) ([]RollbackPoint, error) {
	sess, err := e.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := e.snapshots.Entries(sessionID)
	if err != nil {
		return nil, err
	}

	var points []RollbackPoint
	for i, msg := range sess.Messages {
		if msg.Role != models.RoleUser {
			continue
		}
		points = append(points, RollbackPoint{
			MessageIndex: i,
			Preview:      deriveTitle(msg.Content),
			CreatedAt:    msg.CreatedAt,
		})
	}
	for k := range points {
		lo := points[k].MessageIndex
		hi := len(sess.Messages) + 1
		if k+1 < len(points) {
			hi = points[k+1].MessageIndex
		}
		seen := map[string]bool{}
		for _, en := range entries {
			if en.MessageIndex > lo && en.MessageIndex < hi && !seen[en.Path] {
				seen[en.Path] = true
			}
		}
		points[k].FileCount = len(seen)
	}
	return points, nil
}

// SwitchAgent changes which agent definition fronts the session's main
// conversation.
func (e *Engine) SwitchAgent(sessionID, agentID string) (*models.AgentSwitchedEvent, error) {
	def, ok := config.FindAgent(e.agents, agentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}
	e.mu.Lock()
	e.activeAgent[sessionID] = def.ID
	e.mu.Unlock()

	ev := &models.AgentSwitchedEvent{AgentID: def.ID, Name: def.Name}
	e.notify(sessionID, models.Event{Type: models.EventAgentSwitched, Data: *ev})
	return ev, nil
}

func (e *Engine) activeAgentDef(sessionID string) (models.AgentDef, bool) {
	e.mu.Lock()
	id := e.activeAgent[sessionID]
	e.mu.Unlock()
	if id == "" {
		return models.AgentDef{}, false
	}
	return config.FindAgent(e.agents, id)
}

// CompressSession compacts the session history unconditionally and
// persists the result.
func (e *Engine) CompressSession(ctx context.Context, sessionID string) (*compactor.Result, error) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	res, err := e.compactor.Compact(ctx, sess.Messages)
	if err != nil {
		return nil, err
	}
	sess.Messages = res.Messages
	if err := e.store.Save(sess); err != nil {
		return nil, fmt.Errorf("persist compacted session: %w", err)
	}
	return res, nil
}

// CompressMessages compacts a free-standing message list without
// touching any session.
func (e *Engine) CompressMessages(ctx context.Context, msgs []models.Message) (*compactor.Result, error) {
	return e.compactor.Compact(ctx, msgs)
}

// ResolveConfirmation completes a pending tool confirmation. It reports
// whether the request id was known.
func (e *Engine) ResolveConfirmation(requestID string, d scheduler.Decision) bool {
	e.mu.Lock()
	ch, ok := e.pendingConfirm[requestID]
	if ok {
		delete(e.pendingConfirm, requestID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	ch <- d
	return true
}

// ResolveQuestion completes a pending user question.
func (e *Engine) ResolveQuestion(requestID, answer string) bool {
	e.mu.Lock()
	ch, ok := e.pendingAnswer[requestID]
	if ok {
		delete(e.pendingAnswer, requestID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	ch <- answer
	return true
}

// WaitForSpawnedAgents delegates to the tracker; servers call it on
// shutdown so running sub-agents can finish.
func (e *Engine) WaitForSpawnedAgents(ctx context.Context, timeout time.Duration) bool {
	return e.tracker.WaitForSpawnedAgents(ctx, timeout)
}

// Close releases external connections.
func (e *Engine) Close() {
	e.pool.CloseAll()
}

// confirm is the scheduler's confirmation callback. It emits a request
// event through the turn that issued the call and blocks until the
// client responds or the turn is cancelled.
func (e *Engine) confirm(ctx context.Context, req scheduler.ConfirmationRequest) (scheduler.Decision, error) {
	st := turnStateFrom(ctx)
	if st == nil {
		return scheduler.Decision{}, errors.New("no turn attached to confirmation")
	}
	id := uuid.NewString()
	ch := make(chan scheduler.Decision, 1)
	e.mu.Lock()
	e.pendingConfirm[id] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pendingConfirm, id)
		e.mu.Unlock()
	}()

	st.emit(models.Event{
		Type:      models.EventToolConfirmationRequest,
		RequestID: id,
		Data: models.ConfirmationRequestEvent{
			ToolCall:    req.Call,
			Siblings:    req.Siblings,
			IsSensitive: req.IsSensitive,
		},
	})

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return scheduler.Decision{}, ctx.Err()
	}
}

// question is the scheduler's user-question callback.
func (e *Engine) question(ctx context.Context, q tools.Question) (string, error) {
	st := turnStateFrom(ctx)
	if st == nil {
		return "", errors.New("no turn attached to question")
	}
	id := uuid.NewString()
	ch := make(chan string, 1)
	e.mu.Lock()
	e.pendingAnswer[id] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pendingAnswer, id)
		e.mu.Unlock()
	}()

	st.emit(models.Event{
		Type:      models.EventUserQuestionRequest,
		RequestID: id,
		Data: models.QuestionRequestEvent{
			Question: q.Question,
			Options:  q.Options,
		},
	})

	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// isSensitive matches the call's command argument, when it has one,
// against the configured sensitive patterns.
func (e *Engine) isSensitive(call models.ToolCall) bool {
	if e.sensitive == nil || len(call.Input) == 0 {
		return false
	}
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil || args.Command == "" {
		return false
	}
	return e.sensitive.Match(args.Command)
}

// providerFor resolves an agent's config-profile override. The empty
// name is the engine's own provider.
func (e *Engine) providerFor(name string) (provider.Provider, config.ModelConfig, error) {
	if name == "" {
		return e.provider, e.model, nil
	}
	e.profileMu.Lock()
	defer e.profileMu.Unlock()
	if p, ok := e.profiles[name]; ok {
		return p.prov, p.model, nil
	}
	mc, err := e.cfg.Model(name)
	if err != nil {
		return nil, config.ModelConfig{}, err
	}
	base, err := provider.New(mc, e.headers, e.usageRec, e.logger)
	if err != nil {
		return nil, config.ModelConfig{}, fmt.Errorf("build provider for profile %s: %w", name, err)
	}
	p := profileProvider{prov: provider.NewRetrier(base, e.logger), model: mc}
	e.profiles[name] = p
	return p.prov, p.model, nil
}

// toolDefs converts the catalog into the provider's tool shape,
// restricted to the allowed patterns when any are given.
func (e *Engine) toolDefs(ctx context.Context, allowed []string) []provider.ToolDef {
	cat, _ := e.registry.Catalog(ctx)
	defs := make([]provider.ToolDef, 0, len(cat))
	for _, t := range cat {
		if len(allowed) > 0 && !tools.MatchesAny(allowed, t.Name) {
			continue
		}
		defs = append(defs, provider.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.sessionLocks[sessionID] = lock
	}
	return lock
}

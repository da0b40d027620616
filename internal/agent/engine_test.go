package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snowcoder/snow/internal/compactor"
	"github.com/snowcoder/snow/internal/config"
	"github.com/snowcoder/snow/internal/provider"
	"github.com/snowcoder/snow/internal/scheduler"
	"github.com/snowcoder/snow/internal/tools"
	"github.com/snowcoder/snow/pkg/models"
)

// providerTurn scripts one response of the fake provider. The channel is
// closed by the fake when the turn returns.
type providerTurn func(ctx context.Context, ch chan<- *provider.StreamChunk)

type fakeProvider struct {
	mu    sync.Mutex
	reqs  []*provider.Request
	turns []providerTurn

	// route, when set, picks the turn per request instead of consuming
	// the queue. Used when concurrent agents would race for queue order.
	route func(req *provider.Request) providerTurn
}

func (f *fakeProvider) Stream(ctx context.Context, req *provider.Request) (<-chan *provider.StreamChunk, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	var turn providerTurn
	if f.route != nil {
		turn = f.route(req)
	} else if len(f.turns) > 0 {
		turn = f.turns[0]
		f.turns = f.turns[1:]
	}
	f.mu.Unlock()
	if turn == nil {
		return nil, errors.New("unscripted provider request")
	}

	ch := make(chan *provider.StreamChunk)
	go func() {
		defer close(ch)
		turn(ctx, ch)
	}()
	return ch, nil
}

func (f *fakeProvider) script(turns ...providerTurn) {
	f.mu.Lock()
	f.turns = append(f.turns, turns...)
	f.mu.Unlock()
}

func (f *fakeProvider) requests() []*provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*provider.Request(nil), f.reqs...)
}

func textTurn(text string) providerTurn {
	return func(_ context.Context, ch chan<- *provider.StreamChunk) {
		ch <- &provider.StreamChunk{Kind: provider.ChunkContent, Text: text}
		ch <- &provider.StreamChunk{Kind: provider.ChunkUsage, Usage: &models.Usage{Model: "test-model", PromptTokens: 10, CompletionTokens: 5}}
		ch <- &provider.StreamChunk{Kind: provider.ChunkDone}
	}
}

func callTurn(calls ...models.ToolCall) providerTurn {
	return func(_ context.Context, ch chan<- *provider.StreamChunk) {
		ch <- &provider.StreamChunk{Kind: provider.ChunkToolCalls, ToolCalls: calls}
		ch <- &provider.StreamChunk{Kind: provider.ChunkDone}
	}
}

func emptyTurn() providerTurn {
	return func(_ context.Context, ch chan<- *provider.StreamChunk) {
		ch <- &provider.StreamChunk{Kind: provider.ChunkDone}
	}
}

func errorTurn(err error) providerTurn {
	return func(_ context.Context, ch chan<- *provider.StreamChunk) {
		ch <- &provider.StreamChunk{Error: err}
	}
}

// eventLog collects everything the engine emits through the sink.
type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (l *eventLog) sink(_ string, ev models.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []models.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Event(nil), l.events...)
}

func (l *eventLog) ofType(t models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range l.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) waitFor(t *testing.T, typ models.EventType) models.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range l.all() {
			if ev.Type == typ {
				return ev
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s event arrived", typ)
	return models.Event{}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, mutate func(cfg *config.Config)) (*Engine, *fakeProvider, *eventLog) {
	t.Helper()
	paths := &config.Paths{Home: t.TempDir(), WorkDir: t.TempDir()}
	if err := paths.EnsureHome(); err != nil {
		t.Fatalf("EnsureHome() error = %v", err)
	}
	cfg := &config.Config{
		Snowcfg: config.ModelConfig{
			RequestMethod: config.MethodChat,
			BaseURL:       "http://127.0.0.1:0",
			APIKey:        "test-key",
			AdvancedModel: "test-model",
			MaxTokens:     2048,
		},
		YOLO: true,
	}
	if mutate != nil {
		mutate(cfg)
	}

	eng, err := New(Options{Config: cfg, Paths: paths, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(eng.Close)

	fake := &fakeProvider{}
	eng.provider = fake
	log := &eventLog{}
	eng.SetSink(log.sink)
	return eng, fake, log
}

func mustCreateSession(t *testing.T, eng *Engine) *models.Session {
	t.Helper()
	sess, err := eng.Store().Create("")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return sess
}

// stubTool is a registrable handler with a canned result.
type stubTool struct {
	name   string
	result string
	calls  int32
}

func (s *stubTool) Name() string            { return s.name }
func (s *stubTool) Description() string     { return "test stub" }
func (s *stubTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func (s *stubTool) Execute(_ context.Context, _ tools.Request) (*tools.Result, error) {
	atomic.AddInt32(&s.calls, 1)
	return &tools.Result{Content: s.result}, nil
}

func (s *stubTool) callCount() int { return int(atomic.LoadInt32(&s.calls)) }

func TestChatSimpleTurn(t *testing.T) {
	eng, fake, log := newTestEngine(t, nil)
	sess := mustCreateSession(t, eng)
	fake.script(textTurn("Hello there"))

	if err := eng.Chat(context.Background(), ChatRequest{SessionID: sess.ID, Content: "hi"}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	reloaded, err := eng.Store().Get(sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(reloaded.Messages) != 2 {
		t.Fatalf("session has %d messages, want user + assistant", len(reloaded.Messages))
	}
	if reloaded.Messages[0].Role != models.RoleUser || reloaded.Messages[0].Content != "hi" {
		t.Errorf("messages[0] = %s %q, want the user turn", reloaded.Messages[0].Role, reloaded.Messages[0].Content)
	}
	if reloaded.Messages[1].Role != models.RoleAssistant || reloaded.Messages[1].Content != "Hello there" {
		t.Errorf("messages[1] = %s %q, want the assistant reply", reloaded.Messages[1].Role, reloaded.Messages[1].Content)
	}
	if reloaded.Title != "hi" {
		t.Errorf("session title = %q, want derived from the first message", reloaded.Title)
	}

	reqs := fake.requests()
	if len(reqs) != 1 {
		t.Fatalf("provider saw %d requests, want 1", len(reqs))
	}
	if reqs[0].System != defaultSystemPrompt {
		t.Errorf("request system prompt = %q, want the default prompt", reqs[0].System)
	}
	if reqs[0].CacheKey != sess.ID {
		t.Errorf("request cache key = %q, want the session id", reqs[0].CacheKey)
	}
	var names []string
	for _, td := range reqs[0].Tools {
		names = append(names, td.Name)
	}
	if !containsString(names, "todo-write") || !containsString(names, "subagent-general") {
		t.Errorf("advertised tools = %v, want built-ins and spawn tools", names)
	}

	msgs := log.ofType(models.EventMessage)
	if len(msgs) < 3 {
		t.Fatalf("emitted %d message events, want user + deltas + final", len(msgs))
	}
	final := msgs[len(msgs)-1].Data.(models.MessageEvent)
	if final.Streaming || final.Content != "Hello there" {
		t.Errorf("final message event = %+v, want the full assistant text", final)
	}
	completes := log.ofType(models.EventComplete)
	if len(completes) != 1 {
		t.Fatalf("emitted %d complete events, want 1", len(completes))
	}
	done := completes[0].Data.(models.CompleteEvent)
	if done.SessionID != sess.ID || done.Aborted {
		t.Errorf("complete event = %+v, want clean completion for the session", done)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	sess := mustCreateSession(t, eng)
	if err := eng.Chat(context.Background(), ChatRequest{SessionID: sess.ID}); err == nil {
		t.Fatal("Chat() with no content or attachments succeeded, want error")
	}
}

func TestChatUnknownSession(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	if err := eng.Chat(context.Background(), ChatRequest{SessionID: "b0e1", Content: "hi"}); err == nil {
		t.Fatal("Chat() with unknown session succeeded, want error")
	}
}

func TestChatInjectsEnvironmentInfo(t *testing.T) {
	eng, fake, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.Snowcfg.EnablePromptOptimization = true
	})
	sess := mustCreateSession(t, eng)
	fake.script(textTurn("ok"))

	if err := eng.Chat(context.Background(), ChatRequest{SessionID: sess.ID, Content: "hi"}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	reloaded, err := eng.Store().Get(sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(reloaded.Messages) != 3 {
		t.Fatalf("session has %d messages, want info + user + assistant", len(reloaded.Messages))
	}
	if !strings.Contains(reloaded.Messages[0].Content, "Useful information about the environment:") {
		t.Errorf("messages[0] = %q, want the environment info message", reloaded.Messages[0].Content)
	}

	// Only the first turn of a session gets the injection.
	fake.script(textTurn("again"))
	if err := eng.Chat(context.Background(), ChatRequest{SessionID: sess.ID, Content: "more"}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	reloaded, _ = eng.Store().Get(sess.ID)
	if len(reloaded.Messages) != 5 {
		t.Errorf("session has %d messages after second turn, want 5", len(reloaded.Messages))
	}
}

func TestChatToolRoundTrip(t *testing.T) {
	eng, fake, log := newTestEngine(t, nil)
	stub := &stubTool{name: "echo-run", result: "echoed: hi"}
	eng.Registry().RegisterBuiltin(stub)
	sess := mustCreateSession(t, eng)

	fake.script(
		callTurn(models.ToolCall{ID: "c1", Name: "echo-run", Input: json.RawMessage(`{"text":"hi"}`)}),
		textTurn("All done"),
	)

	if err := eng.Chat(context.Background(), ChatRequest{SessionID: sess.ID, Content: "run echo"}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if stub.callCount() != 1 {
		t.Errorf("stub executed %d times, want 1", stub.callCount())
	}

	reloaded, err := eng.Store().Get(sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(reloaded.Messages) != 4 {
		t.Fatalf("session has %d messages, want user + assistant calls + tool + assistant", len(reloaded.Messages))
	}
	asst := reloaded.Messages[1]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "c1" {
		t.Errorf("assistant tool calls = %+v, want the echo call", asst.ToolCalls)
	}
	toolMsg := reloaded.Messages[2]
	if toolMsg.Role != models.RoleTool || toolMsg.ToolCallID != "c1" || toolMsg.Content != "echoed: hi" {
		t.Errorf("tool message = %+v, want the stub result paired to c1", toolMsg)
	}
	if reloaded.Messages[3].Content != "All done" {
		t.Errorf("final assistant = %q, want All done", reloaded.Messages[3].Content)
	}

	// The second round sends the tool result back to the model.
	reqs := fake.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider saw %d requests, want 2", len(reqs))
	}
	if n := len(reqs[1].Messages); n != 3 {
		t.Errorf("second request carries %d messages, want user + assistant + tool", n)
	}

	callEvents := log.ofType(models.EventToolCall)
	if len(callEvents) != 1 {
		t.Fatalf("emitted %d tool_call events, want 1", len(callEvents))
	}
	if data := callEvents[0].Data.(models.ToolCallEvent); data.ID != "c1" || data.Name != "echo-run" {
		t.Errorf("tool_call event = %+v, want c1/echo-run", data)
	}
	resEvents := log.ofType(models.EventToolResult)
	if len(resEvents) != 1 {
		t.Fatalf("emitted %d tool_result events, want 1", len(resEvents))
	}
	if data := resEvents[0].Data.(models.ToolResultEvent); data.ToolCallID != "c1" || data.Content != "echoed: hi" || data.IsError {
		t.Errorf("tool_result event = %+v, want the stub result", data)
	}
}

func TestChatSensitiveCommandRejected(t *testing.T) {
	eng, fake, log := newTestEngine(t, nil)
	stub := &stubTool{name: "shell-run", result: "ran"}
	eng.Registry().RegisterBuiltin(stub)
	sess := mustCreateSession(t, eng)

	// rm -rf matches the default sensitive patterns, so YOLO does not
	// bypass confirmation.
	fake.script(
		callTurn(models.ToolCall{ID: "c1", Name: "shell-run", Input: json.RawMessage(`{"command":"rm -rf dist"}`)}),
		textTurn("understood"),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Chat(context.Background(), ChatRequest{SessionID: sess.ID, Content: "clean up"})
	}()

	ev := log.waitFor(t, models.EventToolConfirmationRequest)
	data := ev.Data.(models.ConfirmationRequestEvent)
	if !data.IsSensitive {
		t.Error("confirmation request IsSensitive = false, want true for rm -rf")
	}
	if data.ToolCall.ID != "c1" {
		t.Errorf("confirmation request call = %+v, want c1", data.ToolCall)
	}
	if ev.RequestID == "" {
		t.Fatal("confirmation request has no request id")
	}
	if !eng.ResolveConfirmation(ev.RequestID, scheduler.Decision{Kind: scheduler.DecisionReject}) {
		t.Fatal("ResolveConfirmation() = false, want the pending request resolved")
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Chat() did not return after the rejection")
	}

	if stub.callCount() != 0 {
		t.Errorf("stub executed %d times after rejection, want 0", stub.callCount())
	}
	reloaded, _ := eng.Store().Get(sess.ID)
	toolMsg := reloaded.Messages[2]
	if !strings.Contains(toolMsg.Content, "rejected") {
		t.Errorf("tool message = %q, want the rejection text", toolMsg.Content)
	}
}

func TestChatAbortKeepsPartialText(t *testing.T) {
	eng, fake, log := newTestEngine(t, nil)
	sess := mustCreateSession(t, eng)

	started := make(chan struct{})
	fake.script(func(ctx context.Context, ch chan<- *provider.StreamChunk) {
		ch <- &provider.StreamChunk{Kind: provider.ChunkContent, Text: "thinking about it"}
		close(started)
		<-ctx.Done()
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Chat(context.Background(), ChatRequest{SessionID: sess.ID, Content: "hi"})
	}()
	<-started
	if !eng.Abort(sess.ID) {
		t.Fatal("Abort() = false, want a running turn cancelled")
	}

	var err error
	select {
	case err = <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Chat() did not return after abort")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Chat() error = %v, want context.Canceled", err)
	}

	reloaded, _ := eng.Store().Get(sess.ID)
	if len(reloaded.Messages) != 2 || reloaded.Messages[1].Content != "thinking about it" {
		t.Errorf("session messages = %d, want the partial assistant text persisted", len(reloaded.Messages))
	}
	completes := log.ofType(models.EventComplete)
	if len(completes) != 1 {
		t.Fatalf("emitted %d complete events, want 1", len(completes))
	}
	if done := completes[0].Data.(models.CompleteEvent); !done.Aborted {
		t.Error("complete event Aborted = false, want true")
	}
}

func TestAbortWithoutRunningTurn(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	if eng.Abort("nothing-running") {
		t.Error("Abort() = true with no running turn, want false")
	}
}

func TestChatProviderError(t *testing.T) {
	eng, fake, log := newTestEngine(t, nil)
	sess := mustCreateSession(t, eng)
	boom := errors.New("upstream exploded")
	fake.script(errorTurn(boom))

	err := eng.Chat(context.Background(), ChatRequest{SessionID: sess.ID, Content: "hi"})
	if !errors.Is(err, boom) {
		t.Fatalf("Chat() error = %v, want the provider error", err)
	}

	errs := log.ofType(models.EventError)
	if len(errs) != 1 {
		t.Fatalf("emitted %d error events, want 1", len(errs))
	}
	if data := errs[0].Data.(models.ErrorEvent); !strings.Contains(data.Message, "upstream exploded") {
		t.Errorf("error event = %q, want the provider message", data.Message)
	}
	if got := log.ofType(models.EventComplete); len(got) != 0 {
		t.Errorf("emitted %d complete events for a failed turn with no text, want 0", len(got))
	}
}

func TestChatInjectsSpawnedResults(t *testing.T) {
	eng, fake, _ := newTestEngine(t, nil)
	stub := &stubTool{name: "echo-run", result: "ok"}
	eng.Registry().RegisterBuiltin(stub)
	sess := mustCreateSession(t, eng)

	eng.Tracker().PushSpawnedResult(SpawnedResult{
		InstanceID: "spawn-x",
		AgentID:    "explorer",
		Result:     "found 3 matches",
	})
	fake.script(
		callTurn(models.ToolCall{ID: "c1", Name: "echo-run", Input: json.RawMessage(`{}`)}),
		textTurn("done"),
	)

	if err := eng.Chat(context.Background(), ChatRequest{SessionID: sess.ID, Content: "go"}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	reloaded, _ := eng.Store().Get(sess.ID)
	var injected *models.Message
	for i := range reloaded.Messages {
		if strings.Contains(reloaded.Messages[i].Content, "Result from spawned agent explorer") {
			injected = &reloaded.Messages[i]
			break
		}
	}
	if injected == nil {
		t.Fatalf("no spawned-result message in session: %d messages", len(reloaded.Messages))
	}
	if injected.Role != models.RoleUser || !strings.Contains(injected.Content, "found 3 matches") {
		t.Errorf("spawned-result message = %s %q, want a user message with the result", injected.Role, injected.Content)
	}
}

func TestRollback(t *testing.T) {
	eng, _, log := newTestEngine(t, nil)
	sess := mustCreateSession(t, eng)

	notes := filepath.Join(eng.info.workDir, "notes.txt")
	if err := os.WriteFile(notes, []byte("v1"), 0o644); err != nil {
		t.Fatalf("write notes.txt: %v", err)
	}

	sess.Messages = []models.Message{
		{Role: models.RoleUser, Content: "edit notes"},
		{Role: models.RoleAssistant, Content: "editing"},
	}
	if err := eng.Store().Save(sess); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := eng.Snapshots().RecordBaseline(sess.ID, []string{"notes.txt"}); err != nil {
		t.Fatalf("RecordBaseline() error = %v", err)
	}
	if err := os.WriteFile(notes, []byte("v2"), 0o644); err != nil {
		t.Fatalf("overwrite notes.txt: %v", err)
	}
	if err := eng.Snapshots().Record(sess.ID, 2, []string{"notes.txt"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	sess.Messages = append(sess.Messages,
		models.Message{Role: models.RoleTool, Content: "wrote notes.txt", ToolCallID: "c1"},
		models.Message{Role: models.RoleAssistant, Content: "done"},
	)
	if err := eng.Store().Save(sess); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	res, err := eng.Rollback(sess.ID, 2)
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if !res.Success || res.FilesRolledBack != 1 {
		t.Fatalf("Rollback() = %+v, want one file restored", res)
	}
	if len(res.Files) != 1 || res.Files[0] != "notes.txt" {
		t.Errorf("Rollback() files = %v, want [notes.txt]", res.Files)
	}

	content, err := os.ReadFile(notes)
	if err != nil {
		t.Fatalf("read notes.txt: %v", err)
	}
	if string(content) != "v1" {
		t.Errorf("notes.txt = %q after rollback, want v1", content)
	}

	reloaded, _ := eng.Store().Get(sess.ID)
	if len(reloaded.Messages) != 2 {
		t.Errorf("session has %d messages after rollback, want truncated to 2", len(reloaded.Messages))
	}

	if got := log.ofType(models.EventRollbackRequest); len(got) != 1 {
		t.Errorf("emitted %d rollback_request events, want 1", len(got))
	}
	results := log.ofType(models.EventRollbackResult)
	if len(results) != 1 {
		t.Fatalf("emitted %d rollback_result events, want 1", len(results))
	}
	if data := results[0].Data.(models.RollbackResultEvent); !data.Success {
		t.Errorf("rollback_result event = %+v, want success", data)
	}
}

func TestRollbackIndexOutOfRange(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	sess := mustCreateSession(t, eng)
	if _, err := eng.Rollback(sess.ID, 7); err == nil {
		t.Fatal("Rollback() past the history succeeded, want error")
	}
	if _, err := eng.Rollback(sess.ID, -1); err == nil {
		t.Fatal("Rollback() with negative index succeeded, want error")
	}
}

func TestRollbackPoints(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	sess := mustCreateSession(t, eng)
	sess.Messages = []models.Message{
		{Role: models.RoleUser, Content: "first request"},
		{Role: models.RoleAssistant, Content: "sure"},
		{Role: models.RoleUser, Content: "second request"},
		{Role: models.RoleAssistant, Content: "done"},
	}
	if err := eng.Store().Save(sess); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := eng.Snapshots().Record(sess.ID, 1, []string{"a.txt"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	points, err := eng.RollbackPoints(sess.ID)
	if err != nil {
		t.Fatalf("RollbackPoints() error = %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("RollbackPoints() returned %d points, want one per user message", len(points))
	}
	if points[0].MessageIndex != 0 || points[0].Preview != "first request" {
		t.Errorf("points[0] = %+v, want index 0 with preview", points[0])
	}
	if points[0].FileCount != 1 {
		t.Errorf("points[0].FileCount = %d, want the a.txt snapshot counted", points[0].FileCount)
	}
	if points[1].FileCount != 0 {
		t.Errorf("points[1].FileCount = %d, want 0", points[1].FileCount)
	}
}

func TestSwitchAgent(t *testing.T) {
	eng, fake, log := newTestEngine(t, nil)
	sess := mustCreateSession(t, eng)

	ev, err := eng.SwitchAgent(sess.ID, "explorer")
	if err != nil {
		t.Fatalf("SwitchAgent() error = %v", err)
	}
	if ev.AgentID != "explorer" || ev.Name != "Explorer" {
		t.Errorf("SwitchAgent() = %+v, want the explorer definition", ev)
	}
	if got := log.ofType(models.EventAgentSwitched); len(got) != 1 {
		t.Errorf("emitted %d agent_switched events, want 1", len(got))
	}

	// The persona now fronts the conversation: its prompt and tool
	// subset replace the defaults.
	fake.script(textTurn("scouting"))
	if err := eng.Chat(context.Background(), ChatRequest{SessionID: sess.ID, Content: "look around"}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	req := fake.requests()[0]
	if !strings.Contains(req.System, "explore and summarize") {
		t.Errorf("request system = %q, want the explorer prompt", req.System)
	}
	for _, td := range req.Tools {
		if !strings.HasPrefix(td.Name, "todo-") {
			t.Errorf("tool %s advertised under explorer persona, want only todo-* here", td.Name)
		}
	}
}

func TestSwitchAgentUnknown(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	if _, err := eng.SwitchAgent("s1", "nonexistent"); err == nil {
		t.Fatal("SwitchAgent() with unknown agent succeeded, want error")
	}
}

func TestCompressSession(t *testing.T) {
	eng, fake, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.Snowcfg.CompactKeepRecent = 2
	})
	eng.compactor = compactor.New(fake, eng.model, discardLogger())
	sess := mustCreateSession(t, eng)
	sess.Messages = []models.Message{
		{Role: models.RoleUser, Content: "one"},
		{Role: models.RoleAssistant, Content: "two"},
		{Role: models.RoleUser, Content: "three"},
		{Role: models.RoleAssistant, Content: "four"},
		{Role: models.RoleUser, Content: "five"},
	}
	if err := eng.Store().Save(sess); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	fake.script(textTurn("the conversation so far"))

	res, err := eng.CompressSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("CompressSession() error = %v", err)
	}
	if res.Replaced != 3 {
		t.Errorf("Replaced = %d, want 3 messages summarized", res.Replaced)
	}

	reloaded, _ := eng.Store().Get(sess.ID)
	if len(reloaded.Messages) != 3 {
		t.Fatalf("session has %d messages after compression, want summary + 2 kept", len(reloaded.Messages))
	}
	if !strings.Contains(reloaded.Messages[0].Content, "the conversation so far") {
		t.Errorf("messages[0] = %q, want the summary text", reloaded.Messages[0].Content)
	}
}

func TestResolvePendingUnknownIDs(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	if eng.ResolveConfirmation("missing", scheduler.Decision{Kind: scheduler.DecisionApprove}) {
		t.Error("ResolveConfirmation() = true for unknown id, want false")
	}
	if eng.ResolveQuestion("missing", "answer") {
		t.Error("ResolveQuestion() = true for unknown id, want false")
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

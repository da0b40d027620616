package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/snowcoder/snow/internal/config"
	"github.com/snowcoder/snow/internal/scheduler"
	"github.com/snowcoder/snow/internal/tools"
	"github.com/snowcoder/snow/pkg/models"
)

func noopEmit(models.Event) {}

func generalAgent() models.AgentDef { return config.DefaultAgents()[0] }

func TestSpawnAgentRoundTrip(t *testing.T) {
	eng, fake, log := newTestEngine(t, nil)
	sess := mustCreateSession(t, eng)

	fake.script(
		callTurn(models.ToolCall{ID: "c1", Name: "subagent-general", Input: json.RawMessage(`{"prompt":"count the files"}`)}),
		textTurn("I counted 3 files"),
		textTurn("The sub-agent found 3 files"),
	)

	if err := eng.Chat(context.Background(), ChatRequest{SessionID: sess.ID, Content: "how many files?"}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	reloaded, err := eng.Store().Get(sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(reloaded.Messages) != 4 {
		t.Fatalf("session has %d messages, want user + assistant + tool + assistant", len(reloaded.Messages))
	}
	toolMsg := reloaded.Messages[2]
	if toolMsg.ToolCallID != "c1" || toolMsg.Content != "I counted 3 files" {
		t.Errorf("tool message = %+v, want the sub-agent's answer paired to c1", toolMsg)
	}

	reqs := fake.requests()
	if len(reqs) != 3 {
		t.Fatalf("provider saw %d requests, want main + sub + main", len(reqs))
	}
	sub := reqs[1]
	if !strings.Contains(sub.System, "delegated task") {
		t.Errorf("sub-agent system = %q, want the agent definition's prompt", sub.System)
	}
	if len(sub.Messages) != 2 {
		t.Fatalf("sub-agent request carries %d messages, want environment info + prompt", len(sub.Messages))
	}
	if !strings.Contains(sub.Messages[0].Content, "Useful information about the environment:") {
		t.Errorf("sub-agent messages[0] = %q, want the environment info", sub.Messages[0].Content)
	}
	if sub.Messages[1].Content != "count the files" {
		t.Errorf("sub-agent messages[1] = %q, want the spawn prompt", sub.Messages[1].Content)
	}
	if !strings.HasPrefix(sub.CacheKey, spawnPrefix) {
		t.Errorf("sub-agent cache key = %q, want the instance id", sub.CacheKey)
	}

	if n := eng.Tracker().Count(); n != 0 {
		t.Errorf("tracker still has %d instances after the turn, want 0", n)
	}

	// The sub-agent's streaming deltas are tagged with its agent id.
	var tagged bool
	for _, ev := range log.ofType(models.EventMessage) {
		if data, ok := ev.Data.(models.MessageEvent); ok && data.AgentID == "general" && data.Streaming {
			tagged = true
		}
	}
	if !tagged {
		t.Error("no streaming message event tagged with the sub-agent id")
	}
}

func TestSpawnAgentEmptyPrompt(t *testing.T) {
	eng, fake, log := newTestEngine(t, nil)
	sess := mustCreateSession(t, eng)

	fake.script(
		callTurn(models.ToolCall{ID: "c1", Name: "subagent-general", Input: json.RawMessage(`{"prompt":"   "}`)}),
		textTurn("noted"),
	)

	if err := eng.Chat(context.Background(), ChatRequest{SessionID: sess.ID, Content: "go"}); err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if n := len(fake.requests()); n != 2 {
		t.Errorf("provider saw %d requests, want 2 with no sub-agent run", n)
	}

	results := log.ofType(models.EventToolResult)
	if len(results) != 1 {
		t.Fatalf("emitted %d tool_result events, want 1", len(results))
	}
	data := results[0].Data.(models.ToolResultEvent)
	if !data.IsError || !strings.Contains(data.Content, "prompt is required") {
		t.Errorf("tool result = %+v, want the missing-prompt error", data)
	}
}

func TestSpawnDepthLimit(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	tool := &spawnTool{def: generalAgent(), eng: eng}
	st := &turnState{
		sessionID: "s1",
		depth:     maxSpawnDepth,
		emit:      noopEmit,
		approvals: scheduler.NewApprovals(true, nil, nil),
	}

	res, err := tool.Execute(withTurnState(context.Background(), st), tools.Request{
		Args: map[string]any{"prompt": "go deeper"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "nest") {
		t.Errorf("Execute() at max depth = %+v, want the nesting error", res)
	}
}

func TestSpawnWithoutTurnState(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	tool := &spawnTool{def: generalAgent(), eng: eng}

	res, err := tool.Execute(context.Background(), tools.Request{
		Args: map[string]any{"prompt": "hello"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "no active conversation") {
		t.Errorf("Execute() without turn state = %+v, want the no-conversation error", res)
	}
}

func TestSpawnNestedDeliversToQueue(t *testing.T) {
	eng, fake, _ := newTestEngine(t, nil)
	fake.script(textTurn("explored the tree"))

	tool := &spawnTool{def: generalAgent(), eng: eng}
	parent := &turnState{
		sessionID:  "s1",
		agentID:    "general",
		instanceID: "spawn-parent",
		depth:      1,
		emit:       noopEmit,
		approvals:  scheduler.NewApprovals(true, nil, nil),
	}

	res, err := tool.Execute(withTurnState(context.Background(), parent), tools.Request{
		Args: map[string]any{"prompt": "explore"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.IsError || !strings.Contains(res.Content, "Spawned agent general") {
		t.Errorf("Execute() = %+v, want the detached-spawn acknowledgement", res)
	}

	var spawned []SpawnedResult
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		spawned = eng.Tracker().DrainSpawnedResults()
		if len(spawned) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(spawned) != 1 {
		t.Fatalf("spawned-result queue has %d entries, want 1", len(spawned))
	}
	if spawned[0].AgentID != "general" || spawned[0].Result != "explored the tree" || spawned[0].Err != "" {
		t.Errorf("spawned result = %+v, want the detached agent's answer", spawned[0])
	}
}

func TestRunSubAgentRetriesEmptyResponse(t *testing.T) {
	restore := emptyStreamDelay
	emptyStreamDelay = time.Millisecond
	defer func() { emptyStreamDelay = restore }()

	eng, fake, _ := newTestEngine(t, nil)
	fake.script(emptyTurn(), textTurn("finally"))
	parent := &turnState{
		sessionID: "s1",
		emit:      noopEmit,
		approvals: scheduler.NewApprovals(true, nil, nil),
	}

	text, err := eng.runSubAgent(context.Background(), parent, generalAgent(), "spawn-t1", "task")
	if err != nil {
		t.Fatalf("runSubAgent() error = %v", err)
	}
	if text != "finally" {
		t.Errorf("runSubAgent() = %q, want the second attempt's text", text)
	}
	if n := len(fake.requests()); n != 2 {
		t.Errorf("provider saw %d requests, want 2", n)
	}
}

func TestRunSubAgentGivesUpOnEmptyResponses(t *testing.T) {
	restore := emptyStreamDelay
	emptyStreamDelay = time.Millisecond
	defer func() { emptyStreamDelay = restore }()

	eng, fake, _ := newTestEngine(t, nil)
	fake.script(emptyTurn(), emptyTurn(), emptyTurn())
	parent := &turnState{
		sessionID: "s1",
		emit:      noopEmit,
		approvals: scheduler.NewApprovals(true, nil, nil),
	}

	_, err := eng.runSubAgent(context.Background(), parent, generalAgent(), "spawn-t1", "task")
	if err == nil || !strings.Contains(err.Error(), "empty response") {
		t.Fatalf("runSubAgent() error = %v, want the empty-response failure", err)
	}
	if n := len(fake.requests()); n != emptyStreamAttempts {
		t.Errorf("provider saw %d requests, want %d attempts", n, emptyStreamAttempts)
	}
	if n := eng.Tracker().Count(); n != 0 {
		t.Errorf("tracker still has %d instances after failure, want 0", n)
	}
}

func TestRunSubAgentNoMatchingTools(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	def := models.AgentDef{ID: "narrow", Name: "Narrow", SystemPrompt: "x", AllowedTools: []string{"zzz-*"}}
	parent := &turnState{
		sessionID: "s1",
		emit:      noopEmit,
		approvals: scheduler.NewApprovals(true, nil, nil),
	}

	_, err := eng.runSubAgent(context.Background(), parent, def, "spawn-t1", "task")
	if err == nil || !strings.Contains(err.Error(), "no tools") {
		t.Fatalf("runSubAgent() error = %v, want the no-tools failure", err)
	}
}

func TestSendMessageTool(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	eng.Tracker().Register(Instance{InstanceID: "spawn-a", AgentID: "general"})
	tool := &sendMessageTool{eng: eng}
	ctx := withTurnState(context.Background(), &turnState{instanceID: "spawn-b", emit: noopEmit})

	res, err := tool.Execute(ctx, tools.Request{Args: map[string]any{"agent": "general", "message": "status?"}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.IsError || !strings.Contains(res.Content, "spawn-a") {
		t.Errorf("Execute() = %+v, want delivery to spawn-a acknowledged", res)
	}
	_, inter := eng.Tracker().Drain("spawn-a")
	if len(inter) != 1 || inter[0].From != "spawn-b" || inter[0].Text != "status?" {
		t.Errorf("queued messages = %+v, want one from spawn-b", inter)
	}
}

func TestSendMessageToolNoTarget(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	tool := &sendMessageTool{eng: eng}

	res, err := tool.Execute(context.Background(), tools.Request{Args: map[string]any{"agent": "ghost", "message": "hi"}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "no running instance") {
		t.Errorf("Execute() = %+v, want the no-instance error", res)
	}
}

func TestSendMessageToolMissingArgs(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	tool := &sendMessageTool{eng: eng}

	res, err := tool.Execute(context.Background(), tools.Request{Args: map[string]any{"agent": "general"}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError {
		t.Errorf("Execute() without message = %+v, want an error result", res)
	}
}

func TestFirstSentence(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Explores the codebase. Never writes.", "Explores the codebase."},
		{"short and periodless", "short and periodless"},
		{"  padded. tail", "padded."},
		{strings.Repeat("a", 200), strings.Repeat("a", 120)},
	}
	for _, tt := range tests {
		if got := firstSentence(tt.in); got != tt.want {
			t.Errorf("firstSentence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

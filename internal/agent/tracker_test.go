package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestTrackerRegisterListUnregister(t *testing.T) {
	tr := NewTracker()

	tr.Register(Instance{InstanceID: "spawn-a", AgentID: "general", Prompt: "first"})
	tr.Register(Instance{InstanceID: "spawn-b", AgentID: "explorer", Prompt: "second"})

	if got := tr.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
	list := tr.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d instances, want 2", len(list))
	}
	if list[0].InstanceID != "spawn-a" || list[1].InstanceID != "spawn-b" {
		t.Errorf("List() order = %s, %s; want registration order", list[0].InstanceID, list[1].InstanceID)
	}

	tr.Unregister("spawn-a")
	if got := tr.Count(); got != 1 {
		t.Errorf("Count() after unregister = %d, want 1", got)
	}
	if list := tr.List(); len(list) != 1 || list[0].InstanceID != "spawn-b" {
		t.Errorf("List() after unregister = %v, want only spawn-b", list)
	}

	// Unknown ids are ignored.
	tr.Unregister("spawn-missing")
	if got := tr.Count(); got != 1 {
		t.Errorf("Count() after unknown unregister = %d, want 1", got)
	}
}

func TestTrackerSubscribe(t *testing.T) {
	tr := NewTracker()

	var mu sync.Mutex
	var sizes []int
	cancel := tr.Subscribe(func(list []Instance) {
		mu.Lock()
		sizes = append(sizes, len(list))
		mu.Unlock()
	})

	tr.Register(Instance{InstanceID: "spawn-a", AgentID: "general"})
	tr.Unregister("spawn-a")

	mu.Lock()
	got := append([]int(nil), sizes...)
	mu.Unlock()
	if len(got) != 2 || got[0] != 1 || got[1] != 0 {
		t.Fatalf("subscriber saw sizes %v, want [1 0]", got)
	}

	cancel()
	tr.Register(Instance{InstanceID: "spawn-b", AgentID: "general"})
	mu.Lock()
	after := len(sizes)
	mu.Unlock()
	if after != 2 {
		t.Errorf("subscriber notified after cancel, saw %d calls, want 2", after)
	}
}

func TestTrackerQueues(t *testing.T) {
	tr := NewTracker()
	tr.Register(Instance{InstanceID: "spawn-a", AgentID: "general"})

	if err := tr.EnqueueUser("spawn-a", "keep going"); err != nil {
		t.Fatalf("EnqueueUser() error = %v", err)
	}
	if err := tr.EnqueueUser("spawn-missing", "hello"); err == nil {
		t.Error("EnqueueUser() for unknown instance succeeded, want error")
	}

	id, err := tr.SendAgentMessage("main", "general", "status?")
	if err != nil {
		t.Fatalf("SendAgentMessage() error = %v", err)
	}
	if id != "spawn-a" {
		t.Errorf("SendAgentMessage() routed to %s, want spawn-a", id)
	}

	user, inter := tr.Drain("spawn-a")
	if len(user) != 1 || user[0] != "keep going" {
		t.Errorf("Drain() user = %v, want [keep going]", user)
	}
	if len(inter) != 1 || inter[0].From != "main" || inter[0].Text != "status?" {
		t.Errorf("Drain() inter = %v, want one message from main", inter)
	}

	// Drain empties the queues.
	user, inter = tr.Drain("spawn-a")
	if len(user) != 0 || len(inter) != 0 {
		t.Errorf("second Drain() = %v, %v; want empty", user, inter)
	}
}

func TestTrackerSendAgentMessageNormalizesID(t *testing.T) {
	tr := NewTracker()
	tr.Register(Instance{InstanceID: "spawn-a", AgentID: "code-review"})

	if _, err := tr.SendAgentMessage("main", "Code_Review", "look at this"); err != nil {
		t.Fatalf("SendAgentMessage() with variant casing error = %v", err)
	}
	_, inter := tr.Drain("spawn-a")
	if len(inter) != 1 {
		t.Fatalf("Drain() inter = %v, want the normalized-id message", inter)
	}
}

func TestTrackerSendAgentMessageFirstInstanceWins(t *testing.T) {
	tr := NewTracker()
	tr.Register(Instance{InstanceID: "spawn-a", AgentID: "general"})
	tr.Register(Instance{InstanceID: "spawn-b", AgentID: "general"})

	id, err := tr.SendAgentMessage("main", "general", "ping")
	if err != nil {
		t.Fatalf("SendAgentMessage() error = %v", err)
	}
	if id != "spawn-a" {
		t.Errorf("SendAgentMessage() routed to %s, want the earliest instance spawn-a", id)
	}
}

func TestTrackerSendAgentMessageNoInstance(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.SendAgentMessage("main", "general", "ping"); err == nil {
		t.Fatal("SendAgentMessage() with no running instance succeeded, want error")
	}
}

func TestTrackerSpawnedResults(t *testing.T) {
	tr := NewTracker()
	tr.PushSpawnedResult(SpawnedResult{InstanceID: "spawn-a", AgentID: "general", Result: "done"})
	tr.PushSpawnedResult(SpawnedResult{InstanceID: "spawn-b", AgentID: "explorer", Err: "boom"})

	got := tr.DrainSpawnedResults()
	if len(got) != 2 {
		t.Fatalf("DrainSpawnedResults() returned %d results, want 2", len(got))
	}
	if got[0].Result != "done" || got[1].Err != "boom" {
		t.Errorf("DrainSpawnedResults() = %+v, want queue order preserved", got)
	}
	if rest := tr.DrainSpawnedResults(); len(rest) != 0 {
		t.Errorf("second DrainSpawnedResults() = %v, want empty", rest)
	}
}

func TestWaitForSpawnedAgents(t *testing.T) {
	tr := NewTracker()

	// Nothing running resolves immediately.
	if !tr.WaitForSpawnedAgents(context.Background(), 10*time.Millisecond) {
		t.Fatal("WaitForSpawnedAgents() with empty registry = false, want true")
	}

	tr.Register(Instance{InstanceID: NewInstanceID(), AgentID: "general"})
	if tr.WaitForSpawnedAgents(context.Background(), 20*time.Millisecond) {
		t.Fatal("WaitForSpawnedAgents() = true while an instance is running, want timeout")
	}

	id := tr.List()[0].InstanceID
	done := make(chan bool, 1)
	go func() {
		done <- tr.WaitForSpawnedAgents(context.Background(), 2*time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	tr.Unregister(id)

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("WaitForSpawnedAgents() = false after the last instance unregistered, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForSpawnedAgents() did not resolve after unregister")
	}
}

func TestNewInstanceID(t *testing.T) {
	a, b := NewInstanceID(), NewInstanceID()
	if !strings.HasPrefix(a, spawnPrefix) {
		t.Errorf("NewInstanceID() = %s, want %s prefix", a, spawnPrefix)
	}
	if a == b {
		t.Errorf("NewInstanceID() produced duplicate id %s", a)
	}
}

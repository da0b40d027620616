// Package agent runs the conversation: the main per-turn loop, the
// sub-agent runtime spawned from it, and the tracker that makes running
// instances observable and addressable.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// spawnPrefix marks tracker instance ids. WaitForSpawnedAgents resolves
// once no instance carrying it remains.
const spawnPrefix = "spawn-"

// Instance is one running sub-agent.
type Instance struct {
	InstanceID string
	AgentID    string
	Prompt     string
	StartedAt  time.Time
}

// AgentMessage is an inter-agent note queued for a running instance. It
// is observed by the target only at its next iteration boundary.
type AgentMessage struct {
	From string
	Text string
}

// SpawnedResult is the outcome of a sub-agent that was spawned by
// another sub-agent. The main loop drains these between tool rounds and
// injects each as a user message.
type SpawnedResult struct {
	InstanceID string
	AgentID    string
	Prompt     string
	Result     string
	Err        string
}

type instanceState struct {
	info  Instance
	user  []string
	inter []AgentMessage
}

// Tracker is the process-wide registry of running sub-agent instances.
// It carries the per-instance message queues, the spawned-result queue,
// and a change signal for waiters and subscribers.
type Tracker struct {
	mu        sync.Mutex
	instances map[string]*instanceState
	order     []string
	snapshot  []Instance
	spawned   []SpawnedResult
	changed   chan struct{}
	subs      map[int]func([]Instance)
	nextSub   int
}

func NewTracker() *Tracker {
	return &Tracker{
		instances: make(map[string]*instanceState),
		changed:   make(chan struct{}),
		subs:      make(map[int]func([]Instance)),
	}
}

// NewInstanceID mints a tracker instance id.
func NewInstanceID() string { return spawnPrefix + uuid.NewString() }

// Register adds a running instance and notifies subscribers.
func (t *Tracker) Register(inst Instance) {
	t.mu.Lock()
	if _, ok := t.instances[inst.InstanceID]; !ok {
		t.order = append(t.order, inst.InstanceID)
	}
	t.instances[inst.InstanceID] = &instanceState{info: inst}
	subs, list := t.mutatedLocked()
	t.mu.Unlock()
	notify(subs, list)
}

// Unregister removes an instance. Unknown ids are ignored; pending
// queue contents are dropped with the instance.
func (t *Tracker) Unregister(instanceID string) {
	t.mu.Lock()
	if _, ok := t.instances[instanceID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.instances, instanceID)
	for i, id := range t.order {
		if id == instanceID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	subs, list := t.mutatedLocked()
	t.mu.Unlock()
	notify(subs, list)
}

// List returns the current instances in registration order. The slice
// is rebuilt only on mutation; callers must treat it as read-only.
func (t *Tracker) List() []Instance {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

// Count reports how many instances are running.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.instances)
}

// Subscribe registers an observer invoked with the instance list after
// every registry change. The returned function removes it.
func (t *Tracker) Subscribe(fn func([]Instance)) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// EnqueueUser appends an injected user message to the instance's queue.
func (t *Tracker) EnqueueUser(instanceID, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.instances[instanceID]
	if !ok {
		return fmt.Errorf("no running instance %s", instanceID)
	}
	st.user = append(st.user, text)
	return nil
}

// SendAgentMessage queues text for the first running instance of the
// target agent type and returns that instance's id.
func (t *Tracker) SendAgentMessage(fromInstance, toAgentID, text string) (string, error) {
	want := normalizeAgentID(toAgentID)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.order {
		st := t.instances[id]
		if normalizeAgentID(st.info.AgentID) != want {
			continue
		}
		st.inter = append(st.inter, AgentMessage{From: fromInstance, Text: text})
		return id, nil
	}
	return "", fmt.Errorf("no running instance of agent %s", toAgentID)
}

// Drain pops and returns both pending queues for the instance. Sub-agent
// loops call it at the top of every iteration.
func (t *Tracker) Drain(instanceID string) (user []string, inter []AgentMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.instances[instanceID]
	if !ok {
		return nil, nil
	}
	user, st.user = st.user, nil
	inter, st.inter = st.inter, nil
	return user, inter
}

// PushSpawnedResult queues a nested sub-agent's outcome for the main
// loop.
func (t *Tracker) PushSpawnedResult(r SpawnedResult) {
	t.mu.Lock()
	t.spawned = append(t.spawned, r)
	subs, list := t.mutatedLocked()
	t.mu.Unlock()
	notify(subs, list)
}

// DrainSpawnedResults pops every queued spawned-agent outcome.
func (t *Tracker) DrainSpawnedResults() []SpawnedResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.spawned
	t.spawned = nil
	return out
}

// WaitForSpawnedAgents blocks until no spawn-prefixed instance remains,
// the timeout elapses, or ctx is cancelled. It reports whether the
// registry drained.
func (t *Tracker) WaitForSpawnedAgents(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		t.mu.Lock()
		remaining := 0
		for id := range t.instances {
			if strings.HasPrefix(id, spawnPrefix) {
				remaining++
			}
		}
		ch := t.changed
		t.mu.Unlock()
		if remaining == 0 {
			return true
		}
		select {
		case <-ch:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// mutatedLocked rebuilds the list snapshot, wakes waiters, and returns
// the subscriber set so the caller can notify outside the lock.
func (t *Tracker) mutatedLocked() ([]func([]Instance), []Instance) {
	t.snapshot = make([]Instance, 0, len(t.order))
	for _, id := range t.order {
		t.snapshot = append(t.snapshot, t.instances[id].info)
	}
	close(t.changed)
	t.changed = make(chan struct{})
	subs := make([]func([]Instance), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	return subs, t.snapshot
}

func notify(subs []func([]Instance), list []Instance) {
	for _, fn := range subs {
		fn(list)
	}
}

// normalizeAgentID makes agent-type comparison ignore case and the
// underscore/hyphen distinction, matching tool-name normalization.
func normalizeAgentID(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
}

package server

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// connBuffer bounds how many events queue for one client before the
// stream starts dropping.
const connBuffer = 256

type connection struct {
	id     string
	events chan []byte
}

// push enqueues one serialized event without blocking. It reports false
// when the client's buffer is full.
func (c *connection) push(data []byte) bool {
	select {
	case c.events <- data:
		return true
	default:
		return false
	}
}

// registry tracks open connections and which connection each session is
// bound to. A connection may serve several sessions; a session routes
// to at most one connection.
type registry struct {
	mu        sync.Mutex
	conns     map[string]*connection
	bySession map[string]string
}

func newRegistry() *registry {
	return &registry{
		conns:     make(map[string]*connection),
		bySession: make(map[string]string),
	}
}

func (r *registry) add() *connection {
	c := &connection{id: uuid.NewString(), events: make(chan []byte, connBuffer)}
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
	return c
}

func (r *registry) remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
	for sessionID, id := range r.bySession {
		if id == connID {
			delete(r.bySession, sessionID)
		}
	}
}

// bind routes the session's events to the connection, replacing any
// previous binding for that session.
func (r *registry) bind(sessionID, connID string) (*connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil, fmt.Errorf("no open connection %s", connID)
	}
	r.bySession[sessionID] = connID
	return c, nil
}

func (r *registry) unbind(sessionID string) {
	r.mu.Lock()
	delete(r.bySession, sessionID)
	r.mu.Unlock()
}

func (r *registry) forSession(sessionID string) *connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bySession[sessionID]
	if !ok {
		return nil
	}
	return r.conns[id]
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

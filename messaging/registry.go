package messaging

import (
	"sort"
	"sync"
	"time"

	"github.com/unidel2035/agentbus/contracts"
)

// Connection describes a registered agent
type Connection struct {
	AgentID     string
	ConnectedAt time.Time
}

type connection struct {
	Connection
	transport Transport
	closeOnce sync.Once
	closeErr  error
}

func (c *connection) close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}

// connectionRegistry binds agent ids to their live transport. Registration,
// explicit removal and transport-close callbacks all go through mu.
type connectionRegistry struct {
	mu      sync.RWMutex
	conns   map[string]*connection
	closed  bool
	readers sync.WaitGroup
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{conns: make(map[string]*connection)}
}

// register binds conn and returns the connection it replaced.
// The reader count is raised under the same lock so closeAll can wait for it.
func (r *connectionRegistry) register(conn *connection) (*connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, contracts.ErrBusClosed
	}
	prev := r.conns[conn.AgentID]
	r.conns[conn.AgentID] = conn
	r.readers.Add(1)
	return prev, nil
}

func (r *connectionRegistry) unregister(agentID string) *connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[agentID]
	if !ok {
		return nil
	}
	delete(r.conns, agentID)
	return conn
}

// unregisterIf removes the binding only if it still points at conn, so a
// closing old transport cannot remove a newer registration
func (r *connectionRegistry) unregisterIf(conn *connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[conn.AgentID] != conn {
		return false
	}
	delete(r.conns, conn.AgentID)
	return true
}

func (r *connectionRegistry) get(agentID string) (*connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[agentID]
	return conn, ok
}

func (r *connectionRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *connectionRegistry) list() []Connection {
	r.mu.RLock()
	out := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn.Connection)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// closeAll refuses further registrations and removes every binding
func (r *connectionRegistry) closeAll() []*connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	out := make([]*connection, 0, len(r.conns))
	for id, conn := range r.conns {
		out = append(out, conn)
		delete(r.conns, id)
	}
	return out
}

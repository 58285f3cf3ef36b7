package connection

import (
	"sync"

	"github.com/google/uuid"
)

// Registry is an arena-style, UUID-keyed table of live Connections, the
// adaptation of spec section 9's design note: "Cyclic references via
// UUID-keyed registry with weak handles." Go has no first-class weak
// reference; the adaptation is a plain mutex-protected map. A Transfer or
// TransferEngine holds only the uuid.UUID handle, never a *Connection
// pointer, and re-resolves it on every access through Resolve — once a
// Connection is unregistered, Resolve simply returns nil instead of keeping
// a torn-down connection's goroutines reachable.
type Registry struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Connection
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uuid.UUID]*Connection)}
}

// Register assigns a fresh handle to conn and returns it.
func (r *Registry) Register(conn *Connection) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	r.byID[id] = conn
	r.mu.Unlock()
	return id
}

// Resolve returns the live Connection for handle, or nil once it has been
// unregistered.
func (r *Registry) Resolve(handle uuid.UUID) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[handle]
}

// Unregister drops handle so future Resolve calls return nil.
func (r *Registry) Unregister(handle uuid.UUID) {
	r.mu.Lock()
	delete(r.byID, handle)
	r.mu.Unlock()
}

// Len reports the number of live handles, for the root Engine's Stats().
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns a snapshot of every currently-registered Connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

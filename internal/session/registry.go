package session

import (
	"sync"

	"github.com/serviq/whatsapp-backend/internal/protocol"
)

// Registry tracks the live protocol handle per session. At most one handle
// exists per session ID at any time.
type Registry interface {
	// Get returns the live handle for a session, or nil.
	Get(sessionID string) protocol.Client

	// Set installs a handle and returns the one it replaced, if any. The
	// caller owns stopping the replaced handle.
	Set(sessionID string, client protocol.Client) protocol.Client

	// Release removes the handle only if it is still the registered one,
	// so a finished connection never evicts its successor.
	Release(sessionID string, client protocol.Client)

	// All returns a snapshot of the registered handles keyed by session ID.
	All() map[string]protocol.Client
}

// NewRegistry creates an in-memory registry.
func NewRegistry() Registry {
	return &memoryRegistry{clients: make(map[string]protocol.Client)}
}

type memoryRegistry struct {
	mu      sync.RWMutex
	clients map[string]protocol.Client
}

func (r *memoryRegistry) Get(sessionID string) protocol.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[sessionID]
}

func (r *memoryRegistry) Set(sessionID string, client protocol.Client) protocol.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.clients[sessionID]
	r.clients[sessionID] = client
	return prev
}

func (r *memoryRegistry) Release(sessionID string, client protocol.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[sessionID] == client {
		delete(r.clients, sessionID)
	}
}

func (r *memoryRegistry) All() map[string]protocol.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]protocol.Client, len(r.clients))
	for id, c := range r.clients {
		snapshot[id] = c
	}
	return snapshot
}

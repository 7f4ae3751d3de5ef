// Package bridge fans protocol and session events out to realtime clients.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const sendTimeout = 5 * time.Second

// sink is a writable client connection. The websocket handler provides the
// real implementation; tests substitute their own.
type sink interface {
	Send(ctx context.Context, data []byte) error
}

// envelope is the wire shape of every server-to-client event.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Hub tracks which connections observe which tenants and sessions. Events
// are always broadcast to a group, never to an individual connection, so
// every client observing a session sees the same stream.
type Hub struct {
	mu       sync.RWMutex
	tenants  map[string]map[sink]struct{}
	sessions map[string]map[sink]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		tenants:  make(map[string]map[sink]struct{}),
		sessions: make(map[string]map[sink]struct{}),
	}
}

// Join adds a connection to a tenant's broadcast group.
func (h *Hub) Join(tenantID string, s sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.tenants[tenantID]; !ok {
		h.tenants[tenantID] = make(map[sink]struct{})
	}
	h.tenants[tenantID][s] = struct{}{}
}

// Subscribe adds a connection to a session's broadcast group. A connection
// may observe many sessions over its lifetime.
func (h *Hub) Subscribe(sessionID string, s sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sessionID]; !ok {
		h.sessions[sessionID] = make(map[sink]struct{})
	}
	h.sessions[sessionID][s] = struct{}{}
}

// Leave removes a connection from every group. Called once when the
// connection closes.
func (h *Hub) Leave(s sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for tenantID, group := range h.tenants {
		delete(group, s)
		if len(group) == 0 {
			delete(h.tenants, tenantID)
		}
	}
	for sessionID, group := range h.sessions {
		delete(group, s)
		if len(group) == 0 {
			delete(h.sessions, sessionID)
		}
	}
}

// BroadcastToSession delivers an event to every subscriber of a session.
// Delivery is best-effort: a dead client never blocks the others or the
// caller beyond the send timeout.
func (h *Hub) BroadcastToSession(sessionID, event string, data any) {
	h.mu.RLock()
	members := make([]sink, 0, len(h.sessions[sessionID]))
	for s := range h.sessions[sessionID] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	h.deliver(members, event, data, "session_id", sessionID)
}

// BroadcastToTenant delivers an event to every connection of a tenant.
func (h *Hub) BroadcastToTenant(tenantID, event string, data any) {
	h.mu.RLock()
	members := make([]sink, 0, len(h.tenants[tenantID]))
	for s := range h.tenants[tenantID] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	h.deliver(members, event, data, "tenant_id", tenantID)
}

func (h *Hub) deliver(members []sink, event string, data any, scopeKey, scope string) {
	if len(members) == 0 {
		return
	}

	payload, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		slog.Error("failed to marshal broadcast", "event", event, scopeKey, scope, "error", err)
		return
	}

	for _, s := range members {
		go func(s sink) {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := s.Send(ctx, payload); err != nil {
				slog.Debug("broadcast delivery failed", "event", event, scopeKey, scope, "error", err)
			}
		}(s)
	}
}

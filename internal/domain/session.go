// Package domain contains core domain types for the messaging gateway.
package domain

import (
	"time"
)

// Session lifecycle statuses. A session moves initializing -> awaiting_pairing
// -> connected, and ends up disconnected or replaced. Replaced and logged-out
// sessions require a fresh pairing to come back.
const (
	StatusInitializing    = "initializing"
	StatusAwaitingPairing = "awaiting_pairing"
	StatusConnected       = "connected"
	StatusDisconnected    = "disconnected"
	StatusReplaced        = "replaced"
	StatusError           = "error"
)

// Session is one logical chat-protocol identity owned by a tenant.
type Session struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

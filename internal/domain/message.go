package domain

import (
	"time"
)

// Message is an immutable record within a chat. Messages are append-only;
// direction is fixed at creation and records are never updated or reordered.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ChatID    string    `json:"chat_id"`
	FromMe    bool      `json:"from_me"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

package domain

import (
	"time"
)

// Chat is a conversation between a session and one external contact.
// Rollup fields are updated on every persisted message; UnreadCount is
// write-only-increment here, reset is owned by the reading surface.
type Chat struct {
	SessionID     string    `json:"session_id"`
	ChatID        string    `json:"chat_id"`
	DisplayName   string    `json:"display_name"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
}

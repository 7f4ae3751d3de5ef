// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/serviq/whatsapp-backend/internal/domain"
)

// Repository defines the interface for persisting sessions, chats and messages.
// Records are hierarchical: tenant -> session -> chat -> message.
type Repository interface {
	// UpsertSession creates or updates a session record.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID. Returns (nil, nil) if absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions retrieves all session summaries for a tenant.
	ListSessions(ctx context.Context, tenantID string) ([]*domain.Session, error)

	// UpdateSessionStatus updates the lifecycle status of a session.
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error

	// SaveCredentials durably stores opaque credential material for a session.
	// The write must be complete before the caller processes further protocol
	// events for that session.
	SaveCredentials(ctx context.Context, sessionID string, data []byte) error

	// LoadCredentials returns stored credential material, or nil if none.
	LoadCredentials(ctx context.Context, sessionID string) ([]byte, error)

	// EraseCredentials removes all credential material for a session so it
	// can never be silently resumed.
	EraseCredentials(ctx context.Context, sessionID string) error

	// SessionsWithCredentials lists sessions that hold credential material
	// and are therefore candidates for resume on process start.
	SessionsWithCredentials(ctx context.Context) ([]*domain.Session, error)

	// UpsertChat creates a chat record or refreshes its display name.
	// Rollup fields are not touched.
	UpsertChat(ctx context.Context, chat *domain.Chat) error

	// GetChat retrieves a chat by session and contact. Returns (nil, nil) if absent.
	GetChat(ctx context.Context, sessionID, chatID string) (*domain.Chat, error)

	// AppendMessage transactionally persists a message and updates the parent
	// chat's rollup fields (last message, timestamp, unread count for inbound).
	// The chat is created if absent; displayName is applied when non-empty.
	AppendMessage(ctx context.Context, msg *domain.Message, displayName string) error

	// ListMessages returns all messages for a chat in persistence order.
	ListMessages(ctx context.Context, sessionID, chatID string) ([]*domain.Message, error)

	// DeleteChat removes all messages for a chat and then the chat record
	// itself, children before parent.
	DeleteChat(ctx context.Context, sessionID, chatID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

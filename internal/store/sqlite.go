package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/serviq/whatsapp-backend/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		status TEXT NOT NULL,
		credentials BLOB,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);

	CREATE TABLE IF NOT EXISTS chats (
		session_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		last_message TEXT NOT NULL DEFAULT '',
		last_message_at INTEGER NOT NULL DEFAULT 0,
		unread_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, chat_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		from_me INTEGER NOT NULL,
		text TEXT NOT NULL,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(session_id, chat_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertSession creates or updates a session record. Credential material is
// never touched here; SaveCredentials/EraseCredentials own that column.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, tenant_id, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		status = excluded.status,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.TenantID, session.Status,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, tenant_id, status, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions retrieves all sessions for a tenant, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, tenantID string) ([]*domain.Session, error) {
	query := `
		SELECT session_id, tenant_id, status, created_at, updated_at
		FROM sessions WHERE tenant_id = ? ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "sessions")

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionStatus updates the lifecycle status of a session.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	query := `UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`
	result, err := s.db.ExecContext(ctx, query, status, time.Now().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateSessionStatus affected 0 rows", "session_id", sessionID, "status", status)
	}
	return nil
}

// SaveCredentials durably stores credential material for a session.
func (s *SQLiteStore) SaveCredentials(ctx context.Context, sessionID string, data []byte) error {
	query := `UPDATE sessions SET credentials = ?, updated_at = ? WHERE session_id = ?`
	result, err := s.db.ExecContext(ctx, query, data, time.Now().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("save credentials: session %s not found", sessionID)
	}
	return nil
}

// LoadCredentials returns stored credential material, or nil if none.
func (s *SQLiteStore) LoadCredentials(ctx context.Context, sessionID string) ([]byte, error) {
	query := `SELECT credentials FROM sessions WHERE session_id = ?`

	var data []byte
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return data, nil
}

// EraseCredentials removes credential material for a session.
func (s *SQLiteStore) EraseCredentials(ctx context.Context, sessionID string) error {
	query := `UPDATE sessions SET credentials = NULL, updated_at = ? WHERE session_id = ?`
	if _, err := s.db.ExecContext(ctx, query, time.Now().Unix(), sessionID); err != nil {
		return fmt.Errorf("erase credentials: %w", err)
	}
	return nil
}

// SessionsWithCredentials lists sessions that hold credential material.
func (s *SQLiteStore) SessionsWithCredentials(ctx context.Context) ([]*domain.Session, error) {
	query := `
		SELECT session_id, tenant_id, status, created_at, updated_at
		FROM sessions WHERE credentials IS NOT NULL ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query resumable sessions: %w", err)
	}
	defer closeRows(rows, "resumable sessions")

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resumable sessions: %w", err)
	}
	return sessions, nil
}

// UpsertChat creates a chat record or refreshes its display name.
func (s *SQLiteStore) UpsertChat(ctx context.Context, chat *domain.Chat) error {
	query := `
	INSERT INTO chats (session_id, chat_id, display_name, last_message, last_message_at, unread_count)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, chat_id) DO UPDATE SET
		display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE chats.display_name END`

	_, err := s.db.ExecContext(ctx, query,
		chat.SessionID, chat.ChatID, chat.DisplayName,
		chat.LastMessage, chat.LastMessageAt.Unix(), chat.UnreadCount,
	)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// GetChat retrieves a chat by session and contact.
func (s *SQLiteStore) GetChat(ctx context.Context, sessionID, chatID string) (*domain.Chat, error) {
	query := `
		SELECT session_id, chat_id, display_name, last_message, last_message_at, unread_count
		FROM chats WHERE session_id = ? AND chat_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID, chatID)

	var chat domain.Chat
	var lastMessageAt int64
	err := row.Scan(
		&chat.SessionID, &chat.ChatID, &chat.DisplayName,
		&chat.LastMessage, &lastMessageAt, &chat.UnreadCount,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat row: %w", err)
	}
	chat.LastMessageAt = time.Unix(lastMessageAt, 0)
	return &chat, nil
}

// AppendMessage persists a message and updates the parent chat rollups in a
// single transaction, so a chat can never reference a message that was not
// stored.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message, displayName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	insertMsg := `
	INSERT INTO messages (id, session_id, chat_id, from_me, text, ts)
	VALUES (?, ?, ?, ?, ?, ?)`

	if _, err := tx.ExecContext(ctx, insertMsg,
		msg.ID, msg.SessionID, msg.ChatID, msg.FromMe, msg.Text, msg.Timestamp.Unix(),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	// Unread count only grows for inbound messages; outbound traffic is
	// authored here and is read by definition.
	unreadDelta := 0
	if !msg.FromMe {
		unreadDelta = 1
	}

	upsertChat := `
	INSERT INTO chats (session_id, chat_id, display_name, last_message, last_message_at, unread_count)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, chat_id) DO UPDATE SET
		display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE chats.display_name END,
		last_message = excluded.last_message,
		last_message_at = excluded.last_message_at,
		unread_count = chats.unread_count + ?`

	if _, err := tx.ExecContext(ctx, upsertChat,
		msg.SessionID, msg.ChatID, displayName,
		msg.Text, msg.Timestamp.Unix(), unreadDelta, unreadDelta,
	); err != nil {
		return fmt.Errorf("update chat rollup: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append transaction: %w", err)
	}
	return nil
}

// ListMessages returns all messages for a chat in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID, chatID string) ([]*domain.Message, error) {
	query := `
		SELECT id, session_id, chat_id, from_me, text, ts
		FROM messages WHERE session_id = ? AND chat_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, sessionID, chatID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var ts int64
		if err := rows.Scan(
			&msg.ID, &msg.SessionID, &msg.ChatID, &msg.FromMe, &msg.Text, &ts,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Timestamp = time.Unix(ts, 0)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// DeleteChat removes a chat and its messages, children before parent.
func (s *SQLiteStore) DeleteChat(ctx context.Context, sessionID, chatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND chat_id = ?`, sessionID, chatID,
	); err != nil {
		return fmt.Errorf("delete chat messages: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chats WHERE session_id = ? AND chat_id = ?`, sessionID, chatID,
	); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var createdAt, updatedAt int64

	if err := row.Scan(
		&session.ID, &session.TenantID, &session.Status, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}

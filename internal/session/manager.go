// Package session drives chat-protocol connections through their lifecycle
// and translates protocol events into persisted state and broadcasts.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/serviq/whatsapp-backend/internal/domain"
	"github.com/serviq/whatsapp-backend/internal/protocol"
	"github.com/serviq/whatsapp-backend/internal/store"
)

var (
	// ErrSessionNotFound means no session record exists for the ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrForbidden means the session belongs to a different tenant.
	ErrForbidden = errors.New("session belongs to another tenant")
	// ErrSessionNotLive means the session has no registered live handle.
	ErrSessionNotLive = errors.New("session is not connected")
)

// Broadcaster delivers an event to every client subscribed to a session.
// Implemented by the realtime bridge hub.
type Broadcaster interface {
	BroadcastToSession(sessionID, event string, data any)
}

// Manager owns every live protocol connection in this process. All effects
// of its operations are asynchronous: state lands in the store and events
// flow through the broadcaster.
type Manager struct {
	store     store.Repository
	dialer    protocol.Dialer
	registry  Registry
	broadcast Broadcaster
	policy    ReconnectPolicy

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

type run struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a session manager.
func NewManager(repo store.Repository, dialer protocol.Dialer, registry Registry, broadcast Broadcaster, policy ReconnectPolicy) *Manager {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     repo,
		dialer:    dialer,
		registry:  registry,
		broadcast: broadcast,
		policy:    policy,
		baseCtx:   baseCtx,
		cancel:    cancel,
		runs:      make(map[string]*run),
	}
}

// authorize loads the session and checks tenant ownership.
func (m *Manager) authorize(ctx context.Context, tenantID, sessionID string) (*domain.Session, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if session.TenantID != tenantID {
		return nil, ErrForbidden
	}
	return session, nil
}

// StartOrResume opens a protocol connection for the session, creating the
// session record on first use. Calling it for a session whose connection
// loop is already running is a no-op.
func (m *Manager) StartOrResume(ctx context.Context, tenantID, sessionID string) error {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		now := time.Now()
		session = &domain.Session{
			ID:        sessionID,
			TenantID:  tenantID,
			Status:    domain.StatusInitializing,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.store.UpsertSession(ctx, session); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	} else if session.TenantID != tenantID {
		return ErrForbidden
	}

	m.mu.Lock()
	_, running := m.runs[sessionID]
	m.mu.Unlock()
	if running {
		return nil
	}

	m.startRun(session.TenantID, sessionID)
	return nil
}

// RequestNewQR restarts the session's connection from scratch so the normal
// pairing path produces a fresh artifact, superseding any prior one.
func (m *Manager) RequestNewQR(ctx context.Context, tenantID, sessionID string) error {
	session, err := m.authorize(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	m.startRun(session.TenantID, sessionID)
	return nil
}

// Send delivers a text message through the session's live handle. The handle
// is read from the registry per call, never cached.
func (m *Manager) Send(ctx context.Context, tenantID, sessionID, contactID, content string) error {
	if _, err := m.authorize(ctx, tenantID, sessionID); err != nil {
		return err
	}

	client := m.registry.Get(sessionID)
	if client == nil {
		m.broadcast.BroadcastToSession(sessionID, EventSendError, SendErrorPayload{
			SessionID: sessionID,
			ContactID: contactID,
			Error:     "session is not connected",
		})
		return ErrSessionNotLive
	}

	receipt, err := client.SendText(ctx, contactID, content)
	if err != nil {
		m.broadcast.BroadcastToSession(sessionID, EventSendError, SendErrorPayload{
			SessionID: sessionID,
			ContactID: contactID,
			Error:     err.Error(),
		})
		return fmt.Errorf("send message: %w", err)
	}

	msg := &domain.Message{
		ID:        receipt.ID,
		SessionID: sessionID,
		ChatID:    contactID,
		FromMe:    true,
		Text:      content,
		Timestamp: receipt.Timestamp,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if err := m.persistMessage(ctx, tenantID, msg, ""); err != nil {
		return fmt.Errorf("persist outbound message: %w", err)
	}

	m.broadcast.BroadcastToSession(sessionID, EventNewMessage, NewMessagePayload{
		SessionID: sessionID,
		ContactID: contactID,
		Message:   MessageBody{FromMe: true, Text: content, Timestamp: msg.Timestamp},
	})
	return nil
}

// CheckNumber asks the protocol whether a phone number has an account. On
// success a chat is upserted under the resolved contact ID; on failure no
// chat is created and the result carries a reason.
func (m *Manager) CheckNumber(ctx context.Context, tenantID, sessionID, phone string) error {
	if _, err := m.authorize(ctx, tenantID, sessionID); err != nil {
		return err
	}

	client := m.registry.Get(sessionID)
	if client == nil {
		m.broadcast.BroadcastToSession(sessionID, EventNumberCheckResult, NumberCheckPayload{
			SessionID: sessionID,
			Valid:     false,
			Number:    phone,
			Error:     "session is not connected",
		})
		return ErrSessionNotLive
	}

	status, err := client.CheckNumber(ctx, phone)
	if err != nil || !status.Registered {
		reason := "number is not registered"
		if err != nil {
			reason = err.Error()
		}
		m.broadcast.BroadcastToSession(sessionID, EventNumberCheckResult, NumberCheckPayload{
			SessionID: sessionID,
			Valid:     false,
			Number:    phone,
			Error:     reason,
		})
		return nil
	}

	chat := &domain.Chat{SessionID: sessionID, ChatID: status.JID}
	if err := m.store.UpsertChat(ctx, chat); err != nil {
		slog.Error("failed to upsert chat for verified number",
			"tenant_id", tenantID, "session_id", sessionID, "chat_id", status.JID, "error", err)
	}

	m.broadcast.BroadcastToSession(sessionID, EventNumberCheckResult, NumberCheckPayload{
		SessionID: sessionID,
		Valid:     true,
		JID:       status.JID,
		Number:    phone,
	})
	return nil
}

// Logout unlinks the session upstream (best-effort), then unconditionally
// erases credentials and marks the session disconnected so it can never be
// silently resumed.
func (m *Manager) Logout(ctx context.Context, tenantID, sessionID string) error {
	if _, err := m.authorize(ctx, tenantID, sessionID); err != nil {
		return err
	}

	if client := m.registry.Get(sessionID); client != nil {
		if err := client.Logout(ctx); err != nil {
			slog.Warn("protocol logout failed, continuing cleanup",
				"session_id", sessionID, "error", err)
		}
	}
	m.stopRun(sessionID)

	if err := m.store.EraseCredentials(ctx, sessionID); err != nil {
		return fmt.Errorf("erase credentials: %w", err)
	}
	m.setStatus(ctx, sessionID, domain.StatusDisconnected)
	m.broadcast.BroadcastToSession(sessionID, EventDisconnected, StatusPayload{
		SessionID: sessionID,
		Message:   "session logged out",
	})
	return nil
}

// ResumeAll starts one connection attempt for every stored session that
// still holds credentials. Called once at process start to rebuild the
// registry.
func (m *Manager) ResumeAll(ctx context.Context) error {
	sessions, err := m.store.SessionsWithCredentials(ctx)
	if err != nil {
		return fmt.Errorf("list resumable sessions: %w", err)
	}
	for _, session := range sessions {
		slog.Info("resuming session", "session_id", session.ID, "tenant_id", session.TenantID)
		m.startRun(session.TenantID, session.ID)
	}
	return nil
}

// Close stops every connection loop and waits for them to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// startRun launches the connection loop for a session, superseding any
// loop already running for the same ID.
func (m *Manager) startRun(tenantID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if prev, ok := m.runs[sessionID]; ok {
		prev.cancel()
	}

	r := &run{}
	r.ctx, r.cancel = context.WithCancel(m.baseCtx)
	m.runs[sessionID] = r

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			if m.runs[sessionID] == r {
				delete(m.runs, sessionID)
			}
			m.mu.Unlock()
		}()
		m.runSession(r.ctx, tenantID, sessionID)
	}()
}

// stopRun cancels the connection loop for a session, if any.
func (m *Manager) stopRun(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[sessionID]; ok {
		r.cancel()
		delete(m.runs, sessionID)
	}
}

// runSession is the outer connection loop: dial, consume events, and on a
// transient drop retry under the reconnect policy. A connected period
// resets the attempt counter.
func (m *Manager) runSession(ctx context.Context, tenantID, sessionID string) {
	attempt := 0
	for {
		creds, err := m.store.LoadCredentials(ctx, sessionID)
		if err != nil {
			slog.Error("failed to load credentials",
				"tenant_id", tenantID, "session_id", sessionID, "error", err)
			return
		}

		out := m.runOnce(ctx, tenantID, sessionID, creds)
		if out.stop || ctx.Err() != nil {
			return
		}

		if out.wasConnected {
			attempt = 0
		}
		attempt++
		if attempt > m.policy.MaxAttempts {
			slog.Warn("reconnect attempts exhausted",
				"session_id", sessionID, "attempts", m.policy.MaxAttempts)
			m.setStatus(ctx, sessionID, domain.StatusDisconnected)
			m.broadcast.BroadcastToSession(sessionID, EventDisconnected, StatusPayload{
				SessionID: sessionID,
				Message:   "connection lost, reconnect attempts exhausted",
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.policy.Delay(attempt)):
		}
	}
}

type outcome struct {
	// stop means the run is over: terminal disconnect or cancellation.
	stop bool
	// wasConnected reports whether the connection reached connected state.
	wasConnected bool
}

// runOnce drives a single protocol connection until it ends. Events are
// consumed strictly in order; a credential update must be durable before
// the next event is touched.
func (m *Manager) runOnce(ctx context.Context, tenantID, sessionID string, creds []byte) outcome {
	m.setStatus(ctx, sessionID, domain.StatusInitializing)

	client, err := m.dialer.Dial(ctx, sessionID, creds)
	if err != nil {
		slog.Error("dial failed", "session_id", sessionID, "error", err)
		return outcome{}
	}

	if prev := m.registry.Set(sessionID, client); prev != nil {
		prev.Disconnect()
	}
	defer m.registry.Release(sessionID, client)

	if err := client.Connect(ctx); err != nil {
		slog.Error("connect failed", "session_id", sessionID, "error", err)
		client.Disconnect()
		return outcome{}
	}

	out := outcome{}
	for {
		select {
		case <-ctx.Done():
			client.Disconnect()
			out.stop = true
			return out

		case ev, ok := <-client.Events():
			if !ok {
				// Channel closed without a terminal cause; treat as a
				// transient drop.
				return out
			}
			switch e := ev.(type) {
			case protocol.QRCode:
				m.handleQR(ctx, sessionID, e.Code)

			case protocol.CredentialUpdate:
				if err := m.store.SaveCredentials(ctx, sessionID, e.Data); err != nil {
					slog.Error("credential persist failed, stopping session",
						"tenant_id", tenantID, "session_id", sessionID, "error", err)
					m.setStatus(ctx, sessionID, domain.StatusError)
					client.Disconnect()
					out.stop = true
					return out
				}

			case protocol.Connected:
				out.wasConnected = true
				m.setStatus(ctx, sessionID, domain.StatusConnected)
				m.broadcast.BroadcastToSession(sessionID, EventConnected, StatusPayload{
					SessionID: sessionID,
					Message:   "session connected",
				})

			case protocol.IncomingMessage:
				m.handleInbound(ctx, tenantID, sessionID, e)

			case protocol.Disconnected:
				return m.handleDisconnect(ctx, sessionID, e.Cause, out)
			}
		}
	}
}

func (m *Manager) handleQR(ctx context.Context, sessionID, code string) {
	url, err := qrDataURL(code)
	if err != nil {
		slog.Error("failed to encode pairing artifact", "session_id", sessionID, "error", err)
		return
	}
	m.setStatus(ctx, sessionID, domain.StatusAwaitingPairing)
	m.broadcast.BroadcastToSession(sessionID, EventQR, QRPayload{
		SessionID: sessionID,
		QRCodeURL: url,
	})
}

func (m *Manager) handleInbound(ctx context.Context, tenantID, sessionID string, e protocol.IncomingMessage) {
	// Own-device echoes and group traffic are out of scope.
	if e.FromMe || e.IsGroup {
		return
	}

	msg := &domain.Message{
		ID:        e.ID,
		SessionID: sessionID,
		ChatID:    e.ChatID,
		FromMe:    false,
		Text:      e.Text,
		Timestamp: e.Timestamp,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	// The durable record is authoritative; never broadcast a message that
	// was not persisted.
	if err := m.persistMessage(ctx, tenantID, msg, e.DisplayName); err != nil {
		return
	}

	m.broadcast.BroadcastToSession(sessionID, EventNewMessage, NewMessagePayload{
		SessionID: sessionID,
		ContactID: e.ChatID,
		Message:   MessageBody{FromMe: false, Text: e.Text, Timestamp: e.Timestamp},
	})
}

// persistMessage appends a message with one retry on failure.
func (m *Manager) persistMessage(ctx context.Context, tenantID string, msg *domain.Message, displayName string) error {
	err := m.store.AppendMessage(ctx, msg, displayName)
	if err == nil {
		return nil
	}
	slog.Warn("message persist failed, retrying",
		"tenant_id", tenantID, "session_id", msg.SessionID, "chat_id", msg.ChatID, "error", err)

	if err = m.store.AppendMessage(ctx, msg, displayName); err != nil {
		slog.Error("message persist failed",
			"tenant_id", tenantID, "session_id", msg.SessionID, "chat_id", msg.ChatID, "error", err)
		return err
	}
	return nil
}

func (m *Manager) handleDisconnect(ctx context.Context, sessionID, cause string, out outcome) outcome {
	switch cause {
	case protocol.CauseReplaced:
		m.setStatus(ctx, sessionID, domain.StatusReplaced)
		m.broadcast.BroadcastToSession(sessionID, EventReplaced, StatusPayload{
			SessionID: sessionID,
			Message:   "session was taken over by another connection",
		})
		out.stop = true

	case protocol.CauseLoggedOut:
		if err := m.store.EraseCredentials(ctx, sessionID); err != nil {
			slog.Error("failed to erase credentials after logout",
				"session_id", sessionID, "error", err)
		}
		m.setStatus(ctx, sessionID, domain.StatusDisconnected)
		m.broadcast.BroadcastToSession(sessionID, EventDisconnected, StatusPayload{
			SessionID: sessionID,
			Message:   "session logged out",
		})
		out.stop = true

	default:
		m.setStatus(ctx, sessionID, domain.StatusDisconnected)
		m.broadcast.BroadcastToSession(sessionID, EventDisconnected, StatusPayload{
			SessionID: sessionID,
			Message:   "connection lost",
		})
	}
	return out
}

func (m *Manager) setStatus(ctx context.Context, sessionID, status string) {
	if err := m.store.UpdateSessionStatus(ctx, sessionID, status); err != nil {
		slog.Error("failed to persist session status",
			"session_id", sessionID, "status", status, "error", err)
	}
}

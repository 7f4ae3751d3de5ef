// Package api provides HTTP handlers for the gateway control surface.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/serviq/whatsapp-backend/internal/auth"
	"github.com/serviq/whatsapp-backend/internal/domain"
	"github.com/serviq/whatsapp-backend/internal/store"
)

// Handler serves the authenticated REST routes.
type Handler struct {
	repo store.Repository
}

// NewHandler creates a new Handler.
func NewHandler(repo store.Repository) *Handler {
	return &Handler{repo: repo}
}

// RegisterRoutes mounts the control surface routes. The router is expected
// to carry the auth middleware already.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.listSessions)
	r.Delete("/sessions/{sessionID}/chats/{chatID}", h.deleteChat)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// listSessions returns the persisted session summaries for the
// authenticated tenant, including sessions that are not currently live.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.TenantFromContext(r.Context())

	sessions, err := h.repo.ListSessions(r.Context(), tenantID)
	if err != nil {
		slog.Error("failed to list sessions", "tenant_id", tenantID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, sessions)
}

// deleteChat removes a chat and its messages for a session the tenant owns.
// A chat under another tenant's session is indistinguishable from a missing
// one.
func (h *Handler) deleteChat(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.TenantFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	chatID := chi.URLParam(r, "chatID")

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("failed to load session",
			"tenant_id", tenantID, "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil || session.TenantID != tenantID {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	if err := h.repo.DeleteChat(r.Context(), sessionID, chatID); err != nil {
		slog.Error("failed to delete chat",
			"tenant_id", tenantID, "session_id", sessionID, "chat_id", chatID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete chat")
		return
	}

	slog.Info("chat deleted", "tenant_id", tenantID, "session_id", sessionID, "chat_id", chatID)
	JSON(w, http.StatusOK, map[string]string{"message": "chat deleted"})
}

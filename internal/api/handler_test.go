package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/serviq/whatsapp-backend/internal/auth"
	"github.com/serviq/whatsapp-backend/internal/domain"
	"github.com/serviq/whatsapp-backend/internal/store"
)

const testSecret = "api-test-secret"

func newTestRouter(t *testing.T) (store.Repository, http.Handler) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.NewVerifier(testSecret).Middleware)
		NewHandler(repo).RegisterRoutes(r)
	})
	return repo, r
}

func authedRequest(t *testing.T, method, target, tenantID string) *http.Request {
	t.Helper()
	token, err := auth.GenerateToken(testSecret, tenantID, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func seedSession(t *testing.T, repo store.Repository, id, tenant string) {
	t.Helper()
	now := time.Now()
	err := repo.UpsertSession(context.Background(), &domain.Session{
		ID: id, TenantID: tenant, Status: domain.StatusConnected,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
}

func TestListSessions(t *testing.T) {
	repo, router := newTestRouter(t)

	t.Run("rejects missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("empty tenant gets empty list", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/sessions", "tenant-a"))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var sessions []domain.Session
		if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
			t.Fatalf("unmarshal: %v (body %s)", err, rec.Body.String())
		}
		if len(sessions) != 0 {
			t.Fatalf("expected empty list, got %+v", sessions)
		}
	})

	t.Run("lists only own sessions", func(t *testing.T) {
		seedSession(t, repo, "s1", "tenant-a")
		seedSession(t, repo, "s2", "tenant-a")
		seedSession(t, repo, "other", "tenant-b")

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/sessions", "tenant-a"))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var sessions []domain.Session
		if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(sessions) != 2 {
			t.Fatalf("got %d sessions, want 2", len(sessions))
		}
		for _, s := range sessions {
			if s.TenantID != "tenant-a" {
				t.Errorf("leaked session %s of tenant %s", s.ID, s.TenantID)
			}
		}
	})
}

func TestDeleteChat(t *testing.T) {
	repo, router := newTestRouter(t)
	ctx := context.Background()

	seedSession(t, repo, "s1", "tenant-a")
	err := repo.AppendMessage(ctx, &domain.Message{
		ID: "m1", SessionID: "s1", ChatID: "chat-1", Text: "hello", Timestamp: time.Now(),
	}, "Ana")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	t.Run("wrong tenant sees 404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(t, http.MethodDelete, "/sessions/s1/chats/chat-1", "tenant-b"))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		// Chat untouched.
		if chat, _ := repo.GetChat(ctx, "s1", "chat-1"); chat == nil {
			t.Fatal("chat deleted by wrong tenant")
		}
	})

	t.Run("unknown session sees 404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(t, http.MethodDelete, "/sessions/missing/chats/chat-1", "tenant-a"))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("owner deletes chat and messages", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(t, http.MethodDelete, "/sessions/s1/chats/chat-1", "tenant-a"))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
		}

		if chat, _ := repo.GetChat(ctx, "s1", "chat-1"); chat != nil {
			t.Fatal("chat still present")
		}
		messages, err := repo.ListMessages(ctx, "s1", "chat-1")
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		if len(messages) != 0 {
			t.Fatalf("found %d orphaned messages", len(messages))
		}
	})
}

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/serviq/whatsapp-backend/internal/auth"
)

const testSecret = "handler-test-secret"

type call struct {
	op        string
	tenantID  string
	sessionID string
	contactID string
	content   string
	phone     string
}

// fakeCommands records dispatched commands.
type fakeCommands struct {
	mu    sync.Mutex
	calls []call
	ch    chan call
	err   error
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{ch: make(chan call, 16)}
}

func (f *fakeCommands) record(c call) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	err := f.err
	f.mu.Unlock()
	f.ch <- c
	return err
}

func (f *fakeCommands) StartOrResume(ctx context.Context, tenantID, sessionID string) error {
	return f.record(call{op: "start", tenantID: tenantID, sessionID: sessionID})
}

func (f *fakeCommands) Send(ctx context.Context, tenantID, sessionID, contactID, content string) error {
	return f.record(call{op: "send", tenantID: tenantID, sessionID: sessionID, contactID: contactID, content: content})
}

func (f *fakeCommands) CheckNumber(ctx context.Context, tenantID, sessionID, phone string) error {
	return f.record(call{op: "check", tenantID: tenantID, sessionID: sessionID, phone: phone})
}

func (f *fakeCommands) Logout(ctx context.Context, tenantID, sessionID string) error {
	return f.record(call{op: "logout", tenantID: tenantID, sessionID: sessionID})
}

func (f *fakeCommands) RequestNewQR(ctx context.Context, tenantID, sessionID string) error {
	return f.record(call{op: "new_qr", tenantID: tenantID, sessionID: sessionID})
}

func (f *fakeCommands) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-f.ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command dispatch")
		return call{}
	}
}

type testServer struct {
	hub   *Hub
	cmds  *fakeCommands
	srv   *httptest.Server
	wsURL string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	hub := NewHub()
	cmds := newFakeCommands()
	handler := NewHandler(hub, cmds, auth.NewVerifier(testSecret), []string{"http://localhost"}, false)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{
		hub:   hub,
		cmds:  cmds,
		srv:   srv,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (ts *testServer) dial(t *testing.T, tenantID string) *websocket.Conn {
	t.Helper()
	token, err := auth.GenerateToken(testSecret, tenantID, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, ts.wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, cmd any) {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func TestHandlerRejectsUnauthenticated(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, ts.wsURL, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}
	if len(ts.cmds.calls) != 0 {
		t.Fatalf("unauthenticated connection dispatched commands: %+v", ts.cmds.calls)
	}
}

func TestHandlerRejectsBadOrigin(t *testing.T) {
	ts := newTestServer(t)
	token, err := auth.GenerateToken(testSecret, "tenant-a", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Origin", "http://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestHandlerDispatch(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "tenant-a")

	t.Run("startSession", func(t *testing.T) {
		send(t, conn, command{Type: "startSession", SessionID: "s1"})
		c := ts.cmds.next(t)
		if c.op != "start" || c.tenantID != "tenant-a" || c.sessionID != "s1" {
			t.Fatalf("unexpected dispatch: %+v", c)
		}
	})

	t.Run("tenant comes from token not payload", func(t *testing.T) {
		// A forged tenant field in the payload must be ignored.
		send(t, conn, map[string]string{
			"type": "startSession", "sessionId": "s1", "tenantId": "tenant-b",
		})
		c := ts.cmds.next(t)
		if c.tenantID != "tenant-a" {
			t.Fatalf("tenant = %q, want tenant-a from verified token", c.tenantID)
		}
	})

	t.Run("send_message", func(t *testing.T) {
		send(t, conn, command{Type: "send_message", SessionID: "s1", ContactID: "c1", Content: "hello"})
		c := ts.cmds.next(t)
		if c.op != "send" || c.contactID != "c1" || c.content != "hello" {
			t.Fatalf("unexpected dispatch: %+v", c)
		}
	})

	t.Run("check_number", func(t *testing.T) {
		send(t, conn, command{Type: "check_number", SessionID: "s1", PhoneNumber: "+5511999"})
		c := ts.cmds.next(t)
		if c.op != "check" || c.phone != "+5511999" {
			t.Fatalf("unexpected dispatch: %+v", c)
		}
	})

	t.Run("logout and new qr", func(t *testing.T) {
		send(t, conn, command{Type: "logout_session", SessionID: "s1"})
		if c := ts.cmds.next(t); c.op != "logout" {
			t.Fatalf("unexpected dispatch: %+v", c)
		}
		send(t, conn, command{Type: "request_new_qr", SessionID: "s1"})
		if c := ts.cmds.next(t); c.op != "new_qr" {
			t.Fatalf("unexpected dispatch: %+v", c)
		}
	})

	t.Run("unknown command gets error envelope", func(t *testing.T) {
		send(t, conn, command{Type: "bogus", SessionID: "s1"})
		env := read(t, conn)
		if env.Event != "error" {
			t.Fatalf("event = %q, want error", env.Event)
		}
	})
}

func TestHandlerSubscribesOnStart(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "tenant-a")

	send(t, conn, command{Type: "startSession", SessionID: "s1"})
	ts.cmds.next(t)

	ts.hub.BroadcastToSession("s1", "qr", map[string]string{"sessionId": "s1", "qrCodeUrl": "data:..."})

	env := read(t, conn)
	if env.Event != "qr" {
		t.Fatalf("event = %q, want qr", env.Event)
	}
}

func TestHandlerReportsCommandFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.cmds.err = errors.New("session is not connected")
	conn := ts.dial(t, "tenant-a")

	send(t, conn, command{Type: "send_message", SessionID: "s1", ContactID: "c1", Content: "x"})
	ts.cmds.next(t)

	env := read(t, conn)
	if env.Event != "error" {
		t.Fatalf("event = %q, want error", env.Event)
	}
}

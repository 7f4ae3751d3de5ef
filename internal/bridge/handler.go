package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/serviq/whatsapp-backend/internal/auth"
)

// Commands is the session manager surface the bridge dispatches to.
type Commands interface {
	StartOrResume(ctx context.Context, tenantID, sessionID string) error
	Send(ctx context.Context, tenantID, sessionID, contactID, content string) error
	CheckNumber(ctx context.Context, tenantID, sessionID, phone string) error
	Logout(ctx context.Context, tenantID, sessionID string) error
	RequestNewQR(ctx context.Context, tenantID, sessionID string) error
}

// command is the wire shape of a client-to-server message.
type command struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	ContactID   string `json:"contactId,omitempty"`
	Content     string `json:"content,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Handler upgrades realtime connections and dispatches client commands.
type Handler struct {
	hub            *Hub
	cmds           Commands
	verifier       *auth.Verifier
	allowedOrigins []string
	isDev          bool
}

// NewHandler creates a websocket handler.
func NewHandler(hub *Hub, cmds Commands, verifier *auth.Verifier, allowedOrigins []string, isDev bool) *Handler {
	return &Handler{
		hub:            hub,
		cmds:           cmds,
		verifier:       verifier,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
	}
}

// wsConn adapts websocket.Conn to the hub's sink.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP authenticates the connection and runs its command loop. The
// tenant identity comes from the verified token only; client payloads are
// never trusted for it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	tenantID, err := h.verifier.Verify(auth.FromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "tenant_id", tenantID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "tenant_id", tenantID)
		}
	}()

	conn := &wsConn{conn: ws}
	h.hub.Join(tenantID, conn)
	defer h.hub.Leave(conn)

	slog.Info("realtime client connected", "tenant_id", tenantID, "ip", r.RemoteAddr)
	h.readLoop(r.Context(), ws, conn, tenantID)
	slog.Info("realtime client disconnected", "tenant_id", tenantID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, conn *wsConn, tenantID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "tenant_id", tenantID)
			} else if ctx.Err() == nil {
				slog.Warn("websocket read error", "error", err, "tenant_id", tenantID)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil {
			h.sendError(ctx, conn, "", "malformed command")
			continue
		}
		if cmd.SessionID == "" {
			h.sendError(ctx, conn, "", "sessionId is required")
			continue
		}

		h.dispatch(ctx, conn, tenantID, cmd)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *wsConn, tenantID string, cmd command) {
	var err error
	switch cmd.Type {
	case "startSession":
		// Subscribe before starting so the first qr/connected event for
		// this session is never missed.
		h.hub.Subscribe(cmd.SessionID, conn)
		err = h.cmds.StartOrResume(ctx, tenantID, cmd.SessionID)
	case "send_message":
		err = h.cmds.Send(ctx, tenantID, cmd.SessionID, cmd.ContactID, cmd.Content)
	case "check_number":
		err = h.cmds.CheckNumber(ctx, tenantID, cmd.SessionID, cmd.PhoneNumber)
	case "logout_session":
		err = h.cmds.Logout(ctx, tenantID, cmd.SessionID)
	case "request_new_qr":
		h.hub.Subscribe(cmd.SessionID, conn)
		err = h.cmds.RequestNewQR(ctx, tenantID, cmd.SessionID)
	default:
		h.sendError(ctx, conn, cmd.SessionID, "unknown command type: "+cmd.Type)
		return
	}

	if err != nil {
		slog.Warn("command failed",
			"type", cmd.Type, "tenant_id", tenantID, "session_id", cmd.SessionID, "error", err)
		h.sendError(ctx, conn, cmd.SessionID, err.Error())
	}
}

// sendError reports a command failure to the issuing connection only.
func (h *Handler) sendError(ctx context.Context, conn *wsConn, sessionID, message string) {
	payload, err := json.Marshal(envelope{
		Event: "error",
		Data:  map[string]string{"sessionId": sessionID, "message": message},
	})
	if err != nil {
		return
	}
	if err := conn.Send(ctx, payload); err != nil {
		slog.Debug("failed to send error to client", "error", err)
	}
}

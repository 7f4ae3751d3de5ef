package session

import "time"

// Server-to-client event names carried over the realtime bridge.
const (
	EventQR                = "qr"
	EventConnected         = "connected"
	EventDisconnected      = "disconnected"
	EventReplaced          = "replaced"
	EventNewMessage        = "new_message"
	EventNumberCheckResult = "number_check_result"
	EventSendError         = "send_error"
)

// QRPayload carries a renderable pairing artifact.
type QRPayload struct {
	SessionID string `json:"sessionId"`
	QRCodeURL string `json:"qrCodeUrl"`
}

// StatusPayload is the body of connected/disconnected/replaced events.
type StatusPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// MessageBody is the message part of a new_message event.
type MessageBody struct {
	FromMe    bool      `json:"fromMe"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessagePayload announces a persisted message to session subscribers.
type NewMessagePayload struct {
	SessionID string      `json:"sessionId"`
	ContactID string      `json:"contactId"`
	Message   MessageBody `json:"message"`
}

// NumberCheckPayload is the result of a check_number command.
type NumberCheckPayload struct {
	SessionID string `json:"sessionId"`
	Valid     bool   `json:"valid"`
	JID       string `json:"jid,omitempty"`
	Number    string `json:"number,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SendErrorPayload reports a failed send attempt for one message.
type SendErrorPayload struct {
	SessionID string `json:"sessionId"`
	ContactID string `json:"contactId"`
	Error     string `json:"error"`
}

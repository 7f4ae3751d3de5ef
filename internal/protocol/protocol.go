// Package protocol defines the boundary to the upstream chat protocol.
// The session manager only sees these interfaces; the real transport lives
// in the meow subpackage.
package protocol

import (
	"context"
	"time"
)

// Disconnect causes, in increasing order of finality.
const (
	// CauseTransient covers network drops and server hiccups. A reconnect
	// with stored credentials is expected to succeed.
	CauseTransient = "transient"
	// CauseReplaced means another process opened a connection for the same
	// credentials. Reconnecting would start a supersede loop.
	CauseReplaced = "replaced"
	// CauseLoggedOut means the user unlinked the device. Stored credentials
	// are invalid and must be erased.
	CauseLoggedOut = "logged_out"
)

// Event is a message from the protocol connection. Exactly one of the
// concrete types below flows on Client.Events.
type Event interface {
	isEvent()
}

// QRCode carries a fresh pairing payload. The upstream rotates these until
// one is scanned.
type QRCode struct {
	Code string
}

// CredentialUpdate carries credential material that must be durably stored
// before any later event for this session is processed.
type CredentialUpdate struct {
	Data []byte
}

// Connected signals that the session is authenticated and online.
type Connected struct{}

// IncomingMessage is a message observed on the connection, including echoes
// of messages authored on other linked devices (FromMe).
type IncomingMessage struct {
	ID          string
	ChatID      string
	DisplayName string
	Text        string
	Timestamp   time.Time
	FromMe      bool
	IsGroup     bool
}

// Disconnected signals the connection ended, with one of the Cause constants.
// It is the last event before the channel closes.
type Disconnected struct {
	Cause string
}

func (QRCode) isEvent()           {}
func (CredentialUpdate) isEvent() {}
func (Connected) isEvent()        {}
func (IncomingMessage) isEvent()  {}
func (Disconnected) isEvent()     {}

// SendReceipt is the upstream acknowledgement for a sent message.
type SendReceipt struct {
	ID        string
	Timestamp time.Time
}

// NumberStatus is the result of a registration lookup.
type NumberStatus struct {
	Registered bool
	JID        string
}

// Client is one live protocol connection.
type Client interface {
	// Connect starts the connection. If no identity is stored the upstream
	// begins QR pairing and QRCode events follow.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down. Events is closed afterwards.
	Disconnect()

	// Logout unlinks the device upstream and discards its local identity.
	Logout(ctx context.Context) error

	// SendText delivers a text message to a chat.
	SendText(ctx context.Context, chatID, text string) (SendReceipt, error)

	// CheckNumber reports whether a phone number is registered upstream.
	CheckNumber(ctx context.Context, phone string) (NumberStatus, error)

	// Events yields connection events in the order the upstream produced
	// them. The channel closes when the connection is finished.
	Events() <-chan Event
}

// Dialer creates clients. creds is the credential material saved from a
// previous CredentialUpdate, or nil for a first-time pairing.
type Dialer interface {
	Dial(ctx context.Context, sessionID string, creds []byte) (Client, error)
}

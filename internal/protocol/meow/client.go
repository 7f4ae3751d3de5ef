// Package meow implements the protocol boundary on top of whatsmeow.
package meow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/serviq/whatsapp-backend/internal/protocol"
)

// Dialer creates whatsmeow-backed protocol clients. Each session gets its
// own device database file under dbDir so identities never mix.
type Dialer struct {
	dbDir      string
	qrTerminal bool
}

// NewDialer creates a dialer storing device databases under dbDir. When
// qrTerminal is set, pairing codes are also rendered to stdout for
// operators running without a frontend.
func NewDialer(dbDir string, qrTerminal bool) (*Dialer, error) {
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("create device database directory: %w", err)
	}
	return &Dialer{dbDir: dbDir, qrTerminal: qrTerminal}, nil
}

// Dial opens the device store for a session and builds a client around it.
// creds is the credential marker persisted on pairing; when nil any stale
// device identity is discarded so the upstream starts a fresh pairing.
func (d *Dialer) Dial(ctx context.Context, sessionID string, creds []byte) (protocol.Client, error) {
	dbPath := filepath.Join(d.dbDir, sessionID+".db")

	dbLog := waLog.Stdout("Database/"+sessionID, "ERROR", true)
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+dbPath+"?_foreign_keys=on", dbLog)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	if len(creds) == 0 && device.ID != nil {
		// The app store says this session has no credentials, so a leftover
		// device identity must not be silently resumed.
		if err := container.DeleteDevice(ctx, device); err != nil {
			return nil, fmt.Errorf("discard stale device: %w", err)
		}
		device = container.NewDevice()
	}

	clientLog := waLog.Stdout("Client/"+sessionID, "ERROR", true)
	cli := whatsmeow.NewClient(device, clientLog)
	// Reconnection is owned by the session manager, which decides per
	// disconnect cause whether retrying is safe.
	cli.EnableAutoReconnect = false

	c := &client{
		sessionID:  sessionID,
		cli:        cli,
		qrTerminal: d.qrTerminal,
		events:     make(chan protocol.Event, 128),
	}
	cli.AddEventHandler(c.handleEvent)
	return c, nil
}

type client struct {
	sessionID  string
	cli        *whatsmeow.Client
	qrTerminal bool

	mu     sync.Mutex
	closed bool
	events chan protocol.Event
}

func (c *client) Connect(ctx context.Context) error {
	if c.cli.Store.ID == nil {
		qrChan, err := c.cli.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("open qr channel: %w", err)
		}
		if err := c.cli.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		go c.pumpQR(qrChan)
		return nil
	}

	if err := c.cli.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *client) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			if c.qrTerminal {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
			}
			c.emit(protocol.QRCode{Code: item.Code})
		case "success":
			return
		}
	}
}

func (c *client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		c.emit(protocol.CredentialUpdate{Data: []byte(v.ID.String())})
	case *events.Connected:
		c.emit(protocol.Connected{})
	case *events.Message:
		text := extractText(v.Message)
		if text == "" {
			return
		}
		c.emit(protocol.IncomingMessage{
			ID:          v.Info.ID,
			ChatID:      v.Info.Chat.String(),
			DisplayName: v.Info.PushName,
			Text:        text,
			Timestamp:   v.Info.Timestamp,
			FromMe:      v.Info.IsFromMe,
			IsGroup:     v.Info.Chat.Server == types.GroupServer,
		})
	case *events.LoggedOut:
		c.emit(protocol.Disconnected{Cause: protocol.CauseLoggedOut})
	case *events.StreamReplaced:
		c.emit(protocol.Disconnected{Cause: protocol.CauseReplaced})
	case *events.Disconnected:
		c.emit(protocol.Disconnected{Cause: protocol.CauseTransient})
	}
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if msg.ExtendedTextMessage != nil {
		return msg.ExtendedTextMessage.GetText()
	}
	return ""
}

// emit forwards an event to the consumer. A Disconnected event is terminal:
// the channel closes right after it.
func (c *client) emit(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.events <- ev:
	default:
		slog.Warn("protocol event dropped, consumer too slow",
			"session_id", c.sessionID, "event", fmt.Sprintf("%T", ev))
	}

	if _, ok := ev.(protocol.Disconnected); ok {
		c.closed = true
		close(c.events)
	}
}

func (c *client) Disconnect() {
	c.cli.Disconnect()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

func (c *client) Logout(ctx context.Context) error {
	if err := c.cli.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (c *client) SendText(ctx context.Context, chatID, text string) (protocol.SendReceipt, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return protocol.SendReceipt{}, fmt.Errorf("parse chat jid %q: %w", chatID, err)
	}

	resp, err := c.cli.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return protocol.SendReceipt{}, fmt.Errorf("send message: %w", err)
	}
	return protocol.SendReceipt{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (c *client) CheckNumber(ctx context.Context, phone string) (protocol.NumberStatus, error) {
	clean := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if clean == "" {
		return protocol.NumberStatus{}, fmt.Errorf("no digits in phone number %q", phone)
	}

	resp, err := c.cli.IsOnWhatsApp(ctx, []string{"+" + clean})
	if err != nil {
		return protocol.NumberStatus{}, fmt.Errorf("number lookup: %w", err)
	}
	if len(resp) == 0 {
		return protocol.NumberStatus{}, nil
	}
	return protocol.NumberStatus{
		Registered: resp[0].IsIn,
		JID:        resp[0].JID.String(),
	}, nil
}

func (c *client) Events() <-chan protocol.Event {
	return c.events
}

// Package whatsapp runs a native WhatsApp Web session through whatsmeow for bots
// that do not sit behind an external bridge process.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/store"
)

const (
	// DefaultSQLitePath is the default location of the whatsmeow device store.
	DefaultSQLitePath = "/var/lib/orchestrator/whatsmeow.db"
	// JIDSuffix is the server part of personal WhatsApp JIDs.
	JIDSuffix = "s.whatsapp.net"
)

// Session states reported by Status.
const (
	StatusConnected      = "connected"
	StatusDisconnected   = "disconnected"
	StatusInitializing   = "initializing"
	StatusNotInitialized = "not_initialized"
)

// Inbound is a text message received on the session.
type Inbound struct {
	From      string
	Text      string
	MessageID string
	Timestamp time.Time
}

// InboundFunc receives messages from the session.
type InboundFunc func(Inbound)

// Session is what the messaging layer needs from a native WhatsApp session.
type Session interface {
	SendMessage(ctx context.Context, to, body string) (string, error)
	QRCode() string
	Status() string
	Disconnect()
	OnMessage(fn InboundFunc)
}

// Opts holds configuration for the whatsmeow client.
type Opts struct {
	DBDSN       string // whatsmeow device store connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // write the raw pairing code instead of rendering a QR
}

// Option configures a Client.
type Option func(*Opts)

// WithDBDSN sets the device store DSN.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes login codes to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode writes raw codes instead of rendering QR blocks.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps a whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
	cfg      Opts

	mu     sync.RWMutex
	lastQR string
}

// NewClient opens the device store and connects. When the device is not paired yet
// the login codes are rendered in the background and exposed through QRCode.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == store.DriverSQLite && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled; whatsmeow expects them",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	logger := waLog.Stdout("Database", "INFO", true)
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	c := &Client{waClient: whatsmeow.NewClient(deviceStore, clientLog), cfg: cfg}

	if c.waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, err := c.waClient.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open WhatsApp QR channel: %w", err)
		}
		if err := c.waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		go c.consumeQR(qrChan)
	} else {
		if err := c.waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		slog.Info("WhatsApp client connected successfully")
	}
	return c, nil
}

func (c *Client) consumeQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			if evt.Event == "success" {
				c.setQR("")
			}
			continue
		}
		c.setQR(evt.Code)
		if err := c.writeQR(evt.Code); err != nil {
			slog.Error("WhatsApp.consumeQR: failed to write login code", "error", err)
		}
	}
}

func (c *Client) writeQR(code string) error {
	var w io.Writer = os.Stdout
	if c.cfg.QRPath != "" {
		f, err := os.Create(c.cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if c.cfg.NumericCode {
		_, err := fmt.Fprintln(w, code)
		return err
	}
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
	return nil
}

func (c *Client) setQR(code string) {
	c.mu.Lock()
	c.lastQR = code
	c.mu.Unlock()
}

// QRCode returns the latest pending login code, or "" once paired.
func (c *Client) QRCode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastQR
}

// Status reports the session state.
func (c *Client) Status() string {
	switch {
	case c.waClient.IsConnected() && c.waClient.IsLoggedIn():
		return StatusConnected
	case c.waClient.Store.ID != nil:
		return StatusDisconnected
	case c.QRCode() != "":
		return StatusInitializing
	default:
		return StatusNotInitialized
	}
}

// Disconnect closes the websocket. The device stays paired.
func (c *Client) Disconnect() {
	c.waClient.Disconnect()
}

// SendMessage sends a text to a phone number and returns the WhatsApp message id.
func (c *Client) SendMessage(ctx context.Context, to, body string) (string, error) {
	if c.waClient == nil || c.waClient.Store == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}

	jid, err := recipientJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	msg := &waE2E.Message{Conversation: &body}
	resp, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", to, "id", resp.ID)
	return resp.ID, nil
}

// OnMessage registers fn for incoming one-to-one text messages.
func (c *Client) OnMessage(fn InboundFunc) {
	c.waClient.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		in, ok := toInbound(msg)
		if !ok {
			return
		}
		fn(in)
	})
}

func toInbound(evt *events.Message) (Inbound, bool) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return Inbound{}, false
	}
	text := evt.Message.GetConversation()
	if text == "" {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		slog.Debug("WhatsApp ignoring non-text message", "from", evt.Info.Sender.String())
		return Inbound{}, false
	}
	return Inbound{
		From:      senderAddress(evt.Info.Sender),
		Text:      text,
		MessageID: evt.Info.ID,
		Timestamp: evt.Info.Timestamp,
	}, true
}

// senderAddress returns "+digits" for phone senders and the bare JID for linked-id senders.
func senderAddress(jid types.JID) string {
	if jid.Server == types.HiddenUserServer {
		return jid.ToNonAD().String()
	}
	return "+" + jid.User
}

// recipientJID maps a "+digits" address to a personal JID. Full JIDs are parsed as given.
func recipientJID(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	return types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix), nil
}

// MockClient is an in-memory Session for tests.
type MockClient struct {
	mu       sync.Mutex
	Sent     []SentMessage
	QR       string
	State    string
	Err      error
	handlers []InboundFunc
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient creates a connected MockClient.
func NewMockClient() *MockClient {
	return &MockClient{State: StatusConnected}
}

func (m *MockClient) SendMessage(ctx context.Context, to, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return fmt.Sprintf("mock-%d", len(m.Sent)), nil
}

func (m *MockClient) QRCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.QR
}

func (m *MockClient) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.State
}

func (m *MockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.State = StatusDisconnected
}

func (m *MockClient) OnMessage(fn InboundFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Deliver simulates an incoming message.
func (m *MockClient) Deliver(in Inbound) {
	m.mu.Lock()
	handlers := append([]InboundFunc(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(in)
	}
}

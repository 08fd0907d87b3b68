// Package twiliowhatsapp wraps the Twilio REST API for bots whose WhatsApp number lives on Twilio.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// WhatsAppPrefix is the address prefix Twilio uses for WhatsApp channels.
const WhatsAppPrefix = "whatsapp:"

// Sender is the subset of Twilio the messaging provider needs.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) (string, error)
	SendMedia(ctx context.Context, to, mediaURL, caption string) (string, error)
	AccountStatus(ctx context.Context) (string, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the whatsapp: prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client     *twilio.RestClient
	accountSID string
	fromWhats  string // WhatsApp number in "whatsapp:+1234567890" format
}

// NewClient creates a Twilio client, falling back to TWILIO_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}

	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:     client,
		accountSID: cfg.AccountSID,
		fromWhats:  Address(cfg.FromWhats),
	}, nil
}

// Address adds the whatsapp: prefix when missing.
func Address(number string) string {
	if strings.HasPrefix(number, WhatsAppPrefix) {
		return number
	}
	return WhatsAppPrefix + number
}

// StripAddress removes the whatsapp: prefix.
func StripAddress(addr string) string {
	return strings.TrimPrefix(addr, WhatsAppPrefix)
}

// SendMessage sends a WhatsApp text and returns the Twilio message SID.
func (c *Client) SendMessage(ctx context.Context, to, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	return c.create(to, params)
}

// SendMedia sends a media message with an optional caption.
func (c *Client) SendMedia(ctx context.Context, to, mediaURL, caption string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to))
	params.SetFrom(c.fromWhats)
	params.SetMediaUrl([]string{mediaURL})
	if caption != "" {
		params.SetBody(caption)
	}

	return c.create(to, params)
}

func (c *Client) create(to string, params *twilioApi.CreateMessageParams) (string, error) {
	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio CreateMessage failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return sid, nil
}

// AccountStatus returns the Twilio account status (active, suspended, closed).
func (c *Client) AccountStatus(ctx context.Context) (string, error) {
	acct, err := c.client.Api.FetchAccount(c.accountSID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch twilio account: %w", err)
	}
	if acct == nil || acct.Status == nil {
		return "", nil
	}
	return *acct.Status, nil
}

// MockClient records sends instead of calling Twilio.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Status       string
	Err          error
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To       string
	Body     string
	MediaURL string
}

// NewMockClient creates a MockClient reporting an active account.
func NewMockClient() *MockClient {
	return &MockClient{
		SentMessages: []SentMessage{},
		Status:       "active",
	}
}

func (m *MockClient) SendMessage(ctx context.Context, to, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return fmt.Sprintf("SM%d", len(m.SentMessages)), nil
}

func (m *MockClient) SendMedia(ctx context.Context, to, mediaURL, caption string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: caption, MediaURL: mediaURL})
	return fmt.Sprintf("SM%d", len(m.SentMessages)), nil
}

func (m *MockClient) AccountStatus(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Status, m.Err
}

// Sent returns a copy of the captured messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

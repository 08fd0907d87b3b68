package messaging

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MockProvider is an in-memory Provider for tests and the "mock" provider kind.
type MockProvider struct {
	mu     sync.Mutex
	sent   []SentMessage
	QR     string
	State  Status
	Err    error
	closed bool
}

// SentMessage is one outbound message captured by MockProvider.
type SentMessage struct {
	ID        string
	To        string
	Text      string
	MediaURL  string
	MediaType string
}

// NewMockProvider creates a connected MockProvider.
func NewMockProvider() *MockProvider {
	return &MockProvider{State: StatusConnected}
}

// SetError makes every subsequent call fail with err (nil clears it).
func (m *MockProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func (m *MockProvider) SendMessage(ctx context.Context, to, text string) (string, error) {
	return m.record(SentMessage{To: to, Text: text})
}

func (m *MockProvider) SendMedia(ctx context.Context, to, mediaURL, mediaType string) (string, error) {
	return m.record(SentMessage{To: to, MediaURL: mediaURL, MediaType: mediaType})
}

func (m *MockProvider) record(msg SentMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	msg.ID = uuid.NewString()
	m.sent = append(m.sent, msg)
	return msg.ID, nil
}

func (m *MockProvider) GetQR(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	if m.QR == "" {
		return "", ErrQRUnavailable
	}
	return m.QR, nil
}

func (m *MockProvider) GetStatus(ctx context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return StatusUnknown, m.Err
	}
	return m.State, nil
}

func (m *MockProvider) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.State = StatusDisconnected
	return m.Err
}

// Sent returns a copy of the captured messages.
func (m *MockProvider) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// Texts returns the text bodies sent to addr, in order.
func (m *MockProvider) Texts(addr string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.To == addr && s.MediaURL == "" {
			out = append(out, s.Text)
		}
	}
	return out
}

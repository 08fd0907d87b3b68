// Package messaging defines the outbound provider capability and its implementations:
// HTTP bridges (venom, wwebjs, baileys), native whatsmeow sessions and Twilio.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

// Status is the connection state of a provider session.
type Status string

const (
	StatusConnected      Status = "connected"
	StatusDisconnected   Status = "disconnected"
	StatusAuthenticated  Status = "authenticated"
	StatusInitializing   Status = "initializing"
	StatusNotInitialized Status = "not_initialized"
	StatusUnknown        Status = "unknown"
)

var (
	// ErrCircuitOpen is returned without calling the provider while its breaker is open.
	ErrCircuitOpen = errors.New("provider circuit open")
	// ErrQRUnavailable is returned when the session has no pending login code.
	ErrQRUnavailable = errors.New("qr code not available")
	// ErrUnsupported is returned for capabilities a provider does not have.
	ErrUnsupported = errors.New("operation not supported by provider")
)

// Provider is the outbound capability every WhatsApp bridge offers.
type Provider interface {
	// SendMessage sends text and returns the provider message id.
	SendMessage(ctx context.Context, to, text string) (string, error)
	// SendMedia sends a media URL of the given type and returns the provider message id.
	SendMedia(ctx context.Context, to, mediaURL, mediaType string) (string, error)
	// GetQR returns the pending login code of the session.
	GetQR(ctx context.Context) (string, error)
	// GetStatus returns the session connection state.
	GetStatus(ctx context.Context) (Status, error)
	// Disconnect closes the session.
	Disconnect(ctx context.Context) error
}

// InboundHandler accepts messages a provider receives natively, outside the webhook router.
type InboundHandler interface {
	Submit(msg models.IncomingMessage) error
}

// ExternalCallError wraps a failed call to a provider or bridge.
type ExternalCallError struct {
	Provider models.ProviderKind
	Op       string
	Err      error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ExternalCallError) Unwrap() error {
	return e.Err
}

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// LIDServer is the JID server of WhatsApp senders identified by a linked id instead of
// a phone number.
const LIDServer = "lid"

// CanonicalizeAddress strips a WhatsApp address down to its digits and prefixes "+".
// Linked-id senders keep their JID, without device suffix, as "<id>@lid".
// Group and broadcast JIDs are rejected.
func CanonicalizeAddress(addr string) (string, error) {
	if addr == "" {
		return "", fmt.Errorf("address cannot be empty")
	}
	user := addr
	if at := strings.IndexByte(addr, '@'); at >= 0 {
		domain := addr[at+1:]
		user = addr[:at]
		switch domain {
		case "c.us", "s.whatsapp.net":
		case LIDServer:
			return canonicalLID(addr, user)
		default:
			return "", fmt.Errorf("unsupported address %q", addr)
		}
	}
	canonical := phoneNumberRegex.ReplaceAllString(user, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in %q", addr)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != user {
		slog.Debug("CanonicalizeAddress: canonicalized address", "original", addr, "canonical", "+"+canonical)
	}
	return "+" + canonical, nil
}

func canonicalLID(addr, user string) (string, error) {
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	if user == "" || phoneNumberRegex.MatchString(user) {
		return "", fmt.Errorf("invalid linked id address %q", addr)
	}
	return user + "@" + LIDServer, nil
}

// DefaultCallTimeout bounds every provider call.
const DefaultCallTimeout = 5 * time.Second

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/twiliowhatsapp"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/whatsapp"
)

// WhatsmeowProvider sends through a native whatsmeow session.
type WhatsmeowProvider struct {
	session whatsapp.Session
}

// NewWhatsmeowProvider wraps a native session.
func NewWhatsmeowProvider(session whatsapp.Session) *WhatsmeowProvider {
	return &WhatsmeowProvider{session: session}
}

// SendMessage sends a text message.
func (p *WhatsmeowProvider) SendMessage(ctx context.Context, to, text string) (string, error) {
	id, err := p.session.SendMessage(ctx, to, text)
	if err != nil {
		return "", &ExternalCallError{Provider: models.ProviderWhatsmeow, Op: "send", Err: err}
	}
	return id, nil
}

// SendMedia sends the media link as text; the native session does not upload remote media.
func (p *WhatsmeowProvider) SendMedia(ctx context.Context, to, mediaURL, mediaType string) (string, error) {
	return p.SendMessage(ctx, to, mediaURL)
}

// GetQR returns the pending pairing code.
func (p *WhatsmeowProvider) GetQR(ctx context.Context) (string, error) {
	if code := p.session.QRCode(); code != "" {
		return code, nil
	}
	return "", ErrQRUnavailable
}

// GetStatus maps the session state.
func (p *WhatsmeowProvider) GetStatus(ctx context.Context) (Status, error) {
	return Status(p.session.Status()), nil
}

// Disconnect closes the session websocket.
func (p *WhatsmeowProvider) Disconnect(ctx context.Context) error {
	p.session.Disconnect()
	return nil
}

// ForwardInbound routes messages the native session receives into handler for botID.
func ForwardInbound(session whatsapp.Session, botID string, handler InboundHandler) {
	session.OnMessage(func(in whatsapp.Inbound) {
		msg := models.IncomingMessage{
			BotID:             botID,
			From:              in.From,
			Message:           in.Text,
			MessageType:       models.MessageTypeText,
			Timestamp:         in.Timestamp,
			ProviderMessageID: in.MessageID,
		}
		if err := handler.Submit(msg); err != nil {
			slog.Error("ForwardInbound: failed to submit native message", "botID", botID, "from", in.From, "error", err)
		}
	})
}

// TwilioProvider sends through the Twilio API.
type TwilioProvider struct {
	client twiliowhatsapp.Sender
}

// NewTwilioProvider wraps a Twilio sender.
func NewTwilioProvider(client twiliowhatsapp.Sender) *TwilioProvider {
	return &TwilioProvider{client: client}
}

// SendMessage sends a text message.
func (p *TwilioProvider) SendMessage(ctx context.Context, to, text string) (string, error) {
	sid, err := p.client.SendMessage(ctx, to, text)
	if err != nil {
		return "", &ExternalCallError{Provider: models.ProviderTwilio, Op: "send", Err: err}
	}
	return sid, nil
}

// SendMedia sends a media URL. mediaType is inferred by Twilio from the URL.
func (p *TwilioProvider) SendMedia(ctx context.Context, to, mediaURL, mediaType string) (string, error) {
	sid, err := p.client.SendMedia(ctx, to, mediaURL, "")
	if err != nil {
		return "", &ExternalCallError{Provider: models.ProviderTwilio, Op: "send-media", Err: err}
	}
	return sid, nil
}

// GetQR is not available: Twilio numbers are provisioned, not paired.
func (p *TwilioProvider) GetQR(ctx context.Context) (string, error) {
	return "", fmt.Errorf("twilio: %w", ErrUnsupported)
}

// GetStatus maps the Twilio account status.
func (p *TwilioProvider) GetStatus(ctx context.Context) (Status, error) {
	st, err := p.client.AccountStatus(ctx)
	if err != nil {
		return StatusUnknown, &ExternalCallError{Provider: models.ProviderTwilio, Op: "status", Err: err}
	}
	if strings.EqualFold(st, "active") {
		return StatusConnected, nil
	}
	return StatusDisconnected, nil
}

// Disconnect is a no-op for Twilio.
func (p *TwilioProvider) Disconnect(ctx context.Context) error {
	return nil
}

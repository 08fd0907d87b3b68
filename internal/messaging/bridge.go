package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

// maxBridgeResponse caps how much of a bridge response body is read.
const maxBridgeResponse = 1 << 20

// BridgeProvider talks to a venom, wwebjs or baileys bridge process over its REST API:
// POST /send, POST /send-media, GET /qr/{session}, GET /status/{session}, DELETE /session/{session}.
type BridgeProvider struct {
	kind       models.ProviderKind
	baseURL    string
	session    string
	httpClient *http.Client
}

// NewBridgeProvider creates a provider for one bridge session.
func NewBridgeProvider(kind models.ProviderKind, baseURL, session string, httpClient *http.Client) (*BridgeProvider, error) {
	switch kind {
	case models.ProviderVenom, models.ProviderWWebJS, models.ProviderBaileys:
	default:
		return nil, fmt.Errorf("%w: %s is not a bridge provider", models.ErrUnknownProvider, kind)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("bridge url is required for %s provider", kind)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultCallTimeout}
	}
	return &BridgeProvider{
		kind:       kind,
		baseURL:    strings.TrimRight(baseURL, "/"),
		session:    session,
		httpClient: httpClient,
	}, nil
}

// sessionField is the JSON key the bridge expects the session under.
func (p *BridgeProvider) sessionField() string {
	if p.kind == models.ProviderVenom {
		return "session_name"
	}
	return "session_id"
}

// jid converts a canonical "+digits" address into the bridge's chat id format.
func (p *BridgeProvider) jid(to string) string {
	if strings.Contains(to, "@") {
		return to
	}
	digits := strings.TrimPrefix(to, "+")
	if p.kind == models.ProviderBaileys {
		return digits + "@s.whatsapp.net"
	}
	return digits + "@c.us"
}

type bridgeSendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// SendMessage posts a text message to the bridge.
func (p *BridgeProvider) SendMessage(ctx context.Context, to, text string) (string, error) {
	payload := map[string]any{
		p.sessionField(): p.session,
		"to":             p.jid(to),
		"message":        text,
	}
	return p.send(ctx, "send", "/send", payload)
}

// SendMedia posts a media message to the bridge.
func (p *BridgeProvider) SendMedia(ctx context.Context, to, mediaURL, mediaType string) (string, error) {
	payload := map[string]any{
		p.sessionField(): p.session,
		"to":             p.jid(to),
		"media_url":      mediaURL,
		"media_type":     mediaType,
	}
	return p.send(ctx, "send-media", "/send-media", payload)
}

func (p *BridgeProvider) send(ctx context.Context, op, path string, payload map[string]any) (string, error) {
	body, err := p.do(ctx, op, http.MethodPost, path, payload)
	if err != nil {
		return "", err
	}
	var resp bridgeSendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", p.fail(op, fmt.Errorf("decode response: %w", err))
	}
	if !resp.Success {
		return "", p.fail(op, fmt.Errorf("bridge rejected message: %s", resp.Error))
	}
	if resp.MessageID == "" {
		resp.MessageID = "unknown"
	}
	slog.Debug("BridgeProvider.send: delivered to bridge", "provider", p.kind, "session", p.session, "op", op, "messageID", resp.MessageID)
	return resp.MessageID, nil
}

// GetQR fetches the pending login QR code.
func (p *BridgeProvider) GetQR(ctx context.Context) (string, error) {
	body, err := p.do(ctx, "qr", http.MethodGet, "/qr/"+url.PathEscape(p.session), nil)
	if err != nil {
		return "", err
	}
	code := gjson.GetBytes(body, "qr_code").String()
	if code == "" {
		return "", ErrQRUnavailable
	}
	return code, nil
}

// GetStatus fetches the session state and maps it onto Status.
func (p *BridgeProvider) GetStatus(ctx context.Context) (Status, error) {
	body, err := p.do(ctx, "status", http.MethodGet, "/status/"+url.PathEscape(p.session), nil)
	if err != nil {
		return StatusUnknown, err
	}
	return parseBridgeStatus(p.kind, body), nil
}

func parseBridgeStatus(kind models.ProviderKind, body []byte) Status {
	res := gjson.ParseBytes(body)
	exists := res.Get("exists").Bool()
	switch kind {
	case models.ProviderVenom:
		switch {
		case res.Get("connected").Bool():
			return StatusConnected
		case exists:
			return StatusDisconnected
		}
	default:
		switch {
		case res.Get("ready").Bool() || res.Get("connected").Bool():
			return StatusConnected
		case res.Get("authenticated").Bool():
			return StatusAuthenticated
		case exists:
			return StatusInitializing
		}
	}
	return StatusNotInitialized
}

// Disconnect deletes the bridge session.
func (p *BridgeProvider) Disconnect(ctx context.Context) error {
	_, err := p.do(ctx, "disconnect", http.MethodDelete, "/session/"+url.PathEscape(p.session), nil)
	return err
}

func (p *BridgeProvider) do(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, p.fail(op, fmt.Errorf("encode request: %w", err))
		}
		reqBody = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return nil, p.fail(op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, p.fail(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBridgeResponse))
	if err != nil {
		return nil, p.fail(op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.fail(op, fmt.Errorf("bridge returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return body, nil
}

func (p *BridgeProvider) fail(op string, err error) error {
	slog.Warn("BridgeProvider: call failed", "provider", p.kind, "session", p.session, "op", op, "error", err)
	return &ExternalCallError{Provider: p.kind, Op: op, Err: err}
}

package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/dedupe"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/orchestrator"
)

type venomPayload struct {
	SessionName string `json:"session_name"`
	From        string `json:"from"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp,omitempty"`
	ID          string `json:"id,omitempty"`
}

type wwebjsPayload struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp,omitempty"`
	ID        string `json:"id,omitempty"`
}

func (s *Server) venomWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var p venomPayload
	if err := decodeJSON(w, r, &p); err != nil {
		slog.Warn("Server.venomWebhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if p.SessionName == "" || p.From == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("session_name and from are required"))
		return
	}
	msg := models.IncomingMessage{From: p.From, Message: p.Message, MessageType: models.MessageTypeText, ProviderMessageID: p.ID}
	if p.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, p.Timestamp)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("timestamp must be RFC3339"))
			return
		}
		msg.Timestamp = ts
	}
	s.route(w, models.ProviderVenom, p.SessionName, msg)
}

func (s *Server) wwebjsWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var p wwebjsPayload
	if err := decodeJSON(w, r, &p); err != nil {
		slog.Warn("Server.wwebjsWebhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if p.SessionID == "" || p.From == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("session_id and from are required"))
		return
	}
	msg := models.IncomingMessage{From: p.From, Message: p.Body, MessageType: models.MessageTypeText, ProviderMessageID: p.ID}
	if p.Timestamp > 0 {
		msg.Timestamp = time.Unix(p.Timestamp, 0).UTC()
	}
	s.route(w, models.ProviderWWebJS, p.SessionID, msg)
}

// baileysWebhookHandler accepts Evolution-style "messages.upsert" payloads.
func (s *Server) baileysWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || !gjson.ValidBytes(body) {
		slog.Warn("Server.baileysWebhookHandler: invalid payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	doc := gjson.ParseBytes(body)
	instance := doc.Get("instance").String()
	from := doc.Get("data.key.remoteJid").String()
	if instance == "" || from == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("instance and data.key.remoteJid are required"))
		return
	}
	if doc.Get("data.key.fromMe").Bool() {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ignored own message", nil))
		return
	}
	text := doc.Get("data.message.conversation").String()
	if text == "" {
		text = doc.Get("data.message.extendedTextMessage.text").String()
	}
	if text == "" {
		slog.Debug("Server.baileysWebhookHandler: non-text message ignored", "instance", instance)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ignored non-text message", nil))
		return
	}
	msg := models.IncomingMessage{
		From:              from,
		Message:           text,
		MessageType:       models.MessageTypeText,
		ProviderMessageID: doc.Get("data.key.id").String(),
	}
	if ts := doc.Get("data.messageTimestamp").Int(); ts > 0 {
		msg.Timestamp = time.Unix(ts, 0).UTC()
	}
	s.route(w, models.ProviderBaileys, instance, msg)
}

// twilioWebhookHandler accepts Twilio's form-encoded inbound message callback.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form payload"))
		return
	}
	to := strings.TrimPrefix(r.PostForm.Get("To"), "whatsapp:")
	from := strings.TrimPrefix(r.PostForm.Get("From"), "whatsapp:")
	if to == "" || from == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("To and From are required"))
		return
	}
	msg := models.IncomingMessage{
		From:              from,
		Message:           r.PostForm.Get("Body"),
		MessageType:       models.MessageTypeText,
		ProviderMessageID: r.PostForm.Get("MessageSid"),
	}
	if n := r.PostForm.Get("NumMedia"); n != "" && n != "0" {
		msg.MessageType = models.MessageTypeMedia
	}
	s.route(w, models.ProviderTwilio, to, msg)
}

// route resolves the owning bot of a provider session and hands msg to the dispatcher.
// Unknown sessions get 404 and create nothing.
func (s *Server) route(w http.ResponseWriter, kind models.ProviderKind, sessionKey string, msg models.IncomingMessage) {
	botID, ok := s.deps.Bots.ResolveSession(kind, sessionKey)
	if !ok {
		slog.Warn("Server.route: unknown provider session", "kind", kind, "session", sessionKey)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown session"))
		return
	}
	msg.BotID = botID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if s.duplicate(msg) {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("duplicate", nil))
		return
	}
	if !s.submit(w, msg) {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// messageHandler accepts an already normalized message addressed by bot id.
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	var msg models.IncomingMessage
	if err := decodeJSON(w, r, &msg); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := msg.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if _, ok := s.deps.Bots.Get(msg.BotID); !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Bot not found"))
		return
	}
	if msg.MessageType == "" {
		msg.MessageType = models.MessageTypeText
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if s.duplicate(msg) {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("duplicate", nil))
		return
	}
	if !s.submit(w, msg) {
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Accepted("Message queued for processing"))
}

func (s *Server) duplicate(msg models.IncomingMessage) bool {
	if s.deps.Dedupe == nil {
		return false
	}
	key := dedupe.MessageKey(msg)
	if key == "" || !s.deps.Dedupe.Seen(key) {
		return false
	}
	slog.Debug("Server.duplicate: redelivered message ignored", "botID", msg.BotID, "from", msg.From, "id", msg.ProviderMessageID)
	return true
}

func (s *Server) submit(w http.ResponseWriter, msg models.IncomingMessage) bool {
	err := s.deps.Dispatcher.Submit(msg)
	if err == nil {
		return true
	}
	// not processed, so a provider retry must not count as a duplicate
	if s.deps.Dedupe != nil {
		s.deps.Dedupe.Forget(dedupe.MessageKey(msg))
	}
	switch {
	case errors.Is(err, orchestrator.ErrQueueFull):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Server busy, retry later"))
	case errors.Is(err, orchestrator.ErrDispatcherStopped):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Server shutting down"))
	default:
		slog.Error("Server.submit: dispatch failed", "botID", msg.BotID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to queue message"))
	}
	return false
}

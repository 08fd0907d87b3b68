package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/flow"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/messaging"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/registry"
)

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.deps.Flows.List()))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	f, ok := s.deps.Flows.Get(r.PathValue("id"))
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

// registerFlowHandler serves both POST /flows and PUT /flows/{id}.
func (s *Server) registerFlowHandler(w http.ResponseWriter, r *http.Request) {
	var f models.Flow
	if err := decodeJSON(w, r, &f); err != nil {
		slog.Warn("Server.registerFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if id := r.PathValue("id"); id != "" {
		if f.ID != "" && f.ID != id {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Flow id does not match the path"))
			return
		}
		f.ID = id
	}
	if err := s.deps.Flows.Register(f); err != nil {
		var cfgErr *flow.ConfigurationError
		if errors.As(err, &cfgErr) {
			slog.Warn("Server.registerFlowHandler: flow rejected", "flowID", f.ID, "problems", len(cfgErr.Problems))
			writeJSONResponse(w, http.StatusBadRequest, models.ErrorWithResult("Invalid flow", cfgErr.Problems))
			return
		}
		slog.Error("Server.registerFlowHandler: failed to register flow", "flowID", f.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to register flow"))
		return
	}
	slog.Info("Server.registerFlowHandler: flow registered", "flowID", f.ID, "steps", len(f.Steps))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow registered", map[string]interface{}{
		"id":    f.ID,
		"steps": len(f.Steps),
	}))
}

func (s *Server) deleteFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Flows.Remove(id) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	slog.Info("Server.deleteFlowHandler: flow removed", "flowID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow removed", nil))
}

func (s *Server) listBotsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.deps.Bots.List()))
}

// upsertBotHandler registers a bot or replaces its definition. Running stats are kept.
func (s *Server) upsertBotHandler(w http.ResponseWriter, r *http.Request) {
	var bot models.BotInstance
	if err := decodeJSON(w, r, &bot); err != nil {
		slog.Warn("Server.upsertBotHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	if bot.Settings == (models.BotSettings{}) {
		bot.Settings = models.DefaultBotSettings()
	}
	_, existed := s.deps.Bots.Get(bot.ID)
	if err := s.deps.Bots.Upsert(bot); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, registry.ErrSessionTaken) {
			status = http.StatusConflict
		}
		slog.Warn("Server.upsertBotHandler: bot rejected", "botID", bot.ID, "error", err)
		writeJSONResponse(w, status, models.Error(err.Error()))
		return
	}
	if s.deps.Providers != nil {
		s.deps.Providers.Forget(bot.ID)
	}
	stored, _ := s.deps.Bots.Get(bot.ID)
	if s.deps.Persist != nil {
		s.deps.Persist.SaveBot(stored)
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSONResponse(w, status, models.Success(stored))
}

func (s *Server) getBotHandler(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.deps.Bots.Get(r.PathValue("id"))
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Bot not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(bot))
}

func (s *Server) deleteBotHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Bots.Remove(id) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Bot not found"))
		return
	}
	if s.deps.Providers != nil {
		s.deps.Providers.Forget(id)
	}
	if s.deps.Persist != nil {
		s.deps.Persist.DeleteBot(id)
	}
	slog.Info("Server.deleteBotHandler: bot removed", "botID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Bot removed", nil))
}

func (s *Server) botStatsHandler(w http.ResponseWriter, r *http.Request) {
	bot, ok := s.deps.Bots.Get(r.PathValue("id"))
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Bot not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(bot.Stats))
}

func (s *Server) botQRHandler(w http.ResponseWriter, r *http.Request) {
	bot, provider, ok := s.botProvider(w, r)
	if !ok {
		return
	}
	code, err := provider.GetQR(r.Context())
	if err != nil {
		s.writeProviderError(w, bot.ID, "qr", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"bot_id": bot.ID, "qr": code}))
}

func (s *Server) botStatusHandler(w http.ResponseWriter, r *http.Request) {
	bot, provider, ok := s.botProvider(w, r)
	if !ok {
		return
	}
	result := map[string]string{"bot_id": bot.ID, "provider": string(bot.Provider.Kind)}
	if g, isGuarded := provider.(*messaging.Guarded); isGuarded {
		result["circuit"] = g.State()
	}
	status, err := provider.GetStatus(r.Context())
	if err != nil {
		s.writeProviderError(w, bot.ID, "status", err)
		return
	}
	result["status"] = string(status)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) botDisconnectHandler(w http.ResponseWriter, r *http.Request) {
	bot, provider, ok := s.botProvider(w, r)
	if !ok {
		return
	}
	if err := provider.Disconnect(r.Context()); err != nil {
		s.writeProviderError(w, bot.ID, "disconnect", err)
		return
	}
	slog.Info("Server.botDisconnectHandler: session disconnected", "botID", bot.ID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session disconnected", nil))
}

func (s *Server) botProvider(w http.ResponseWriter, r *http.Request) (models.BotInstance, messaging.Provider, bool) {
	bot, ok := s.deps.Bots.Get(r.PathValue("id"))
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Bot not found"))
		return bot, nil, false
	}
	provider, err := s.deps.Providers.For(r.Context(), bot)
	if err != nil {
		s.writeProviderError(w, bot.ID, "build", err)
		return bot, nil, false
	}
	return bot, provider, true
}

func (s *Server) writeProviderError(w http.ResponseWriter, botID, op string, err error) {
	switch {
	case errors.Is(err, messaging.ErrQRUnavailable):
		writeJSONResponse(w, http.StatusNotFound, models.Error("QR code not available"))
	case errors.Is(err, messaging.ErrUnsupported):
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("Not supported by this provider"))
	case errors.Is(err, messaging.ErrCircuitOpen):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Provider temporarily unavailable"))
	case errors.Is(err, models.ErrUnknownProvider):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	default:
		slog.Error("Server.writeProviderError: provider call failed", "botID", botID, "op", op, "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Provider call failed"))
	}
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	state, ok := s.deps.Conversations.Get(r.PathValue("id"))
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// healthHandler reports liveness plus the active bot and conversation counts.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":               "healthy",
		"service":              ServiceName,
		"active_bots":          s.deps.Bots.Len(),
		"active_conversations": s.deps.Conversations.Len(),
		"uptime_seconds":       int64(time.Since(s.started).Seconds()),
		"timestamp":            time.Now().UTC().Format(time.RFC3339),
	})
}

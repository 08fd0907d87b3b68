// Package api provides the HTTP surface of the orchestrator: provider webhooks that feed
// the dispatcher and the administrative endpoints for flows, bots and conversations.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/conversation"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/flow"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/messaging"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/registry"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "conversation-orchestrator"

// Submitter accepts normalized inbound messages for asynchronous processing.
type Submitter interface {
	Submit(msg models.IncomingMessage) error
}

// Deduper reports whether a message key was already seen, marking it when not.
type Deduper interface {
	Seen(key string) bool
	Forget(key string)
}

// ProviderSource returns the outbound provider of a bot.
type ProviderSource interface {
	For(ctx context.Context, bot models.BotInstance) (messaging.Provider, error)
	Forget(botID string)
}

// BotPersister mirrors registry changes to persistence.
type BotPersister interface {
	SaveBot(bot models.BotInstance)
	DeleteBot(id string)
}

// Deps are the components the server exposes. Dedupe, Persist and Metrics may be nil.
type Deps struct {
	Bots          *registry.Registry
	Flows         *flow.Registry
	Conversations *conversation.Store
	Dispatcher    Submitter
	Providers     ProviderSource
	Dedupe        Deduper
	Persist       BotPersister
	Metrics       http.Handler
}

// Opts configures the HTTP server.
type Opts struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Option configures the HTTP server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		if addr != "" {
			o.Addr = addr
		}
	}
}

// WithTimeouts sets the read, write and shutdown timeouts. Zero keeps the default.
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(o *Opts) {
		if read > 0 {
			o.ReadTimeout = read
		}
		if write > 0 {
			o.WriteTimeout = write
		}
		if shutdown > 0 {
			o.ShutdownTimeout = shutdown
		}
	}
}

// Server routes webhooks and administrative requests.
type Server struct {
	deps    Deps
	opts    Opts
	mux     *http.ServeMux
	started time.Time
}

// NewServer creates a Server and registers its routes.
func NewServer(deps Deps, opts ...Option) *Server {
	o := Opts{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{deps: deps, opts: o, mux: http.NewServeMux(), started: time.Now()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /webhook/venom", s.venomWebhookHandler)
	s.mux.HandleFunc("POST /webhook/wwebjs", s.wwebjsWebhookHandler)
	s.mux.HandleFunc("POST /webhook/baileys", s.baileysWebhookHandler)
	s.mux.HandleFunc("POST /webhook/twilio", s.twilioWebhookHandler)
	s.mux.HandleFunc("POST /message", s.messageHandler)

	s.mux.HandleFunc("GET /flows", s.listFlowsHandler)
	s.mux.HandleFunc("POST /flows", s.registerFlowHandler)
	s.mux.HandleFunc("GET /flows/{id}", s.getFlowHandler)
	s.mux.HandleFunc("PUT /flows/{id}", s.registerFlowHandler)
	s.mux.HandleFunc("DELETE /flows/{id}", s.deleteFlowHandler)

	s.mux.HandleFunc("GET /bots", s.listBotsHandler)
	s.mux.HandleFunc("POST /bots", s.upsertBotHandler)
	s.mux.HandleFunc("GET /bots/{id}", s.getBotHandler)
	s.mux.HandleFunc("DELETE /bots/{id}", s.deleteBotHandler)
	s.mux.HandleFunc("GET /bots/{id}/stats", s.botStatsHandler)
	s.mux.HandleFunc("GET /bots/{id}/qr", s.botQRHandler)
	s.mux.HandleFunc("GET /bots/{id}/status", s.botStatusHandler)
	s.mux.HandleFunc("POST /bots/{id}/disconnect", s.botDisconnectHandler)

	s.mux.HandleFunc("GET /conversations/{id}", s.getConversationHandler)
	s.mux.HandleFunc("GET /health", s.healthHandler)
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.mux,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/twiliowhatsapp"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/whatsapp"
)

// NativeOpener opens (or returns an already open) whatsmeow session for a binding.
type NativeOpener func(ctx context.Context, binding models.ProviderBinding) (whatsapp.Session, error)

// Factory maps a provider binding onto a Provider implementation.
type Factory struct {
	httpClient *http.Client
	native     NativeOpener
	twilio     twiliowhatsapp.Sender
	mocks      map[string]*MockProvider
	mu         sync.Mutex
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithHTTPClient sets the client used for bridge providers.
func WithHTTPClient(c *http.Client) FactoryOption {
	return func(f *Factory) { f.httpClient = c }
}

// WithNativeOpener enables the whatsmeow provider.
func WithNativeOpener(open NativeOpener) FactoryOption {
	return func(f *Factory) { f.native = open }
}

// WithTwilioSender sets the default Twilio sender for bindings without credentials.
func WithTwilioSender(s twiliowhatsapp.Sender) FactoryOption {
	return func(f *Factory) { f.twilio = s }
}

// NewFactory creates a Factory.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{mocks: make(map[string]*MockProvider)}
	for _, opt := range opts {
		opt(f)
	}
	if f.httpClient == nil {
		f.httpClient = &http.Client{Timeout: DefaultCallTimeout}
	}
	return f
}

// Build creates the unguarded provider for a binding.
func (f *Factory) Build(ctx context.Context, binding models.ProviderBinding) (Provider, error) {
	if err := binding.Validate(); err != nil {
		return nil, err
	}
	switch binding.Kind {
	case models.ProviderVenom, models.ProviderWWebJS, models.ProviderBaileys:
		return NewBridgeProvider(binding.Kind, binding.BridgeURL, binding.SessionKey, f.httpClient)
	case models.ProviderWhatsmeow:
		if f.native == nil {
			return nil, fmt.Errorf("whatsmeow provider: %w", ErrUnsupported)
		}
		session, err := f.native(ctx, binding)
		if err != nil {
			return nil, fmt.Errorf("failed to open whatsmeow session %s: %w", binding.SessionKey, err)
		}
		return NewWhatsmeowProvider(session), nil
	case models.ProviderTwilio:
		return f.buildTwilio(binding)
	case models.ProviderMock:
		return f.Mock(binding.SessionKey), nil
	}
	return nil, fmt.Errorf("%w: %q", models.ErrUnknownProvider, binding.Kind)
}

func (f *Factory) buildTwilio(binding models.ProviderBinding) (Provider, error) {
	sid := binding.Options["account_sid"]
	if sid == "" && f.twilio != nil {
		return NewTwilioProvider(f.twilio), nil
	}
	client, err := twiliowhatsapp.NewClient(
		twiliowhatsapp.WithAccountSID(sid),
		twiliowhatsapp.WithAuthToken(binding.Options["auth_token"]),
		twiliowhatsapp.WithFromWhats(binding.SessionKey),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create twilio client: %w", err)
	}
	return NewTwilioProvider(client), nil
}

// Mock returns the shared MockProvider for a session key, creating it on first use.
func (f *Factory) Mock(sessionKey string) *MockProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mocks[sessionKey]
	if !ok {
		m = NewMockProvider()
		f.mocks[sessionKey] = m
	}
	return m
}

// Providers caches one guarded provider per bot and rebuilds it when the binding changes.
type Providers struct {
	factory *Factory
	guard   []GuardOption

	mu    sync.Mutex
	byBot map[string]*cachedProvider
}

type cachedProvider struct {
	binding  models.ProviderBinding
	provider *Guarded
}

// NewProviders creates a provider cache.
func NewProviders(factory *Factory, guard ...GuardOption) *Providers {
	return &Providers{
		factory: factory,
		guard:   guard,
		byBot:   make(map[string]*cachedProvider),
	}
}

// For returns the guarded provider of a bot.
func (p *Providers) For(ctx context.Context, bot models.BotInstance) (Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.byBot[bot.ID]; ok && sameBinding(c.binding, bot.Provider) {
		return c.provider, nil
	}
	inner, err := p.factory.Build(ctx, bot.Provider)
	if err != nil {
		slog.Error("Providers.For: failed to build provider", "botID", bot.ID, "kind", bot.Provider.Kind, "error", err)
		return nil, err
	}
	guarded := NewGuarded(bot.ID, inner, p.guard...)
	p.byBot[bot.ID] = &cachedProvider{binding: cloneBinding(bot.Provider), provider: guarded}
	slog.Debug("Providers.For: built provider", "botID", bot.ID, "kind", bot.Provider.Kind, "session", bot.Provider.SessionKey)
	return guarded, nil
}

// Forget drops the cached provider of a bot.
func (p *Providers) Forget(botID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byBot, botID)
}

func sameBinding(a, b models.ProviderBinding) bool {
	return a.Kind == b.Kind && a.SessionKey == b.SessionKey && a.BridgeURL == b.BridgeURL && maps.Equal(a.Options, b.Options)
}

func cloneBinding(b models.ProviderBinding) models.ProviderBinding {
	b.Options = maps.Clone(b.Options)
	return b
}

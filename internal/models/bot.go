package models

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ProviderKind identifies the bridge a bot's WhatsApp session lives behind.
type ProviderKind string

const (
	ProviderVenom     ProviderKind = "venom"
	ProviderWWebJS    ProviderKind = "wwebjs"
	ProviderBaileys   ProviderKind = "baileys"
	ProviderWhatsmeow ProviderKind = "whatsmeow"
	ProviderTwilio    ProviderKind = "twilio"
	ProviderMock      ProviderKind = "mock"
)

// IsValid reports whether the kind is one the engine knows how to build.
func (k ProviderKind) IsValid() bool {
	switch k {
	case ProviderVenom, ProviderWWebJS, ProviderBaileys, ProviderWhatsmeow, ProviderTwilio, ProviderMock:
		return true
	}
	return false
}

// ProviderBinding ties a bot to one session on one bridge.
type ProviderBinding struct {
	Kind       ProviderKind      `json:"kind" yaml:"kind"`
	SessionKey string            `json:"session_key" yaml:"session_key"`
	BridgeURL  string            `json:"bridge_url,omitempty" yaml:"bridge_url"`
	Options    map[string]string `json:"options,omitempty" yaml:"options"`
}

// IndexKey is the registry lookup key for webhook resolution.
func (b ProviderBinding) IndexKey() string {
	return SessionIndexKey(b.Kind, b.SessionKey)
}

// SessionIndexKey builds the "kind:session" key used to resolve webhooks.
func SessionIndexKey(kind ProviderKind, sessionKey string) string {
	return string(kind) + ":" + sessionKey
}

// Validate checks the binding is complete.
func (b ProviderBinding) Validate() error {
	if b.Kind == "" {
		return ErrMissingProvider
	}
	if !b.Kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, b.Kind)
	}
	if strings.TrimSpace(b.SessionKey) == "" {
		return ErrMissingSessionKey
	}
	return nil
}

// FlowBindings names the flows a bot enters when a conversation has no active flow.
type FlowBindings struct {
	WelcomeFlowID  string `json:"welcome_flow_id,omitempty" yaml:"welcome_flow_id"`
	MenuFlowID     string `json:"menu_flow_id,omitempty" yaml:"menu_flow_id"`
	FallbackFlowID string `json:"fallback_flow_id,omitempty" yaml:"fallback_flow_id"`
}

// Default bot settings.
const (
	DefaultAutoReplyDelayMS = 500
	DefaultMaxIdleSeconds   = 3600
	DefaultOpenHour         = 9
	DefaultCloseHour        = 18
)

// BotSettings holds per-tenant behavior knobs.
type BotSettings struct {
	BusinessHoursEnabled bool   `json:"business_hours_enabled" yaml:"business_hours_enabled"`
	Timezone             string `json:"timezone,omitempty" yaml:"timezone"`
	OpenHour             int    `json:"open_hour,omitempty" yaml:"open_hour"`
	CloseHour            int    `json:"close_hour,omitempty" yaml:"close_hour"`
	OffHoursMessage      string `json:"off_hours_message,omitempty" yaml:"off_hours_message"`
	AutoReplyDelayMS     int    `json:"auto_reply_delay_ms" yaml:"auto_reply_delay_ms"`
	MaxIdleSeconds       int    `json:"max_idle_seconds" yaml:"max_idle_seconds"`
}

// DefaultBotSettings returns the settings a freshly provisioned bot starts with.
func DefaultBotSettings() BotSettings {
	return BotSettings{
		Timezone:         "UTC",
		OpenHour:         DefaultOpenHour,
		CloseHour:        DefaultCloseHour,
		AutoReplyDelayMS: DefaultAutoReplyDelayMS,
		MaxIdleSeconds:   DefaultMaxIdleSeconds,
	}
}

// IdleTimeout returns the bot's idle timeout, or fallback when unset.
func (s BotSettings) IdleTimeout(fallback time.Duration) time.Duration {
	if s.MaxIdleSeconds > 0 {
		return time.Duration(s.MaxIdleSeconds) * time.Second
	}
	return fallback
}

// AutoReplyDelay returns the pause before replies are sent.
func (s BotSettings) AutoReplyDelay() time.Duration {
	if s.AutoReplyDelayMS <= 0 {
		return 0
	}
	return time.Duration(s.AutoReplyDelayMS) * time.Millisecond
}

// WithinBusinessHours reports whether t falls inside the bot's opening hours.
// Bots without business hours are always open.
func (s BotSettings) WithinBusinessHours(t time.Time) bool {
	if !s.BusinessHoursEnabled {
		return true
	}
	loc := time.UTC
	if s.Timezone != "" {
		loc = loadLocation(s.Timezone)
	}
	open, closeAt := s.OpenHour, s.CloseHour
	if open == 0 && closeAt == 0 {
		open, closeAt = DefaultOpenHour, DefaultCloseHour
	}
	hour := t.In(loc).Hour()
	if open <= closeAt {
		return hour >= open && hour < closeAt
	}
	// overnight window, e.g. 20 -> 4
	return hour >= open || hour < closeAt
}

// locations caches resolved timezones by name. Unknown names map to UTC.
var locations sync.Map

func loadLocation(name string) *time.Location {
	if l, ok := locations.Load(name); ok {
		return l.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("BotSettings.WithinBusinessHours: unknown timezone, using UTC", "timezone", name, "error", err)
		loc = time.UTC
	}
	l, _ := locations.LoadOrStore(name, loc)
	return l.(*time.Location)
}

// BotStats are the running counters of one bot.
type BotStats struct {
	MessagesSent        int64      `json:"messages_sent"`
	MessagesReceived    int64      `json:"messages_received"`
	ConversationsActive int64      `json:"conversations_active"`
	ConversationsTotal  int64      `json:"conversations_total"`
	LastMessageAt       *time.Time `json:"last_message_at,omitempty"`
}

// BotInstance is one provisioned tenant bot.
type BotInstance struct {
	ID          string          `json:"id" yaml:"id"`
	TenantID    string          `json:"tenant_id" yaml:"tenant_id"`
	Name        string          `json:"name" yaml:"name"`
	PhoneNumber string          `json:"phone_number,omitempty" yaml:"phone_number"`
	Provider    ProviderBinding `json:"provider" yaml:"provider"`
	Flows       FlowBindings    `json:"flows" yaml:"flows"`
	Settings    BotSettings     `json:"settings" yaml:"settings"`
	Stats       BotStats        `json:"stats" yaml:"-"`
	CreatedAt   time.Time       `json:"created_at" yaml:"-"`
}

// Validate checks the bot can be registered.
func (b *BotInstance) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return ErrMissingBotID
	}
	if err := b.Provider.Validate(); err != nil {
		return fmt.Errorf("bot %s: %w", b.ID, err)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with b.
func (b BotInstance) Clone() BotInstance {
	out := b
	if b.Provider.Options != nil {
		out.Provider.Options = make(map[string]string, len(b.Provider.Options))
		for k, v := range b.Provider.Options {
			out.Provider.Options[k] = v
		}
	}
	if b.Stats.LastMessageAt != nil {
		t := *b.Stats.LastMessageAt
		out.Stats.LastMessageAt = &t
	}
	return out
}

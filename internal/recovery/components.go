package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/conversation"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/registry"
)

// BotRecovery loads persisted bots into the registry. Seeded bots already present are
// kept; their persisted stats are restored.
type BotRecovery struct {
	Bots *registry.Registry
}

func (b *BotRecovery) RecoverState(ctx context.Context, reg *RecoveryRegistry) error {
	bots, err := reg.GetStore().LoadBots(ctx)
	if err != nil {
		return fmt.Errorf("load bots: %w", err)
	}
	restored := 0
	for _, bot := range bots {
		if _, exists := b.Bots.Get(bot.ID); !exists {
			if err := b.Bots.Upsert(bot); err != nil {
				slog.Warn("BotRecovery: skipping bot", "botID", bot.ID, "error", err)
				continue
			}
		}
		stats := bot.Stats
		stats.ConversationsActive = 0
		if err := b.Bots.UpdateStats(bot.ID, func(s *models.BotStats) { *s = stats }); err != nil {
			slog.Warn("BotRecovery: failed to restore stats", "botID", bot.ID, "error", err)
			continue
		}
		restored++
	}
	slog.Info("BotRecovery: bots restored", "count", restored, "persisted", len(bots))
	return nil
}

// ConversationRecovery loads persisted conversations that are still live into the store.
// Conversations of unknown bots or idle past their timeout are dropped from persistence.
type ConversationRecovery struct {
	Conversations *conversation.Store
	Bots          *registry.Registry
	IdleTimeout   time.Duration
}

func (c *ConversationRecovery) RecoverState(ctx context.Context, reg *RecoveryRegistry) error {
	states, err := reg.GetStore().LoadConversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	now := reg.Now()
	live := make([]models.ConversationState, 0, len(states))
	expired := 0
	for _, st := range states {
		bot, ok := c.Bots.Get(st.BotID)
		if !ok || st.IdleSince(now, bot.Settings.IdleTimeout(c.IdleTimeout)) {
			if err := reg.GetStore().DeleteConversation(ctx, st.ID); err != nil {
				slog.Warn("ConversationRecovery: failed to drop expired conversation", "conversationID", st.ID, "error", err)
			}
			expired++
			continue
		}
		live = append(live, st)
	}
	restored := c.Conversations.Restore(live)

	active := make(map[string]int)
	for _, st := range live {
		active[st.BotID]++
	}
	for botID, n := range active {
		count := int64(n)
		_ = c.Bots.UpdateStats(botID, func(s *models.BotStats) { s.ConversationsActive = count })
	}
	slog.Info("ConversationRecovery: conversations restored", "restored", restored, "expired", expired)
	return nil
}

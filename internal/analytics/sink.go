package analytics

import (
	"context"
	"errors"
	"log/slog"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/eventbus"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/registry"
)

// StatsUpdater is the part of the bot registry the sink writes to.
type StatsUpdater interface {
	UpdateStats(id string, fn func(*models.BotStats)) error
}

var _ StatsUpdater = (*registry.Registry)(nil)

// EventHandler processes one event.
type EventHandler interface {
	Handle(evt models.Event)
}

// Sink keeps conversation counters in the bot registry and feeds the metrics.
type Sink struct {
	bots    StatsUpdater
	metrics *Metrics
}

// NewSink creates a Sink. metrics may be nil.
func NewSink(bots StatsUpdater, metrics *Metrics) *Sink {
	return &Sink{bots: bots, metrics: metrics}
}

// Handle applies evt to the counters.
func (s *Sink) Handle(evt models.Event) {
	if s.metrics != nil {
		s.metrics.Observe(evt)
	}
	var update func(*models.BotStats)
	switch evt.Type {
	case models.EventConversationStarted:
		update = func(st *models.BotStats) {
			st.ConversationsActive++
			st.ConversationsTotal++
		}
	case models.EventConversationEnded:
		update = func(st *models.BotStats) {
			if st.ConversationsActive > 0 {
				st.ConversationsActive--
			}
		}
	default:
		return
	}
	if err := s.bots.UpdateStats(evt.BotID, update); err != nil {
		// bot removed while its conversations were still live
		slog.Debug("Sink.Handle: stats not updated", "botID", evt.BotID, "type", evt.Type, "error", err)
	}
}

// Run consumes sub with every handler in order until ctx is done or sub is closed.
func Run(ctx context.Context, sub *eventbus.Subscription, metrics *Metrics, handlers ...EventHandler) {
	slog.Info("analytics.Run: consumer started", "subscriber", sub.Name(), "handlers", len(handlers))
	sub.Consume(ctx, func(evt models.Event) {
		for _, h := range handlers {
			h.Handle(evt)
		}
		if metrics != nil {
			metrics.SetDropped(sub.Name(), sub.Dropped())
		}
	})
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("analytics.Run: consumer stopped", "subscriber", sub.Name(), "error", err)
		return
	}
	slog.Info("analytics.Run: consumer stopped", "subscriber", sub.Name())
}

// LogSink debug-logs every event.
type LogSink struct{}

// Handle logs evt.
func (LogSink) Handle(evt models.Event) {
	slog.Debug("LogSink.Handle: event",
		"type", evt.Type,
		"conversationID", evt.ConversationID,
		"botID", evt.BotID,
		"flowID", evt.FlowID,
		"from", evt.FromStep,
		"to", evt.ToStep,
		"reason", evt.Reason)
}

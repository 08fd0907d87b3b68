package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

// Reaper defaults.
const (
	DefaultReapInterval = 5 * time.Minute
	DefaultIdleTimeout  = time.Hour
)

// Publisher receives the events the reaper emits.
type Publisher interface {
	Publish(evt models.Event)
}

// TimeoutFunc returns the idle timeout for a bot, or 0 for the reaper default.
type TimeoutFunc func(botID string) time.Duration

// RemovalFunc is notified of every evicted conversation.
type RemovalFunc func(state models.ConversationState)

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithIdleTimeout sets the default idle timeout.
func WithIdleTimeout(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// WithBotTimeouts lets bots override the idle timeout.
func WithBotTimeouts(fn TimeoutFunc) ReaperOption {
	return func(r *Reaper) { r.botTimeout = fn }
}

// WithRemovalHook registers a callback for evicted conversations.
func WithRemovalHook(fn RemovalFunc) ReaperOption {
	return func(r *Reaper) { r.onRemove = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) { r.now = now }
}

// Reaper evicts conversations that have been idle longer than their timeout.
type Reaper struct {
	store       *Store
	publisher   Publisher
	interval    time.Duration
	idleTimeout time.Duration
	botTimeout  TimeoutFunc
	onRemove    RemovalFunc
	now         func() time.Time
}

// NewReaper creates a Reaper over store publishing to publisher.
func NewReaper(store *Store, publisher Publisher, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:       store,
		publisher:   publisher,
		interval:    DefaultReapInterval,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("Reaper.Run: starting session reaper", "interval", r.interval, "idleTimeout", r.idleTimeout)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Reaper.Run: stopping")
			return
		case <-ticker.C:
			if n := r.Sweep(ctx); n > 0 {
				slog.Info("Reaper.Run: evicted idle conversations", "count", n)
			}
		}
	}
}

// Sweep evicts every idle conversation once and returns how many were removed.
// Idleness is re-checked under the conversation's lock, so a conversation that
// received a message after the snapshot survives.
func (r *Reaper) Sweep(ctx context.Context) int {
	removed := 0
	for _, st := range r.store.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		timeout := r.timeoutFor(st.BotID)
		now := r.now()
		if !st.IdleSince(now, timeout) {
			continue
		}
		gone, ok := r.store.RemoveIf(st.ID, func(cur models.ConversationState) bool {
			return cur.IdleSince(now, timeout)
		})
		if !ok {
			continue
		}
		removed++
		slog.Debug("Reaper.Sweep: conversation evicted", "conversationID", gone.ID, "botID", gone.BotID, "lastActivity", gone.LastActivity)
		if r.publisher != nil {
			r.publisher.Publish(models.Event{
				Type:           models.EventConversationEnded,
				ConversationID: gone.ID,
				BotID:          gone.BotID,
				Address:        gone.Address,
				FlowID:         gone.FlowID,
				Reason:         models.EndReasonIdleTimeout,
				Timestamp:      now,
			})
		}
		if r.onRemove != nil {
			r.onRemove(gone)
		}
	}
	return removed
}

func (r *Reaper) timeoutFor(botID string) time.Duration {
	if r.botTimeout != nil {
		if d := r.botTimeout(botID); d > 0 {
			return d
		}
	}
	return r.idleTimeout
}

package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

// Default write-behind settings.
const (
	DefaultFlushInterval = time.Second
	DefaultMaxRetries    = 5
)

// convOp is a queued conversation write. at is the conversation's LastActivity; a
// queued op is only replaced by one at least as recent.
type convOp struct {
	state  models.ConversationState
	at     time.Time
	delete bool
}

type botOp struct {
	bot    models.BotInstance
	delete bool
}

// WriteBehind queues writes to a Store and flushes them in the background.
// Writes for the same id coalesce: only the latest state or delete is written.
type WriteBehind struct {
	store         Store
	flushInterval time.Duration
	maxRetries    uint64
	retryInitial  time.Duration

	mu    sync.Mutex
	convs map[string]convOp
	bots  map[string]botOp
	kick  chan struct{}
}

// WriteBehindOption configures a WriteBehind.
type WriteBehindOption func(*WriteBehind)

// WithFlushInterval sets how often pending writes are flushed.
func WithFlushInterval(d time.Duration) WriteBehindOption {
	return func(w *WriteBehind) {
		if d > 0 {
			w.flushInterval = d
		}
	}
}

// WithRetries sets how many times a failed write is retried and the first retry delay.
func WithRetries(n uint64, initial time.Duration) WriteBehindOption {
	return func(w *WriteBehind) {
		w.maxRetries = n
		if initial > 0 {
			w.retryInitial = initial
		}
	}
}

// NewWriteBehind creates a WriteBehind over store.
func NewWriteBehind(store Store, opts ...WriteBehindOption) *WriteBehind {
	w := &WriteBehind{
		store:         store,
		flushInterval: DefaultFlushInterval,
		maxRetries:    DefaultMaxRetries,
		retryInitial:  100 * time.Millisecond,
		convs:         make(map[string]convOp),
		bots:          make(map[string]botOp),
		kick:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SaveConversation queues the latest state of a conversation. A state older than the
// queued one is dropped.
func (w *WriteBehind) SaveConversation(state models.ConversationState) {
	w.queueConv(convOp{state: state.Clone(), at: state.LastActivity})
}

// ExpireConversation queues the removal of an evicted conversation. A queued save
// with newer activity belongs to a conversation started after the eviction and is kept,
// and saves no newer than the evicted state are dropped afterwards.
func (w *WriteBehind) ExpireConversation(state models.ConversationState) {
	w.queueConv(convOp{state: models.ConversationState{ID: state.ID}, at: state.LastActivity, delete: true})
}

func (w *WriteBehind) queueConv(op convOp) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.convs[op.state.ID]; ok {
		stale := cur.at.After(op.at) || (cur.delete && !op.delete && !op.at.After(cur.at))
		if stale {
			slog.Debug("WriteBehind.queueConv: dropping stale conversation write", "conversationID", op.state.ID, "delete", op.delete)
			return
		}
	}
	w.convs[op.state.ID] = op
}

// SaveBot queues the latest record of a bot.
func (w *WriteBehind) SaveBot(bot models.BotInstance) {
	w.mu.Lock()
	w.bots[bot.ID] = botOp{bot: bot.Clone()}
	w.mu.Unlock()
}

// DeleteBot queues the removal of a bot.
func (w *WriteBehind) DeleteBot(id string) {
	w.mu.Lock()
	w.bots[id] = botOp{bot: models.BotInstance{ID: id}, delete: true}
	w.mu.Unlock()
}

// Kick asks the flusher to run before the next tick.
func (w *WriteBehind) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Pending returns how many writes are queued.
func (w *WriteBehind) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.convs) + len(w.bots)
}

// Run flushes on every tick until ctx is cancelled, then flushes once more.
func (w *WriteBehind) Run(ctx context.Context) {
	slog.Info("WriteBehind.Run: starting", "flushInterval", w.flushInterval)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.Flush(final)
			cancel()
			slog.Info("WriteBehind.Run: stopping", "pending", w.Pending())
			return
		case <-ticker.C:
			w.Flush(ctx)
		case <-w.kick:
			w.Flush(ctx)
		}
	}
}

// Flush writes every queued operation. Operations that still fail after retries are
// requeued unless a newer write for the same id arrived meanwhile. It returns the
// number of operations written.
func (w *WriteBehind) Flush(ctx context.Context) int {
	w.mu.Lock()
	convs, bots := w.convs, w.bots
	w.convs = make(map[string]convOp)
	w.bots = make(map[string]botOp)
	w.mu.Unlock()

	if len(convs) == 0 && len(bots) == 0 {
		return 0
	}

	written := 0
	for id, op := range bots {
		err := w.retry(ctx, func() error {
			if op.delete {
				return w.store.DeleteBot(ctx, id)
			}
			return w.store.SaveBot(ctx, op.bot)
		})
		if err != nil {
			slog.Error("WriteBehind.Flush: bot write failed", "botID", id, "delete", op.delete, "error", err)
			w.requeueBot(id, op)
			continue
		}
		written++
	}
	for id, op := range convs {
		err := w.retry(ctx, func() error {
			if op.delete {
				return w.store.DeleteConversation(ctx, id)
			}
			return w.store.SaveConversation(ctx, op.state)
		})
		if err != nil {
			slog.Error("WriteBehind.Flush: conversation write failed", "conversationID", id, "delete", op.delete, "error", err)
			w.requeueConv(id, op)
			continue
		}
		written++
	}
	slog.Debug("WriteBehind.Flush: flushed", "written", written, "queued", len(convs)+len(bots))
	return written
}

func (w *WriteBehind) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryInitial
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, w.maxRetries), ctx))
}

func (w *WriteBehind) requeueConv(id string, op convOp) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, newer := w.convs[id]; !newer {
		w.convs[id] = op
	}
}

func (w *WriteBehind) requeueBot(id string, op botOp) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, newer := w.bots[id]; !newer {
		w.bots[id] = op
	}
}

// Package orchestrator runs inbound messages through the conversation pipeline:
// bot resolution, per-conversation state mutation, flow execution, actions and replies.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/actions"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/conversation"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/flow"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/messaging"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/registry"
)

// Default pool and send limits.
const (
	DefaultWorkers   = 16
	DefaultQueueSize = 1024
	DefaultSendRate  = rate.Limit(20)
	DefaultSendBurst = 5
)

var (
	// ErrQueueFull is returned by Submit when the backlog is at capacity.
	ErrQueueFull = errors.New("dispatcher queue full")
	// ErrDispatcherStopped is returned by Submit after Stop.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// Publisher receives engine events.
type Publisher interface {
	Publish(evt models.Event)
}

// ActionRunner executes the action steps a flow produced.
type ActionRunner interface {
	Execute(ctx context.Context, action flow.PendingAction) (actions.Result, error)
}

// ProviderSource returns the outbound provider of a bot.
type ProviderSource interface {
	For(ctx context.Context, bot models.BotInstance) (messaging.Provider, error)
}

// Persister receives every committed conversation state, in commit order.
type Persister interface {
	SaveConversation(state models.ConversationState)
}

// Deps are the collaborators a Dispatcher works with. Actions and Persist may be nil.
type Deps struct {
	Bots          *registry.Registry
	Conversations *conversation.Store
	Engine        *flow.Engine
	Events        Publisher
	Providers     ProviderSource
	Actions       ActionRunner
	Persist       Persister
}

// Opts configures a Dispatcher.
type Opts struct {
	Workers   int
	QueueSize int
	SendRate  rate.Limit
	SendBurst int
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Dispatcher.
type Option func(*Opts)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) Option {
	return func(o *Opts) {
		if n > 0 {
			o.Workers = n
		}
	}
}

// WithQueueSize sets how many messages may wait for a worker.
func WithQueueSize(n int) Option {
	return func(o *Opts) {
		if n > 0 {
			o.QueueSize = n
		}
	}
}

// WithSendRate limits outbound messages per bot.
func WithSendRate(r rate.Limit, burst int) Option {
	return func(o *Opts) {
		o.SendRate = r
		if burst > 0 {
			o.SendBurst = burst
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.now = now }
}

// WithSleep overrides how the auto-reply delay is waited out.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Opts) { o.sleep = sleep }
}

// Dispatcher is a bounded worker pool over the message pipeline.
type Dispatcher struct {
	deps Deps
	opts Opts

	mu      sync.RWMutex
	queue   chan models.IncomingMessage
	started bool
	stopped bool
	wg      sync.WaitGroup

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New creates a Dispatcher. Call Start before Submit.
func New(deps Deps, opts ...Option) *Dispatcher {
	o := Opts{
		Workers:   DefaultWorkers,
		QueueSize: DefaultQueueSize,
		SendRate:  DefaultSendRate,
		SendBurst: DefaultSendBurst,
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Dispatcher{
		deps:     deps,
		opts:     o,
		queue:    make(chan models.IncomingMessage, o.QueueSize),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start launches the workers. They stop when ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	slog.Info("Dispatcher.Start: workers started", "workers", d.opts.Workers, "queue", d.opts.QueueSize)
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-d.queue:
			if !ok {
				return
			}
			if err := d.Handle(ctx, msg); err != nil {
				slog.Warn("Dispatcher.worker: message not processed", "botID", msg.BotID, "from", msg.From, "error", err)
			}
		}
	}
}

// Submit queues msg without blocking.
func (d *Dispatcher) Submit(msg models.IncomingMessage) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	select {
	case d.queue <- msg:
		return nil
	default:
		slog.Warn("Dispatcher.Submit: queue full", "botID", msg.BotID, "capacity", cap(d.queue))
		return ErrQueueFull
	}
}

// Pending returns the number of queued messages.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Stop refuses new messages and waits up to timeout for queued ones to finish.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Dispatcher.Stop: drained")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("dispatcher stop timed out after %s with %d queued", timeout, len(d.queue))
	}
}

// Handle runs one message through the pipeline synchronously.
func (d *Dispatcher) Handle(ctx context.Context, msg models.IncomingMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	addr, err := messaging.CanonicalizeAddress(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender %q: %w", msg.From, err)
	}
	bot, ok := d.deps.Bots.Get(msg.BotID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrBotNotFound, msg.BotID)
	}

	now := d.opts.now()
	at := msg.Timestamp
	if at.IsZero() || at.After(now) {
		at = now
	}
	convID := models.ConversationID(bot.ID, addr)

	var outcome flow.Outcome
	// A reaper sweep may remove the conversation between create and mutate; retry once.
	for attempt := 0; ; attempt++ {
		_, created := d.deps.Conversations.GetOrCreate(convID, func() models.ConversationState {
			return models.NewConversationState(bot.ID, addr, now)
		})
		if created {
			slog.Debug("Dispatcher.Handle: conversation started", "conversationID", convID)
			d.publish(models.Event{Type: models.EventConversationStarted, ConversationID: convID, BotID: bot.ID, Address: addr, Timestamp: now})
		}
		if attempt == 0 {
			d.publish(models.Event{Type: models.EventMessageReceived, ConversationID: convID, BotID: bot.ID, Address: addr, Text: msg.Message, Timestamp: at})
			d.bumpStats(bot.ID, func(st *models.BotStats) {
				st.MessagesReceived++
				st.LastMessageAt = &now
			})
		}

		_, err = d.deps.Conversations.Mutate(convID, func(c *models.ConversationState) error {
			flowID, stepID := c.FlowID, c.StepID
			c.Append(models.RoleUser, msg.Message, at)
			if now.After(c.LastActivity) {
				c.LastActivity = now
			}
			out, perr := d.deps.Engine.Process(ctx, &bot, c, msg.Message)
			if perr != nil {
				slog.Error("Dispatcher.Handle: flow processing failed", "conversationID", convID, "flowID", flowID, "stepID", stepID, "error", perr)
				return perr
			}
			if notice := offHoursNotice(bot.Settings, now); notice != "" {
				out.Replies = append([]string{notice}, out.Replies...)
			}
			for _, reply := range out.Replies {
				c.Append(models.RoleBot, reply, now)
			}
			outcome = out
			d.persist(c)
			return nil
		})
		if errors.Is(err, conversation.ErrNotFound) && attempt == 0 {
			continue
		}
		break
	}
	if err != nil {
		return err
	}

	for _, tr := range outcome.Transitions {
		d.publish(models.Event{Type: models.EventFlowTransition, ConversationID: convID, BotID: bot.ID, Address: addr, FlowID: tr.FlowID, FromStep: tr.FromStep, ToStep: tr.ToStep, Timestamp: now})
	}

	if vars := d.runActions(ctx, outcome.Actions); len(vars) > 0 {
		_, merr := d.deps.Conversations.Mutate(convID, func(c *models.ConversationState) error {
			for k, v := range vars {
				c.Variables[k] = v
			}
			d.persist(c)
			return nil
		})
		if merr != nil {
			slog.Warn("Dispatcher.Handle: action output not stored", "conversationID", convID, "error", merr)
		}
	}

	d.sendReplies(ctx, bot, convID, addr, outcome.Replies)
	return nil
}

// persist queues c for persistence. It runs inside Mutate, so saves of one
// conversation reach the write-behind in commit order.
func (d *Dispatcher) persist(c *models.ConversationState) {
	if d.deps.Persist != nil {
		d.deps.Persist.SaveConversation(*c)
	}
}

func (d *Dispatcher) runActions(ctx context.Context, pending []flow.PendingAction) map[string]any {
	if len(pending) == 0 {
		return nil
	}
	if d.deps.Actions == nil {
		slog.Warn("Dispatcher.runActions: no action executor configured", "conversationID", pending[0].ConversationID, "count", len(pending))
		return nil
	}
	vars := map[string]any{}
	for _, action := range pending {
		res, err := d.deps.Actions.Execute(ctx, action)
		if err != nil {
			slog.Warn("Dispatcher.runActions: action failed", "conversationID", action.ConversationID, "stepID", action.StepID, "kind", action.Kind, "error", err)
			continue
		}
		for k, v := range res.Variables {
			vars[k] = v
		}
	}
	return vars
}

func (d *Dispatcher) sendReplies(ctx context.Context, bot models.BotInstance, convID, addr string, replies []string) {
	if len(replies) == 0 {
		return
	}
	provider, err := d.deps.Providers.For(ctx, bot)
	if err != nil {
		slog.Error("Dispatcher.sendReplies: no provider for bot", "botID", bot.ID, "conversationID", convID, "error", err)
		return
	}
	if delay := bot.Settings.AutoReplyDelay(); delay > 0 {
		if err := d.opts.sleep(ctx, delay); err != nil {
			return
		}
	}
	limiter := d.limiter(bot.ID)
	for _, text := range replies {
		if err := limiter.Wait(ctx); err != nil {
			slog.Warn("Dispatcher.sendReplies: send cancelled", "conversationID", convID, "error", err)
			return
		}
		id, err := provider.SendMessage(ctx, addr, text)
		if err != nil {
			slog.Error("Dispatcher.sendReplies: send failed", "botID", bot.ID, "conversationID", convID, "error", err)
			continue
		}
		now := d.opts.now()
		slog.Debug("Dispatcher.sendReplies: sent", "conversationID", convID, "messageID", id)
		d.publish(models.Event{Type: models.EventMessageSent, ConversationID: convID, BotID: bot.ID, Address: addr, Text: text, Timestamp: now})
		d.bumpStats(bot.ID, func(st *models.BotStats) {
			st.MessagesSent++
			st.LastMessageAt = &now
		})
	}
}

func (d *Dispatcher) limiter(botID string) *rate.Limiter {
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()
	l, ok := d.limiters[botID]
	if !ok {
		l = rate.NewLimiter(d.opts.SendRate, d.opts.SendBurst)
		d.limiters[botID] = l
	}
	return l
}

func (d *Dispatcher) publish(evt models.Event) {
	if d.deps.Events != nil {
		d.deps.Events.Publish(evt)
	}
}

func (d *Dispatcher) bumpStats(botID string, fn func(*models.BotStats)) {
	if err := d.deps.Bots.UpdateStats(botID, fn); err != nil {
		slog.Debug("Dispatcher.bumpStats: bot gone", "botID", botID, "error", err)
	}
}

func offHoursNotice(s models.BotSettings, now time.Time) string {
	if s.OffHoursMessage == "" || s.WithinBusinessHours(now) {
		return ""
	}
	return s.OffHoursMessage
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

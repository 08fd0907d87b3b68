package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/actions"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/conversation"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/flow"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/messaging"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/registry"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/testutil"
)

const user = "+15551234567"

type recordingPersister struct {
	mu    sync.Mutex
	saved []models.ConversationState
}

func (p *recordingPersister) SaveConversation(state models.ConversationState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, state)
}

type harness struct {
	bots      *registry.Registry
	convs     *conversation.Store
	events    *testutil.RecordingPublisher
	persisted *recordingPersister
	factory   *messaging.Factory
	deps      Deps
}

func greetFlow() models.Flow {
	return models.Flow{
		ID: "greet",
		Steps: []models.Step{
			{ID: "ask", Type: models.StepQuestion, Text: "What is your name?", Variable: "name", Next: "hi",
				Validation: &models.Validation{Type: models.ValidateText, ErrorMessage: "Please type your name."}},
			{ID: "hi", Type: models.StepMessage, Text: "Hi {{name}}", Next: "bye"},
			{ID: "bye", Type: models.StepEnd, Message: "Bye"},
		},
	}
}

func newHarness(t *testing.T, bot models.BotInstance, flows ...models.Flow) *harness {
	t.Helper()
	bots := registry.New()
	require.NoError(t, bots.Upsert(bot))
	flowReg := flow.NewRegistry()
	for _, f := range flows {
		require.NoError(t, flowReg.Register(f))
	}
	h := &harness{
		bots:      bots,
		convs:     conversation.NewStore(),
		events:    &testutil.RecordingPublisher{},
		persisted: &recordingPersister{},
		factory:   messaging.NewFactory(),
	}
	h.deps = Deps{
		Bots:          bots,
		Conversations: h.convs,
		Engine:        flow.NewEngine(flowReg),
		Events:        h.events,
		Providers:     messaging.NewProviders(h.factory),
		Persist:       h.persisted,
	}
	return h
}

func testBot(welcome string) models.BotInstance {
	return models.BotInstance{
		ID:       "bot-1",
		Provider: models.ProviderBinding{Kind: models.ProviderMock, SessionKey: "s1"},
		Flows:    models.FlowBindings{WelcomeFlowID: welcome},
	}
}

func inbound(text string) models.IncomingMessage {
	return models.IncomingMessage{BotID: "bot-1", From: user, Message: text, Timestamp: time.Now()}
}

func TestHandleRunsFlowAndSendsReplies(t *testing.T) {
	h := newHarness(t, testBot("greet"), greetFlow())
	d := New(h.deps, WithSendRate(rate.Inf, 1))
	ctx := context.Background()

	require.NoError(t, d.Handle(ctx, inbound("hola")))
	require.NoError(t, d.Handle(ctx, inbound("   ")))
	require.NoError(t, d.Handle(ctx, inbound("Ana")))

	mock := h.factory.Mock("s1")
	assert.Equal(t, []string{"What is your name?", "Please type your name.", "Hi Ana", "Bye"}, mock.Texts(user))

	state, ok := h.convs.Get(models.ConversationID("bot-1", user))
	require.True(t, ok)
	assert.False(t, state.InFlow())
	assert.Equal(t, "Ana", state.Variables["name"])
	assert.Equal(t, 1, state.FlowsCompleted())
	assert.Len(t, state.Transcript, 7)

	assert.Equal(t, 1, h.events.Count(models.EventConversationStarted))
	assert.Equal(t, 3, h.events.Count(models.EventMessageReceived))
	assert.Equal(t, 4, h.events.Count(models.EventMessageSent))
	assert.Equal(t, 3, h.events.Count(models.EventFlowTransition))

	bot, _ := h.bots.Get("bot-1")
	assert.Equal(t, int64(3), bot.Stats.MessagesReceived)
	assert.Equal(t, int64(4), bot.Stats.MessagesSent)
	assert.NotNil(t, bot.Stats.LastMessageAt)

	require.Len(t, h.persisted.saved, 3)
	assert.Equal(t, state.ID, h.persisted.saved[2].ID)
}

func TestHandleUnknownBotCreatesNothing(t *testing.T) {
	h := newHarness(t, testBot(""))
	d := New(h.deps)

	msg := inbound("hi")
	msg.BotID = "ghost"
	err := d.Handle(context.Background(), msg)
	assert.ErrorIs(t, err, registry.ErrBotNotFound)
	assert.Equal(t, 0, h.convs.Len())
	assert.Empty(t, h.events.Events())
}

func TestHandleRejectsGroupSender(t *testing.T) {
	h := newHarness(t, testBot(""))
	d := New(h.deps)

	msg := inbound("hi")
	msg.From = "12036302@g.us"
	assert.Error(t, d.Handle(context.Background(), msg))
	assert.Equal(t, 0, h.convs.Len())
}

func TestHandleLinkedIDSender(t *testing.T) {
	h := newHarness(t, testBot(""))
	d := New(h.deps, WithSendRate(rate.Inf, 1))

	msg := inbound("hi")
	msg.From = "128391724839201@lid"
	require.NoError(t, d.Handle(context.Background(), msg))

	_, ok := h.convs.Get(models.ConversationID("bot-1", "128391724839201@lid"))
	assert.True(t, ok)
	assert.Equal(t, []string{flow.DefaultGreeting}, h.factory.Mock("s1").Texts("128391724839201@lid"))
}

func TestHandleEngineErrorLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, testBot("missing"))
	d := New(h.deps)

	err := d.Handle(context.Background(), inbound("hola"))
	assert.ErrorIs(t, err, flow.ErrFlowNotFound)

	state, ok := h.convs.Get(models.ConversationID("bot-1", user))
	require.True(t, ok)
	assert.Empty(t, state.Transcript)
	assert.Empty(t, h.factory.Mock("s1").Sent())
	assert.Empty(t, h.persisted.saved)
}

func TestHandleMergesActionOutput(t *testing.T) {
	f := models.Flow{
		ID: "order",
		Steps: []models.Step{
			{ID: "lookup", Type: models.StepAction, Next: "ask",
				Action: &models.ActionSpec{Kind: models.ActionCustom, Name: "lookup", Parameters: map[string]string{"who": "{{name}}"}}},
			{ID: "ask", Type: models.StepQuestion, Text: "Confirm?", Variable: "confirm", Next: "done"},
			{ID: "done", Type: models.StepEnd, Message: "Order {{order_id}} confirmed"},
		},
		Variables: map[string]any{"name": "guest"},
	}
	h := newHarness(t, testBot("order"), f)
	var got flow.PendingAction
	h.deps.Actions = actions.NewExecutor(actions.WithHandler(models.ActionCustom, actions.HandlerFunc(
		func(ctx context.Context, a flow.PendingAction) (actions.Result, error) {
			got = a
			return actions.Result{Variables: map[string]any{"order_id": "42"}}, nil
		})))
	d := New(h.deps, WithSendRate(rate.Inf, 1))

	require.NoError(t, d.Handle(context.Background(), inbound("start")))
	assert.Equal(t, "guest", got.Parameters["who"])
	require.NoError(t, d.Handle(context.Background(), inbound("yes")))

	assert.Equal(t, []string{"Confirm?", "Order 42 confirmed"}, h.factory.Mock("s1").Texts(user))
}

func TestHandleActionFailureDoesNotStall(t *testing.T) {
	f := models.Flow{
		ID: "f",
		Steps: []models.Step{
			{ID: "call", Type: models.StepAction, Next: "msg", Action: &models.ActionSpec{Kind: models.ActionAPICall}},
			{ID: "msg", Type: models.StepMessage, Text: "done", Next: "end"},
			{ID: "end", Type: models.StepEnd, Message: "bye"},
		},
	}
	h := newHarness(t, testBot("f"), f)
	h.deps.Actions = actions.NewExecutor(actions.WithHandler(models.ActionAPICall, actions.HandlerFunc(
		func(ctx context.Context, a flow.PendingAction) (actions.Result, error) {
			return actions.Result{}, errors.New("connection refused")
		})))
	d := New(h.deps, WithSendRate(rate.Inf, 1))

	require.NoError(t, d.Handle(context.Background(), inbound("go")))
	assert.Equal(t, []string{"done", "bye"}, h.factory.Mock("s1").Texts(user))
}

func TestHandleSendFailureIsLogged(t *testing.T) {
	h := newHarness(t, testBot("greet"), greetFlow())
	h.factory.Mock("s1").SetError(errors.New("bridge down"))
	d := New(h.deps, WithSendRate(rate.Inf, 1))

	require.NoError(t, d.Handle(context.Background(), inbound("hola")))
	assert.Equal(t, 0, h.events.Count(models.EventMessageSent))

	state, _ := h.convs.Get(models.ConversationID("bot-1", user))
	assert.Equal(t, "ask", state.StepID)
}

func TestHandleOffHoursNoticeAndDelay(t *testing.T) {
	bot := testBot("")
	bot.Settings = models.BotSettings{
		BusinessHoursEnabled: true,
		Timezone:             "UTC",
		OpenHour:             9,
		CloseHour:            18,
		OffHoursMessage:      "We are closed, we will answer tomorrow.",
		AutoReplyDelayMS:     250,
	}
	h := newHarness(t, bot)
	night := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	var slept time.Duration
	d := New(h.deps,
		WithClock(func() time.Time { return night }),
		WithSleep(func(ctx context.Context, d time.Duration) error { slept += d; return nil }),
		WithSendRate(rate.Inf, 1),
	)

	require.NoError(t, d.Handle(context.Background(), inbound("hello")))
	assert.Equal(t, []string{"We are closed, we will answer tomorrow.", flow.DefaultGreeting}, h.factory.Mock("s1").Texts(user))
	assert.Equal(t, 250*time.Millisecond, slept)
}

func TestSlowSendDoesNotPersistOlderState(t *testing.T) {
	bot := testBot("")
	bot.Settings = models.BotSettings{AutoReplyDelayMS: 100}
	h := newHarness(t, bot)

	entered := make(chan struct{})
	release := make(chan struct{})
	var first sync.Once
	d := New(h.deps,
		WithSleep(func(ctx context.Context, d time.Duration) error {
			blocked := false
			first.Do(func() { blocked = true })
			if blocked {
				close(entered)
				<-release
			}
			return nil
		}),
		WithSendRate(rate.Inf, 1),
	)

	done := make(chan error, 1)
	go func() { done <- d.Handle(context.Background(), inbound("first")) }()
	<-entered
	require.NoError(t, d.Handle(context.Background(), inbound("second")))
	close(release)
	require.NoError(t, <-done)

	live, ok := h.convs.Get(models.ConversationID("bot-1", user))
	require.True(t, ok)
	require.Len(t, live.Transcript, 4)

	h.persisted.mu.Lock()
	defer h.persisted.mu.Unlock()
	require.Len(t, h.persisted.saved, 2)
	last := h.persisted.saved[len(h.persisted.saved)-1]
	assert.Len(t, last.Transcript, len(live.Transcript))
	assert.Equal(t, "second", last.Transcript[2].Content)
}

func TestSubmitQueueFullAndStopped(t *testing.T) {
	h := newHarness(t, testBot(""))
	d := New(h.deps, WithQueueSize(1))

	require.NoError(t, d.Submit(inbound("one")))
	assert.ErrorIs(t, d.Submit(inbound("two")), ErrQueueFull)
	assert.Equal(t, 1, d.Pending())

	require.NoError(t, d.Stop(time.Second))
	assert.ErrorIs(t, d.Submit(inbound("three")), ErrDispatcherStopped)
}

func TestSameConversationMessagesAreAllApplied(t *testing.T) {
	h := newHarness(t, testBot(""))
	d := New(h.deps, WithWorkers(8), WithQueueSize(64), WithSendRate(rate.Inf, 1))
	d.Start(context.Background())

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, d.Submit(inbound(fmt.Sprintf("m%d", i))))
	}
	require.NoError(t, d.Stop(5*time.Second))

	state, ok := h.convs.Get(models.ConversationID("bot-1", user))
	require.True(t, ok)
	assert.Len(t, state.Transcript, 2*n)
	seen := map[string]bool{}
	for _, e := range state.Transcript {
		if e.Role == models.RoleUser {
			seen[e.Content] = true
		}
	}
	assert.Len(t, seen, n)
	assert.Equal(t, 1, h.events.Count(models.EventConversationStarted))
}

func TestDifferentConversationsRunInParallel(t *testing.T) {
	h := newHarness(t, testBot(""))
	d := New(h.deps, WithWorkers(4), WithSendRate(rate.Inf, 1))
	d.Start(context.Background())

	for i := 0; i < 10; i++ {
		msg := inbound("hi")
		msg.From = fmt.Sprintf("+1555000%04d", i)
		require.NoError(t, d.Submit(msg))
	}
	require.NoError(t, d.Stop(5*time.Second))

	assert.Equal(t, 10, h.convs.Len())
	assert.Equal(t, 10, h.events.Count(models.EventConversationStarted))
}

package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

func newTestEngine(t *testing.T, flows ...models.Flow) *Engine {
	t.Helper()
	r := NewRegistry()
	for _, f := range flows {
		if err := r.Register(f); err != nil {
			t.Fatalf("Register(%s): %v", f.ID, err)
		}
	}
	return NewEngine(r)
}

func testBot(welcome string) *models.BotInstance {
	return &models.BotInstance{
		ID:       "bot1",
		Provider: models.ProviderBinding{Kind: models.ProviderMock, SessionKey: "s1"},
		Flows:    models.FlowBindings{WelcomeFlowID: welcome},
	}
}

func newConv() models.ConversationState {
	return models.NewConversationState("bot1", "+100", time.Now())
}

func TestQuestionScenario(t *testing.T) {
	e := newTestEngine(t, greetingFlow())
	bot := testBot("greet")
	conv := newConv()
	ctx := context.Background()

	out, err := e.Process(ctx, bot, &conv, "hola")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Replies) != 1 || out.Replies[0] != "What is your name?" {
		t.Fatalf("entry replies = %q", out.Replies)
	}
	if conv.FlowID != "greet" || conv.StepID != "ask" {
		t.Fatalf("state = %s/%s, want greet/ask", conv.FlowID, conv.StepID)
	}

	out, err = e.Process(ctx, bot, &conv, "   ")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Replies) != 1 || out.Replies[0] != "Please type your name." {
		t.Errorf("blank reply should re-emit validation error, got %q", out.Replies)
	}
	if conv.StepID != "ask" {
		t.Errorf("state advanced on invalid input: %s", conv.StepID)
	}
	if _, ok := conv.Variables["name"]; ok {
		t.Error("invalid input must not be captured")
	}

	out, err = e.Process(ctx, bot, &conv, "Ana")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Replies) != 2 || out.Replies[0] != "Hi Ana" || out.Replies[1] != DefaultFarewell {
		t.Errorf("replies = %q", out.Replies)
	}
	if conv.InFlow() {
		t.Errorf("conversation should be back to no flow, at %s/%s", conv.FlowID, conv.StepID)
	}
	if !out.FlowCompleted || conv.FlowsCompleted() != 1 {
		t.Errorf("flow completion not recorded: %v %d", out.FlowCompleted, conv.FlowsCompleted())
	}
	if conv.Variables["name"] != "Ana" {
		t.Errorf("name = %v", conv.Variables["name"])
	}
}

func TestQuestionCapturesReplyAsGiven(t *testing.T) {
	e := newTestEngine(t, greetingFlow())
	bot := testBot("greet")
	conv := newConv()
	ctx := context.Background()

	if _, err := e.Process(ctx, bot, &conv, "hola"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Process(ctx, bot, &conv, "  Ana María "); err != nil {
		t.Fatal(err)
	}
	if got := conv.Variables["name"]; got != "  Ana María " {
		t.Errorf("name = %q, want the reply untouched", got)
	}
}

func supportMenuFlow() models.Flow {
	return models.Flow{
		ID: "menu",
		Steps: []models.Step{
			{ID: "m", Type: models.StepMenu, Text: "How can we help?", Options: []models.MenuOption{
				{Key: "1", Label: "Sales", Next: "s1"},
				{Key: "2", Label: "Support", Next: "s2"},
			}},
			{ID: "s1", Type: models.StepQuestion, Text: "Sales here", Variable: "q1"},
			{ID: "s2", Type: models.StepQuestion, Text: "Support here", Variable: "q2"},
		},
	}
}

func TestMenuScenario(t *testing.T) {
	e := newTestEngine(t, supportMenuFlow())
	bot := testBot("menu")
	ctx := context.Background()

	conv := newConv()
	out, err := e.Process(ctx, bot, &conv, "hi")
	if err != nil {
		t.Fatal(err)
	}
	menuText := "How can we help?\n\n1 - Sales\n2 - Support\n"
	if len(out.Replies) != 1 || out.Replies[0] != menuText {
		t.Fatalf("menu text = %q", out.Replies)
	}

	out, err = e.Process(ctx, bot, &conv, "3")
	if err != nil {
		t.Fatal(err)
	}
	if conv.StepID != "m" {
		t.Errorf("state changed on unmatched option: %s", conv.StepID)
	}
	if len(out.Replies) != 2 || out.Replies[0] != DefaultInvalidOption || out.Replies[1] != menuText {
		t.Errorf("unmatched replies = %q", out.Replies)
	}

	for _, input := range []string{"Support", "SUPPORT", "support", "2"} {
		c := newConv()
		if _, err := e.Process(ctx, bot, &c, "hi"); err != nil {
			t.Fatal(err)
		}
		if _, err := e.Process(ctx, bot, &c, input); err != nil {
			t.Fatal(err)
		}
		if c.StepID != "s2" {
			t.Errorf("input %q: step = %s, want s2", input, c.StepID)
		}
	}
}

func TestDecisionBranches(t *testing.T) {
	f := models.Flow{
		ID: "vip",
		Steps: []models.Step{
			{ID: "ask", Type: models.StepQuestion, Text: "Tier?", Variable: "tier", Next: "check"},
			{ID: "check", Type: models.StepDecision, Condition: `tier == "gold"`, TrueNext: "vip", FalseNext: "std"},
			{ID: "vip", Type: models.StepEnd, Message: "Welcome VIP"},
			{ID: "std", Type: models.StepEnd, Message: "Welcome"},
		},
	}
	e := newTestEngine(t, f)
	bot := testBot("vip")
	ctx := context.Background()

	for input, want := range map[string]string{"gold": "Welcome VIP", "silver": "Welcome"} {
		conv := newConv()
		if _, err := e.Process(ctx, bot, &conv, "start"); err != nil {
			t.Fatal(err)
		}
		out, err := e.Process(ctx, bot, &conv, input)
		if err != nil {
			t.Fatal(err)
		}
		if len(out.Replies) != 1 || out.Replies[0] != want {
			t.Errorf("input %q: replies = %q, want %q", input, out.Replies, want)
		}
	}
}

func TestActionStepsAreQueuedNotExecuted(t *testing.T) {
	f := models.Flow{
		ID: "order",
		Steps: []models.Step{
			{ID: "ask", Type: models.StepQuestion, Text: "Email?", Variable: "email",
				Validation: &models.Validation{Type: models.ValidateEmail, ErrorMessage: "bad email"}, Next: "mail"},
			{ID: "mail", Type: models.StepAction, Action: &models.ActionSpec{
				Kind: models.ActionSendEmail, Parameters: map[string]string{"to": "{{email}}", "template": "welcome"},
			}, Next: "done"},
			{ID: "done", Type: models.StepEnd, Message: "Sent to {{email}}"},
		},
	}
	e := newTestEngine(t, f)
	bot := testBot("order")
	ctx := context.Background()
	conv := newConv()
	if _, err := e.Process(ctx, bot, &conv, "hi"); err != nil {
		t.Fatal(err)
	}
	out, err := e.Process(ctx, bot, &conv, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Actions) != 0 || out.Replies[0] != "bad email" {
		t.Errorf("invalid email should not trigger action: %+v", out)
	}
	out, err = e.Process(ctx, bot, &conv, "ana@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(out.Actions))
	}
	a := out.Actions[0]
	if a.Kind != models.ActionSendEmail || a.Parameters["to"] != "ana@example.com" || a.ConversationID != conv.ID {
		t.Errorf("pending action = %+v", a)
	}
	if out.Replies[0] != "Sent to ana@example.com" {
		t.Errorf("replies = %q", out.Replies)
	}
}

func TestNoBoundFlowSendsGreeting(t *testing.T) {
	e := newTestEngine(t)
	conv := newConv()
	out, err := e.Process(context.Background(), testBot(""), &conv, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Replies) != 1 || out.Replies[0] != DefaultGreeting {
		t.Errorf("replies = %q", out.Replies)
	}
	if conv.InFlow() {
		t.Error("greeting must not enter a flow")
	}
}

func TestMenuFlowPreferredAfterCompletion(t *testing.T) {
	e := newTestEngine(t, greetingFlow(), supportMenuFlow())
	bot := testBot("greet")
	bot.Flows.MenuFlowID = "menu"
	conv := newConv()
	conv.Metadata[models.MetadataFlowsCompleted] = 1
	if _, err := e.Process(context.Background(), bot, &conv, "hi again"); err != nil {
		t.Fatal(err)
	}
	if conv.FlowID != "menu" {
		t.Errorf("returning user entered %q, want menu", conv.FlowID)
	}
}

func TestFallbackFlowWhenNoWelcome(t *testing.T) {
	e := newTestEngine(t, supportMenuFlow())
	bot := testBot("")
	bot.Flows.FallbackFlowID = "menu"
	conv := newConv()
	if _, err := e.Process(context.Background(), bot, &conv, "hi"); err != nil {
		t.Fatal(err)
	}
	if conv.FlowID != "menu" {
		t.Errorf("flow = %q, want fallback menu", conv.FlowID)
	}
}

func TestMissingFlowAndStepErrors(t *testing.T) {
	e := newTestEngine(t, greetingFlow())
	ctx := context.Background()

	conv := newConv()
	if _, err := e.Process(ctx, testBot("ghost"), &conv, "hi"); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("expected ErrFlowNotFound, got %v", err)
	}

	conv = newConv()
	conv.FlowID, conv.StepID = "greet", "vanished"
	if _, err := e.Process(ctx, testBot("greet"), &conv, "hi"); !errors.Is(err, ErrStepNotFound) {
		t.Errorf("expected ErrStepNotFound, got %v", err)
	}
}

func TestAutoAdvanceLimit(t *testing.T) {
	f := models.Flow{
		ID: "spin",
		Steps: []models.Step{
			{ID: "a", Type: models.StepMessage, Text: "a", Next: "b"},
			{ID: "b", Type: models.StepMessage, Text: "b", Next: "a"},
		},
	}
	r := NewRegistry()
	if err := r.Register(f); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(r, WithMaxAutoSteps(10))
	conv := newConv()
	if _, err := e.Process(context.Background(), testBot("spin"), &conv, "hi"); !errors.Is(err, ErrAutoAdvanceLimit) {
		t.Errorf("expected ErrAutoAdvanceLimit, got %v", err)
	}
}

func TestFlowVariableDefaultsSeeded(t *testing.T) {
	f := models.Flow{
		ID:        "shop",
		Variables: map[string]any{"store": "Cocoluventas", "name": "friend"},
		Steps: []models.Step{
			{ID: "hello", Type: models.StepQuestion, Text: "Welcome to {{store}}, {{name}}. {{unknown}}", Variable: "x"},
		},
	}
	e := newTestEngine(t, f)
	conv := newConv()
	conv.Variables["name"] = "Ana"
	out, err := e.Process(context.Background(), testBot("shop"), &conv, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if want := "Welcome to Cocoluventas, Ana. {{unknown}}"; out.Replies[0] != want {
		t.Errorf("reply = %q, want %q", out.Replies[0], want)
	}
}

func TestReRegisteringIdenticalFlowKeepsPosition(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(greetingFlow()); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(r)
	bot := testBot("greet")
	conv := newConv()
	if _, err := e.Process(context.Background(), bot, &conv, "hi"); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(greetingFlow()); err != nil {
		t.Fatal(err)
	}
	out, err := e.Process(context.Background(), bot, &conv, "Ana")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.Replies[0], "Hi Ana") {
		t.Errorf("replies after re-registration = %q", out.Replies)
	}
}

func TestTransitionsRecorded(t *testing.T) {
	e := newTestEngine(t, greetingFlow())
	bot := testBot("greet")
	conv := newConv()
	_, _ = e.Process(context.Background(), bot, &conv, "hi")
	out, err := e.Process(context.Background(), bot, &conv, "Ana")
	if err != nil {
		t.Fatal(err)
	}
	want := []Transition{{"greet", "ask", "hi"}, {"greet", "hi", "bye"}}
	if len(out.Transitions) != len(want) {
		t.Fatalf("transitions = %+v", out.Transitions)
	}
	for i := range want {
		if out.Transitions[i] != want[i] {
			t.Errorf("transition %d = %+v, want %+v", i, out.Transitions[i], want[i])
		}
	}
}

package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

// Default texts used when a flow or bot does not provide its own.
const (
	DefaultGreeting      = "Hello! Welcome to our service. How can we help you?"
	DefaultFarewell      = "Thank you for your time. See you soon!"
	DefaultInvalidOption = "Invalid option. Please choose one of the listed options."
	DefaultValidationMsg = "Sorry, that answer is not valid. Please try again."
	DefaultMaxAutoSteps  = 64
)

// ErrAutoAdvanceLimit is returned when a flow chains more steps without user input than allowed.
var ErrAutoAdvanceLimit = errors.New("auto-advance step limit exceeded")

// Transition records one move between steps.
type Transition struct {
	FlowID   string
	FromStep string
	ToStep   string
}

// PendingAction is an Action step the caller must execute outside the conversation lock.
// Parameters are already rendered against the conversation variables.
type PendingAction struct {
	ConversationID string
	BotID          string
	Address        string
	FlowID         string
	StepID         string
	Kind           models.ActionKind
	Name           string
	Parameters     map[string]string
	Variables      map[string]any
}

// Outcome is everything one Process call produced.
type Outcome struct {
	Replies       []string
	Actions       []PendingAction
	Transitions   []Transition
	FlowCompleted bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithGreeting sets the text sent when a bot has no flow to enter.
func WithGreeting(text string) Option {
	return func(e *Engine) {
		if text != "" {
			e.greeting = text
		}
	}
}

// WithFarewell sets the text sent by End steps without a message.
func WithFarewell(text string) Option {
	return func(e *Engine) {
		if text != "" {
			e.farewell = text
		}
	}
}

// WithInvalidOption sets the text sent when a menu reply matches no option.
func WithInvalidOption(text string) Option {
	return func(e *Engine) {
		if text != "" {
			e.invalidOption = text
		}
	}
}

// WithMaxAutoSteps caps how many steps one message may chain through.
func WithMaxAutoSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAutoSteps = n
		}
	}
}

// Engine advances conversations through flows held in a Registry.
// It never touches shared state; the caller passes a private copy of the conversation.
type Engine struct {
	registry      *Registry
	greeting      string
	farewell      string
	invalidOption string
	maxAutoSteps  int
}

// NewEngine creates an Engine reading flows from registry.
func NewEngine(registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:      registry,
		greeting:      DefaultGreeting,
		farewell:      DefaultFarewell,
		invalidOption: DefaultInvalidOption,
		maxAutoSteps:  DefaultMaxAutoSteps,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run carries the per-call state of one Process invocation.
type run struct {
	flow  *compiledFlow
	conv  *models.ConversationState
	out   *Outcome
	moves int
}

// Process advances conv by one inbound message. On error conv may be partially
// modified and must be discarded by the caller.
func (e *Engine) Process(ctx context.Context, bot *models.BotInstance, conv *models.ConversationState, input string) (Outcome, error) {
	var out Outcome
	if err := ctx.Err(); err != nil {
		return out, err
	}
	if conv.Variables == nil {
		conv.Variables = map[string]any{}
	}
	if conv.Metadata == nil {
		conv.Metadata = map[string]any{}
	}

	if !conv.InFlow() {
		flowID := selectFlow(bot, conv)
		if flowID == "" {
			slog.Debug("Engine.Process: no flow bound, sending greeting", "conversationID", conv.ID)
			out.Replies = append(out.Replies, e.greeting)
			return out, nil
		}
		cf, ok := e.registry.lookup(flowID)
		if !ok {
			return Outcome{}, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
		}
		for k, v := range cf.flow.Variables {
			if _, exists := conv.Variables[k]; !exists {
				conv.Variables[k] = v
			}
		}
		entry := cf.flow.EntryStepID()
		r := &run{flow: cf, conv: conv, out: &out}
		conv.FlowID = cf.flow.ID
		conv.StepID = ""
		slog.Debug("Engine.Process: entering flow", "conversationID", conv.ID, "flowID", flowID, "entry", entry)
		if err := e.enter(r, entry); err != nil {
			return Outcome{}, err
		}
		return out, nil
	}

	cf, ok := e.registry.lookup(conv.FlowID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrFlowNotFound, conv.FlowID)
	}
	step, err := cf.step(conv.StepID)
	if err != nil {
		return Outcome{}, err
	}
	r := &run{flow: cf, conv: conv, out: &out}

	switch step.Type {
	case models.StepQuestion:
		if !ValidateInput(step.Validation, input) {
			msg := DefaultValidationMsg
			if step.Validation != nil && step.Validation.ErrorMessage != "" {
				msg = step.Validation.ErrorMessage
			}
			out.Replies = append(out.Replies, Render(msg, conv.Variables))
			return out, nil
		}
		conv.Variables[step.Variable] = input
		if step.Next == "" {
			return out, nil
		}
		err = e.enter(r, step.Next)

	case models.StepMenu:
		opt, ok := matchOption(step, input)
		if !ok {
			out.Replies = append(out.Replies, e.invalidOption, renderMenu(step, conv.Variables))
			return out, nil
		}
		err = e.enter(r, opt.Next)

	default:
		// parked at a non-interactive dead end or re-entered after a crash
		next := step.Next
		if step.Type == models.StepDecision {
			next = branch(step, conv.Variables)
		}
		if next == "" {
			slog.Debug("Engine.Process: conversation idle at dead end", "conversationID", conv.ID, "flowID", conv.FlowID, "stepID", step.ID)
			return out, nil
		}
		err = e.enter(r, next)
	}
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// enter moves the conversation to stepID and chains through every step that
// does not wait for the user.
func (e *Engine) enter(r *run, stepID string) error {
	for stepID != "" {
		r.moves++
		if r.moves > e.maxAutoSteps {
			return fmt.Errorf("%w: flow %s after %d steps", ErrAutoAdvanceLimit, r.flow.flow.ID, e.maxAutoSteps)
		}
		step, err := r.flow.step(stepID)
		if err != nil {
			return err
		}
		r.out.Transitions = append(r.out.Transitions, Transition{
			FlowID:   r.flow.flow.ID,
			FromStep: r.conv.StepID,
			ToStep:   step.ID,
		})
		r.conv.StepID = step.ID

		vars := r.conv.Variables
		switch step.Type {
		case models.StepMessage:
			r.out.Replies = append(r.out.Replies, Render(step.Text, vars))
			stepID = step.Next
		case models.StepQuestion:
			r.out.Replies = append(r.out.Replies, Render(step.Text, vars))
			return nil
		case models.StepMenu:
			r.out.Replies = append(r.out.Replies, renderMenu(step, vars))
			return nil
		case models.StepDecision:
			stepID = branch(step, vars)
		case models.StepAction:
			r.out.Actions = append(r.out.Actions, pendingAction(r, step))
			stepID = step.Next
		case models.StepEnd:
			msg := e.farewell
			if step.Message != "" {
				msg = step.Message
			}
			r.out.Replies = append(r.out.Replies, Render(msg, vars))
			r.out.FlowCompleted = true
			r.conv.Metadata[models.MetadataFlowsCompleted] = r.conv.FlowsCompleted() + 1
			r.conv.FlowID = ""
			r.conv.StepID = ""
			return nil
		}
	}
	return nil
}

func branch(step *models.Step, vars map[string]any) string {
	if EvaluateCondition(step.Condition, vars) {
		return step.TrueNext
	}
	return step.FalseNext
}

func pendingAction(r *run, step *models.Step) PendingAction {
	params := make(map[string]string, len(step.Action.Parameters))
	for k, v := range step.Action.Parameters {
		params[k] = Render(v, r.conv.Variables)
	}
	vars := make(map[string]any, len(r.conv.Variables))
	for k, v := range r.conv.Variables {
		vars[k] = v
	}
	return PendingAction{
		ConversationID: r.conv.ID,
		BotID:          r.conv.BotID,
		Address:        r.conv.Address,
		FlowID:         r.flow.flow.ID,
		StepID:         step.ID,
		Kind:           step.Action.Kind,
		Name:           step.Action.Name,
		Parameters:     params,
		Variables:      vars,
	}
}

// selectFlow picks the flow a conversation without an active flow enters.
// The first flow is the welcome flow; returning users get the menu when one is bound.
func selectFlow(bot *models.BotInstance, conv *models.ConversationState) string {
	if bot == nil {
		return ""
	}
	b := bot.Flows
	if conv.FlowsCompleted() > 0 && b.MenuFlowID != "" {
		return b.MenuFlowID
	}
	if b.WelcomeFlowID != "" {
		return b.WelcomeFlowID
	}
	return b.FallbackFlowID
}

// Package actions runs the side effects flow Action steps request: HTTP calls,
// database lookups, commerce and email services, and named custom hooks.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/flow"
	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

// Default executor settings.
const (
	DefaultTimeout          = 5 * time.Second
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 60 * time.Second
)

var (
	// ErrNoHandler is returned for an action kind nothing is registered for.
	ErrNoHandler = errors.New("no handler registered for action")
	// ErrCircuitOpen is returned without calling the collaborator while its breaker is open.
	ErrCircuitOpen = errors.New("action circuit open")
)

// ExternalCallError wraps a failed collaborator call.
type ExternalCallError struct {
	Kind models.ActionKind
	Name string
	Err  error
}

func (e *ExternalCallError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("action %s/%s failed: %v", e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("action %s failed: %v", e.Kind, e.Err)
}

func (e *ExternalCallError) Unwrap() error {
	return e.Err
}

// Result is what an action hands back to the conversation.
type Result struct {
	// Variables are merged into the conversation context.
	Variables map[string]any
}

// Handler executes one kind of action.
type Handler interface {
	Handle(ctx context.Context, action flow.PendingAction) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, action flow.PendingAction) (Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, action flow.PendingAction) (Result, error) {
	return f(ctx, action)
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout bounds each action.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithHandler registers h for kind, replacing any previous handler.
func WithHandler(kind models.ActionKind, h Handler) Option {
	return func(e *Executor) { e.handlers[kind] = h }
}

// WithBreaker sets the consecutive failures that open a kind's circuit and how long it stays open.
func WithBreaker(threshold uint32, openFor time.Duration) Option {
	return func(e *Executor) {
		if threshold > 0 {
			e.threshold = threshold
		}
		if openFor > 0 {
			e.openFor = openFor
		}
	}
}

// Executor dispatches pending actions to handlers with a timeout and a circuit breaker per kind.
type Executor struct {
	handlers  map[models.ActionKind]Handler
	timeout   time.Duration
	threshold uint32
	openFor   time.Duration

	mu       sync.Mutex
	breakers map[models.ActionKind]*gobreaker.CircuitBreaker
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		handlers:  make(map[models.ActionKind]Handler),
		timeout:   DefaultTimeout,
		threshold: DefaultFailureThreshold,
		openFor:   DefaultOpenTimeout,
		breakers:  make(map[models.ActionKind]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one action. Failures never panic the caller and are returned wrapped.
func (e *Executor) Execute(ctx context.Context, action flow.PendingAction) (Result, error) {
	h, ok := e.handlers[action.Kind]
	if !ok {
		slog.Warn("Executor.Execute: no handler", "kind", action.Kind, "conversationID", action.ConversationID, "stepID", action.StepID)
		return Result{}, fmt.Errorf("%w: %s", ErrNoHandler, action.Kind)
	}

	start := time.Now()
	res, err := e.breaker(action.Kind).Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return h.Handle(cctx, action)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		slog.Warn("Executor.Execute: circuit open", "kind", action.Kind, "conversationID", action.ConversationID)
		return Result{}, ErrCircuitOpen
	}
	if err != nil {
		slog.Error("Executor.Execute: action failed", "kind", action.Kind, "name", action.Name,
			"conversationID", action.ConversationID, "stepID", action.StepID, "error", err)
		var callErr *ExternalCallError
		if errors.As(err, &callErr) {
			return Result{}, err
		}
		return Result{}, &ExternalCallError{Kind: action.Kind, Name: action.Name, Err: err}
	}

	out, _ := res.(Result)
	slog.Debug("Executor.Execute: action completed", "kind", action.Kind, "name", action.Name,
		"conversationID", action.ConversationID, "variables", len(out.Variables), "elapsed", time.Since(start))
	return out, nil
}

func (e *Executor) breaker(kind models.ActionKind) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	cb, ok := e.breakers[kind]
	if !ok {
		threshold := e.threshold
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(kind),
			MaxRequests: 1,
			Timeout:     e.openFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Executor: action circuit changed state", "kind", name, "from", from.String(), "to", to.String())
			},
		})
		e.breakers[kind] = cb
	}
	return cb
}

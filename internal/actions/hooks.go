package actions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/flow"
)

// Built-in hook names.
const (
	HookLog   = "log"
	HookGenAI = "genai"
)

// HookFunc is a named custom action.
type HookFunc func(ctx context.Context, action flow.PendingAction) (Result, error)

// HookRegistry manages the custom actions a flow can invoke by name.
// It is the Handler for the custom action kind.
type HookRegistry struct {
	hooks map[string]HookFunc
	mu    sync.RWMutex
}

// NewHookRegistry creates a hook registry with the default hooks.
func NewHookRegistry() *HookRegistry {
	hr := &HookRegistry{hooks: make(map[string]HookFunc)}
	hr.hooks[HookLog] = logHook
	slog.Debug("HookRegistry registered default hooks", "count", len(hr.hooks))
	return hr
}

// Register adds or replaces a named hook.
func (hr *HookRegistry) Register(name string, fn HookFunc) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.hooks[name] = fn
	slog.Debug("HookRegistry registered hook", "name", name)
}

// IsRegistered checks if a hook name has a registered function.
func (hr *HookRegistry) IsRegistered(name string) bool {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	_, ok := hr.hooks[name]
	return ok
}

// List returns the registered hook names, sorted.
func (hr *HookRegistry) List() []string {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	names := make([]string, 0, len(hr.hooks))
	for name := range hr.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle runs the hook named by the action.
func (hr *HookRegistry) Handle(ctx context.Context, action flow.PendingAction) (Result, error) {
	hr.mu.RLock()
	fn, ok := hr.hooks[action.Name]
	hr.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("no hook registered with name %q", action.Name)
	}
	return fn(ctx, action)
}

func logHook(ctx context.Context, action flow.PendingAction) (Result, error) {
	slog.Info("HookRegistry: log hook", "conversationID", action.ConversationID, "flowID", action.FlowID,
		"stepID", action.StepID, "message", action.Parameters["message"])
	return Result{}, nil
}

// Generator produces text from a system and user prompt.
type Generator interface {
	GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GenAIHook builds the genai hook. Parameters: prompt (required), system, and
// variable (default "genai_response") naming where the generated text is stored.
func GenAIHook(gen Generator) HookFunc {
	return func(ctx context.Context, action flow.PendingAction) (Result, error) {
		prompt := action.Parameters["prompt"]
		if prompt == "" {
			return Result{}, fmt.Errorf("genai hook requires a prompt parameter")
		}
		variable := action.Parameters["variable"]
		if variable == "" {
			variable = "genai_response"
		}
		text, err := gen.GeneratePromptWithContext(ctx, action.Parameters["system"], prompt)
		if err != nil {
			return Result{}, err
		}
		return Result{Variables: map[string]any{variable: text}}, nil
	}
}

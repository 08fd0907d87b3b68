// Package flow holds the flow definition registry and the engine that walks
// conversations through registered flow graphs.
package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

var (
	// ErrFlowNotFound is returned when a flow id is not registered.
	ErrFlowNotFound = errors.New("flow not found")
	// ErrStepNotFound is returned when a step id does not exist in its flow.
	ErrStepNotFound = errors.New("step not found")
)

// ConfigurationError reports every problem found while validating a flow.
type ConfigurationError struct {
	FlowID   string
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid flow %q: %s", e.FlowID, strings.Join(e.Problems, "; "))
}

// compiledFlow is a registered flow plus its step index. It is never mutated after registration.
type compiledFlow struct {
	flow  *models.Flow
	steps map[string]*models.Step
}

func (c *compiledFlow) step(id string) (*models.Step, error) {
	s, ok := c.steps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrStepNotFound, c.flow.ID, id)
	}
	return s, nil
}

// Registry is the in-memory catalogue of flow definitions.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]*compiledFlow
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{flows: make(map[string]*compiledFlow)}
}

// Register validates f and inserts it, replacing any flow with the same id.
// An invalid flow is rejected as a whole with a *ConfigurationError.
func (r *Registry) Register(f models.Flow) error {
	if err := Validate(&f); err != nil {
		slog.Warn("Registry.Register: rejected flow", "flowID", f.ID, "error", err)
		return err
	}
	compiled := compile(f)

	r.mu.Lock()
	_, replaced := r.flows[f.ID]
	r.flows[f.ID] = compiled
	r.mu.Unlock()

	slog.Info("Registry.Register: flow registered", "flowID", f.ID, "steps", len(f.Steps), "replaced", replaced)
	return nil
}

// Get returns the flow registered under id.
func (r *Registry) Get(id string) (*models.Flow, bool) {
	c, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	return c.flow, true
}

// Step returns a single step of a registered flow.
func (r *Registry) Step(flowID, stepID string) (*models.Step, error) {
	c, ok := r.lookup(flowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	return c.step(stepID)
}

// Remove deletes a flow. Conversations positioned inside it fail with ErrFlowNotFound
// on their next message.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flows[id]; !ok {
		return false
	}
	delete(r.flows, id)
	slog.Info("Registry.Remove: flow removed", "flowID", id)
	return true
}

// List returns all registered flows ordered by id.
func (r *Registry) List() []models.Flow {
	r.mu.RLock()
	out := make([]models.Flow, 0, len(r.flows))
	for _, c := range r.flows {
		out = append(out, *c.flow)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered flows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flows)
}

func (r *Registry) lookup(id string) (*compiledFlow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.flows[id]
	return c, ok
}

// compile deep-copies f so later changes by the caller cannot reach the registry.
func compile(f models.Flow) *compiledFlow {
	cp := f
	cp.Steps = make([]models.Step, len(f.Steps))
	for i, s := range f.Steps {
		st := s
		if s.Validation != nil {
			v := *s.Validation
			st.Validation = &v
		}
		if s.Action != nil {
			a := *s.Action
			a.Parameters = make(map[string]string, len(s.Action.Parameters))
			for k, v := range s.Action.Parameters {
				a.Parameters[k] = v
			}
			st.Action = &a
		}
		if s.Options != nil {
			st.Options = append([]models.MenuOption(nil), s.Options...)
		}
		cp.Steps[i] = st
	}
	cp.Variables = make(map[string]any, len(f.Variables))
	for k, v := range f.Variables {
		cp.Variables[k] = v
	}

	c := &compiledFlow{flow: &cp, steps: make(map[string]*models.Step, len(cp.Steps))}
	for i := range cp.Steps {
		c.steps[cp.Steps[i].ID] = &cp.Steps[i]
	}
	return c
}

// Validate checks a flow definition and returns a *ConfigurationError listing every problem.
func Validate(f *models.Flow) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(f.ID) == "" {
		add("flow id is required")
	}
	if len(f.Steps) == 0 {
		add("flow has no steps")
	}

	ids := make(map[string]bool, len(f.Steps))
	for _, s := range f.Steps {
		if s.ID == "" {
			add("step with empty id")
			continue
		}
		if ids[s.ID] {
			add("duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
	}

	if len(f.Steps) > 0 && !ids[f.EntryStepID()] {
		add("entry step %q does not exist", f.EntryStepID())
	}

	for i := range f.Steps {
		s := &f.Steps[i]
		if !s.Type.IsValid() {
			add("step %q has unknown type %q", s.ID, s.Type)
			continue
		}
		switch s.Type {
		case models.StepQuestion:
			if s.Variable == "" {
				add("question step %q has no variable", s.ID)
			}
			if s.Validation != nil && !validationTypeKnown(s.Validation.Type) {
				add("question step %q has unknown validation %q", s.ID, s.Validation.Type)
			}
		case models.StepDecision:
			if strings.TrimSpace(s.Condition) == "" {
				add("decision step %q has no condition", s.ID)
			}
			if s.TrueNext == "" || s.FalseNext == "" {
				add("decision step %q needs both true_next and false_next", s.ID)
			}
		case models.StepAction:
			if s.Action == nil || !s.Action.Kind.IsValid() {
				add("action step %q has no valid action kind", s.ID)
			} else if s.Action.Kind == models.ActionCustom && s.Action.Name == "" {
				add("custom action step %q has no name", s.ID)
			}
		case models.StepMenu:
			if len(s.Options) == 0 {
				add("menu step %q has no options", s.ID)
			}
			keys := make(map[string]bool, len(s.Options))
			for _, o := range s.Options {
				if o.Key == "" {
					add("menu step %q has an option without key", s.ID)
				} else if keys[o.Key] {
					add("menu step %q has duplicate option key %q", s.ID, o.Key)
				}
				keys[o.Key] = true
				if o.Next == "" {
					add("menu step %q option %q has no next", s.ID, o.Key)
				}
			}
		}
		for _, target := range s.Targets() {
			if target == "" {
				continue
			}
			if !ids[target] {
				add("step %q references missing step %q", s.ID, target)
			}
		}
	}

	if len(problems) > 0 {
		return &ConfigurationError{FlowID: f.ID, Problems: problems}
	}
	return nil
}

func validationTypeKnown(t models.ValidationType) bool {
	switch t {
	case models.ValidatePhone, models.ValidateEmail, models.ValidateNumber,
		models.ValidateText, models.ValidateDate, models.ValidateRegex:
		return true
	}
	return false
}

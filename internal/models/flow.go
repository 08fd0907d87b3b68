package models

// StepType tags which variant a Step is.
type StepType string

const (
	StepMessage  StepType = "message"
	StepQuestion StepType = "question"
	StepDecision StepType = "decision"
	StepAction   StepType = "action"
	StepMenu     StepType = "menu"
	StepEnd      StepType = "end"
)

// IsValid reports whether t is a known step type.
func (t StepType) IsValid() bool {
	switch t {
	case StepMessage, StepQuestion, StepDecision, StepAction, StepMenu, StepEnd:
		return true
	}
	return false
}

// WaitsForInput reports whether the engine stops at this step until the user replies.
func (t StepType) WaitsForInput() bool {
	return t == StepQuestion || t == StepMenu
}

// ValidationType selects the validator applied to a Question reply.
type ValidationType string

const (
	ValidatePhone  ValidationType = "phone"
	ValidateEmail  ValidationType = "email"
	ValidateNumber ValidationType = "number"
	ValidateText   ValidationType = "text"
	ValidateDate   ValidationType = "date"
	ValidateRegex  ValidationType = "regex"
)

// Validation describes how a Question reply is checked.
type Validation struct {
	Type         ValidationType `json:"type" yaml:"type"`
	Pattern      string         `json:"pattern,omitempty" yaml:"pattern"`
	ErrorMessage string         `json:"error_message,omitempty" yaml:"error_message"`
}

// ActionKind names the external collaborator an Action step invokes.
type ActionKind string

const (
	ActionAPICall        ActionKind = "api_call"
	ActionDatabaseQuery  ActionKind = "database_query"
	ActionSendEmail      ActionKind = "send_email"
	ActionCreateOrder    ActionKind = "create_order"
	ActionUpdateCustomer ActionKind = "update_customer"
	ActionCustom         ActionKind = "custom"
)

// IsValid reports whether k is a known action kind.
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionAPICall, ActionDatabaseQuery, ActionSendEmail, ActionCreateOrder, ActionUpdateCustomer, ActionCustom:
		return true
	}
	return false
}

// ActionSpec is the side effect an Action step triggers.
// Name identifies the hook for custom actions.
type ActionSpec struct {
	Kind       ActionKind        `json:"kind" yaml:"kind"`
	Name       string            `json:"name,omitempty" yaml:"name"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters"`
}

// MenuOption is one labeled choice of a Menu step.
type MenuOption struct {
	Key   string `json:"key" yaml:"key"`
	Label string `json:"label" yaml:"label"`
	Next  string `json:"next" yaml:"next"`
}

// Step is one node of a flow graph. Which fields apply depends on Type:
//
//	message:  Text, Next
//	question: Text, Variable, Validation, Next
//	decision: Condition, TrueNext, FalseNext
//	action:   Action, Next
//	menu:     Text, Options
//	end:      Message
type Step struct {
	ID         string       `json:"id" yaml:"id"`
	Type       StepType     `json:"type" yaml:"type"`
	Text       string       `json:"text,omitempty" yaml:"text"`
	Next       string       `json:"next,omitempty" yaml:"next"`
	Variable   string       `json:"variable,omitempty" yaml:"variable"`
	Validation *Validation  `json:"validation,omitempty" yaml:"validation"`
	Condition  string       `json:"condition,omitempty" yaml:"condition"`
	TrueNext   string       `json:"true_next,omitempty" yaml:"true_next"`
	FalseNext  string       `json:"false_next,omitempty" yaml:"false_next"`
	Action     *ActionSpec  `json:"action,omitempty" yaml:"action"`
	Options    []MenuOption `json:"options,omitempty" yaml:"options"`
	Message    string       `json:"message,omitempty" yaml:"message"`
}

// Targets lists every step id this step can transition to.
func (s *Step) Targets() []string {
	var out []string
	switch s.Type {
	case StepDecision:
		out = append(out, s.TrueNext, s.FalseNext)
	case StepMenu:
		for _, o := range s.Options {
			out = append(out, o.Next)
		}
	case StepEnd:
	default:
		if s.Next != "" {
			out = append(out, s.Next)
		}
	}
	return out
}

// Flow is a named graph of steps describing a scripted conversation.
type Flow struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Entry       string         `json:"entry,omitempty" yaml:"entry"`
	Steps       []Step         `json:"steps" yaml:"steps"`
	Variables   map[string]any `json:"variables,omitempty" yaml:"variables"`
}

// EntryStepID returns the designated entry step, defaulting to the first step.
func (f *Flow) EntryStepID() string {
	if f.Entry != "" {
		return f.Entry
	}
	if len(f.Steps) > 0 {
		return f.Steps[0].ID
	}
	return ""
}

package models

import "time"

// Transcript roles.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// MetadataFlowsCompleted counts how many flows a conversation has finished.
const MetadataFlowsCompleted = "flows_completed"

// TranscriptEntry is one line of a conversation transcript.
type TranscriptEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationState is the position and memory of one bot talking to one address.
// An empty FlowID means no flow has been entered yet (or the last one ended).
type ConversationState struct {
	ID           string            `json:"id"`
	BotID        string            `json:"bot_id"`
	Address      string            `json:"address"`
	FlowID       string            `json:"flow_id,omitempty"`
	StepID       string            `json:"step_id,omitempty"`
	Variables    map[string]any    `json:"variables"`
	Transcript   []TranscriptEntry `json:"transcript"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

// ConversationID derives the stable identity of a (bot, address) pair.
func ConversationID(botID, address string) string {
	return botID + ":" + address
}

// NewConversationState creates an empty conversation positioned at no flow.
func NewConversationState(botID, address string, now time.Time) ConversationState {
	return ConversationState{
		ID:           ConversationID(botID, address),
		BotID:        botID,
		Address:      address,
		Variables:    map[string]any{},
		Transcript:   []TranscriptEntry{},
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     map[string]any{},
	}
}

// InFlow reports whether the conversation is positioned at a step.
func (c *ConversationState) InFlow() bool {
	return c.FlowID != ""
}

// Append adds a transcript line and touches LastActivity.
func (c *ConversationState) Append(role, content string, at time.Time) {
	c.Transcript = append(c.Transcript, TranscriptEntry{Role: role, Content: content, Timestamp: at})
	if at.After(c.LastActivity) {
		c.LastActivity = at
	}
}

// IdleSince reports whether the conversation has been inactive for longer than timeout at now.
func (c *ConversationState) IdleSince(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.LastActivity) > timeout
}

// FlowsCompleted returns the number of flows this conversation has finished.
func (c *ConversationState) FlowsCompleted() int {
	switch v := c.Metadata[MetadataFlowsCompleted].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		// JSON round-trips numbers as float64
		return int(v)
	}
	return 0
}

// Clone returns a deep copy of the conversation.
func (c ConversationState) Clone() ConversationState {
	out := c
	out.Variables = cloneMap(c.Variables)
	out.Metadata = cloneMap(c.Metadata)
	out.Transcript = make([]TranscriptEntry, len(c.Transcript))
	copy(out.Transcript, c.Transcript)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	case []string:
		s := make([]string, len(t))
		copy(s, t)
		return s
	default:
		return v
	}
}

package models

import "time"

// EventType names an orchestration event.
type EventType string

const (
	EventConversationStarted EventType = "conversation_started"
	EventMessageReceived     EventType = "message_received"
	EventMessageSent         EventType = "message_sent"
	EventConversationEnded   EventType = "conversation_ended"
	EventFlowTransition      EventType = "flow_transition"
)

// Reasons carried by EventConversationEnded.
const (
	EndReasonIdleTimeout = "idle-timeout"
	EndReasonRemoved     = "removed"
)

// Event is an immutable record published on the event bus.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	BotID          string    `json:"bot_id"`
	Address        string    `json:"address,omitempty"`
	Text           string    `json:"text,omitempty"`
	FlowID         string    `json:"flow_id,omitempty"`
	FromStep       string    `json:"from_step,omitempty"`
	ToStep         string    `json:"to_step,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

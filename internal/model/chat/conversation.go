package chat

import "time"

// ConversationStatus mirrors the lifecycle of a persisted conversation.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationEnded  ConversationStatus = "ended"
	ConversationError  ConversationStatus = "error"
)

// Conversation groups the messages exchanged during one session.
type Conversation struct {
	ID              string             `json:"id"`
	SessionID       string             `json:"sessionId"`
	AgentID         string             `json:"agentId"`
	TenantID        string             `json:"tenantId,omitempty"`
	Status          ConversationStatus `json:"status"`
	StartedAt       time.Time          `json:"startedAt"`
	EndedAt         *time.Time         `json:"endedAt,omitempty"`
	DurationSeconds int                `json:"durationSeconds,omitempty"`
}

package chat

import "time"

// SessionState tracks the lifecycle of a streaming session.
type SessionState string

const (
	SessionInitializing SessionState = "initializing"
	SessionActive       SessionState = "active"
	SessionClosing      SessionState = "closing"
	SessionClosed       SessionState = "closed"
)

// Session captures one live streaming connection between a caller and an agent.
type Session struct {
	ID             string       `json:"id"`
	AgentID        string       `json:"agentId"`
	TenantID       string       `json:"tenantId,omitempty"`
	ConversationID string       `json:"conversationId,omitempty"`
	State          SessionState `json:"state"`
	LastActivity   time.Time    `json:"lastActivity"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Ephemeral reports whether the session runs without persisted history.
func (s Session) Ephemeral() bool {
	return s.ConversationID == ""
}

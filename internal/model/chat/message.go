package chat

import (
	"encoding/json"
	"time"
)

// Role identifies the speaker of a persisted message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one persisted utterance. Messages are append-only.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	AudioRef       string          `json:"audioRef,omitempty"`
	TokenCount     int             `json:"tokenCount"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// EstimateTokens approximates the token count of text: four ASCII characters per token,
// one token per non-ASCII character.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}

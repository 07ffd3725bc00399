package repository

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
	"github.com/zhouzirui/z-voice/backend/internal/model/chat"
)

type agentRecord struct {
	ID              string `gorm:"primaryKey;size:64"`
	TenantID        string `gorm:"size:64;index"`
	Name            string `gorm:"size:128"`
	Provider        string `gorm:"size:32"`
	Model           string `gorm:"size:128"`
	Temperature     float64
	MaxTokens       int
	BaseURL         string `gorm:"size:255"`
	PersonaPrompt   string `gorm:"type:text"`
	SystemMessage   string `gorm:"type:text"`
	VoiceID         string `gorm:"size:128"`
	VoiceSpeed      float32
	VoiceLanguage   string `gorm:"size:16"`
	VoiceSampleRate int
	ToolsEnabled    bool
	AllowedTools    string `gorm:"type:text"`
	HistoryLimit    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (agentRecord) TableName() string { return "agents" }

func newAgentRecord(cfg agent.Config) agentRecord {
	return agentRecord{
		ID:              cfg.ID,
		TenantID:        cfg.TenantID,
		Name:            cfg.Name,
		Provider:        cfg.LLM.Provider,
		Model:           cfg.LLM.Model,
		Temperature:     cfg.LLM.Temperature,
		MaxTokens:       cfg.LLM.MaxTokens,
		BaseURL:         cfg.LLM.BaseURL,
		PersonaPrompt:   cfg.PersonaPrompt,
		SystemMessage:   cfg.SystemMessage,
		VoiceID:         cfg.Voice.ID,
		VoiceSpeed:      cfg.Voice.Speed,
		VoiceLanguage:   cfg.Voice.Language,
		VoiceSampleRate: cfg.Voice.SampleRate,
		ToolsEnabled:    cfg.ToolsEnabled,
		AllowedTools:    strings.Join(cfg.AllowedTools, ","),
		HistoryLimit:    cfg.HistoryLimit,
	}
}

func (r agentRecord) config() agent.Config {
	var allowed []string
	for _, name := range strings.Split(r.AllowedTools, ",") {
		if name = strings.TrimSpace(name); name != "" {
			allowed = append(allowed, name)
		}
	}
	return agent.Config{
		ID:       r.ID,
		TenantID: r.TenantID,
		Name:     r.Name,
		LLM: agent.LLMConfig{
			Provider:    r.Provider,
			Model:       r.Model,
			Temperature: r.Temperature,
			MaxTokens:   r.MaxTokens,
			BaseURL:     r.BaseURL,
		},
		PersonaPrompt: r.PersonaPrompt,
		SystemMessage: r.SystemMessage,
		Voice: agent.Voice{
			ID:         r.VoiceID,
			Speed:      r.VoiceSpeed,
			Language:   r.VoiceLanguage,
			SampleRate: r.VoiceSampleRate,
		},
		ToolsEnabled: r.ToolsEnabled,
		AllowedTools: allowed,
		HistoryLimit: r.HistoryLimit,
	}.WithDefaults()
}

type conversationRecord struct {
	ID              string `gorm:"primaryKey;size:64"`
	SessionID       string `gorm:"size:64;uniqueIndex"`
	AgentID         string `gorm:"size:64;index"`
	TenantID        string `gorm:"size:64;index"`
	Status          string `gorm:"size:16"`
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds int
}

func (conversationRecord) TableName() string { return "conversations" }

func newConversationRecord(c chat.Conversation) conversationRecord {
	return conversationRecord{
		ID:              c.ID,
		SessionID:       c.SessionID,
		AgentID:         c.AgentID,
		TenantID:        c.TenantID,
		Status:          string(c.Status),
		StartedAt:       c.StartedAt,
		EndedAt:         c.EndedAt,
		DurationSeconds: c.DurationSeconds,
	}
}

func (r conversationRecord) conversation() chat.Conversation {
	return chat.Conversation{
		ID:              r.ID,
		SessionID:       r.SessionID,
		AgentID:         r.AgentID,
		TenantID:        r.TenantID,
		Status:          chat.ConversationStatus(r.Status),
		StartedAt:       r.StartedAt.UTC(),
		EndedAt:         r.EndedAt,
		DurationSeconds: r.DurationSeconds,
	}
}

// messageRecord 消息按 Seq 排序，同一轮的用户与助手消息时间戳可能相同。
type messageRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"size:64;index:idx_messages_conversation_seq,priority:1"`
	Seq            int64  `gorm:"index:idx_messages_conversation_seq,priority:2"`
	Role           string `gorm:"size:16"`
	Content        string `gorm:"type:text"`
	AudioRef       string `gorm:"size:512"`
	TokenCount     int
	Metadata       string `gorm:"type:text"`
	CreatedAt      time.Time
}

func (messageRecord) TableName() string { return "messages" }

func newMessageRecord(m chat.Message, seq int64) messageRecord {
	return messageRecord{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            seq,
		Role:           string(m.Role),
		Content:        m.Content,
		AudioRef:       m.AudioRef,
		TokenCount:     m.TokenCount,
		Metadata:       string(m.Metadata),
		CreatedAt:      m.CreatedAt,
	}
}

func (r messageRecord) message() chat.Message {
	msg := chat.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Role:           chat.Role(r.Role),
		Content:        r.Content,
		AudioRef:       r.AudioRef,
		TokenCount:     r.TokenCount,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.Metadata != "" {
		msg.Metadata = json.RawMessage(r.Metadata)
	}
	return msg
}

package agent

import (
	"strings"
)

// Provider names accepted in LLMConfig.Provider.
const (
	ProviderArk   = "ark"
	ProviderLocal = "local"
)

// 默认值与原有语音助手保持一致。
const (
	DefaultTemperature  = 0.7
	DefaultMaxTokens    = 2000
	DefaultHistoryLimit = 20
	DefaultSampleRate   = 24000
)

// DefaultSystemMessage is used when an agent carries neither persona nor system text.
const DefaultSystemMessage = `You are Stella, a calm, intelligent, executive property assistant.
You speak clearly, take action fast, and sound like a human operations manager.
Your tone is professional, concise, reassuring, and solution-oriented.
Always be helpful, efficient, and focused on solving problems.`

// Config is the immutable snapshot of an agent loaded once per session.
type Config struct {
	ID            string    `json:"id" yaml:"id"`
	TenantID      string    `json:"tenantId" yaml:"tenant_id"`
	Name          string    `json:"name" yaml:"name"`
	LLM           LLMConfig `json:"llm" yaml:"llm"`
	PersonaPrompt string    `json:"personaPrompt,omitempty" yaml:"persona_prompt"`
	SystemMessage string    `json:"systemMessage,omitempty" yaml:"system_message"`
	Voice         Voice     `json:"voice" yaml:"voice"`
	ToolsEnabled  bool      `json:"toolsEnabled" yaml:"tools_enabled"`
	AllowedTools  []string  `json:"allowedTools,omitempty" yaml:"allowed_tools"`
	HistoryLimit  int       `json:"historyLimit,omitempty" yaml:"history_limit"`
}

// LLMConfig selects the language model for an agent.
type LLMConfig struct {
	Provider    string  `json:"provider" yaml:"provider"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"maxTokens" yaml:"max_tokens"`
	BaseURL     string  `json:"baseUrl,omitempty" yaml:"base_url"`
}

// Voice is the synthesis voice bound to an agent.
type Voice struct {
	ID         string  `json:"id" yaml:"id"`
	Speed      float32 `json:"speed" yaml:"speed"`
	Language   string  `json:"language" yaml:"language"`
	SampleRate int     `json:"sampleRate" yaml:"sample_rate"`
}

// SystemPrompt merges persona text ahead of the system message.
func (c Config) SystemPrompt() string {
	persona := strings.TrimSpace(c.PersonaPrompt)
	system := strings.TrimSpace(c.SystemMessage)
	switch {
	case persona != "" && system != "":
		return persona + "\n\n" + system
	case persona != "":
		return persona
	case system != "":
		return system
	default:
		return DefaultSystemMessage
	}
}

// WithDefaults fills zero values with the service defaults.
func (c Config) WithDefaults() Config {
	if c.LLM.Provider == "" {
		c.LLM.Provider = ProviderArk
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = DefaultTemperature
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = DefaultMaxTokens
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.Voice.Speed <= 0 {
		c.Voice.Speed = 1.0
	}
	if c.Voice.SampleRate <= 0 {
		c.Voice.SampleRate = DefaultSampleRate
	}
	if c.Voice.Language == "" {
		c.Voice.Language = "en"
	}
	c.AllowedTools = append([]string(nil), c.AllowedTools...)
	return c
}

// AllowsTool reports whether the agent's allow-list admits the tool. An empty list admits all.
func (c Config) AllowsTool(name string) bool {
	if len(c.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range c.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}

// Seed provides the default agents used when no configuration store is wired.
func Seed() []Config {
	return []Config{
		{
			ID:            "stella",
			TenantID:      "default",
			Name:          "Stella",
			LLM:           LLMConfig{Provider: ProviderArk},
			SystemMessage: DefaultSystemMessage,
			Voice:         Voice{ID: "en_female_amy_jupiter_bigtts", Language: "en"},
			ToolsEnabled:  true,
		},
		{
			ID:       "concierge",
			TenantID: "default",
			Name:     "Concierge",
			LLM:      LLMConfig{Provider: ProviderArk, Temperature: 0.4},
			PersonaPrompt: "You are the front-desk concierge for a property management firm. " +
				"Check the calendar before promising appointments and open tickets for maintenance requests.",
			Voice:        Voice{ID: "en_female_amy_jupiter_bigtts", Language: "en"},
			ToolsEnabled: true,
			AllowedTools: []string{"check_calendar", "schedule_event", "create_ticket"},
		},
	}
}

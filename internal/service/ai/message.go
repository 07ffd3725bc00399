package ai

import (
	"encoding/json"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-voice/backend/internal/model/chat"
)

// Message 对话上下文中的一条消息，仅在调用模型时转换为 eino schema。
type Message interface {
	toSchema() *schema.Message
}

// SystemMessage carries the persona and system instructions.
type SystemMessage struct {
	Text string
}

// UserMessage is a transcribed caller utterance.
type UserMessage struct {
	Text string
}

// AssistantMessage is a spoken reply.
type AssistantMessage struct {
	Text string
}

// ToolCall 模型请求的一次工具调用
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolRequestMessage is the assistant turn that asked for tools.
type ToolRequestMessage struct {
	Text  string
	Calls []ToolCall
}

// ToolResultMessage carries one folded tool outcome back to the model.
type ToolResultMessage struct {
	CallID string
	Name   string
	Result json.RawMessage
}

func (m SystemMessage) toSchema() *schema.Message    { return schema.SystemMessage(m.Text) }
func (m UserMessage) toSchema() *schema.Message      { return schema.UserMessage(m.Text) }
func (m AssistantMessage) toSchema() *schema.Message { return schema.AssistantMessage(m.Text, nil) }

func (m ToolRequestMessage) toSchema() *schema.Message {
	calls := make([]schema.ToolCall, 0, len(m.Calls))
	for _, c := range m.Calls {
		calls = append(calls, schema.ToolCall{
			ID:       c.ID,
			Type:     "function",
			Function: schema.FunctionCall{Name: c.Name, Arguments: string(c.Arguments)},
		})
	}
	return schema.AssistantMessage(m.Text, calls)
}

func (m ToolResultMessage) toSchema() *schema.Message {
	return &schema.Message{Role: schema.Tool, Content: string(m.Result), ToolCallID: m.CallID}
}

// toolRequestFromSchema 将模型请求工具的回复转换为上下文消息，参数原样保留。
func toolRequestFromSchema(msg *schema.Message) ToolRequestMessage {
	req := ToolRequestMessage{Text: msg.Content, Calls: make([]ToolCall, 0, len(msg.ToolCalls))}
	for _, c := range msg.ToolCalls {
		req.Calls = append(req.Calls, ToolCall{
			ID:        c.ID,
			Name:      c.Function.Name,
			Arguments: json.RawMessage(strings.TrimSpace(c.Function.Arguments)),
		})
	}
	return req
}

func toSchemaMessages(msgs []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.toSchema())
	}
	return out
}

// FromChat 将持久化的消息还原为对话上下文，只保留用户与助手消息。
func FromChat(messages []chat.Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleUser:
			out = append(out, UserMessage{Text: msg.Content})
		case chat.RoleAssistant:
			out = append(out, AssistantMessage{Text: msg.Content})
		}
	}
	return out
}

// Window returns the most recent limit messages. A non-positive limit keeps everything.
func Window(history []Message, limit int) []Message {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

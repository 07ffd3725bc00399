package ai

import (
	"encoding/json"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-voice/backend/internal/model/chat"
)

func TestFromChatSkipsSystem(t *testing.T) {
	msgs := FromChat([]chat.Message{
		{Role: chat.RoleSystem, Content: "ignored"},
		{Role: chat.RoleUser, Content: "hello"},
		{Role: chat.RoleAssistant, Content: "hi"},
	})
	assert.Equal(t, []Message{UserMessage{Text: "hello"}, AssistantMessage{Text: "hi"}}, msgs)
}

func TestWindow(t *testing.T) {
	history := []Message{UserMessage{Text: "1"}, AssistantMessage{Text: "2"}, UserMessage{Text: "3"}}
	assert.Equal(t, history[1:], Window(history, 2))
	assert.Equal(t, history, Window(history, 0))
	assert.Equal(t, history, Window(history, 10))
}

func TestToolMessagesToSchema(t *testing.T) {
	req := ToolRequestMessage{Calls: []ToolCall{{ID: "c1", Name: "create_ticket", Arguments: json.RawMessage(`{"title":"leak"}`)}}}.toSchema()
	assert.Equal(t, schema.Assistant, req.Role)
	require.Len(t, req.ToolCalls, 1)
	assert.Equal(t, "create_ticket", req.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"title":"leak"}`, req.ToolCalls[0].Function.Arguments)

	res := ToolResultMessage{CallID: "c1", Name: "create_ticket", Result: json.RawMessage(`{"id":7}`)}.toSchema()
	assert.Equal(t, schema.Tool, res.Role)
	assert.Equal(t, "c1", res.ToolCallID)
	assert.Equal(t, `{"id":7}`, res.Content)
}

func TestToolRequestFromSchema(t *testing.T) {
	out := schema.AssistantMessage("one moment", []schema.ToolCall{{
		ID:       "c9",
		Function: schema.FunctionCall{Name: "send_email", Arguments: ` {"to":"a@b.c"} `},
	}})

	req := toolRequestFromSchema(out)
	assert.Equal(t, ToolRequestMessage{
		Text:  "one moment",
		Calls: []ToolCall{{ID: "c9", Name: "send_email", Arguments: json.RawMessage(`{"to":"a@b.c"}`)}},
	}, req)

	back := req.toSchema()
	require.Len(t, back.ToolCalls, 1)
	assert.Equal(t, "c9", back.ToolCalls[0].ID)
	assert.Equal(t, "function", back.ToolCalls[0].Type)
}

func TestSystemMessageToSchema(t *testing.T) {
	msgs := toSchemaMessages([]Message{SystemMessage{Text: "be brief"}, UserMessage{Text: "hi"}})
	require.Len(t, msgs, 2)
	assert.Equal(t, schema.System, msgs[0].Role)
	assert.Equal(t, "be brief", msgs[0].Content)
	assert.Equal(t, schema.User, msgs[1].Role)
}

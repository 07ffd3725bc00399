package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-voice/backend/internal/auth"
	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
	"github.com/zhouzirui/z-voice/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/z-voice/backend/internal/service/chat"
)

func setupRouter() (*chi.Mux, *chatservice.MemoryStore) {
	store := chatservice.NewMemoryStore()
	agents := agent.NewMemoryStore(agent.Seed())
	handler := New(store, agents, nil)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, store
}

func postConversation(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/conversations", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestCreateConversation(t *testing.T) {
	r, _ := setupRouter()
	resp := postConversation(r, `{"agent_id":"stella","session_id":"s-1"}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var conv chat.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conv.SessionID != "s-1" || conv.AgentID != "stella" || conv.Status != chat.ConversationActive {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	again := postConversation(r, `{"agent_id":"stella","session_id":"s-1"}`)
	if again.Code != http.StatusOK {
		t.Fatalf("expected 200 when binding existing session, got %d", again.Code)
	}
	var bound chat.Conversation
	_ = json.NewDecoder(again.Body).Decode(&bound)
	if bound.ID != conv.ID {
		t.Fatalf("expected same conversation %s, got %s", conv.ID, bound.ID)
	}
}

func TestCreateConversationRejects(t *testing.T) {
	r, _ := setupRouter()
	if resp := postConversation(r, `{"agent_id":"stella","session_id":"taken"}`); resp.Code != http.StatusCreated {
		t.Fatalf("seed conversation: %d", resp.Code)
	}

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid body", `{`, http.StatusBadRequest},
		{"missing agent", `{}`, http.StatusBadRequest},
		{"unknown agent", `{"agent_id":"ghost"}`, http.StatusNotFound},
		{"session bound elsewhere", `{"agent_id":"concierge","session_id":"taken"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := postConversation(r, tt.body); resp.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.Code)
			}
		})
	}
}

func TestListMessages(t *testing.T) {
	r, store := setupRouter()
	ctx := context.Background()
	conv, err := store.CreateConversation(ctx, chat.Conversation{AgentID: "stella", TenantID: "default"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = store.AppendTurn(ctx, conv.ID,
		chat.Message{Role: chat.RoleUser, Content: "hi"},
		chat.Message{Role: chat.RoleAssistant, Content: "hello"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/conversations/"+conv.ID+"/messages", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var messages []chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(messages) != 2 || messages[0].Content != "hi" || messages[1].Role != chat.RoleAssistant {
		t.Fatalf("unexpected messages: %+v", messages)
	}
}

func TestConversationTenantIsolation(t *testing.T) {
	store := chatservice.NewMemoryStore()
	conv, err := store.CreateConversation(context.Background(), chat.Conversation{AgentID: "stella", TenantID: "default"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p := auth.Principal{Subject: "u", TenantID: "acme", Role: auth.RoleUser}
			next.ServeHTTP(w, req.WithContext(auth.WithPrincipal(req.Context(), p)))
		})
	})
	New(store, agent.NewMemoryStore(agent.Seed()), nil).RegisterRoutes(r)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/conversations/"+conv.ID, nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestStorageDisabled(t *testing.T) {
	r := chi.NewRouter()
	New(nil, agent.NewMemoryStore(agent.Seed()), nil).RegisterRoutes(r)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/conversations/x/messages", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

package chat

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	"github.com/zhouzirui/z-voice/backend/internal/auth"
	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
	"github.com/zhouzirui/z-voice/backend/internal/model/chat"
	chatService "github.com/zhouzirui/z-voice/backend/internal/service/chat"
	"github.com/zhouzirui/z-voice/backend/pkg/utils"
)

// Handler 对话记录的HTTP处理器
type Handler struct {
	store  chatService.Store
	agents agent.Store
	logger *zap.Logger
}

// New 创建对话处理器。store 为 nil 时所有路由返回 503。
func New(store chatService.Store, agents agent.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, agents: agents, logger: logger}
}

// RegisterRoutes 注册对话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations", func(cr chi.Router) {
		cr.Post("/", h.handleCreate)
		cr.Get("/{conversationID}", h.handleGet)
		cr.Get("/{conversationID}/messages", h.handleMessages)
	})
}

type createRequest struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

// handleCreate 为会话创建对话；同一会话已有对话时直接返回。
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	var payload createRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload.AgentID = strings.TrimSpace(payload.AgentID)
	if payload.AgentID == "" {
		utils.RespondError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	cfg, err := h.agents.Get(r.Context(), payload.AgentID)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	if !canAccess(r, cfg.TenantID) {
		utils.RespondAppError(w, agent.ErrAgentNotFound)
		return
	}

	if sessionID := strings.TrimSpace(payload.SessionID); sessionID != "" {
		existing, err := h.store.FindConversationBySession(r.Context(), sessionID)
		switch {
		case err == nil && existing.AgentID == cfg.ID:
			utils.RespondJSON(w, http.StatusOK, existing)
			return
		case err == nil:
			utils.RespondError(w, http.StatusConflict, "session belongs to another agent")
			return
		case apperr.KindOf(err) != apperr.KindNotFound:
			h.logger.Error("find conversation failed", zap.String("session_id", sessionID), zap.Error(err))
			utils.RespondAppError(w, err)
			return
		}
	}

	conv, err := h.store.CreateConversation(r.Context(), chat.Conversation{
		SessionID: strings.TrimSpace(payload.SessionID),
		AgentID:   cfg.ID,
		TenantID:  cfg.TenantID,
	})
	if err != nil {
		h.logger.Error("create conversation failed", zap.Error(err))
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, conv)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, conv)
}

// handleMessages 按写入顺序返回对话消息
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	messages, err := h.store.ListMessages(r.Context(), conv.ID)
	if err != nil {
		h.logger.Error("list messages failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		utils.RespondAppError(w, err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) (chat.Conversation, bool) {
	if !h.available(w) {
		return chat.Conversation{}, false
	}
	conv, err := h.store.GetConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		utils.RespondAppError(w, err)
		return chat.Conversation{}, false
	}
	if !canAccess(r, conv.TenantID) {
		utils.RespondAppError(w, chatService.ErrConversationNotFound)
		return chat.Conversation{}, false
	}
	return conv, true
}

func (h *Handler) available(w http.ResponseWriter) bool {
	if h.store == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "conversation storage disabled")
		return false
	}
	return true
}

func canAccess(r *http.Request, tenantID string) bool {
	p, ok := auth.FromContext(r.Context())
	return !ok || p.CanAccessTenant(tenantID)
}

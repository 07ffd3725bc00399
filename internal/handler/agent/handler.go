package agent

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/auth"
	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
	"github.com/zhouzirui/z-voice/backend/pkg/utils"
)

// Handler 智能体配置的只读HTTP处理器
type Handler struct {
	agents agent.Store
	logger *zap.Logger
}

// New 创建智能体处理器
func New(agents agent.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{agents: agents, logger: logger}
}

// RegisterRoutes 注册智能体相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/agents", h.handleList)
	r.Get("/agents/{agentID}", h.handleGet)
}

// handleList 列出调用方租户下的智能体，管理员可见全部。
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tenant := ""
	if p, ok := auth.FromContext(r.Context()); ok && !p.IsAdmin() {
		tenant = p.TenantID
	}
	agents, err := h.agents.List(r.Context(), tenant)
	if err != nil {
		h.logger.Error("list agents failed", zap.Error(err))
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, agents)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.agents.Get(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	// 其他租户的智能体按不存在处理
	if p, ok := auth.FromContext(r.Context()); ok && !p.CanAccessTenant(cfg.TenantID) {
		utils.RespondAppError(w, agent.ErrAgentNotFound)
		return
	}
	utils.RespondJSON(w, http.StatusOK, cfg)
}

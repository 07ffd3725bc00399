package session

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/auth"
	"github.com/zhouzirui/z-voice/backend/internal/service/session"
	"github.com/zhouzirui/z-voice/backend/pkg/utils"
)

// Handler 暴露实时会话列表，供运维查看当前连接
type Handler struct {
	registry session.Registry
	logger   *zap.Logger
}

// New 创建会话处理器
func New(registry session.Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, logger: logger}
}

// RegisterRoutes 注册会话路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleList)
}

type listResponse struct {
	Sessions any `json:"sessions"`
	Count    int `json:"count"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant_id")
	if p, ok := auth.FromContext(r.Context()); ok && !p.IsAdmin() {
		tenant = p.TenantID
	}
	sessions, err := h.registry.List(r.Context(), tenant)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		utils.RespondError(w, http.StatusServiceUnavailable, "session registry unavailable")
		return
	}
	utils.RespondJSON(w, http.StatusOK, listResponse{Sessions: sessions, Count: len(sessions)})
}

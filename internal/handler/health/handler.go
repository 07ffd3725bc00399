package health

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/pkg/utils"
)

// Check 探测单个依赖是否可用
type Check func(ctx context.Context) error

// Handler 存活与就绪探针
type Handler struct {
	checks  map[string]Check
	timeout time.Duration
	logger  *zap.Logger
}

// New 创建探针处理器，checks 为空时 readyz 总是就绪。
func New(checks map[string]Check, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{checks: checks, timeout: 2 * time.Second, logger: logger}
}

// RegisterRoutes 注册探针路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleReady 依次探测各依赖，任一失败返回 503。
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	result := readiness{Status: "ok", Checks: make(map[string]string, len(names))}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		err := h.checks[name](ctx)
		cancel()
		if err != nil {
			h.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			result.Status = "unavailable"
			result.Checks[name] = err.Error()
			continue
		}
		result.Checks[name] = "ok"
	}

	status := http.StatusOK
	if result.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	utils.RespondJSON(w, status, result)
}

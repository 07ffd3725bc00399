package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/auth"
	"github.com/zhouzirui/z-voice/backend/internal/config"
	agentHandler "github.com/zhouzirui/z-voice/backend/internal/handler/agent"
	"github.com/zhouzirui/z-voice/backend/internal/handler/chat"
	"github.com/zhouzirui/z-voice/backend/internal/handler/health"
	sessionHandler "github.com/zhouzirui/z-voice/backend/internal/handler/session"
	"github.com/zhouzirui/z-voice/backend/internal/handler/speech"
	"github.com/zhouzirui/z-voice/backend/internal/handler/voice"
	"github.com/zhouzirui/z-voice/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/z-voice/backend/internal/middleware"
	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
	chatService "github.com/zhouzirui/z-voice/backend/internal/service/chat"
	"github.com/zhouzirui/z-voice/backend/internal/service/session"
)

// Deps 路由依赖的进程级组件
type Deps struct {
	Config        *config.Config
	Agents        agent.Store
	Conversations chatService.Store
	Registry      session.Registry
	Voice         voice.Options
	Transcriber   speech.Transcriber
	Synthesizer   speech.Synthesizer
	Verifier      *auth.Verifier
	Metrics       *metrics.Collector
	Checks        map[string]health.Check
	Logger        *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(ctx context.Context, deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.Config.CORS.Origins))

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	voiceOpts := deps.Voice
	voiceOpts.Agents = deps.Agents
	voiceOpts.Conversations = deps.Conversations
	voiceOpts.Registry = deps.Registry
	voiceOpts.Metrics = deps.Metrics
	voiceHandler := voice.New(voiceOpts, logger)

	r.Route("/api/v1", func(api chi.Router) {
		health.New(deps.Checks, logger).RegisterRoutes(api)

		api.Group(func(secured chi.Router) {
			secured.Use(middlewarePkg.Authenticate(deps.Verifier, logger))

			agentHandler.New(deps.Agents, logger).RegisterRoutes(secured)
			chat.New(deps.Conversations, deps.Agents, logger).RegisterRoutes(secured)
			speech.New(deps.Transcriber, deps.Synthesizer, deps.Agents, logger).RegisterRoutes(secured)

			// 建立会话按租户限流
			secured.With(middlewarePkg.TenantRateLimit(ctx, deps.Config.RateLimit, logger)).
				Get("/agents/{agentID}/stream", voiceHandler.HandleStream)

			secured.With(middlewarePkg.RequireAdmin).Group(func(admin chi.Router) {
				sessionHandler.New(deps.Registry, logger).RegisterRoutes(admin)
			})
		})
	})

	return r
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zhouzirui/z-voice/backend/internal/auth"
	"github.com/zhouzirui/z-voice/backend/internal/config"
	"github.com/zhouzirui/z-voice/backend/internal/handler"
	"github.com/zhouzirui/z-voice/backend/internal/handler/health"
	"github.com/zhouzirui/z-voice/backend/internal/handler/voice"
	"github.com/zhouzirui/z-voice/backend/internal/logger"
	"github.com/zhouzirui/z-voice/backend/internal/metrics"
	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
	"github.com/zhouzirui/z-voice/backend/internal/repository"
	"github.com/zhouzirui/z-voice/backend/internal/service/ai"
	chatService "github.com/zhouzirui/z-voice/backend/internal/service/chat"
	"github.com/zhouzirui/z-voice/backend/internal/service/pipeline"
	"github.com/zhouzirui/z-voice/backend/internal/service/session"
	"github.com/zhouzirui/z-voice/backend/internal/service/speech"
	"github.com/zhouzirui/z-voice/backend/internal/service/tools"
	"github.com/zhouzirui/z-voice/backend/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	zap.ReplaceGlobals(zl)

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	tp, err := telemetry.Init(ctx, cfg.Telemetry, zl)
	if err != nil {
		zl.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	seeds, err := config.LoadAgents(cfg.Agents)
	if err != nil {
		return err
	}
	for i := range seeds {
		if seeds[i].HistoryLimit <= 0 {
			seeds[i].HistoryLimit = cfg.AI.HistoryLimit
		}
	}

	checks := make(map[string]health.Check)

	// 未配置数据库时使用内存存储，重启后对话丢失
	var (
		agents        agent.Store
		conversations chatService.Store
	)
	if cfg.Database.Enabled() {
		db, err := openDatabase(ctx, cfg.Database, seeds, zl)
		if err != nil {
			return err
		}
		agents = repository.NewAgentRepository(db)
		conversations = repository.NewConversationRepository(db)
		checks["database"] = func(ctx context.Context) error { return repository.Ping(ctx, db) }
	} else {
		zl.Warn("DATABASE_URL not set, using in-memory storage")
		agents = agent.NewMemoryStore(seeds)
		conversations = chatService.NewMemoryStore()
	}

	var (
		registry    session.Registry = session.NewMemoryRegistry()
		redisClient redis.UniversalClient
	)
	if cfg.Redis.Enabled() {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		client := redis.NewClient(opts)
		defer client.Close()
		redisClient = client
		registry = session.NewRedisRegistry(client, session.DefaultTTL)
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		zl.Info("redis session registry enabled")
	}

	collector := metrics.NewCollector("zvoice")

	catalog, invoker, err := setupTools(ctx, cfg.Tools, redisClient, zl)
	if err != nil {
		return err
	}

	speechSvc, err := speech.NewService(cfg.Speech, zl)
	if err != nil {
		return err
	}

	responders := ai.NewResponderFactory(ai.NewModelFactory(cfg.AI), catalog, invoker, collector, zl)
	if !cfg.AI.Enabled() {
		zl.Warn("Ark 凭证未配置，仅 local 提供方的智能体可用")
	}

	router := handler.NewRouter(ctx, handler.Deps{
		Config:        cfg,
		Agents:        agents,
		Conversations: conversations,
		Registry:      registry,
		Voice: voice.Options{
			Responders: func(ctx context.Context, a agent.Config) (pipeline.Responder, error) {
				r, err := responders.Build(ctx, a)
				if err != nil {
					return nil, err
				}
				return r, nil
			},
			Transcriber:    speechSvc.Transcriber,
			Synthesizer:    speechSvc.Synthesizer,
			Archive:        pipeline.NewArchive(cfg.Pipeline.ArchiveDir),
			PersistTimeout: cfg.Pipeline.PersistTimeout,
		},
		Transcriber: speechSvc.Transcriber,
		Synthesizer: speechSvc.Synthesizer,
		Verifier:    auth.NewVerifier(cfg.Auth),
		Metrics:     collector,
		Checks:      checks,
		Logger:      zl,
	})
	if !cfg.Auth.Enabled() {
		zl.Warn("JWT_SECRET not set, authentication disabled")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	zl.Info("Z Voice backend listening", zap.String("addr", cfg.Server.Addr))
	return runServer(ctx, srv)
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig, seeds []agent.Config, zl *zap.Logger) (*gorm.DB, error) {
	db, err := repository.Open(cfg.URL, zl)
	if err != nil {
		return nil, err
	}
	if err := repository.Migrate(db); err != nil {
		return nil, err
	}
	if err := repository.NewAgentRepository(db).Seed(ctx, seeds); err != nil {
		return nil, err
	}
	return db, nil
}

// setupTools 发现网关工具。网关不可用时服务照常启动，智能体以无工具模式运行。
func setupTools(ctx context.Context, cfg config.ToolsConfig, client redis.UniversalClient, zl *zap.Logger) (*tools.Catalog, tools.Invoker, error) {
	if !cfg.Enabled {
		zl.Info("tool gateway not configured, agents run without tools")
		return tools.NewCatalog(nil), nil, nil
	}

	gateway := tools.NewClient(cfg.GatewayURL, cfg.Timeout, zl)

	var (
		engine *tools.PolicyEngine
		err    error
	)
	if cfg.PolicyFile != "" {
		engine, err = tools.LoadPolicyFile(ctx, cfg.PolicyFile)
	} else {
		engine, err = tools.NewPolicyEngine(ctx, tools.DefaultPolicy)
	}
	if err != nil {
		return nil, nil, err
	}

	var cache *tools.RedisCache
	if client != nil {
		cache = tools.NewRedisCache(client, cfg.CacheTTL)
	}
	catalog := tools.LoadCatalog(ctx, gateway, cache, zl)
	return catalog, tools.NewPolicyInvoker(gateway, engine, zl), nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	"github.com/zhouzirui/z-voice/backend/internal/config"
	"github.com/zhouzirui/z-voice/backend/internal/metrics"
	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
	"github.com/zhouzirui/z-voice/backend/internal/service/tools"
)

// ModelBuilder constructs a chat model for an agent's LLM settings.
type ModelBuilder interface {
	NewChatModel(ctx context.Context, llm agent.LLMConfig) (model.ToolCallingChatModel, error)
}

// ModelFactory 按智能体的模型配置创建并缓存 Ark 模型实例。
// local 提供方复用 OpenAI 兼容协议，指向本地推理服务。
// 缓存的实例从不绑定工具，绑定工具总是得到新实例。
type ModelFactory struct {
	cfg config.AIConfig

	mu     sync.Mutex
	models map[string]*arkModel
}

// NewModelFactory returns a factory bound to the process AI configuration.
func NewModelFactory(cfg config.AIConfig) *ModelFactory {
	return &ModelFactory{cfg: cfg, models: make(map[string]*arkModel)}
}

// NewChatModel returns the model for the given settings, reusing instances with identical settings.
func (f *ModelFactory) NewChatModel(ctx context.Context, llm agent.LLMConfig) (model.ToolCallingChatModel, error) {
	const op = "ai.model"
	arkCfg, err := f.arkConfig(llm)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInference, op, err)
	}

	key := fmt.Sprintf("%s|%s|%s|%v|%d", llm.Provider, arkCfg.BaseURL, arkCfg.Model, llm.Temperature, llm.MaxTokens)
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.models[key]; ok {
		return m, nil
	}

	m, err := newArkModel(ctx, *arkCfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInference, op, fmt.Errorf("create %s chat model: %w", llm.Provider, err))
	}
	f.models[key] = m
	return m, nil
}

var (
	_ model.BaseChatModel        = (*ark.ChatModel)(nil)
	_ model.ToolCallingChatModel = (*arkModel)(nil)
)

// arkModel 为 ark.ChatModel 提供不可变的 WithTools。
// ark 只有原地修改的 BindTools，因此每次绑定都基于同一配置新建客户端。
type arkModel struct {
	*ark.ChatModel
	cfg ark.ChatModelConfig
}

func newArkModel(ctx context.Context, cfg ark.ChatModelConfig) (*arkModel, error) {
	// NewChatModel 会回填默认值，传入副本
	own := cfg
	cm, err := ark.NewChatModel(ctx, &own)
	if err != nil {
		return nil, err
	}
	return &arkModel{ChatModel: cm, cfg: cfg}, nil
}

// WithTools returns a new instance with the tools bound; the receiver is left untouched.
func (m *arkModel) WithTools(infos []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	bound, err := newArkModel(context.Background(), m.cfg)
	if err != nil {
		return nil, err
	}
	if err := bound.ChatModel.BindTools(infos); err != nil {
		return nil, err
	}
	return bound, nil
}

func (f *ModelFactory) arkConfig(llm agent.LLMConfig) (*ark.ChatModelConfig, error) {
	llm = agent.Config{LLM: llm}.WithDefaults().LLM

	temperature := float32(llm.Temperature)
	maxTokens := llm.MaxTokens
	var timeout *time.Duration
	if f.cfg.Timeout > 0 {
		timeout = &f.cfg.Timeout
	}
	var topP *float32
	if f.cfg.TopP != nil {
		val := float32(*f.cfg.TopP)
		topP = &val
	}

	switch strings.ToLower(llm.Provider) {
	case agent.ProviderArk:
		modelName := firstNonEmpty(llm.Model, f.cfg.Model)
		if modelName == "" {
			return nil, fmt.Errorf("ark model is not configured")
		}
		if f.cfg.APIKey == "" && (f.cfg.AccessKey == "" || f.cfg.SecretKey == "") {
			return nil, fmt.Errorf("ark credentials are not configured")
		}
		return &ark.ChatModelConfig{
			BaseURL:     firstNonEmpty(llm.BaseURL, f.cfg.BaseURL),
			Region:      f.cfg.Region,
			APIKey:      f.cfg.APIKey,
			AccessKey:   f.cfg.AccessKey,
			SecretKey:   f.cfg.SecretKey,
			Model:       modelName,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
			TopP:        topP,
			Timeout:     timeout,
		}, nil
	case agent.ProviderLocal:
		return &ark.ChatModelConfig{
			BaseURL:     firstNonEmpty(llm.BaseURL, f.cfg.LocalBaseURL),
			APIKey:      f.cfg.LocalAPIKey,
			Model:       firstNonEmpty(llm.Model, f.cfg.LocalModel),
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
			TopP:        topP,
			Timeout:     timeout,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", llm.Provider)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// ResponderFactory 为每个会话组装 Responder：按智能体选择模型并绑定过滤后的工具集。
type ResponderFactory struct {
	models  ModelBuilder
	catalog *tools.Catalog
	invoker tools.Invoker
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewResponderFactory wires the process-wide model builder and tool catalog.
func NewResponderFactory(models ModelBuilder, catalog *tools.Catalog, invoker tools.Invoker, collector *metrics.Collector, logger *zap.Logger) *ResponderFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponderFactory{models: models, catalog: catalog, invoker: invoker, metrics: collector, logger: logger}
}

// Build returns a responder bound to the agent snapshot.
func (f *ResponderFactory) Build(ctx context.Context, cfg agent.Config) (*Responder, error) {
	if f.models == nil {
		return nil, apperr.New(apperr.KindInference, "ai.responder", "no language model configured")
	}
	chatModel, err := f.models.NewChatModel(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	var toolset ToolExecutor
	if cfg.ToolsEnabled && f.catalog != nil {
		toolset = tools.NewToolset(f.catalog, f.invoker, cfg, f.metrics, f.logger)
	}
	return NewResponder(chatModel, toolset, cfg, f.logger), nil
}

package tools

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	"github.com/zhouzirui/z-voice/backend/internal/metrics"
	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
)

// Discoverer 提供工具发现能力，Client 实现该接口。
type Discoverer interface {
	Discover(ctx context.Context) ([]Tool, error)
}

// Catalog 进程启动时发现的工具集合，构建后只读，可无锁并发访问。
type Catalog struct {
	tools  []Tool
	byName map[string]Tool
}

// NewCatalog builds a catalog ordered by tool name. Later duplicates are dropped.
func NewCatalog(items []Tool) *Catalog {
	c := &Catalog{byName: make(map[string]Tool, len(items))}
	for _, item := range items {
		if _, dup := c.byName[item.Name]; dup || item.Name == "" {
			continue
		}
		c.byName[item.Name] = item
		c.tools = append(c.tools, item)
	}
	sort.Slice(c.tools, func(i, j int) bool { return c.tools[i].Name < c.tools[j].Name })
	return c
}

// LoadCatalog 发现工具；网关不可达时返回空目录并记录告警，不返回错误。
func LoadCatalog(ctx context.Context, d Discoverer, cache *RedisCache, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d == nil {
		return NewCatalog(nil)
	}

	if cache != nil {
		if cached, ok, err := cache.Load(ctx); err != nil {
			logger.Warn("tool catalog cache read failed", zap.Error(err))
		} else if ok {
			logger.Info("tool catalog loaded from cache", zap.Int("tools", len(cached)))
			return NewCatalog(cached)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	discovered, err := d.Discover(ctx)
	if err != nil {
		logger.Warn("tool discovery failed, continuing with empty catalog", zap.Error(err))
		return NewCatalog(nil)
	}

	if cache != nil {
		if err := cache.Store(ctx, discovered); err != nil {
			logger.Warn("tool catalog cache write failed", zap.Error(err))
		}
	}
	logger.Info("tool catalog discovered", zap.Int("tools", len(discovered)))
	return NewCatalog(discovered)
}

// Tools 返回目录副本
func (c *Catalog) Tools() []Tool {
	if c == nil {
		return nil
	}
	return append([]Tool(nil), c.tools...)
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.tools)
}

// Lookup finds a tool by name.
func (c *Catalog) Lookup(name string) (Tool, bool) {
	if c == nil {
		return Tool{}, false
	}
	t, ok := c.byName[name]
	return t, ok
}

// ForAgent 按 agent 的开关与白名单过滤目录。
func (c *Catalog) ForAgent(cfg agent.Config) *Catalog {
	if c == nil || !cfg.ToolsEnabled {
		return NewCatalog(nil)
	}
	var items []Tool
	for _, t := range c.tools {
		if cfg.AllowsTool(t.Name) {
			items = append(items, t)
		}
	}
	return NewCatalog(items)
}

// Toolset 绑定到单个 agent 的工具集，是 Responder 唯一的调用入口。
type Toolset struct {
	catalog  *Catalog
	invoker  Invoker
	agentID  string
	tenantID string
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewToolset filters the catalog for the agent and binds the invoker.
func NewToolset(catalog *Catalog, invoker Invoker, cfg agent.Config, collector *metrics.Collector, logger *zap.Logger) *Toolset {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Toolset{
		catalog:  catalog.ForAgent(cfg),
		invoker:  invoker,
		agentID:  cfg.ID,
		tenantID: cfg.TenantID,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "toolset"), zap.String("agent_id", cfg.ID)),
	}
}

// Empty reports whether no tool is available to the agent.
func (s *Toolset) Empty() bool {
	return s == nil || s.catalog.Len() == 0
}

// Infos 返回提供给模型的工具描述
func (s *Toolset) Infos() ([]*schema.ToolInfo, error) {
	if s.Empty() {
		return nil, nil
	}
	infos := make([]*schema.ToolInfo, 0, s.catalog.Len())
	for _, t := range s.catalog.tools {
		info, err := t.ToolInfo()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Invoke 校验工具名与必填参数后调用网关。
func (s *Toolset) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if s == nil {
		return nil, apperr.Newf(apperr.KindToolNotFound, "tools.invoke", "tool %q is not available", name)
	}
	result, err := s.invoke(ctx, name, args)
	status := "success"
	if err != nil {
		status = string(apperr.KindOf(err))
		if status == "" {
			status = "error"
		}
		s.logger.Warn("tool invocation failed", zap.String("tool", name), zap.Error(err))
	}
	s.metrics.RecordToolInvocation(name, status)
	return result, err
}

func (s *Toolset) invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	const op = "tools.invoke"
	tool, ok := s.catalog.Lookup(name)
	if !ok {
		return nil, apperr.Newf(apperr.KindToolNotFound, op, "tool %q is not available", name)
	}
	missing, err := missingArguments(tool, args)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindToolExecution, op, err)
	}
	if len(missing) > 0 {
		return nil, apperr.Newf(apperr.KindToolExecution, op, "missing required arguments: %v", missing)
	}
	if s.invoker == nil {
		return nil, apperr.New(apperr.KindGatewayUnavailable, op, "tool gateway is not configured")
	}
	return s.invoker.Invoke(ctx, Call{Name: name, Arguments: args, AgentID: s.agentID, TenantID: s.tenantID})
}

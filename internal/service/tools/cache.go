package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CatalogCacheKey 工具目录缓存键
const CatalogCacheKey = "zvoice:tools:catalog"

// RedisCache 在多实例间共享发现结果，避免每次启动都请求网关。
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCache returns nil when ttl is not positive, disabling the cache.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if client == nil || ttl <= 0 {
		return nil
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Load returns the cached catalog and whether it was present.
func (c *RedisCache) Load(ctx context.Context) ([]Tool, bool, error) {
	raw, err := c.client.Get(ctx, CatalogCacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var items []Tool
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false, fmt.Errorf("decode cached catalog: %w", err)
	}
	return items, true, nil
}

// Store writes the catalog with the configured TTL.
func (c *RedisCache) Store(ctx context.Context, items []Tool) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	if err := c.client.Set(ctx, CatalogCacheKey, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

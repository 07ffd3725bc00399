package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/z-voice/backend/internal/model/chat"
)

const (
	sessionKeyPrefix = "zvoice:session:"
	sessionIndexKey  = "zvoice:sessions"
	// DefaultTTL 连接存活期间由心跳刷新，进程崩溃后过期自动释放。
	DefaultTTL = 5 * time.Minute
)

// RedisRegistry shares live sessions across server instances.
type RedisRegistry struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisRegistry creates a registry on the given client.
func NewRedisRegistry(client redis.UniversalClient, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{client: client, ttl: ttl}
}

// Claim 使用 SETNX 占用会话 ID，保证多实例下同一会话只运行一次。
func (r *RedisRegistry) Claim(ctx context.Context, s chat.Session) error {
	val, err := json.Marshal(touch(s))
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.key(s.ID), val, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("claim session: %w", err)
	}
	if !ok {
		return ErrSessionLive
	}
	if err := r.client.SAdd(ctx, sessionIndexKey, s.ID).Err(); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

// Update refreshes the stored snapshot and its TTL.
func (r *RedisRegistry) Update(ctx context.Context, s chat.Session) error {
	val, err := json.Marshal(touch(s))
	if err != nil {
		return err
	}
	ok, err := r.client.SetXX(ctx, r.key(s.ID), val, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

func (r *RedisRegistry) Release(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(id))
		pipe.SRem(ctx, sessionIndexKey, id)
		return nil
	})
	return err
}

// List 读取索引中的会话，已过期的成员顺带从索引移除。
func (r *RedisRegistry) List(ctx context.Context, tenantID string) ([]chat.Session, error) {
	ids, err := r.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		return []chat.Session{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	out := make([]chat.Session, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var s chat.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", ids[i], err)
		}
		if tenantID == "" || s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, sessionIndexKey, stale...).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("prune sessions: %w", err)
		}
	}
	sortSessions(out)
	return out, nil
}

func (r *RedisRegistry) key(id string) string {
	return sessionKeyPrefix + id
}

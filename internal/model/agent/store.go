package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
)

// ErrAgentNotFound is returned when an agent identifier is unknown.
var ErrAgentNotFound = apperr.New(apperr.KindNotFound, "agent.get", "agent not found")

// Store exposes agent configuration lookup.
type Store interface {
	// List returns agents of a tenant; an empty tenant lists all agents.
	List(ctx context.Context, tenantID string) ([]Config, error)
	Get(ctx context.Context, id string) (Config, error)
}

// MemoryStore implements Store with an in-memory map.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Config
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied agents.
func NewMemoryStore(items []Config) *MemoryStore {
	s := &MemoryStore{items: make(map[string]Config, len(items))}
	for _, item := range items {
		s.items[item.ID] = item.WithDefaults()
	}
	return s
}

// Put inserts or replaces an agent.
func (s *MemoryStore) Put(cfg Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	s.mu.Lock()
	s.items[cfg.ID] = cfg.WithDefaults()
	s.mu.Unlock()
	return nil
}

// List returns agents ordered by identifier.
func (s *MemoryStore) List(_ context.Context, tenantID string) ([]Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Config, 0, len(s.items))
	for _, item := range s.items {
		if tenantID != "" && item.TenantID != tenantID {
			continue
		}
		out = append(out, item.WithDefaults())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get looks up an agent by identifier. The returned value is a copy.
func (s *MemoryStore) Get(_ context.Context, id string) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return Config{}, ErrAgentNotFound
	}
	return item.WithDefaults(), nil
}

package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/z-voice/backend/internal/model/chat"
)

var (
	// ErrSessionLive 会话 ID 已被其他连接占用。
	ErrSessionLive     = errors.New("session is already live")
	ErrSessionNotFound = errors.New("session not found")
)

// Registry tracks live sessions so one session ID runs on at most one connection.
type Registry interface {
	// Claim registers a new live session, failing with ErrSessionLive when the ID is taken.
	Claim(ctx context.Context, s chat.Session) error
	Update(ctx context.Context, s chat.Session) error
	Release(ctx context.Context, id string) error
	// List returns live sessions of a tenant; an empty tenant lists all.
	List(ctx context.Context, tenantID string) ([]chat.Session, error)
}

// MemoryRegistry keeps live sessions in process memory.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]chat.Session)}
}

func (r *MemoryRegistry) Claim(_ context.Context, s chat.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return ErrSessionLive
	}
	r.sessions[s.ID] = touch(s)
	return nil
}

func (r *MemoryRegistry) Update(_ context.Context, s chat.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	r.sessions[s.ID] = touch(s)
	return nil
}

func (r *MemoryRegistry) Release(_ context.Context, id string) error {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) List(_ context.Context, tenantID string) ([]chat.Session, error) {
	r.mu.RLock()
	out := make([]chat.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if tenantID == "" || s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sortSessions(out)
	return out, nil
}

func touch(s chat.Session) chat.Session {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.LastActivity = now
	return s
}

func sortSessions(items []chat.Session) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

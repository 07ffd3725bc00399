package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
	"github.com/zhouzirui/z-voice/backend/internal/model/chat"
	chatsvc "github.com/zhouzirui/z-voice/backend/internal/service/chat"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open("sqlite::memory:", nil)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestOpenRejectsEmptyURL(t *testing.T) {
	_, err := Open("  ", nil)
	assert.Error(t, err)
}

func TestAgentRepositorySeedOnce(t *testing.T) {
	repo := NewAgentRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Seed(ctx, agent.Seed()))
	require.NoError(t, repo.Seed(ctx, []agent.Config{{ID: "late", TenantID: "default"}}))

	all, err := repo.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "concierge", all[0].ID)

	concierge, err := repo.Get(ctx, "concierge")
	require.NoError(t, err)
	assert.Equal(t, []string{"check_calendar", "schedule_event", "create_ticket"}, concierge.AllowedTools)
	assert.InDelta(t, 0.4, concierge.LLM.Temperature, 1e-9)
	assert.Equal(t, agent.DefaultHistoryLimit, concierge.HistoryLimit)

	_, err = repo.Get(ctx, "ghost")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestAgentRepositoryUpsertAndTenantFilter(t *testing.T) {
	repo := NewAgentRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, agent.Config{ID: "a1", TenantID: "acme", Name: "First"}))
	require.NoError(t, repo.Upsert(ctx, agent.Config{ID: "a1", TenantID: "acme", Name: "Renamed"}))
	require.NoError(t, repo.Upsert(ctx, agent.Config{ID: "b1", TenantID: "other"}))

	acme, err := repo.List(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, acme, 1)
	assert.Equal(t, "Renamed", acme[0].Name)
}

func TestConversationRepositoryTurns(t *testing.T) {
	repo := NewConversationRepository(setupTestDB(t))
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, chat.Conversation{AgentID: "stella", SessionID: "s-1"})
	require.NoError(t, err)

	_, err = repo.CreateConversation(ctx, chat.Conversation{AgentID: "stella", SessionID: "s-1"})
	assert.ErrorIs(t, err, chatsvc.ErrSessionBound)

	found, err := repo.FindConversationBySession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)

	for i := 0; i < 2; i++ {
		require.NoError(t, repo.AppendTurn(ctx, conv.ID,
			chat.Message{Role: chat.RoleUser, Content: "question"},
			chat.Message{Role: chat.RoleAssistant, Content: "answer", Metadata: []byte(`{"tools":[]}`)},
		))
	}
	msg, err := repo.AppendMessage(ctx, conv.ID, chat.RoleSystem, "note", "")
	require.NoError(t, err)
	assert.Equal(t, chat.EstimateTokens("note"), msg.TokenCount)

	messages, err := repo.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 5)
	roles := make([]chat.Role, 0, len(messages))
	for _, m := range messages {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []chat.Role{chat.RoleUser, chat.RoleAssistant, chat.RoleUser, chat.RoleAssistant, chat.RoleSystem}, roles)
	assert.JSONEq(t, `{"tools":[]}`, string(messages[1].Metadata))
}

func TestConversationRepositoryAppendTurnMissingConversation(t *testing.T) {
	repo := NewConversationRepository(setupTestDB(t))
	err := repo.AppendTurn(context.Background(), "missing",
		chat.Message{Role: chat.RoleUser, Content: "a"},
		chat.Message{Role: chat.RoleAssistant, Content: "b"},
	)
	assert.ErrorIs(t, err, chatsvc.ErrConversationNotFound)
}

func TestConversationRepositoryAppendTurnIsAtomic(t *testing.T) {
	repo := NewConversationRepository(setupTestDB(t))
	ctx := context.Background()
	conv, err := repo.CreateConversation(ctx, chat.Conversation{AgentID: "stella"})
	require.NoError(t, err)

	// 重复的助手消息 ID 触发主键冲突，用户消息也必须回滚。
	require.NoError(t, repo.AppendTurn(ctx, conv.ID,
		chat.Message{ID: "u1", Role: chat.RoleUser, Content: "a"},
		chat.Message{ID: "a1", Role: chat.RoleAssistant, Content: "b"},
	))
	err = repo.AppendTurn(ctx, conv.ID,
		chat.Message{ID: "u2", Role: chat.RoleUser, Content: "c"},
		chat.Message{ID: "a1", Role: chat.RoleAssistant, Content: "d"},
	)
	assert.Equal(t, apperr.KindPersistence, apperr.KindOf(err))

	messages, err := repo.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestConversationRepositoryEnd(t *testing.T) {
	repo := NewConversationRepository(setupTestDB(t))
	start := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return start }
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, chat.Conversation{AgentID: "stella"})
	require.NoError(t, err)

	repo.now = func() time.Time { return start.Add(90 * time.Second) }
	require.NoError(t, repo.EndConversation(ctx, conv.ID, chat.ConversationEnded))
	require.NoError(t, repo.EndConversation(ctx, conv.ID, chat.ConversationError))

	got, err := repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.ConversationEnded, got.Status)
	assert.Equal(t, 90, got.DurationSeconds)
	require.NotNil(t, got.EndedAt)

	assert.ErrorIs(t, repo.EndConversation(ctx, "missing", chat.ConversationEnded), chatsvc.ErrConversationNotFound)
}

func TestConversationRepositoryReopen(t *testing.T) {
	repo := NewConversationRepository(setupTestDB(t))
	start := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return start }
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, chat.Conversation{AgentID: "stella", SessionID: "resume"})
	require.NoError(t, err)
	repo.now = func() time.Time { return start.Add(time.Minute) }
	require.NoError(t, repo.EndConversation(ctx, conv.ID, chat.ConversationEnded))

	reopened, err := repo.ReopenConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.ConversationActive, reopened.Status)
	assert.Nil(t, reopened.EndedAt)

	stored, err := repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.ConversationActive, stored.Status)
	assert.Nil(t, stored.EndedAt)
	assert.Zero(t, stored.DurationSeconds)

	repo.now = func() time.Time { return start.Add(5 * time.Minute) }
	require.NoError(t, repo.EndConversation(ctx, conv.ID, chat.ConversationEnded))
	final, err := repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 300, final.DurationSeconds)

	_, err = repo.ReopenConversation(ctx, "missing")
	assert.ErrorIs(t, err, chatsvc.ErrConversationNotFound)
}

func TestConversationRepositoryConcurrentTurnsKeepPairs(t *testing.T) {
	repo := NewConversationRepository(setupTestDB(t))
	ctx := context.Background()
	conv, err := repo.CreateConversation(ctx, chat.Conversation{AgentID: "stella"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.AppendTurn(ctx, conv.ID,
				chat.Message{Role: chat.RoleUser, Content: "q"},
				chat.Message{Role: chat.RoleAssistant, Content: "a"},
			))
		}()
	}
	wg.Wait()

	messages, err := repo.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 16)
	for i := 0; i < len(messages); i += 2 {
		assert.Equal(t, chat.RoleUser, messages[i].Role)
		assert.Equal(t, chat.RoleAssistant, messages[i+1].Role)
	}
}

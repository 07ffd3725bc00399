package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	"github.com/zhouzirui/z-voice/backend/internal/model/chat"
)

var (
	ErrAgentRequired        = errors.New("agent id is required")
	ErrSessionBound         = errors.New("session already has a conversation")
	ErrConversationNotFound = apperr.New(apperr.KindNotFound, "chat.conversation", "conversation not found")
)

// Store persists conversations and their append-only messages.
type Store interface {
	CreateConversation(ctx context.Context, conv chat.Conversation) (chat.Conversation, error)
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	FindConversationBySession(ctx context.Context, sessionID string) (chat.Conversation, error)
	// AppendMessage 追加单条消息
	AppendMessage(ctx context.Context, conversationID string, role chat.Role, text, audioRef string) (chat.Message, error)
	// AppendTurn 在同一事务中写入用户与助手消息，要么都写入，要么都不写入。
	AppendTurn(ctx context.Context, conversationID string, user, assistant chat.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	EndConversation(ctx context.Context, conversationID string, status chat.ConversationStatus) error
	// ReopenConversation 将已结束的对话恢复为 active，供同一会话重连后继续写入。
	ReopenConversation(ctx context.Context, conversationID string) (chat.Conversation, error)
}

// NewConversation fills identifiers and timestamps for a conversation about to be stored.
func NewConversation(conv chat.Conversation, now time.Time) (chat.Conversation, error) {
	if strings.TrimSpace(conv.AgentID) == "" {
		return chat.Conversation{}, ErrAgentRequired
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.SessionID == "" {
		conv.SessionID = uuid.NewString()
	}
	conv.Status = chat.ConversationActive
	conv.StartedAt = now.UTC()
	conv.EndedAt = nil
	conv.DurationSeconds = 0
	return conv, nil
}

// PrepareMessage 补全消息的标识、时间与 token 估算。
func PrepareMessage(msg chat.Message, conversationID string, now time.Time) chat.Message {
	msg.ConversationID = conversationID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now.UTC()
	}
	if msg.TokenCount == 0 {
		msg.TokenCount = chat.EstimateTokens(msg.Content)
	}
	return msg
}

// Finish marks a conversation finished with the given status.
func Finish(conv chat.Conversation, status chat.ConversationStatus, now time.Time) chat.Conversation {
	if status == "" || status == chat.ConversationActive {
		status = chat.ConversationEnded
	}
	ended := now.UTC()
	conv.Status = status
	conv.EndedAt = &ended
	conv.DurationSeconds = int(ended.Sub(conv.StartedAt).Seconds())
	if conv.DurationSeconds < 0 {
		conv.DurationSeconds = 0
	}
	return conv
}

// Reopen clears the end state so the conversation accepts turns again.
func Reopen(conv chat.Conversation) chat.Conversation {
	conv.Status = chat.ConversationActive
	conv.EndedAt = nil
	conv.DurationSeconds = 0
	return conv
}

// MemoryStore keeps conversations in process memory. Used when no database is configured.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	bySession     map[string]string
	messages      map[string][]chat.Message
	now           func() time.Time
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]chat.Conversation),
		bySession:     make(map[string]string),
		messages:      make(map[string][]chat.Message),
		now:           time.Now,
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv chat.Conversation) (chat.Conversation, error) {
	conv, err := NewConversation(conv, s.now())
	if err != nil {
		return chat.Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bySession[conv.SessionID]; ok {
		return chat.Conversation{}, ErrSessionBound
	}
	s.conversations[conv.ID] = conv
	s.bySession[conv.SessionID] = conv.ID
	s.messages[conv.ID] = make([]chat.Message, 0, 16)
	return conv, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (s *MemoryStore) FindConversationBySession(_ context.Context, sessionID string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySession[sessionID]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	return s.conversations[id], nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, conversationID string, role chat.Role, text, audioRef string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return chat.Message{}, ErrConversationNotFound
	}
	msg := PrepareMessage(chat.Message{Role: role, Content: text, AudioRef: audioRef}, conversationID, s.now())
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return msg, nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, conversationID string, user, assistant chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return ErrConversationNotFound
	}
	now := s.now()
	user = PrepareMessage(user, conversationID, now)
	assistant = PrepareMessage(assistant, conversationID, now)
	s.messages[conversationID] = append(s.messages[conversationID], user, assistant)
	return nil
}

// ListMessages returns stored messages in insertion order.
func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages, ok := s.messages[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	sort.SliceStable(copied, func(i, j int) bool { return copied[i].CreatedAt.Before(copied[j].CreatedAt) })
	return copied, nil
}

// EndConversation 结束会话，已结束的会话保持不变。
func (s *MemoryStore) EndConversation(_ context.Context, conversationID string, status chat.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if conv.Status != chat.ConversationActive {
		return nil
	}
	s.conversations[conversationID] = Finish(conv, status, s.now())
	return nil
}

func (s *MemoryStore) ReopenConversation(_ context.Context, conversationID string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	if conv.Status != chat.ConversationActive {
		conv = Reopen(conv)
		s.conversations[conversationID] = conv
	}
	return conv, nil
}

package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	"github.com/zhouzirui/z-voice/backend/internal/model/chat"
	chatsvc "github.com/zhouzirui/z-voice/backend/internal/service/chat"
)

// ConversationRepository implements chat.Store on gorm.
type ConversationRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewConversationRepository wraps a migrated database handle.
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db, now: time.Now}
}

func (r *ConversationRepository) CreateConversation(ctx context.Context, conv chat.Conversation) (chat.Conversation, error) {
	conv, err := chatsvc.NewConversation(conv, r.now())
	if err != nil {
		return chat.Conversation{}, err
	}
	rec := newConversationRecord(conv)
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return chat.Conversation{}, chatsvc.ErrSessionBound
		}
		return chat.Conversation{}, apperr.Wrap(apperr.KindPersistence, "conversation.create", err)
	}
	return conv, nil
}

func (r *ConversationRepository) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	return r.findConversation(ctx, "id = ?", id)
}

func (r *ConversationRepository) FindConversationBySession(ctx context.Context, sessionID string) (chat.Conversation, error) {
	return r.findConversation(ctx, "session_id = ?", sessionID)
}

func (r *ConversationRepository) findConversation(ctx context.Context, cond string, arg string) (chat.Conversation, error) {
	var rec conversationRecord
	err := r.db.WithContext(ctx).Where(cond, arg).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.Conversation{}, chatsvc.ErrConversationNotFound
	}
	if err != nil {
		return chat.Conversation{}, apperr.Wrap(apperr.KindPersistence, "conversation.get", err)
	}
	return rec.conversation(), nil
}

func (r *ConversationRepository) AppendMessage(ctx context.Context, conversationID string, role chat.Role, text, audioRef string) (chat.Message, error) {
	msg := chatsvc.PrepareMessage(chat.Message{Role: role, Content: text, AudioRef: audioRef}, conversationID, r.now())
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return appendMessages(tx, conversationID, msg)
	})
	if err != nil {
		return chat.Message{}, persistenceError("conversation.append_message", err)
	}
	return msg, nil
}

// AppendTurn 两条消息在同一事务中写入。
func (r *ConversationRepository) AppendTurn(ctx context.Context, conversationID string, user, assistant chat.Message) error {
	now := r.now()
	user = chatsvc.PrepareMessage(user, conversationID, now)
	assistant = chatsvc.PrepareMessage(assistant, conversationID, now)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return appendMessages(tx, conversationID, user, assistant)
	})
	return persistenceError("conversation.append_turn", err)
}

func appendMessages(tx *gorm.DB, conversationID string, messages ...chat.Message) error {
	var exists int64
	if err := tx.Model(&conversationRecord{}).Where("id = ?", conversationID).Count(&exists).Error; err != nil {
		return err
	}
	if exists == 0 {
		return chatsvc.ErrConversationNotFound
	}

	var last struct{ Max int64 }
	if err := tx.Model(&messageRecord{}).Select("COALESCE(MAX(seq), 0) AS max").
		Where("conversation_id = ?", conversationID).Scan(&last).Error; err != nil {
		return err
	}
	records := make([]messageRecord, 0, len(messages))
	for i, msg := range messages {
		records = append(records, newMessageRecord(msg, last.Max+int64(i)+1))
	}
	return tx.Create(&records).Error
}

func (r *ConversationRepository) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if _, err := r.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	var records []messageRecord
	err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("seq").Find(&records).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, "conversation.list_messages", err)
	}
	out := make([]chat.Message, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.message())
	}
	return out, nil
}

func (r *ConversationRepository) EndConversation(ctx context.Context, conversationID string, status chat.ConversationStatus) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec conversationRecord
		if err := tx.Where("id = ?", conversationID).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return chatsvc.ErrConversationNotFound
			}
			return err
		}
		if rec.Status != string(chat.ConversationActive) {
			return nil
		}
		ended := newConversationRecord(chatsvc.Finish(rec.conversation(), status, r.now()))
		return tx.Model(&conversationRecord{}).Where("id = ?", conversationID).Updates(map[string]any{
			"status":           ended.Status,
			"ended_at":         ended.EndedAt,
			"duration_seconds": ended.DurationSeconds,
		}).Error
	})
	return persistenceError("conversation.end", err)
}

func (r *ConversationRepository) ReopenConversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	var conv chat.Conversation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec conversationRecord
		if err := tx.Where("id = ?", conversationID).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return chatsvc.ErrConversationNotFound
			}
			return err
		}
		conv = rec.conversation()
		if conv.Status == chat.ConversationActive {
			return nil
		}
		conv = chatsvc.Reopen(conv)
		return tx.Model(&conversationRecord{}).Where("id = ?", conversationID).Updates(map[string]any{
			"status":           string(conv.Status),
			"ended_at":         nil,
			"duration_seconds": 0,
		}).Error
	})
	if err != nil {
		return chat.Conversation{}, persistenceError("conversation.reopen", err)
	}
	return conv, nil
}

func persistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, chatsvc.ErrConversationNotFound) {
		return err
	}
	return apperr.Wrap(apperr.KindPersistence, op, err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

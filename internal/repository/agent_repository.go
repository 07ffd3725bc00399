package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
)

// AgentRepository implements agent.Store on the agents table.
type AgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository wraps a migrated database handle.
func NewAgentRepository(db *gorm.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// Seed 表为空时写入默认智能体，已有数据时不做任何修改。
func (r *AgentRepository) Seed(ctx context.Context, agents []agent.Config) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&agentRecord{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count agents: %w", err)
	}
	if count > 0 {
		return nil
	}
	for _, cfg := range agents {
		if err := r.Upsert(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// Upsert inserts or replaces an agent.
func (r *AgentRepository) Upsert(ctx context.Context, cfg agent.Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	rec := newAgentRecord(cfg.WithDefaults())
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, "agent.upsert", err)
	}
	return nil
}

func (r *AgentRepository) List(ctx context.Context, tenantID string) ([]agent.Config, error) {
	var records []agentRecord
	q := r.db.WithContext(ctx).Order("id")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, "agent.list", err)
	}
	out := make([]agent.Config, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.config())
	}
	return out, nil
}

func (r *AgentRepository) Get(ctx context.Context, id string) (agent.Config, error) {
	var rec agentRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return agent.Config{}, agent.ErrAgentNotFound
	}
	if err != nil {
		return agent.Config{}, apperr.Wrap(apperr.KindPersistence, "agent.get", err)
	}
	return rec.config(), nil
}

package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type OutboxRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewOutboxRepository(db *gorm.DB, logger *zap.Logger) *OutboxRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxRepository{db: db, logger: logger}
}

// FetchUnprocessed returns up to limit unprocessed rows, oldest first. Rows
// whose payload does not decode are logged and left out.
func (r *OutboxRepository) FetchUnprocessed(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	var models []outboxModel
	if err := r.db.WithContext(ctx).
		Where("processed_at IS NULL").
		Order("created_at, id").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	events := make([]domain.OutboxEvent, 0, len(models))
	for _, model := range models {
		id, err := uuid.Parse(model.ID)
		if err != nil {
			r.logger.Warn("skipping outbox row with malformed id", zap.String("outbox_id", model.ID), zap.Error(err))
			continue
		}
		var payload domain.ChangeEvent
		if err := json.Unmarshal([]byte(model.Payload), &payload); err != nil {
			r.logger.Warn("skipping undecodable outbox row", zap.String("outbox_id", model.ID), zap.Error(err))
			continue
		}
		events = append(events, domain.OutboxEvent{
			ID:          id,
			Payload:     payload,
			CreatedAt:   model.CreatedAt,
			ProcessedAt: model.ProcessedAt,
		})
	}
	return events, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.String())
	}
	return r.db.WithContext(ctx).
		Model(&outboxModel{}).
		Where("id IN ? AND processed_at IS NULL", raw).
		Update("processed_at", at.UTC()).Error
}

package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TriggerHistoryRepository struct {
	db *gorm.DB
}

func NewTriggerHistoryRepository(db *gorm.DB) *TriggerHistoryRepository {
	return &TriggerHistoryRepository{db: db}
}

// Save inserts the record. A record whose id already exists is left as is, so
// redelivered trigger events do not duplicate history.
func (r *TriggerHistoryRepository) Save(ctx context.Context, record *domain.TriggerRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	payload, err := json.Marshal(record.Alert)
	if err != nil {
		return fmt.Errorf("encode alert snapshot: %w", err)
	}
	model := triggerModel{
		ID:             record.ID.String(),
		AlertID:        record.AlertID.String(),
		UserID:         record.UserID,
		Symbol:         record.Symbol,
		TriggeredPrice: record.TriggeredPrice.String(),
		TriggeredAt:    record.TriggeredAt.UTC(),
		Payload:        string(payload),
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error; err != nil {
		return err
	}
	record.CreatedAt = model.CreatedAt
	return nil
}

func (r *TriggerHistoryRepository) ListByUser(ctx context.Context, userID string) ([]domain.TriggerRecord, error) {
	var models []triggerModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("triggered_at DESC, id").
		Find(&models).Error; err != nil {
		return nil, err
	}

	records := make([]domain.TriggerRecord, 0, len(models))
	for _, model := range models {
		record, err := mapTriggerToDomain(model)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func mapTriggerToDomain(model triggerModel) (domain.TriggerRecord, error) {
	id, err := uuid.Parse(model.ID)
	if err != nil {
		return domain.TriggerRecord{}, fmt.Errorf("trigger %s: %w", model.ID, err)
	}
	alertID, err := uuid.Parse(model.AlertID)
	if err != nil {
		return domain.TriggerRecord{}, fmt.Errorf("trigger %s alert id: %w", model.ID, err)
	}
	price, err := decimal.NewFromString(model.TriggeredPrice)
	if err != nil {
		return domain.TriggerRecord{}, fmt.Errorf("trigger %s price: %w", model.ID, err)
	}
	var alert domain.Alert
	if err := json.Unmarshal([]byte(model.Payload), &alert); err != nil {
		return domain.TriggerRecord{}, fmt.Errorf("trigger %s snapshot: %w", model.ID, err)
	}
	return domain.TriggerRecord{
		ID:             id,
		AlertID:        alertID,
		UserID:         model.UserID,
		Symbol:         model.Symbol,
		TriggeredPrice: price,
		TriggeredAt:    model.TriggeredAt,
		Alert:          alert,
		CreatedAt:      model.CreatedAt,
	}, nil
}

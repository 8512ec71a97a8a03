package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AlertRepository is the authoritative alert store. Every mutation appends an
// outbox row in the same transaction.
type AlertRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewAlertRepository(db *gorm.DB, logger *zap.Logger) *AlertRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertRepository{db: db, logger: logger}
}

func (r *AlertRepository) Create(ctx context.Context, alert *domain.Alert) error {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	alert.Active = true
	alert.Version = 1

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := mapAlertToModel(*alert)
		if err := tx.Create(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrAlreadyExists
			}
			return err
		}
		*alert = mapAlertToDomain(model)
		return appendOutbox(tx, domain.ChangeCreate, *alert)
	})
}

func (r *AlertRepository) UpdateThreshold(ctx context.Context, id uuid.UUID, alertKey string, threshold decimal.Decimal, condition domain.Condition) (*domain.Alert, error) {
	var updated domain.Alert
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := lockAlert(tx, id)
		if err != nil {
			return err
		}
		if !model.Active {
			return domain.ErrInactive
		}
		model.AlertKey = alertKey
		model.Threshold = threshold.String()
		model.Condition = string(condition)
		model.Version++
		if err := tx.Save(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrAlreadyExists
			}
			return err
		}
		updated = mapAlertToDomain(model)
		return appendOutbox(tx, domain.ChangeUpdate, updated)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Deactivate marks the alert inactive. The bool reports whether the alert was
// active before the call; an already inactive alert is returned unchanged and
// no outbox row is written.
func (r *AlertRepository) Deactivate(ctx context.Context, id uuid.UUID) (*domain.Alert, bool, error) {
	var (
		result  domain.Alert
		changed bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := lockAlert(tx, id)
		if err != nil {
			return err
		}
		if !model.Active {
			result = mapAlertToDomain(model)
			return nil
		}
		model.Active = false
		model.Version++
		if err := tx.Save(&model).Error; err != nil {
			return err
		}
		result = mapAlertToDomain(model)
		changed = true
		return appendOutbox(tx, domain.ChangeDelete, result)
	})
	if err != nil {
		return nil, false, err
	}
	return &result, changed, nil
}

func (r *AlertRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	var model alertModel
	if err := r.db.WithContext(ctx).Where("id = ?", id.String()).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	alert := mapAlertToDomain(model)
	return &alert, nil
}

func (r *AlertRepository) FindActiveByKey(ctx context.Context, alertKey, userID string) (*domain.Alert, error) {
	var model alertModel
	err := r.db.WithContext(ctx).
		Where("alert_key = ? AND user_id = ? AND active = ?", alertKey, userID, true).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	alert := mapAlertToDomain(model)
	return &alert, nil
}

func (r *AlertRepository) FindActiveBySymbols(ctx context.Context, symbols []string) ([]domain.Alert, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	var models []alertModel
	if err := r.db.WithContext(ctx).
		Where("symbol IN ? AND active = ?", symbols, true).
		Order("created_at, id").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return r.mapAlertsToDomain(models), nil
}

// ListByUser returns every alert of a user, newest first.
func (r *AlertRepository) ListByUser(ctx context.Context, userID string) ([]domain.Alert, error) {
	var models []alertModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return r.mapAlertsToDomain(models), nil
}

// FindActivePage returns up to limit active alerts for symbols strictly after
// the (created_at, id) cursor. A zero cursor starts from the beginning.
func (r *AlertRepository) FindActivePage(ctx context.Context, symbols []string, after domain.PageCursor, limit int) ([]domain.Alert, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	query := r.db.WithContext(ctx).Where("symbol IN ? AND active = ?", symbols, true)
	if !after.CreatedAt.IsZero() {
		query = query.Where(
			"(created_at > ?) OR (created_at = ? AND id > ?)",
			after.CreatedAt, after.CreatedAt, after.ID.String(),
		)
	}
	var models []alertModel
	if err := query.Order("created_at, id").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	return r.mapAlertsToDomain(models), nil
}

func lockAlert(tx *gorm.DB, id uuid.UUID) (alertModel, error) {
	var model alertModel
	query := tx
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := query.Where("id = ?", id.String()).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return alertModel{}, domain.ErrNotFound
		}
		return alertModel{}, err
	}
	return model, nil
}

func appendOutbox(tx *gorm.DB, changeType domain.ChangeType, alert domain.Alert) error {
	payload, err := json.Marshal(domain.ChangeEvent{Type: changeType, Alert: alert})
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	row := outboxModel{
		ID:        uuid.NewString(),
		EventType: string(changeType),
		AlertID:   alert.ID.String(),
		Payload:   string(payload),
	}
	return tx.Create(&row).Error
}

func (r *AlertRepository) mapAlertsToDomain(models []alertModel) []domain.Alert {
	alerts := make([]domain.Alert, 0, len(models))
	for _, model := range models {
		if _, err := uuid.Parse(model.ID); err != nil {
			r.logger.Warn("skipping alert with malformed id", zap.String("alert_id", model.ID), zap.Error(err))
			continue
		}
		if _, err := decimal.NewFromString(model.Threshold); err != nil {
			r.logger.Warn("skipping alert with malformed threshold", zap.String("alert_id", model.ID), zap.Error(err))
			continue
		}
		alerts = append(alerts, mapAlertToDomain(model))
	}
	return alerts
}

func mapAlertToDomain(model alertModel) domain.Alert {
	id, _ := uuid.Parse(model.ID)
	threshold, _ := decimal.NewFromString(model.Threshold)
	return domain.Alert{
		ID:        id,
		AlertKey:  model.AlertKey,
		Symbol:    model.Symbol,
		UserID:    model.UserID,
		Threshold: threshold,
		Condition: domain.Condition(model.Condition),
		Active:    model.Active,
		Version:   model.Version,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
}

func mapAlertToModel(alert domain.Alert) alertModel {
	return alertModel{
		ID:        alert.ID.String(),
		AlertKey:  alert.AlertKey,
		Symbol:    alert.Symbol,
		UserID:    alert.UserID,
		Threshold: alert.Threshold.String(),
		Condition: string(alert.Condition),
		Active:    alert.Active,
		Version:   alert.Version,
		CreatedAt: alert.CreatedAt,
		UpdatedAt: alert.UpdatedAt,
	}
}

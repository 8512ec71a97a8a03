package usecase

import (
	"context"
	"errors"
	"strings"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidSymbol      = errors.New("invalid symbol")
	ErrInvalidThreshold   = errors.New("invalid threshold")
	ErrInvalidCondition   = errors.New("invalid condition")
	ErrInvalidUser        = errors.New("invalid user")
	ErrAlertAlreadyExists = errors.New("alert already exists")
	ErrAlertNotFound      = errors.New("alert not found")
	ErrAlertInactive      = errors.New("alert inactive")
)

type AlertUsecase struct {
	alerts  domain.AlertRepository
	symbols map[string]struct{}
	logger  *zap.Logger
}

func NewAlertUsecase(alerts domain.AlertRepository, symbols []string, logger *zap.Logger) *AlertUsecase {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		allowed[normalizeSymbol(symbol)] = struct{}{}
	}
	return &AlertUsecase{alerts: alerts, symbols: allowed, logger: logger}
}

func (u *AlertUsecase) CreateAlert(ctx context.Context, req domain.AlertRequest) (*domain.Alert, error) {
	symbol := normalizeSymbol(req.Symbol)
	if _, ok := u.symbols[symbol]; !ok {
		return nil, ErrInvalidSymbol
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if !req.Threshold.IsPositive() {
		return nil, ErrInvalidThreshold
	}
	condition, ok := domain.ParseCondition(string(req.Condition))
	if !ok {
		return nil, ErrInvalidCondition
	}

	alertKey := domain.BuildAlertKey(symbol, condition, req.Threshold)
	if _, err := u.alerts.FindActiveByKey(ctx, alertKey, userID); err == nil {
		return nil, ErrAlertAlreadyExists
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	alert := &domain.Alert{
		AlertKey:  alertKey,
		Symbol:    symbol,
		UserID:    userID,
		Threshold: req.Threshold,
		Condition: condition,
	}
	if err := u.alerts.Create(ctx, alert); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, ErrAlertAlreadyExists
		}
		return nil, err
	}

	u.logger.Info("alert created", zap.String("alert_id", alert.ID.String()), zap.String("alert_key", alert.AlertKey), zap.String("user_id", userID))
	return alert, nil
}

// UpdateAlert moves an active alert to a new threshold and condition.
func (u *AlertUsecase) UpdateAlert(ctx context.Context, id uuid.UUID, threshold decimal.Decimal, condition domain.Condition) (*domain.Alert, error) {
	if !threshold.IsPositive() {
		return nil, ErrInvalidThreshold
	}
	normalized, ok := domain.ParseCondition(string(condition))
	if !ok {
		return nil, ErrInvalidCondition
	}

	current, err := u.alerts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	if !current.Active {
		return nil, ErrAlertInactive
	}

	alertKey := domain.BuildAlertKey(current.Symbol, normalized, threshold)
	if existing, err := u.alerts.FindActiveByKey(ctx, alertKey, current.UserID); err == nil {
		if existing.ID != id {
			return nil, ErrAlertAlreadyExists
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	updated, err := u.alerts.UpdateThreshold(ctx, id, alertKey, threshold, normalized)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return nil, ErrAlertNotFound
		case errors.Is(err, domain.ErrInactive):
			return nil, ErrAlertInactive
		case errors.Is(err, domain.ErrAlreadyExists):
			return nil, ErrAlertAlreadyExists
		}
		return nil, err
	}

	u.logger.Info("alert updated", zap.String("alert_id", id.String()), zap.String("alert_key", alertKey), zap.Int64("version", updated.Version))
	return updated, nil
}

// DeactivateAlert is a no-op for an alert that is already inactive.
func (u *AlertUsecase) DeactivateAlert(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	alert, changed, err := u.alerts.Deactivate(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	if changed {
		u.logger.Info("alert deactivated", zap.String("alert_id", id.String()), zap.Int64("version", alert.Version))
	} else {
		u.logger.Debug("alert already inactive", zap.String("alert_id", id.String()))
	}
	return alert, nil
}

func (u *AlertUsecase) GetAlert(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	alert, err := u.alerts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	return alert, nil
}

func (u *AlertUsecase) ListAlerts(ctx context.Context, userID string) ([]domain.Alert, error) {
	return u.alerts.ListByUser(ctx, userID)
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type AlertDeactivator interface {
	DeactivateAlert(ctx context.Context, id uuid.UUID) (*domain.Alert, error)
}

// TriggerHandler records every triggered alert and then deactivates it, so an
// alert fires once and the deactivation reaches the shards through the
// outbox.
type TriggerHandler struct {
	history domain.TriggerHistoryRepository
	alerts  AlertDeactivator
	logger  *zap.Logger
}

func NewTriggerHandler(history domain.TriggerHistoryRepository, alerts AlertDeactivator, logger *zap.Logger) *TriggerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TriggerHandler{history: history, alerts: alerts, logger: logger}
}

func (h *TriggerHandler) Handle(ctx context.Context, msg domain.Message) error {
	var event domain.TriggeredAlertEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		h.logger.Warn("dropping undecodable trigger event", zap.Error(err))
		return nil
	}

	recordID, err := uuid.Parse(event.EventID)
	if err != nil {
		recordID = uuid.NewSHA1(triggerNamespace, []byte(event.EventID))
	}
	record := &domain.TriggerRecord{
		ID:             recordID,
		AlertID:        event.Alert.ID,
		UserID:         event.Alert.UserID,
		Symbol:         event.Alert.Symbol,
		TriggeredPrice: event.TriggeredPrice,
		TriggeredAt:    event.TriggeredAt,
		Alert:          event.Alert,
	}
	if err := h.history.Save(ctx, record); err != nil {
		return fmt.Errorf("save trigger history for %s: %w", event.Alert.ID, err)
	}

	if _, err := h.alerts.DeactivateAlert(ctx, event.Alert.ID); err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			h.logger.Warn("triggered alert not found in store", zap.String("alert_id", event.Alert.ID.String()))
			return nil
		}
		return fmt.Errorf("deactivate triggered alert %s: %w", event.Alert.ID, err)
	}
	return nil
}

func (h *TriggerHandler) ListHistory(ctx context.Context, userID string) ([]domain.TriggerRecord, error) {
	return h.history.ListByUser(ctx, userID)
}

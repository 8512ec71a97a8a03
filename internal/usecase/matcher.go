package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/NasaVasa/shardalerts/internal/index"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// triggerNamespace seeds deterministic event ids so a redelivered window
// yields the same event id for the same alert.
var triggerNamespace = uuid.MustParse("6f1f3c52-94a1-4d3e-9a55-2f7f0c1b8e11")

// Matcher evaluates price windows against a shard's index and publishes a
// triggered-alert event per hit. It never mutates the index.
type Matcher struct {
	publisher domain.Publisher
	now       func() time.Time
	logger    *zap.Logger
}

func NewMatcher(publisher domain.Publisher, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{publisher: publisher, now: time.Now, logger: logger}
}

func (m *Matcher) ProcessWindow(ctx context.Context, window domain.Window, shard *Shard) ([]domain.TriggeredAlertEvent, error) {
	if !shard.Owns(window.Symbol) {
		m.logger.Warn("window for symbol not owned by shard ignored",
			zap.String("shard", shard.Name),
			zap.String("symbol", window.Symbol),
		)
		return nil, nil
	}

	bucket, ok := shard.Index.Bucket(window.Symbol)
	if !ok {
		return nil, nil
	}

	var matches []index.Match
	matches = append(matches, bucket.MatchUpper(window.High)...)
	matches = append(matches, bucket.MatchLower(window.Low)...)
	matches = append(matches, bucket.MatchEquals(window.Low, window.High)...)
	if len(matches) == 0 {
		return nil, nil
	}

	triggeredAt := m.now().UTC()
	events := make([]domain.TriggeredAlertEvent, 0, len(matches))
	var errs []error
	for _, match := range matches {
		alert, ok := shard.Index.Summary(match.Summary.ID)
		if !ok || !alert.Active {
			m.logger.Warn("matched alert no longer indexed, skipping",
				zap.String("shard", shard.Name),
				zap.String("alert_id", match.Summary.ID.String()),
			)
			continue
		}

		event := domain.TriggeredAlertEvent{
			EventID:        triggerEventID(alert, window).String(),
			Alert:          alert,
			TriggeredAt:    triggeredAt,
			TriggeredPrice: match.Price,
			Window:         window,
			Message: fmt.Sprintf("%s %s %s triggered at %s",
				alert.Symbol, alert.Condition, alert.Threshold.String(), match.Price.String()),
		}
		data, err := json.Marshal(event)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode trigger for %s: %w", alert.ID, err))
			continue
		}
		if err := m.publisher.Publish(ctx, domain.SubjectTriggered, data); err != nil {
			errs = append(errs, fmt.Errorf("publish trigger for %s: %w", alert.ID, err))
			continue
		}

		m.logger.Info("alert triggered",
			zap.String("shard", shard.Name),
			zap.String("alert_id", alert.ID.String()),
			zap.String("alert_key", alert.AlertKey),
			zap.String("triggered_price", match.Price.String()),
		)
		events = append(events, event)
	}
	return events, errors.Join(errs...)
}

func triggerEventID(alert domain.Alert, window domain.Window) uuid.UUID {
	name := fmt.Sprintf("%s:%d:%d:%d", alert.ID, alert.Version, window.WindowStart, window.WindowEnd)
	return uuid.NewSHA1(triggerNamespace, []byte(name))
}

package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultRelayBatchSize = 100

var ErrRelayBusy = errors.New("relay already running")

// Relay drains the outbox onto the change subjects. Only one drain runs at a
// time.
type Relay struct {
	outbox    domain.OutboxRepository
	publisher domain.Publisher
	batchSize int
	now       func() time.Time
	logger    *zap.Logger

	running sync.Mutex
}

func NewRelay(outbox domain.OutboxRepository, publisher domain.Publisher, batchSize int, logger *zap.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = DefaultRelayBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		batchSize: batchSize,
		now:       time.Now,
		logger:    logger,
	}
}

// RunOnce publishes one batch in creation order and returns how many rows
// were marked processed. A publish failure stops the batch: rows published
// before it are marked, the failing row and everything after it stay
// unprocessed, and the publish error is returned.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if !r.running.TryLock() {
		return 0, ErrRelayBusy
	}
	defer r.running.Unlock()

	events, err := r.outbox.FetchUnprocessed(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch outbox: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := make([]uuid.UUID, 0, len(events))
	var publishErr error
	for _, event := range events {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			publishErr = fmt.Errorf("encode outbox event %s: %w", event.ID, err)
			break
		}
		if err := r.publisher.Publish(ctx, domain.ChangeSubject(event.Payload.Alert.Symbol), data); err != nil {
			publishErr = fmt.Errorf("publish outbox event %s: %w", event.ID, err)
			break
		}
		published = append(published, event.ID)
	}

	if len(published) > 0 {
		if err := r.outbox.MarkProcessed(ctx, published, r.now().UTC()); err != nil {
			return 0, errors.Join(publishErr, fmt.Errorf("mark outbox processed: %w", err))
		}
	}
	r.logger.Debug("outbox relayed", zap.Int("published", len(published)), zap.Int("fetched", len(events)))
	return len(published), publishErr
}

// Run ticks RunOnce until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				if errors.Is(err, ErrRelayBusy) || ctx.Err() != nil {
					continue
				}
				r.logger.Warn("outbox relay failed", zap.Error(err))
			}
		}
	}
}

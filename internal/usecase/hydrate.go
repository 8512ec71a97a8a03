package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"go.uber.org/zap"
)

// Hydrator fills empty shard stores from the authoritative store once at
// boot. Shards whose store already holds records are left to the propagation
// pipeline.
type Hydrator struct {
	alerts domain.ActiveAlertSource
	shards ShardLister
	logger *zap.Logger
}

func NewHydrator(alerts domain.ActiveAlertSource, shards ShardLister, logger *zap.Logger) *Hydrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hydrator{alerts: alerts, shards: shards, logger: logger}
}

func (h *Hydrator) Run(ctx context.Context) error {
	var errs []error
	for _, shard := range h.shards.Shards() {
		if err := h.hydrateShard(ctx, shard); err != nil {
			h.logger.Error("hydration failed", zap.String("shard", shard.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("shard %s: %w", shard.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hydrator) hydrateShard(ctx context.Context, shard *Shard) error {
	if len(shard.Symbols) == 0 {
		return nil
	}
	count, err := shard.Store.Count(ctx)
	if err != nil {
		return fmt.Errorf("count store: %w", err)
	}
	if count > 0 {
		h.logger.Info("shard store already populated, hydration skipped", zap.String("shard", shard.Name), zap.Int("records", count))
		return nil
	}

	alerts, err := h.alerts.FindActiveBySymbols(ctx, shard.Symbols)
	if err != nil {
		return fmt.Errorf("load active alerts: %w", err)
	}
	if err := shard.Store.SaveAll(ctx, alerts); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := shard.Index.Initialize(ctx, shard.Store); err != nil {
		return fmt.Errorf("reload index: %w", err)
	}
	h.logger.Info("shard hydrated", zap.String("shard", shard.Name), zap.Int("alerts", len(alerts)))
	return nil
}

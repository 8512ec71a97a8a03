package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"go.uber.org/zap"
)

type ShardLocator interface {
	ShardFor(symbol string) (*Shard, bool)
}

// Propagator applies change events to the owning shard's persistent store and
// then to its index. Both steps are idempotent so redelivery is safe.
type Propagator struct {
	shards ShardLocator
	logger *zap.Logger
}

func NewPropagator(shards ShardLocator, logger *zap.Logger) *Propagator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Propagator{shards: shards, logger: logger}
}

// Handle is the bus entry point. An error asks the bus to redeliver.
func (p *Propagator) Handle(ctx context.Context, msg domain.Message) error {
	var event domain.ChangeEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		p.logger.Warn("dropping undecodable change event", zap.String("subject", msg.Subject), zap.Error(err))
		return nil
	}
	return p.Apply(ctx, event)
}

func (p *Propagator) Apply(ctx context.Context, event domain.ChangeEvent) error {
	alert := event.Alert
	shard, ok := p.shards.ShardFor(alert.Symbol)
	if !ok {
		p.logger.Warn("no shard owns symbol, change dropped",
			zap.String("symbol", alert.Symbol),
			zap.String("alert_id", alert.ID.String()),
			zap.String("change_type", string(event.Type)),
		)
		return nil
	}

	switch event.Type {
	case domain.ChangeCreate, domain.ChangeUpdate:
		if err := shard.Store.Save(ctx, alert); err != nil {
			return fmt.Errorf("save alert %s in shard %s: %w", alert.ID, shard.Name, err)
		}
		shard.Index.AddOrUpdate(alert)
	case domain.ChangeDelete:
		if err := shard.Store.Delete(ctx, alert); err != nil {
			return fmt.Errorf("delete alert %s in shard %s: %w", alert.ID, shard.Name, err)
		}
		alert.Active = false
		shard.Index.AddOrUpdate(alert)
	default:
		p.logger.Warn("unknown change type dropped",
			zap.String("change_type", string(event.Type)),
			zap.String("alert_id", alert.ID.String()),
		)
		return nil
	}

	p.logger.Debug("change applied",
		zap.String("shard", shard.Name),
		zap.String("alert_id", alert.ID.String()),
		zap.String("change_type", string(event.Type)),
		zap.Int64("version", alert.Version),
	)
	return nil
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultReconcilePageSize = 500

type ActivePager interface {
	FindActivePage(ctx context.Context, symbols []string, after domain.PageCursor, limit int) ([]domain.Alert, error)
}

type ShardLister interface {
	Shards() []*Shard
}

type reconcileState struct {
	cursor    domain.PageCursor
	seen      map[uuid.UUID]struct{}
	startedAt time.Time
}

// Reconciler pages through the authoritative active alerts of each shard, one
// page per shard per Step. When a shard's cycle completes, active records in
// its persistent store that were never seen are deleted.
type Reconciler struct {
	alerts   ActivePager
	shards   ShardLister
	pageSize int
	now      func() time.Time
	logger   *zap.Logger

	mu     sync.Mutex
	states map[string]*reconcileState
}

func NewReconciler(alerts ActivePager, shards ShardLister, pageSize int, logger *zap.Logger) *Reconciler {
	if pageSize <= 0 {
		pageSize = DefaultReconcilePageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		alerts:   alerts,
		shards:   shards,
		pageSize: pageSize,
		now:      time.Now,
		logger:   logger,
		states:   make(map[string]*reconcileState),
	}
}

// Step advances every shard by one page. A failing shard keeps its state and
// does not stop the others.
func (r *Reconciler) Step(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, shard := range r.shards.Shards() {
		if err := r.stepShard(ctx, shard); err != nil {
			r.logger.Warn("reconcile step failed", zap.String("shard", shard.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("shard %s: %w", shard.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) stepShard(ctx context.Context, shard *Shard) error {
	if len(shard.Symbols) == 0 {
		return nil
	}

	state, ok := r.states[shard.Name]
	if !ok {
		state = &reconcileState{seen: make(map[uuid.UUID]struct{}), startedAt: r.now().UTC()}
		r.states[shard.Name] = state
	}

	page, err := r.alerts.FindActivePage(ctx, shard.Symbols, state.cursor, r.pageSize)
	if err != nil {
		return fmt.Errorf("fetch active page: %w", err)
	}
	for _, alert := range page {
		state.seen[alert.ID] = struct{}{}
	}
	if len(page) > 0 {
		last := page[len(page)-1]
		state.cursor = domain.PageCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	if len(page) == r.pageSize {
		return nil
	}

	removed, err := r.sweep(ctx, shard, state)
	if err != nil {
		return err
	}
	delete(r.states, shard.Name)
	r.logger.Info("reconcile cycle complete",
		zap.String("shard", shard.Name),
		zap.Int("active", len(state.seen)),
		zap.Int("removed", removed),
	)
	return nil
}

// sweep deletes active store records missing from the accumulated set and
// leaves an inactive copy in the index so a late create cannot revive them.
// Records written after the cycle began are left for the next cycle since
// they may postdate the pages already read.
func (r *Reconciler) sweep(ctx context.Context, shard *Shard, state *reconcileState) (int, error) {
	records, err := shard.Store.ScanAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan store: %w", err)
	}

	removed := 0
	for _, record := range records {
		if !record.Active {
			continue
		}
		if _, ok := state.seen[record.ID]; ok {
			continue
		}
		if record.UpdatedAt.After(state.startedAt) {
			continue
		}
		if err := shard.Store.Delete(ctx, record); err != nil {
			return removed, fmt.Errorf("delete stale alert %s: %w", record.ID, err)
		}
		// The row is gone or inactive upstream, both of which carry a later
		// version than the copy held here.
		tombstone := record
		tombstone.Active = false
		tombstone.Version++
		shard.Index.AddOrUpdate(tombstone)
		removed++
		r.logger.Info("stale alert removed from shard",
			zap.String("shard", shard.Name),
			zap.String("alert_id", record.ID.String()),
			zap.String("alert_key", record.AlertKey),
		)
	}
	return removed, nil
}

// Run steps on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// failures are logged per shard inside Step
			_ = r.Step(ctx)
		}
	}
}

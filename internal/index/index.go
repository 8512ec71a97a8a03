package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertIndex is the in-memory tier of one shard.
//
// Lock order is alertsMu, then bucketsMu, then a bucket's own lock. Readers
// never hold more than one of them at a time.
type AlertIndex struct {
	symbols []string
	logger  *zap.Logger

	alertsMu sync.RWMutex
	byID     map[uuid.UUID]domain.Alert
	byKey    map[string]uuid.UUID

	bucketsMu sync.RWMutex
	buckets   map[string]*Bucket
}

func New(symbols []string, logger *zap.Logger) *AlertIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertIndex{
		symbols: append([]string(nil), symbols...),
		logger:  logger,
		byID:    make(map[uuid.UUID]domain.Alert),
		byKey:   make(map[string]uuid.UUID),
		buckets: make(map[string]*Bucket),
	}
}

// Initialize drops the current contents and reloads the active alerts for
// the index symbols from source.
func (x *AlertIndex) Initialize(ctx context.Context, source domain.ActiveAlertSource) error {
	var alerts []domain.Alert
	if len(x.symbols) > 0 {
		loaded, err := source.FindActiveBySymbols(ctx, x.symbols)
		if err != nil {
			return fmt.Errorf("load active alerts: %w", err)
		}
		alerts = loaded
	}

	x.alertsMu.Lock()
	defer x.alertsMu.Unlock()

	x.byID = make(map[uuid.UUID]domain.Alert, len(alerts))
	x.byKey = make(map[string]uuid.UUID, len(alerts))
	x.bucketsMu.Lock()
	x.buckets = make(map[string]*Bucket)
	x.bucketsMu.Unlock()

	for _, alert := range alerts {
		x.addOrUpdateLocked(alert)
	}
	x.logger.Info("alert index initialized", zap.Int("alerts", len(alerts)), zap.Int("symbols", len(x.symbols)))
	return nil
}

// AddOrUpdate applies the alert snapshot. It is idempotent and reports
// whether the snapshot was applied; stale versions and business-key
// conflicts are skipped.
func (x *AlertIndex) AddOrUpdate(alert domain.Alert) bool {
	x.alertsMu.Lock()
	defer x.alertsMu.Unlock()
	return x.addOrUpdateLocked(alert)
}

func (x *AlertIndex) addOrUpdateLocked(alert domain.Alert) bool {
	prev, exists := x.byID[alert.ID]
	if exists && alert.Version < prev.Version {
		x.logger.Debug("stale alert snapshot skipped",
			zap.String("alert_id", alert.ID.String()),
			zap.Int64("version", alert.Version),
			zap.Int64("current_version", prev.Version),
		)
		return false
	}

	businessKey := alert.BusinessKey()
	if alert.Active {
		if owner, ok := x.byKey[businessKey]; ok && owner != alert.ID {
			if current, ok := x.byID[owner]; ok && current.Active {
				x.logger.Warn("duplicate business key skipped",
					zap.String("business_key", businessKey),
					zap.String("alert_id", alert.ID.String()),
					zap.String("owner_id", owner.String()),
				)
				return false
			}
		}
	}

	if exists {
		x.unindexLocked(prev)
	}

	x.byID[alert.ID] = alert
	if !alert.Active {
		return true
	}
	x.byKey[businessKey] = alert.ID
	x.bucketFor(alert.Symbol, true).insert(alert.Summary())
	return true
}

// Remove forgets the alert entirely.
func (x *AlertIndex) Remove(id uuid.UUID) bool {
	x.alertsMu.Lock()
	defer x.alertsMu.Unlock()

	prev, ok := x.byID[id]
	if !ok {
		return false
	}
	x.unindexLocked(prev)
	delete(x.byID, id)
	return true
}

func (x *AlertIndex) unindexLocked(prev domain.Alert) {
	businessKey := prev.BusinessKey()
	if owner, ok := x.byKey[businessKey]; ok && owner == prev.ID {
		delete(x.byKey, businessKey)
	}
	if !prev.Active {
		return
	}
	if bucket := x.bucketFor(prev.Symbol, false); bucket != nil {
		bucket.remove(prev.ID, prev.Condition, prev.Threshold)
	}
}

func (x *AlertIndex) bucketFor(symbol string, create bool) *Bucket {
	x.bucketsMu.RLock()
	bucket, ok := x.buckets[symbol]
	x.bucketsMu.RUnlock()
	if ok || !create {
		return bucket
	}

	x.bucketsMu.Lock()
	defer x.bucketsMu.Unlock()
	if bucket, ok = x.buckets[symbol]; ok {
		return bucket
	}
	bucket = newBucket()
	x.buckets[symbol] = bucket
	return bucket
}

func (x *AlertIndex) Bucket(symbol string) (*Bucket, bool) {
	bucket := x.bucketFor(symbol, false)
	return bucket, bucket != nil
}

// Summary returns the full alert retained for id, active or not.
func (x *AlertIndex) Summary(id uuid.UUID) (domain.Alert, bool) {
	x.alertsMu.RLock()
	defer x.alertsMu.RUnlock()
	alert, ok := x.byID[id]
	return alert, ok
}

func (x *AlertIndex) ListActive() []domain.Alert {
	x.alertsMu.RLock()
	defer x.alertsMu.RUnlock()

	alerts := make([]domain.Alert, 0, len(x.byID))
	for _, alert := range x.byID {
		if alert.Active {
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

func (x *AlertIndex) Symbols() []string {
	return append([]string(nil), x.symbols...)
}

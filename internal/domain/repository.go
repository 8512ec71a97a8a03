package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInactive      = errors.New("inactive")
)

// ActiveAlertSource loads the active alerts for a set of symbols. Both the
// authoritative store and the per-shard store implement it.
type ActiveAlertSource interface {
	FindActiveBySymbols(ctx context.Context, symbols []string) ([]Alert, error)
}

// PageCursor is a keyset position over (created_at, id).
type PageCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// AlertRepository is the authoritative store. Every mutating call writes the
// matching outbox row inside the same transaction.
type AlertRepository interface {
	ActiveAlertSource
	Create(ctx context.Context, alert *Alert) error
	UpdateThreshold(ctx context.Context, id uuid.UUID, alertKey string, threshold decimal.Decimal, condition Condition) (*Alert, error)
	Deactivate(ctx context.Context, id uuid.UUID) (*Alert, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Alert, error)
	FindActiveByKey(ctx context.Context, alertKey, userID string) (*Alert, error)
	FindActivePage(ctx context.Context, symbols []string, after PageCursor, limit int) ([]Alert, error)
	ListByUser(ctx context.Context, userID string) ([]Alert, error)
}

type OutboxRepository interface {
	FetchUnprocessed(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkProcessed(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

type TriggerHistoryRepository interface {
	Save(ctx context.Context, record *TriggerRecord) error
	ListByUser(ctx context.Context, userID string) ([]TriggerRecord, error)
}

// ShardStore is the local persistent tier of one shard.
type ShardStore interface {
	ActiveAlertSource
	Save(ctx context.Context, alert Alert) error
	SaveAll(ctx context.Context, alerts []Alert) error
	Delete(ctx context.Context, alert Alert) error
	Get(ctx context.Context, id uuid.UUID) (*Alert, error)
	ScanAll(ctx context.Context) ([]Alert, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// ShardAssigner maps items onto shard names.
type ShardAssigner interface {
	Assign(items []string, shards []string) map[string][]string
}

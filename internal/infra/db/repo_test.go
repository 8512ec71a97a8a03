package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := openDialector(sqlite.Open(filepath.Join(t.TempDir(), "alerts.db")), zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { Close(db) })
	return db
}

func newTestAlert(symbol, user string, cond domain.Condition, threshold string) *domain.Alert {
	th := decimal.RequireFromString(threshold)
	return &domain.Alert{
		AlertKey:  domain.BuildAlertKey(symbol, cond, th),
		Symbol:    symbol,
		UserID:    user,
		Threshold: th,
		Condition: cond,
	}
}

func eventOfType(t *testing.T, events []domain.OutboxEvent, changeType domain.ChangeType) domain.OutboxEvent {
	t.Helper()
	for _, event := range events {
		if event.Payload.Type == changeType {
			return event
		}
	}
	require.Failf(t, "missing outbox event", "no %s event in %d rows", changeType, len(events))
	return domain.OutboxEvent{}
}

func TestAlertRepository_CreateWritesOutbox(t *testing.T) {
	db := openTestDB(t)
	repo := NewAlertRepository(db, nil)
	outbox := NewOutboxRepository(db, nil)
	ctx := context.Background()

	alert := newTestAlert("AAPL", "u1", domain.ConditionGTE, "150.5")
	require.NoError(t, repo.Create(ctx, alert))

	assert.NotEqual(t, uuid.Nil, alert.ID)
	assert.True(t, alert.Active)
	assert.Equal(t, int64(1), alert.Version)
	assert.False(t, alert.CreatedAt.IsZero())

	events, err := outbox.FetchUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.ChangeCreate, events[0].Payload.Type)
	assert.Equal(t, alert.ID, events[0].Payload.Alert.ID)
	assert.True(t, events[0].Payload.Alert.Threshold.Equal(decimal.RequireFromString("150.5")))
}

func TestAlertRepository_DuplicateActiveKey(t *testing.T) {
	db := openTestDB(t)
	repo := NewAlertRepository(db, nil)
	ctx := context.Background()

	first := newTestAlert("AAPL", "u1", domain.ConditionGTE, "100")
	require.NoError(t, repo.Create(ctx, first))

	dup := newTestAlert("AAPL", "u1", domain.ConditionGTE, "100")
	assert.ErrorIs(t, repo.Create(ctx, dup), domain.ErrAlreadyExists)

	otherUser := newTestAlert("AAPL", "u2", domain.ConditionGTE, "100")
	assert.NoError(t, repo.Create(ctx, otherUser))

	_, changed, err := repo.Deactivate(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, changed)

	again := newTestAlert("AAPL", "u1", domain.ConditionGTE, "100")
	assert.NoError(t, repo.Create(ctx, again), "the key is free once the old alert is inactive")
}

func TestAlertRepository_UpdateThreshold(t *testing.T) {
	db := openTestDB(t)
	repo := NewAlertRepository(db, nil)
	outbox := NewOutboxRepository(db, nil)
	ctx := context.Background()

	alert := newTestAlert("AAPL", "u1", domain.ConditionGTE, "100")
	require.NoError(t, repo.Create(ctx, alert))

	th := decimal.NewFromInt(120)
	updated, err := repo.UpdateThreshold(ctx, alert.ID, domain.BuildAlertKey("AAPL", domain.ConditionLT, th), th, domain.ConditionLT)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, domain.ConditionLT, updated.Condition)
	assert.True(t, updated.Threshold.Equal(th))

	events, err := outbox.FetchUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), eventOfType(t, events, domain.ChangeUpdate).Payload.Alert.Version)

	_, err = repo.UpdateThreshold(ctx, uuid.New(), "x", th, domain.ConditionLT)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = repo.Deactivate(ctx, alert.ID)
	require.NoError(t, err)
	_, err = repo.UpdateThreshold(ctx, alert.ID, "x", th, domain.ConditionLT)
	assert.ErrorIs(t, err, domain.ErrInactive)
}

func TestAlertRepository_DeactivateIsNoOpWhenInactive(t *testing.T) {
	db := openTestDB(t)
	repo := NewAlertRepository(db, nil)
	outbox := NewOutboxRepository(db, nil)
	ctx := context.Background()

	alert := newTestAlert("MSFT", "u1", domain.ConditionEQ, "300")
	require.NoError(t, repo.Create(ctx, alert))

	first, changed, err := repo.Deactivate(ctx, alert.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, first.Active)
	assert.Equal(t, int64(2), first.Version)

	second, changed, err := repo.Deactivate(ctx, alert.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(2), second.Version)

	events, err := outbox.FetchUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.False(t, eventOfType(t, events, domain.ChangeDelete).Payload.Alert.Active)

	_, _, err = repo.Deactivate(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAlertRepository_FindActivePageWalksAllRows(t *testing.T) {
	db := openTestDB(t)
	repo := NewAlertRepository(db, nil)
	ctx := context.Background()

	want := make(map[uuid.UUID]bool)
	for i := 0; i < 7; i++ {
		alert := newTestAlert("AAPL", "u1", domain.ConditionGT, decimal.NewFromInt(int64(100+i)).String())
		require.NoError(t, repo.Create(ctx, alert))
		want[alert.ID] = true
	}
	inactive := newTestAlert("AAPL", "u1", domain.ConditionGT, "1")
	require.NoError(t, repo.Create(ctx, inactive))
	_, _, err := repo.Deactivate(ctx, inactive.ID)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, newTestAlert("TSLA", "u1", domain.ConditionGT, "5")))

	seen := make(map[uuid.UUID]bool)
	var cursor domain.PageCursor
	pages := 0
	for {
		page, err := repo.FindActivePage(ctx, []string{"AAPL"}, cursor, 3)
		require.NoError(t, err)
		pages++
		for _, alert := range page {
			assert.False(t, seen[alert.ID], "alert returned twice")
			seen[alert.ID] = true
		}
		if len(page) < 3 {
			break
		}
		last := page[len(page)-1]
		cursor = domain.PageCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	assert.Equal(t, want, seen)
	assert.Equal(t, 3, pages)
}

func TestAlertRepository_FindActiveBySymbols(t *testing.T) {
	db := openTestDB(t)
	repo := NewAlertRepository(db, nil)
	ctx := context.Background()

	aapl := newTestAlert("AAPL", "u1", domain.ConditionGT, "1")
	msft := newTestAlert("MSFT", "u1", domain.ConditionGT, "1")
	tsla := newTestAlert("TSLA", "u1", domain.ConditionGT, "1")
	for _, a := range []*domain.Alert{aapl, msft, tsla} {
		require.NoError(t, repo.Create(ctx, a))
	}

	got, err := repo.FindActiveBySymbols(ctx, []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = repo.FindActiveBySymbols(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	found, err := repo.FindActiveByKey(ctx, tsla.AlertKey, "u1")
	require.NoError(t, err)
	assert.Equal(t, tsla.ID, found.ID)
	_, err = repo.FindActiveByKey(ctx, tsla.AlertKey, "u2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAlertRepository_ListByUser(t *testing.T) {
	db := openTestDB(t)
	repo := NewAlertRepository(db, nil)
	ctx := context.Background()

	mine := newTestAlert("AAPL", "u1", domain.ConditionGT, "1")
	retired := newTestAlert("MSFT", "u1", domain.ConditionLT, "2")
	theirs := newTestAlert("AAPL", "u2", domain.ConditionGT, "1")
	for _, a := range []*domain.Alert{mine, retired, theirs} {
		require.NoError(t, repo.Create(ctx, a))
	}
	_, _, err := repo.Deactivate(ctx, retired.ID)
	require.NoError(t, err)

	got, err := repo.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	ids := []uuid.UUID{got[0].ID, got[1].ID}
	assert.ElementsMatch(t, []uuid.UUID{mine.ID, retired.ID}, ids)

	got, err = repo.ListByUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOutboxRepository_MarkProcessed(t *testing.T) {
	db := openTestDB(t)
	repo := NewAlertRepository(db, nil)
	outbox := NewOutboxRepository(db, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, newTestAlert("AAPL", "u1", domain.ConditionGT, decimal.NewFromInt(int64(i+1)).String())))
	}

	batch, err := outbox.FetchUnprocessed(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.False(t, batch[1].CreatedAt.Before(batch[0].CreatedAt))

	require.NoError(t, outbox.MarkProcessed(ctx, []uuid.UUID{batch[0].ID, batch[1].ID}, time.Now()))

	rest, err := outbox.FetchUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.NotEqual(t, batch[0].ID, rest[0].ID)
	assert.NotEqual(t, batch[1].ID, rest[0].ID)
}

func TestTriggerHistoryRepository_SaveIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	history := NewTriggerHistoryRepository(db)
	ctx := context.Background()

	alert := newTestAlert("AAPL", "u1", domain.ConditionGTE, "50")
	alert.ID = uuid.New()
	record := &domain.TriggerRecord{
		ID:             uuid.New(),
		AlertID:        alert.ID,
		UserID:         "u1",
		Symbol:         "AAPL",
		TriggeredPrice: decimal.RequireFromString("51"),
		TriggeredAt:    time.Now(),
		Alert:          *alert,
	}
	require.NoError(t, history.Save(ctx, record))
	dup := *record
	require.NoError(t, history.Save(ctx, &dup))

	records, err := history.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, alert.ID, records[0].AlertID)
	assert.True(t, records[0].TriggeredPrice.Equal(decimal.RequireFromString("51")))
	assert.Equal(t, alert.AlertKey, records[0].Alert.AlertKey)

	none, err := history.ListByUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

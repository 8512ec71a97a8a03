package usecase

import (
	"context"
	"testing"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHydrator_FillsEmptyStore(t *testing.T) {
	repo := newFakeRepo()
	a := makeAlert("AAPL", "u1", domain.ConditionGT, "100")
	b := makeAlert("MSFT", "u1", domain.ConditionLT, "50")
	other := makeAlert("TSLA", "u1", domain.ConditionLT, "50")
	repo.put(a)
	repo.put(b)
	repo.put(other)

	store := newMemStore()
	shard := NewShard("shard-1", []string{"AAPL", "MSFT"}, 1, store, nil)

	require.NoError(t, NewHydrator(repo, staticShards{shard}, nil).Run(context.Background()))

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.False(t, store.has(other.ID))
	assert.Len(t, shard.Index.ListActive(), 2)
}

func TestHydrator_SkipsPopulatedStore(t *testing.T) {
	repo := newFakeRepo()
	repo.put(makeAlert("AAPL", "u1", domain.ConditionGT, "100"))

	existing := makeAlert("AAPL", "u2", domain.ConditionGT, "90")
	store := newMemStore(existing)
	shard := NewShard("shard-1", []string{"AAPL"}, 1, store, nil)

	require.NoError(t, NewHydrator(repo, staticShards{shard}, nil).Run(context.Background()))

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, store.has(existing.ID))
}

func TestHydrator_ShardWithoutSymbols(t *testing.T) {
	store := newMemStore()
	shard := NewShard("shard-9", nil, 1, store, nil)

	require.NoError(t, NewHydrator(newFakeRepo(), staticShards{shard}, nil).Run(context.Background()))
	count, _ := store.Count(context.Background())
	assert.Zero(t, count)
}

func TestHydrator_HydratedAlertTriggersOnce(t *testing.T) {
	repo := newFakeRepo()
	alert := makeAlert("AAPL", "u1", domain.ConditionGTE, "100")
	repo.put(alert)

	shard := NewShard("shard-1", []string{"AAPL"}, 1, newMemStore(), nil)
	require.NoError(t, NewHydrator(repo, staticShards{shard}, nil).Run(context.Background()))

	pub := &fakePublisher{}
	events, err := NewMatcher(pub, nil).ProcessWindow(context.Background(), window("AAPL", "95", "101"), shard)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, alert.ID, events[0].Alert.ID)
	assert.Len(t, pub.messages(), 1)
}

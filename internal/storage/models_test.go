package storage

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-reconciler/internal/model"
)

func TestUnconfiguredStoreReturnsErrNotConfigured(t *testing.T) {
	var s *Store
	ctx := context.Background()

	_, err := s.GetSyncState(ctx, "x")
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, s.UpsertSyncState(ctx, model.SyncState{InstanceID: "x"}), ErrNotConfigured)
	_, err = s.InsertVote(ctx, model.VoteEvent{})
	require.ErrorIs(t, err, ErrNotConfigured)
	_, _, err = s.TryAdvisoryLock(ctx, 1)
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, NewStore(nil).Migrate(ctx), ErrNotConfigured)
	require.NoError(t, s.InsertRawEvents(ctx, nil))
}

func TestPositionConversions(t *testing.T) {
	assert.Equal(t, uint64(0), toUint64(-5))
	assert.Equal(t, uint64(42), toUint64(42))
	assert.Equal(t, int64(math.MaxInt64), toInt64(math.MaxInt64))
}

func TestNullableTime(t *testing.T) {
	assert.Nil(t, nullableTime(nil))
	zero := time.Time{}
	assert.Nil(t, nullableTime(&zero))
	now := time.Now()
	assert.Equal(t, now, nullableTime(&now))
}

func TestParseDecimal(t *testing.T) {
	d, err := parseDecimal("price", "100.125")
	require.NoError(t, err)
	assert.Equal(t, "100.125", d.String())

	_, err = parseDecimal("price", "nope")
	require.Error(t, err)
}

func TestSchemaCoversTables(t *testing.T) {
	for _, table := range []string{"sync_states", "votes", "disputes", "alerts", "comparisons", "price_observations"} {
		assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS "+table)
	}
}

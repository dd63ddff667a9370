package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/domain"
	"tradeguard/internal/storage"
	"tradeguard/internal/storage/postgres"
)

func TestExecutionStore_ScaleOutIdempotency(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	trades := postgres.NewTradeStore(pool)
	execs := postgres.NewExecutionStore(pool)

	require.NoError(t, trades.Insert(ctx, createTestTrade("trade-001")))

	e := &domain.ExecutionRecord{
		TradeID:   "trade-001",
		ExecType:  domain.ExecScaleOut,
		RMultiple: 1.0,
		Qty:       1,
		Price:     105,
		Timestamp: time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC),
	}

	require.NoError(t, execs.Insert(ctx, e))

	// Replaying the same milestone is rejected by the partial unique index.
	err := execs.Insert(ctx, e)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	// A different milestone inserts fine.
	e2 := *e
	e2.RMultiple = 2.0
	assert.NoError(t, execs.Insert(ctx, &e2))

	exists, err := execs.ExistsScaleOut(ctx, "trade-001", 1.0)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = execs.ExistsScaleOut(ctx, "trade-001", 1.5)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExecutionStore_EntryExitUniqueTrailingRepeats(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	trades := postgres.NewTradeStore(pool)
	execs := postgres.NewExecutionStore(pool)

	require.NoError(t, trades.Insert(ctx, createTestTrade("trade-001")))

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	entry := &domain.ExecutionRecord{TradeID: "trade-001", ExecType: domain.ExecEntry, Qty: 2, Price: 100, Timestamp: base}
	require.NoError(t, execs.Insert(ctx, entry))
	assert.ErrorIs(t, execs.Insert(ctx, entry), storage.ErrDuplicateKey)

	for i := 0; i < 3; i++ {
		tr := &domain.ExecutionRecord{
			TradeID:   "trade-001",
			ExecType:  domain.ExecTrailingUpdate,
			Price:     101 + float64(i),
			Timestamp: base.Add(time.Duration(i+1) * time.Minute),
		}
		require.NoError(t, execs.Insert(ctx, tr))
	}

	exit := &domain.ExecutionRecord{TradeID: "trade-001", ExecType: domain.ExecExit, Qty: 2, Price: 108, Timestamp: base.Add(time.Hour)}
	require.NoError(t, execs.Insert(ctx, exit))
	assert.ErrorIs(t, execs.Insert(ctx, exit), storage.ErrDuplicateKey)

	all, err := execs.GetByTradeID(ctx, "trade-001")
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, domain.ExecEntry, all[0].ExecType)
	assert.Equal(t, domain.ExecExit, all[4].ExecType)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Timestamp.Before(all[i-1].Timestamp), "rows out of order at %d", i)
	}
}

func TestExecutionStore_ForeignKeyRequiresTrade(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	execs := postgres.NewExecutionStore(pool)

	err := execs.Insert(ctx, &domain.ExecutionRecord{
		TradeID:   "orphan",
		ExecType:  domain.ExecEntry,
		Qty:       1,
		Price:     100,
		Timestamp: time.Now().UTC(),
	})
	assert.Error(t, err)
}

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

func createTestTrade(tradeID string) *domain.TradeRecord {
	return &domain.TradeRecord{
		TradeID:       tradeID,
		Symbol:        "BTCUSDT",
		Side:          domain.SideLong,
		StrategyID:    "breakout_v2",
		EntryPrice:    100,
		PositionSize:  2,
		RemainingSize: 2,
		StopLoss:      95,
		TakeProfit:    110,
		RiskDistance:  5,
		OpenedAt:      time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestTradeStore_InsertAndGetByID(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := postgres.NewTradeStore(pool)

	trade := createTestTrade("trade-001")
	require.NoError(t, store.Insert(ctx, trade))

	got, err := store.GetByID(ctx, "trade-001")
	require.NoError(t, err)

	assert.Equal(t, trade.TradeID, got.TradeID)
	assert.Equal(t, trade.Symbol, got.Symbol)
	assert.Equal(t, trade.Side, got.Side)
	assert.InDelta(t, trade.EntryPrice, got.EntryPrice, 1e-9)
	assert.InDelta(t, trade.RemainingSize, got.RemainingSize, 1e-9)
	assert.Empty(t, got.ScaledOut)
	assert.Nil(t, got.ClosedAt)
	assert.True(t, trade.OpenedAt.Equal(got.OpenedAt))
}

func TestTradeStore_DuplicateKey(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := postgres.NewTradeStore(pool)

	require.NoError(t, store.Insert(ctx, createTestTrade("trade-001")))
	err := store.Insert(ctx, createTestTrade("trade-001"))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestTradeStore_GetByIDNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := postgres.NewTradeStore(pool).GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTradeStore_ScaleOutRoundTrip(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := postgres.NewTradeStore(pool)

	require.NoError(t, store.Insert(ctx, createTestTrade("trade-001")))

	fills := []domain.ScaleOutFill{
		{RMultiple: 1.0, Qty: 1, Price: 105, FilledAt: time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC)},
	}
	require.NoError(t, store.UpdateScaleOut(ctx, "trade-001", fills, 1))

	got, err := store.GetByID(ctx, "trade-001")
	require.NoError(t, err)
	require.Len(t, got.ScaledOut, 1)
	assert.InDelta(t, 1.0, got.ScaledOut[0].RMultiple, 1e-9)
	assert.InDelta(t, 1.0, got.ScaledOut[0].Qty, 1e-9)
	assert.InDelta(t, 105.0, got.ScaledOut[0].Price, 1e-9)
	assert.InDelta(t, 1.0, got.RemainingSize, 1e-9)
}

func TestTradeStore_UpdateProtection(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := postgres.NewTradeStore(pool)

	require.NoError(t, store.Insert(ctx, createTestTrade("trade-001")))
	require.NoError(t, store.UpdateProtection(ctx, "trade-001", 101, 110, true, 101))

	got, err := store.GetByID(ctx, "trade-001")
	require.NoError(t, err)
	assert.InDelta(t, 101.0, got.StopLoss, 1e-9)
	assert.True(t, got.TrailActive)
	assert.InDelta(t, 101.0, got.TrailStop, 1e-9)

	err = store.UpdateProtection(ctx, "missing", 1, 2, false, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTradeStore_FinalizeAndClosedQueries(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := postgres.NewTradeStore(pool)

	require.NoError(t, store.Insert(ctx, createTestTrade("trade-001")))
	require.NoError(t, store.Insert(ctx, createTestTrade("trade-002")))

	open, err := store.GetOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	closedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	final := createTestTrade("trade-001")
	final.ExitPrice = ptr(108.0)
	final.GrossPnLPct = ptr(8.0)
	final.NetPnLPct = ptr(7.8)
	final.CommissionPaid = 0.2
	final.RemainingSize = 0
	final.ExitReason = domain.ExitReasonTakeProfit
	final.ClosedAt = &closedAt
	require.NoError(t, store.Finalize(ctx, final))

	open, err = store.GetOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "trade-002", open[0].TradeID)

	closed, err := store.GetClosedSince(ctx, closedAt.Add(-time.Minute).UnixMilli())
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "trade-001", closed[0].TradeID)
	require.NotNil(t, closed[0].NetPnLPct)
	assert.InDelta(t, 7.8, *closed[0].NetPnLPct, 1e-9)
	assert.Equal(t, domain.ExitReasonTakeProfit, closed[0].ExitReason)

	// Re-finalizing a closed trade fails.
	err = store.Finalize(ctx, final)
	assert.ErrorIs(t, err, storage.ErrTradeClosed)
}

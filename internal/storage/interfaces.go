package storage

import (
	"context"

	"tradeguard/internal/domain"
)

// TradeStore provides access to the trades ledger. One mutable row per
// position; the execution rows carry the append-only audit trail.
type TradeStore interface {
	// Insert adds a new trade. Returns ErrDuplicateKey if trade_id exists.
	Insert(ctx context.Context, t *domain.TradeRecord) error

	// GetByID retrieves a trade by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, tradeID string) (*domain.TradeRecord, error)

	// GetOpen retrieves all trades that have not been finalized, ordered by
	// opened_at ASC. Used to reconstruct in-memory positions on restart.
	GetOpen(ctx context.Context) ([]*domain.TradeRecord, error)

	// GetClosedSince retrieves finalized trades closed at or after the given
	// unix-milli timestamp, ordered by closed_at ASC.
	GetClosedSince(ctx context.Context, sinceMs int64) ([]*domain.TradeRecord, error)

	// UpdateProtection persists a new stop/take-profit pair (and trailing
	// state) for an open trade. Returns ErrTradeClosed for finalized trades.
	UpdateProtection(ctx context.Context, tradeID string, stopLoss, takeProfit float64, trailActive bool, trailStop float64) error

	// UpdateScaleOut persists the scaled-out snapshot and new remaining size
	// for an open trade. Returns ErrTradeClosed for finalized trades.
	UpdateScaleOut(ctx context.Context, tradeID string, scaledOut []domain.ScaleOutFill, remainingSize float64) error

	// Finalize closes a trade, recording exit price, PnL and costs. Returns
	// ErrTradeClosed if already finalized.
	Finalize(ctx context.Context, t *domain.TradeRecord) error
}

// ExecutionStore provides access to the append-only executions audit table.
// (trade_id, r_multiple) uniqueness among scale-out rows and (trade_id,
// exec_type) uniqueness for entry/exit rows make replays idempotent:
// re-inserting an equivalent row returns ErrDuplicateKey. Trailing-update
// rows may repeat.
type ExecutionStore interface {
	// Insert appends an execution row. Returns ErrDuplicateKey when an
	// equivalent row already exists.
	Insert(ctx context.Context, e *domain.ExecutionRecord) error

	// GetByTradeID retrieves all executions for a trade, ordered by
	// timestamp ASC.
	GetByTradeID(ctx context.Context, tradeID string) ([]*domain.ExecutionRecord, error)

	// ExistsScaleOut reports whether a scale-out at the given R milestone was
	// already recorded for the trade.
	ExistsScaleOut(ctx context.Context, tradeID string, rMultiple float64) (bool, error)
}

// AggregateStore is the analytics sink for per-strategy edge aggregates.
type AggregateStore interface {
	// InsertBatch appends aggregate rows. Duplicate (strategy_id,
	// computed_at_ms) rows fail the batch with ErrDuplicateKey.
	InsertBatch(ctx context.Context, aggs []*domain.StrategyAggregate) error
}

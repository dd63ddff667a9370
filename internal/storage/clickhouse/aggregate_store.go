package clickhouse

import (
	"context"
	"fmt"

	"tradeguard/internal/domain"
	"tradeguard/internal/storage"
)

// AggregateStore implements storage.AggregateStore using ClickHouse. The
// edge-health flusher appends one row per strategy per flush; offline review
// queries the table directly.
type AggregateStore struct {
	conn *Conn
}

// NewAggregateStore creates a new AggregateStore.
func NewAggregateStore(conn *Conn) *AggregateStore {
	return &AggregateStore{conn: conn}
}

// Compile-time interface check.
var _ storage.AggregateStore = (*AggregateStore)(nil)

// InsertBatch appends aggregate rows. ClickHouse MergeTree does not enforce
// uniqueness at insert time, so duplicates are rejected by explicit checks
// before the batch is sent.
func (s *AggregateStore) InsertBatch(ctx context.Context, aggs []*domain.StrategyAggregate) error {
	if len(aggs) == 0 {
		return nil
	}

	// Intra-batch duplicates
	seen := make(map[string]struct{}, len(aggs))
	for _, a := range aggs {
		if a == nil || a.StrategyID == "" {
			return storage.ErrInvalidInput
		}
		key := fmt.Sprintf("%s|%d", a.StrategyID, a.ComputedAtMs)
		if _, exists := seen[key]; exists {
			return storage.ErrDuplicateKey
		}
		seen[key] = struct{}{}
	}

	// Duplicates against existing rows
	for _, a := range aggs {
		exists, err := s.exists(ctx, a.StrategyID, a.ComputedAtMs)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO strategy_aggregates (
			strategy_id, window_trades, wins, losses, win_rate,
			avg_win_r, avg_loss_r, expectancy_r, wilson_lower_bound,
			status, computed_at_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, a := range aggs {
		err = batch.Append(
			a.StrategyID, int32(a.WindowTrades), int32(a.Wins), int32(a.Losses), a.WinRate,
			a.AvgWinR, a.AvgLossR, a.ExpectancyR, a.WilsonLowerBound,
			string(a.Status), a.ComputedAtMs,
		)
		if err != nil {
			return fmt.Errorf("append aggregate to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send aggregate batch: %w", err)
	}
	return nil
}

func (s *AggregateStore) exists(ctx context.Context, strategyID string, computedAtMs int64) (bool, error) {
	query := `
		SELECT count() FROM strategy_aggregates
		WHERE strategy_id = ? AND computed_at_ms = ?
	`

	var count uint64
	if err := s.conn.QueryRow(ctx, query, strategyID, computedAtMs).Scan(&count); err != nil {
		return false, fmt.Errorf("query aggregate count: %w", err)
	}
	return count > 0, nil
}

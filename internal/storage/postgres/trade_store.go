package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tradeguard/internal/domain"
	"tradeguard/internal/storage"
)

// TradeStore implements storage.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *Pool
}

// NewTradeStore creates a new TradeStore.
func NewTradeStore(pool *Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TradeStore = (*TradeStore)(nil)

const tradeColumns = `
	trade_id, symbol, side, strategy_id,
	entry_price, position_size, remaining_size, stop_loss, take_profit,
	risk_distance, trail_active, trail_stop, scaled_out,
	exit_price, gross_pnl_pct, net_pnl_pct, commission_paid, slippage_paid, exit_reason,
	opened_at, closed_at
`

// Insert adds a new trade. Returns ErrDuplicateKey if trade_id exists.
func (s *TradeStore) Insert(ctx context.Context, t *domain.TradeRecord) error {
	scaledOut, err := marshalScaledOut(t.ScaledOut)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO trades (` + tradeColumns + `) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19,
			$20, $21
		)
	`

	_, err = s.pool.Exec(ctx, query,
		t.TradeID, t.Symbol, string(t.Side), t.StrategyID,
		t.EntryPrice, t.PositionSize, t.RemainingSize, t.StopLoss, t.TakeProfit,
		t.RiskDistance, t.TrailActive, t.TrailStop, scaledOut,
		t.ExitPrice, t.GrossPnLPct, t.NetPnLPct, t.CommissionPaid, t.SlippagePaid, t.ExitReason,
		t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// GetByID retrieves a trade by its ID. Returns ErrNotFound if not exists.
func (s *TradeStore) GetByID(ctx context.Context, tradeID string) (*domain.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE trade_id = $1`

	row := s.pool.QueryRow(ctx, query, tradeID)
	t, err := scanTrade(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get trade by id: %w", err)
	}
	return t, nil
}

// GetOpen retrieves all non-finalized trades ordered by opened_at ASC.
func (s *TradeStore) GetOpen(ctx context.Context) ([]*domain.TradeRecord, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE closed_at IS NULL
		ORDER BY opened_at ASC, trade_id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get open trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetClosedSince retrieves finalized trades closed at or after sinceMs.
func (s *TradeStore) GetClosedSince(ctx context.Context, sinceMs int64) ([]*domain.TradeRecord, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE closed_at IS NOT NULL AND closed_at >= to_timestamp($1::double precision / 1000)
		ORDER BY closed_at ASC, trade_id ASC
	`

	rows, err := s.pool.Query(ctx, query, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("get closed trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// UpdateProtection persists a new stop/take-profit pair for an open trade.
func (s *TradeStore) UpdateProtection(ctx context.Context, tradeID string, stopLoss, takeProfit float64, trailActive bool, trailStop float64) error {
	query := `
		UPDATE trades
		SET stop_loss = $2, take_profit = $3, trail_active = $4, trail_stop = $5
		WHERE trade_id = $1 AND closed_at IS NULL
	`

	tag, err := s.pool.Exec(ctx, query, tradeID, stopLoss, takeProfit, trailActive, trailStop)
	if err != nil {
		return fmt.Errorf("update trade protection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.openUpdateMiss(ctx, tradeID)
	}
	return nil
}

// UpdateScaleOut persists the scaled-out snapshot and remaining size.
func (s *TradeStore) UpdateScaleOut(ctx context.Context, tradeID string, scaledOut []domain.ScaleOutFill, remainingSize float64) error {
	payload, err := marshalScaledOut(scaledOut)
	if err != nil {
		return err
	}

	query := `
		UPDATE trades
		SET scaled_out = $2, remaining_size = $3
		WHERE trade_id = $1 AND closed_at IS NULL
	`

	tag, err := s.pool.Exec(ctx, query, tradeID, payload, remainingSize)
	if err != nil {
		return fmt.Errorf("update trade scale-out: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.openUpdateMiss(ctx, tradeID)
	}
	return nil
}

// Finalize closes a trade, recording exit price, PnL and costs.
func (s *TradeStore) Finalize(ctx context.Context, t *domain.TradeRecord) error {
	if t == nil || t.TradeID == "" {
		return storage.ErrInvalidInput
	}

	payload, err := marshalScaledOut(t.ScaledOut)
	if err != nil {
		return err
	}

	query := `
		UPDATE trades
		SET exit_price = $2, gross_pnl_pct = $3, net_pnl_pct = $4,
		    commission_paid = $5, slippage_paid = $6, exit_reason = $7,
		    remaining_size = $8, scaled_out = $9, closed_at = $10
		WHERE trade_id = $1 AND closed_at IS NULL
	`

	tag, err := s.pool.Exec(ctx, query,
		t.TradeID, t.ExitPrice, t.GrossPnLPct, t.NetPnLPct,
		t.CommissionPaid, t.SlippagePaid, t.ExitReason,
		t.RemainingSize, payload, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("finalize trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.openUpdateMiss(ctx, t.TradeID)
	}
	return nil
}

// openUpdateMiss distinguishes a missing trade from an already-closed one
// after an open-row update matched nothing.
func (s *TradeStore) openUpdateMiss(ctx context.Context, tradeID string) error {
	var closed bool
	err := s.pool.QueryRow(ctx, `SELECT closed_at IS NOT NULL FROM trades WHERE trade_id = $1`, tradeID).Scan(&closed)
	if err != nil {
		if isNotFoundError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check trade state: %w", err)
	}
	if closed {
		return storage.ErrTradeClosed
	}
	return storage.ErrNotFound
}

func marshalScaledOut(fills []domain.ScaleOutFill) ([]byte, error) {
	if fills == nil {
		fills = []domain.ScaleOutFill{}
	}
	payload, err := json.Marshal(fills)
	if err != nil {
		return nil, fmt.Errorf("marshal scaled_out: %w", err)
	}
	return payload, nil
}

// scanTrade scans a single row into a TradeRecord.
func scanTrade(row pgx.Row) (*domain.TradeRecord, error) {
	var t domain.TradeRecord
	var side string
	var scaledOut []byte

	err := row.Scan(
		&t.TradeID, &t.Symbol, &side, &t.StrategyID,
		&t.EntryPrice, &t.PositionSize, &t.RemainingSize, &t.StopLoss, &t.TakeProfit,
		&t.RiskDistance, &t.TrailActive, &t.TrailStop, &scaledOut,
		&t.ExitPrice, &t.GrossPnLPct, &t.NetPnLPct, &t.CommissionPaid, &t.SlippagePaid, &t.ExitReason,
		&t.OpenedAt, &t.ClosedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Side = domain.Side(side)
	if err := json.Unmarshal(scaledOut, &t.ScaledOut); err != nil {
		return nil, fmt.Errorf("unmarshal scaled_out: %w", err)
	}
	return &t, nil
}

// scanTrades scans multiple rows into a slice of TradeRecord.
func scanTrades(rows pgx.Rows) ([]*domain.TradeRecord, error) {
	var trades []*domain.TradeRecord

	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		trades = append(trades, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade rows: %w", err)
	}

	return trades, nil
}

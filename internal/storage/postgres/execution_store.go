package postgres

import (
	"context"
	"fmt"

	"tradeguard/internal/domain"
	"tradeguard/internal/storage"
)

// ExecutionStore implements storage.ExecutionStore using PostgreSQL.
// Partial unique indexes on the executions table provide the idempotency
// guarantees; a duplicate insert maps to ErrDuplicateKey.
type ExecutionStore struct {
	pool *Pool
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(pool *Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ExecutionStore = (*ExecutionStore)(nil)

// Insert appends an execution row. Returns ErrDuplicateKey when an equivalent
// row already exists.
func (s *ExecutionStore) Insert(ctx context.Context, e *domain.ExecutionRecord) error {
	if e == nil || e.TradeID == "" || e.ExecType == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO executions (trade_id, exec_type, r_multiple, qty, price, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		e.TradeID, string(e.ExecType), e.RMultiple, e.Qty, e.Price, e.Timestamp,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetByTradeID retrieves all executions for a trade, ordered by timestamp ASC.
func (s *ExecutionStore) GetByTradeID(ctx context.Context, tradeID string) ([]*domain.ExecutionRecord, error) {
	query := `
		SELECT trade_id, exec_type, r_multiple, qty, price, ts
		FROM executions
		WHERE trade_id = $1
		ORDER BY ts ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, tradeID)
	if err != nil {
		return nil, fmt.Errorf("get executions by trade id: %w", err)
	}
	defer rows.Close()

	var execs []*domain.ExecutionRecord
	for rows.Next() {
		var e domain.ExecutionRecord
		var execType string
		if err := rows.Scan(&e.TradeID, &execType, &e.RMultiple, &e.Qty, &e.Price, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		e.ExecType = domain.ExecType(execType)
		execs = append(execs, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution rows: %w", err)
	}

	return execs, nil
}

// ExistsScaleOut reports whether a scale-out at the given R milestone exists.
func (s *ExecutionStore) ExistsScaleOut(ctx context.Context, tradeID string, rMultiple float64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM executions
			WHERE trade_id = $1 AND exec_type = 'scale_out' AND r_multiple = $2
		)
	`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, tradeID, rMultiple).Scan(&exists); err != nil {
		return false, fmt.Errorf("check scale-out existence: %w", err)
	}
	return exists, nil
}

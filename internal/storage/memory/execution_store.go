package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tradeguard/internal/domain"
	"tradeguard/internal/storage"
)

// ExecutionStore is an in-memory implementation of storage.ExecutionStore.
type ExecutionStore struct {
	mu   sync.RWMutex
	keys map[string]struct{} // (trade_id, exec_type, r_multiple) uniqueness
	data []*domain.ExecutionRecord
}

// NewExecutionStore creates a new in-memory execution store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		keys: make(map[string]struct{}),
	}
}

// idempotencyKey returns the uniqueness key for a row, or "" for row types
// that may repeat (trailing updates).
func idempotencyKey(e *domain.ExecutionRecord) string {
	switch e.ExecType {
	case domain.ExecScaleOut:
		return fmt.Sprintf("%s|scale_out|%.9f", e.TradeID, e.RMultiple)
	case domain.ExecEntry, domain.ExecExit:
		return fmt.Sprintf("%s|%s", e.TradeID, e.ExecType)
	default:
		return ""
	}
}

// Insert appends an execution row. Returns ErrDuplicateKey when an equivalent
// row already exists.
func (s *ExecutionStore) Insert(_ context.Context, e *domain.ExecutionRecord) error {
	if e == nil || e.TradeID == "" || e.ExecType == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := idempotencyKey(e)
	if key != "" {
		if _, exists := s.keys[key]; exists {
			return storage.ErrDuplicateKey
		}
		s.keys[key] = struct{}{}
	}

	copy := *e
	s.data = append(s.data, &copy)
	return nil
}

// GetByTradeID retrieves all executions for a trade, ordered by timestamp ASC.
func (s *ExecutionStore) GetByTradeID(_ context.Context, tradeID string) ([]*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ExecutionRecord
	for _, e := range s.data {
		if e.TradeID == tradeID {
			copy := *e
			result = append(result, &copy)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// ExistsScaleOut reports whether a scale-out at the given R milestone exists.
func (s *ExecutionStore) ExistsScaleOut(_ context.Context, tradeID string, rMultiple float64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := fmt.Sprintf("%s|scale_out|%.9f", tradeID, rMultiple)
	_, exists := s.keys[key]
	return exists, nil
}

var _ storage.ExecutionStore = (*ExecutionStore)(nil)

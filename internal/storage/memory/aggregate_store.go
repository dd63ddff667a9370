package memory

import (
	"context"
	"fmt"
	"sync"

	"tradeguard/internal/domain"
	"tradeguard/internal/storage"
)

// AggregateStore is an in-memory implementation of storage.AggregateStore,
// used in tests and when no analytics backend is configured.
type AggregateStore struct {
	mu   sync.RWMutex
	data map[string]*domain.StrategyAggregate // keyed by strategy_id|computed_at_ms
}

// NewAggregateStore creates a new in-memory aggregate store.
func NewAggregateStore() *AggregateStore {
	return &AggregateStore{
		data: make(map[string]*domain.StrategyAggregate),
	}
}

// InsertBatch appends aggregate rows, all-or-nothing on duplicates.
func (s *AggregateStore) InsertBatch(_ context.Context, aggs []*domain.StrategyAggregate) error {
	if len(aggs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[string]struct{}, len(aggs))
	for _, a := range aggs {
		if a == nil || a.StrategyID == "" {
			return storage.ErrInvalidInput
		}
		key := fmt.Sprintf("%s|%d", a.StrategyID, a.ComputedAtMs)
		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batch[key]; exists {
			return storage.ErrDuplicateKey
		}
		batch[key] = struct{}{}
	}

	for _, a := range aggs {
		copy := *a
		s.data[fmt.Sprintf("%s|%d", a.StrategyID, a.ComputedAtMs)] = &copy
	}
	return nil
}

// All returns every stored aggregate (test helper).
func (s *AggregateStore) All() []*domain.StrategyAggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.StrategyAggregate, 0, len(s.data))
	for _, a := range s.data {
		copy := *a
		result = append(result, &copy)
	}
	return result
}

var _ storage.AggregateStore = (*AggregateStore)(nil)

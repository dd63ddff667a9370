package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradeguard/internal/domain"
	"tradeguard/internal/storage"
)

// TradeStore is an in-memory implementation of storage.TradeStore.
type TradeStore struct {
	mu   sync.RWMutex
	data map[string]*domain.TradeRecord // keyed by trade_id
}

// NewTradeStore creates a new in-memory trade store.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		data: make(map[string]*domain.TradeRecord),
	}
}

// Insert adds a new trade. Returns ErrDuplicateKey if trade_id exists.
func (s *TradeStore) Insert(_ context.Context, t *domain.TradeRecord) error {
	if t == nil || t.TradeID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[t.TradeID]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[t.TradeID] = copyTrade(t)
	return nil
}

// GetByID retrieves a trade by its ID. Returns ErrNotFound if not exists.
func (s *TradeStore) GetByID(_ context.Context, tradeID string) (*domain.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.data[tradeID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return copyTrade(t), nil
}

// GetOpen retrieves all non-finalized trades ordered by opened_at ASC.
func (s *TradeStore) GetOpen(_ context.Context) ([]*domain.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TradeRecord
	for _, t := range s.data {
		if t.Open() {
			result = append(result, copyTrade(t))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})
	return result, nil
}

// GetClosedSince retrieves finalized trades closed at or after sinceMs.
func (s *TradeStore) GetClosedSince(_ context.Context, sinceMs int64) ([]*domain.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TradeRecord
	for _, t := range s.data {
		if t.ClosedAt != nil && t.ClosedAt.UnixMilli() >= sinceMs {
			result = append(result, copyTrade(t))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ClosedAt.Before(*result[j].ClosedAt)
	})
	return result, nil
}

// UpdateProtection persists a new stop/take-profit pair for an open trade.
func (s *TradeStore) UpdateProtection(_ context.Context, tradeID string, stopLoss, takeProfit float64, trailActive bool, trailStop float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.data[tradeID]
	if !exists {
		return storage.ErrNotFound
	}
	if !t.Open() {
		return storage.ErrTradeClosed
	}

	t.StopLoss = stopLoss
	t.TakeProfit = takeProfit
	t.TrailActive = trailActive
	t.TrailStop = trailStop
	return nil
}

// UpdateScaleOut persists the scaled-out snapshot and remaining size.
func (s *TradeStore) UpdateScaleOut(_ context.Context, tradeID string, scaledOut []domain.ScaleOutFill, remainingSize float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.data[tradeID]
	if !exists {
		return storage.ErrNotFound
	}
	if !t.Open() {
		return storage.ErrTradeClosed
	}

	t.ScaledOut = append([]domain.ScaleOutFill(nil), scaledOut...)
	t.RemainingSize = remainingSize
	return nil
}

// Finalize closes a trade, recording exit price, PnL and costs.
func (s *TradeStore) Finalize(_ context.Context, in *domain.TradeRecord) error {
	if in == nil || in.TradeID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.data[in.TradeID]
	if !exists {
		return storage.ErrNotFound
	}
	if !t.Open() {
		return storage.ErrTradeClosed
	}

	t.ExitPrice = copyFloat(in.ExitPrice)
	t.GrossPnLPct = copyFloat(in.GrossPnLPct)
	t.NetPnLPct = copyFloat(in.NetPnLPct)
	t.CommissionPaid = in.CommissionPaid
	t.SlippagePaid = in.SlippagePaid
	t.ExitReason = in.ExitReason
	t.RemainingSize = in.RemainingSize
	t.ScaledOut = append([]domain.ScaleOutFill(nil), in.ScaledOut...)
	closedAt := in.ClosedAt
	if closedAt == nil {
		now := time.Now().UTC()
		closedAt = &now
	}
	c := *closedAt
	t.ClosedAt = &c
	return nil
}

func copyTrade(t *domain.TradeRecord) *domain.TradeRecord {
	c := *t
	c.ScaledOut = append([]domain.ScaleOutFill(nil), t.ScaledOut...)
	c.ExitPrice = copyFloat(t.ExitPrice)
	c.GrossPnLPct = copyFloat(t.GrossPnLPct)
	c.NetPnLPct = copyFloat(t.NetPnLPct)
	if t.ClosedAt != nil {
		at := *t.ClosedAt
		c.ClosedAt = &at
	}
	return &c
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

var _ storage.TradeStore = (*TradeStore)(nil)

package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func TestSizer_ATRStop(t *testing.T) {
	s := NewSizer(SizerConfig{
		ATRMultiplier:     2.0,
		FallbackStopPct:   0.02,
		RewardRatio:       2.0,
		SlippageBufferPct: 0,
		Leverage:          1,
	})

	// ATR 2.5 → stop distance 5 → 5% of entry 100.
	plan, err := s.Size(10000, 100, 1.0, domain.SideLong, ptr(2.5))
	require.NoError(t, err)

	// risk budget 100 / 5% = 2000 position value → 20 units
	assert.InDelta(t, 2000.0, plan.PositionValue, 1e-9)
	assert.InDelta(t, 20.0, plan.Qty, 1e-9)
	assert.InDelta(t, 95.0, plan.StopPrice, 1e-9)
	assert.InDelta(t, 110.0, plan.TakeProfit, 1e-9)
}

func TestSizer_FallbackStopWithoutATR(t *testing.T) {
	s := NewSizer(SizerConfig{FallbackStopPct: 0.02, RewardRatio: 2.0, Leverage: 1})

	plan, err := s.Size(10000, 100, 1.0, domain.SideLong, nil)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, plan.StopDistance, 1e-9)
	assert.InDelta(t, 98.0, plan.StopPrice, 1e-6)
}

func TestSizer_MarginCapScalesDown(t *testing.T) {
	// Tight stop blows past the 90% margin cap on spot.
	s := NewSizer(SizerConfig{FallbackStopPct: 0.001, Leverage: 1, MaxMarginFraction: 0.9})

	plan, err := s.Size(10000, 100, 1.0, domain.SideLong, nil)
	require.NoError(t, err)

	// Uncapped position value would be 100/0.001 = 100000.
	assert.InDelta(t, 9000.0, plan.PositionValue, 1e-6)
	assert.InDelta(t, 9000.0, plan.Margin, 1e-6)
	assert.InDelta(t, 90.0, plan.Qty, 1e-6)
}

func TestSizer_LeverageRaisesCap(t *testing.T) {
	s := NewSizer(SizerConfig{FallbackStopPct: 0.001, Leverage: 10, MaxMarginFraction: 0.9})

	plan, err := s.Size(10000, 100, 1.0, domain.SideLong, nil)
	require.NoError(t, err)

	// 10x leverage: cap is 90000 of position value.
	assert.InDelta(t, 90000.0, plan.PositionValue, 1e-6)
	assert.InDelta(t, 9000.0, plan.Margin, 1e-6)
}

func TestSizer_ShortSide(t *testing.T) {
	s := NewSizer(SizerConfig{FallbackStopPct: 0.02, RewardRatio: 2.0, Leverage: 1})

	plan, err := s.Size(10000, 100, 1.0, domain.SideShort, nil)
	require.NoError(t, err)
	assert.InDelta(t, 102.0, plan.StopPrice, 1e-6)
	assert.InDelta(t, 96.0, plan.TakeProfit, 1e-6)
}

func TestSizer_SlippageBufferWidensSubmittedStop(t *testing.T) {
	s := NewSizer(SizerConfig{FallbackStopPct: 0.02, RewardRatio: 2.0, SlippageBufferPct: 0.1, Leverage: 1})

	plan, err := s.Size(10000, 100, 1.0, domain.SideLong, nil)
	require.NoError(t, err)

	// Raw distance 2, buffered 2.2; TP keeps the raw ratio.
	assert.InDelta(t, 97.8, plan.StopPrice, 1e-9)
	assert.InDelta(t, 104.0, plan.TakeProfit, 1e-9)
}

func TestSizer_Rejections(t *testing.T) {
	s := NewSizer(SizerConfig{})

	tests := []struct {
		name           string
		balance, entry float64
		riskPct        float64
	}{
		{"zero balance", 0, 100, 1},
		{"zero entry", 10000, 0, 1},
		{"zero risk", 10000, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Size(tt.balance, tt.entry, tt.riskPct, domain.SideLong, nil)
			assert.Error(t, err)
		})
	}
}

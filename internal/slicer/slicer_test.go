package slicer

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/domain"
	"tradeguard/internal/exchange"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newTestSlicer(history VolumeHistory) (*Slicer, *exchange.MockClient) {
	client := exchange.NewMockClient()
	client.SetPrice("BTCUSDT", 100)
	return New(client, history, quietLogger()), client
}

func TestSlicer_TWAPEqualSlices(t *testing.T) {
	s, client := newTestSlicer(nil)

	plan := &domain.SlicePlan{Slices: 4, Mode: domain.SliceTWAP}
	res, err := s.Execute(context.Background(), "BTCUSDT", domain.SideLong, 10, plan, nil)
	require.NoError(t, err)

	orders := client.PlacedOrders()
	require.Len(t, orders, 4)
	for _, o := range orders {
		assert.InDelta(t, 2.5, o.Qty, 1e-9)
		assert.NotEmpty(t, o.ClientOrderID)
	}
	assert.InDelta(t, 10.0, res.FilledQty, 1e-9)
	assert.InDelta(t, 100.0, res.AvgPrice, 1e-9)
	assert.False(t, res.Interrupted)
}

func TestSlicer_UniqueClientOrderIDs(t *testing.T) {
	s, client := newTestSlicer(nil)

	plan := &domain.SlicePlan{Slices: 5, Mode: domain.SliceTWAP}
	_, err := s.Execute(context.Background(), "BTCUSDT", domain.SideLong, 10, plan, nil)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, o := range client.PlacedOrders() {
		assert.False(t, seen[o.ClientOrderID])
		seen[o.ClientOrderID] = true
	}
}

func TestSlicer_VWAPProportionalToVolume(t *testing.T) {
	history := func(context.Context, string, int) ([]float64, error) {
		return []float64{600, 300, 100}, nil
	}
	s, client := newTestSlicer(history)

	plan := &domain.SlicePlan{Slices: 3, Mode: domain.SliceVWAP}
	_, err := s.Execute(context.Background(), "BTCUSDT", domain.SideLong, 10, plan, nil)
	require.NoError(t, err)

	orders := client.PlacedOrders()
	require.Len(t, orders, 3)
	assert.InDelta(t, 6.0, orders[0].Qty, 1e-9)
	assert.InDelta(t, 3.0, orders[1].Qty, 1e-9)
	assert.InDelta(t, 1.0, orders[2].Qty, 1e-9)
}

func TestSlicer_VWAPFallsBackToTWAP(t *testing.T) {
	tests := []struct {
		name    string
		history VolumeHistory
	}{
		{"no history source", nil},
		{"history error", func(context.Context, string, int) ([]float64, error) {
			return nil, errors.New("no data")
		}},
		{"too few buckets", func(context.Context, string, int) ([]float64, error) {
			return []float64{100}, nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, client := newTestSlicer(tt.history)

			plan := &domain.SlicePlan{Slices: 2, Mode: domain.SliceVWAP}
			_, err := s.Execute(context.Background(), "BTCUSDT", domain.SideLong, 10, plan, nil)
			require.NoError(t, err)

			orders := client.PlacedOrders()
			require.Len(t, orders, 2)
			assert.InDelta(t, 5.0, orders[0].Qty, 1e-9)
			assert.InDelta(t, 5.0, orders[1].Qty, 1e-9)
		})
	}
}

func TestSlicer_AutoUsesVolumeWhenAvailable(t *testing.T) {
	history := func(context.Context, string, int) ([]float64, error) {
		return []float64{900, 100}, nil
	}
	s, client := newTestSlicer(history)

	plan := &domain.SlicePlan{Slices: 2, Mode: domain.SliceAuto}
	_, err := s.Execute(context.Background(), "BTCUSDT", domain.SideLong, 10, plan, nil)
	require.NoError(t, err)

	orders := client.PlacedOrders()
	assert.InDelta(t, 9.0, orders[0].Qty, 1e-9)
}

func TestSlicer_ParticipationCap(t *testing.T) {
	s, client := newTestSlicer(nil)
	client.SetVolume("BTCUSDT", 10) // cap = 10 × 0.1 = 1 per slice

	plan := &domain.SlicePlan{Slices: 2, Mode: domain.SliceTWAP, MaxParticipationRate: 0.1}
	res, err := s.Execute(context.Background(), "BTCUSDT", domain.SideLong, 10, plan, nil)
	require.NoError(t, err)

	for _, o := range client.PlacedOrders() {
		assert.LessOrEqual(t, o.Qty, 1.0+1e-9)
	}
	assert.InDelta(t, 2.0, res.FilledQty, 1e-9)
}

func TestSlicer_DropsDustSlices(t *testing.T) {
	s, client := newTestSlicer(nil)
	client.SetRules(exchange.SymbolRules{Symbol: "BTCUSDT", StepSize: 0.001})

	// 5 slices of 0.0004 each quantize to zero.
	plan := &domain.SlicePlan{Slices: 5, Mode: domain.SliceTWAP, MinQty: 0.001}
	res, err := s.Execute(context.Background(), "BTCUSDT", domain.SideLong, 0.002, plan, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Skipped)
	assert.Empty(t, client.PlacedOrders())
	assert.Zero(t, res.FilledQty)
}

func TestSlicer_MinNotionalDrop(t *testing.T) {
	s, client := newTestSlicer(nil)

	// Each slice is 1 unit at 100 = 100 notional, below the 500 floor.
	plan := &domain.SlicePlan{Slices: 2, Mode: domain.SliceTWAP, MinNotional: 500}
	res, err := s.Execute(context.Background(), "BTCUSDT", domain.SideLong, 2, plan, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Skipped)
	assert.Empty(t, client.PlacedOrders())
}

func TestSlicer_StopBetweenSlices(t *testing.T) {
	s, client := newTestSlicer(nil)

	stop := make(chan struct{})
	close(stop)

	plan := &domain.SlicePlan{Slices: 4, Mode: domain.SliceTWAP}
	res, err := s.Execute(context.Background(), "BTCUSDT", domain.SideLong, 10, plan, stop)
	require.NoError(t, err)

	assert.True(t, res.Interrupted)
	assert.Empty(t, client.PlacedOrders())
}

func TestSlicer_OrderFailureSurfacesPartialResult(t *testing.T) {
	s, client := newTestSlicer(nil)
	client.FailNextOrder(errors.New("venue rejected"))

	plan := &domain.SlicePlan{Slices: 3, Mode: domain.SliceTWAP}
	res, err := s.Execute(context.Background(), "BTCUSDT", domain.SideLong, 9, plan, nil)
	require.Error(t, err)
	assert.Empty(t, res.Fills)
}

func TestSlicer_RejectsBadInput(t *testing.T) {
	s, _ := newTestSlicer(nil)

	_, err := s.Execute(context.Background(), "BTCUSDT", domain.SideLong, 0, &domain.SlicePlan{Slices: 2}, nil)
	assert.Error(t, err)

	_, err = s.Execute(context.Background(), "BTCUSDT", domain.SideLong, 1, &domain.SlicePlan{}, nil)
	assert.Error(t, err)
}

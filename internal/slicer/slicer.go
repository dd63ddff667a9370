// Package slicer splits parent orders into TWAP/VWAP child orders with
// participation caps.
package slicer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tradeguard/internal/domain"
	"tradeguard/internal/exchange"
)

// VolumeHistory supplies per-bucket historical volume for VWAP weighting.
// May return nil or short slices; the slicer falls back to TWAP.
type VolumeHistory func(ctx context.Context, symbol string, buckets int) ([]float64, error)

// Slicer executes parent orders as a schedule of child orders.
type Slicer struct {
	client  exchange.Client
	history VolumeHistory
	logger  *logrus.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Slicer. history may be nil, disabling VWAP weighting.
func New(client exchange.Client, history VolumeHistory, logger *logrus.Logger) *Slicer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Slicer{
		client:  client,
		history: history,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// weights returns per-slice quantity weights summing to 1.
func (s *Slicer) weights(ctx context.Context, symbol string, plan *domain.SlicePlan) []float64 {
	n := plan.Slices
	equal := make([]float64, n)
	for i := range equal {
		equal[i] = 1 / float64(n)
	}

	mode := plan.Mode
	if mode == domain.SliceTWAP {
		return equal
	}

	if s.history == nil {
		return equal
	}
	volumes, err := s.history(ctx, symbol, n)
	if err != nil || len(volumes) < n {
		if mode == domain.SliceVWAP {
			s.logger.WithField("symbol", symbol).Debug("slicer: no volume history, falling back to TWAP")
		}
		return equal
	}

	var total float64
	for _, v := range volumes[:n] {
		total += v
	}
	if total <= 0 {
		return equal
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = volumes[i] / total
	}
	return out
}

// Execute places the parent order as a slice schedule. stop is polled only
// between slices; a nil stop channel disables interruption. Each child order
// gets a uuid client order ID.
func (s *Slicer) Execute(ctx context.Context, symbol string, side domain.Side, totalQty float64, plan *domain.SlicePlan, stop <-chan struct{}) (*domain.SliceResult, error) {
	if totalQty <= 0 {
		return nil, fmt.Errorf("slicer: non-positive quantity %.8f", totalQty)
	}
	if plan.Slices <= 0 {
		return nil, fmt.Errorf("slicer: plan needs at least one slice")
	}

	weights := s.weights(ctx, symbol, plan)

	result := &domain.SliceResult{}
	var notionalSum float64
	remaining := totalQty

	for i := 0; i < plan.Slices; i++ {
		select {
		case <-stop:
			result.Interrupted = true
			return result, nil
		case <-ctx.Done():
			result.Interrupted = true
			return result, ctx.Err()
		default:
		}

		qty := totalQty * weights[i]
		if i == plan.Slices-1 {
			// Last slice absorbs rounding remainder.
			qty = remaining
		}

		qty, err := s.capByParticipation(ctx, symbol, qty, plan)
		if err != nil {
			return result, err
		}

		price, err := s.client.GetPrice(ctx, symbol)
		if err != nil {
			return result, fmt.Errorf("slicer: price lookup: %w", err)
		}

		qQty, _, err := s.client.Quantize(symbol, qty, price)
		if err != nil {
			return result, fmt.Errorf("slicer: quantize: %w", err)
		}

		if qQty < plan.MinQty || qQty*price < plan.MinNotional || qQty <= 0 {
			result.Skipped++
			remaining -= qty
			continue
		}

		req := &exchange.OrderRequest{
			Symbol:        symbol,
			Side:          side,
			Type:          exchange.Market,
			Qty:           qQty,
			ClientOrderID: uuid.NewString(),
		}
		res, err := s.client.PlaceOrder(ctx, req)
		if err != nil {
			return result, fmt.Errorf("slicer: place slice %d: %w", i+1, err)
		}

		fillQty, fillPrice := fillTotals(res, qQty)
		result.Fills = append(result.Fills, domain.SliceFill{
			ClientOrderID: req.ClientOrderID,
			Qty:           fillQty,
			Price:         fillPrice,
			SubmittedAt:   time.Now().UTC(),
		})
		result.FilledQty += fillQty
		notionalSum += fillQty * fillPrice
		remaining -= qty

		if i < plan.Slices-1 {
			if err := s.sleep(ctx, plan.Interval); err != nil {
				result.Interrupted = true
				return result, nil
			}
		}
	}

	if result.FilledQty > 0 {
		result.AvgPrice = notionalSum / result.FilledQty
	}
	return result, nil
}

// capByParticipation limits one slice to a fraction of recent market volume.
func (s *Slicer) capByParticipation(ctx context.Context, symbol string, qty float64, plan *domain.SlicePlan) (float64, error) {
	if plan.MaxParticipationRate <= 0 {
		return qty, nil
	}
	volume, err := s.client.GetRecentVolume(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("slicer: volume lookup: %w", err)
	}
	if limit := volume * plan.MaxParticipationRate; volume > 0 && qty > limit {
		return limit, nil
	}
	return qty, nil
}

func fillTotals(res *exchange.OrderResult, fallbackQty float64) (float64, float64) {
	var qty, notional float64
	for _, f := range res.Fills {
		qty += f.Qty
		notional += f.Qty * f.Price
	}
	if qty == 0 {
		return fallbackQty, res.Price
	}
	return qty, notional / qty
}

package trader

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	"tradeguard/internal/domain"
	"tradeguard/internal/exchange"
)

// Reconcile compares every open position against the venue's resting orders
// and heals positions whose protective stop is missing. Detection and repair
// are split across sweeps on purpose: the detecting cycle only flags the
// position, the next cycle re-submits the stop. A transient venue-side lag
// therefore never triggers a spurious duplicate order.
func (m *Manager) Reconcile(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pos := range m.positions {
		orders, err := m.opts.Exchange.GetOpenOrders(ctx, pos.Symbol)
		if err != nil {
			m.opts.Logger.WithError(err).WithField("symbol", pos.Symbol).Warn("trader: reconcile lookup failed")
			continue
		}

		if hasProtectiveStop(pos, orders) {
			pos.HealAttempted = false
			continue
		}

		if !pos.HealAttempted {
			pos.HealAttempted = true
			m.opts.Logger.WithFields(logrus.Fields{
				"symbol":   pos.Symbol,
				"trade_id": pos.TradeID,
			}).Warn("trader: position missing protective stop, will heal next sweep")
			continue
		}

		stop := pos.StopLoss
		if pos.TrailActive && pos.TrailStop != 0 {
			stop = pos.TrailStop
		}
		_, err = m.opts.Exchange.PlaceOrder(ctx, &exchange.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       pos.Side.Opposite(),
			Type:       exchange.Stop,
			Qty:        pos.RemainingSize,
			StopPrice:  stop,
			ReduceOnly: true,
		})
		if err != nil {
			m.opts.Logger.WithError(err).WithField("symbol", pos.Symbol).Error("trader: heal failed, will retry next sweep")
			continue
		}

		m.opts.Logger.WithFields(logrus.Fields{
			"symbol":     pos.Symbol,
			"stop_price": stop,
		}).Info("trader: protective stop re-submitted")
	}
}

// hasProtectiveStop reports whether a reduce-side stop order covering the
// remaining size is resting at the venue.
func hasProtectiveStop(pos *domain.Position, orders []exchange.OpenOrder) bool {
	want := pos.Side.Opposite()
	for _, o := range orders {
		if o.Type != exchange.Stop || o.Side != want {
			continue
		}
		if math.Abs(o.Qty-pos.RemainingSize) <= domain.SizeEpsilon {
			return true
		}
	}
	return false
}

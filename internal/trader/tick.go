package trader

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"tradeguard/internal/domain"
	"tradeguard/internal/exchange"
	"tradeguard/internal/storage"
)

// OnTick runs the full lifecycle check for one price update: exit first,
// then partial exits, then trailing. All three share one lock acquisition so
// a tick never observes a half-updated position.
func (m *Manager) OnTick(ctx context.Context, tick *domain.Tick) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.TicksProcessed.Inc()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDayLocked(m.opts.Now())
	m.lastPrices[tick.Symbol] = tick.Price

	pos, ok := m.positions[tick.Symbol]
	if !ok {
		return
	}

	if reason, hit := m.exitTriggered(pos, tick.Price); hit {
		if err := m.closeLocked(ctx, pos, tick.Price, reason); err != nil {
			m.opts.Logger.WithError(err).WithField("symbol", pos.Symbol).Error("trader: exit failed")
		}
		m.updateGaugesLocked()
		return
	}

	if err := m.checkScaleOutsLocked(ctx, pos, tick.Price); err != nil {
		m.opts.Logger.WithError(err).WithField("symbol", pos.Symbol).Error("trader: scale-out failed")
	}

	if err := m.checkTrailingLocked(ctx, pos, tick.Price); err != nil {
		m.opts.Logger.WithError(err).WithField("symbol", pos.Symbol).Error("trader: trailing update failed")
	}

	m.updateGaugesLocked()
}

// exitTriggered decides whether the position must be closed at this price.
func (m *Manager) exitTriggered(pos *domain.Position, price float64) (string, bool) {
	stop := pos.StopLoss
	if pos.TrailActive && pos.TrailStop != 0 {
		stop = pos.TrailStop
	}

	if pos.Side == domain.SideLong {
		if price <= stop {
			return domain.ExitReasonStopLoss, true
		}
		if pos.TakeProfit > 0 && price >= pos.TakeProfit {
			return domain.ExitReasonTakeProfit, true
		}
	} else {
		if price >= stop {
			return domain.ExitReasonStopLoss, true
		}
		if pos.TakeProfit > 0 && price <= pos.TakeProfit {
			return domain.ExitReasonTakeProfit, true
		}
	}

	if m.cfg.TimeStopAfter > 0 && m.opts.Now().Sub(pos.OpenedAt) >= m.cfg.TimeStopAfter {
		return domain.ExitReasonTimeStop, true
	}
	return "", false
}

// closeLocked exits the full remaining size and finalizes the trade. The
// exit execution row is the idempotency guard for the ledger: a retried
// close keeps a single row. The trade is finalized and the position dropped
// only after the closing order succeeds; a venue rejection keeps the
// position open so the next tick retries the close.
func (m *Manager) closeLocked(ctx context.Context, pos *domain.Position, price float64, reason string) error {
	trade, err := m.opts.Trades.GetByID(ctx, pos.TradeID)
	if err != nil {
		return fmt.Errorf("load trade: %w", err)
	}
	if !trade.Open() {
		// Replayed close after a crash between finalize and position drop.
		delete(m.positions, pos.Symbol)
		return nil
	}

	exec := &domain.ExecutionRecord{
		TradeID:   pos.TradeID,
		ExecType:  domain.ExecExit,
		Qty:       pos.RemainingSize,
		Price:     price,
		Timestamp: m.opts.Now(),
	}
	if err := m.opts.Executions.Insert(ctx, exec); err != nil {
		if !isDuplicate(err) {
			return fmt.Errorf("record exit: %w", err)
		}
		// Retry of an earlier close whose order never went out.
	} else {
		m.countExecution(domain.ExecExit)
	}

	fillPrice := price
	if pos.RemainingSize > 0 {
		res, err := m.placeOrder(ctx, &exchange.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       pos.Side.Opposite(),
			Type:       exchange.Market,
			Qty:        pos.RemainingSize,
			ReduceOnly: true,
		}, price)
		if err != nil {
			return fmt.Errorf("exit order: %w", err)
		}
		if res.Price > 0 {
			fillPrice = res.Price
		}
	}

	gross := pos.GrossPnLPct(fillPrice)
	costPct := (trade.CommissionPaid + trade.SlippagePaid) / 100 // bps to pct
	net := gross - costPct
	closedAt := m.opts.Now()

	trade.ExitPrice = &fillPrice
	trade.GrossPnLPct = &gross
	trade.NetPnLPct = &net
	trade.ExitReason = reason
	trade.ClosedAt = &closedAt
	trade.RemainingSize = 0

	if err := m.opts.Trades.Finalize(ctx, trade); err != nil && !errors.Is(err, storage.ErrTradeClosed) {
		return fmt.Errorf("finalize trade: %w", err)
	}

	m.dailyPnLPct += net
	if net < 0 {
		m.consecutiveLosses++
	} else {
		m.consecutiveLosses = 0
	}

	if m.opts.Edge != nil {
		m.opts.Edge.Record(domain.TradeResult{
			StrategyID: pos.StrategyID,
			RMultiple:  pos.UnrealizedR(fillPrice),
			Win:        net > 0,
		})
	}

	delete(m.positions, pos.Symbol)

	m.opts.Logger.WithFields(logrus.Fields{
		"symbol":      pos.Symbol,
		"trade_id":    pos.TradeID,
		"reason":      reason,
		"net_pnl_pct": net,
	}).Info("trader: position closed")
	return nil
}

// checkScaleOutsLocked fires any unfilled partial-exit milestones the price
// has reached. One milestone fires per trigger; tick redelivery is absorbed
// by the (trade_id, r_multiple) execution row.
func (m *Manager) checkScaleOutsLocked(ctx context.Context, pos *domain.Position, price float64) error {
	r := pos.UnrealizedR(price)

	for _, level := range m.cfg.ScaleOutLevels {
		if r < level.RMultiple || pos.HasScaleOut(level.RMultiple) {
			continue
		}

		qty := pos.PositionSize * level.Fraction
		if qty > pos.RemainingSize {
			qty = pos.RemainingSize
		}

		qQty, _, err := m.opts.Exchange.Quantize(pos.Symbol, qty, price)
		if err != nil {
			return fmt.Errorf("quantize scale-out: %w", err)
		}
		if qQty <= 0 || qQty > pos.RemainingSize {
			// Too small after quantization; leave the milestone unfilled and
			// retry on a later tick.
			continue
		}

		exists, err := m.opts.Executions.ExistsScaleOut(ctx, pos.TradeID, level.RMultiple)
		if err != nil {
			return fmt.Errorf("scale-out lookup: %w", err)
		}
		if exists {
			continue
		}

		exec := &domain.ExecutionRecord{
			TradeID:   pos.TradeID,
			ExecType:  domain.ExecScaleOut,
			RMultiple: level.RMultiple,
			Qty:       qQty,
			Price:     price,
			Timestamp: m.opts.Now(),
		}
		if err := m.opts.Executions.Insert(ctx, exec); err != nil {
			if isDuplicate(err) {
				continue
			}
			return fmt.Errorf("record scale-out: %w", err)
		}
		m.countExecution(domain.ExecScaleOut)

		fillPrice := price
		res, err := m.placeOrder(ctx, &exchange.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       pos.Side.Opposite(),
			Type:       exchange.Market,
			Qty:        qQty,
			ReduceOnly: true,
		}, price)
		if err != nil {
			m.opts.Logger.WithError(err).Error("trader: scale-out order failed, audit row kept")
		} else if res.Price > 0 {
			fillPrice = res.Price
		}

		pos.ScaledOut = append(pos.ScaledOut, domain.ScaleOutFill{
			RMultiple: level.RMultiple,
			Qty:       qQty,
			Price:     fillPrice,
			FilledAt:  exec.Timestamp,
		})
		pos.RemainingSize -= qQty

		if err := m.opts.Trades.UpdateScaleOut(ctx, pos.TradeID, pos.ScaledOut, pos.RemainingSize); err != nil {
			return fmt.Errorf("persist scale-out: %w", err)
		}

		m.opts.Logger.WithFields(logrus.Fields{
			"symbol":     pos.Symbol,
			"r_multiple": level.RMultiple,
			"qty":        qQty,
			"remaining":  pos.RemainingSize,
		}).Info("trader: scaled out")
	}
	return nil
}

// checkTrailingLocked moves the trailing stop when the position has earned
// it. Stops only improve; a cooldown bounds update frequency.
func (m *Manager) checkTrailingLocked(ctx context.Context, pos *domain.Position, price float64) error {
	if m.cfg.TrailActivationR <= 0 || pos.RemainingSize <= 0 {
		return nil
	}
	if pos.UnrealizedR(price) < m.cfg.TrailActivationR {
		return nil
	}

	now := m.opts.Now()
	if !pos.LastTrailAt.IsZero() && now.Sub(pos.LastTrailAt) < m.cfg.TrailCooldown {
		return nil
	}

	// Candidate stop keeps a fraction of the open gain.
	var candidate float64
	if pos.Side == domain.SideLong {
		candidate = pos.EntryPrice + (price-pos.EntryPrice)*m.cfg.TrailGainPct
	} else {
		candidate = pos.EntryPrice - (pos.EntryPrice-price)*m.cfg.TrailGainPct
	}

	current := pos.StopLoss
	if pos.TrailActive && pos.TrailStop != 0 {
		current = pos.TrailStop
	}
	improves := (pos.Side == domain.SideLong && candidate > current) ||
		(pos.Side == domain.SideShort && candidate < current)
	if !improves {
		return nil
	}

	exec := &domain.ExecutionRecord{
		TradeID:   pos.TradeID,
		ExecType:  domain.ExecTrailingUpdate,
		Qty:       pos.RemainingSize,
		Price:     candidate,
		Timestamp: now,
	}
	if err := m.opts.Executions.Insert(ctx, exec); err != nil {
		return fmt.Errorf("record trailing update: %w", err)
	}
	m.countExecution(domain.ExecTrailingUpdate)

	pos.TrailActive = true
	pos.TrailStop = candidate
	pos.LastTrailAt = now

	if err := m.opts.Trades.UpdateProtection(ctx, pos.TradeID, pos.StopLoss, pos.TakeProfit, true, candidate); err != nil {
		return fmt.Errorf("persist trailing update: %w", err)
	}

	m.opts.Logger.WithFields(logrus.Fields{
		"symbol":     pos.Symbol,
		"trail_stop": candidate,
	}).Info("trader: trailing stop moved")
	return nil
}

// placeOrder submits an order and records latency/slippage quality stats.
func (m *Manager) placeOrder(ctx context.Context, req *exchange.OrderRequest, expectedPrice float64) (*exchange.OrderResult, error) {
	start := m.opts.Now()
	res, err := m.opts.Exchange.PlaceOrder(ctx, req)
	latency := float64(m.opts.Now().Sub(start).Milliseconds())

	if err != nil {
		return nil, err
	}

	var slippageBps float64
	if expectedPrice > 0 && res.Price > 0 {
		diff := res.Price - expectedPrice
		if diff < 0 {
			diff = -diff
		}
		slippageBps = diff / expectedPrice * 10000
	}
	m.recordOrderStatsLocked(latency, slippageBps)
	return res, nil
}

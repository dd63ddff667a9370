package trader

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tradeguard/internal/costs"
	"tradeguard/internal/domain"
	"tradeguard/internal/thresholds"
)

// ExecuteTrade runs the full entry gating chain and, when every gate passes,
// sizes, slices and persists the new position. Policy rejections return
// (false, nil); only operational failures return an error.
func (m *Manager) ExecuteTrade(ctx context.Context, sig *domain.Signal) (bool, error) {
	if sig == nil || sig.Symbol == "" {
		return false, fmt.Errorf("trader: nil or empty signal")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDayLocked(m.opts.Now())

	// Halt flag wins over everything.
	if m.opts.Halt.Present() {
		return m.reject("halt_flag"), nil
	}

	if _, ok := m.positions[sig.Symbol]; ok {
		return m.reject("position_exists"), nil
	}

	// Escalation and daily guardrails.
	riskPct := 0.0
	if m.opts.Escalation != nil {
		if m.opts.Escalation.Level() == domain.RiskEmergency {
			return m.reject("emergency"), nil
		}
		riskPct = m.opts.Escalation.RiskPercent()
	}
	if riskPct <= 0 {
		return m.reject("risk_zero"), nil
	}
	if m.cfg.MaxDailyLossPct > 0 && m.dailyPnLPct <= -m.cfg.MaxDailyLossPct {
		return m.reject("daily_loss_limit"), nil
	}
	if m.cfg.MaxConsecutiveLosses > 0 && m.consecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		return m.reject("consecutive_losses"), nil
	}

	// Operator-tunable confidence floor per direction.
	if m.opts.Thresholds != nil {
		name := thresholds.NameBuy
		if sig.Side == domain.SideShort {
			name = thresholds.NameSell
		}
		floor, err := m.opts.Thresholds.Get(name)
		if err != nil {
			return false, fmt.Errorf("trader: threshold lookup: %w", err)
		}
		if costs.ExpectedEdge(sig).TotalEGE < floor {
			return m.reject("signal_threshold"), nil
		}
	}

	// Edge health scales risk; COLD kills the entry.
	if m.opts.Edge != nil {
		status := m.opts.Edge.StrategyStatus(sig.StrategyID)
		if sig.StrategyID == "" {
			status = m.opts.Edge.Status()
		}
		multiplier := status.RiskMultiplier()
		if multiplier <= 0 {
			return m.reject("edge_cold"), nil
		}
		riskPct *= multiplier
	}

	price, err := m.opts.Exchange.GetPrice(ctx, sig.Symbol)
	if err != nil {
		return false, fmt.Errorf("trader: price lookup: %w", err)
	}

	book, err := m.opts.Exchange.GetOrderBook(ctx, sig.Symbol, 20)
	if err != nil {
		return false, fmt.Errorf("trader: book lookup: %w", err)
	}

	// Microstructure gate.
	if m.opts.Micro != nil {
		microSig := m.opts.Micro.Evaluate(sig.Symbol, book)
		if !m.opts.Micro.Allows(sig.Side, microSig) {
			return m.reject("microstructure_" + string(microSig.Action)), nil
		}
	}

	balance, err := m.opts.Exchange.GetAccountBalance(ctx)
	if err != nil {
		return false, fmt.Errorf("trader: balance lookup: %w", err)
	}

	var atr *float64
	if sig.ATR > 0 {
		atr = &sig.ATR
	}
	plan, err := m.opts.Sizer.Size(balance, price, riskPct, sig.Side, atr)
	if err != nil {
		m.opts.Logger.WithError(err).Info("trader: sizing rejected entry")
		return m.reject("sizing"), nil
	}

	// Cost-of-edge gate.
	var cost domain.CostComponents
	if m.opts.Costs != nil {
		spreadBps := 0.0
		if mid := book.MidPrice(); mid > 0 {
			spreadBps = book.Spread() / mid * 10000
		}
		depthUSD := (book.BidDepth(20) + book.AskDepth(20)) * price
		cost = m.opts.Costs.Estimate(costs.Quote{
			NotionalUSD: plan.PositionValue,
			SpreadBps:   spreadBps,
			DepthUSD:    depthUSD,
		})
		if !m.opts.Costs.ShouldProceed(costs.ExpectedEdge(sig), cost) {
			return m.reject("cost_guard"), nil
		}
	}

	// Execute via the slicer.
	result, err := m.opts.Slicer.Execute(ctx, sig.Symbol, sig.Side, plan.Qty, &m.opts.SlicePlan, nil)
	if err != nil {
		return false, fmt.Errorf("trader: slicing: %w", err)
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.SlicesPlaced.Add(float64(len(result.Fills)))
		m.opts.Metrics.SlicesSkipped.Add(float64(result.Skipped))
	}
	if result.FilledQty <= 0 {
		return m.reject("no_fill"), nil
	}

	entryPrice := result.AvgPrice
	if entryPrice <= 0 {
		entryPrice = price
	}

	now := m.opts.Now()
	trade := &domain.TradeRecord{
		TradeID:        uuid.NewString(),
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		StrategyID:     sig.StrategyID,
		EntryPrice:     entryPrice,
		PositionSize:   result.FilledQty,
		RemainingSize:  result.FilledQty,
		StopLoss:       plan.StopPrice,
		TakeProfit:     plan.TakeProfit,
		RiskDistance:   plan.StopDistance,
		CommissionPaid: cost.FeeBps,
		SlippagePaid:   cost.SlippageBps + cost.ImpactBps,
		OpenedAt:       now,
	}
	if err := m.opts.Trades.Insert(ctx, trade); err != nil {
		return false, fmt.Errorf("trader: persist trade: %w", err)
	}

	exec := &domain.ExecutionRecord{
		TradeID:   trade.TradeID,
		ExecType:  domain.ExecEntry,
		Qty:       result.FilledQty,
		Price:     entryPrice,
		Timestamp: now,
	}
	if err := m.opts.Executions.Insert(ctx, exec); err != nil && !isDuplicate(err) {
		return false, fmt.Errorf("trader: record entry: %w", err)
	}
	m.countExecution(domain.ExecEntry)

	m.positions[sig.Symbol] = &domain.Position{
		TradeID:       trade.TradeID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		StrategyID:    sig.StrategyID,
		EntryPrice:    entryPrice,
		PositionSize:  result.FilledQty,
		RemainingSize: result.FilledQty,
		StopLoss:      plan.StopPrice,
		TakeProfit:    plan.TakeProfit,
		RiskDistance:  plan.StopDistance,
		OpenedAt:      now,
	}
	m.lastPrices[sig.Symbol] = entryPrice
	m.updateGaugesLocked()

	m.opts.Logger.WithFields(logrus.Fields{
		"symbol":   sig.Symbol,
		"side":     sig.Side,
		"trade_id": trade.TradeID,
		"qty":      result.FilledQty,
		"entry":    entryPrice,
		"stop":     plan.StopPrice,
		"tp":       plan.TakeProfit,
	}).Info("trader: position opened")
	return true, nil
}

// ClosePosition manually exits a symbol's open position at market.
func (m *Manager) ClosePosition(ctx context.Context, symbol, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return false, nil
	}

	price, err := m.opts.Exchange.GetPrice(ctx, symbol)
	if err != nil {
		if last, ok := m.lastPrices[symbol]; ok {
			price = last
		} else {
			return false, fmt.Errorf("trader: no price for %s: %w", symbol, err)
		}
	}

	if reason == "" {
		reason = domain.ExitReasonManual
	}
	if err := m.closeLocked(ctx, pos, price, reason); err != nil {
		return false, err
	}
	m.updateGaugesLocked()
	return true, nil
}

// CloseAllPositions exits every open position; used by EMERGENCY and manual
// flatten. Returns the number closed; the first error aborts the sweep.
func (m *Manager) CloseAllPositions(ctx context.Context) (int, error) {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.positions))
	for symbol := range m.positions {
		symbols = append(symbols, symbol)
	}
	m.mu.Unlock()

	closed := 0
	for _, symbol := range symbols {
		ok, err := m.ClosePosition(ctx, symbol, domain.ExitReasonEmergency)
		if err != nil {
			return closed, err
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}

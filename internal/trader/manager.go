// Package trader owns the position lifecycle: entry gating, tick-driven
// exits, partial exits, trailing stops, reconciliation and restart recovery.
package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tradeguard/internal/costs"
	"tradeguard/internal/domain"
	"tradeguard/internal/edge"
	"tradeguard/internal/exchange"
	"tradeguard/internal/micro"
	"tradeguard/internal/observability"
	"tradeguard/internal/risk"
	"tradeguard/internal/slicer"
	"tradeguard/internal/storage"
	"tradeguard/internal/thresholds"
)

// ScaleOutLevel is one configured partial-exit milestone.
type ScaleOutLevel struct {
	RMultiple float64 // profit level in R that triggers the partial
	Fraction  float64 // fraction of the original size to exit
}

// Config tunes the position lifecycle.
type Config struct {
	ScaleOutLevels   []ScaleOutLevel
	TrailActivationR float64       // trailing starts at this profit in R
	TrailGainPct     float64       // stop trails at this fraction of the open gain
	TrailCooldown    time.Duration // minimum time between trailing updates
	TimeStopAfter    time.Duration // close positions older than this, 0 disables

	MaxDailyLossPct      float64 // entry guardrail, positive magnitude
	MaxConsecutiveLosses int     // entry guardrail

	StatsWindow int // rolling window for latency/slippage averages, default 50
}

// DefaultConfig returns the standard lifecycle configuration.
func DefaultConfig() Config {
	return Config{
		ScaleOutLevels: []ScaleOutLevel{
			{RMultiple: 1.0, Fraction: 0.5},
			{RMultiple: 2.0, Fraction: 0.25},
		},
		TrailActivationR:     1.5,
		TrailGainPct:         0.5,
		TrailCooldown:        30 * time.Second,
		TimeStopAfter:        0,
		MaxDailyLossPct:      5,
		MaxConsecutiveLosses: 5,
		StatsWindow:          50,
	}
}

// Options wires the manager's collaborators.
type Options struct {
	Trades     storage.TradeStore
	Executions storage.ExecutionStore
	Exchange   exchange.Client
	Escalation *risk.Escalation
	Sizer      *risk.Sizer
	Slicer     *slicer.Slicer
	SlicePlan  domain.SlicePlan
	Costs      *costs.Calculator
	Micro      *micro.Filter
	Edge       *edge.Monitor
	Thresholds *thresholds.Cache
	Halt       risk.HaltFlag
	Metrics    *observability.Metrics
	Logger     *logrus.Logger
	Now        func() time.Time // test hook
	Config     Config
}

// Manager is the position manager. One coarse lock guards the ledger view,
// daily stats and rolling quality buffers; tick rate is bounded by the venue,
// not CPU, so correctness wins over fine-grained locking.
type Manager struct {
	mu   sync.Mutex
	opts Options
	cfg  Config

	positions  map[string]*domain.Position
	lastPrices map[string]float64

	dailyPnLPct       float64
	consecutiveLosses int
	dayAnchor         time.Time

	latenciesMs  []float64
	slippagesBps []float64
}

// New creates a Manager. Call Restore before serving ticks.
func New(opts Options) (*Manager, error) {
	if opts.Trades == nil || opts.Executions == nil {
		return nil, fmt.Errorf("trader: trade and execution stores required")
	}
	if opts.Exchange == nil {
		return nil, fmt.Errorf("trader: exchange client required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	cfg := opts.Config
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = DefaultConfig().StatsWindow
	}

	m := &Manager{
		opts:       opts,
		cfg:        cfg,
		positions:  make(map[string]*domain.Position),
		lastPrices: make(map[string]float64),
	}
	m.dayAnchor = dayStart(opts.Now())
	return m, nil
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Restore rebuilds the in-memory ledger from the trades and executions
// tables, and daily stats from trades closed today. Must produce exactly the
// state that existed before the restart.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	open, err := m.opts.Trades.GetOpen(ctx)
	if err != nil {
		return fmt.Errorf("trader: restore open trades: %w", err)
	}

	for _, t := range open {
		pos := &domain.Position{
			TradeID:       t.TradeID,
			Symbol:        t.Symbol,
			Side:          t.Side,
			StrategyID:    t.StrategyID,
			EntryPrice:    t.EntryPrice,
			PositionSize:  t.PositionSize,
			RemainingSize: t.RemainingSize,
			StopLoss:      t.StopLoss,
			TakeProfit:    t.TakeProfit,
			RiskDistance:  t.RiskDistance,
			TrailActive:   t.TrailActive,
			TrailStop:     t.TrailStop,
			ScaledOut:     append([]domain.ScaleOutFill(nil), t.ScaledOut...),
			OpenedAt:      t.OpenedAt,
		}

		// Cross-check the snapshot against the audit rows; the executions
		// table is the source of truth for which milestones fired.
		execs, err := m.opts.Executions.GetByTradeID(ctx, t.TradeID)
		if err != nil {
			return fmt.Errorf("trader: restore executions for %s: %w", t.TradeID, err)
		}
		for _, e := range execs {
			if e.ExecType == domain.ExecScaleOut && !pos.HasScaleOut(e.RMultiple) {
				pos.ScaledOut = append(pos.ScaledOut, domain.ScaleOutFill{
					RMultiple: e.RMultiple,
					Qty:       e.Qty,
					Price:     e.Price,
					FilledAt:  e.Timestamp,
				})
				pos.RemainingSize -= e.Qty
			}
			if e.ExecType == domain.ExecTrailingUpdate && e.Timestamp.After(pos.LastTrailAt) {
				pos.LastTrailAt = e.Timestamp
			}
		}

		if !pos.SizeConsistent() {
			m.opts.Logger.WithFields(logrus.Fields{
				"trade_id":  t.TradeID,
				"remaining": pos.RemainingSize,
				"original":  pos.PositionSize,
			}).Error("trader: restored position fails size conservation")
		}

		m.positions[t.Symbol] = pos
	}

	closed, err := m.opts.Trades.GetClosedSince(ctx, m.dayAnchor.UnixMilli())
	if err != nil {
		return fmt.Errorf("trader: restore closed trades: %w", err)
	}
	m.dailyPnLPct = 0
	m.consecutiveLosses = 0
	for _, t := range closed {
		if t.NetPnLPct == nil {
			continue
		}
		m.dailyPnLPct += *t.NetPnLPct
		if *t.NetPnLPct < 0 {
			m.consecutiveLosses++
		} else {
			m.consecutiveLosses = 0
		}
	}

	m.updateGaugesLocked()
	m.opts.Logger.WithFields(logrus.Fields{
		"open_positions": len(m.positions),
		"daily_pnl_pct":  m.dailyPnLPct,
	}).Info("trader: ledger restored")
	return nil
}

// GetOpenPositions returns copies of all open positions.
func (m *Manager) GetOpenPositions() []*domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		cp := *pos
		cp.ScaledOut = append([]domain.ScaleOutFill(nil), pos.ScaledOut...)
		out = append(out, &cp)
	}
	return out
}

// RiskStatus is the externally visible performance snapshot.
type RiskStatus struct {
	DailyPnLPct          float64
	ConsecutiveLosses    int
	MaxDailyLossPct      float64
	MaxConsecutiveLosses int
	OpenPositions        int
	UnrealizedPnLPct     float64
}

// RiskStatus returns daily performance against the configured guardrails.
func (m *Manager) RiskStatus() RiskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	return RiskStatus{
		DailyPnLPct:          m.dailyPnLPct,
		ConsecutiveLosses:    m.consecutiveLosses,
		MaxDailyLossPct:      m.cfg.MaxDailyLossPct,
		MaxConsecutiveLosses: m.cfg.MaxConsecutiveLosses,
		OpenPositions:        len(m.positions),
		UnrealizedPnLPct:     m.unrealizedLocked(),
	}
}

// RiskMetrics feeds the escalation controller.
func (m *Manager) RiskMetrics(context.Context) (domain.RiskMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return domain.RiskMetrics{
		DailyPnLPct:       m.dailyPnLPct,
		ConsecutiveLosses: m.consecutiveLosses,
		AvgLatencyMs:      mean(m.latenciesMs),
		AvgSlippageBps:    mean(m.slippagesBps),
	}, nil
}

// EscalationStatus returns the escalation controller's state.
func (m *Manager) EscalationStatus() domain.EscalationStatus {
	return m.opts.Escalation.Status()
}

// ForceEscalation manually drives the escalation level.
func (m *Manager) ForceEscalation(ctx context.Context, level domain.RiskLevel, reason string) {
	m.opts.Escalation.Force(ctx, level, reason)
}

// UnrealizedPnLPct returns aggregate unrealized PnL, each position weighted
// by its remaining-size fraction.
func (m *Manager) UnrealizedPnLPct() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unrealizedLocked()
}

func (m *Manager) unrealizedLocked() float64 {
	var total float64
	for _, pos := range m.positions {
		price, ok := m.lastPrices[pos.Symbol]
		if !ok || pos.PositionSize <= 0 {
			continue
		}
		total += pos.GrossPnLPct(price) * (pos.RemainingSize / pos.PositionSize)
	}
	return total
}

// rollDayLocked resets daily stats when the UTC day changes.
func (m *Manager) rollDayLocked(now time.Time) {
	if day := dayStart(now); day.After(m.dayAnchor) {
		m.dayAnchor = day
		m.dailyPnLPct = 0
		m.consecutiveLosses = 0
	}
}

func (m *Manager) recordOrderStatsLocked(latencyMs, slippageBps float64) {
	m.latenciesMs = appendBounded(m.latenciesMs, latencyMs, m.cfg.StatsWindow)
	m.slippagesBps = appendBounded(m.slippagesBps, slippageBps, m.cfg.StatsWindow)
}

func appendBounded(buf []float64, v float64, capacity int) []float64 {
	buf = append(buf, v)
	if len(buf) > capacity {
		buf = buf[len(buf)-capacity:]
	}
	return buf
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func (m *Manager) updateGaugesLocked() {
	if m.opts.Metrics == nil {
		return
	}
	m.opts.Metrics.OpenPositions.Set(float64(len(m.positions)))
	m.opts.Metrics.UnrealizedPnL.Set(m.unrealizedLocked())
	if m.opts.Escalation != nil {
		m.opts.Metrics.EscalationLevel.Set(float64(m.opts.Escalation.Level()))
		m.opts.Metrics.RiskPercent.Set(m.opts.Escalation.RiskPercent())
	}
}

func (m *Manager) countExecution(execType domain.ExecType) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.Executions.WithLabelValues(string(execType)).Inc()
	}
}

func (m *Manager) reject(reason string) bool {
	if m.opts.Metrics != nil {
		m.opts.Metrics.PolicyRejections.WithLabelValues(reason).Inc()
	}
	m.opts.Logger.WithField("reason", reason).Info("trader: entry rejected")
	return false
}

// isDuplicate reports whether an error is the idempotent-replay sentinel.
func isDuplicate(err error) bool {
	return errors.Is(err, storage.ErrDuplicateKey)
}

// Package edge classifies the live health of a trading edge from a rolling
// window of closed-trade results.
package edge

import (
	"math"
	"sync"
	"time"

	"tradeguard/internal/domain"
)

// z-scores for the supported confidence levels.
var zTable = map[float64]float64{
	0.90: 1.645,
	0.95: 1.96,
	0.99: 2.576,
}

// WilsonLowerBound returns the lower bound of the Wilson score interval for
// a win rate of wins/n at the given confidence. Unsupported confidence
// levels fall back to 0.95. Zero samples yield zero (fail closed).
func WilsonLowerBound(wins, n int, confidence float64) float64 {
	if n == 0 {
		return 0
	}

	z, ok := zTable[confidence]
	if !ok {
		z = zTable[0.95]
	}

	p := float64(wins) / float64(n)
	nf := float64(n)
	z2 := z * z

	denom := 1 + z2/nf
	center := p + z2/(2*nf)
	margin := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf))

	lower := (center - margin) / denom
	if lower < 0 {
		return 0
	}
	return lower
}

// window is a fixed-capacity ring buffer of trade results. Eviction is O(1).
type window struct {
	buf   []domain.TradeResult
	head  int
	count int
}

func newWindow(capacity int) *window {
	return &window{buf: make([]domain.TradeResult, capacity)}
}

func (w *window) push(r domain.TradeResult) {
	idx := (w.head + w.count) % len(w.buf)
	if w.count == len(w.buf) {
		// full: overwrite oldest
		w.buf[w.head] = r
		w.head = (w.head + 1) % len(w.buf)
		return
	}
	w.buf[idx] = r
	w.count++
}

func (w *window) each(fn func(domain.TradeResult)) {
	for i := 0; i < w.count; i++ {
		fn(w.buf[(w.head+i)%len(w.buf)])
	}
}

// Config tunes the monitor.
type Config struct {
	WindowSize    int     // ring capacity, default 200
	MinTrades     int     // minimum samples before metrics exist, default 50
	Confidence    float64 // Wilson confidence, default 0.95
	HotThreshold  float64 // expectancy above this is HOT, default 0.10
	WarmThreshold float64 // expectancy at or above this is WARM, default 0.0
}

// DefaultConfig returns the standard monitor configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize:    200,
		MinTrades:     50,
		Confidence:    0.95,
		HotThreshold:  0.10,
		WarmThreshold: 0.0,
	}
}

// Monitor maintains global and per-strategy rolling windows of trade results.
type Monitor struct {
	mu         sync.Mutex
	cfg        Config
	global     *window
	byStrategy map[string]*window
}

// NewMonitor creates a Monitor. Zero config fields take defaults.
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinTrades <= 0 {
		cfg.MinTrades = def.MinTrades
	}
	if cfg.Confidence == 0 {
		cfg.Confidence = def.Confidence
	}
	if cfg.HotThreshold == 0 {
		cfg.HotThreshold = def.HotThreshold
	}

	return &Monitor{
		cfg:        cfg,
		global:     newWindow(cfg.WindowSize),
		byStrategy: make(map[string]*window),
	}
}

// Record adds a closed-trade result to the global window and the strategy's
// window.
func (m *Monitor) Record(r domain.TradeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.global.push(r)
	if r.StrategyID != "" {
		w, ok := m.byStrategy[r.StrategyID]
		if !ok {
			w = newWindow(m.cfg.WindowSize)
			m.byStrategy[r.StrategyID] = w
		}
		w.push(r)
	}
}

// Metrics returns global metrics, or nil below the minimum sample size.
// Callers treat nil as COLD.
func (m *Monitor) Metrics() *domain.EdgeHealthMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.computeLocked(m.global)
}

// StrategyMetrics returns metrics for one strategy, or nil below the minimum
// sample size.
func (m *Monitor) StrategyMetrics(strategyID string) *domain.EdgeHealthMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.byStrategy[strategyID]
	if !ok {
		return nil
	}
	return m.computeLocked(w)
}

// Status returns the global edge status; COLD below minimum samples.
func (m *Monitor) Status() domain.EdgeStatus {
	if metrics := m.Metrics(); metrics != nil {
		return metrics.Status
	}
	return domain.EdgeCold
}

// StrategyStatus returns a strategy's status; COLD below minimum samples.
func (m *Monitor) StrategyStatus(strategyID string) domain.EdgeStatus {
	if metrics := m.StrategyMetrics(strategyID); metrics != nil {
		return metrics.Status
	}
	return domain.EdgeCold
}

// Aggregates snapshots per-strategy metrics for the analytics sink. Only
// strategies above the minimum sample size produce rows.
func (m *Monitor) Aggregates(at time.Time) []*domain.StrategyAggregate {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.StrategyAggregate
	for strategyID, w := range m.byStrategy {
		metrics := m.computeLocked(w)
		if metrics == nil {
			continue
		}
		wins := int(math.Round(metrics.WinRate * float64(metrics.TotalTrades)))
		out = append(out, &domain.StrategyAggregate{
			StrategyID:       strategyID,
			WindowTrades:     metrics.TotalTrades,
			Wins:             wins,
			Losses:           metrics.TotalTrades - wins,
			WinRate:          metrics.WinRate,
			AvgWinR:          metrics.AvgWinR,
			AvgLossR:         metrics.AvgLossR,
			ExpectancyR:      metrics.ExpectancyR,
			WilsonLowerBound: metrics.WilsonLowerBound,
			Status:           metrics.Status,
			ComputedAtMs:     at.UnixMilli(),
		})
	}
	return out
}

func (m *Monitor) computeLocked(w *window) *domain.EdgeHealthMetrics {
	if w.count < m.cfg.MinTrades {
		return nil
	}

	var wins, losses int
	var winR, lossR float64
	w.each(func(r domain.TradeResult) {
		if r.Win {
			wins++
			winR += r.RMultiple
		} else {
			losses++
			lossR += math.Abs(r.RMultiple)
		}
	})

	n := wins + losses
	winRate := float64(wins) / float64(n)

	var avgWin, avgLoss float64
	if wins > 0 {
		avgWin = winR / float64(wins)
	}
	if losses > 0 {
		avgLoss = lossR / float64(losses)
	}

	expectancy := winRate*avgWin - (1-winRate)*avgLoss

	status := domain.EdgeCold
	switch {
	case expectancy > m.cfg.HotThreshold:
		status = domain.EdgeHot
	case expectancy >= m.cfg.WarmThreshold:
		status = domain.EdgeWarm
	}

	return &domain.EdgeHealthMetrics{
		TotalTrades:      n,
		WinRate:          winRate,
		AvgWinR:          avgWin,
		AvgLossR:         avgLoss,
		ExpectancyR:      expectancy,
		WilsonLowerBound: WilsonLowerBound(wins, n, m.cfg.Confidence),
		Status:           status,
	}
}

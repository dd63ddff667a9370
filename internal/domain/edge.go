package domain

// EdgeStatus classifies the current health of a trading edge.
type EdgeStatus string

const (
	EdgeHot  EdgeStatus = "HOT"
	EdgeWarm EdgeStatus = "WARM"
	EdgeCold EdgeStatus = "COLD"
)

// RiskMultiplier returns the sizing multiplier for the status.
func (s EdgeStatus) RiskMultiplier() float64 {
	switch s {
	case EdgeHot:
		return 1.0
	case EdgeWarm:
		return 0.5
	default:
		return 0.0
	}
}

// TradeResult is one closed-trade sample fed into the edge health window.
type TradeResult struct {
	StrategyID string
	RMultiple  float64
	Win        bool
}

// EdgeHealthMetrics is recomputed from the rolling window whenever enough
// samples exist. Callers treat an absent metrics value as COLD.
type EdgeHealthMetrics struct {
	TotalTrades      int
	WinRate          float64
	AvgWinR          float64
	AvgLossR         float64 // positive magnitude
	ExpectancyR      float64
	WilsonLowerBound float64
	Status           EdgeStatus
}

// StrategyAggregate is the per-strategy analytics row flushed to the
// analytics sink for offline review.
type StrategyAggregate struct {
	StrategyID       string
	WindowTrades     int
	Wins             int
	Losses           int
	WinRate          float64
	AvgWinR          float64
	AvgLossR         float64
	ExpectancyR      float64
	WilsonLowerBound float64
	Status           EdgeStatus
	ComputedAtMs     int64
}

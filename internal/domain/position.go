package domain

import (
	"math"
	"time"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the closing side for order submission.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// SizeEpsilon is the tolerance for position size conservation checks.
const SizeEpsilon = 1e-9

// ScaleOutFill records one executed partial exit at a profit milestone.
// The list on a Position is append-only; RMultiple is the idempotency key.
type ScaleOutFill struct {
	RMultiple float64 // profit milestone in R that triggered the fill
	Qty       float64 // quantity reduced
	Price     float64 // fill price
	FilledAt  time.Time
}

// Position is a live open position. Owned exclusively by the position
// manager and mutated only under its lock; closing a position destroys it
// (the persisted TradeRecord keeps the history).
type Position struct {
	TradeID       string // ledger key
	Symbol        string
	Side          Side
	StrategyID    string
	EntryPrice    float64
	PositionSize  float64 // original size at entry
	RemainingSize float64
	StopLoss      float64
	TakeProfit    float64
	RiskDistance  float64 // entry-to-initial-stop distance, denominator for R
	ScaledOut     []ScaleOutFill
	TrailActive   bool
	TrailStop     float64
	LastTrailAt   time.Time // cooldown anchor for trailing recomputation
	OpenedAt      time.Time
	HealAttempted bool // protective-order re-submission already tried once
}

// UnrealizedR returns current profit in R-multiples at the given price.
func (p *Position) UnrealizedR(price float64) float64 {
	if p.RiskDistance <= 0 {
		return 0
	}
	if p.Side == SideLong {
		return (price - p.EntryPrice) / p.RiskDistance
	}
	return (p.EntryPrice - price) / p.RiskDistance
}

// GrossPnLPct returns the unrealized gross PnL percentage at the given price.
func (p *Position) GrossPnLPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Side == SideLong {
		return (price - p.EntryPrice) / p.EntryPrice * 100
	}
	return (p.EntryPrice - price) / p.EntryPrice * 100
}

// ScaledOutQty returns the total quantity already scaled out.
func (p *Position) ScaledOutQty() float64 {
	var total float64
	for _, f := range p.ScaledOut {
		total += f.Qty
	}
	return total
}

// HasScaleOut reports whether a fill at the given R milestone already exists.
func (p *Position) HasScaleOut(rMultiple float64) bool {
	for _, f := range p.ScaledOut {
		if f.RMultiple == rMultiple {
			return true
		}
	}
	return false
}

// SizeConsistent verifies remaining + scaled-out == original within epsilon.
func (p *Position) SizeConsistent() bool {
	return math.Abs(p.RemainingSize+p.ScaledOutQty()-p.PositionSize) <= SizeEpsilon
}

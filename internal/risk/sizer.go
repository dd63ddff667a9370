// Package risk covers position sizing, the halt flag and the risk
// escalation state machine.
package risk

import (
	"fmt"

	"tradeguard/internal/domain"
)

// SizerConfig tunes stop placement and sizing.
type SizerConfig struct {
	ATRMultiplier     float64 // stop distance = ATR × this when ATR is known
	FallbackStopPct   float64 // stop distance = entry × this without ATR
	RewardRatio       float64 // take-profit distance = risk distance × this
	SlippageBufferPct float64 // widens the submitted stop
	Leverage          float64 // 1 for spot
	MaxMarginFraction float64 // margin cap as a fraction of balance
}

// DefaultSizerConfig returns the standard sizing parameters.
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		ATRMultiplier:     2.0,
		FallbackStopPct:   0.02,
		RewardRatio:       2.0,
		SlippageBufferPct: 0.001,
		Leverage:          1,
		MaxMarginFraction: 0.9,
	}
}

// SizePlan is the computed order plan for one entry.
type SizePlan struct {
	Qty           float64
	StopPrice     float64 // slippage buffer already applied
	TakeProfit    float64
	StopDistance  float64 // raw, before the slippage buffer
	PositionValue float64
	Margin        float64
}

// Sizer computes position size from account balance and risk percent. It is
// stateless; the caller supplies the effective risk percent per call so
// escalation cuts apply naturally.
type Sizer struct {
	cfg SizerConfig
}

// NewSizer creates a Sizer. Zero config fields take defaults.
func NewSizer(cfg SizerConfig) *Sizer {
	def := DefaultSizerConfig()
	if cfg.ATRMultiplier <= 0 {
		cfg.ATRMultiplier = def.ATRMultiplier
	}
	if cfg.FallbackStopPct <= 0 {
		cfg.FallbackStopPct = def.FallbackStopPct
	}
	if cfg.RewardRatio <= 0 {
		cfg.RewardRatio = def.RewardRatio
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = def.Leverage
	}
	if cfg.MaxMarginFraction <= 0 || cfg.MaxMarginFraction > 1 {
		cfg.MaxMarginFraction = def.MaxMarginFraction
	}
	return &Sizer{cfg: cfg}
}

// Size computes the order plan for an entry at entryPrice risking riskPct of
// balance. atr may be nil when no volatility estimate exists.
func (s *Sizer) Size(balance, entryPrice, riskPct float64, side domain.Side, atr *float64) (*SizePlan, error) {
	if balance <= 0 {
		return nil, fmt.Errorf("risk: non-positive balance %.2f", balance)
	}
	if entryPrice <= 0 {
		return nil, fmt.Errorf("risk: non-positive entry price %.8f", entryPrice)
	}
	if riskPct <= 0 {
		return nil, fmt.Errorf("risk: risk percent is zero, sizing disabled")
	}

	stopDist := entryPrice * s.cfg.FallbackStopPct
	if atr != nil && *atr > 0 {
		stopDist = *atr * s.cfg.ATRMultiplier
	}
	if stopDist >= entryPrice {
		return nil, fmt.Errorf("risk: stop distance %.8f exceeds entry price", stopDist)
	}

	stopDistPct := stopDist / entryPrice
	positionValue := (balance * riskPct / 100) / stopDistPct

	margin := positionValue / s.cfg.Leverage
	if maxMargin := balance * s.cfg.MaxMarginFraction; margin > maxMargin {
		positionValue *= maxMargin / margin
		margin = maxMargin
	}

	qty := positionValue / entryPrice

	// TP keeps the configured reward ratio against the raw risk distance;
	// only the submitted stop carries the slippage buffer.
	buffered := stopDist * (1 + s.cfg.SlippageBufferPct)

	var stopPrice, takeProfit float64
	switch side {
	case domain.SideLong:
		stopPrice = entryPrice - buffered
		takeProfit = entryPrice + stopDist*s.cfg.RewardRatio
	case domain.SideShort:
		stopPrice = entryPrice + buffered
		takeProfit = entryPrice - stopDist*s.cfg.RewardRatio
	default:
		return nil, fmt.Errorf("risk: unknown side %q", side)
	}

	return &SizePlan{
		Qty:           qty,
		StopPrice:     stopPrice,
		TakeProfit:    takeProfit,
		StopDistance:  stopDist,
		PositionValue: positionValue,
		Margin:        margin,
	}, nil
}

// Package costs estimates the round-trip cost of an entry and compares it
// against the expected edge.
package costs

import (
	"math"

	"tradeguard/internal/domain"
)

// Model selectors.
type FeeModel string

const (
	FeeFlat    FeeModel = "flat"
	FeeTiered  FeeModel = "tiered"
	FeeDynamic FeeModel = "dynamic"
)

type SlippageModel string

const (
	SlippageStatic  SlippageModel = "static"
	SlippageSpread  SlippageModel = "spread"
	SlippageDynamic SlippageModel = "dynamic"
)

// FeeTier maps a 30-day volume floor to a taker fee.
type FeeTier struct {
	VolumeFloor float64 // 30-day traded volume in quote currency
	TakerBps    float64
}

// Config tunes the calculator.
type Config struct {
	FeeModel      FeeModel
	FlatFeeBps    float64
	Tiers         []FeeTier // ascending by VolumeFloor
	MakerDiscount float64   // fraction shaved off for maker fills, e.g. 0.2

	SlippageModel    SlippageModel
	StaticBps        float64
	SpreadMultiplier float64
	DepthPenaltyBps  float64 // added per 1% of order/depth ratio beyond the knee
	MaxSlippageBps   float64

	ImpactThresholdUSD float64 // no impact below this notional
	ImpactBpsPer1k     float64
	ImpactDepthAmp     float64 // amplifier when order/depth > 10%
	MaxImpactBps       float64 // hard cap, default 50

	GuardEnabled bool
	KMultiple    float64 // edge must exceed cost by this factor, default 4.0
}

// DefaultConfig returns the standard cost configuration.
func DefaultConfig() Config {
	return Config{
		FeeModel:   FeeTiered,
		FlatFeeBps: 10,
		Tiers: []FeeTier{
			{VolumeFloor: 0, TakerBps: 10},
			{VolumeFloor: 1_000_000, TakerBps: 8},
			{VolumeFloor: 10_000_000, TakerBps: 6},
			{VolumeFloor: 50_000_000, TakerBps: 4},
		},
		MakerDiscount:      0.2,
		SlippageModel:      SlippageDynamic,
		StaticBps:          5,
		SpreadMultiplier:   1.0,
		DepthPenaltyBps:    2,
		MaxSlippageBps:     30,
		ImpactThresholdUSD: 10_000,
		ImpactBpsPer1k:     0.1,
		ImpactDepthAmp:     2.0,
		MaxImpactBps:       50,
		GuardEnabled:       true,
		KMultiple:          4.0,
	}
}

// Calculator estimates entry costs. Stateless.
type Calculator struct {
	cfg Config
}

// New creates a Calculator. Zero config fields take defaults.
func New(cfg Config) *Calculator {
	def := DefaultConfig()
	if cfg.FeeModel == "" {
		cfg.FeeModel = def.FeeModel
	}
	if cfg.SlippageModel == "" {
		cfg.SlippageModel = def.SlippageModel
	}
	if cfg.FlatFeeBps == 0 {
		cfg.FlatFeeBps = def.FlatFeeBps
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = def.Tiers
	}
	if cfg.StaticBps == 0 {
		cfg.StaticBps = def.StaticBps
	}
	if cfg.SpreadMultiplier == 0 {
		cfg.SpreadMultiplier = def.SpreadMultiplier
	}
	if cfg.MaxSlippageBps == 0 {
		cfg.MaxSlippageBps = def.MaxSlippageBps
	}
	if cfg.DepthPenaltyBps == 0 {
		cfg.DepthPenaltyBps = def.DepthPenaltyBps
	}
	if cfg.ImpactThresholdUSD == 0 {
		cfg.ImpactThresholdUSD = def.ImpactThresholdUSD
	}
	if cfg.ImpactBpsPer1k == 0 {
		cfg.ImpactBpsPer1k = def.ImpactBpsPer1k
	}
	if cfg.ImpactDepthAmp == 0 {
		cfg.ImpactDepthAmp = def.ImpactDepthAmp
	}
	if cfg.MaxImpactBps == 0 {
		cfg.MaxImpactBps = def.MaxImpactBps
	}
	if cfg.KMultiple == 0 {
		cfg.KMultiple = def.KMultiple
	}
	return &Calculator{cfg: cfg}
}

// Quote is the market context for one cost estimate.
type Quote struct {
	NotionalUSD     float64 // order size in quote currency
	Volume30dUSD    float64 // trader's 30-day volume for fee tiers
	MakerFill       bool
	SpreadBps       float64 // current spread as bps of mid
	DepthUSD        float64 // book depth near the touch in quote currency
	DynamicFeeBps   float64 // exchange-reported fee, 0 when unknown
	DynamicSlipBps  float64 // live slippage estimate, 0 when unknown
}

// Estimate computes the round-trip cost components for a proposed entry.
func (c *Calculator) Estimate(q Quote) domain.CostComponents {
	fee := c.feeBps(q)
	slip := c.slippageBps(q)
	impact := c.impactBps(q)

	return domain.CostComponents{
		FeeBps:      fee,
		SlippageBps: slip,
		ImpactBps:   impact,
		TotalBps:    fee + slip + impact,
	}
}

func (c *Calculator) feeBps(q Quote) float64 {
	switch c.cfg.FeeModel {
	case FeeFlat:
		return c.cfg.FlatFeeBps
	case FeeDynamic:
		if q.DynamicFeeBps > 0 {
			return q.DynamicFeeBps
		}
		return c.tieredFee(q)
	default:
		return c.tieredFee(q)
	}
}

func (c *Calculator) tieredFee(q Quote) float64 {
	fee := c.cfg.FlatFeeBps
	for _, tier := range c.cfg.Tiers {
		if q.Volume30dUSD >= tier.VolumeFloor {
			fee = tier.TakerBps
		}
	}
	if q.MakerFill {
		fee *= 1 - c.cfg.MakerDiscount
	}
	return fee
}

func (c *Calculator) slippageBps(q Quote) float64 {
	spread := q.SpreadBps / 2 * c.cfg.SpreadMultiplier

	var slip float64
	switch c.cfg.SlippageModel {
	case SlippageStatic:
		slip = c.cfg.StaticBps
	case SlippageSpread:
		slip = spread
	default:
		slip = math.Max(c.cfg.StaticBps, spread)
		if q.DynamicSlipBps > slip {
			slip = q.DynamicSlipBps
		}
		// Depth penalty kicks in above a 5% order/depth ratio.
		if q.DepthUSD > 0 {
			if ratio := q.NotionalUSD / q.DepthUSD; ratio > 0.05 {
				slip += c.cfg.DepthPenaltyBps * (ratio - 0.05) * 100
			}
		}
	}

	return math.Min(slip, c.cfg.MaxSlippageBps)
}

func (c *Calculator) impactBps(q Quote) float64 {
	if q.NotionalUSD <= c.cfg.ImpactThresholdUSD {
		return 0
	}

	excess := q.NotionalUSD - c.cfg.ImpactThresholdUSD
	impact := excess / 1000 * c.cfg.ImpactBpsPer1k

	if q.DepthUSD > 0 && q.NotionalUSD/q.DepthUSD > 0.10 {
		impact *= c.cfg.ImpactDepthAmp
	}

	return math.Min(impact, c.cfg.MaxImpactBps)
}

// ExpectedEdge computes the weighted edge composite from a signal's
// sub-scores.
func ExpectedEdge(sig *domain.Signal) domain.EdgeExpectation {
	ege := 0.4*sig.Confluence + 0.3*sig.Regime + 0.2*sig.SignalStrength + 0.1*sig.VolumeScore
	return domain.EdgeExpectation{
		Confluence:     sig.Confluence,
		Regime:         sig.Regime,
		SignalStrength: sig.SignalStrength,
		VolumeScore:    sig.VolumeScore,
		TotalEGE:       ege,
	}
}

// ShouldProceed applies the cost-of-edge rule: the expected edge must exceed
// the fractional cost by the configured multiple. A disabled guard always
// proceeds.
func (c *Calculator) ShouldProceed(edge domain.EdgeExpectation, cost domain.CostComponents) bool {
	if !c.cfg.GuardEnabled {
		return true
	}

	costFrac := cost.TotalBps / 10000
	if costFrac <= 0 {
		return true
	}
	return edge.TotalEGE/costFrac >= c.cfg.KMultiple
}

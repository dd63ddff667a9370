package domain

import "time"

// Signal is an entry proposal produced by an external strategy collaborator.
// The execution core only gates, sizes and executes it.
type Signal struct {
	Symbol         string
	Side           Side
	StrategyID     string
	Confluence     float64 // [0,1] sub-score: indicator agreement
	Regime         float64 // [0,1] sub-score: regime fit
	SignalStrength float64 // [0,1] sub-score: raw signal strength
	VolumeScore    float64 // [0,1] sub-score: volume confirmation
	ATR            float64 // current ATR, zero when unavailable
	GeneratedAt    time.Time
}

// Tick is one price update delivered by the feed.
type Tick struct {
	Symbol    string
	Price     float64
	Volume    float64
	Timestamp time.Time
}

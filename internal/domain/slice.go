package domain

import "time"

// SliceMode selects the slicing schedule.
type SliceMode string

const (
	SliceTWAP SliceMode = "twap"
	SliceVWAP SliceMode = "vwap"
	SliceAuto SliceMode = "auto"
)

// SlicePlan configures how a parent order is split into child orders.
type SlicePlan struct {
	Slices               int
	Interval             time.Duration // delay between child orders, zero in tests
	Mode                 SliceMode
	MinNotional          float64
	MinQty               float64
	MaxParticipationRate float64 // cap per slice as fraction of market volume
}

// SliceFill is the outcome of one submitted child order.
type SliceFill struct {
	ClientOrderID string
	Qty           float64
	Price         float64
	SubmittedAt   time.Time
}

// SliceResult summarizes a completed (or interrupted) slicing run.
type SliceResult struct {
	Fills       []SliceFill
	FilledQty   float64
	AvgPrice    float64
	Skipped     int  // slices dropped below min notional/qty
	Interrupted bool // stop requested between slices
}

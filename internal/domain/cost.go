package domain

// CostComponents breaks down the estimated round-trip cost of an entry in
// basis points.
type CostComponents struct {
	FeeBps      float64
	SlippageBps float64
	ImpactBps   float64
	TotalBps    float64 // sum of the above
}

// EdgeExpectation is the weighted signal-quality composite compared against
// cost by the cost-of-edge guard.
type EdgeExpectation struct {
	Confluence     float64 // [0,1]
	Regime         float64 // [0,1]
	SignalStrength float64 // [0,1]
	VolumeScore    float64 // [0,1]
	TotalEGE       float64 // weighted composite
}

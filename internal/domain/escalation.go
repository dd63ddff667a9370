package domain

import "time"

// RiskLevel is the aggregate risk escalation level.
type RiskLevel int

const (
	RiskNormal RiskLevel = iota
	RiskWarning
	RiskCritical
	RiskEmergency
)

// String returns the canonical level name.
func (l RiskLevel) String() string {
	switch l {
	case RiskNormal:
		return "NORMAL"
	case RiskWarning:
		return "WARNING"
	case RiskCritical:
		return "CRITICAL"
	case RiskEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// ParseRiskLevel converts a level name to a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	switch s {
	case "NORMAL":
		return RiskNormal, true
	case "WARNING":
		return RiskWarning, true
	case "CRITICAL":
		return RiskCritical, true
	case "EMERGENCY":
		return RiskEmergency, true
	default:
		return RiskNormal, false
	}
}

// RiskMetrics is the snapshot of aggregate performance the escalation
// controller evaluates. Sourced from the position manager and the feed.
type RiskMetrics struct {
	DailyPnLPct       float64
	ConsecutiveLosses int
	AvgLatencyMs      float64
	AvgSlippageBps    float64
}

// EscalationTransition is one recorded level change, kept in bounded history.
type EscalationTransition struct {
	From    RiskLevel
	To      RiskLevel
	Reasons []string
	At      time.Time
}

// EscalationStatus is the externally visible escalation state.
type EscalationStatus struct {
	Level               RiskLevel
	Reasons             []string
	OriginalRiskPercent *float64 // snapshot taken on first cut, nil at NORMAL
	CurrentRiskPercent  float64
	Since               time.Time
}

package domain

import "time"

// TradeRecord is the persisted ledger row for a position. Created on entry,
// updated on partial exits and trailing moves, finalized on close. Together
// with the execution rows it must reconstruct the in-memory Position exactly
// after a restart.
type TradeRecord struct {
	TradeID    string
	Symbol     string
	Side       Side
	StrategyID string

	EntryPrice    float64
	PositionSize  float64
	RemainingSize float64
	StopLoss      float64
	TakeProfit    float64
	RiskDistance  float64
	TrailActive   bool
	TrailStop     float64
	ScaledOut     []ScaleOutFill // serialized snapshot of the fills

	// Finalized on close
	ExitPrice      *float64
	GrossPnLPct    *float64
	NetPnLPct      *float64 // gross minus round-trip cost
	CommissionPaid float64
	SlippagePaid   float64
	ExitReason     string

	OpenedAt time.Time
	ClosedAt *time.Time
}

// Open reports whether the trade has not been finalized yet.
func (t *TradeRecord) Open() bool {
	return t.ClosedAt == nil
}

// Exit reason codes.
const (
	ExitReasonStopLoss   = "STOP_LOSS"
	ExitReasonTakeProfit = "TAKE_PROFIT"
	ExitReasonTimeStop   = "TIME_STOP"
	ExitReasonManual     = "MANUAL"
	ExitReasonEmergency  = "EMERGENCY"
)

// ExecType classifies a ledger-visible state change.
type ExecType string

const (
	ExecEntry          ExecType = "entry"
	ExecScaleOut       ExecType = "scale_out"
	ExecTrailingUpdate ExecType = "trailing_update"
	ExecExit           ExecType = "exit"
)

// ExecutionRecord is one append-only audit row per state-changing event.
// (TradeID, ExecType, RMultiple) uniqueness enforces scale-out idempotency;
// RMultiple is zero for non-scale-out rows.
type ExecutionRecord struct {
	TradeID   string
	ExecType  ExecType
	RMultiple float64
	Qty       float64
	Price     float64
	Timestamp time.Time
}

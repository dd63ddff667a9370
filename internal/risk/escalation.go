package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tradeguard/internal/domain"
)

const historyCap = 100

// Limits are the CRITICAL thresholds. WARNING fires at WarningFraction of
// each limit.
type Limits struct {
	MaxDailyLossPct      float64 // positive magnitude, e.g. 5 means -5% daily PnL
	MaxConsecutiveLosses int
	MaxLatencyMs         float64
	MaxSlippageBps       float64
	EmergencyLossPct     float64 // daily loss forcing EMERGENCY, 0 disables
	WarningFraction      float64 // default 0.75
}

// DefaultLimits returns the standard escalation limits.
func DefaultLimits() Limits {
	return Limits{
		MaxDailyLossPct:      5,
		MaxConsecutiveLosses: 5,
		MaxLatencyMs:         1500,
		MaxSlippageBps:       40,
		EmergencyLossPct:     10,
		WarningFraction:      0.75,
	}
}

// EscalationOptions wires the escalation controller.
type EscalationOptions struct {
	Limits             Limits
	RiskPercent        float64 // baseline risk percent at NORMAL
	AnomalyMultiplier  float64 // WARNING cut, default 0.5
	CriticalMultiplier float64 // CRITICAL cut, default 0.25
	Halt               HaltFlag
	Metrics            func(ctx context.Context) (domain.RiskMetrics, error)
	CloseAll           func(ctx context.Context) (int, error) // EMERGENCY action
	Logger             *logrus.Logger
	Now                func() time.Time // test hook
}

// Escalation is the aggregate risk-level state machine. All mutation happens
// under one mutex; Evaluate is called periodically and inline before entries.
type Escalation struct {
	mu      sync.Mutex
	opts    EscalationOptions
	level   domain.RiskLevel
	reasons []string
	since   time.Time

	riskPct  float64
	original *float64 // snapshot taken on the first cut, nil at NORMAL

	history []domain.EscalationTransition
}

// NewEscalation creates the controller at NORMAL.
func NewEscalation(opts EscalationOptions) (*Escalation, error) {
	if opts.Metrics == nil {
		return nil, fmt.Errorf("risk: escalation requires a metrics source")
	}
	if opts.RiskPercent <= 0 {
		return nil, fmt.Errorf("risk: non-positive baseline risk percent")
	}
	if opts.AnomalyMultiplier <= 0 {
		opts.AnomalyMultiplier = 0.5
	}
	if opts.CriticalMultiplier <= 0 {
		opts.CriticalMultiplier = 0.25
	}
	if opts.Limits.WarningFraction <= 0 {
		opts.Limits.WarningFraction = 0.75
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Escalation{
		opts:    opts,
		level:   domain.RiskNormal,
		riskPct: opts.RiskPercent,
		since:   opts.Now(),
	}, nil
}

// RiskPercent returns the effective risk percent after escalation cuts.
func (e *Escalation) RiskPercent() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.riskPct
}

// Level returns the current escalation level.
func (e *Escalation) Level() domain.RiskLevel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.level
}

// Status returns the externally visible escalation state.
func (e *Escalation) Status() domain.EscalationStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	var original *float64
	if e.original != nil {
		v := *e.original
		original = &v
	}
	return domain.EscalationStatus{
		Level:               e.level,
		Reasons:             append([]string(nil), e.reasons...),
		OriginalRiskPercent: original,
		CurrentRiskPercent:  e.riskPct,
		Since:               e.since,
	}
}

// History returns a copy of the bounded transition history.
func (e *Escalation) History() []domain.EscalationTransition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.EscalationTransition(nil), e.history...)
}

// Evaluate recomputes the risk level. The halt flag wins over metrics; a
// metrics-source error retains the current level. EMERGENCY never downgrades
// automatically, only Force can leave it.
func (e *Escalation) Evaluate(ctx context.Context) domain.RiskLevel {
	// Metrics are pulled before taking the lock: the source may itself lock
	// the position manager, which calls back into this controller.
	haltReasonText, haltPresent := e.opts.Halt.Reason()

	var metrics domain.RiskMetrics
	var metricsErr error
	if !haltPresent {
		metrics, metricsErr = e.opts.Metrics(ctx)
	}

	e.mu.Lock()

	if e.level == domain.RiskEmergency {
		level := e.level
		e.mu.Unlock()
		return level
	}

	var closeAll bool
	switch {
	case haltPresent:
		closeAll = e.transitionLocked(domain.RiskCritical, []string{haltReason(haltReasonText)})
	case metricsErr != nil:
		e.opts.Logger.WithError(metricsErr).Warn("escalation: metrics source failed, retaining level")
	default:
		target, reasons := e.classify(metrics)
		closeAll = e.transitionLocked(target, reasons)
	}

	level := e.level
	e.mu.Unlock()

	if closeAll {
		e.runCloseAll(ctx)
	}
	return level
}

// Force applies a manual escalation with the given reason, bypassing metric
// classification. Forcing NORMAL performs a full recovery.
func (e *Escalation) Force(ctx context.Context, level domain.RiskLevel, reason string) {
	e.mu.Lock()
	closeAll := e.transitionLocked(level, []string{reason})
	e.mu.Unlock()

	if closeAll {
		e.runCloseAll(ctx)
	}
}

// runCloseAll flattens every position outside the controller lock; the
// position manager takes its own lock and reads back escalation state.
func (e *Escalation) runCloseAll(ctx context.Context) {
	if e.opts.CloseAll == nil {
		return
	}
	closed, err := e.opts.CloseAll(ctx)
	if err != nil {
		e.opts.Logger.WithError(err).Error("escalation: emergency close-all failed")
		return
	}
	e.opts.Logger.WithField("closed", closed).Warn("escalation: emergency close-all done")
}

func haltReason(content string) string {
	if content == "" {
		return "manual halt flag present"
	}
	return "manual halt flag: " + content
}

// classify derives (level, reasons) from metrics. CRITICAL thresholds are
// checked before WARNING so a full breach never reports as WARNING.
func (e *Escalation) classify(m domain.RiskMetrics) (domain.RiskLevel, []string) {
	lim := e.opts.Limits

	if lim.EmergencyLossPct > 0 && m.DailyPnLPct <= -lim.EmergencyLossPct {
		return domain.RiskEmergency,
			[]string{fmt.Sprintf("daily loss %.2f%% beyond emergency limit %.2f%%", m.DailyPnLPct, lim.EmergencyLossPct)}
	}

	var critical []string
	if lim.MaxDailyLossPct > 0 && m.DailyPnLPct <= -lim.MaxDailyLossPct {
		critical = append(critical, fmt.Sprintf("daily loss %.2f%% at limit %.2f%%", m.DailyPnLPct, lim.MaxDailyLossPct))
	}
	if lim.MaxConsecutiveLosses > 0 && m.ConsecutiveLosses >= lim.MaxConsecutiveLosses {
		critical = append(critical, fmt.Sprintf("%d consecutive losses at limit %d", m.ConsecutiveLosses, lim.MaxConsecutiveLosses))
	}
	if lim.MaxLatencyMs > 0 && m.AvgLatencyMs >= lim.MaxLatencyMs {
		critical = append(critical, fmt.Sprintf("avg latency %.0fms at limit %.0fms", m.AvgLatencyMs, lim.MaxLatencyMs))
	}
	if lim.MaxSlippageBps > 0 && m.AvgSlippageBps >= lim.MaxSlippageBps {
		critical = append(critical, fmt.Sprintf("avg slippage %.1fbps at limit %.1fbps", m.AvgSlippageBps, lim.MaxSlippageBps))
	}
	if len(critical) > 0 {
		return domain.RiskCritical, critical
	}

	f := lim.WarningFraction
	var warning []string
	if lim.MaxDailyLossPct > 0 && m.DailyPnLPct <= -lim.MaxDailyLossPct*f {
		warning = append(warning, fmt.Sprintf("daily loss %.2f%% approaching limit %.2f%%", m.DailyPnLPct, lim.MaxDailyLossPct))
	}
	if lim.MaxConsecutiveLosses > 0 && float64(m.ConsecutiveLosses) >= float64(lim.MaxConsecutiveLosses)*f {
		warning = append(warning, fmt.Sprintf("%d consecutive losses approaching limit %d", m.ConsecutiveLosses, lim.MaxConsecutiveLosses))
	}
	if lim.MaxLatencyMs > 0 && m.AvgLatencyMs >= lim.MaxLatencyMs*f {
		warning = append(warning, fmt.Sprintf("avg latency %.0fms approaching limit %.0fms", m.AvgLatencyMs, lim.MaxLatencyMs))
	}
	if lim.MaxSlippageBps > 0 && m.AvgSlippageBps >= lim.MaxSlippageBps*f {
		warning = append(warning, fmt.Sprintf("avg slippage %.1fbps approaching limit %.1fbps", m.AvgSlippageBps, lim.MaxSlippageBps))
	}
	if len(warning) > 0 {
		return domain.RiskWarning, warning
	}

	return domain.RiskNormal, nil
}

// transitionLocked applies a debounced level change and its side effects.
// Returns true when the caller must run the emergency close-all after
// releasing the lock.
func (e *Escalation) transitionLocked(target domain.RiskLevel, reasons []string) bool {
	if target == e.level && equalReasons(reasons, e.reasons) {
		return false
	}

	from := e.level
	now := e.opts.Now()

	switch target {
	case domain.RiskNormal:
		if e.original != nil {
			e.riskPct = *e.original
			e.original = nil
		}
		reasons = nil

	case domain.RiskWarning:
		e.snapshotLocked()
		e.riskPct = *e.original * e.opts.AnomalyMultiplier

	case domain.RiskCritical:
		e.snapshotLocked()
		e.riskPct = *e.original * e.opts.CriticalMultiplier
		if !e.opts.Halt.Present() {
			if err := e.opts.Halt.Raise(joinReasons(reasons)); err != nil {
				e.opts.Logger.WithError(err).Error("escalation: cannot write halt flag")
			}
		}

	case domain.RiskEmergency:
		e.snapshotLocked()
		e.riskPct = 0
		// Halt flag first: it must exist even when close-all fails.
		if err := e.opts.Halt.Raise(joinReasons(reasons)); err != nil {
			e.opts.Logger.WithError(err).Error("escalation: cannot write halt flag")
		}
	}

	e.level = target
	e.reasons = reasons
	e.since = now

	e.history = append(e.history, domain.EscalationTransition{
		From:    from,
		To:      target,
		Reasons: append([]string(nil), reasons...),
		At:      now,
	})
	if len(e.history) > historyCap {
		e.history = e.history[len(e.history)-historyCap:]
	}

	e.opts.Logger.WithFields(logrus.Fields{
		"from":     from.String(),
		"to":       target.String(),
		"reasons":  reasons,
		"risk_pct": e.riskPct,
	}).Warn("escalation: level changed")

	return target == domain.RiskEmergency
}

func (e *Escalation) snapshotLocked() {
	if e.original == nil {
		v := e.riskPct
		e.original = &v
	}
}

func equalReasons(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}

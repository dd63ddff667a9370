package risk

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/domain"
)

type metricsStub struct {
	m   domain.RiskMetrics
	err error
}

func (s *metricsStub) get(context.Context) (domain.RiskMetrics, error) {
	return s.m, s.err
}

func newTestEscalation(t *testing.T, stub *metricsStub, closeAll func(context.Context) (int, error)) (*Escalation, HaltFlag) {
	t.Helper()

	halt := HaltFlag{Path: filepath.Join(t.TempDir(), "halt.flag")}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	e, err := NewEscalation(EscalationOptions{
		Limits:      DefaultLimits(),
		RiskPercent: 2.0,
		Halt:        halt,
		Metrics:     stub.get,
		CloseAll:    closeAll,
		Logger:      logger,
	})
	require.NoError(t, err)
	return e, halt
}

func TestEscalation_NormalStaysNormal(t *testing.T) {
	stub := &metricsStub{m: domain.RiskMetrics{DailyPnLPct: 0.5}}
	e, _ := newTestEscalation(t, stub, nil)

	assert.Equal(t, domain.RiskNormal, e.Evaluate(context.Background()))
	assert.Equal(t, 2.0, e.RiskPercent())
	assert.Empty(t, e.History())
}

func TestEscalation_WarningThenFullRecovery(t *testing.T) {
	stub := &metricsStub{m: domain.RiskMetrics{DailyPnLPct: -4.0}} // 80% of the 5% limit
	e, _ := newTestEscalation(t, stub, nil)

	assert.Equal(t, domain.RiskWarning, e.Evaluate(context.Background()))
	assert.Equal(t, 1.0, e.RiskPercent()) // 2.0 × 0.5 anomaly multiplier

	status := e.Status()
	require.NotNil(t, status.OriginalRiskPercent)
	assert.Equal(t, 2.0, *status.OriginalRiskPercent)
	assert.NotEmpty(t, status.Reasons)

	// Metrics recover: exact baseline restored, snapshot cleared.
	stub.m = domain.RiskMetrics{DailyPnLPct: 0.1}
	assert.Equal(t, domain.RiskNormal, e.Evaluate(context.Background()))
	assert.Equal(t, 2.0, e.RiskPercent())

	status = e.Status()
	assert.Nil(t, status.OriginalRiskPercent)
	assert.Empty(t, status.Reasons)
}

func TestEscalation_CriticalCheckedBeforeWarning(t *testing.T) {
	// A full breach must never be reported as WARNING.
	stub := &metricsStub{m: domain.RiskMetrics{DailyPnLPct: -5.0}}
	e, halt := newTestEscalation(t, stub, nil)

	assert.Equal(t, domain.RiskCritical, e.Evaluate(context.Background()))
	assert.Equal(t, 0.5, e.RiskPercent()) // 2.0 × 0.25 critical multiplier
	assert.True(t, halt.Present())
}

func TestEscalation_HaltFlagForcesCritical(t *testing.T) {
	// Metrics are spotless; the flag alone drives the level.
	stub := &metricsStub{m: domain.RiskMetrics{DailyPnLPct: 1.0}}
	e, halt := newTestEscalation(t, stub, nil)

	require.NoError(t, halt.Raise("operator pause"))
	assert.Equal(t, domain.RiskCritical, e.Evaluate(context.Background()))

	status := e.Status()
	require.Len(t, status.Reasons, 1)
	assert.Contains(t, status.Reasons[0], "operator pause")

	// Clearing the flag recovers.
	require.NoError(t, halt.Clear())
	assert.Equal(t, domain.RiskNormal, e.Evaluate(context.Background()))
	assert.Equal(t, 2.0, e.RiskPercent())
}

func TestEscalation_DebouncedTransition(t *testing.T) {
	stub := &metricsStub{m: domain.RiskMetrics{ConsecutiveLosses: 4}} // 80% of limit 5
	e, _ := newTestEscalation(t, stub, nil)

	e.Evaluate(context.Background())
	e.Evaluate(context.Background())
	e.Evaluate(context.Background())

	// Same (level, reasons) repeated: one history entry.
	assert.Len(t, e.History(), 1)
}

func TestEscalation_MetricsErrorRetainsLevel(t *testing.T) {
	stub := &metricsStub{m: domain.RiskMetrics{DailyPnLPct: -4.0}}
	e, _ := newTestEscalation(t, stub, nil)

	require.Equal(t, domain.RiskWarning, e.Evaluate(context.Background()))

	stub.err = errors.New("store down")
	assert.Equal(t, domain.RiskWarning, e.Evaluate(context.Background()))
	assert.Equal(t, 1.0, e.RiskPercent())
}

func TestEscalation_EmergencyClosesAllAndZeroesRisk(t *testing.T) {
	var closed bool
	closeAll := func(context.Context) (int, error) {
		closed = true
		return 2, nil
	}
	stub := &metricsStub{m: domain.RiskMetrics{DailyPnLPct: -12.0}}
	e, halt := newTestEscalation(t, stub, closeAll)

	assert.Equal(t, domain.RiskEmergency, e.Evaluate(context.Background()))
	assert.True(t, closed)
	assert.True(t, halt.Present())
	assert.Equal(t, 0.0, e.RiskPercent())

	// EMERGENCY never downgrades automatically.
	stub.m = domain.RiskMetrics{DailyPnLPct: 0}
	require.NoError(t, halt.Clear())
	assert.Equal(t, domain.RiskEmergency, e.Evaluate(context.Background()))
}

func TestEscalation_EmergencyHaltRaisedEvenWhenCloseAllFails(t *testing.T) {
	closeAll := func(context.Context) (int, error) {
		return 0, errors.New("exchange down")
	}
	stub := &metricsStub{m: domain.RiskMetrics{DailyPnLPct: -12.0}}
	e, halt := newTestEscalation(t, stub, closeAll)

	assert.Equal(t, domain.RiskEmergency, e.Evaluate(context.Background()))
	assert.True(t, halt.Present())
}

func TestEscalation_ForceAndRecover(t *testing.T) {
	stub := &metricsStub{}
	e, _ := newTestEscalation(t, stub, nil)

	e.Force(context.Background(), domain.RiskWarning, "manual drill")
	assert.Equal(t, domain.RiskWarning, e.Level())
	assert.Equal(t, 1.0, e.RiskPercent())

	e.Force(context.Background(), domain.RiskNormal, "drill over")
	assert.Equal(t, domain.RiskNormal, e.Level())
	assert.Equal(t, 2.0, e.RiskPercent())
	assert.Nil(t, e.Status().OriginalRiskPercent)
}

func TestEscalation_HistoryBounded(t *testing.T) {
	stub := &metricsStub{}
	e, _ := newTestEscalation(t, stub, nil)

	for i := 0; i < 120; i++ {
		e.Force(context.Background(), domain.RiskWarning, fmt.Sprintf("drill %d", i))
		e.Force(context.Background(), domain.RiskNormal, "reset")
	}
	assert.Len(t, e.History(), 100)
}

func TestHaltFlag(t *testing.T) {
	halt := HaltFlag{Path: filepath.Join(t.TempDir(), "halt.flag")}

	assert.False(t, halt.Present())
	_, present := halt.Reason()
	assert.False(t, present)

	require.NoError(t, halt.Raise("maintenance window"))
	assert.True(t, halt.Present())

	reason, present := halt.Reason()
	assert.True(t, present)
	assert.Equal(t, "maintenance window", reason)

	require.NoError(t, halt.Clear())
	assert.False(t, halt.Present())
	assert.NoError(t, halt.Clear())
}

func TestEscalation_StatusSince(t *testing.T) {
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	stub := &metricsStub{m: domain.RiskMetrics{DailyPnLPct: -4.0}}
	halt := HaltFlag{Path: filepath.Join(t.TempDir(), "halt.flag")}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	e, err := NewEscalation(EscalationOptions{
		Limits:      DefaultLimits(),
		RiskPercent: 2.0,
		Halt:        halt,
		Metrics:     stub.get,
		Logger:      logger,
		Now:         func() time.Time { return now },
	})
	require.NoError(t, err)

	e.Evaluate(context.Background())
	assert.Equal(t, now, e.Status().Since)
}

// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trading core.
type Metrics struct {
	// Feed metrics
	TicksProcessed prometheus.Counter
	FeedReconnects prometheus.Counter

	// Execution metrics
	Executions       *prometheus.CounterVec // by exec_type
	PolicyRejections *prometheus.CounterVec // by reason
	SlicesPlaced     prometheus.Counter
	SlicesSkipped    prometheus.Counter

	// Position metrics
	OpenPositions prometheus.Gauge
	UnrealizedPnL prometheus.Gauge

	// Risk metrics
	EscalationLevel prometheus.Gauge // 0..3
	RiskPercent     prometheus.Gauge

	// Storage metrics
	DBErrors *prometheus.CounterVec // by store
}

// NewMetrics creates a Metrics instance with all metrics registered on the
// default registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tradeguard"
	}

	return &Metrics{
		TicksProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "ticks_processed_total",
			Help:      "Total number of price ticks processed",
		}),
		FeedReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Total number of feed reconnections",
		}),
		Executions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "executions_total",
			Help:      "Total number of ledger executions by type",
		}, []string{"exec_type"}),
		PolicyRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "policy_rejections_total",
			Help:      "Total number of entry signals rejected by policy gates",
		}, []string{"reason"}),
		SlicesPlaced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "slices_placed_total",
			Help:      "Total number of child slice orders placed",
		}),
		SlicesSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "slices_skipped_total",
			Help:      "Total number of slices dropped below minimum size",
		}),
		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "open",
			Help:      "Number of currently open positions",
		}),
		UnrealizedPnL: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "unrealized_pnl_pct",
			Help:      "Aggregate unrealized PnL percent weighted by remaining size",
		}),
		EscalationLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "escalation_level",
			Help:      "Current risk escalation level (0=NORMAL .. 3=EMERGENCY)",
		}),
		RiskPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "risk_percent",
			Help:      "Effective per-trade risk percent after escalation cuts",
		}),
		DBErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Total number of storage errors by store",
		}, []string{"store"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/costs"
	"tradeguard/internal/domain"
	"tradeguard/internal/exchange"
	"tradeguard/internal/risk"
	"tradeguard/internal/slicer"
	"tradeguard/internal/storage/memory"
	"tradeguard/internal/thresholds"
	"tradeguard/internal/trader"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newTestServer(t *testing.T) (*Server, *exchange.MockClient) {
	t.Helper()

	client := exchange.NewMockClient()
	client.SetPrice("BTCUSDT", 100)
	client.SetBalance(10000)

	halt := risk.HaltFlag{Path: filepath.Join(t.TempDir(), "halt.flag")}
	esc, err := risk.NewEscalation(risk.EscalationOptions{
		Limits:      risk.DefaultLimits(),
		RiskPercent: 2.0,
		Halt:        halt,
		Metrics: func(context.Context) (domain.RiskMetrics, error) {
			return domain.RiskMetrics{}, nil
		},
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	cache, err := thresholds.New(thresholds.Options{
		Defaults: map[string]float64{
			thresholds.NameBuy:      0.6,
			thresholds.NameSell:     0.4,
			thresholds.NameBuyExit:  0.3,
			thresholds.NameSellExit: 0.55,
		},
		MinGap:    0.1,
		ExitDelta: 0.05,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	manager, err := trader.New(trader.Options{
		Trades:     memory.NewTradeStore(),
		Executions: memory.NewExecutionStore(),
		Exchange:   client,
		Escalation: esc,
		Thresholds: cache,
		Sizer: risk.NewSizer(risk.SizerConfig{
			FallbackStopPct: 0.05,
			RewardRatio:     10,
			Leverage:        1,
		}),
		Slicer:    slicer.New(client, nil, quietLogger()),
		SlicePlan: domain.SlicePlan{Slices: 1, Mode: domain.SliceTWAP},
		Costs:     costs.New(costs.Config{GuardEnabled: true}),
		Halt:      halt,
		Logger:    quietLogger(),
		Config: trader.Config{
			MaxDailyLossPct:      5,
			MaxConsecutiveLosses: 5,
		},
	})
	require.NoError(t, err)

	return NewServer(manager, cache, quietLogger()), client
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func openPosition(t *testing.T, handler http.Handler) {
	t.Helper()
	rec, body := doJSON(t, handler, http.MethodPost, "/trades",
		`{"symbol":"BTCUSDT","side":"LONG","strategy_id":"breakout",
		  "confluence":0.8,"regime":0.8,"signal_strength":0.8,"volume_score":0.8}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["executed"])
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doJSON(t, s.Router(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestExecuteTradeAndListPositions(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Router()

	openPosition(t, handler)

	rec, body := doJSON(t, handler, http.MethodGet, "/positions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
	pos := positions[0].(map[string]any)
	assert.Equal(t, "BTCUSDT", pos["symbol"])
	assert.Equal(t, "LONG", pos["side"])
	assert.InDelta(t, 100.0, pos["entry_price"].(float64), 1e-9)
	assert.InDelta(t, 95.0, pos["stop_loss"].(float64), 1e-9)
}

func TestExecuteTradeValidation(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Router()

	tests := []struct {
		name string
		body string
	}{
		{"bad json", "{"},
		{"missing symbol", `{"side":"LONG"}`},
		{"bad side", `{"symbol":"BTCUSDT","side":"SIDEWAYS"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := doJSON(t, handler, http.MethodPost, "/trades", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestExecuteTradeRejectedByPolicy(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Router()

	// Weak signal: the confidence floor rejects but the request itself
	// succeeds.
	rec, body := doJSON(t, handler, http.MethodPost, "/trades",
		`{"symbol":"BTCUSDT","side":"LONG","confluence":0.001}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["executed"])
}

func TestClosePosition(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Router()

	openPosition(t, handler)

	rec, body := doJSON(t, handler, http.MethodPost, "/positions/BTCUSDT/close", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["closed"])

	rec, _ = doJSON(t, handler, http.MethodPost, "/positions/BTCUSDT/close", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCloseAll(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Router()

	openPosition(t, handler)

	rec, body := doJSON(t, handler, http.MethodPost, "/positions/close-all", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1.0, body["closed"].(float64), 1e-9)
}

func TestRiskStatus(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doJSON(t, s.Router(), http.MethodGet, "/risk/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 5.0, body["max_daily_loss_pct"].(float64), 1e-9)
	assert.InDelta(t, 0.0, body["daily_pnl_pct"].(float64), 1e-9)
}

func TestEscalationStatusAndForce(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Router()

	rec, body := doJSON(t, handler, http.MethodGet, "/risk/escalation", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NORMAL", body["level"])

	rec, body = doJSON(t, handler, http.MethodPost, "/risk/escalation/force",
		`{"level":"WARNING","reason":"drill"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "WARNING", body["level"])

	rec, body = doJSON(t, handler, http.MethodGet, "/risk/escalation", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "WARNING", body["level"])
	assert.InDelta(t, 1.0, body["current_risk_percent"].(float64), 1e-9)

	rec, _ = doJSON(t, handler, http.MethodPost, "/risk/escalation/force",
		`{"level":"BOGUS"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThresholdLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Router()

	rec, body := doJSON(t, handler, http.MethodGet, "/thresholds", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := body["thresholds"].(map[string]any)
	buy := entries["buy"].(map[string]any)
	assert.InDelta(t, 0.6, buy["value"].(float64), 1e-9)
	assert.Equal(t, "default", buy["source"])

	rec, _ = doJSON(t, handler, http.MethodPut, "/thresholds/buy", `{"value":0.7}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = doJSON(t, handler, http.MethodGet, "/thresholds", "")
	require.Equal(t, http.StatusOK, rec.Code)
	buy = body["thresholds"].(map[string]any)["buy"].(map[string]any)
	assert.InDelta(t, 0.7, buy["value"].(float64), 1e-9)
	assert.Equal(t, "override", buy["source"])

	// An override breaking the sell<=buy-gap bound is rejected.
	rec, _ = doJSON(t, handler, http.MethodPut, "/thresholds/sell", `{"value":0.69}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodDelete, "/thresholds/buy", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rec, body = doJSON(t, handler, http.MethodGet, "/thresholds/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["history"].([]any), 2)
}

func TestThresholdGateBlocksMediocreSignal(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Router()

	// EGE 0.5 clears the cost guard comfortably but not the 0.6 buy floor.
	rec, body := doJSON(t, handler, http.MethodPost, "/trades",
		`{"symbol":"BTCUSDT","side":"LONG",
		  "confluence":0.5,"regime":0.5,"signal_strength":0.5,"volume_score":0.5}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["executed"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestEscalationSince(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doJSON(t, s.Router(), http.MethodGet, "/risk/escalation", "")
	require.Equal(t, http.StatusOK, rec.Code)

	since, err := time.Parse(time.RFC3339Nano, body["since"].(string))
	require.NoError(t, err)
	assert.False(t, since.IsZero())
}

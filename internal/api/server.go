// Package api exposes the trading core's operations over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"tradeguard/internal/domain"
	"tradeguard/internal/observability"
	"tradeguard/internal/thresholds"
	"tradeguard/internal/trader"
)

// Server wires the position manager into a chi router.
type Server struct {
	manager    *trader.Manager
	thresholds *thresholds.Cache // nil when the cache is not configured
	logger     *logrus.Logger
}

// NewServer creates the API server.
func NewServer(manager *trader.Manager, cache *thresholds.Cache, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{manager: manager, thresholds: cache, logger: logger}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", observability.Handler())

	r.Get("/positions", s.handleGetPositions)
	r.Post("/positions/{symbol}/close", s.handleClosePosition)
	r.Post("/positions/close-all", s.handleCloseAll)
	r.Post("/trades", s.handleExecuteTrade)

	r.Get("/risk/status", s.handleRiskStatus)
	r.Get("/risk/escalation", s.handleEscalationStatus)
	r.Post("/risk/escalation/force", s.handleForceEscalation)

	r.Get("/thresholds", s.handleGetThresholds)
	r.Get("/thresholds/history", s.handleThresholdHistory)
	r.Put("/thresholds/{name}", s.handleSetThreshold)
	r.Delete("/thresholds/{name}", s.handleRemoveThreshold)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("api: response encoding failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type positionResponse struct {
	TradeID       string                `json:"trade_id"`
	Symbol        string                `json:"symbol"`
	Side          domain.Side           `json:"side"`
	StrategyID    string                `json:"strategy_id,omitempty"`
	EntryPrice    float64               `json:"entry_price"`
	PositionSize  float64               `json:"position_size"`
	RemainingSize float64               `json:"remaining_size"`
	StopLoss      float64               `json:"stop_loss"`
	TakeProfit    float64               `json:"take_profit"`
	TrailActive   bool                  `json:"trail_active"`
	TrailStop     float64               `json:"trail_stop,omitempty"`
	ScaledOut     []domain.ScaleOutFill `json:"scaled_out,omitempty"`
	OpenedAt      time.Time             `json:"opened_at"`
}

func (s *Server) handleGetPositions(w http.ResponseWriter, _ *http.Request) {
	positions := s.manager.GetOpenPositions()

	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionResponse{
			TradeID:       p.TradeID,
			Symbol:        p.Symbol,
			Side:          p.Side,
			StrategyID:    p.StrategyID,
			EntryPrice:    p.EntryPrice,
			PositionSize:  p.PositionSize,
			RemainingSize: p.RemainingSize,
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
			TrailActive:   p.TrailActive,
			TrailStop:     p.TrailStop,
			ScaledOut:     p.ScaledOut,
			OpenedAt:      p.OpenedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	closed, err := s.manager.ClosePosition(r.Context(), symbol, domain.ExitReasonManual)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !closed {
		s.writeError(w, http.StatusNotFound, "no open position for "+symbol)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"closed": true, "symbol": symbol})
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	closed, err := s.manager.CloseAllPositions(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"closed": closed,
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"closed": closed})
}

type executeTradeRequest struct {
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	StrategyID     string  `json:"strategy_id"`
	Confluence     float64 `json:"confluence"`
	Regime         float64 `json:"regime"`
	SignalStrength float64 `json:"signal_strength"`
	VolumeScore    float64 `json:"volume_score"`
	ATR            float64 `json:"atr"`
}

func (s *Server) handleExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req executeTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	side := domain.Side(req.Side)
	if side != domain.SideLong && side != domain.SideShort {
		s.writeError(w, http.StatusBadRequest, "side must be LONG or SHORT")
		return
	}

	executed, err := s.manager.ExecuteTrade(r.Context(), &domain.Signal{
		Symbol:         req.Symbol,
		Side:           side,
		StrategyID:     req.StrategyID,
		Confluence:     req.Confluence,
		Regime:         req.Regime,
		SignalStrength: req.SignalStrength,
		VolumeScore:    req.VolumeScore,
		ATR:            req.ATR,
		GeneratedAt:    time.Now().UTC(),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"executed": executed})
}

func (s *Server) handleRiskStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.manager.RiskStatus()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"daily_pnl_pct":          status.DailyPnLPct,
		"consecutive_losses":     status.ConsecutiveLosses,
		"max_daily_loss_pct":     status.MaxDailyLossPct,
		"max_consecutive_losses": status.MaxConsecutiveLosses,
		"open_positions":         status.OpenPositions,
		"unrealized_pnl_pct":     status.UnrealizedPnLPct,
	})
}

func (s *Server) handleEscalationStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.manager.EscalationStatus()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"level":                 status.Level.String(),
		"reasons":               status.Reasons,
		"original_risk_percent": status.OriginalRiskPercent,
		"current_risk_percent":  status.CurrentRiskPercent,
		"since":                 status.Since,
	})
}

type forceEscalationRequest struct {
	Level  string `json:"level"`
	Reason string `json:"reason"`
}

func (s *Server) handleForceEscalation(w http.ResponseWriter, r *http.Request) {
	var req forceEscalationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	level, ok := domain.ParseRiskLevel(req.Level)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown level "+req.Level)
		return
	}
	if req.Reason == "" {
		req.Reason = "forced via api"
	}

	s.manager.ForceEscalation(r.Context(), level, req.Reason)
	s.writeJSON(w, http.StatusOK, map[string]any{"level": level.String()})
}

type thresholdEntryResponse struct {
	Value      float64   `json:"value"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	TTLSeconds float64   `json:"ttl_seconds"`
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, _ *http.Request) {
	if s.thresholds == nil {
		s.writeError(w, http.StatusNotFound, "threshold cache not configured")
		return
	}

	out := make(map[string]thresholdEntryResponse)
	for name, e := range s.thresholds.Snapshot() {
		out[name] = thresholdEntryResponse{
			Value:      e.Value,
			Source:     string(e.Source),
			Timestamp:  e.Timestamp,
			TTLSeconds: e.TTL.Seconds(),
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"thresholds": out})
}

func (s *Server) handleThresholdHistory(w http.ResponseWriter, _ *http.Request) {
	if s.thresholds == nil {
		s.writeError(w, http.StatusNotFound, "threshold cache not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": s.thresholds.History()})
}

type setThresholdRequest struct {
	Value   float64 `json:"value"`
	Persist bool    `json:"persist"`
}

func (s *Server) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	if s.thresholds == nil {
		s.writeError(w, http.StatusNotFound, "threshold cache not configured")
		return
	}

	var req setThresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	name := chi.URLParam(r, "name")
	if err := s.thresholds.SetOverride(name, req.Value, req.Persist); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"name": name, "value": req.Value})
}

func (s *Server) handleRemoveThreshold(w http.ResponseWriter, r *http.Request) {
	if s.thresholds == nil {
		s.writeError(w, http.StatusNotFound, "threshold cache not configured")
		return
	}

	name := chi.URLParam(r, "name")
	persist := r.URL.Query().Get("persist") == "true"
	if err := s.thresholds.RemoveOverride(name, persist); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"name": name, "reverted": true})
}

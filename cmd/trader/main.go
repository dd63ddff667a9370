// Package main runs the trading daemon: price feed, position manager, risk
// escalation, admin HTTP API and the periodic sweeps.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"tradeguard/internal/api"
	"tradeguard/internal/config"
	"tradeguard/internal/costs"
	"tradeguard/internal/domain"
	"tradeguard/internal/edge"
	"tradeguard/internal/exchange"
	"tradeguard/internal/feed"
	"tradeguard/internal/logging"
	"tradeguard/internal/micro"
	"tradeguard/internal/observability"
	"tradeguard/internal/risk"
	"tradeguard/internal/slicer"
	"tradeguard/internal/storage"
	chstore "tradeguard/internal/storage/clickhouse"
	"tradeguard/internal/storage/memory"
	"tradeguard/internal/storage/migrations"
	pgstore "tradeguard/internal/storage/postgres"
	"tradeguard/internal/thresholds"
	"tradeguard/internal/trader"
)

// simulationBalance seeds the mock venue account.
const simulationBalance = 10_000

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("main: .env load failed, using process environment")
	}

	configPath := flag.String("config", envOr("TRADEGUARD_CONFIG", "config.yaml"), "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("main: configuration invalid")
	}

	logger, err := logging.New(cfg.Logs)
	if err != nil {
		logrus.WithError(err).Fatal("main: logging setup failed")
	}
	logger.WithFields(logrus.Fields{
		"config":      *configPath,
		"fingerprint": cfg.Fingerprint()[:12],
		"simulation":  cfg.Simulation,
	}).Info("main: configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("main: daemon exited")
	}
	logger.Info("main: shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	metrics := observability.NewMetrics("tradeguard")

	// Ledger stores.
	var (
		trades     storage.TradeStore
		executions storage.ExecutionStore
	)
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgstore.NewPool(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := migrations.RunPostgres(ctx, pool); err != nil {
			return err
		}
		trades = pgstore.NewTradeStore(pool)
		executions = pgstore.NewExecutionStore(pool)
		logger.Info("main: postgres ledger ready")
	default:
		trades = memory.NewTradeStore()
		executions = memory.NewExecutionStore()
		logger.Info("main: in-memory ledger, trades do not survive restarts")
	}

	// Analytics sink.
	var aggregates storage.AggregateStore
	if cfg.Analytics.Enabled {
		conn, err := chstore.NewConn(ctx, cfg.Analytics.DSN)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := migrations.RunClickhouse(ctx, conn); err != nil {
			return err
		}
		aggregates = chstore.NewAggregateStore(conn)
		logger.Info("main: clickhouse analytics sink ready")
	}

	// Venue. Live venue adapters are deliberately out of this binary; the
	// mock fills at the last fed tick price, which is exactly what the
	// simulation mode needs.
	if !cfg.Simulation {
		return errors.New("main: no live venue adapter is wired in, set simulation: true")
	}
	client := exchange.NewMockClient()
	client.SetBalance(simulationBalance)

	halt := risk.HaltFlag{Path: cfg.Risk.HaltFlagPath}

	// The escalation controller and the position manager reference each
	// other; the manager pointer is bound after construction through the
	// closures below, which only run once Evaluate is called.
	var manager *trader.Manager

	escalation, err := risk.NewEscalation(risk.EscalationOptions{
		Limits: risk.Limits{
			MaxDailyLossPct:      cfg.Risk.MaxDailyLossPct,
			MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
			MaxLatencyMs:         cfg.Risk.MaxLatencyMs,
			MaxSlippageBps:       cfg.Risk.MaxSlippageBps,
			EmergencyLossPct:     cfg.Risk.EmergencyLossPct,
			WarningFraction:      cfg.Risk.WarningFraction,
		},
		RiskPercent:        cfg.Risk.RiskPercent,
		AnomalyMultiplier:  cfg.Risk.AnomalyMultiplier,
		CriticalMultiplier: cfg.Risk.CriticalMultiplier,
		Halt:               halt,
		Metrics: func(ctx context.Context) (domain.RiskMetrics, error) {
			return manager.RiskMetrics(ctx)
		},
		CloseAll: func(ctx context.Context) (int, error) {
			return manager.CloseAllPositions(ctx)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	var microFilter *micro.Filter
	if cfg.Micro.Enabled {
		microFilter = micro.New(micro.Config{
			DepthLevels:    cfg.Micro.DepthLevels,
			OBILongMin:     cfg.Micro.OBILongMin,
			OBIShortMax:    cfg.Micro.OBIShortMax,
			AFRLongMin:     cfg.Micro.AFRLongMin,
			AFRShortMax:    cfg.Micro.AFRShortMax,
			MinTapeTrades:  cfg.Micro.MinTapeTrades,
			TapeWindow:     cfg.Micro.TapeWindow,
			OBICacheTTL:    time.Duration(cfg.Micro.OBICacheTTLMs) * time.Millisecond,
			ConflictPolicy: micro.ConflictPolicy(strings.ToUpper(cfg.Micro.ConflictPolicy)),
		})
	}

	var edgeMonitor *edge.Monitor
	if cfg.Edge.Enabled {
		edgeMonitor = edge.NewMonitor(edge.Config{
			WindowSize:    cfg.Edge.WindowSize,
			MinTrades:     cfg.Edge.MinTrades,
			Confidence:    cfg.Edge.Confidence,
			HotThreshold:  cfg.Edge.HotThreshold,
			WarmThreshold: cfg.Edge.WarmThreshold,
		})
	}

	costTiers := make([]costs.FeeTier, 0, len(cfg.Costs.Tiers))
	for _, t := range cfg.Costs.Tiers {
		costTiers = append(costTiers, costs.FeeTier{VolumeFloor: t.VolumeFloor, TakerBps: t.TakerBps})
	}
	calculator := costs.New(costs.Config{
		FeeModel:           costs.FeeModel(cfg.Costs.FeeModel),
		FlatFeeBps:         cfg.Costs.FlatFeeBps,
		Tiers:              costTiers,
		MakerDiscount:      cfg.Costs.MakerDiscount,
		SlippageModel:      costs.SlippageModel(cfg.Costs.SlippageModel),
		StaticBps:          cfg.Costs.StaticBps,
		SpreadMultiplier:   cfg.Costs.SpreadMultiplier,
		DepthPenaltyBps:    cfg.Costs.DepthPenaltyBps,
		MaxSlippageBps:     cfg.Costs.MaxSlippageBps,
		ImpactThresholdUSD: cfg.Costs.ImpactThresholdUSD,
		ImpactBpsPer1k:     cfg.Costs.ImpactBpsPer1k,
		ImpactDepthAmp:     cfg.Costs.ImpactDepthAmp,
		MaxImpactBps:       cfg.Costs.MaxImpactBps,
		GuardEnabled:       cfg.Costs.GuardEnabled,
		KMultiple:          cfg.Costs.KMultiple,
	})

	cache, err := thresholds.New(thresholds.Options{
		Defaults:     cfg.Thresholds.Defaults(),
		OverridePath: cfg.Thresholds.OverridePath,
		TTL:          time.Duration(cfg.Thresholds.TTLSec) * time.Second,
		MinGap:       cfg.Thresholds.MinGap,
		ExitDelta:    cfg.Thresholds.ExitDelta,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	scaleOuts := make([]trader.ScaleOutLevel, 0, len(cfg.Trading.ScaleOuts))
	for _, so := range cfg.Trading.ScaleOuts {
		scaleOuts = append(scaleOuts, trader.ScaleOutLevel{RMultiple: so.RMultiple, Fraction: so.Fraction})
	}

	manager, err = trader.New(trader.Options{
		Trades:     trades,
		Executions: executions,
		Exchange:   client,
		Escalation: escalation,
		Sizer: risk.NewSizer(risk.SizerConfig{
			ATRMultiplier:     cfg.Sizing.ATRMultiplier,
			FallbackStopPct:   cfg.Sizing.FallbackStopPct,
			RewardRatio:       cfg.Sizing.RewardRatio,
			SlippageBufferPct: cfg.Sizing.SlippageBufferPct,
			Leverage:          cfg.Sizing.Leverage,
			MaxMarginFraction: cfg.Sizing.MaxMarginFraction,
		}),
		Slicer: slicer.New(client, nil, logger),
		SlicePlan: domain.SlicePlan{
			Slices:               cfg.Slicing.Slices,
			Interval:             time.Duration(cfg.Slicing.IntervalMs) * time.Millisecond,
			Mode:                 domain.SliceMode(cfg.Slicing.Mode),
			MinNotional:          cfg.Slicing.MinNotional,
			MinQty:               cfg.Slicing.MinQty,
			MaxParticipationRate: cfg.Slicing.MaxParticipationRate,
		},
		Costs:      calculator,
		Micro:      microFilter,
		Edge:       edgeMonitor,
		Thresholds: cache,
		Halt:       halt,
		Metrics:    metrics,
		Logger:     logger,
		Config: trader.Config{
			ScaleOutLevels:       scaleOuts,
			TrailActivationR:     cfg.Trading.TrailActivationR,
			TrailGainPct:         cfg.Trading.TrailGainPct,
			TrailCooldown:        time.Duration(cfg.Trading.TrailCooldownSec) * time.Second,
			TimeStopAfter:        time.Duration(cfg.Trading.TimeStopMin) * time.Minute,
			MaxDailyLossPct:      cfg.Risk.MaxDailyLossPct,
			MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
			StatsWindow:          cfg.Trading.StatsWindow,
		},
	})
	if err != nil {
		return err
	}

	if err := manager.Restore(ctx); err != nil {
		return err
	}
	logger.WithField("open_positions", len(manager.GetOpenPositions())).Info("main: ledger restored")

	// Price feed. Ticks drive the mock venue's fill price before the
	// position manager sees them, so simulated exits fill at tick price.
	feedCfg := feed.Config{
		Endpoint:          cfg.Feed.Endpoint,
		Symbols:           cfg.Feed.Symbols,
		ReconnectDelay:    time.Duration(cfg.Feed.ReconnectDelayMs) * time.Millisecond,
		MaxReconnectDelay: time.Duration(cfg.Feed.MaxReconnectDelayMs) * time.Millisecond,
		MaxRetries:        cfg.Feed.MaxRetries,
		StaleAfter:        time.Duration(cfg.Feed.StaleAfterSec) * time.Second,
	}
	onTick := func(tick *domain.Tick) {
		client.SetPrice(tick.Symbol, tick.Price)
		// OnTick owns the ticks_processed counter.
		manager.OnTick(ctx, tick)
	}

	watcher := &feedWatcher{cfg: feedCfg, onTick: onTick, logger: logger, metrics: metrics}
	if cfg.Feed.Endpoint != "" {
		if err := watcher.start(ctx); err != nil {
			return err
		}
		defer watcher.close()
	} else {
		logger.Warn("main: no feed endpoint, running API-only")
	}

	// Periodic sweeps.
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Sweeps.Reconcile, func() {
		manager.Reconcile(ctx)
	}); err != nil {
		return err
	}
	if _, err := sched.AddFunc(cfg.Sweeps.Escalation, func() {
		escalation.Evaluate(ctx)
		watcher.check(ctx)
	}); err != nil {
		return err
	}
	if aggregates != nil && edgeMonitor != nil {
		if _, err := sched.AddFunc(cfg.Sweeps.Flush, func() {
			rows := edgeMonitor.Aggregates(time.Now().UTC())
			if len(rows) == 0 {
				return
			}
			if err := aggregates.InsertBatch(ctx, rows); err != nil {
				metrics.DBErrors.WithLabelValues("aggregates").Inc()
				logger.WithError(err).Error("main: aggregate flush failed")
				return
			}
			logger.WithField("rows", len(rows)).Debug("main: aggregates flushed")
		}); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	// Admin API.
	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServer(manager, cache, logger).Router(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("main: api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("main: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// feedWatcher owns the websocket feed and restarts it when it goes stale or
// exhausts its retry budget. Restart means a fresh Feed; the old one's
// goroutines are torn down by Close.
type feedWatcher struct {
	cfg     feed.Config
	onTick  feed.TickHandler
	logger  *logrus.Logger
	metrics *observability.Metrics

	mu             sync.Mutex
	feed           *feed.Feed
	lastReconnects int64
}

func (w *feedWatcher) start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := feed.New(w.cfg, w.onTick, w.logger)
	if err != nil {
		return err
	}
	if err := f.Start(ctx); err != nil {
		return err
	}
	w.feed = f
	w.lastReconnects = 0
	return nil
}

// check runs on the escalation sweep cadence.
func (w *feedWatcher) check(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cfg.Endpoint == "" {
		return
	}
	if w.feed == nil {
		// A previous rebuild failed; try again.
		w.rebuildLocked(ctx)
		return
	}

	if delta := w.feed.Reconnects() - w.lastReconnects; delta > 0 {
		w.metrics.FeedReconnects.Add(float64(delta))
		w.lastReconnects = w.feed.Reconnects()
	}

	if w.feed.Status() != feed.StatusStopped && !w.feed.Stale() {
		return
	}

	w.logger.WithFields(logrus.Fields{
		"status":    string(w.feed.Status()),
		"stale_for": w.feed.LastMessageAge().String(),
	}).Warn("main: feed unhealthy, restarting")

	_ = w.feed.Close()
	w.feed = nil
	w.rebuildLocked(ctx)
}

func (w *feedWatcher) rebuildLocked(ctx context.Context) {
	f, err := feed.New(w.cfg, w.onTick, w.logger)
	if err != nil {
		w.logger.WithError(err).Error("main: feed rebuild failed")
		return
	}
	if err := f.Start(ctx); err != nil {
		w.logger.WithError(err).Error("main: feed restart failed, retrying next sweep")
		return
	}
	w.feed = f
	w.lastReconnects = 0
}

func (w *feedWatcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.feed != nil {
		_ = w.feed.Close()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

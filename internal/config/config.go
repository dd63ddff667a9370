// Package config loads and validates the service configuration from a single
// YAML file. The typed struct is built once at startup and injected into
// components; nothing reads configuration ad hoc after that.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"tradeguard/internal/thresholds"
)

// ServerConfig is the HTTP API listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig selects the trade ledger backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // memory | postgres
	DSN    string `yaml:"dsn"`
}

// AnalyticsConfig is the ClickHouse aggregate sink.
type AnalyticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// FeedConfig is the websocket price feed.
type FeedConfig struct {
	Endpoint            string   `yaml:"endpoint"`
	Symbols             []string `yaml:"symbols"`
	ReconnectDelayMs    int      `yaml:"reconnect_delay_ms"`
	MaxReconnectDelayMs int      `yaml:"max_reconnect_delay_ms"`
	MaxRetries          int      `yaml:"max_retries"`
	StaleAfterSec       int      `yaml:"stale_after_seconds"`
}

// RiskConfig holds the escalation baseline and limits.
type RiskConfig struct {
	RiskPercent          float64 `yaml:"risk_percent"`
	MaxDailyLossPct      float64 `yaml:"max_daily_loss_pct"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	MaxLatencyMs         float64 `yaml:"max_latency_ms"`
	MaxSlippageBps       float64 `yaml:"max_slippage_bps"`
	EmergencyLossPct     float64 `yaml:"emergency_loss_pct"`
	WarningFraction      float64 `yaml:"warning_fraction"`
	AnomalyMultiplier    float64 `yaml:"anomaly_multiplier"`
	CriticalMultiplier   float64 `yaml:"critical_multiplier"`
	HaltFlagPath         string  `yaml:"halt_flag_path"`
}

// SizingConfig parameterizes position sizing.
type SizingConfig struct {
	ATRMultiplier     float64 `yaml:"atr_multiplier"`
	FallbackStopPct   float64 `yaml:"fallback_stop_pct"`
	RewardRatio       float64 `yaml:"reward_ratio"`
	SlippageBufferPct float64 `yaml:"slippage_buffer_pct"`
	Leverage          float64 `yaml:"leverage"`
	MaxMarginFraction float64 `yaml:"max_margin_fraction"`
}

// ScaleOutConfig is one partial-exit level.
type ScaleOutConfig struct {
	RMultiple float64 `yaml:"r_multiple"`
	Fraction  float64 `yaml:"fraction"`
}

// TradingConfig drives the position manager.
type TradingConfig struct {
	ScaleOuts        []ScaleOutConfig `yaml:"scale_outs"`
	TrailActivationR float64          `yaml:"trail_activation_r"`
	TrailGainPct     float64          `yaml:"trail_gain_pct"`
	TrailCooldownSec int              `yaml:"trail_cooldown_seconds"`
	TimeStopMin      int              `yaml:"time_stop_minutes"`
	StatsWindow      int              `yaml:"stats_window"`
}

// SlicingConfig is the order slicing plan.
type SlicingConfig struct {
	Slices               int     `yaml:"slices"`
	Mode                 string  `yaml:"mode"` // twap | vwap | auto
	IntervalMs           int     `yaml:"interval_ms"`
	MinNotional          float64 `yaml:"min_notional"`
	MinQty               float64 `yaml:"min_qty"`
	MaxParticipationRate float64 `yaml:"max_participation_rate"`
}

// FeeTierConfig is one 30-day-volume fee tier.
type FeeTierConfig struct {
	VolumeFloor float64 `yaml:"volume_floor"`
	TakerBps    float64 `yaml:"taker_bps"`
}

// CostsConfig parameterizes the cost-of-edge guard.
type CostsConfig struct {
	FeeModel      string          `yaml:"fee_model"` // flat | tiered | dynamic
	FlatFeeBps    float64         `yaml:"flat_fee_bps"`
	Tiers         []FeeTierConfig `yaml:"tiers"`
	MakerDiscount float64         `yaml:"maker_discount"`

	SlippageModel    string  `yaml:"slippage_model"` // static | spread | dynamic
	StaticBps        float64 `yaml:"static_bps"`
	SpreadMultiplier float64 `yaml:"spread_multiplier"`
	DepthPenaltyBps  float64 `yaml:"depth_penalty_bps"`
	MaxSlippageBps   float64 `yaml:"max_slippage_bps"`

	ImpactThresholdUSD float64 `yaml:"impact_threshold_usd"`
	ImpactBpsPer1k     float64 `yaml:"impact_bps_per_1k"`
	ImpactDepthAmp     float64 `yaml:"impact_depth_amp"`
	MaxImpactBps       float64 `yaml:"max_impact_bps"`

	GuardEnabled bool    `yaml:"guard_enabled"`
	KMultiple    float64 `yaml:"k_multiple"`
}

// MicroConfig parameterizes the microstructure filter.
type MicroConfig struct {
	Enabled        bool    `yaml:"enabled"`
	DepthLevels    int     `yaml:"depth_levels"`
	OBILongMin     float64 `yaml:"obi_long_min"`
	OBIShortMax    float64 `yaml:"obi_short_max"`
	AFRLongMin     float64 `yaml:"afr_long_min"`
	AFRShortMax    float64 `yaml:"afr_short_max"`
	MinTapeTrades  int     `yaml:"min_tape_trades"`
	TapeWindow     int     `yaml:"tape_window"`
	OBICacheTTLMs  int     `yaml:"obi_cache_ttl_ms"`
	ConflictPolicy string  `yaml:"conflict_policy"` // wait | abort
}

// EdgeConfig parameterizes the edge health monitor.
type EdgeConfig struct {
	Enabled       bool    `yaml:"enabled"`
	WindowSize    int     `yaml:"window_size"`
	MinTrades     int     `yaml:"min_trades"`
	Confidence    float64 `yaml:"confidence"`
	HotThreshold  float64 `yaml:"hot_threshold"`
	WarmThreshold float64 `yaml:"warm_threshold"`
}

// ThresholdsConfig seeds the operator-tunable confidence thresholds.
type ThresholdsConfig struct {
	Buy          float64 `yaml:"buy"`
	Sell         float64 `yaml:"sell"`
	BuyExit      float64 `yaml:"buy_exit"`
	SellExit     float64 `yaml:"sell_exit"`
	OverridePath string  `yaml:"override_path"`
	TTLSec       int     `yaml:"ttl_seconds"`
	MinGap       float64 `yaml:"min_gap"`
	ExitDelta    float64 `yaml:"exit_delta"`
}

// Defaults returns the threshold name → value map the cache is seeded with.
func (t ThresholdsConfig) Defaults() map[string]float64 {
	return map[string]float64{
		thresholds.NameBuy:      t.Buy,
		thresholds.NameSell:     t.Sell,
		thresholds.NameBuyExit:  t.BuyExit,
		thresholds.NameSellExit: t.SellExit,
	}
}

// LogConfig is the logging setup, file rotation included.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // empty disables file output
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// SweepConfig holds the cron specs for the periodic jobs.
type SweepConfig struct {
	Reconcile  string `yaml:"reconcile"`
	Escalation string `yaml:"escalation"`
	Flush      string `yaml:"flush"`
}

// Config is the top-level configuration.
type Config struct {
	Simulation bool             `yaml:"simulation"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Feed       FeedConfig       `yaml:"feed"`
	Risk       RiskConfig       `yaml:"risk"`
	Sizing     SizingConfig     `yaml:"sizing"`
	Trading    TradingConfig    `yaml:"trading"`
	Slicing    SlicingConfig    `yaml:"slicing"`
	Costs      CostsConfig      `yaml:"costs"`
	Micro      MicroConfig      `yaml:"micro"`
	Edge       EdgeConfig       `yaml:"edge"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Logs       LogConfig        `yaml:"logs"`
	Sweeps     SweepConfig      `yaml:"sweeps"`
}

// Default returns the configuration with every tunable at its standard value.
// A loaded file overrides field by field.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{Driver: "memory"},
		Feed: FeedConfig{
			ReconnectDelayMs:    1000,
			MaxReconnectDelayMs: 30000,
			MaxRetries:          10,
			StaleAfterSec:       30,
		},
		Risk: RiskConfig{
			RiskPercent:          2.0,
			MaxDailyLossPct:      5,
			MaxConsecutiveLosses: 5,
			MaxLatencyMs:         1500,
			MaxSlippageBps:       40,
			EmergencyLossPct:     10,
			WarningFraction:      0.75,
			AnomalyMultiplier:    0.5,
			CriticalMultiplier:   0.25,
			HaltFlagPath:         "halt.flag",
		},
		Sizing: SizingConfig{
			ATRMultiplier:     2.0,
			FallbackStopPct:   0.02,
			RewardRatio:       2.0,
			SlippageBufferPct: 0.001,
			Leverage:          1,
			MaxMarginFraction: 0.9,
		},
		Trading: TradingConfig{
			ScaleOuts: []ScaleOutConfig{
				{RMultiple: 1.0, Fraction: 0.5},
				{RMultiple: 2.0, Fraction: 0.25},
			},
			TrailActivationR: 1.5,
			TrailGainPct:     0.5,
			TrailCooldownSec: 30,
			StatsWindow:      50,
		},
		Slicing: SlicingConfig{
			Slices:               1,
			Mode:                 "auto",
			IntervalMs:           500,
			MaxParticipationRate: 0.1,
		},
		Costs: CostsConfig{
			FeeModel:           "tiered",
			SlippageModel:      "dynamic",
			SpreadMultiplier:   1.0,
			DepthPenaltyBps:    1.0,
			MaxSlippageBps:     30,
			ImpactThresholdUSD: 10000,
			ImpactBpsPer1k:     0.1,
			ImpactDepthAmp:     2.0,
			MaxImpactBps:       50,
			GuardEnabled:       true,
			KMultiple:          4.0,
		},
		Micro: MicroConfig{
			Enabled:        true,
			DepthLevels:    5,
			OBILongMin:     0.15,
			OBIShortMax:    -0.15,
			AFRLongMin:     0.55,
			AFRShortMax:    0.45,
			MinTapeTrades:  20,
			TapeWindow:     100,
			OBICacheTTLMs:  500,
			ConflictPolicy: "wait",
		},
		Edge: EdgeConfig{
			Enabled:       true,
			WindowSize:    200,
			MinTrades:     50,
			Confidence:    0.95,
			HotThreshold:  0.10,
			WarmThreshold: 0.0,
		},
		Thresholds: ThresholdsConfig{
			Buy:          0.6,
			Sell:         0.4,
			BuyExit:      0.3,
			SellExit:     0.55,
			OverridePath: "thresholds.json",
			TTLSec:       60,
			MinGap:       0.1,
			ExitDelta:    0.05,
		},
		Logs: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Sweeps: SweepConfig{
			Reconcile:  "@every 30s",
			Escalation: "@every 10s",
			Flush:      "@every 5m",
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. A missing file is an error; run with defaults by passing a file
// that only sets the fields you care about.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency once at startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config: postgres driver requires database.dsn")
		}
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}

	if c.Analytics.Enabled && c.Analytics.DSN == "" {
		return fmt.Errorf("config: analytics enabled without analytics.dsn")
	}

	if !c.Simulation {
		if c.Feed.Endpoint == "" {
			return fmt.Errorf("config: feed.endpoint required outside simulation mode")
		}
		if len(c.Feed.Symbols) == 0 {
			return fmt.Errorf("config: feed.symbols required outside simulation mode")
		}
	}

	if c.Risk.RiskPercent <= 0 {
		return fmt.Errorf("config: risk.risk_percent must be positive")
	}
	if c.Risk.WarningFraction <= 0 || c.Risk.WarningFraction >= 1 {
		return fmt.Errorf("config: risk.warning_fraction must be in (0,1)")
	}
	if c.Risk.HaltFlagPath == "" {
		return fmt.Errorf("config: risk.halt_flag_path required")
	}

	if c.Sizing.Leverage < 1 {
		return fmt.Errorf("config: sizing.leverage must be at least 1")
	}
	if c.Sizing.FallbackStopPct <= 0 {
		return fmt.Errorf("config: sizing.fallback_stop_pct must be positive")
	}

	var prevR, totalFraction float64
	for i, so := range c.Trading.ScaleOuts {
		if so.RMultiple <= prevR {
			return fmt.Errorf("config: trading.scale_outs[%d] r_multiple must be ascending and positive", i)
		}
		if so.Fraction <= 0 || so.Fraction > 1 {
			return fmt.Errorf("config: trading.scale_outs[%d] fraction must be in (0,1]", i)
		}
		prevR = so.RMultiple
		totalFraction += so.Fraction
	}
	if totalFraction > 1 {
		return fmt.Errorf("config: trading.scale_outs fractions sum to %.2f, must not exceed 1", totalFraction)
	}

	if c.Slicing.Slices < 1 {
		return fmt.Errorf("config: slicing.slices must be at least 1")
	}
	switch c.Slicing.Mode {
	case "twap", "vwap", "auto":
	default:
		return fmt.Errorf("config: unknown slicing mode %q", c.Slicing.Mode)
	}

	switch c.Costs.FeeModel {
	case "flat", "tiered", "dynamic":
	default:
		return fmt.Errorf("config: unknown fee model %q", c.Costs.FeeModel)
	}
	switch c.Costs.SlippageModel {
	case "static", "spread", "dynamic":
	default:
		return fmt.Errorf("config: unknown slippage model %q", c.Costs.SlippageModel)
	}

	switch c.Micro.ConflictPolicy {
	case "wait", "abort":
	default:
		return fmt.Errorf("config: unknown conflict policy %q", c.Micro.ConflictPolicy)
	}

	if err := thresholds.Validate(c.Thresholds.Defaults(), c.Thresholds.MinGap, c.Thresholds.ExitDelta); err != nil {
		return fmt.Errorf("config: thresholds: %w", err)
	}

	if _, err := logLevelValid(c.Logs.Level); err != nil {
		return err
	}

	return nil
}

func logLevelValid(level string) (string, error) {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return strings.ToLower(level), nil
	default:
		return "", fmt.Errorf("config: unknown log level %q", level)
	}
}

// CanonicalMap flattens the configuration into explicit dotted keys with
// stringified values. The key set is enumerated by hand, not by reflection,
// so the output is stable across runs and Go versions.
func (c *Config) CanonicalMap() map[string]string {
	m := map[string]string{
		"simulation": strconv.FormatBool(c.Simulation),

		"server.addr": c.Server.Addr,

		"database.driver": c.Database.Driver,
		"database.dsn":    c.Database.DSN,

		"analytics.enabled": strconv.FormatBool(c.Analytics.Enabled),
		"analytics.dsn":     c.Analytics.DSN,

		"feed.endpoint":               c.Feed.Endpoint,
		"feed.symbols":                strings.Join(c.Feed.Symbols, ","),
		"feed.reconnect_delay_ms":     strconv.Itoa(c.Feed.ReconnectDelayMs),
		"feed.max_reconnect_delay_ms": strconv.Itoa(c.Feed.MaxReconnectDelayMs),
		"feed.max_retries":            strconv.Itoa(c.Feed.MaxRetries),
		"feed.stale_after_seconds":    strconv.Itoa(c.Feed.StaleAfterSec),

		"risk.risk_percent":           formatFloat(c.Risk.RiskPercent),
		"risk.max_daily_loss_pct":     formatFloat(c.Risk.MaxDailyLossPct),
		"risk.max_consecutive_losses": strconv.Itoa(c.Risk.MaxConsecutiveLosses),
		"risk.max_latency_ms":         formatFloat(c.Risk.MaxLatencyMs),
		"risk.max_slippage_bps":       formatFloat(c.Risk.MaxSlippageBps),
		"risk.emergency_loss_pct":     formatFloat(c.Risk.EmergencyLossPct),
		"risk.warning_fraction":       formatFloat(c.Risk.WarningFraction),
		"risk.anomaly_multiplier":     formatFloat(c.Risk.AnomalyMultiplier),
		"risk.critical_multiplier":    formatFloat(c.Risk.CriticalMultiplier),
		"risk.halt_flag_path":         c.Risk.HaltFlagPath,

		"sizing.atr_multiplier":      formatFloat(c.Sizing.ATRMultiplier),
		"sizing.fallback_stop_pct":   formatFloat(c.Sizing.FallbackStopPct),
		"sizing.reward_ratio":        formatFloat(c.Sizing.RewardRatio),
		"sizing.slippage_buffer_pct": formatFloat(c.Sizing.SlippageBufferPct),
		"sizing.leverage":            formatFloat(c.Sizing.Leverage),
		"sizing.max_margin_fraction": formatFloat(c.Sizing.MaxMarginFraction),

		"trading.trail_activation_r":     formatFloat(c.Trading.TrailActivationR),
		"trading.trail_gain_pct":         formatFloat(c.Trading.TrailGainPct),
		"trading.trail_cooldown_seconds": strconv.Itoa(c.Trading.TrailCooldownSec),
		"trading.time_stop_minutes":      strconv.Itoa(c.Trading.TimeStopMin),
		"trading.stats_window":           strconv.Itoa(c.Trading.StatsWindow),

		"slicing.slices":                 strconv.Itoa(c.Slicing.Slices),
		"slicing.mode":                   c.Slicing.Mode,
		"slicing.interval_ms":            strconv.Itoa(c.Slicing.IntervalMs),
		"slicing.min_notional":           formatFloat(c.Slicing.MinNotional),
		"slicing.min_qty":                formatFloat(c.Slicing.MinQty),
		"slicing.max_participation_rate": formatFloat(c.Slicing.MaxParticipationRate),

		"costs.fee_model":            c.Costs.FeeModel,
		"costs.flat_fee_bps":         formatFloat(c.Costs.FlatFeeBps),
		"costs.maker_discount":       formatFloat(c.Costs.MakerDiscount),
		"costs.slippage_model":       c.Costs.SlippageModel,
		"costs.static_bps":           formatFloat(c.Costs.StaticBps),
		"costs.spread_multiplier":    formatFloat(c.Costs.SpreadMultiplier),
		"costs.depth_penalty_bps":    formatFloat(c.Costs.DepthPenaltyBps),
		"costs.max_slippage_bps":     formatFloat(c.Costs.MaxSlippageBps),
		"costs.impact_threshold_usd": formatFloat(c.Costs.ImpactThresholdUSD),
		"costs.impact_bps_per_1k":    formatFloat(c.Costs.ImpactBpsPer1k),
		"costs.impact_depth_amp":     formatFloat(c.Costs.ImpactDepthAmp),
		"costs.max_impact_bps":       formatFloat(c.Costs.MaxImpactBps),
		"costs.guard_enabled":        strconv.FormatBool(c.Costs.GuardEnabled),
		"costs.k_multiple":           formatFloat(c.Costs.KMultiple),

		"micro.enabled":          strconv.FormatBool(c.Micro.Enabled),
		"micro.depth_levels":     strconv.Itoa(c.Micro.DepthLevels),
		"micro.obi_long_min":     formatFloat(c.Micro.OBILongMin),
		"micro.obi_short_max":    formatFloat(c.Micro.OBIShortMax),
		"micro.afr_long_min":     formatFloat(c.Micro.AFRLongMin),
		"micro.afr_short_max":    formatFloat(c.Micro.AFRShortMax),
		"micro.min_tape_trades":  strconv.Itoa(c.Micro.MinTapeTrades),
		"micro.tape_window":      strconv.Itoa(c.Micro.TapeWindow),
		"micro.obi_cache_ttl_ms": strconv.Itoa(c.Micro.OBICacheTTLMs),
		"micro.conflict_policy":  c.Micro.ConflictPolicy,

		"edge.enabled":        strconv.FormatBool(c.Edge.Enabled),
		"edge.window_size":    strconv.Itoa(c.Edge.WindowSize),
		"edge.min_trades":     strconv.Itoa(c.Edge.MinTrades),
		"edge.confidence":     formatFloat(c.Edge.Confidence),
		"edge.hot_threshold":  formatFloat(c.Edge.HotThreshold),
		"edge.warm_threshold": formatFloat(c.Edge.WarmThreshold),

		"thresholds.buy":           formatFloat(c.Thresholds.Buy),
		"thresholds.sell":          formatFloat(c.Thresholds.Sell),
		"thresholds.buy_exit":      formatFloat(c.Thresholds.BuyExit),
		"thresholds.sell_exit":     formatFloat(c.Thresholds.SellExit),
		"thresholds.override_path": c.Thresholds.OverridePath,
		"thresholds.ttl_seconds":   strconv.Itoa(c.Thresholds.TTLSec),
		"thresholds.min_gap":       formatFloat(c.Thresholds.MinGap),
		"thresholds.exit_delta":    formatFloat(c.Thresholds.ExitDelta),

		"logs.level":        strings.ToLower(c.Logs.Level),
		"logs.file":         c.Logs.File,
		"logs.max_size_mb":  strconv.Itoa(c.Logs.MaxSizeMB),
		"logs.max_backups":  strconv.Itoa(c.Logs.MaxBackups),
		"logs.max_age_days": strconv.Itoa(c.Logs.MaxAgeDays),
		"logs.compress":     strconv.FormatBool(c.Logs.Compress),

		"sweeps.reconcile":  c.Sweeps.Reconcile,
		"sweeps.escalation": c.Sweeps.Escalation,
		"sweeps.flush":      c.Sweeps.Flush,
	}

	for i, so := range c.Trading.ScaleOuts {
		prefix := fmt.Sprintf("trading.scale_outs.%d.", i)
		m[prefix+"r_multiple"] = formatFloat(so.RMultiple)
		m[prefix+"fraction"] = formatFloat(so.Fraction)
	}
	for i, tier := range c.Costs.Tiers {
		prefix := fmt.Sprintf("costs.tiers.%d.", i)
		m[prefix+"volume_floor"] = formatFloat(tier.VolumeFloor)
		m[prefix+"taker_bps"] = formatFloat(tier.TakerBps)
	}

	return m
}

// Fingerprint hashes the canonical map in sorted key order. Two configs with
// the same fingerprint behave identically.
func (c *Config) Fingerprint() string {
	m := c.CanonicalMap()

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, m[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

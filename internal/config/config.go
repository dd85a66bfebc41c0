// Package config defines all configuration for the market-making bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MM_* environment variables, and a
// declared whitelist of keys that may change via hot-reload without a
// restart.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool              `mapstructure:"dry_run"`
	Symbols     []string          `mapstructure:"symbols"`
	Tick        TickConfig        `mapstructure:"tick"`
	MDCache     MDCacheConfig     `mapstructure:"md_cache"`
	Strategy    StrategyConfig    `mapstructure:"strategy"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Circuit     CircuitConfig     `mapstructure:"circuit"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	Store       StoreConfig       `mapstructure:"store"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Secrets     SecretsConfig     `mapstructure:"secrets"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Dashboard   DashboardConfig   `mapstructure:"dashboard"`
	Chaos       ChaosConfig       `mapstructure:"chaos"`
}

// TickConfig drives the Clock & Scheduler.
type TickConfig struct {
	IntervalMs int `mapstructure:"interval_ms"`
	DeadlineMs int `mapstructure:"deadline_ms"`
}

// MDCacheConfig tunes the market-data cache's freshness contract.
type MDCacheConfig struct {
	TTLMs               int `mapstructure:"ttl_ms"`
	FreshMsForPricing   int `mapstructure:"fresh_ms_for_pricing"`
	InvalidateOnWSGapMs int `mapstructure:"invalidate_on_ws_gap_ms"`
}

// StrategyConfig tunes the Spread, Inventory, and amend-policy stages.
type StrategyConfig struct {
	MinSpreadBps int `mapstructure:"min_spread_bps"`
	MaxSpreadBps int `mapstructure:"max_spread_bps"`

	KVolSensitivity       float64 `mapstructure:"k_vol_sensitivity"`
	KLiquiditySensitivity float64 `mapstructure:"k_liquidity_sensitivity"`
	KLatencySensitivity   float64 `mapstructure:"k_latency_sensitivity"`
	KPnlSensitivity       float64 `mapstructure:"k_pnl_sensitivity"`

	MinTimeInBookMs        int     `mapstructure:"min_time_in_book_ms"`
	AmendPriceThresholdBps int     `mapstructure:"amend_price_threshold_bps"`
	AmendSizeThreshold     float64 `mapstructure:"amend_size_threshold"`

	MaxSkewBps int     `mapstructure:"max_skew_bps"`
	KInv       float64 `mapstructure:"k_inv"`

	OrderSizeUSD    float64 `mapstructure:"order_size_usd"`
	TargetInventory float64 `mapstructure:"target_inventory"`
	MinEmitBudgetMs int     `mapstructure:"min_emit_budget_ms"`
	QueueNudgeTicks int     `mapstructure:"queue_nudge_ticks"`

	// Reference scales the Signals tracker normalizes raw magnitudes against
	// to produce the [0,1] scores the Spread stage composes.
	VolRefBps       float64 `mapstructure:"vol_ref_bps"`
	LatencyRefMs    float64 `mapstructure:"latency_ref_ms"`
	PnlDevRefUSD    float64 `mapstructure:"pnl_dev_ref_usd"`
	LiquidityRefQty float64 `mapstructure:"liquidity_ref_qty"`

	// Queue-aware nudge tracker tuning.
	QueueWindowMs             int     `mapstructure:"queue_window_ms"`
	QueueUnfavorableThreshold float64 `mapstructure:"queue_unfavorable_threshold"`
}

// GuardThresholds is one tier (SOFT or HARD) of the risk guard composite.
type GuardThresholds struct {
	InventorySkewMax   float64 `mapstructure:"inventory_skew_max"`
	RealizedVolMax     float64 `mapstructure:"realized_vol_max"`
	LatencyP95Ms       int     `mapstructure:"latency_p95_ms"`
	ErrorRateMax       float64 `mapstructure:"error_rate_max"`
	DrawdownMaxUSD     float64 `mapstructure:"drawdown_max_usd"`
	DailyLossMaxUSD    float64 `mapstructure:"daily_loss_max_usd"`
	PnlDeviationMaxUSD float64 `mapstructure:"pnl_deviation_max_usd"`
	ClockDriftMaxMs    int     `mapstructure:"clock_drift_max_ms"`
	TEnterS            float64 `mapstructure:"t_enter_s"`
	TExitS             float64 `mapstructure:"t_exit_s"`
}

// RiskConfig holds the Guards tier thresholds.
type RiskConfig struct {
	Soft GuardThresholds `mapstructure:"soft"`
	Hard GuardThresholds `mapstructure:"hard"`
}

// CircuitConfig tunes the adapter-level circuit gate state machine.
type CircuitConfig struct {
	WindowS           float64 `mapstructure:"window_s"`
	MaxErrRateRatio   float64 `mapstructure:"max_err_rate_ratio"`
	CooldownS         float64 `mapstructure:"cooldown_s"`
	MinClosedS        float64 `mapstructure:"min_closed_s"`
	ProbeCount        int     `mapstructure:"probe_count"`
	MinDwellS         float64 `mapstructure:"min_dwell_s"`
	MaxLogLinesPerSec int     `mapstructure:"max_log_lines_per_sec"`
}

// RateLimitOverride narrows the default bucket for one endpoint class.
type RateLimitOverride struct {
	CapacityPerS float64 `mapstructure:"capacity_per_s"`
	Burst        float64 `mapstructure:"burst"`
}

// RateLimiterConfig tunes the adapter's token buckets.
type RateLimiterConfig struct {
	CapacityPerS      float64                      `mapstructure:"capacity_per_s"`
	Burst             float64                      `mapstructure:"burst"`
	EndpointOverrides map[string]RateLimitOverride `mapstructure:"endpoint_overrides"`
}

// ReconcileConfig tunes the reconciliation loop.
type ReconcileConfig struct {
	IntervalMs      int     `mapstructure:"interval_ms"`
	HardDesyncRatio float64 `mapstructure:"hard_desync_ratio"`
}

// StoreConfig sets where order snapshots are persisted.
type StoreConfig struct {
	SnapshotIntervalMs int    `mapstructure:"snapshot_interval_ms"`
	SnapshotDir        string `mapstructure:"snapshot_dir"`
}

// ExchangeConfig holds adapter transport endpoints.
type ExchangeConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	WSMarketURL     string `mapstructure:"ws_market_url"`
	WSUserURL       string `mapstructure:"ws_user_url"`
	RequestTimeoutS int    `mapstructure:"request_timeout_s"`
	IdemCacheTTLS   int    `mapstructure:"idem_cache_ttl_s"`
}

// SecretsConfig selects the credential provider.
type SecretsConfig struct {
	Provider        string `mapstructure:"provider"` // "file" | "env"
	CredentialsPath string `mapstructure:"credentials_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the observability HTTP server (health/metrics/snapshot).
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ChaosConfig is a no-op placeholder: the chaos-injection harness is an
// external collaborator, not part of this core. The field exists only so a
// chaos block in a config file has a place to decode into; nothing reads it.
type ChaosConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// runtimeMutableKeys is the declared whitelist of dotted config paths that
// may change via hot-reload without a process restart. Everything else
// requires a restart to take effect.
var runtimeMutableKeys = map[string]struct{}{
	"strategy.min_spread_bps":          {},
	"strategy.max_spread_bps":          {},
	"strategy.k_vol_sensitivity":       {},
	"strategy.k_liquidity_sensitivity": {},
	"strategy.k_latency_sensitivity":   {},
	"strategy.k_pnl_sensitivity":       {},
	"strategy.max_skew_bps":            {},
	"strategy.k_inv":                   {},
	"risk.soft":                        {},
	"risk.hard":                        {},
	"circuit.max_err_rate_ratio":       {},
	"circuit.cooldown_s":               {},
	"rate_limiter.capacity_per_s":      {},
	"rate_limiter.burst":               {},
	"rate_limiter.endpoint_overrides":  {},
	"reconcile.interval_ms":            {},
	"reconcile.hard_desync_ratio":      {},
	"logging.level":                    {},
}

// IsRuntimeMutable reports whether a dotted config key may be hot-reloaded.
func IsRuntimeMutable(key string) bool {
	_, ok := runtimeMutableKeys[key]
	return ok
}

// Load reads config from a YAML file with env var overrides.
// MM_CREDENTIALS_PATH and MM_DRY_RUN override their fields directly. API
// credentials are not part of Config; the env secrets provider reads them.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if path := os.Getenv("MM_CREDENTIALS_PATH"); path != "" {
		cfg.Secrets.CredentialsPath = path
	}
	if os.Getenv("MM_DRY_RUN") == "true" || os.Getenv("MM_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// WatchAndReload watches the config file for changes and invokes onChange
// with the newly parsed and validated config. Invalid reloads (failed parse
// or failed Validate) are passed to onChange as its error argument with a
// nil config, and the previous config stays in effect — a reload is atomic: either it fully
// replaces the running config, or it is entirely discarded.
func WatchAndReload(path string, onChange func(*Config, error)) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			onChange(nil, fmt.Errorf("reload unmarshal: %w", err))
			return
		}
		if err := cfg.Validate(); err != nil {
			onChange(nil, fmt.Errorf("reload validate: %w", err))
			return
		}
		onChange(&cfg, nil)
	})
	v.WatchConfig()
	return nil
}

// Validate checks all required fields, value ranges, and cross-field
// invariants (e.g. max_spread_bps >= min_spread_bps).
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must list at least one trading symbol")
	}
	if c.Tick.IntervalMs <= 0 {
		return fmt.Errorf("tick.interval_ms must be > 0")
	}
	if c.Tick.DeadlineMs <= 0 {
		return fmt.Errorf("tick.deadline_ms must be > 0")
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if c.Strategy.MaxSpreadBps < c.Strategy.MinSpreadBps {
		return fmt.Errorf("strategy.max_spread_bps (%d) must be >= strategy.min_spread_bps (%d)",
			c.Strategy.MaxSpreadBps, c.Strategy.MinSpreadBps)
	}
	if c.Strategy.OrderSizeUSD <= 0 {
		return fmt.Errorf("strategy.order_size_usd must be > 0")
	}
	if c.Strategy.VolRefBps <= 0 {
		return fmt.Errorf("strategy.vol_ref_bps must be > 0")
	}
	if c.Strategy.LatencyRefMs <= 0 {
		return fmt.Errorf("strategy.latency_ref_ms must be > 0")
	}
	if c.Strategy.PnlDevRefUSD <= 0 {
		return fmt.Errorf("strategy.pnl_dev_ref_usd must be > 0")
	}
	if c.Strategy.LiquidityRefQty <= 0 {
		return fmt.Errorf("strategy.liquidity_ref_qty must be > 0")
	}
	if c.Strategy.QueueWindowMs <= 0 {
		return fmt.Errorf("strategy.queue_window_ms must be > 0")
	}
	if c.Strategy.QueueUnfavorableThreshold <= 0 {
		return fmt.Errorf("strategy.queue_unfavorable_threshold must be > 0")
	}
	if c.Risk.Soft.TExitS <= c.Risk.Soft.TEnterS {
		return fmt.Errorf("risk.soft.t_exit_s must be > risk.soft.t_enter_s")
	}
	if c.Risk.Hard.TExitS <= c.Risk.Hard.TEnterS {
		return fmt.Errorf("risk.hard.t_exit_s must be > risk.hard.t_enter_s")
	}
	if c.Circuit.MaxErrRateRatio <= 0 || c.Circuit.MaxErrRateRatio > 1 {
		return fmt.Errorf("circuit.max_err_rate_ratio must be in (0, 1]")
	}
	if c.Circuit.ProbeCount <= 0 {
		return fmt.Errorf("circuit.probe_count must be > 0")
	}
	if c.RateLimiter.CapacityPerS <= 0 {
		return fmt.Errorf("rate_limiter.capacity_per_s must be > 0")
	}
	if c.Reconcile.IntervalMs <= 0 {
		return fmt.Errorf("reconcile.interval_ms must be > 0")
	}
	if c.Reconcile.HardDesyncRatio <= 0 || c.Reconcile.HardDesyncRatio > 1 {
		return fmt.Errorf("reconcile.hard_desync_ratio must be in (0, 1]")
	}
	if c.Store.SnapshotDir == "" {
		return fmt.Errorf("store.snapshot_dir is required")
	}
	switch c.Secrets.Provider {
	case "file", "env":
	default:
		return fmt.Errorf("secrets.provider must be one of: file, env")
	}
	return nil
}

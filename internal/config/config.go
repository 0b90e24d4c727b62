// Package config provides configuration management for the backtesting application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"smallcap-backtester/internal/errors"
)

// Slippage model names.
const (
	SlippageFixedCents = "fixed_cents"
	SlippagePctOfPrice = "pct_of_price"
	SlippageTiered     = "tiered"
)

// Config holds all application configuration.
type Config struct {
	Timezone  string          `mapstructure:"timezone" yaml:"timezone"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Execution ExecutionConfig `mapstructure:"execution" yaml:"execution"`
	Risk      RiskConfig      `mapstructure:"risk" yaml:"risk"`
	Portfolio PortfolioConfig `mapstructure:"portfolio" yaml:"portfolio"`
	Watchlist WatchlistConfig `mapstructure:"watchlist" yaml:"watchlist"`
	Strategy  StrategyConfig  `mapstructure:"strategy" yaml:"strategy"`
	Data      DataConfig      `mapstructure:"data" yaml:"data"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Stress    StressConfig    `mapstructure:"stress" yaml:"stress"`
}

// SessionConfig holds the clock times, HH:MM in the configured timezone.
type SessionConfig struct {
	PremarketStart string `mapstructure:"premarket_start" yaml:"premarket_start"`
	PremarketEnd   string `mapstructure:"premarket_end" yaml:"premarket_end"`
	TradeStart     string `mapstructure:"trade_start" yaml:"trade_start"`
	TradeEnd       string `mapstructure:"trade_end" yaml:"trade_end"`
	ForceFlat      string `mapstructure:"force_flat" yaml:"force_flat"`
}

// ExecutionConfig holds fill-model configuration.
type ExecutionConfig struct {
	Slippage     SlippageConfig `mapstructure:"slippage" yaml:"slippage"`
	FeesPerTrade float64        `mapstructure:"fees_per_trade" yaml:"fees_per_trade"`
}

// SlippageConfig selects and parameterizes the slippage model.
type SlippageConfig struct {
	Model          string    `mapstructure:"model" yaml:"model"`
	Cents          float64   `mapstructure:"cents" yaml:"cents"`
	Pct            float64   `mapstructure:"pct" yaml:"pct"`
	TierThresholds []float64 `mapstructure:"tier_thresholds" yaml:"tier_thresholds"`
	TierCents      []float64 `mapstructure:"tier_cents" yaml:"tier_cents"`
}

// RiskConfig holds the daily risk budget.
type RiskConfig struct {
	AccountEquity            float64 `mapstructure:"account_equity" yaml:"account_equity"`
	MaxTradesPerDay          int     `mapstructure:"max_trades_per_day" yaml:"max_trades_per_day"`
	MaxDailyLossPct          float64 `mapstructure:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	CooldownMinutesAfterStop int     `mapstructure:"cooldown_minutes_after_stop" yaml:"cooldown_minutes_after_stop"`
	RiskPerTradePct          float64 `mapstructure:"risk_per_trade_pct" yaml:"risk_per_trade_pct"`
}

// PortfolioConfig holds the capital allocation policy.
type PortfolioConfig struct {
	MaxPositions      int     `mapstructure:"max_positions" yaml:"max_positions"`
	MaxPositionPct    float64 `mapstructure:"max_position_pct" yaml:"max_position_pct"`
	MinCashReservePct float64 `mapstructure:"min_cash_reserve_pct" yaml:"min_cash_reserve_pct"`
	Compound          bool    `mapstructure:"compound" yaml:"compound"`
}

// WatchlistConfig holds the open-gap screen parameters.
type WatchlistConfig struct {
	TopN            int     `mapstructure:"top_n" yaml:"top_n"`
	MinGapPct       float64 `mapstructure:"min_gap_pct" yaml:"min_gap_pct"`
	MinPrevClose    float64 `mapstructure:"min_prev_close" yaml:"min_prev_close"`
	MaxPrevClose    float64 `mapstructure:"max_prev_close" yaml:"max_prev_close"`
	CommonStockOnly bool    `mapstructure:"common_stock_only" yaml:"common_stock_only"`
}

// StrategyConfig holds the signal policy thresholds.
type StrategyConfig struct {
	AllowStarterEntries bool              `mapstructure:"allow_starter_entries" yaml:"allow_starter_entries"`
	StarterFraction     float64           `mapstructure:"starter_fraction" yaml:"starter_fraction"`
	MacroFilter         MacroFilterConfig `mapstructure:"macro_filter" yaml:"macro_filter"`
	Entry               EntryConfig       `mapstructure:"entry" yaml:"entry"`
	Exits               ExitConfig        `mapstructure:"exits" yaml:"exits"`
	Risk                StopConfig        `mapstructure:"risk" yaml:"risk"`
}

// MacroFilterConfig selects the higher-timeframe trend filters.
type MacroFilterConfig struct {
	RequireAboveEMA34  bool `mapstructure:"require_above_ema_34" yaml:"require_above_ema_34"`
	RequireAboveEMA55  bool `mapstructure:"require_above_ema_55" yaml:"require_above_ema_55"`
	RequireAboveSMA200 bool `mapstructure:"require_above_sma_200" yaml:"require_above_sma_200"`
}

// EntryConfig holds entry trigger settings.
type EntryConfig struct {
	RequirePMHBreakout      bool    `mapstructure:"require_pmh_breakout" yaml:"require_pmh_breakout"`
	MaxExtensionFromEMA8Pct float64 `mapstructure:"max_extension_from_ema8_pct" yaml:"max_extension_from_ema8_pct"`
	RequireMomentumBull     bool    `mapstructure:"require_momentum_bull" yaml:"require_momentum_bull"`
}

// ExitConfig holds exit trigger settings.
type ExitConfig struct {
	ExitOnCloseBelowEMA8  bool    `mapstructure:"exit_on_close_below_ema8" yaml:"exit_on_close_below_ema8"`
	ExitOnTTMMomentumBear bool    `mapstructure:"exit_on_ttm_momentum_bear" yaml:"exit_on_ttm_momentum_bear"`
	ScaleOutFirstFraction float64 `mapstructure:"scale_out_first_fraction" yaml:"scale_out_first_fraction"`
}

// StopConfig holds stop placement settings.
type StopConfig struct {
	StopBufferPct float64 `mapstructure:"stop_buffer_pct" yaml:"stop_buffer_pct"`
}

// DataConfig holds market data and cache settings.
type DataConfig struct {
	PolygonBaseURL   string        `mapstructure:"polygon_base_url" yaml:"polygon_base_url"`
	PolygonAPIKey    string        `mapstructure:"-" yaml:"-" json:"-"`
	CacheDB          string        `mapstructure:"cache_db" yaml:"cache_db"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency" yaml:"fetch_concurrency"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `mapstructure:"level" yaml:"level"`
	Console  bool   `mapstructure:"console" yaml:"console"`
	File     bool   `mapstructure:"file" yaml:"file"`
	FilePath string `mapstructure:"file_path" yaml:"file_path"`
}

// OutputConfig holds report output settings.
type OutputConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// StressConfig lists the alternative slippage settings a stress run replays.
// Cents values use the fixed_cents model and Pct values use pct_of_price.
type StressConfig struct {
	Enabled bool      `mapstructure:"enabled" yaml:"enabled"`
	Cents   []float64 `mapstructure:"cents" yaml:"cents"`
	Pct     []float64 `mapstructure:"pct" yaml:"pct"`
}

// Scenarios expands the stress grid into slippage configurations.
func (s StressConfig) Scenarios() []SlippageConfig {
	out := make([]SlippageConfig, 0, len(s.Cents)+len(s.Pct))
	for _, c := range s.Cents {
		out = append(out, SlippageConfig{Model: SlippageFixedCents, Cents: c})
	}
	for _, p := range s.Pct {
		out = append(out, SlippageConfig{Model: SlippagePctOfPrice, Pct: p})
	}
	return out
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/smallcap-backtester"
	}
	return filepath.Join(home, ".config", "smallcap-backtester")
}

// DefaultConfigPath returns the default strategy file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "strategy.yaml")
}

// Default returns the configuration with every default applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("timezone", "America/New_York")

	v.SetDefault("session.premarket_start", "04:00")
	v.SetDefault("session.premarket_end", "09:29")
	v.SetDefault("session.trade_start", "09:30")
	v.SetDefault("session.trade_end", "11:00")
	v.SetDefault("session.force_flat", "16:00")

	v.SetDefault("execution.slippage.model", SlippageFixedCents)
	v.SetDefault("execution.slippage.cents", 0.02)
	v.SetDefault("execution.slippage.pct", 0.001)
	v.SetDefault("execution.slippage.tier_thresholds", []float64{5, 10, 20})
	v.SetDefault("execution.slippage.tier_cents", []float64{0.02, 0.03, 0.05, 0.10})
	v.SetDefault("execution.fees_per_trade", 0.0)

	v.SetDefault("risk.account_equity", 10000.0)
	v.SetDefault("risk.max_trades_per_day", 5)
	v.SetDefault("risk.max_daily_loss_pct", 0.02)
	v.SetDefault("risk.cooldown_minutes_after_stop", 2)
	v.SetDefault("risk.risk_per_trade_pct", 0.01)

	v.SetDefault("portfolio.max_positions", 3)
	v.SetDefault("portfolio.max_position_pct", 0.25)
	v.SetDefault("portfolio.min_cash_reserve_pct", 0.10)
	v.SetDefault("portfolio.compound", false)

	v.SetDefault("watchlist.top_n", 20)
	v.SetDefault("watchlist.min_gap_pct", 0.05)
	v.SetDefault("watchlist.min_prev_close", 0.5)
	v.SetDefault("watchlist.max_prev_close", 20.0)
	v.SetDefault("watchlist.common_stock_only", true)

	v.SetDefault("strategy.allow_starter_entries", true)
	v.SetDefault("strategy.starter_fraction", 0.25)
	v.SetDefault("strategy.macro_filter.require_above_ema_34", true)
	v.SetDefault("strategy.macro_filter.require_above_ema_55", true)
	v.SetDefault("strategy.macro_filter.require_above_sma_200", false)
	v.SetDefault("strategy.entry.require_pmh_breakout", false)
	v.SetDefault("strategy.entry.max_extension_from_ema8_pct", 0.015)
	v.SetDefault("strategy.entry.require_momentum_bull", true)
	v.SetDefault("strategy.exits.exit_on_close_below_ema8", true)
	v.SetDefault("strategy.exits.exit_on_ttm_momentum_bear", true)
	v.SetDefault("strategy.exits.scale_out_first_fraction", 0.5)
	v.SetDefault("strategy.risk.stop_buffer_pct", 0.001)

	v.SetDefault("data.polygon_base_url", "https://api.polygon.io")
	v.SetDefault("data.cache_db", filepath.Join(DefaultConfigDir(), "cache.db"))
	v.SetDefault("data.http_timeout", 30*time.Second)
	v.SetDefault("data.max_retries", 3)
	v.SetDefault("data.fetch_concurrency", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", false)
	v.SetDefault("logging.file_path", filepath.Join(DefaultConfigDir(), "logs", "backtester.log"))

	v.SetDefault("output.dir", "outputs")

	v.SetDefault("stress.enabled", false)
	v.SetDefault("stress.cents", []float64{0.01, 0.02, 0.05, 0.10})
	v.SetDefault("stress.pct", []float64{0.001, 0.002, 0.005, 0.01})
}

// Load loads configuration from the specified YAML file.
// If path is empty, uses the default strategy file, creating it from the
// template when it does not exist yet.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := WriteTemplate(path); err != nil {
				return nil, fmt.Errorf("creating strategy.yaml: %w", err)
			}
		}
	}

	// .env is optional; a missing file leaves the environment untouched.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("YBI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POLYGON_API_KEY"); v != "" {
		cfg.Data.PolygonAPIKey = v
	}
	if v := os.Getenv("POLYGON_BASE_URL"); v != "" {
		cfg.Data.PolygonBaseURL = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return errors.NewConfigError("timezone", c.Timezone, err.Error())
	}

	clocks := map[string]string{
		"session.premarket_start": c.Session.PremarketStart,
		"session.premarket_end":   c.Session.PremarketEnd,
		"session.trade_start":     c.Session.TradeStart,
		"session.trade_end":       c.Session.TradeEnd,
		"session.force_flat":      c.Session.ForceFlat,
	}
	fields := make([]string, 0, len(clocks))
	for field := range clocks {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if _, err := ParseClock(clocks[field]); err != nil {
			return errors.NewConfigError(field, clocks[field], "must be HH:MM")
		}
	}

	if err := c.Execution.Slippage.Validate(); err != nil {
		return err
	}
	if c.Execution.FeesPerTrade < 0 {
		return errors.NewConfigError("execution.fees_per_trade", c.Execution.FeesPerTrade, "must be non-negative")
	}

	if c.Risk.AccountEquity <= 0 {
		return errors.NewConfigError("risk.account_equity", c.Risk.AccountEquity, "must be positive")
	}
	if c.Risk.MaxTradesPerDay < 0 {
		return errors.NewConfigError("risk.max_trades_per_day", c.Risk.MaxTradesPerDay, "must be non-negative")
	}
	if c.Risk.MaxDailyLossPct <= 0 {
		return errors.NewConfigError("risk.max_daily_loss_pct", c.Risk.MaxDailyLossPct, "must be positive")
	}
	if c.Risk.CooldownMinutesAfterStop < 0 {
		return errors.NewConfigError("risk.cooldown_minutes_after_stop", c.Risk.CooldownMinutesAfterStop, "must be non-negative")
	}
	if c.Portfolio.MaxPositions <= 0 {
		return errors.NewConfigError("portfolio.max_positions", c.Portfolio.MaxPositions, "must be positive")
	}

	fractions := []struct {
		field string
		value float64
	}{
		{"risk.max_daily_loss_pct", c.Risk.MaxDailyLossPct},
		{"risk.risk_per_trade_pct", c.Risk.RiskPerTradePct},
		{"portfolio.max_position_pct", c.Portfolio.MaxPositionPct},
		{"portfolio.min_cash_reserve_pct", c.Portfolio.MinCashReservePct},
		{"strategy.starter_fraction", c.Strategy.StarterFraction},
		{"strategy.exits.scale_out_first_fraction", c.Strategy.Exits.ScaleOutFirstFraction},
		{"strategy.risk.stop_buffer_pct", c.Strategy.Risk.StopBufferPct},
		{"strategy.entry.max_extension_from_ema8_pct", c.Strategy.Entry.MaxExtensionFromEMA8Pct},
	}
	for _, f := range fractions {
		if f.value < 0 || f.value > 1 {
			return errors.NewConfigError(f.field, f.value, "must be between 0 and 1")
		}
	}

	if c.Watchlist.TopN <= 0 {
		return errors.NewConfigError("watchlist.top_n", c.Watchlist.TopN, "must be positive")
	}
	if c.Watchlist.MinPrevClose > c.Watchlist.MaxPrevClose {
		return errors.NewConfigError("watchlist.min_prev_close", c.Watchlist.MinPrevClose, "must not exceed max_prev_close")
	}
	if c.Data.FetchConcurrency <= 0 {
		return errors.NewConfigError("data.fetch_concurrency", c.Data.FetchConcurrency, "must be positive")
	}

	for _, sc := range c.Stress.Scenarios() {
		if err := sc.Validate(); err != nil {
			return errors.Wrap(err, "stress")
		}
	}

	return nil
}

// Validate checks the slippage model name and its parameters.
func (s SlippageConfig) Validate() error {
	switch s.Model {
	case SlippageFixedCents:
		if s.Cents < 0 {
			return errors.NewConfigError("execution.slippage.cents", s.Cents, "must be non-negative")
		}
	case SlippagePctOfPrice:
		if s.Pct < 0 || s.Pct >= 1 {
			return errors.NewConfigError("execution.slippage.pct", s.Pct, "must be in [0, 1)")
		}
	case SlippageTiered:
		if len(s.TierCents) != len(s.TierThresholds)+1 {
			return errors.NewConfigError("execution.slippage.tier_cents", s.TierCents,
				fmt.Sprintf("need %d tiers for %d thresholds", len(s.TierThresholds)+1, len(s.TierThresholds)))
		}
		for i := 1; i < len(s.TierThresholds); i++ {
			if s.TierThresholds[i] <= s.TierThresholds[i-1] {
				return errors.NewConfigError("execution.slippage.tier_thresholds", s.TierThresholds, "must be strictly ascending")
			}
		}
		for _, c := range s.TierCents {
			if c < 0 {
				return errors.NewConfigError("execution.slippage.tier_cents", s.TierCents, "must be non-negative")
			}
		}
	default:
		return fmt.Errorf("%w: %q: %w", errors.ErrUnknownSlippageModel, s.Model, errors.ErrConfigInvalid)
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// MaxDailyLoss is the daily loss budget in dollars.
func (c *Config) MaxDailyLoss() float64 {
	return c.Risk.AccountEquity * c.Risk.MaxDailyLossPct
}

// ParseClock parses an HH:MM time of day into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration, loaded from astra.yaml and
// ASTRA_* environment variables.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Regime   RegimeConfig   `mapstructure:"regime"`
	Signals  SignalsConfig  `mapstructure:"signals"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type ExchangeConfig struct {
	Symbols          []string      `mapstructure:"symbols"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	ReconcileEvery   time.Duration `mapstructure:"reconcile_every"`
	PaperStartPrices map[string]float64
}

type RiskConfig struct {
	Capital                 float64       `mapstructure:"capital"`
	RiskPerTrade            float64       `mapstructure:"risk_per_trade"`
	DefaultLeverage         float64       `mapstructure:"default_leverage"`
	MaxLeverage             float64       `mapstructure:"max_leverage"`
	MaxOpenPositions        int           `mapstructure:"max_open_positions"`
	MaxPositionSizeFraction float64       `mapstructure:"max_position_size_fraction"`
	DailyLossLimit          float64       `mapstructure:"daily_loss_limit"`
	MaintenanceMarginRate   float64       `mapstructure:"maintenance_margin_rate"`
	StaleFeedAfter          time.Duration `mapstructure:"stale_feed_after"`
	RejectionLogSize        int           `mapstructure:"rejection_log_size"`
}

type RegimeConfig struct {
	Window              int     `mapstructure:"window"`
	MinSamples          int     `mapstructure:"min_samples"`
	HighVolThreshold    float64 `mapstructure:"high_vol_threshold"`
	LowVolThreshold     float64 `mapstructure:"low_vol_threshold"`
	TrendStrengthCutoff float64 `mapstructure:"trend_strength_cutoff"`
}

type SignalsConfig struct {
	MinMargin float64 `mapstructure:"min_margin"`
}

type StrategyConfig struct {
	WinRateFloor     float64 `mapstructure:"win_rate_floor"`
	MinSamples       int     `mapstructure:"min_samples"`
	EWMASpan         int     `mapstructure:"ewma_span"`
	InitialWinRate   float64 `mapstructure:"initial_win_rate"`
	SignalWindowSize int     `mapstructure:"signal_window_size"`
}

type LedgerConfig struct {
	PostgresDSN        string        `mapstructure:"postgres_dsn"`
	MatchTolerance     time.Duration `mapstructure:"match_tolerance"`
	PnLEpsilon         float64       `mapstructure:"pnl_epsilon"`
	SparklinePoints    int           `mapstructure:"sparkline_points"`
	ChartPointsDefault int           `mapstructure:"chart_points_default"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from the given path (or the working directory
// when empty), layering environment variables over file values and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("astra")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("ASTRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that the risk gates could not operate
// under.
func (c *Config) Validate() error {
	if c.Risk.Capital <= 0 {
		return fmt.Errorf("risk.capital must be positive, got %v", c.Risk.Capital)
	}
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade >= 1 {
		return fmt.Errorf("risk.risk_per_trade must be in (0, 1), got %v", c.Risk.RiskPerTrade)
	}
	if c.Risk.MaxLeverage < 1 {
		return fmt.Errorf("risk.max_leverage must be at least 1, got %v", c.Risk.MaxLeverage)
	}
	if c.Risk.DefaultLeverage < 1 || c.Risk.DefaultLeverage > c.Risk.MaxLeverage {
		return fmt.Errorf("risk.default_leverage must be in [1, max_leverage], got %v", c.Risk.DefaultLeverage)
	}
	if c.Risk.DailyLossLimit <= 0 || c.Risk.DailyLossLimit >= 1 {
		return fmt.Errorf("risk.daily_loss_limit must be in (0, 1), got %v", c.Risk.DailyLossLimit)
	}
	if c.Regime.MinSamples > c.Regime.Window {
		return fmt.Errorf("regime.min_samples (%d) cannot exceed regime.window (%d)", c.Regime.MinSamples, c.Regime.Window)
	}
	if c.Strategy.WinRateFloor < 0 || c.Strategy.WinRateFloor >= 1 {
		return fmt.Errorf("strategy.win_rate_floor must be in [0, 1), got %v", c.Strategy.WinRateFloor)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("exchange.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("exchange.tick_interval", "3s")
	v.SetDefault("exchange.reconcile_every", "5m")

	v.SetDefault("risk.capital", 1000.0)
	v.SetDefault("risk.risk_per_trade", 0.01)
	v.SetDefault("risk.default_leverage", 5.0)
	v.SetDefault("risk.max_leverage", 10.0)
	v.SetDefault("risk.max_open_positions", 5)
	v.SetDefault("risk.max_position_size_fraction", 0.5)
	v.SetDefault("risk.daily_loss_limit", 0.05)
	v.SetDefault("risk.maintenance_margin_rate", 0.005)
	v.SetDefault("risk.stale_feed_after", "90s")
	v.SetDefault("risk.rejection_log_size", 256)

	v.SetDefault("regime.window", 50)
	v.SetDefault("regime.min_samples", 20)
	v.SetDefault("regime.high_vol_threshold", 0.03)
	v.SetDefault("regime.low_vol_threshold", 0.015)
	v.SetDefault("regime.trend_strength_cutoff", 25.0)

	v.SetDefault("signals.min_margin", 0.1)

	v.SetDefault("strategy.win_rate_floor", 0.35)
	v.SetDefault("strategy.min_samples", 10)
	v.SetDefault("strategy.ewma_span", 30)
	v.SetDefault("strategy.initial_win_rate", 0.5)
	v.SetDefault("strategy.signal_window_size", 50)

	v.SetDefault("ledger.postgres_dsn", "")
	v.SetDefault("ledger.match_tolerance", "5s")
	v.SetDefault("ledger.pnl_epsilon", 0.01)
	v.SetDefault("ledger.sparkline_points", 50)
	v.SetDefault("ledger.chart_points_default", 50)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Package config loads engine configuration from a YAML file and the
// environment. Environment variables use the ORDERPILOT_ prefix and
// override file values; a local .env file is honored when present.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Router   RouterConfig   `mapstructure:"router"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Exits    ExitsConfig    `mapstructure:"exits"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// BrokerConfig configures the venue connection.
type BrokerConfig struct {
	APIKey                  string `mapstructure:"api_key"`
	SecretKey               string `mapstructure:"secret_key"`
	UseTestnet              bool   `mapstructure:"use_testnet"`
	ReconnectDelaySeconds   int    `mapstructure:"reconnect_delay_seconds"`
	MaxReconnectAttempts    int    `mapstructure:"max_reconnect_attempts"`
}

// TradingConfig holds the symbols the engine manages and intent defaults.
type TradingConfig struct {
	Symbols            []string `mapstructure:"symbols"`
	DefaultQuantity    int64    `mapstructure:"default_quantity"`
	ExitStrategy       string   `mapstructure:"exit_strategy"` // multi_target, trailing or time_based
	MaxWaitSeconds     int      `mapstructure:"max_wait_seconds"`
	QueueEntryOrders   bool     `mapstructure:"queue_entry_orders"`
}

// RouterConfig tunes order style selection and fill waiting.
type RouterConfig struct {
	SpreadLimitPct       float64 `mapstructure:"spread_limit_pct"`
	LargeOrderQty        int64   `mapstructure:"large_order_qty"`
	PollIntervalMs       int     `mapstructure:"poll_interval_ms"`
	MarketFillTimeoutSec int     `mapstructure:"market_fill_timeout_seconds"`
	PartialGraceSec      int     `mapstructure:"partial_grace_seconds"`
	AcceptPartialPct     float64 `mapstructure:"accept_partial_pct"`
	GracePartialPct      float64 `mapstructure:"grace_partial_pct"`
}

// RetryConfig tunes transient failure handling on broker calls.
type RetryConfig struct {
	MaxRetries   int     `mapstructure:"max_retries"`
	BaseDelayMs  int     `mapstructure:"base_delay_ms"`
	MaxDelaySec  int     `mapstructure:"max_delay_seconds"`
	Factor       float64 `mapstructure:"factor"`
	RetentionMin int     `mapstructure:"session_retention_minutes"`
}

// QueueConfig tunes batching, netting and pacing.
type QueueConfig struct {
	MinBatchSize    int     `mapstructure:"min_batch_size"`
	MaxBatchSize    int     `mapstructure:"max_batch_size"`
	BatchTimeoutSec int     `mapstructure:"batch_timeout_seconds"`
	DrainIntervalMs int     `mapstructure:"drain_interval_ms"`
	NetThreshold    float64 `mapstructure:"net_threshold"`
	OrderPacingMs   int     `mapstructure:"order_pacing_ms"`
}

// ExitsConfig tunes the position exit state machine.
type ExitsConfig struct {
	Target1Pct       float64 `mapstructure:"target1_pct"`
	Target2Pct       float64 `mapstructure:"target2_pct"`
	Target3Pct       float64 `mapstructure:"target3_pct"`
	TargetFraction   float64 `mapstructure:"target_fraction"`
	StopLossPct      float64 `mapstructure:"stop_loss_pct"`
	TrailingStopPct  float64 `mapstructure:"trailing_stop_pct"`
	BreakevenPct     float64 `mapstructure:"breakeven_pct"`
	MaxHoldHours     int     `mapstructure:"max_hold_hours"`
	MinProfitPct     float64 `mapstructure:"min_profit_pct"`
	DTEThresholdDays int     `mapstructure:"dte_threshold_days"`
}

// DatabaseConfig locates the execution cost database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig controls log level and format.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ReconnectDelay returns the broker reconnect delay as a duration.
func (b BrokerConfig) ReconnectDelay() time.Duration {
	return time.Duration(b.ReconnectDelaySeconds) * time.Second
}

// MaxWait returns the default intent wait ceiling as a duration.
func (t TradingConfig) MaxWait() time.Duration {
	return time.Duration(t.MaxWaitSeconds) * time.Second
}

// Load reads configuration from the given file path (or the default search
// paths when empty), the ORDERPILOT_* environment and an optional .env file.
func Load(configPath string) (*Config, error) {
	// .env is optional, plain env vars work without it
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/orderpilot")
	}

	v.SetEnvPrefix("ORDERPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file, defaults and environment only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Broker defaults
	v.SetDefault("broker.use_testnet", true)
	v.SetDefault("broker.reconnect_delay_seconds", 5)
	v.SetDefault("broker.max_reconnect_attempts", 10)

	// Trading defaults
	v.SetDefault("trading.symbols", []string{"ETHUSDT"})
	v.SetDefault("trading.default_quantity", 1)
	v.SetDefault("trading.exit_strategy", "multi_target")
	v.SetDefault("trading.max_wait_seconds", 300)
	v.SetDefault("trading.queue_entry_orders", false)

	// Router defaults
	v.SetDefault("router.spread_limit_pct", 0.5)
	v.SetDefault("router.large_order_qty", 100)
	v.SetDefault("router.poll_interval_ms", 1000)
	v.SetDefault("router.market_fill_timeout_seconds", 10)
	v.SetDefault("router.partial_grace_seconds", 15)
	v.SetDefault("router.accept_partial_pct", 80)
	v.SetDefault("router.grace_partial_pct", 50)

	// Retry defaults
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay_ms", 500)
	v.SetDefault("retry.max_delay_seconds", 30)
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.session_retention_minutes", 15)

	// Queue defaults
	v.SetDefault("queue.min_batch_size", 2)
	v.SetDefault("queue.max_batch_size", 10)
	v.SetDefault("queue.batch_timeout_seconds", 5)
	v.SetDefault("queue.drain_interval_ms", 1000)
	v.SetDefault("queue.net_threshold", 0.8)
	v.SetDefault("queue.order_pacing_ms", 250)

	// Exit defaults
	v.SetDefault("exits.target1_pct", 3.0)
	v.SetDefault("exits.target2_pct", 6.0)
	v.SetDefault("exits.target3_pct", 12.0)
	v.SetDefault("exits.target_fraction", 0.33)
	v.SetDefault("exits.stop_loss_pct", 3.0)
	v.SetDefault("exits.trailing_stop_pct", 2.0)
	v.SetDefault("exits.breakeven_pct", 1.5)
	v.SetDefault("exits.max_hold_hours", 48)
	v.SetDefault("exits.min_profit_pct", 1.0)
	v.SetDefault("exits.dte_threshold_days", 2)

	// Database defaults
	v.SetDefault("database.path", "./data/execution_costs.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
}

// overrideFromEnv applies the well-known credential variables that predate
// the ORDERPILOT_ prefix convention.
func overrideFromEnv(cfg *Config) {
	if apiKey := os.Getenv("BINANCE_API_KEY"); apiKey != "" {
		cfg.Broker.APIKey = apiKey
	}
	if secretKey := os.Getenv("BINANCE_API_SECRET"); secretKey != "" {
		cfg.Broker.SecretKey = secretKey
	}
}

func (c *Config) validate() error {
	var errs []string

	if len(c.Trading.Symbols) == 0 {
		errs = append(errs, "trading.symbols must list at least one symbol")
	}
	for _, s := range c.Trading.Symbols {
		if s == "" {
			errs = append(errs, "trading.symbols must not contain empty entries")
			break
		}
	}
	if c.Trading.DefaultQuantity <= 0 {
		errs = append(errs, "trading.default_quantity must be positive")
	}
	switch c.Trading.ExitStrategy {
	case "multi_target", "trailing", "time_based":
	default:
		errs = append(errs, fmt.Sprintf("trading.exit_strategy %q must be one of multi_target, trailing, time_based", c.Trading.ExitStrategy))
	}
	if c.Trading.MaxWaitSeconds <= 0 {
		errs = append(errs, "trading.max_wait_seconds must be positive")
	}

	if c.Router.SpreadLimitPct <= 0 {
		errs = append(errs, "router.spread_limit_pct must be positive")
	}
	if c.Router.LargeOrderQty <= 0 {
		errs = append(errs, "router.large_order_qty must be positive")
	}
	if c.Router.PollIntervalMs <= 0 {
		errs = append(errs, "router.poll_interval_ms must be positive")
	}
	if c.Router.AcceptPartialPct <= 0 || c.Router.AcceptPartialPct > 100 {
		errs = append(errs, "router.accept_partial_pct must be in (0, 100]")
	}
	if c.Router.GracePartialPct < 0 || c.Router.GracePartialPct > c.Router.AcceptPartialPct {
		errs = append(errs, "router.grace_partial_pct must be between 0 and accept_partial_pct")
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, "retry.max_retries cannot be negative")
	}
	if c.Retry.BaseDelayMs <= 0 {
		errs = append(errs, "retry.base_delay_ms must be positive")
	}
	if time.Duration(c.Retry.MaxDelaySec)*time.Second < time.Duration(c.Retry.BaseDelayMs)*time.Millisecond {
		errs = append(errs, "retry.max_delay_seconds must be >= base_delay_ms")
	}

	if c.Queue.MinBatchSize < 1 {
		errs = append(errs, "queue.min_batch_size must be at least 1")
	}
	if c.Queue.MaxBatchSize < c.Queue.MinBatchSize {
		errs = append(errs, "queue.max_batch_size must be >= min_batch_size")
	}
	if c.Queue.NetThreshold <= 0 || c.Queue.NetThreshold > 1 {
		errs = append(errs, "queue.net_threshold must be in (0, 1]")
	}
	if c.Queue.OrderPacingMs < 0 {
		errs = append(errs, "queue.order_pacing_ms cannot be negative")
	}

	if c.Exits.Target1Pct <= 0 || c.Exits.Target2Pct <= c.Exits.Target1Pct || c.Exits.Target3Pct <= c.Exits.Target2Pct {
		errs = append(errs, "exits targets must be positive and strictly increasing")
	}
	if c.Exits.TargetFraction <= 0 || c.Exits.TargetFraction > 0.5 {
		errs = append(errs, "exits.target_fraction must be in (0, 0.5]")
	}
	if c.Exits.StopLossPct <= 0 {
		errs = append(errs, "exits.stop_loss_pct must be positive")
	}
	if c.Exits.TrailingStopPct <= 0 {
		errs = append(errs, "exits.trailing_stop_pct must be positive")
	}
	if c.Exits.MaxHoldHours <= 0 {
		errs = append(errs, "exits.max_hold_hours must be positive")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path must be set")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, "metrics.port must be a valid TCP port")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

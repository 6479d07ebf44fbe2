// Package config loads the platform configuration. Config is read from a YAML
// file with every key overridable via TRADECORE_* environment variables; a
// missing file falls back to defaults so the binary runs out of the box.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Ingestor   IngestorConfig   `mapstructure:"ingestor"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Order      OrderConfig      `mapstructure:"order"`
	Backtest   BacktestConfig   `mapstructure:"backtest"`
	Optimizer  OptimizerConfig  `mapstructure:"optimizer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// StoreConfig points at the storage backends. PostgresDSN and RedisAddr are
// optional; without them the platform runs on the candle files and an
// in-process cache.
type StoreConfig struct {
	CandleDir   string `mapstructure:"candle_dir"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`
}

type IngestorConfig struct {
	Exchange   string        `mapstructure:"exchange"`
	RateLimit  time.Duration `mapstructure:"rate_limit"`
	ChunkSize  int           `mapstructure:"chunk_size"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type AggregatorConfig struct {
	Venues               []string      `mapstructure:"venues"`
	Pairs                []string      `mapstructure:"pairs"`
	AggregationInterval  time.Duration `mapstructure:"aggregation_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
}

type SchedulerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	MaxDailyTrades int           `mapstructure:"max_daily_trades"`
}

type RiskConfig struct {
	MaxPositionSize        float64       `mapstructure:"max_position_size"`
	MaxTotalExposure       float64       `mapstructure:"max_total_exposure"`
	MaxConcentration       float64       `mapstructure:"max_concentration"`
	MaxDailyLoss           float64       `mapstructure:"max_daily_loss"`
	MaxDailyTrades         int           `mapstructure:"max_daily_trades"`
	MaxDailyVolume         float64       `mapstructure:"max_daily_volume"`
	MaxDrawdownPct         float64       `mapstructure:"max_drawdown_pct"`
	MaxConsecutiveLosses   int           `mapstructure:"max_consecutive_losses"`
	CircuitBreakerDuration time.Duration `mapstructure:"circuit_breaker_duration"`
	TradeCooldown          time.Duration `mapstructure:"trade_cooldown"`
	MaxSlippagePct         float64       `mapstructure:"max_slippage_pct"`
	MaxPriceDeviationPct   float64       `mapstructure:"max_price_deviation_pct"`
}

type OrderConfig struct {
	QueueSize       int           `mapstructure:"queue_size"`
	OrderTTL        time.Duration `mapstructure:"order_ttl"`
	MinOrderAmount  float64       `mapstructure:"min_order_amount"`
	MaxOrderAmount  float64       `mapstructure:"max_order_amount"`
	AmountPrecision int           `mapstructure:"amount_precision"`
	MinOrderValue   float64       `mapstructure:"min_order_value"`
	MaxOrderValue   float64       `mapstructure:"max_order_value"`
}

type BacktestConfig struct {
	InitialBalance float64 `mapstructure:"initial_balance"`
	MakerFee       float64 `mapstructure:"maker_fee"`
	TakerFee       float64 `mapstructure:"taker_fee"`
	SlippageModel  string  `mapstructure:"slippage_model"`
	SlippageBps    float64 `mapstructure:"slippage_bps"`
}

type OptimizerConfig struct {
	TrainRatio float64 `mapstructure:"train_ratio"`
	NSplits    int     `mapstructure:"n_splits"`
	Metric     string  `mapstructure:"metric"`
	MinTrades  int     `mapstructure:"min_trades"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("store.candle_dir", "data/candles")

	v.SetDefault("ingestor.exchange", "kraken")
	v.SetDefault("ingestor.rate_limit", 100*time.Millisecond)
	v.SetDefault("ingestor.chunk_size", 1000)
	v.SetDefault("ingestor.max_retries", 3)
	v.SetDefault("ingestor.retry_delay", 5*time.Second)

	v.SetDefault("aggregator.venues", []string{"kraken"})
	v.SetDefault("aggregator.pairs", []string{"BTC/USD", "ETH/USD"})
	v.SetDefault("aggregator.aggregation_interval", time.Second)
	v.SetDefault("aggregator.max_reconnect_attempts", 5)
	v.SetDefault("aggregator.reconnect_delay", time.Second)
	v.SetDefault("aggregator.heartbeat_interval", 30*time.Second)

	v.SetDefault("scheduler.interval", 30*time.Second)
	v.SetDefault("scheduler.max_daily_trades", 20)

	v.SetDefault("risk.max_position_size", 0.2)
	v.SetDefault("risk.max_total_exposure", 0.8)
	v.SetDefault("risk.max_concentration", 0.4)
	v.SetDefault("risk.max_daily_loss", 0.05)
	v.SetDefault("risk.max_daily_trades", 100)
	v.SetDefault("risk.max_daily_volume", 100_000)
	v.SetDefault("risk.max_drawdown_pct", 10)
	v.SetDefault("risk.max_consecutive_losses", 5)
	v.SetDefault("risk.circuit_breaker_duration", time.Hour)
	v.SetDefault("risk.trade_cooldown", time.Second)
	v.SetDefault("risk.max_slippage_pct", 2)
	v.SetDefault("risk.max_price_deviation_pct", 5)

	v.SetDefault("order.queue_size", 256)
	v.SetDefault("order.order_ttl", 24*time.Hour)
	v.SetDefault("order.min_order_amount", 0.0001)
	v.SetDefault("order.max_order_amount", 10_000)
	v.SetDefault("order.amount_precision", 8)
	v.SetDefault("order.min_order_value", 10)
	v.SetDefault("order.max_order_value", 1_000_000)

	v.SetDefault("backtest.initial_balance", 10_000)
	v.SetDefault("backtest.maker_fee", 0.001)
	v.SetDefault("backtest.taker_fee", 0.002)
	v.SetDefault("backtest.slippage_model", "fixed")
	v.SetDefault("backtest.slippage_bps", 5)

	v.SetDefault("optimizer.train_ratio", 0.7)
	v.SetDefault("optimizer.n_splits", 3)
	v.SetDefault("optimizer.metric", "sharpeRatio")
	v.SetDefault("optimizer.min_trades", 10)
}

// Load reads the configuration. An empty path skips the file and uses the
// defaults plus environment overrides; a named file that cannot be read is an
// error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that would otherwise fail deep inside a
// component at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Store.CandleDir == "" {
		return fmt.Errorf("store.candle_dir is required")
	}
	if c.Ingestor.ChunkSize <= 0 {
		return fmt.Errorf("ingestor.chunk_size must be > 0")
	}
	if c.Risk.MaxPositionSize <= 0 || c.Risk.MaxPositionSize > 1 {
		return fmt.Errorf("risk.max_position_size must be in (0,1]")
	}
	if c.Risk.MaxTotalExposure <= 0 || c.Risk.MaxTotalExposure > 1 {
		return fmt.Errorf("risk.max_total_exposure must be in (0,1]")
	}
	if c.Backtest.InitialBalance <= 0 {
		return fmt.Errorf("backtest.initial_balance must be > 0")
	}
	switch c.Backtest.SlippageModel {
	case "none", "fixed", "dynamic":
	default:
		return fmt.Errorf("backtest.slippage_model must be none, fixed or dynamic")
	}
	if c.Optimizer.TrainRatio <= 0 || c.Optimizer.TrainRatio >= 1 {
		return fmt.Errorf("optimizer.train_ratio must be in (0,1)")
	}
	if c.Optimizer.NSplits <= 0 {
		return fmt.Errorf("optimizer.n_splits must be > 0")
	}
	for _, venue := range c.Aggregator.Venues {
		switch strings.ToLower(venue) {
		case "kraken", "binance", "coinbase":
		default:
			return fmt.Errorf("aggregator.venues: unsupported venue %q", venue)
		}
	}
	return nil
}

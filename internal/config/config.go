// Package config loads the service configuration from a YAML file,
// SIGNALS_* environment variables and built-in defaults, in that order of
// precedence from last to first.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atlas-desktop/signal-backend/internal/data"
	"github.com/atlas-desktop/signal-backend/internal/events"
	"github.com/atlas-desktop/signal-backend/internal/monitor"
	"github.com/atlas-desktop/signal-backend/internal/notify"
	"github.com/atlas-desktop/signal-backend/internal/workers"
)

// EnvPrefix prefixes every environment override, e.g. SIGNALS_SERVER_PORT
const EnvPrefix = "SIGNALS"

// History sink drivers
const (
	HistoryFile     = "file"
	HistoryPostgres = "postgres"
	HistoryMemory   = "memory"
)

// Config is the full service configuration
type Config struct {
	Server   ServerConfig          `mapstructure:"server"`
	Data     DataConfig            `mapstructure:"data"`
	Monitor  MonitorConfig         `mapstructure:"monitor"`
	Workers  workers.PoolConfig    `mapstructure:"workers"`
	Events   events.EventBusConfig `mapstructure:"events"`
	Alerts   AlertsConfig          `mapstructure:"alerts"`
	History  HistoryConfig         `mapstructure:"history"`
	Backtest BacktestConfig        `mapstructure:"backtest"`
	Notify   NotifyConfig          `mapstructure:"notify"`
	Log      LogConfig             `mapstructure:"log"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DataConfig configures bar storage and the exchange client
type DataConfig struct {
	Dir string `mapstructure:"dir"`
	// Offline serves stored bars only and never calls the exchange
	Offline bool               `mapstructure:"offline"`
	Binance data.BinanceConfig `mapstructure:"binance"`
}

// MonitorConfig switches the live loop on and configures it
type MonitorConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	monitor.Config `mapstructure:",squash"`
}

// AlertsConfig locates the alert config document
type AlertsConfig struct {
	ConfigPath string `mapstructure:"config_path"`
}

// HistoryConfig selects and configures the alert history sink
type HistoryConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	Limit  int    `mapstructure:"limit"`
	DSN    string `mapstructure:"dsn"`
}

// BacktestConfig configures the backtest service
type BacktestConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// NotifyConfig configures alert delivery channels
type NotifyConfig struct {
	Telegram notify.TelegramConfig `mapstructure:"telegram"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Address returns host:port
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults(v *viper.Viper) {
	mon := monitor.DefaultConfig()
	bin := data.DefaultBinanceConfig()
	pool := workers.DefaultPoolConfig("monitor")
	bus := events.DefaultEventBusConfig()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)

	v.SetDefault("data.dir", "./data")
	v.SetDefault("data.offline", false)
	v.SetDefault("data.binance.base_url", bin.BaseURL)
	v.SetDefault("data.binance.timeout", bin.Timeout)
	v.SetDefault("data.binance.requests_per_second", bin.RequestsPerSecond)
	v.SetDefault("data.binance.burst", bin.Burst)
	v.SetDefault("data.binance.quote_asset", bin.QuoteAsset)
	v.SetDefault("data.binance.max_attempts", bin.MaxAttempts)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("monitor.interval", mon.Interval)
	v.SetDefault("monitor.timeframe", string(mon.Timeframe))
	v.SetDefault("monitor.lookback", mon.Lookback)
	v.SetDefault("monitor.thresholds.rsi_oversold", mon.Thresholds.RSIOversold)
	v.SetDefault("monitor.thresholds.rsi_overbought", mon.Thresholds.RSIOverbought)

	v.SetDefault("workers.name", pool.Name)
	v.SetDefault("workers.num_workers", pool.NumWorkers)
	v.SetDefault("workers.queue_size", pool.QueueSize)
	v.SetDefault("workers.task_timeout", pool.TaskTimeout)
	v.SetDefault("workers.shutdown_timeout", pool.ShutdownTimeout)
	v.SetDefault("workers.panic_recovery", pool.PanicRecovery)

	v.SetDefault("events.num_workers", bus.NumWorkers)
	v.SetDefault("events.buffer_size", bus.BufferSize)

	v.SetDefault("alerts.config_path", "./data/alert_config.yaml")

	v.SetDefault("history.driver", HistoryFile)
	v.SetDefault("history.path", "./data/alert_history.json")
	v.SetDefault("history.limit", 200)
	v.SetDefault("history.dsn", "")

	v.SetDefault("backtest.cache_ttl", 10*time.Minute)

	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.token", "")
	v.SetDefault("notify.telegram.chat_ids", []int64{})
	v.SetDefault("notify.telegram.api_endpoint", "")

	v.SetDefault("log.level", "info")
}

// Load reads path, when non-empty, over the defaults and applies
// SIGNALS_* environment overrides
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	switch c.History.Driver {
	case HistoryFile:
		if c.History.Path == "" {
			return fmt.Errorf("history.path is required for the file driver")
		}
	case HistoryPostgres:
		if c.History.DSN == "" {
			return fmt.Errorf("history.dsn is required for the postgres driver")
		}
	case HistoryMemory:
	default:
		return fmt.Errorf("unknown history.driver %q", c.History.Driver)
	}
	if !c.Monitor.Timeframe.Valid() {
		return fmt.Errorf("unknown monitor.timeframe %q", c.Monitor.Timeframe)
	}
	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.Token == "" || len(c.Notify.Telegram.ChatIDs) == 0) {
		return fmt.Errorf("notify.telegram needs token and chat_ids when enabled")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	return nil
}

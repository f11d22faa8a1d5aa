package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env      string         `mapstructure:"env"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
	Price    PriceConfig    `mapstructure:"price"`
	Bybit    BybitConfig    `mapstructure:"bybit"`
	Hub      HubConfig      `mapstructure:"hub"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Balance  BalanceConfig  `mapstructure:"balance"`
	Assets   AssetsConfig   `mapstructure:"assets"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PriceConfig bounds the resolver fallback chain.
type PriceConfig struct {
	Freshness time.Duration `mapstructure:"freshness"` // cache hits younger than this skip the network
	Budget    time.Duration `mapstructure:"budget"`    // ceiling for all network tiers together
	Proxy     TierConfig    `mapstructure:"proxy"`
	Direct    TierConfig    `mapstructure:"direct"`
	Seed      int64         `mapstructure:"seed"` // synthetic walk seed, 0 = time based
}

type TierConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type BybitConfig struct {
	REST RESTConfig `mapstructure:"rest"`
	WS   WSConfig   `mapstructure:"ws"`
}

type RESTConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Category string        `mapstructure:"category"`
}

type WSConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Symbols []string      `mapstructure:"symbols"`
}

type HubConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Grace    time.Duration `mapstructure:"grace"`
}

type LedgerConfig struct {
	ScanInterval      time.Duration `mapstructure:"scan_interval"`
	SettleConcurrency int           `mapstructure:"settle_concurrency"`
}

type BalanceConfig struct {
	Mode    string  `mapstructure:"mode"`    // "simulated" or "locked"
	Initial float64 `mapstructure:"initial"` // opening balance for unseen owners
}

type AssetsConfig struct {
	DefaultPayout float64            `mapstructure:"default_payout"`
	Payouts       map[string]float64 `mapstructure:"payouts"`
	CacheTTL      time.Duration      `mapstructure:"cache_ttl"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// StorageConfig selects the key-value backend: "memory" or "postgres".
type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	CreateDB bool   `mapstructure:"create_db"`
}

// Options defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

// Load loads application configuration using Viper.
// It reads config.yaml next to the binary (or the repo config dir under go run)
// and overrides it with environment variables.
func Load() (*Config, error) {
	ex, _ := os.Executable()
	dir := filepath.Join(filepath.Dir(ex), "../config")
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		dir = filepath.Join(pwd, "config")
	}
	if p := os.Getenv("ENGINE_CONFIG_DIR"); p != "" {
		dir = p
	}

	v := newViper()
	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

// LoadFile reads a single config file; used by tests and tooling.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// Support environment variables with dot notation (e.g., PRICE_PROXY_BASE_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origin", "*")
	v.SetDefault("http.shutdown_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.environment", "dev")

	v.SetDefault("price.freshness", time.Second)
	v.SetDefault("price.budget", 3500*time.Millisecond)
	v.SetDefault("price.proxy.timeout", 1500*time.Millisecond)
	v.SetDefault("price.direct.enabled", true)
	v.SetDefault("price.direct.timeout", 1500*time.Millisecond)

	v.SetDefault("bybit.rest.base_url", "https://api.bybit.com")
	v.SetDefault("bybit.rest.timeout", 2*time.Second)
	v.SetDefault("bybit.rest.category", "spot")
	v.SetDefault("bybit.ws.url", "wss://stream.bybit.com/v5/public/spot")
	v.SetDefault("bybit.ws.timeout", 10*time.Second)

	v.SetDefault("hub.interval", time.Second)
	v.SetDefault("hub.grace", 5*time.Second)

	v.SetDefault("ledger.scan_interval", 500*time.Millisecond)
	v.SetDefault("ledger.settle_concurrency", 8)

	v.SetDefault("balance.mode", "simulated")
	v.SetDefault("balance.initial", 0)

	v.SetDefault("assets.default_payout", 85)
	v.SetDefault("assets.cache_ttl", 30*time.Second)

	v.SetDefault("kafka.topic", "position-settlements")

	v.SetDefault("storage.driver", "memory")

	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.timezone", "UTC")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", time.Hour)
}

// Validate checks the values the engine cannot run without.
func (c *Config) Validate() error {
	if c.Price.Freshness < 0 {
		return errors.New("price.freshness must be >= 0")
	}
	if c.Price.Budget <= 0 {
		return errors.New("price.budget must be > 0")
	}
	if c.Price.Proxy.Enabled && c.Price.Proxy.BaseURL == "" {
		return errors.New("price.proxy.base_url is required when the proxy tier is enabled")
	}
	if c.Hub.Interval <= 0 {
		return errors.New("hub.interval must be > 0")
	}
	if c.Ledger.ScanInterval <= 0 || c.Ledger.ScanInterval > time.Second {
		return fmt.Errorf("ledger.scan_interval must be in (0, 1s], got %s", c.Ledger.ScanInterval)
	}
	if c.Ledger.SettleConcurrency < 1 {
		return errors.New("ledger.settle_concurrency must be >= 1")
	}
	switch c.Balance.Mode {
	case "simulated", "locked":
	default:
		return fmt.Errorf("balance.mode must be simulated or locked, got %q", c.Balance.Mode)
	}
	if c.Balance.Initial < 0 {
		return errors.New("balance.initial must be >= 0")
	}
	if c.Assets.DefaultPayout <= 0 {
		return errors.New("assets.default_payout must be > 0")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	switch c.Storage.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.driver must be memory or postgres, got %q", c.Storage.Driver)
	}
	return nil
}

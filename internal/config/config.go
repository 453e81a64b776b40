package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"sdexindexer/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Horizon   HorizonConfig   `mapstructure:"horizon"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Archival  ArchivalConfig  `mapstructure:"archival"`
	S3        S3Config        `mapstructure:"s3"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// RedisConfig describes the optional cache. An empty Addr disables it.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	PoolSize   int    `mapstructure:"pool_size"`
	MaxRetries int    `mapstructure:"max_retries"`
	TLS        bool   `mapstructure:"tls"`
}

// HorizonConfig covers the ledger-data API.
type HorizonConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
}

// SchedulerConfig governs ingestion cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// IngestConfig tunes a single ingestion tick.
type IngestConfig struct {
	PageLimit          int  `mapstructure:"page_limit"`
	MaxPages           int  `mapstructure:"max_pages"`
	ResolveLedgerTimes bool `mapstructure:"resolve_ledger_times"`
}

// ArchivalConfig defines the retention policy. It is re-read between runs.
type ArchivalConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Schedule        string        `mapstructure:"schedule"`
	Mode            string        `mapstructure:"mode"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxBatches      int           `mapstructure:"max_batches"`
	KeepLedgers     uint64        `mapstructure:"keep_ledgers"`
	MinLedger       uint64        `mapstructure:"min_ledger"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// S3Config points the archival cold storage at an S3-compatible bucket.
type S3Config struct {
	Endpoint       string `mapstructure:"endpoint"`
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	UseSSL         bool   `mapstructure:"use_ssl"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// ServerConfig sets the HTTP listener.
type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig controls background pool sampling.
type MetricsConfig struct {
	Interval   time.Duration    `mapstructure:"interval"`
	CloudWatch CloudWatchConfig `mapstructure:"cloudwatch"`
}

// CloudWatchConfig enables metric publishing to AWS CloudWatch.
type CloudWatchConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Region    string `mapstructure:"region"`
	Namespace string `mapstructure:"namespace"`
}

// AlertingConfig routes operational notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch loads configuration and keeps watching the config file. onChange is
// invoked with every successfully validated reload; invalid edits are
// reported through onError and the previous configuration stays in effect.
func Watch(path string, onChange func(*Config), onError func(error)) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}

	v.OnConfigChange(func(fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(next)
	})
	v.WatchConfig()

	return cfg, nil
}

func newViper(path string) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("SDEXINDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "sdexindexer")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("logging.compress", true)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "10s")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 4)
	v.SetDefault("redis.max_retries", 1)

	v.SetDefault("horizon.base_url", "https://horizon.stellar.org")
	v.SetDefault("horizon.request_timeout", "15s")
	v.SetDefault("horizon.user_agent", "sdexindexer/1.0")
	v.SetDefault("horizon.rate_per_second", 5.0)
	v.SetDefault("horizon.burst", 5)

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x53444558))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ingest.page_limit", 200)
	v.SetDefault("ingest.max_pages", 10)
	v.SetDefault("ingest.resolve_ledger_times", false)

	v.SetDefault("archival.enabled", false)
	v.SetDefault("archival.schedule", "0 0 3 * * *")
	v.SetDefault("archival.mode", "delete")
	v.SetDefault("archival.batch_size", 1000)
	v.SetDefault("archival.max_batches", 100)
	v.SetDefault("archival.keep_ledgers", uint64(17280*30))
	v.SetDefault("archival.min_ledger", uint64(0))
	v.SetDefault("archival.run_timeout", "30m")
	v.SetDefault("archival.advisory_lock_key", int64(0x41524348))

	v.SetDefault("s3.prefix", "archive")
	v.SetDefault("s3.use_ssl", true)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.health_timeout", "3s")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("metrics.interval", "30s")
	v.SetDefault("metrics.cloudwatch.enabled", false)
	v.SetDefault("metrics.cloudwatch.namespace", "SDEXIndexer")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 5000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Ingest.PageLimit <= 0 || c.Ingest.PageLimit > 200 {
		return fmt.Errorf("ingest.page_limit must be between 1 and 200")
	}
	if c.Ingest.MaxPages <= 0 {
		return fmt.Errorf("ingest.max_pages must be greater than zero")
	}
	if c.Metrics.Interval <= 0 {
		return fmt.Errorf("metrics.interval must be greater than zero")
	}
	switch c.Archival.Mode {
	case "delete", "table":
	case "s3":
		if c.S3.Bucket == "" || c.S3.Region == "" {
			return fmt.Errorf("archival.mode=s3 requires s3.bucket and s3.region")
		}
	default:
		return fmt.Errorf("archival.mode must be one of delete, table, s3")
	}
	if c.Archival.BatchSize <= 0 {
		return fmt.Errorf("archival.batch_size must be greater than zero")
	}
	if c.Archival.MaxBatches < 0 {
		return fmt.Errorf("archival.max_batches cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Package config provides configuration management for the ingestion daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Stockbit  StockbitConfig  `mapstructure:"stockbit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Stream    StreamConfig    `mapstructure:"stream"`
	UI        UIConfig        `mapstructure:"ui"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Security  SecurityConfig  `mapstructure:"security"`
}

// StockbitConfig holds the endpoints this daemon talks to. The bearer
// token itself is never read from this file — it is runtime-set through
// the credential store (see internal/credential) so it never sits in a
// TOML file on disk.
type StockbitConfig struct {
	RunningTradeURL   string        `mapstructure:"running_trade_url"`
	TradingKeyURL     string        `mapstructure:"trading_key_url"`
	WebSocketURL      string        `mapstructure:"websocket_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	PageLimit         int           `mapstructure:"page_limit"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// StorageConfig controls where CSV output and the job database land, and
// the timezone under which daily files roll over.
type StorageConfig struct {
	DataDir         string `mapstructure:"data_dir"`
	JobDBPath       string `mapstructure:"job_db_path"`
	RotationTimezone string `mapstructure:"rotation_timezone"` // fixed to "UTC"; see DESIGN.md
}

// SchedulerConfig tunes the historical job worker's pacing and retry
// behavior.
type SchedulerConfig struct {
	PageDelay      time.Duration `mapstructure:"page_delay"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
	LogRingSize    int           `mapstructure:"log_ring_size"`
}

// StreamConfig tunes the live streaming session's reconnect and
// heartbeat behavior.
type StreamConfig struct {
	BaseBackoff      time.Duration `mapstructure:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PongTimeout      time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
}

// UIConfig holds CLI output configuration.
type UIConfig struct {
	ColorEnabled bool   `mapstructure:"color_enabled"`
	JSONOutput   bool   `mapstructure:"json_output"`
	DateFormat   string `mapstructure:"date_format"`
}

// LoggingConfig mirrors internal/logging.LogConfig but is loadable from
// TOML/env, the way the rest of this config tree is.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SecurityConfig holds credential-handling configuration.
type SecurityConfig struct {
	StrictValidation bool `mapstructure:"strict_validation"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/stockbit-ingest"
	}
	return filepath.Join(home, ".config", "stockbit-ingest")
}

// Load loads configuration from the specified directory. If configDir is
// empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir, name string, target *Config) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateConfig(configDir, v, target)
		}
		return err
	}

	return v.Unmarshal(target)
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("stockbit.running_trade_url", "https://exodus.stockbit.com/findata-v2/running-trade")
	v.SetDefault("stockbit.trading_key_url", "https://exodus.stockbit.com/trading-key")
	v.SetDefault("stockbit.websocket_url", "wss://ws.stockbit.com/ws/orderbook")
	v.SetDefault("stockbit.request_timeout", 30*time.Second)
	v.SetDefault("stockbit.page_limit", 50)
	v.SetDefault("stockbit.requests_per_second", 4.0)

	v.SetDefault("storage.data_dir", filepath.Join(configDir, "data"))
	v.SetDefault("storage.job_db_path", filepath.Join(configDir, "jobs.db"))
	v.SetDefault("storage.rotation_timezone", "UTC")

	v.SetDefault("scheduler.page_delay", 500*time.Millisecond)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.retry_backoff", 1*time.Second)
	v.SetDefault("scheduler.max_retry_backoff", 60*time.Second)
	v.SetDefault("scheduler.log_ring_size", 200)

	v.SetDefault("stream.base_backoff", 5*time.Second)
	v.SetDefault("stream.max_backoff", 5*time.Minute)
	v.SetDefault("stream.heartbeat_interval", 30*time.Second)
	v.SetDefault("stream.pong_timeout", 10*time.Second)
	v.SetDefault("stream.write_timeout", 10*time.Second)

	v.SetDefault("ui.color_enabled", true)
	v.SetDefault("ui.json_output", false)
	v.SetDefault("ui.date_format", "2006-01-02")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "ingest.log"))
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("security.strict_validation", true)
}

func createTemplateConfig(configDir string, v *viper.Viper, target *Config) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	path := filepath.Join(configDir, "config.toml")
	if err := v.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("writing template config: %w", err)
	}
	return v.Unmarshal(target)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STOCKBIT_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("STOCKBIT_JOB_DB_PATH"); v != "" {
		cfg.Storage.JobDBPath = v
	}
	if v := os.Getenv("STOCKBIT_WEBSOCKET_URL"); v != "" {
		cfg.Stockbit.WebSocketURL = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Storage.RotationTimezone != "UTC" {
		return fmt.Errorf("rotation_timezone must be UTC (got %q)", c.Storage.RotationTimezone)
	}
	if c.Stockbit.PageLimit <= 0 {
		return fmt.Errorf("stockbit.page_limit must be positive")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be non-negative")
	}
	if c.Stream.BaseBackoff <= 0 || c.Stream.MaxBackoff < c.Stream.BaseBackoff {
		return fmt.Errorf("stream backoff bounds are invalid")
	}
	return nil
}

// CredentialPath returns the config directory's credential file path, used
// by internal/credential for atomic persistence of the bearer token.
func CredentialPath(configDir string) string {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	return filepath.Join(configDir, "token.json")
}

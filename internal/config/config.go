package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"intercom-bridge/internal/autoopen"
)

const DEFAULT_PROVIDER_URL = "https://api.is74.ru"
const DEFAULT_CRM_URL = "https://td-crm.is74.ru"

type Provider struct {
	BaseURL       string        `mapstructure:"base_url"`
	CRMURL        string        `mapstructure:"crm_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	DeviceID      string        `mapstructure:"device_id"` // Generated and kept in the token store when empty
	RetryAttempts int           `mapstructure:"retry_attempts"`
}

type Auth struct {
	RefreshMargin time.Duration `mapstructure:"refresh_margin"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Lockout       time.Duration `mapstructure:"lockout"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"` // How long a requested SMS code stays verifiable
}

type Push struct {
	Enabled     bool          `mapstructure:"enabled"`
	URL         string        `mapstructure:"url"`
	QueueSize   int           `mapstructure:"queue_size"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	StableAfter time.Duration `mapstructure:"stable_after"` // Connection age after which backoff restarts from the base delay
}

type Device struct {
	RelockDelay    time.Duration `mapstructure:"relock_delay"`
	OfflineAfter   time.Duration `mapstructure:"offline_after"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

type AutoOpen struct {
	Timezone string `mapstructure:"timezone"`
	// Schedule document written by the API. Takes precedence over the values below.
	File string `mapstructure:"file"`

	autoopen.Document `mapstructure:",squash"`
}

type Events struct {
	Retention int `mapstructure:"retention"`
}

type Webhook struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type SMTP struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

type Notify struct {
	QueueSize int     `mapstructure:"queue_size"`
	Webhook   Webhook `mapstructure:"webhook"`
	Email     SMTP    `mapstructure:"email"`
}

type API struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type Sentry struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type Config struct {
	// Secret for the token store key and API key signatures. Must be set in production.
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`
	Listen   string `mapstructure:"listen"`

	// Comma separated list of allowed CIDR networks. Empty means allow all.
	AllowedNetworks string `mapstructure:"allowed_networks"`

	Provider Provider `mapstructure:"provider"`
	Auth     Auth     `mapstructure:"auth"`
	Push     Push     `mapstructure:"push"`
	Device   Device   `mapstructure:"device"`
	AutoOpen AutoOpen `mapstructure:"auto_open"`
	Events   Events   `mapstructure:"events"`
	Storage  Storage  `mapstructure:"storage"`
	Notify   Notify   `mapstructure:"notify"`
	API      API      `mapstructure:"api"`
	Sentry   Sentry   `mapstructure:"sentry"`
}

// Check if running in Docker container by checking for the presence of /.dockerenv file
func runningInDocker() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

func InstancePath() string {
	if runningInDocker() {
		return "/app/instance"
	}
	return "./instance"
}

func resolveInstancePath(path string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(InstancePath(), path)
}

// LoadConfig reads the configuration file, .env and environment variables.
func LoadConfig(configFile ...string) (*Config, error) {
	var cfg Config

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(InstancePath())
	v.AddConfigPath(".")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, path := range configFile {
		if path != "" {
			v.SetConfigFile(path)
		}
	}

	for k, val := range Defaults() {
		v.SetDefault(k, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("unable to read config file: %w", err)
		}
		slog.Debug("No config file found, using defaults and environment")
	}

	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %v", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Convert relative paths to the instance folder
	if cfg.Storage.SQLite != nil {
		cfg.Storage.SQLite.Path = resolveInstancePath(cfg.Storage.SQLite.Path)
	}
	cfg.AutoOpen.File = resolveInstancePath(cfg.AutoOpen.File)

	// Warn if secret is missing - it keys the token store and signs API keys
	if cfg.Secret == "" {
		if os.Getenv("GIN_MODE") == "release" {
			panic("SECRET configuration variable is required in production")
		} else {
			slog.Warn("Secret is not set. Do not use in production.")
		}
	}

	return &cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.Auth.MaxAttempts < 1 {
		return fmt.Errorf("auth.max_attempts must be at least 1, got %d", cfg.Auth.MaxAttempts)
	}
	if cfg.Push.Enabled && cfg.Push.URL == "" {
		return fmt.Errorf("push.url is required when push is enabled")
	}
	if cfg.Push.QueueSize < 1 {
		slog.Warn("push.queue_size must be positive, using 1", "actual", cfg.Push.QueueSize)
		cfg.Push.QueueSize = 1
	}
	if cfg.Events.Retention < 100 {
		slog.Warn("events.retention below history size, raising to 100", "actual", cfg.Events.Retention)
		cfg.Events.Retention = 100
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	return nil
}

// Location returns the time zone auto-open schedules are evaluated in.
func (cfg *Config) Location() (*time.Location, error) {
	if cfg.AutoOpen.Timezone == "" || strings.EqualFold(cfg.AutoOpen.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(cfg.AutoOpen.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid auto_open.timezone %q: %w", cfg.AutoOpen.Timezone, err)
	}
	return loc, nil
}

// Package config defines the top-level configuration for the trade copier
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// placeholderEncryptionKey is the value shipped in config.example.toml. It is
// rejected by Validate so a deployment can never run with the documented key.
const placeholderEncryptionKey = "change-me-before-deploying"

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COPIER_* environment variables.
type Config struct {
	Brokerage  BrokerageConfig  `toml:"brokerage"`
	Database   DatabaseConfig   `toml:"database"`
	Encryption EncryptionConfig `toml:"encryption"`
	Copier     CopierConfig     `toml:"copier"`
	Retry      RetryConfig      `toml:"retry"`
	Breaker    BreakerConfig    `toml:"breaker"`
	Listener   ListenerConfig   `toml:"listener"`
	Latency    LatencyConfig    `toml:"latency"`
	Alerts     AlertsConfig     `toml:"alerts"`
	Redis      RedisConfig      `toml:"redis"`
	Archive    ArchiveConfig    `toml:"archive"`
	Production bool             `toml:"production"`
	LogLevel   string           `toml:"log_level"`
}

// BrokerageConfig holds the brokerage API endpoints.
type BrokerageConfig struct {
	TradingHost string `toml:"trading_host"`
	DataHost    string `toml:"data_host"`
	StreamHost  string `toml:"stream_host"`
	Paper       bool   `toml:"paper"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// EncryptionConfig holds the credential-store passphrase.
type EncryptionConfig struct {
	Key string `toml:"key"`
}

// CopierConfig holds replication parameters.
type CopierConfig struct {
	MaxConcurrentOrders    int      `toml:"max_concurrent_orders"`
	MinOrderSize           float64  `toml:"min_order_size"`
	MinNotional            float64  `toml:"min_notional"`
	AllowFractionalShares  bool     `toml:"allow_fractional_shares"`
	BuyingPowerBuffer      float64  `toml:"buying_power_buffer"`
	EquityCacheTTL         duration `toml:"equity_cache_ttl"`
	CredentialPollInterval duration `toml:"credential_poll_interval"`
	StartupAbortWindow     duration `toml:"startup_abort_window"`
}

// RetryConfig holds the exponential-backoff retry policy.
type RetryConfig struct {
	MaxAttempts  int      `toml:"max_attempts"`
	InitialDelay duration `toml:"initial_delay"`
	MaxDelay     duration `toml:"max_delay"`
	Base         float64  `toml:"base"`
	Jitter       bool     `toml:"jitter"`
}

// BreakerConfig holds per-client circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold"`
	OpenTimeout      duration `toml:"open_timeout"`
}

// ListenerConfig holds stream reconnection parameters.
type ListenerConfig struct {
	ReconnectDelay       duration `toml:"reconnect_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
}

// LatencyConfig holds replication latency thresholds in milliseconds.
type LatencyConfig struct {
	WarnMS     float64 `toml:"warn_ms"`
	CriticalMS float64 `toml:"critical_ms"`
}

// AlertsConfig holds operator notification channels.
type AlertsConfig struct {
	SlackWebhookURL string     `toml:"slack_webhook_url"`
	SMTP            SMTPConfig `toml:"smtp"`
	Cooldown        duration   `toml:"cooldown"`
}

// SMTPConfig holds email alert transport parameters.
type SMTPConfig struct {
	Host     string   `toml:"host"`
	Port     int      `toml:"port"`
	User     string   `toml:"user"`
	Password string   `toml:"password"`
	From     string   `toml:"from"`
	To       []string `toml:"to"`
}

// RedisConfig holds the optional quote-cache connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	QuoteTTL   duration `toml:"quote_ttl"`
}

// ArchiveConfig holds the optional S3 audit archiver parameters.
type ArchiveConfig struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	ForcePathStyle bool     `toml:"force_path_style"`
	RetentionDays  int      `toml:"retention_days"`
	Interval       duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Brokerage: BrokerageConfig{
			TradingHost: "https://paper-api.alpaca.markets",
			DataHost:    "https://data.alpaca.markets",
			StreamHost:  "wss://paper-api.alpaca.markets/stream",
			Paper:       true,
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tradecopier",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Copier: CopierConfig{
			MaxConcurrentOrders:    32,
			MinOrderSize:           0.01,
			MinNotional:            1.0,
			AllowFractionalShares:  true,
			BuyingPowerBuffer:      0.95,
			EquityCacheTTL:         duration{60 * time.Second},
			CredentialPollInterval: duration{60 * time.Second},
			StartupAbortWindow:     duration{10 * time.Second},
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: duration{1 * time.Second},
			MaxDelay:     duration{10 * time.Second},
			Base:         2.0,
			Jitter:       true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      duration{5 * time.Minute},
		},
		Listener: ListenerConfig{
			ReconnectDelay:       duration{5 * time.Second},
			MaxReconnectAttempts: 10,
		},
		Latency: LatencyConfig{
			WarnMS:     150,
			CriticalMS: 200,
		},
		Alerts: AlertsConfig{
			Cooldown: duration{5 * time.Minute},
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			QuoteTTL:   duration{5 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Region:        "us-east-1",
			Bucket:        "tradecopier-audit",
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Production: false,
		LogLevel:   "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Brokerage endpoints
	if c.Brokerage.TradingHost == "" {
		errs = append(errs, "brokerage: trading_host must not be empty")
	}
	if c.Brokerage.StreamHost == "" {
		errs = append(errs, "brokerage: stream_host must not be empty")
	}

	// Encryption: mandatory, and never the documented placeholder.
	if strings.TrimSpace(c.Encryption.Key) == "" {
		errs = append(errs, "encryption: key must be set")
	} else if c.Encryption.Key == placeholderEncryptionKey {
		errs = append(errs, "encryption: key is still the example placeholder; generate a real one")
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Copier
	if c.Copier.MaxConcurrentOrders < 1 {
		errs = append(errs, "copier: max_concurrent_orders must be >= 1")
	}
	if c.Copier.MinOrderSize <= 0 {
		errs = append(errs, "copier: min_order_size must be > 0")
	}
	if c.Copier.MinNotional < 0 {
		errs = append(errs, "copier: min_notional must be >= 0")
	}
	if c.Copier.BuyingPowerBuffer <= 0 || c.Copier.BuyingPowerBuffer > 1 {
		errs = append(errs, fmt.Sprintf("copier: buying_power_buffer must be in (0, 1], got %g", c.Copier.BuyingPowerBuffer))
	}
	if c.Copier.EquityCacheTTL.Duration <= 0 {
		errs = append(errs, "copier: equity_cache_ttl must be > 0")
	}
	if c.Copier.CredentialPollInterval.Duration <= 0 {
		errs = append(errs, "copier: credential_poll_interval must be > 0")
	}

	// Retry
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, "retry: max_attempts must be >= 0")
	}
	if c.Retry.InitialDelay.Duration <= 0 {
		errs = append(errs, "retry: initial_delay must be > 0")
	}
	if c.Retry.MaxDelay.Duration < c.Retry.InitialDelay.Duration {
		errs = append(errs, "retry: max_delay must not be less than initial_delay")
	}
	if c.Retry.Base < 1 {
		errs = append(errs, "retry: base must be >= 1")
	}

	// Breaker
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, "breaker: failure_threshold must be >= 1")
	}
	if c.Breaker.OpenTimeout.Duration <= 0 {
		errs = append(errs, "breaker: open_timeout must be > 0")
	}

	// Listener
	if c.Listener.ReconnectDelay.Duration <= 0 {
		errs = append(errs, "listener: reconnect_delay must be > 0")
	}
	if c.Listener.MaxReconnectAttempts < 1 {
		errs = append(errs, "listener: max_reconnect_attempts must be >= 1")
	}

	// Latency
	if c.Latency.WarnMS <= 0 {
		errs = append(errs, "latency: warn_ms must be > 0")
	}
	if c.Latency.CriticalMS <= c.Latency.WarnMS {
		errs = append(errs, fmt.Sprintf("latency: critical_ms (%g) must be greater than warn_ms (%g)", c.Latency.CriticalMS, c.Latency.WarnMS))
	}

	// Alerts: SMTP fields must be set together, or all empty.
	sm := c.Alerts.SMTP
	if sm.Host != "" || sm.From != "" || len(sm.To) > 0 {
		if sm.Host == "" || sm.From == "" || len(sm.To) == 0 {
			errs = append(errs, "alerts: smtp host, from, and to must all be set together")
		}
		if sm.Port <= 0 || sm.Port > 65535 {
			errs = append(errs, fmt.Sprintf("alerts: smtp port must be 1-65535, got %d", sm.Port))
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.QuoteTTL.Duration <= 0 {
			errs = append(errs, "redis: quote_ttl must be > 0 when enabled")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty when enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0 when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

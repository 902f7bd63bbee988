package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies COPIER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known COPIER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Brokerage ──
	setStr(&cfg.Brokerage.TradingHost, "COPIER_BROKERAGE_TRADING_HOST")
	setStr(&cfg.Brokerage.DataHost, "COPIER_BROKERAGE_DATA_HOST")
	setStr(&cfg.Brokerage.StreamHost, "COPIER_BROKERAGE_STREAM_HOST")
	setBool(&cfg.Brokerage.Paper, "COPIER_BROKERAGE_PAPER")

	// ── Database ──
	setStr(&cfg.Database.DSN, "COPIER_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "COPIER_DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "COPIER_DATABASE_HOST")
	setInt(&cfg.Database.Port, "COPIER_DATABASE_PORT")
	setStr(&cfg.Database.Database, "COPIER_DATABASE_NAME")
	setStr(&cfg.Database.User, "COPIER_DATABASE_USER")
	setStr(&cfg.Database.Password, "COPIER_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "COPIER_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "COPIER_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "COPIER_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "COPIER_DATABASE_RUN_MIGRATIONS")

	// ── Encryption ──
	setStr(&cfg.Encryption.Key, "COPIER_ENCRYPTION_KEY")

	// ── Copier ──
	setInt(&cfg.Copier.MaxConcurrentOrders, "COPIER_MAX_CONCURRENT_ORDERS")
	setFloat64(&cfg.Copier.MinOrderSize, "COPIER_MIN_ORDER_SIZE")
	setFloat64(&cfg.Copier.MinNotional, "COPIER_MIN_NOTIONAL")
	setBool(&cfg.Copier.AllowFractionalShares, "COPIER_ALLOW_FRACTIONAL_SHARES")
	setFloat64(&cfg.Copier.BuyingPowerBuffer, "COPIER_BUYING_POWER_BUFFER")
	setDuration(&cfg.Copier.EquityCacheTTL, "COPIER_EQUITY_CACHE_TTL")
	setDuration(&cfg.Copier.CredentialPollInterval, "COPIER_CREDENTIAL_POLL_INTERVAL")
	setDuration(&cfg.Copier.StartupAbortWindow, "COPIER_STARTUP_ABORT_WINDOW")

	// ── Retry ──
	setInt(&cfg.Retry.MaxAttempts, "COPIER_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.InitialDelay, "COPIER_RETRY_INITIAL_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "COPIER_RETRY_MAX_DELAY")
	setFloat64(&cfg.Retry.Base, "COPIER_RETRY_BASE")
	setBool(&cfg.Retry.Jitter, "COPIER_RETRY_JITTER")

	// ── Breaker ──
	setInt(&cfg.Breaker.FailureThreshold, "COPIER_BREAKER_FAILURE_THRESHOLD")
	setDuration(&cfg.Breaker.OpenTimeout, "COPIER_BREAKER_OPEN_TIMEOUT")

	// ── Listener ──
	setDuration(&cfg.Listener.ReconnectDelay, "COPIER_LISTENER_RECONNECT_DELAY")
	setInt(&cfg.Listener.MaxReconnectAttempts, "COPIER_LISTENER_MAX_RECONNECT_ATTEMPTS")

	// ── Latency ──
	setFloat64(&cfg.Latency.WarnMS, "COPIER_LATENCY_WARN_MS")
	setFloat64(&cfg.Latency.CriticalMS, "COPIER_LATENCY_CRITICAL_MS")

	// ── Alerts ──
	setStr(&cfg.Alerts.SlackWebhookURL, "COPIER_ALERTS_SLACK_WEBHOOK_URL")
	setDuration(&cfg.Alerts.Cooldown, "COPIER_ALERTS_COOLDOWN")
	setStr(&cfg.Alerts.SMTP.Host, "COPIER_ALERTS_SMTP_HOST")
	setInt(&cfg.Alerts.SMTP.Port, "COPIER_ALERTS_SMTP_PORT")
	setStr(&cfg.Alerts.SMTP.User, "COPIER_ALERTS_SMTP_USER")
	setStr(&cfg.Alerts.SMTP.Password, "COPIER_ALERTS_SMTP_PASSWORD")
	setStr(&cfg.Alerts.SMTP.From, "COPIER_ALERTS_SMTP_FROM")
	setStringSlice(&cfg.Alerts.SMTP.To, "COPIER_ALERTS_SMTP_TO")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "COPIER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "COPIER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COPIER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COPIER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COPIER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COPIER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COPIER_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.QuoteTTL, "COPIER_REDIS_QUOTE_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "COPIER_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "COPIER_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "COPIER_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "COPIER_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "COPIER_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "COPIER_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.ForcePathStyle, "COPIER_ARCHIVE_FORCE_PATH_STYLE")
	setInt(&cfg.Archive.RetentionDays, "COPIER_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "COPIER_ARCHIVE_INTERVAL")

	// ── Top-level ──
	setBool(&cfg.Production, "COPIER_PRODUCTION")
	setStr(&cfg.LogLevel, "COPIER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

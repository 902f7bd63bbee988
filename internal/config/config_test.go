package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Encryption.Key = "unit-test-passphrase"
	return cfg
}

func TestValidateDefaultsWithKey(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "missing encryption key",
			mutate:  func(c *Config) { c.Encryption.Key = "" },
			wantMsg: "encryption: key must be set",
		},
		{
			name:    "placeholder encryption key",
			mutate:  func(c *Config) { c.Encryption.Key = placeholderEncryptionKey },
			wantMsg: "example placeholder",
		},
		{
			name: "latency critical not above warn",
			mutate: func(c *Config) {
				c.Latency.WarnMS = 200
				c.Latency.CriticalMS = 150
			},
			wantMsg: "critical_ms",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantMsg: "unknown log_level",
		},
		{
			name:    "zero buying power buffer",
			mutate:  func(c *Config) { c.Copier.BuyingPowerBuffer = 0 },
			wantMsg: "buying_power_buffer",
		},
		{
			name:    "buffer above one",
			mutate:  func(c *Config) { c.Copier.BuyingPowerBuffer = 1.5 },
			wantMsg: "buying_power_buffer",
		},
		{
			name: "max delay below initial",
			mutate: func(c *Config) {
				c.Retry.InitialDelay = duration{5 * time.Second}
				c.Retry.MaxDelay = duration{time.Second}
			},
			wantMsg: "max_delay",
		},
		{
			name:    "retry base below one",
			mutate:  func(c *Config) { c.Retry.Base = 0.5 },
			wantMsg: "retry: base",
		},
		{
			name:    "breaker threshold zero",
			mutate:  func(c *Config) { c.Breaker.FailureThreshold = 0 },
			wantMsg: "failure_threshold",
		},
		{
			name: "smtp fields incomplete",
			mutate: func(c *Config) {
				c.Alerts.SMTP.Host = "smtp.example.com"
			},
			wantMsg: "smtp host, from, and to",
		},
		{
			name: "redis enabled without addr",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Addr = ""
			},
			wantMsg: "redis: addr",
		},
		{
			name: "archive enabled without bucket",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Bucket = ""
			},
			wantMsg: "archive: bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
log_level = "debug"

[encryption]
key = "file-passphrase"

[copier]
min_order_size = 0.5
equity_cache_ttl = "30s"

[retry]
max_attempts = 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "file-passphrase", cfg.Encryption.Key)
	require.Equal(t, 0.5, cfg.Copier.MinOrderSize)
	require.Equal(t, 30*time.Second, cfg.Copier.EquityCacheTTL.Duration)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)

	// Untouched fields keep their defaults.
	require.Equal(t, 1.0, cfg.Copier.MinNotional)
	require.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COPIER_ENCRYPTION_KEY", "env-passphrase")
	t.Setenv("COPIER_MAX_CONCURRENT_ORDERS", "8")
	t.Setenv("COPIER_RETRY_JITTER", "false")
	t.Setenv("COPIER_BREAKER_OPEN_TIMEOUT", "2m")
	t.Setenv("COPIER_ALERTS_SMTP_TO", "ops@example.com, oncall@example.com")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	require.Equal(t, "env-passphrase", cfg.Encryption.Key)
	require.Equal(t, 8, cfg.Copier.MaxConcurrentOrders)
	require.False(t, cfg.Retry.Jitter)
	require.Equal(t, 2*time.Minute, cfg.Breaker.OpenTimeout.Duration)
	require.Equal(t, []string{"ops@example.com", "oncall@example.com"}, cfg.Alerts.SMTP.To)
}

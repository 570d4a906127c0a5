package config

import (
	"testing"
	"time"

	"github.com/speedrun-hq/speedrun-dca/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, DefaultExchangeEndpoint, cfg.Exchange.Endpoint)
	assert.Equal(t, DefaultDailyInterval, cfg.Scheduler.DailyInterval)
	assert.Equal(t, DefaultWeeklyInterval, cfg.Scheduler.WeeklyInterval)
	assert.Equal(t, DefaultMaxConcurrentAttempts, cfg.Scheduler.MaxConcurrent)
	assert.True(t, cfg.Scheduler.Autostart)
	assert.Equal(t, DefaultMaxRetries, cfg.Retry.MaxRetries)
	assert.Equal(t, DefaultPollDeadline, cfg.PollDeadline)
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	assert.Equal(t, DefaultMetricsPort, cfg.MetricsPort)
	assert.Equal(t, logger.InfoLevel, cfg.LoggerConfig.Level)
	assert.Empty(t, cfg.SignerPrivateKey)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://dca@localhost/dca")
	t.Setenv("DAILY_SCHEDULE", "0 0 9 * * *")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CIRCUIT_BREAKER_ENABLED", "false")
	t.Setenv("SIGNER_PRIVATE_KEY", "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "postgres://dca@localhost/dca", cfg.Store.DatabaseURL)
	assert.Equal(t, "0 0 9 * * *", cfg.Scheduler.DailySchedule)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, logger.DebugLevel, cfg.LoggerConfig.Level)
	assert.False(t, cfg.CircuitBreaker.Enabled)
	assert.Equal(t, "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", cfg.SignerPrivateKey)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		error string
	}{
		{
			name:  "postgres without url",
			env:   map[string]string{"STORE_DRIVER": "postgres"},
			error: "DATABASE_URL",
		},
		{
			name:  "unknown store driver",
			env:   map[string]string{"STORE_DRIVER": "sqlite"},
			error: "invalid STORE_DRIVER",
		},
		{
			name:  "bad duration",
			env:   map[string]string{"STORE_DRIVER": "memory", "POLL_DEADLINE": "soon"},
			error: "invalid POLL_DEADLINE",
		},
		{
			name:  "deadline below interval",
			env:   map[string]string{"STORE_DRIVER": "memory", "POLL_INTERVAL": "1m", "POLL_DEADLINE": "30s"},
			error: "POLL_DEADLINE must not be lower",
		},
		{
			name:  "zero concurrency",
			env:   map[string]string{"STORE_DRIVER": "memory", "MAX_CONCURRENT_ATTEMPTS": "0"},
			error: "MAX_CONCURRENT_ATTEMPTS must be greater than 0",
		},
		{
			name:  "bad signer key",
			env:   map[string]string{"STORE_DRIVER": "memory", "SIGNER_PRIVATE_KEY": "nothex"},
			error: "invalid SIGNER_PRIVATE_KEY",
		},
		{
			name:  "bad bool",
			env:   map[string]string{"STORE_DRIVER": "memory", "SCHEDULER_AUTOSTART": "yes"},
			error: "invalid SCHEDULER_AUTOSTART",
		},
		{
			name:  "bad endpoint",
			env:   map[string]string{"STORE_DRIVER": "memory", "EXCHANGE_API_ENDPOINT": "not a url"},
			error: "invalid EXCHANGE_API_ENDPOINT",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.error)
		})
	}
}

package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/speedrun-hq/speedrun-dca/pkg/logger"
)

// Config holds the configuration for the DCA service
type Config struct {
	Exchange         ExchangeConfig
	Scheduler        SchedulerConfig
	Retry            RetryConfig
	PollInterval     time.Duration
	PollDeadline     time.Duration
	AttemptDeadline  time.Duration
	SignatureTTL     time.Duration
	SignerPrivateKey string
	Store            StoreConfig
	MetricsPort      string
	MetricsAPIKey    string
	CircuitBreaker   CircuitBreakerConfig
	LoggerConfig     LoggerConfig
}

// ExchangeConfig holds the connection settings of the exchange API
type ExchangeConfig struct {
	Endpoint  string
	APIKey    string
	RateLimit float64
}

// SchedulerConfig holds the trigger settings. A non-empty schedule is a cron
// expression and takes precedence over the interval of the same cadence.
type SchedulerConfig struct {
	DailyInterval  time.Duration
	WeeklyInterval time.Duration
	DailySchedule  string
	WeeklySchedule string
	MaxConcurrent  int
	Autostart      bool
}

// RetryConfig holds the backoff policy of pre-submission phases
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver      string
	DatabaseURL string
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	endpoint, err := GetEnvExchangeEndpoint()
	if err != nil {
		return nil, err
	}

	rateLimit, err := GetEnvExchangeRateLimit()
	if err != nil {
		return nil, err
	}

	dailyInterval, err := GetEnvDailyInterval()
	if err != nil {
		return nil, err
	}

	weeklyInterval, err := GetEnvWeeklyInterval()
	if err != nil {
		return nil, err
	}

	maxConcurrent, err := GetEnvMaxConcurrentAttempts()
	if err != nil {
		return nil, err
	}

	autostart, err := GetEnvSchedulerAutostart()
	if err != nil {
		return nil, err
	}

	maxRetries, err := GetEnvMaxRetries()
	if err != nil {
		return nil, err
	}

	baseDelay, err := GetEnvRetryBaseDelay()
	if err != nil {
		return nil, err
	}

	maxDelay, err := GetEnvRetryMaxDelay()
	if err != nil {
		return nil, err
	}

	pollInterval, err := GetEnvPollInterval()
	if err != nil {
		return nil, err
	}

	pollDeadline, err := GetEnvPollDeadline()
	if err != nil {
		return nil, err
	}

	attemptDeadline, err := GetEnvAttemptDeadline()
	if err != nil {
		return nil, err
	}

	signatureTTL, err := GetEnvSignatureTTL()
	if err != nil {
		return nil, err
	}

	signerKey, err := GetEnvSignerPrivateKey()
	if err != nil {
		return nil, err
	}

	storeDriver, err := GetEnvStoreDriver()
	if err != nil {
		return nil, err
	}

	metricsPort, err := GetEnvMetricsPort()
	if err != nil {
		return nil, err
	}

	cbEnabled, err := GetEnvCircuitBreakerEnabled()
	if err != nil {
		return nil, err
	}

	cbThreshold, err := GetEnvCircuitBreakerThreshold()
	if err != nil {
		return nil, err
	}

	cbWindow, err := GetEnvCircuitBreakerWindow()
	if err != nil {
		return nil, err
	}

	cbReset, err := GetEnvCircuitBreakerReset()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Exchange: ExchangeConfig{
			Endpoint:  endpoint,
			APIKey:    os.Getenv("EXCHANGE_API_KEY"),
			RateLimit: rateLimit,
		},
		Scheduler: SchedulerConfig{
			DailyInterval:  dailyInterval,
			WeeklyInterval: weeklyInterval,
			DailySchedule:  os.Getenv("DAILY_SCHEDULE"),
			WeeklySchedule: os.Getenv("WEEKLY_SCHEDULE"),
			MaxConcurrent:  maxConcurrent,
			Autostart:      autostart,
		},
		Retry: RetryConfig{
			MaxRetries: maxRetries,
			BaseDelay:  baseDelay,
			MaxDelay:   maxDelay,
		},
		PollInterval:     pollInterval,
		PollDeadline:     pollDeadline,
		AttemptDeadline:  attemptDeadline,
		SignatureTTL:     signatureTTL,
		SignerPrivateKey: signerKey,
		Store: StoreConfig{
			Driver:      storeDriver,
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
		MetricsPort:   metricsPort,
		MetricsAPIKey: os.Getenv("METRICS_API_KEY"),
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
	}

	// Validate required environment variables
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Store.Driver == StoreDriverPostgres && cfg.Store.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required for the postgres store")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY must not be lower than RETRY_BASE_DELAY")
	}
	if cfg.PollDeadline < cfg.PollInterval {
		return fmt.Errorf("POLL_DEADLINE must not be lower than POLL_INTERVAL")
	}
	return nil
}

package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/speedrun-dca/pkg/logger"
)

const (
	// StoreDriverPostgres persists intents and executions in PostgreSQL
	StoreDriverPostgres = "postgres"
	// StoreDriverMemory keeps everything in process memory
	StoreDriverMemory = "memory"

	// DefaultExchangeEndpoint defines the default API endpoint of the exchange
	DefaultExchangeEndpoint = "https://api.speedrun.exchange"

	// DefaultExchangeRateLimit defines the default request rate to the exchange, per second
	DefaultExchangeRateLimit = 10.0

	// DefaultDailyInterval defines how often the daily trigger fires
	DefaultDailyInterval = time.Hour

	// DefaultWeeklyInterval defines how often the weekly trigger fires
	DefaultWeeklyInterval = 6 * time.Hour

	// DefaultMaxConcurrentAttempts defines the global cap on simultaneous attempts
	DefaultMaxConcurrentAttempts = 8

	// DefaultMaxRetries defines how many times a pre-submission remote call is tried
	DefaultMaxRetries = 3

	// DefaultRetryBaseDelay defines the first backoff delay
	DefaultRetryBaseDelay = 2 * time.Second

	// DefaultRetryMaxDelay caps the backoff delay
	DefaultRetryMaxDelay = 30 * time.Second

	// DefaultPollInterval defines the delay between two status polls
	DefaultPollInterval = 5 * time.Second

	// DefaultPollDeadline bounds the poll phase of an attempt
	DefaultPollDeadline = 5 * time.Minute

	// DefaultAttemptDeadline bounds the phases before submission
	DefaultAttemptDeadline = 2 * time.Minute

	// DefaultSignatureTTL defines how long a produced signature stays valid
	DefaultSignatureTTL = 2 * time.Minute

	// DefaultStoreDriver defines the default persistence backend
	DefaultStoreDriver = StoreDriverPostgres

	// DefaultMetricsPort defines the default port for the metrics server
	DefaultMetricsPort = "8080"

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker
	DefaultCircuitBreakerWindow = 5 * time.Minute

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker
	DefaultCircuitBreakerReset = 15 * time.Minute

	// DefaultLogColoring defines whether log prefixes are coloured
	DefaultLogColoring = true

	// DefaultSchedulerAutostart defines whether the triggers start with the process
	DefaultSchedulerAutostart = true
)

// GetEnvExchangeEndpoint returns the exchange API endpoint from environment variables
func GetEnvExchangeEndpoint() (string, error) {
	endpoint := os.Getenv("EXCHANGE_API_ENDPOINT")
	if endpoint == "" {
		return DefaultExchangeEndpoint, nil
	}

	// Validate URL format
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return "", fmt.Errorf("invalid EXCHANGE_API_ENDPOINT value: %s, must be a valid URL", endpoint)
	}
	return endpoint, nil
}

// GetEnvExchangeRateLimit returns the exchange request rate from environment variables
func GetEnvExchangeRateLimit() (float64, error) {
	limit := os.Getenv("EXCHANGE_RATE_LIMIT")
	if limit == "" {
		return DefaultExchangeRateLimit, nil
	}

	parsed, err := strconv.ParseFloat(limit, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid EXCHANGE_RATE_LIMIT value: %s, must be a number", limit)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("EXCHANGE_RATE_LIMIT must be greater than or equal to 0")
	}
	return parsed, nil
}

// GetEnvDailyInterval returns the daily trigger interval from environment variables
func GetEnvDailyInterval() (time.Duration, error) {
	return getEnvPositiveDuration("DAILY_INTERVAL", DefaultDailyInterval)
}

// GetEnvWeeklyInterval returns the weekly trigger interval from environment variables
func GetEnvWeeklyInterval() (time.Duration, error) {
	return getEnvPositiveDuration("WEEKLY_INTERVAL", DefaultWeeklyInterval)
}

// GetEnvMaxConcurrentAttempts returns the concurrency cap from environment variables
func GetEnvMaxConcurrentAttempts() (int, error) {
	maxConcurrent := os.Getenv("MAX_CONCURRENT_ATTEMPTS")
	if maxConcurrent == "" {
		return DefaultMaxConcurrentAttempts, nil
	}

	count, err := strconv.Atoi(maxConcurrent)
	if err != nil {
		return 0, fmt.Errorf("invalid MAX_CONCURRENT_ATTEMPTS value: %s, must be an integer", maxConcurrent)
	}
	if count <= 0 {
		return 0, fmt.Errorf("MAX_CONCURRENT_ATTEMPTS must be greater than 0")
	}
	return count, nil
}

// GetEnvMaxRetries returns how many times a retryable phase is tried from environment variables
func GetEnvMaxRetries() (int, error) {
	maxRetries := os.Getenv("MAX_RETRIES")
	if maxRetries == "" {
		return DefaultMaxRetries, nil
	}

	maxRetriesInt, err := strconv.Atoi(maxRetries)
	if err != nil {
		return 0, fmt.Errorf("invalid MAX_RETRIES value: %s, must be an integer", maxRetries)
	}
	if maxRetriesInt <= 0 {
		return 0, fmt.Errorf("MAX_RETRIES must be greater than 0")
	}
	return maxRetriesInt, nil
}

// GetEnvRetryBaseDelay returns the first backoff delay from environment variables
func GetEnvRetryBaseDelay() (time.Duration, error) {
	return getEnvPositiveDuration("RETRY_BASE_DELAY", DefaultRetryBaseDelay)
}

// GetEnvRetryMaxDelay returns the backoff cap from environment variables
func GetEnvRetryMaxDelay() (time.Duration, error) {
	return getEnvPositiveDuration("RETRY_MAX_DELAY", DefaultRetryMaxDelay)
}

// GetEnvPollInterval returns the status poll interval from environment variables
func GetEnvPollInterval() (time.Duration, error) {
	return getEnvPositiveDuration("POLL_INTERVAL", DefaultPollInterval)
}

// GetEnvPollDeadline returns the poll phase deadline from environment variables
func GetEnvPollDeadline() (time.Duration, error) {
	return getEnvPositiveDuration("POLL_DEADLINE", DefaultPollDeadline)
}

// GetEnvAttemptDeadline returns the pre-submission deadline from environment variables
func GetEnvAttemptDeadline() (time.Duration, error) {
	return getEnvPositiveDuration("ATTEMPT_DEADLINE", DefaultAttemptDeadline)
}

// GetEnvSignatureTTL returns the signature validity from environment variables
func GetEnvSignatureTTL() (time.Duration, error) {
	return getEnvPositiveDuration("SIGNATURE_TTL", DefaultSignatureTTL)
}

// GetEnvSignerPrivateKey returns the signing key from environment variables. An
// empty key is allowed; attempts then fail at the signature phase.
func GetEnvSignerPrivateKey() (string, error) {
	key := strings.TrimPrefix(strings.TrimSpace(os.Getenv("SIGNER_PRIVATE_KEY")), "0x")
	if key == "" {
		return "", nil
	}
	if _, err := crypto.HexToECDSA(key); err != nil {
		return "", fmt.Errorf("invalid SIGNER_PRIVATE_KEY value: must be a hex encoded secp256k1 key")
	}
	return key, nil
}

// GetEnvStoreDriver returns the persistence backend from environment variables
func GetEnvStoreDriver() (string, error) {
	driver := strings.ToLower(os.Getenv("STORE_DRIVER"))
	if driver == "" {
		return DefaultStoreDriver, nil
	}
	if driver != StoreDriverPostgres && driver != StoreDriverMemory {
		return "", fmt.Errorf("invalid STORE_DRIVER value: %s, must be 'postgres' or 'memory'", driver)
	}
	return driver, nil
}

// GetEnvMetricsPort returns the metrics server port from environment variables
func GetEnvMetricsPort() (string, error) {
	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		return DefaultMetricsPort, nil
	}

	// Validate port format
	if _, err := strconv.Atoi(metricsPort); err != nil {
		return "", fmt.Errorf("invalid METRICS_PORT value: %s, must be a valid integer", metricsPort)
	}
	return metricsPort, nil
}

// GetEnvCircuitBreakerEnabled returns whether the circuit breaker is enabled from environment variables
func GetEnvCircuitBreakerEnabled() (bool, error) {
	return getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
}

// GetEnvCircuitBreakerThreshold returns the circuit breaker threshold from environment variables
func GetEnvCircuitBreakerThreshold() (int, error) {
	threshold := os.Getenv("CIRCUIT_BREAKER_THRESHOLD")
	if threshold == "" {
		return DefaultCircuitBreakerThreshold, nil
	}

	thresholdInt, err := strconv.Atoi(threshold)
	if err != nil {
		return 0, fmt.Errorf("invalid CIRCUIT_BREAKER_THRESHOLD value: %s, must be an integer", threshold)
	}
	if thresholdInt <= 0 {
		return 0, fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be greater than 0")
	}
	return thresholdInt, nil
}

// GetEnvCircuitBreakerWindow returns the circuit breaker window duration from environment variables
func GetEnvCircuitBreakerWindow() (time.Duration, error) {
	return getEnvPositiveDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow)
}

// GetEnvCircuitBreakerReset returns the circuit breaker reset timeout from environment variables
func GetEnvCircuitBreakerReset() (time.Duration, error) {
	return getEnvPositiveDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset)
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logger.InfoLevel, fmt.Errorf("invalid LOG_LEVEL value: %v", err)
	}
	return level, nil
}

// GetEnvLogColoring returns whether log prefixes are coloured from environment variables
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", DefaultLogColoring)
}

// GetEnvSchedulerAutostart returns whether the triggers start with the process
func GetEnvSchedulerAutostart() (bool, error) {
	return getEnvBool("SCHEDULER_AUTOSTART", DefaultSchedulerAutostart)
}

func getEnvPositiveDuration(name string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}

	// Validate duration format
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", name, value)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return parsed, nil
}

func getEnvBool(name string, fallback bool) (bool, error) {
	value := os.Getenv(name)
	if value == "" {
		return fallback, nil
	}

	if value == "true" {
		return true, nil
	} else if value == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, value)
}

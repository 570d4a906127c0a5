// Package retry provides exponential backoff and error classification for
// calls to remote services.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrExhausted is returned when every attempt allowed by the policy failed
var ErrExhausted = errors.New("retry budget exhausted")

// Policy bounds the number of attempts and the delay between them
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff calculates the delay before retry number retryCount (0-based):
// BaseDelay * 2^retryCount, capped at MaxDelay
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 && p.MaxDelay > 0 {
		return p.MaxDelay
	}
	backoff := time.Duration(math.Pow(2, float64(retryCount))) * p.BaseDelay
	if p.MaxDelay > 0 && (backoff > p.MaxDelay || backoff <= 0) {
		backoff = p.MaxDelay
	}
	return backoff
}

// Classifier reports whether an error may be retried, plus a short error type
// used for logs and metric labels
type Classifier func(err error) (shouldRetry bool, errorType string)

// Retrier runs an operation under a Policy
type Retrier struct {
	Policy   Policy
	Clock    clockwork.Clock
	Classify Classifier
	// OnRetry is called before each backoff sleep
	OnRetry func(attempt int, errorType string, wait time.Duration, err error)
}

// Do calls op until it succeeds, returns a non-retryable error, the policy is
// exhausted or ctx is done. It returns the number of attempts made.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := r.Policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	classify := r.Classify
	if classify == nil {
		classify = ClassifyError
	}
	clk := r.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}

		shouldRetry, errorType := classify(lastErr)
		if !shouldRetry {
			return attempt, lastErr
		}
		if attempt == maxAttempts {
			break
		}

		wait := r.Policy.Backoff(attempt - 1)
		if r.OnRetry != nil {
			r.OnRetry(attempt, errorType, wait, lastErr)
		}

		select {
		case <-ctx.Done():
			return attempt, fmt.Errorf("retry interrupted after %d attempts: %w", attempt, ctx.Err())
		case <-clk.After(wait):
		}
	}
	return maxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, lastErr)
}

// ClassifyError classifies transport-level errors by message. It is the
// fallback for errors that carry no structured status.
func ClassifyError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}
	if errors.Is(err, context.Canceled) {
		return false, "cancelled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "network_error"
	}

	errStr := strings.ToLower(err.Error())

	// Network errors - retry is appropriate
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "no response") ||
		strings.Contains(errStr, "eof") {
		return true, "network_error"
	}

	// Throttling - retry after backing off
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") {
		return true, "rate_limited"
	}

	// Liquidity and validation problems won't change on retry
	if strings.Contains(errStr, "insufficient liquidity") ||
		strings.Contains(errStr, "insufficient balance") ||
		strings.Contains(errStr, "invalid") {
		return false, "permanent_error"
	}

	// Unknown errors - retry with caution
	return true, "unknown_error"
}

package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// MaxBackoff caps every computed delay before jitter is added.
const MaxBackoff = 10 * time.Second

// RetryConfig defines retry behaviour.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the upper bound of the random extra delay as a fraction of the delay.
	Jitter float64
}

// DefaultRetryConfig is used for observation reads.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:  3,
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  MaxBackoff,
		Jitter:    0.3,
	}
}

// CalculateBackoff returns min(base*2^attempt, MaxBackoff) plus 0-30% jitter.
func CalculateBackoff(attempt int, base time.Duration) time.Duration {
	return Backoff(attempt, base, MaxBackoff, 0.3)
}

// Backoff returns min(base*2^attempt, max) plus a random 0..jitter fraction of it.
func Backoff(attempt int, base, max time.Duration, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if max <= 0 {
		max = MaxBackoff
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(max) {
		delay = float64(max)
	}
	if jitter > 0 {
		delay += rand.Float64() * jitter * delay
	}
	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry executes fn up to cfg.Attempts times with exponential backoff and jitter.
func Retry(ctx context.Context, cfg RetryConfig, logger zerolog.Logger, operation string, fn func(ctx context.Context) error) error {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", operation, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info().Str("operation", operation).Int("attempts", attempt).Msg("operation succeeded after retries")
			}
			return nil
		}

		if attempt == attempts {
			break
		}

		delay := Backoff(attempt-1, cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter)
		logger.Warn().Err(lastErr).
			Str("operation", operation).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("retry_in", delay).
			Msg("operation failed, retrying")

		if err := Sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s cancelled: %w", operation, err)
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, lastErr)
}

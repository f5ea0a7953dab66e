// Package resilience holds the failure-handling primitives wrapped around
// Qlik calls: bounded retry for endpoint negotiation, a circuit breaker for
// the Repository API, and a bulkhead capping concurrent tool executions.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig configures Retry.
type RetryConfig struct {
	MaxAttempts  int              // total attempts including the first (default: 3)
	InitialDelay time.Duration    // wait before the second attempt (default: 100ms)
	MaxDelay     time.Duration    // cap on a single wait (default: 30s)
	Multiplier   float64          // backoff multiplier (default: 2.0)
	JitterFrac   float64          // jitter fraction 0-1
	RetryableErr func(error) bool // nil means every error is retriable

	// OnRetry is invoked before each wait with the attempt that just failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryConfig returns the configuration used for engine dials.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFrac:   0.1,
	}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Retry returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds, the attempts run out, or ctx ends.
// attempt is zero-based.
func Retry(ctx context.Context, config RetryConfig, fn func(attempt int) error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if config.RetryableErr != nil && !config.RetryableErr(lastErr) {
			return lastErr
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		wait := delay
		if config.JitterFrac > 0 {
			wait += time.Duration(float64(delay) * config.JitterFrac * (rand.Float64()*2 - 1))
		}
		if wait > config.MaxDelay {
			wait = config.MaxDelay
		}
		if config.OnRetry != nil {
			config.OnRetry(attempt, lastErr, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * config.Multiplier)
	}

	return &ExhaustedError{Attempts: config.MaxAttempts, Last: lastErr}
}

// Package retry runs network operations under an exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/dshills/ctxengine/pkg/types"
)

// Policy configures exponential backoff retry behavior
type Policy struct {
	MaxRetries     int           // Retries after the first attempt
	BaseDelay      time.Duration // Delay before the first retry
	MaxDelay       time.Duration // Upper bound for any single delay
	Multiplier     float64       // Exponential backoff multiplier
	AttemptTimeout time.Duration // Per-attempt deadline, 0 disables
}

// DefaultPolicy returns sensible defaults for network operations
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		AttemptTimeout: 30 * time.Second,
	}
}

// Delay returns the backoff before retry number attempt (0-based)
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Permanent marks an error as not worth retrying regardless of the classifier
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsRetryable is the default classifier: validation failures, permanent
// errors, acquire timeouts and context cancellation are not retried.
func IsRetryable(err error) bool {
	var pe *permanentError
	switch {
	case errors.As(err, &pe):
		return false
	case errors.Is(err, types.ErrValidation),
		errors.Is(err, types.ErrAcquireTimeout),
		errors.Is(err, types.ErrPoolClosed),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Do executes fn with exponential backoff. fn receives a context bounded by
// the per-attempt timeout. Non-retryable errors are returned as is; when all
// MaxRetries+1 attempts fail the last error is wrapped in a ConnectivityError.
func Do[T any](ctx context.Context, p Policy, logger *slog.Logger, op string, retryable func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if logger == nil {
		logger = slog.Default()
	}
	if retryable == nil {
		retryable = IsRetryable
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		attempts++
		result, err := runAttempt(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Don't retry on caller cancellation
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !retryable(err) {
			var pe *permanentError
			if errors.As(err, &pe) {
				return zero, pe.err
			}
			return zero, err
		}
		if attempt == p.MaxRetries {
			break
		}

		delay := p.Delay(attempt)
		logger.Warn("retrying operation",
			"op", op,
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, &types.ConnectivityError{Op: op, Attempts: attempts, Err: lastErr}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

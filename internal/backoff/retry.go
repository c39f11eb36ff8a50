package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is returned when every attempt failed with a
// retryable error.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// RetryableFunc classifies an error and extracts any server retry hint.
// Returning retryable=false stops the loop immediately and surfaces the
// error as-is.
type RetryableFunc func(err error) (retryable bool, hint time.Duration)

// Always marks every error retryable with no hint.
func Always(error) (bool, time.Duration) { return true, 0 }

// Retry runs fn until it succeeds, the error is non-retryable, the policy
// is exhausted, or the context ends. fn receives the 1-indexed attempt.
func Retry[T any](ctx context.Context, policy Policy, classify RetryableFunc, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	if classify == nil {
		classify = Always
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(attempt)
		if err == nil {
			return v, nil
		}
		retryable, hint := classify(err)
		if !retryable {
			return zero, err
		}
		lastErr = err

		if attempt < policy.MaxAttempts {
			if err := Sleep(ctx, policy.Delay(attempt, hint)); err != nil {
				return zero, err
			}
		}
	}
	if lastErr != nil {
		return zero, errors.Join(ErrAttemptsExhausted, lastErr)
	}
	return zero, ErrAttemptsExhausted
}

// Sleep waits for d unless the context ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

package reliability

import (
	"context"
	"fmt"
	"time"
)

// Backoff maps a zero-based attempt number to the wait before the next try.
type Backoff func(attempt int) time.Duration

// LinearBackoff waits base * (attempt+1), capped.
func LinearBackoff(base, cap time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		d := base * time.Duration(attempt+1)
		if d > cap {
			return cap
		}
		return d
	}
}

// ExponentialBackoff waits base * 2^attempt, capped.
func ExponentialBackoff(base, cap time.Duration) Backoff {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= cap {
				return cap
			}
		}
		return d
	}
}

// Policy describes one retry discipline. Retryable may be nil, in which case
// every error is retried up to MaxAttempts.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	Retryable   func(error) bool

	// OnRetry is invoked before each wait, for metrics/logging.
	OnRetry func(attempt int, err error)
}

// Retry runs op until it succeeds, the policy is exhausted, or ctx is done.
// The last error is returned wrapped with the attempt count.
func Retry(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff == nil {
		p.Backoff = LinearBackoff(100*time.Millisecond, 5*time.Second)
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("aborted after %d attempt(s): %w", attempt, lastErr)
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("aborted after %d attempt(s): %w", attempt+1, lastErr)
		case <-time.After(p.Backoff(attempt)):
		}
	}
	return fmt.Errorf("exhausted %d attempt(s): %w", p.MaxAttempts, lastErr)
}

package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{
		MaxAttempts: 3,
		Backoff:     LinearBackoff(time.Millisecond, 10*time.Millisecond),
	}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsAndWrapsLastError(t *testing.T) {
	sentinel := errors.New("still broken")
	calls := 0
	err := Retry(context.Background(), Policy{
		MaxAttempts: 4,
		Backoff:     LinearBackoff(time.Millisecond, 10*time.Millisecond),
	}, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if err == nil {
		t.Fatalf("Retry() error = nil, want exhaustion")
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("Retry() error = %v, want wrapped %v", err, sentinel)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	fatal := errors.New("validation failed")
	calls := 0
	err := Retry(context.Background(), Policy{
		MaxAttempts: 5,
		Backoff:     LinearBackoff(time.Millisecond, 10*time.Millisecond),
		Retryable:   func(err error) bool { return !errors.Is(err, fatal) },
	}, func(ctx context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("Retry() error = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on non-retryable)", calls)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, Policy{
		MaxAttempts: 10,
		Backoff:     LinearBackoff(50*time.Millisecond, time.Second),
	}, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatalf("Retry() error = nil, want cancellation")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestLinearBackoffGrowsAndCaps(t *testing.T) {
	b := LinearBackoff(10*time.Millisecond, 25*time.Millisecond)
	if got := b(0); got != 10*time.Millisecond {
		t.Fatalf("b(0) = %v, want 10ms", got)
	}
	if got := b(1); got != 20*time.Millisecond {
		t.Fatalf("b(1) = %v, want 20ms", got)
	}
	if got := b(5); got != 25*time.Millisecond {
		t.Fatalf("b(5) = %v, want cap 25ms", got)
	}
}

func TestExponentialBackoffGrowsAndCaps(t *testing.T) {
	b := ExponentialBackoff(10*time.Millisecond, 70*time.Millisecond)
	if got := b(0); got != 10*time.Millisecond {
		t.Fatalf("b(0) = %v, want 10ms", got)
	}
	if got := b(2); got != 40*time.Millisecond {
		t.Fatalf("b(2) = %v, want 40ms", got)
	}
	if got := b(6); got != 70*time.Millisecond {
		t.Fatalf("b(6) = %v, want cap 70ms", got)
	}
}

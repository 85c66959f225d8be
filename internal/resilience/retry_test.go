package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(retries int) RetryConfig {
	return RetryConfig{
		MaxRetries: retries,
		InitDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_ExhaustsRetries(t *testing.T) {
	calls := 0
	want := errors.New("still down")
	err := Retry(context.Background(), fastConfig(2), func(ctx context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_PermanentErrorStops(t *testing.T) {
	calls := 0
	want := errors.New("not found")
	err := Retry(context.Background(), fastConfig(5), func(ctx context.Context) error {
		calls++
		return Permanent(want)
	})
	if !errors.Is(err, want) || !IsPermanentError(err) {
		t.Errorf("expected permanent wrapped error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastConfig(3), func(ctx context.Context) error {
		t.Fatal("fn must not run on a cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRetry_CallbackSeesEachRetry(t *testing.T) {
	var attempts []int
	_ = RetryWithCallback(context.Background(), fastConfig(2), func(ctx context.Context) error {
		return errors.New("x")
	}, func(attempt int, err error, next time.Duration) {
		attempts = append(attempts, attempt)
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("unexpected callback attempts %v", attempts)
	}
}

func TestCalculateDelay_CapsAtMax(t *testing.T) {
	cfg := RetryConfig{InitDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 10}
	if d := calculateDelay(cfg, 4); d != 3*time.Second {
		t.Errorf("expected cap, got %v", d)
	}
}

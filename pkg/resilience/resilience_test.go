package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(3, time.Millisecond).Do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(2, time.Millisecond).Do(context.Background(), func() error {
		calls++
		return errors.New("down")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryPermanentNotRetried(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(5, time.Millisecond).Do(context.Background(), func() error {
		calls++
		return Permanent(errors.New("bad number"))
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one call and error, got %d calls err=%v", calls, err)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewRetryPolicy(5, time.Hour).Do(ctx, func() error { return errors.New("x") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	rl := RateLimitError{Provider: "twilio"}
	_ = cb.Guard(func() error { return rl })
	if !cb.Allow() {
		t.Fatalf("breaker should stay closed after one failure")
	}
	_ = cb.Guard(func() error { return rl })
	if cb.Allow() {
		t.Fatalf("breaker should be open")
	}
	if err := cb.Guard(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := cb.Guard(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close after cooldown, got %v", err)
	}
}

func TestCircuitBreakerIgnoresPermanentErrors(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	_ = cb.Guard(func() error { return Permanent(errors.New("invalid number")) })
	if !cb.Allow() || cb.State() != BreakerClosed {
		t.Fatalf("permanent errors must not open the breaker")
	}
	_ = cb.Guard(func() error { return errors.New("503") })
	if cb.State() != BreakerOpen {
		t.Fatalf("transient errors should open the breaker, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenTrial(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(1, time.Minute)
	cb.now = func() time.Time { return now }

	_ = cb.Guard(func() error { return RateLimitError{Provider: "twilio"} })
	now = now.Add(2 * time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected trial after cooldown")
	}
	if cb.Allow() {
		t.Fatalf("only one trial may be in flight")
	}
	cb.OnError(errors.New("still down"))
	if cb.State() != BreakerOpen {
		t.Fatalf("failed trial should reopen, got %s", cb.State())
	}
	now = now.Add(2 * time.Minute)
	if err := cb.Guard(func() error { return nil }); err != nil {
		t.Fatalf("expected trial to pass, got %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("successful trial should close, got %s", cb.State())
	}
}

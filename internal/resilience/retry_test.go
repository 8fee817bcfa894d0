package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// apiError mirrors the provider error shape without importing it.
type apiError struct {
	status     int
	retryAfter time.Duration
}

func (e *apiError) Error() string             { return "api error" }
func (e *apiError) RateLimited() bool         { return e.status == 429 }
func (e *apiError) Transient() bool           { return e.status >= 500 }
func (e *apiError) RetryAfter() time.Duration { return e.retryAfter }

func newTestCaller(policy Policy, breaker *Breaker) (*Caller, *[]time.Duration) {
	c := NewCaller(policy, breaker)
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"rate limit", &apiError{status: 429}, ClassRateLimit},
		{"server error", &apiError{status: 503}, ClassTransient},
		{"client error", &apiError{status: 400}, ClassPermanent},
		{"plain error", errors.New("boom"), ClassPermanent},
		{"wrapped rate limit", wrap(&apiError{status: 429}), ClassRateLimit},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("%s: Classify = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func wrap(err error) error {
	return &wrappedErr{err}
}

type wrappedErr struct{ inner error }

func (w *wrappedErr) Error() string { return "wrapped: " + w.inner.Error() }
func (w *wrappedErr) Unwrap() error { return w.inner }

func TestRetryRateLimitBudget(t *testing.T) {
	policy := Policy{
		RateLimitRetries: 3,
		RateLimitDelays:  []time.Duration{time.Millisecond, 2 * time.Millisecond},
		RetryAfterCap:    time.Second,
		TransientRetries: 2,
		TransientDelay:   time.Millisecond,
		JitterFraction:   0, // deterministic delays
	}
	c, slept := newTestCaller(policy, nil)

	attempts := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return &apiError{status: 429}
	})
	var ae *apiError
	if !errors.As(err, &ae) {
		t.Fatalf("got %v, want the original rate-limit error", err)
	}
	if attempts != 4 { // 1 + 3 retries
		t.Errorf("attempts = %d, want 4", attempts)
	}
	// Fallback schedule: first, second, then last entry repeats.
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 2 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, (*slept)[i], want[i])
		}
	}
}

func TestRetryHonorsRetryAfterBelowCap(t *testing.T) {
	policy := DefaultPolicy()
	policy.JitterFraction = 0
	c, slept := newTestCaller(policy, nil)

	calls := 0
	c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &apiError{status: 429, retryAfter: 7 * time.Second}
		}
		return nil
	})
	if len(*slept) != 1 || (*slept)[0] != 7*time.Second {
		t.Errorf("slept %v, want [7s] from Retry-After hint", *slept)
	}
}

func TestRetryIgnoresRetryAfterAboveCap(t *testing.T) {
	policy := DefaultPolicy()
	policy.JitterFraction = 0
	policy.RetryAfterCap = 5 * time.Second
	c, slept := newTestCaller(policy, nil)

	calls := 0
	c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &apiError{status: 429, retryAfter: time.Hour}
		}
		return nil
	})
	if len(*slept) != 1 || (*slept)[0] != policy.RateLimitDelays[0] {
		t.Errorf("slept %v, want schedule fallback %v", *slept, policy.RateLimitDelays[0])
	}
}

func TestRetryTransientBudget(t *testing.T) {
	policy := DefaultPolicy()
	policy.JitterFraction = 0
	policy.TransientRetries = 2
	c, _ := newTestCaller(policy, nil)

	attempts := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return &apiError{status: 502}
	})
	if err == nil {
		t.Fatal("expected error after transient budget exhausted")
	}
	if attempts != 3 { // 1 + 2 retries
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryPermanentPropagatesImmediately(t *testing.T) {
	c, slept := newTestCaller(DefaultPolicy(), nil)

	boom := errors.New("validation failed")
	attempts := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want original error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v, want no delays", *slept)
	}
}

func TestRetryTotalAttemptsBounded(t *testing.T) {
	policy := Policy{
		RateLimitRetries: 2,
		RateLimitDelays:  []time.Duration{time.Millisecond},
		RetryAfterCap:    time.Second,
		TransientRetries: 2,
		TransientDelay:   time.Millisecond,
	}
	c, _ := newTestCaller(policy, nil)

	// Alternate failure classes to spend both budgets.
	attempts := 0
	errs := []error{
		&apiError{status: 429},
		&apiError{status: 503},
		&apiError{status: 429},
		&apiError{status: 503},
		&apiError{status: 429},
		&apiError{status: 503},
	}
	c.Do(context.Background(), func(ctx context.Context) error {
		err := errs[attempts%len(errs)]
		attempts++
		return err
	})
	if max := 1 + policy.RateLimitRetries + policy.TransientRetries; attempts > max {
		t.Errorf("attempts = %d, want at most %d", attempts, max)
	}
}

func TestRetryInsideBreakerTripsOnRepeatedExhaustion(t *testing.T) {
	clock := newFakeClock()
	breaker := NewBreaker("llm", BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 1,
	})
	breaker.now = clock.now

	policy := DefaultPolicy()
	policy.TransientRetries = 1
	policy.JitterFraction = 0
	c, _ := newTestCaller(policy, breaker)

	// Each Do exhausts its own retry budget and counts as one breaker failure.
	for i := 0; i < 3; i++ {
		err := c.Do(context.Background(), func(ctx context.Context) error {
			return &apiError{status: 500}
		})
		if IsOpen(err) {
			t.Fatalf("call %d rejected early: %v", i, err)
		}
	}
	if breaker.State() != StateOpen {
		t.Fatalf("breaker state = %v, want open after repeated exhaustion", breaker.State())
	}

	// Subsequent calls fail fast without invoking the operation.
	invoked := false
	err := c.Do(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !IsOpen(err) || invoked {
		t.Errorf("got err=%v invoked=%v, want fast open rejection", err, invoked)
	}
}

func TestRetrySleepCancelledByContext(t *testing.T) {
	policy := DefaultPolicy()
	policy.RateLimitDelays = []time.Duration{time.Hour}
	c := NewCaller(policy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Do(ctx, func(ctx context.Context) error {
		return &apiError{status: 429}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := Jitter(base, 0.2)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±20%% of %v", d, base)
		}
	}
	if Jitter(base, 0) != base {
		t.Error("zero fraction should leave the delay unchanged")
	}
}

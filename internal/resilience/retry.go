package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"time"
)

// Class is the retry classification of a failure.
type Class int

const (
	// ClassPermanent failures are never retried.
	ClassPermanent Class = iota
	// ClassRateLimit failures are retried on the server-provided or scheduled
	// backoff.
	ClassRateLimit
	// ClassTransient failures (network, 5xx) are retried on a short fixed
	// delay.
	ClassTransient
)

func (c Class) String() string {
	switch c {
	case ClassRateLimit:
		return "rate-limit"
	case ClassTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// Errors classify themselves through these optional interfaces; the provider
// package implements them on its APIError.
type rateLimitedError interface {
	RateLimited() bool
}

type transientError interface {
	Transient() bool
}

type retryAfterHinter interface {
	RetryAfter() time.Duration
}

// Classify maps an error to its retry class. Rate-limit takes priority over
// transient; anything unrecognized is permanent.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	var rl rateLimitedError
	if errors.As(err, &rl) && rl.RateLimited() {
		return ClassRateLimit
	}
	var tr transientError
	if errors.As(err, &tr) && tr.Transient() {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}
	return ClassPermanent
}

// retryAfter extracts the server-provided backoff hint, zero if absent.
func retryAfter(err error) time.Duration {
	var h retryAfterHinter
	if errors.As(err, &h) {
		return h.RetryAfter()
	}
	return 0
}

// Policy holds the two independent retry budgets of the resilient call layer.
type Policy struct {
	// RateLimitRetries is the retry budget for rate-limit failures.
	RateLimitRetries int `json:"rateLimitRetries" envconfig:"RATE_LIMIT_RETRIES"`
	// RateLimitDelays is the fallback schedule used when the server sends no
	// Retry-After; the last entry repeats.
	RateLimitDelays []time.Duration `json:"rateLimitDelays"`
	// RetryAfterCap bounds the server-provided Retry-After we honor; anything
	// above it falls back to the schedule.
	RetryAfterCap time.Duration `json:"retryAfterCap" envconfig:"RETRY_AFTER_CAP"`
	// TransientRetries is the retry budget for transient failures.
	TransientRetries int `json:"transientRetries" envconfig:"TRANSIENT_RETRIES"`
	// TransientDelay is the fixed delay between transient retries.
	TransientDelay time.Duration `json:"transientDelay" envconfig:"TRANSIENT_DELAY"`
	// JitterFraction randomizes every delay by ±fraction to desynchronize
	// concurrent callers.
	JitterFraction float64 `json:"jitterFraction" envconfig:"JITTER_FRACTION"`
}

// DefaultPolicy returns the default retry budgets.
func DefaultPolicy() Policy {
	return Policy{
		RateLimitRetries: 3,
		RateLimitDelays:  []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		RetryAfterCap:    60 * time.Second,
		TransientRetries: 2,
		TransientDelay:   500 * time.Millisecond,
		JitterFraction:   0.2,
	}
}

// Caller wraps one operation with the layered retry policy, optionally inside
// a circuit breaker so that repeated retry exhaustion across calls trips the
// breaker independently of any single call's budget.
type Caller struct {
	policy  Policy
	breaker *Breaker

	sleep func(ctx context.Context, d time.Duration) error
}

// NewCaller creates a resilient caller. breaker may be nil.
func NewCaller(policy Policy, breaker *Breaker) *Caller {
	if policy.RateLimitRetries < 0 {
		policy.RateLimitRetries = 0
	}
	if policy.TransientRetries < 0 {
		policy.TransientRetries = 0
	}
	if len(policy.RateLimitDelays) == 0 {
		policy.RateLimitDelays = DefaultPolicy().RateLimitDelays
	}
	if policy.TransientDelay <= 0 {
		policy.TransientDelay = DefaultPolicy().TransientDelay
	}
	if policy.RetryAfterCap <= 0 {
		policy.RetryAfterCap = DefaultPolicy().RetryAfterCap
	}
	return &Caller{
		policy:  policy,
		breaker: breaker,
		sleep:   sleepCtx,
	}
}

// Do runs op with retries. Total attempts are bounded by
// 1 + RateLimitRetries + TransientRetries.
func (c *Caller) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if c.breaker == nil {
		return c.retry(ctx, op)
	}
	return c.breaker.Execute(func() error {
		return c.retry(ctx, op)
	})
}

func (c *Caller) retry(ctx context.Context, op func(ctx context.Context) error) error {
	rateLimitUsed := 0
	transientUsed := 0

	for {
		err := op(ctx)
		if err == nil {
			return nil
		}

		var delay time.Duration
		switch Classify(err) {
		case ClassRateLimit:
			if rateLimitUsed >= c.policy.RateLimitRetries {
				return err
			}
			delay = c.rateLimitDelay(err, rateLimitUsed)
			rateLimitUsed++
		case ClassTransient:
			if transientUsed >= c.policy.TransientRetries {
				return err
			}
			delay = c.policy.TransientDelay
			transientUsed++
		default:
			return err
		}

		delay = Jitter(delay, c.policy.JitterFraction)
		slog.Debug("Retrying after failure",
			"class", Classify(err).String(),
			"delay", delay,
			"error", err)
		if serr := c.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// rateLimitDelay prefers the server-provided Retry-After when present and
// below the cap, otherwise falls back to the configured schedule.
func (c *Caller) rateLimitDelay(err error, used int) time.Duration {
	if hint := retryAfter(err); hint > 0 && hint <= c.policy.RetryAfterCap {
		return hint
	}
	if used < len(c.policy.RateLimitDelays) {
		return c.policy.RateLimitDelays[used]
	}
	return c.policy.RateLimitDelays[len(c.policy.RateLimitDelays)-1]
}

// Jitter perturbs d by ±fraction, randomized. A fraction of zero returns d
// unchanged.
func Jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * spread
	out := time.Duration(float64(d) + offset)
	if out < 0 {
		return 0
	}
	return out
}

// sleepCtx waits for d without blocking a thread; the wait is cancelled when
// the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
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

// Package resilience provides the circuit breaker and layered retry used for
// calls to unreliable upstream dependencies (the LLM API first among them).
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a call is rejected without being dispatched
// because the breaker is open (or a half-open probe slot is taken). Callers
// can distinguish it from a genuine upstream failure and, for example, queue
// the work for later instead of surfacing an error to the user.
type OpenError struct {
	Name    string
	State   State
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s (retry at %s)", e.Name, e.State, e.RetryAt.Format(time.RFC3339))
}

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold failures within FailureWindow trip the breaker.
	FailureThreshold int           `json:"failureThreshold" envconfig:"FAILURE_THRESHOLD"`
	FailureWindow    time.Duration `json:"failureWindow" envconfig:"FAILURE_WINDOW"`
	// ResetTimeout is how long the breaker stays open before admitting a probe.
	ResetTimeout time.Duration `json:"resetTimeout" envconfig:"RESET_TIMEOUT"`
	// SuccessThreshold consecutive half-open successes close the breaker.
	SuccessThreshold int `json:"successThreshold" envconfig:"SUCCESS_THRESHOLD"`
}

// DefaultBreakerConfig returns sensible breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker is a per-dependency failure gate with three states. One instance
// guards one named dependency within a process; concurrent callers share it.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu        sync.Mutex
	state     State
	failures  []time.Time
	successes int
	openedAt  time.Time
	probing   bool

	now func() time.Time
}

// NewBreaker creates a breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultBreakerConfig().FailureWindow
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the guarded dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op through the breaker. It either fails fast with an
// *OpenError, or invokes op and propagates its result after updating the
// breaker's counters.
func (b *Breaker) Execute(op func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op()
	b.record(err == nil)
	return err
}

// allow decides whether a call may be dispatched now. When the reset timeout
// has elapsed it moves the breaker to half-open and admits the caller as the
// single probe.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		retryAt := b.openedAt.Add(b.cfg.ResetTimeout)
		if b.now().Before(retryAt) {
			return &OpenError{Name: b.name, State: StateOpen, RetryAt: retryAt}
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			// At most one concurrent probe; everyone else is rejected as open.
			return &OpenError{Name: b.name, State: StateHalfOpen, RetryAt: b.now()}
		}
		b.probing = true
		return nil
	}
	return nil
}

// record updates counters after a dispatched call completes.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probing = false
		if !success {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = nil
			b.successes = 0
		}
	case StateClosed:
		if success {
			return
		}
		now := b.now()
		b.failures = append(b.failures, now)
		b.pruneFailures(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

// trip moves the breaker to open. Callers must hold b.mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = nil
	b.successes = 0
	b.probing = false
}

// pruneFailures drops failure timestamps outside the rolling window.
// Callers must hold b.mu.
func (b *Breaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

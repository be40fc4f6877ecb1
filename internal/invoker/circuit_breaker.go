package invoker

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/surveysync/internal/config"
)

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerState is the state of a CircuitBreaker. The numeric values match
// the surveysync_circuit_breaker_state gauge.
type BreakerState int

const (
	// BreakerClosed lets every call through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets one probe call through at a time.
	BreakerHalfOpen
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate is evaluated.
const minErrorRateSamples = 10

// CircuitBreaker trips on consecutive failures or on the failure ratio in a
// tumbling window, cools down, then probes before closing again. It is safe
// for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	probing   bool

	failureThreshold int
	successThreshold int
	coolDown         time.Duration

	rateThreshold  float64
	rateWindow     time.Duration
	windowStart    time.Time
	windowCalls    int
	windowFailures int

	now      func() time.Time
	onChange func(from, to BreakerState)
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock overrides the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithStateChange registers a callback invoked on every state transition.
// It runs with the breaker's lock held and must not call back into it.
func WithStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker creates a breaker from configuration. Zero values select
// 5 consecutive failures, 1 probe success and a 30s cool-down. A zero error
// rate threshold or window disables rate-based tripping.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		coolDown:         cfg.Timeout,
		rateThreshold:    cfg.ErrorRateThreshold,
		rateWindow:       cfg.ErrorRateWindow,
		now:              time.Now,
	}
	if cb.failureThreshold < 1 {
		cb.failureThreshold = 5
	}
	if cb.successThreshold < 1 {
		cb.successThreshold = 1
	}
	if cb.coolDown <= 0 {
		cb.coolDown = 30 * time.Second
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.windowStart = cb.now()
	return cb
}

// Allow reports whether a call may proceed. In half-open state only one
// probe is admitted until its outcome is recorded.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.coolDownElapsed()
	switch cb.state {
	case BreakerOpen:
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if cb.probing {
			return ErrBreakerOpen
		}
		cb.probing = true
	}
	return nil
}

// RecordSuccess records a call that reached the service and got a
// non-server-error answer.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.countCall(false)
	case BreakerHalfOpen:
		cb.probing = false
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transition(BreakerClosed)
		}
	}
}

// RecordFailure records a transport failure or server error.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.countCall(true)
		if cb.failures >= cb.failureThreshold || cb.rateExceeded() {
			cb.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.probing = false
		cb.transition(BreakerOpen)
	}
}

// Release returns an admitted half-open probe without an outcome, for calls
// that were cancelled before reaching the service.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.coolDownElapsed()
	return cb.state
}

// ErrorRate returns the failure ratio and call count of the current window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, calls int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.rollWindow()
	if cb.windowCalls == 0 {
		return 0, 0
	}
	return float64(cb.windowFailures) / float64(cb.windowCalls), cb.windowCalls
}

// transition moves to state and resets the counters. Lock held.
func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if to == BreakerOpen {
		cb.openedAt = cb.now()
	}
	cb.windowStart = cb.now()
	cb.windowCalls = 0
	cb.windowFailures = 0
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}

// coolDownElapsed moves an open breaker to half-open once the cool-down has
// passed. Lock held.
func (cb *CircuitBreaker) coolDownElapsed() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.coolDown {
		cb.probing = false
		cb.transition(BreakerHalfOpen)
	}
}

// countCall adds a call to the tumbling window. Lock held.
func (cb *CircuitBreaker) countCall(failed bool) {
	if cb.rateWindow <= 0 {
		return
	}
	cb.rollWindow()
	cb.windowCalls++
	if failed {
		cb.windowFailures++
	}
}

// rollWindow starts a new window once the current one has expired. Lock held.
func (cb *CircuitBreaker) rollWindow() {
	if cb.rateWindow <= 0 {
		return
	}
	if cb.now().Sub(cb.windowStart) > cb.rateWindow {
		cb.windowStart = cb.now()
		cb.windowCalls = 0
		cb.windowFailures = 0
	}
}

// rateExceeded reports whether the window's failure ratio has reached the
// threshold. Lock held.
func (cb *CircuitBreaker) rateExceeded() bool {
	if cb.rateThreshold <= 0 || cb.rateWindow <= 0 || cb.windowCalls < minErrorRateSamples {
		return false
	}
	return float64(cb.windowFailures)/float64(cb.windowCalls) >= cb.rateThreshold
}

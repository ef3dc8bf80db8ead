package backend

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/postcraft/internal/config"
)

// ErrCircuitOpen is returned by Allow while the breaker rejects calls.
var ErrCircuitOpen = errors.New("backend: circuit breaker is open")

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
	// BreakerHalfOpen lets probe requests through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// gaugeValue maps the state to the postcraft_backend_circuit_breaker_state
// scale: 0=closed, 1=half-open, 2=open.
func (s BreakerState) gaugeValue() float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	}
	return 0
}

// minErrorRateSamples is the number of calls a window needs before its
// error rate can trip the breaker.
const minErrorRateSamples = 10

// CircuitBreaker trips to Open on consecutive failures or on the error rate
// of a tumbling window, waits out its timeout, then probes in HalfOpen. It is
// safe for concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time

	errorRateThreshold float64
	errorRateWindow    time.Duration
	windowStart        time.Time
	windowTotal        int
	windowFailures     int

	now      func() time.Time
	onChange func(BreakerState)
}

// NewCircuitBreaker creates a breaker from service config. Zero thresholds
// fall back to 5 failures, 2 successes and a 30s open timeout. A zero error
// rate threshold or window disables rate-based tripping.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:              BreakerClosed,
		failureThreshold:   cfg.FailureThreshold,
		successThreshold:   cfg.SuccessThreshold,
		timeout:            cfg.Timeout,
		errorRateThreshold: cfg.ErrorRateThreshold,
		errorRateWindow:    cfg.ErrorRateWindow,
		now:                time.Now,
	}
	if cb.failureThreshold < 1 {
		cb.failureThreshold = 5
	}
	if cb.successThreshold < 1 {
		cb.successThreshold = 2
	}
	if cb.timeout <= 0 {
		cb.timeout = 30 * time.Second
	}
	cb.windowStart = cb.now()
	return cb
}

// OnStateChange registers fn to be called (with the lock released) after
// each state change.
func (cb *CircuitBreaker) OnStateChange(fn func(BreakerState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Allow returns nil if a request may proceed, or ErrCircuitOpen.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	changed := cb.maybeHalfOpen()
	open := cb.state == BreakerOpen
	cb.mu.Unlock()

	cb.notify(changed)
	if open {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var changed *BreakerState

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.recordWindowCall(false)
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			changed = cb.setState(BreakerClosed)
			cb.failures = 0
			cb.successes = 0
			cb.resetWindow()
		}
	}
	cb.mu.Unlock()
	cb.notify(changed)
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var changed *BreakerState

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.recordWindowCall(true)
		if cb.failures >= cb.failureThreshold || cb.errorRateExceeded() {
			changed = cb.trip()
		}
	case BreakerHalfOpen:
		// Any failure while probing reopens.
		changed = cb.trip()
	}
	cb.mu.Unlock()
	cb.notify(changed)
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	changed := cb.maybeHalfOpen()
	s := cb.state
	cb.mu.Unlock()

	cb.notify(changed)
	return s
}

// Counts returns the current failure and success counts.
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.successes
}

// ErrorRate returns the error rate and call count of the current window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeResetWindow()
	if cb.windowTotal == 0 {
		return 0, 0
	}
	return float64(cb.windowFailures) / float64(cb.windowTotal), cb.windowTotal
}

// The helpers below must be called with cb.mu held.

func (cb *CircuitBreaker) setState(s BreakerState) *BreakerState {
	if cb.state == s {
		return nil
	}
	cb.state = s
	return &s
}

func (cb *CircuitBreaker) trip() *BreakerState {
	cb.openedAt = cb.now()
	cb.successes = 0
	cb.resetWindow()
	return cb.setState(BreakerOpen)
}

func (cb *CircuitBreaker) maybeHalfOpen() *BreakerState {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.timeout {
		cb.successes = 0
		return cb.setState(BreakerHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) recordWindowCall(isFailure bool) {
	if cb.errorRateWindow <= 0 {
		return
	}
	cb.maybeResetWindow()
	cb.windowTotal++
	if isFailure {
		cb.windowFailures++
	}
}

func (cb *CircuitBreaker) maybeResetWindow() {
	if cb.errorRateWindow <= 0 {
		return
	}
	if cb.now().Sub(cb.windowStart) > cb.errorRateWindow {
		cb.resetWindow()
	}
}

func (cb *CircuitBreaker) resetWindow() {
	cb.windowStart = cb.now()
	cb.windowTotal = 0
	cb.windowFailures = 0
}

func (cb *CircuitBreaker) errorRateExceeded() bool {
	if cb.errorRateThreshold <= 0 || cb.errorRateWindow <= 0 {
		return false
	}
	if cb.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(cb.windowFailures)/float64(cb.windowTotal) >= cb.errorRateThreshold
}

func (cb *CircuitBreaker) notify(changed *BreakerState) {
	if changed == nil {
		return
	}
	cb.mu.Lock()
	fn := cb.onChange
	cb.mu.Unlock()
	if fn != nil {
		fn(*changed)
	}
}

package mcb

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a server's circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state, calls pass through.
	CircuitClosed CircuitState = iota

	// CircuitOpen rejects every call immediately with ErrCircuitOpen.
	CircuitOpen

	// CircuitHalfOpen allows exactly one trial call through at a time.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", cs)
	}
}

// CircuitBreaker is the per-server failure gate. It opens after failureThreshold
// consecutive failures, rejects calls while open, and after recoveryTimeout lets a
// single probe through to decide between closing and re-opening.
type CircuitBreaker struct {
	serverName       string
	failureThreshold uint32
	recoveryTimeout  time.Duration

	stateLock     *sync.Mutex
	state         CircuitState
	failureCount  uint32
	openedAt      time.Time
	probeInFlight bool

	onStateChange func(serverName string, from, to CircuitState)
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(serverName string, config *BreakerConfig) *CircuitBreaker {
	return NewCircuitBreakerWithHandler(serverName, config, nil)
}

// NewCircuitBreakerWithHandler creates a breaker that reports state transitions to the
// supplied handler. The handler is invoked outside the breaker's lock.
func NewCircuitBreakerWithHandler(
	serverName string,
	config *BreakerConfig,
	onStateChange func(serverName string, from, to CircuitState)) *CircuitBreaker {

	failureThreshold := defaultFailureThreshold
	recoveryTimeout := defaultRecoveryTimeout
	if config != nil {
		if config.FailureThreshold > 0 {
			failureThreshold = config.FailureThreshold
		}
		if config.RecoveryTimeout > 0 {
			recoveryTimeout = config.RecoveryTimeout
		}
	}

	return &CircuitBreaker{
		serverName:       serverName,
		failureThreshold: failureThreshold,
		recoveryTimeout:  time.Duration(recoveryTimeout) * time.Millisecond,
		stateLock:        &sync.Mutex{},
		state:            CircuitClosed,
		onStateChange:    onStateChange,
	}
}

// Allow reports whether a call may proceed right now. While open it returns
// ErrCircuitOpen without any network attempt; once the recovery timeout has elapsed it
// admits a single half-open probe and rejects concurrent callers until that probe is
// reported via ReportSuccess or ReportFailure.
func (cb *CircuitBreaker) Allow() error {

	cb.stateLock.Lock()

	switch cb.state {
	case CircuitClosed:
		cb.stateLock.Unlock()
		return nil

	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.recoveryTimeout {
			notify := cb.transitionTo(CircuitHalfOpen)
			cb.probeInFlight = true
			cb.stateLock.Unlock()
			notify()
			return nil
		}
		cb.stateLock.Unlock()
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.serverName)

	case CircuitHalfOpen:
		if cb.probeInFlight {
			cb.stateLock.Unlock()
			return fmt.Errorf("%w: %s (probe in flight)", ErrCircuitOpen, cb.serverName)
		}
		cb.probeInFlight = true
		cb.stateLock.Unlock()
		return nil

	default:
		cb.stateLock.Unlock()
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.serverName)
	}
}

// ReportSuccess records a successful call. A half-open probe success closes the breaker
// and resets the failure count; a closed success clears any partial failure streak.
func (cb *CircuitBreaker) ReportSuccess() {

	cb.stateLock.Lock()

	notify := func() {}
	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.probeInFlight = false
		cb.failureCount = 0
		notify = cb.transitionTo(CircuitClosed)
	}

	cb.stateLock.Unlock()
	notify()
}

// ReportFailure records a failed call. Crossing the threshold while closed opens the
// breaker; a half-open probe failure re-opens it and restarts the recovery clock.
func (cb *CircuitBreaker) ReportFailure() {

	cb.stateLock.Lock()

	notify := func() {}
	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.openedAt = time.Now()
			notify = cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.probeInFlight = false
		cb.openedAt = time.Now()
		notify = cb.transitionTo(CircuitOpen)
	}

	cb.stateLock.Unlock()
	notify()
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.stateLock.Lock()
	defer cb.stateLock.Unlock()
	return cb.state
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() uint32 {
	cb.stateLock.Lock()
	defer cb.stateLock.Unlock()
	return cb.failureCount
}

// Reset forces the breaker back to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {

	cb.stateLock.Lock()
	notify := cb.transitionTo(CircuitClosed)
	cb.failureCount = 0
	cb.probeInFlight = false
	cb.stateLock.Unlock()
	notify()
}

// transitionTo must be called with stateLock held; the returned func fires the state
// change handler and must be invoked after the lock is released.
func (cb *CircuitBreaker) transitionTo(state CircuitState) func() {

	if cb.state == state {
		return func() {}
	}

	from := cb.state
	cb.state = state

	if cb.onStateChange == nil {
		return func() {}
	}
	return func() { cb.onStateChange(cb.serverName, from, state) }
}

// Package observability provides the circuit breaker and logger context
// helpers shared by the worker's adapters.
package observability

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen indicates the circuit is open and operations fail fast until
	// the cooldown elapses.
	StateOpen
	// StateHalfOpen indicates a trial state where a single probe is allowed
	// to test recovery.
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
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

// CircuitBreaker implements the circuit breaker pattern with single-probe
// recovery: maxFailures consecutive failures open the circuit, the cooldown
// admits exactly one request, and one success closes it again. Any success
// resets the consecutive-failure counter.
type CircuitBreaker struct {
	mu sync.Mutex

	// Configuration
	maxFailures int
	cooldown    time.Duration

	// State
	state           CircuitBreakerState
	failureCount    int
	probing         bool
	lastFailureTime time.Time

	// Metrics
	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	stateChanges   int64
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		state:       StateClosed,
	}
}

// CanExecute returns true if the circuit breaker allows execution.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.cooldown {
			cb.state = StateHalfOpen
			cb.probing = true
			cb.stateChanges++

			slog.Info("circuit breaker transitioning to half-open",
				slog.Duration("cooldown", cb.cooldown),
				slog.Time("last_failure", cb.lastFailureTime))
			return true
		}
		return false
	case StateHalfOpen:
		// Only one probe at a time.
		if !cb.probing {
			cb.probing = true
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.totalSuccesses++
	cb.failureCount = 0

	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.probing = false
		cb.stateChanges++

		slog.Info("circuit breaker closed after successful probe")
	}
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.maxFailures {
			cb.state = StateOpen
			cb.stateChanges++

			slog.Warn("circuit breaker opened due to failure threshold",
				slog.Int("failure_count", cb.failureCount),
				slog.Int("max_failures", cb.maxFailures))
		}
	case StateHalfOpen:
		// A failed probe reopens the circuit for another cooldown.
		cb.state = StateOpen
		cb.probing = false
		cb.stateChanges++

		slog.Warn("circuit breaker reopened after failed probe",
			slog.Int("failure_count", cb.failureCount))
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns circuit breaker statistics.
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	successRate := float64(0)
	if cb.totalRequests > 0 {
		successRate = float64(cb.totalSuccesses) / float64(cb.totalRequests) * 100
	}

	return map[string]interface{}{
		"state":           cb.state.String(),
		"max_failures":    cb.maxFailures,
		"cooldown":        cb.cooldown.String(),
		"failure_count":   cb.failureCount,
		"total_requests":  cb.totalRequests,
		"total_failures":  cb.totalFailures,
		"total_successes": cb.totalSuccesses,
		"success_rate":    successRate,
		"state_changes":   cb.stateChanges,
		"last_failure":    cb.lastFailureTime.Format(time.RFC3339),
	}
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.probing = false
	cb.totalRequests = 0
	cb.totalFailures = 0
	cb.totalSuccesses = 0
	cb.stateChanges = 0
	cb.lastFailureTime = time.Time{}
}

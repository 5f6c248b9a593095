// Package resilience provides the per-provider circuit breaker that keeps repeatedly
// failing upstreams out of selection until they have had time to recover.
package resilience

import (
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed CircuitState = iota
	// StateOpen excludes the provider until the cool-down elapses.
	StateOpen
	// StateHalfOpen allows a single trial request to test recovery.
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreakerConfig contains configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures before opening the circuit.
	FailureThreshold int `yaml:"failure_threshold"`
	// FailureWindow bounds how far apart counted failures may be. Zero counts
	// consecutive failures regardless of age.
	FailureWindow time.Duration `yaml:"failure_window"`
	// OpenDuration is how long the circuit stays open before a trial is allowed.
	OpenDuration time.Duration `yaml:"open_duration"`
	// HalfOpenSuccessThreshold is the number of trial successes needed to close.
	HalfOpenSuccessThreshold int `yaml:"half_open_success_threshold"`
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:         5,
		FailureWindow:            60 * time.Second,
		OpenDuration:             30 * time.Minute,
		HalfOpenSuccessThreshold: 1,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	d := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow < 0 {
		c.FailureWindow = 0
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = d.OpenDuration
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = d.HalfOpenSuccessThreshold
	}
	return c
}

// Clock abstracts time for tests.
type Clock func() time.Time

// CircuitBreaker tracks the health of one provider.
type CircuitBreaker struct {
	mu             sync.Mutex
	name           string
	state          CircuitState
	failures       []time.Time
	successCount   int
	trialInFlight  bool
	openedAt       time.Time
	lastFailureMsg string
	config         CircuitBreakerConfig
	now            Clock
	onStateChange  func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, now Clock) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		name:   name,
		state:  StateClosed,
		config: cfg.withDefaults(),
		now:    now,
	}
}

// OnStateChange sets a callback for state transitions.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow reports whether a request may be sent. In half-open state only one trial
// is admitted until its outcome is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	default:
		return false
	}
}

// Available reports whether selection may route to the provider: the circuit is
// closed, or half-open with no trial outstanding. It does not claim the trial.
func (cb *CircuitBreaker) Available() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state == StateClosed || (cb.state == StateHalfOpen && !cb.trialInFlight)
}

// IsOpen reports whether the provider must be excluded from selection. A half-open
// breaker is not open: selection may route the trial request to it.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	switch cb.state {
	case StateClosed:
		cb.failures = cb.failures[:0]

	case StateHalfOpen:
		cb.trialInFlight = false
		cb.successCount++
		if cb.successCount >= cb.config.HalfOpenSuccessThreshold {
			cb.transitionTo(StateClosed)
		}
	}
}

// Release gives back a half-open trial that ended without an outcome, such as a
// request cancelled before the upstream answered. Nothing is counted.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

// RecordFailure records a failed request. msg is kept for snapshots.
func (cb *CircuitBreaker) RecordFailure(msg string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.lastFailureMsg = msg
	cb.advance()

	switch cb.state {
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.pruneFailures(now)
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.openedAt = now
			cb.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		// A failed trial reopens with a fresh cool-down.
		cb.openedAt = now
		cb.transitionTo(StateOpen)

	case StateOpen:
		// Late result of a request admitted before opening; cool-down is unchanged.
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
	HalfOpenAt   time.Time `json:"half_open_at,omitempty"`
	LastFailure  string    `json:"last_failure,omitempty"`
}

// Snapshot returns the breaker's current view.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()

	s := Snapshot{
		Name:         cb.name,
		State:        cb.state.String(),
		FailureCount: len(cb.failures),
		LastFailure:  cb.lastFailureMsg,
	}
	if cb.state == StateOpen {
		s.OpenedAt = cb.openedAt
		s.HalfOpenAt = cb.openedAt.Add(cb.config.OpenDuration)
	}
	return s
}

// advance moves an open breaker to half-open once the cool-down has elapsed.
// Callers hold cb.mu.
func (cb *CircuitBreaker) advance() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.OpenDuration {
		cb.transitionTo(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) pruneFailures(now time.Time) {
	if cb.config.FailureWindow <= 0 {
		return
	}
	cutoff := now.Add(-cb.config.FailureWindow)
	i := 0
	for i < len(cb.failures) && cb.failures[i].Before(cutoff) {
		i++
	}
	cb.failures = cb.failures[i:]
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.failures = cb.failures[:0]
	cb.successCount = 0
	cb.trialInFlight = false

	if cb.onStateChange != nil {
		// Call callback without holding lock
		go cb.onStateChange(cb.name, oldState, newState)
	}
}

package engine

import (
	"sync"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting attempts
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the per-agent circuit breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive retryable failures of an
	// agent executor before its circuit opens. Zero disables breaking.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a test attempt.
	Cooldown time.Duration
	// HalfOpenMax is the number of test attempts allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry tracks one breaker per agent executor name.
// An open circuit fails node attempts fast with a retryable error so the
// retry backoff gives the agent room to recover.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil when an attempt against agent may proceed.
func (r *CircuitBreakerRegistry) AllowRequest(agent string) error {
	if r.config.FailureThreshold <= 0 {
		return nil
	}
	cb := r.getOrCreate(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if r.now().Sub(cb.openedAt) >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeNodeExecution,
			"circuit open for agent %q after %d consecutive failures", agent, cb.consecutiveFailures).
			WithRetryable(true).
			WithDetails(map[string]any{
				"agent":                agent,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - r.now().Sub(cb.openedAt)).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeNodeExecution,
				"circuit half-open for agent %q: test attempt in flight", agent).WithRetryable(true)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for agent.
func (r *CircuitBreakerRegistry) RecordSuccess(agent string) {
	cb := r.getOrCreate(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure for agent and returns the new state.
func (r *CircuitBreakerRegistry) RecordFailure(agent string) CircuitState {
	cb := r.getOrCreate(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if cb.state == CircuitHalfOpen ||
		(r.config.FailureThreshold > 0 && cb.consecutiveFailures >= r.config.FailureThreshold) {
		cb.state = CircuitOpen
		cb.openedAt = r.now()
	}
	return cb.state
}

// GetState returns the state of agent's circuit.
func (r *CircuitBreakerRegistry) GetState(agent string) CircuitState {
	cb := r.getOrCreate(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && r.now().Sub(cb.openedAt) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (r *CircuitBreakerRegistry) getOrCreate(agent string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[agent]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[agent] = cb
	}
	return cb
}

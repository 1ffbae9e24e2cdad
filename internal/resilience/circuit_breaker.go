package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marcushq/marcus/internal/logging"
	"github.com/marcushq/marcus/internal/marcuserr"
)

// CircuitState is the breaker's current mode.
type CircuitState int

// Breaker states.
const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // time in open before admitting a probe
	Clock            func() time.Time
}

// DefaultBreakerConfig returns the configured defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// CircuitBreaker guards one named external resource. While open, calls fail
// fast with a recoverable CircuitOpen error so fallbacks can engage without
// waiting on a dead dependency.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	log  zerolog.Logger

	mu           sync.Mutex
	state        CircuitState
	failures     int
	openedAt     time.Time
	probeInPlay  bool
	lastFailure  time.Time
	totalTrips   int
	totalSuccess int
}

// NewCircuitBreaker creates a breaker for the named resource.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		log:   logging.WithComponent("breaker").With().Str("resource", name).Logger(),
		state: StateClosed,
	}
}

// State returns the current state, applying the open→half_open timeout.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

// Execute runs fn under the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// ExecuteResult is the value-returning variant of Execute.
func ExecuteResult[T any](cb *CircuitBreaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allow(); err != nil {
		return zero, err
	}
	out, err := fn(ctx)
	cb.record(err)
	return out, err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpenLocked()

	switch cb.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		// Exactly one trial call is admitted while half-open.
		if cb.probeInPlay {
			return marcuserr.CircuitOpen(cb.name)
		}
		cb.probeInPlay = true
		return nil
	default:
		return marcuserr.CircuitOpen(cb.name)
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.totalSuccess++
		if cb.state == StateHalfOpen {
			cb.log.Info().Msg("probe succeeded, closing circuit")
		}
		cb.state = StateClosed
		cb.failures = 0
		cb.probeInPlay = false
		return
	}

	cb.lastFailure = cb.cfg.Clock()
	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.openedAt = cb.lastFailure
		cb.probeInPlay = false
		cb.totalTrips++
		cb.log.Warn().Msg("probe failed, reopening circuit")
		return
	}

	cb.failures++
	if cb.failures >= cb.cfg.FailureThreshold && cb.state == StateClosed {
		cb.state = StateOpen
		cb.openedAt = cb.lastFailure
		cb.totalTrips++
		cb.log.Warn().Int("failures", cb.failures).Msg("failure threshold reached, opening circuit")
	}
}

// maybeHalfOpenLocked transitions open→half_open once the recovery timeout
// has elapsed. Caller holds cb.mu.
func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == StateOpen && cb.cfg.Clock().Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout {
		cb.state = StateHalfOpen
		cb.probeInPlay = false
		cb.log.Info().Msg("recovery timeout elapsed, half-open")
	}
}

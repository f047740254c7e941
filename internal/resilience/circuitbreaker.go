// Package resilience keeps the model providers behind a live phone call
// degradable. A hosted STT, TTS, or LLM backend that starts erroring
// mid-conversation is tripped out by a [CircuitBreaker] and bypassed through
// a [FallbackGroup], so the caller hears the configured fallback instead of
// dead air. When every backend in a group is down, the conversation engine's
// fixed apology line is the last resort.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and its reset timeout has not yet passed.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen]. Entered after too
	// many consecutive failures, left when the reset timeout passes.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. Enough
	// probes succeeding closes the breaker; any probe failing re-opens it.
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

// Breaker defaults: a flaky backend gets five strikes, sits out for thirty
// seconds, and must pass three probes to rejoin.
const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultHalfOpenMax  = 3
)

// CircuitBreakerConfig tunes one [CircuitBreaker]. The zero value gets the
// package defaults.
type CircuitBreakerConfig struct {
	// Name labels the protected provider in log lines, e.g. "deepgram".
	Name string

	// MaxFailures is how many consecutive failures open the breaker.
	MaxFailures int

	// ResetTimeout is how long an open breaker rejects calls before probing.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget of the half-open state.
	HalfOpenMax int

	// Logger receives state-transition lines. Defaults to [slog.Default].
	Logger *slog.Logger
}

// CircuitBreaker guards one provider backend with the classic
// closed → open → half-open cycle.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          *slog.Logger

	mu         sync.Mutex
	state      State
	fails      int
	lastFail   time.Time
	probes     int
	probeFails int
}

// NewCircuitBreaker builds a breaker from cfg, filling zero fields with the
// package defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaultHalfOpenMax
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		log:          cfg.Logger,
	}
}

// Execute runs fn when the breaker allows it and feeds the outcome back into
// the state machine. In the open state fn is not called and [ErrCircuitOpen]
// is returned; in the half-open state only the probe budget gets through.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probing, ok := cb.admit()
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()
	cb.observe(err, probing)
	return err
}

// admit decides whether a call may proceed and reports whether it counts
// against the half-open probe budget.
func (cb *CircuitBreaker) admit() (probing, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFail) < cb.resetTimeout {
			return false, false
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeFails = 0
		cb.log.Info("provider breaker half-open, probing", "provider", cb.name)

	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			// Probe budget spent; wait for the in-flight probes to settle.
			return false, false
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, true
	}
	return false, true
}

// observe records one call outcome.
func (cb *CircuitBreaker) observe(err error, probing bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err != nil && probing:
		// One failed probe puts the provider back in the penalty box.
		cb.lastFail = time.Now()
		cb.probeFails++
		cb.state = StateOpen
		cb.fails = cb.maxFailures
		cb.log.Warn("provider failed its probe, breaker re-opened", "provider", cb.name)

	case err != nil:
		cb.lastFail = time.Now()
		cb.fails++
		if cb.fails >= cb.maxFailures && cb.state == StateClosed {
			cb.state = StateOpen
			cb.log.Warn("provider breaker opened",
				"provider", cb.name, "consecutive_failures", cb.fails)
		}

	case probing:
		if cb.probes-cb.probeFails >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.fails = 0
			cb.probes = 0
			cb.probeFails = 0
			cb.log.Info("provider recovered, breaker closed", "provider", cb.name)
		}

	default:
		cb.fails = 0
	}
}

// State reports the breaker's mode. An open breaker whose reset timeout has
// passed reads as half-open; the stored transition happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFail) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.fails = 0
	cb.probes = 0
	cb.probeFails = 0
	cb.log.Info("provider breaker reset", "provider", cb.name)
}

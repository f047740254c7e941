package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] failed or
// was skipped over an open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [FallbackGroup]. The CircuitBreaker settings
// are applied to every member; each gets its own breaker under its own name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Logger receives the per-request failover lines. Defaults to
	// [slog.Default].
	Logger *slog.Logger
}

// member is one backend of a group with its dedicated breaker.
type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup tries a primary backend first and fails over to fallbacks in
// registration order. A member whose breaker is open is skipped without a
// call, which is what keeps a dead primary from adding its timeout to every
// conversational turn.
//
// Registration is not synchronized; add all fallbacks before the first
// Execute.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup creates a group with primary as the first member.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fg := &FallbackGroup[T]{cfg: cfg, log: cfg.Logger}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a backend tried after the primary and any earlier
// fallbacks.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	bcfg := fg.cfg.CircuitBreaker
	bcfg.Name = name
	bcfg.Logger = fg.cfg.Logger
	fg.members = append(fg.members, member[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(bcfg),
	})
}

// Execute runs fn against members in order until one succeeds. When every
// member fails, the last error is wrapped in [ErrAllFailed].
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. It is a package-level function because Go methods cannot add type
// parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.members {
		m := &fg.members[i]
		var result R
		err := m.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(m.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			fg.log.Debug("provider breaker open, skipping", "provider", m.name)
		} else {
			fg.log.Warn("provider failed, failing over", "provider", m.name, "error", err)
		}
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

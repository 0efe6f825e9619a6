package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no entry in a [FallbackGroup] produced a
// successful call.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is applied to the per-entry breaker of each provider added
// to a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// FallbackGroup holds ordered instances of one provider type, each behind its
// own circuit breaker. Calls go to the first entry whose breaker admits them
// and whose call succeeds.
//
// Entries must all be registered before the first call; the group is then
// safe for concurrent use.
type FallbackGroup[T any] struct {
	names    []string
	values   []T
	breakers []*CircuitBreaker
	cfg      FallbackConfig
}

// NewFallbackGroup creates a group with primary as its first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.names = append(fg.names, name)
	fg.values = append(fg.values, value)
	fg.breakers = append(fg.breakers, NewCircuitBreaker(cbCfg))
}

// Execute tries fn against each entry in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in order until one succeeds
// and returns its result. A package-level function because Go methods cannot
// introduce type parameters.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.values {
		var res R
		err := fg.breakers[i].Execute(func() error {
			var callErr error
			res, callErr = fn(fg.values[i])
			return callErr
		})
		if err == nil {
			return res, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("provider skipped, breaker open", "provider", fg.names[i])
		} else {
			slog.Warn("provider failed, trying next", "provider", fg.names[i], "err", err)
		}
	}

	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] served a call.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [FallbackGroup]. Every entry gets its own
// breaker built from CircuitBreaker with Name set to the entry's name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Logger receives failover messages. Defaults to slog.Default().
	Logger *slog.Logger
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable backends, each behind
// a circuit breaker. Entries must be added before the group is shared.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup creates a [FallbackGroup] with primary as its first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg, log: cfg.Logger}
	if fg.log == nil {
		fg.log = slog.Default()
	}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry, tried after all entries added before it.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{name: name, value: fallback, breaker: NewCircuitBreaker(cb)})
}

// Any reports whether pred holds for at least one entry.
func (fg *FallbackGroup[T]) Any(pred func(T) bool) bool {
	for _, e := range fg.entries {
		if pred(e.value) {
			return true
		}
	}
	return false
}

// Names lists the entries in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Breaker returns the circuit breaker of the named entry.
func (fg *FallbackGroup[T]) Breaker(name string) (*CircuitBreaker, bool) {
	for _, e := range fg.entries {
		if e.name == name {
			return e.breaker, true
		}
	}
	return nil, false
}

// Call runs fn against the entries for which eligible holds, in order, until
// one succeeds. A nil eligible admits every entry. Entries with an open
// breaker are skipped. A cancelled or expired context stops the walk, since
// no other backend would see a live caller. Otherwise the returned error
// wraps [ErrAllFailed] and the error of every entry tried.
func Call[T, R any](fg *FallbackGroup[T], eligible func(T) bool, fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range fg.entries {
		e := &fg.entries[i]
		if eligible != nil && !eligible(e.value) {
			continue
		}

		var out R
		err := e.breaker.Execute(func() error {
			var err error
			out, err = fn(e.value)
			return err
		})
		switch {
		case err == nil:
			if len(errs) > 0 {
				fg.log.Info("served by fallback provider", "provider", e.name, "skipped", len(errs))
			}
			return out, nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			fg.log.Debug("provider skipped, circuit open", "provider", e.name)
		default:
			fg.log.Warn("provider failed, trying next", "provider", e.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	if len(errs) == 0 {
		return zero, fmt.Errorf("%w: no eligible provider", ErrAllFailed)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

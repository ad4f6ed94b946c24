package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [Group] failed or had an
// open breaker.
var ErrAllFailed = errors.New("all backends failed")

// member pairs a backend with its dedicated breaker.
type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Group holds a primary backend and optional fallbacks of the same type.
// Members are tried in registration order; members with an open breaker are
// skipped. Register all members before the first call to [Do].
type Group[T any] struct {
	members []member[T]
	breaker CircuitBreakerConfig
}

// NewGroup creates a [Group] with primary as the first member. cfg is used as
// the template for every member's breaker; its Name is replaced per member.
func NewGroup[T any](primaryName string, primary T, cfg CircuitBreakerConfig) *Group[T] {
	g := &Group[T]{breaker: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add registers a fallback member.
func (g *Group[T]) Add(name string, value T) {
	cfg := g.breaker
	cfg.Name = name
	g.members = append(g.members, member[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cfg),
	})
}

// Names returns the member names in call order.
func (g *Group[T]) Names() []string {
	names := make([]string, len(g.members))
	for i, m := range g.members {
		names[i] = m.name
	}
	return names
}

// States returns the breaker state of every member keyed by name.
func (g *Group[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Do calls fn on each member until one succeeds and returns its result. It
// stops early when ctx is done. A call that fails because ctx was cancelled
// is not counted against the member's breaker. A package-level function because methods
// cannot declare their own type parameters.
func Do[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		m := &g.members[i]
		var (
			out     R
			callErr error
		)
		err := m.breaker.Execute(func() error {
			out, callErr = fn(ctx, m.value)
			if callErr != nil && ctx.Err() != nil {
				// The caller gave up; the backend is not at fault.
				return nil
			}
			return callErr
		})
		if err == nil && callErr != nil {
			return zero, callErr
		}
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping recognizer, circuit open", "recognizer", m.name)
			continue
		}
		slog.Warn("recognizer failed, trying next", "recognizer", m.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

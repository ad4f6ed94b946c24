package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/earshot/pkg/recognize"
)

// Recognizer implements [recognize.Recognizer] on top of a [Group] of
// backends. A "no match" answer counts as success for the breaker; only
// transport and server errors trip it.
type Recognizer struct {
	group *Group[recognize.Recognizer]
}

var _ recognize.Recognizer = (*Recognizer)(nil)

// NewRecognizer wraps primary in a breaker configured by cfg.
func NewRecognizer(name string, primary recognize.Recognizer, cfg CircuitBreakerConfig) *Recognizer {
	return &Recognizer{group: NewGroup(name, primary, cfg)}
}

// AddFallback registers a backend that is tried when the ones before it fail.
func (r *Recognizer) AddFallback(name string, rec recognize.Recognizer) {
	r.group.Add(name, rec)
}

// Recognize asks the first healthy backend.
func (r *Recognizer) Recognize(ctx context.Context, req recognize.Request) (*recognize.Track, error) {
	return Do(ctx, r.group, func(ctx context.Context, rec recognize.Recognizer) (*recognize.Track, error) {
		return rec.Recognize(ctx, req)
	})
}

// Check reports an error when every backend's breaker is open. It is meant to
// back the readiness probe.
func (r *Recognizer) Check(context.Context) error {
	states := r.group.States()
	for _, s := range states {
		if s != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("all recognizer circuits open: %v", r.group.Names())
}

// Package mock provides a test double for the recognize package interfaces.
//
// Set Track / Err (or TrackFunc for per-call answers) before use and inspect
// Calls afterwards:
//
//	rec := &mock.Recognizer{Track: &recognize.Track{Title: "X", Subtitle: "Y"}}
//	track, _ := rec.Recognize(ctx, recognize.Request{Samples: pcm})
//	_ = rec.CallCount()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/recognize"
)

// Recognizer is a mock implementation of recognize.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Track is returned by Recognize when TrackFunc is nil.
	Track *recognize.Track

	// Err, if non-nil, is returned as the error from Recognize when TrackFunc
	// is nil.
	Err error

	// TrackFunc, if set, is called instead of returning Track/Err. It receives
	// the zero-based call index.
	TrackFunc func(call int, req recognize.Request) (*recognize.Track, error)

	// Calls records every request passed to Recognize.
	Calls []recognize.Request
}

// Ensure Recognizer implements recognize.Recognizer at compile time.
var _ recognize.Recognizer = (*Recognizer)(nil)

// Recognize records the call and returns the configured result.
func (r *Recognizer) Recognize(_ context.Context, req recognize.Request) (*recognize.Track, error) {
	r.mu.Lock()
	idx := len(r.Calls)
	r.Calls = append(r.Calls, req)
	fn, track, err := r.TrackFunc, r.Track, r.Err
	r.mu.Unlock()

	if fn != nil {
		return fn(idx, req)
	}
	return track, err
}

// CallCount returns the number of Recognize calls so far. Thread-safe.
func (r *Recognizer) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = nil
}

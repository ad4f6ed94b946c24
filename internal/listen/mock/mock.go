// Package mock provides test doubles for the listen package interfaces.
//
// [Clock] is a manually driven time source: timers fire synchronously inside
// [Clock.Advance], on the calling goroutine, which makes batch windows fully
// deterministic:
//
//	clk := mock.NewClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
//	orch := listen.New(id, listen.WithClock(clk))
//	orch.HandleChunk(pcm)
//	clk.Advance(10 * time.Second) // runs the batch
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/listen"
)

// Clock is a fake [listen.Clock].
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*timer
	seq    int
}

var _ listen.Clock = (*Clock)(nil)

// NewClock returns a clock stopped at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

type timer struct {
	c       *Clock
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

// Stop implements [listen.Timer].
func (t *timer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Now returns the fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run when the clock is advanced by at least d.
func (c *Clock) AfterFunc(d time.Duration, f func()) listen.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &timer{c: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward by d, firing due timers in deadline order.
// Callbacks may schedule new timers; those fire too if they fall due within
// the same advance.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDue(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()

		next.f()
	}
}

// nextDue must be called with c.mu held.
func (c *Clock) nextDue(target time.Time) *timer {
	var next *timer
	live := c.timers[:0]
	for _, t := range c.timers {
		if t.stopped || t.fired {
			continue
		}
		live = append(live, t)
		if t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	c.timers = live
	return next
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Presenter records every status it is asked to render.
type Presenter struct {
	mu       sync.Mutex
	statuses []listen.Status
}

var _ listen.Presenter = (*Presenter)(nil)

// Render implements [listen.Presenter].
func (p *Presenter) Render(_ context.Context, st listen.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, st)
}

// Statuses returns a copy of all rendered statuses. Thread-safe.
func (p *Presenter) Statuses() []listen.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]listen.Status(nil), p.statuses...)
}

// Last returns the most recent status and false if none was rendered.
func (p *Presenter) Last() (listen.Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.statuses) == 0 {
		return listen.Status{}, false
	}
	return p.statuses[len(p.statuses)-1], true
}

// Count returns the number of renders so far.
func (p *Presenter) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.statuses)
}

// Identifier is a scripted [listen.Identifier].
type Identifier struct {
	mu sync.Mutex

	// Results are returned in order; once exhausted, nil is returned.
	Results []*listen.Match

	// Panic, if set, is raised instead of returning a result.
	Panic any

	// Calls records the sample count of every call.
	Calls []int
}

var _ listen.Identifier = (*Identifier)(nil)

// Recognize implements [listen.Identifier].
func (i *Identifier) Recognize(_ context.Context, samples []float64) *listen.Match {
	i.mu.Lock()
	i.Calls = append(i.Calls, len(samples))
	p := i.Panic
	var out *listen.Match
	if len(i.Results) > 0 {
		out = i.Results[0]
		i.Results = i.Results[1:]
	}
	i.mu.Unlock()

	if p != nil {
		panic(p)
	}
	return out
}

// CallCount returns the number of Recognize calls. Thread-safe.
func (i *Identifier) CallCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.Calls)
}

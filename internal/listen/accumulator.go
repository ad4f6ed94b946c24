package listen

import (
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Stats is a point-in-time view of an [Accumulator].
type Stats struct {
	Chunks      int
	Bytes       int
	TimerActive bool
	Listening   bool
	Processing  bool
}

// Accumulator buffers audio chunks into batches. The first chunk of an empty
// buffer schedules a one-shot timer; when it fires with chunks pending the
// accumulator switches to processing and calls onExpire. While processing, or
// while not listening, chunks are dropped. Dropped audio is never replayed.
//
// Accumulator is safe for concurrent use. onExpire runs on the timer's
// goroutine without any lock held.
type Accumulator struct {
	clock    Clock
	interval time.Duration
	onExpire func()

	mu         sync.Mutex
	listening  bool
	processing bool
	chunks     [][]byte
	bytes      int
	timer      Timer
	window     uint64 // identifies the timer in flight
}

// NewAccumulator returns an accumulator that is not yet listening.
func NewAccumulator(clock Clock, interval time.Duration, onExpire func()) *Accumulator {
	return &Accumulator{
		clock:    clock,
		interval: interval,
		onExpire: onExpire,
	}
}

// Accept buffers chunk if the accumulator is listening and not processing.
// It reports whether the chunk was kept.
func (a *Accumulator) Accept(chunk []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.listening || a.processing {
		return false
	}
	a.chunks = append(a.chunks, chunk)
	a.bytes += len(chunk)

	if a.timer == nil {
		a.window++
		window := a.window
		a.timer = a.clock.AfterFunc(a.interval, func() { a.expire(window) })
	}
	return true
}

// expire is the timer callback for the given window.
func (a *Accumulator) expire(window uint64) {
	a.mu.Lock()
	if a.timer == nil || window != a.window {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	if len(a.chunks) == 0 {
		a.mu.Unlock()
		return
	}
	a.processing = true
	a.mu.Unlock()

	if a.onExpire != nil {
		a.onExpire()
	}
}

// Drain returns the pending chunks concatenated in arrival order together
// with their count and total size, and resets the buffer, the counters and
// the timer handle.
func (a *Accumulator) Drain() (batch []byte, chunks, bytes int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	batch = audio.Concat(a.chunks)
	chunks, bytes = len(a.chunks), a.bytes
	a.reset()
	return batch, chunks, bytes
}

// Release ends a processing phase so chunks are accepted again.
func (a *Accumulator) Release() {
	a.mu.Lock()
	a.processing = false
	a.mu.Unlock()
}

// SetListening opens or closes the gate. Closing it discards pending chunks
// and cancels the timer. It reports whether the state changed.
func (a *Accumulator) SetListening(on bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.listening == on {
		return false
	}
	a.listening = on
	if !on {
		a.reset()
	}
	return true
}

// Stats returns the current counters and flags.
func (a *Accumulator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Chunks:      len(a.chunks),
		Bytes:       a.bytes,
		TimerActive: a.timer != nil,
		Listening:   a.listening,
		Processing:  a.processing,
	}
}

// reset must be called with a.mu held.
func (a *Accumulator) reset() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.chunks = nil
	a.bytes = 0
}

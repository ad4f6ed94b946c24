package listen_test

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/listen"
	"github.com/MrWong99/earshot/internal/listen/mock"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// manualClock hands out timers that only fire when the test calls them and
// ignore Stop, which lets a test deliver a callback after it was cancelled.
type manualClock struct {
	mu    sync.Mutex
	funcs []func()
}

type ignoredTimer struct{}

func (ignoredTimer) Stop() bool { return true }

func (c *manualClock) Now() time.Time { return epoch }

func (c *manualClock) AfterFunc(_ time.Duration, f func()) listen.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs = append(c.funcs, f)
	return ignoredTimer{}
}

func (c *manualClock) fire(i int) {
	c.mu.Lock()
	f := c.funcs[i]
	c.mu.Unlock()
	f()
}

func newAccumulator(t *testing.T) (*listen.Accumulator, *mock.Clock, *atomic.Int32) {
	t.Helper()
	clk := mock.NewClock(epoch)
	var fired atomic.Int32
	acc := listen.NewAccumulator(clk, 10*time.Second, func() { fired.Add(1) })
	return acc, clk, &fired
}

func TestAccumulator_DropsWhileNotListening(t *testing.T) {
	t.Parallel()
	acc, clk, _ := newAccumulator(t)

	if acc.Accept([]byte{1, 2}) {
		t.Fatal("chunk accepted before listening")
	}
	if clk.Pending() != 0 {
		t.Error("timer scheduled for a dropped chunk")
	}
	if st := acc.Stats(); st.Chunks != 0 || st.Bytes != 0 {
		t.Errorf("stats = %+v, want empty", st)
	}
}

func TestAccumulator_BytesMatchAcceptedChunks(t *testing.T) {
	t.Parallel()
	acc, _, _ := newAccumulator(t)
	acc.SetListening(true)

	sizes := []int{100, 200, 50, 1, 3200}
	want := 0
	for _, n := range sizes {
		if !acc.Accept(make([]byte, n)) {
			t.Fatalf("chunk of %d bytes rejected", n)
		}
		want += n
	}
	st := acc.Stats()
	if st.Bytes != want || st.Chunks != len(sizes) {
		t.Errorf("stats = %d chunks / %d bytes, want %d / %d", st.Chunks, st.Bytes, len(sizes), want)
	}
}

func TestAccumulator_TimerFiresOncePerWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		chunks int
		want   int32
	}{
		{"no chunks", 0, 0},
		{"one chunk", 1, 1},
		{"many chunks", 25, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			acc, clk, fired := newAccumulator(t)
			acc.SetListening(true)
			for i := 0; i < tc.chunks; i++ {
				acc.Accept([]byte{0, 0})
				clk.Advance(100 * time.Millisecond)
			}
			clk.Advance(time.Minute)
			if got := fired.Load(); got != tc.want {
				t.Errorf("onExpire calls = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestAccumulator_TimerStartsOnFirstChunk(t *testing.T) {
	t.Parallel()
	acc, clk, fired := newAccumulator(t)
	acc.SetListening(true)

	acc.Accept([]byte{1, 0})
	clk.Advance(5 * time.Second)
	acc.Accept([]byte{2, 0})
	clk.Advance(4999 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("timer fired before the window elapsed")
	}
	if !acc.Stats().TimerActive {
		t.Fatal("timer not active while buffering")
	}
	clk.Advance(time.Millisecond)
	if fired.Load() != 1 {
		t.Fatalf("onExpire calls = %d, want 1", fired.Load())
	}
	if st := acc.Stats(); !st.Processing || st.TimerActive {
		t.Errorf("stats after expiry = %+v, want processing without timer", st)
	}
}

func TestAccumulator_DropsWhileProcessing(t *testing.T) {
	t.Parallel()
	acc, clk, _ := newAccumulator(t)
	acc.SetListening(true)

	acc.Accept([]byte{1, 0, 2, 0})
	clk.Advance(10 * time.Second)

	if acc.Accept([]byte{9, 9}) {
		t.Fatal("chunk accepted while processing")
	}
	batch, chunks, size := acc.Drain()
	if !bytes.Equal(batch, []byte{1, 0, 2, 0}) || chunks != 1 || size != 4 {
		t.Errorf("Drain() = %v, %d, %d", batch, chunks, size)
	}
	if acc.Accept([]byte{9, 9}) {
		t.Fatal("chunk accepted before Release")
	}

	acc.Release()
	if !acc.Accept([]byte{3, 0}) {
		t.Fatal("chunk rejected after Release")
	}
	if clk.Pending() != 1 {
		t.Errorf("pending timers = %d, want 1 for the new window", clk.Pending())
	}
}

func TestAccumulator_DrainConcatenatesInOrder(t *testing.T) {
	t.Parallel()
	acc, clk, _ := newAccumulator(t)
	acc.SetListening(true)

	acc.Accept([]byte{1, 2})
	acc.Accept([]byte{3})
	acc.Accept([]byte{4, 5, 6})

	batch, chunks, size := acc.Drain()
	if !bytes.Equal(batch, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("batch = %v", batch)
	}
	if chunks != 3 || size != 6 {
		t.Errorf("chunks/bytes = %d/%d, want 3/6", chunks, size)
	}
	if st := acc.Stats(); st.Chunks != 0 || st.Bytes != 0 || st.TimerActive {
		t.Errorf("stats after drain = %+v, want reset", st)
	}
	if clk.Pending() != 0 {
		t.Error("drain did not cancel the timer")
	}
}

func TestAccumulator_StopListeningDiscards(t *testing.T) {
	t.Parallel()
	acc, clk, fired := newAccumulator(t)
	acc.SetListening(true)
	acc.Accept([]byte{1, 2, 3, 4})

	if !acc.SetListening(false) {
		t.Fatal("SetListening(false) reported no change")
	}
	if acc.SetListening(false) {
		t.Error("second SetListening(false) reported a change")
	}
	clk.Advance(time.Minute)
	if fired.Load() != 0 {
		t.Error("timer fired after listening stopped")
	}
	if st := acc.Stats(); st.Bytes != 0 || st.Listening {
		t.Errorf("stats = %+v, want empty and not listening", st)
	}
}

func TestAccumulator_StaleCallbackIsNoop(t *testing.T) {
	t.Parallel()
	clk := &manualClock{}
	var fired atomic.Int32
	acc := listen.NewAccumulator(clk, 10*time.Second, func() { fired.Add(1) })
	acc.SetListening(true)

	acc.Accept([]byte{1, 0})
	acc.Drain() // cancels window 1, but the manual clock still holds its callback
	acc.Accept([]byte{2, 0})

	clk.fire(0)
	if fired.Load() != 0 {
		t.Fatal("stale timer triggered processing")
	}
	if st := acc.Stats(); st.Processing || st.Chunks != 1 {
		t.Errorf("stats = %+v, want one pending chunk and idle", st)
	}

	clk.fire(1)
	if fired.Load() != 1 {
		t.Errorf("current timer calls = %d, want 1", fired.Load())
	}
}

func TestAccumulator_EmptyWindowIsNoop(t *testing.T) {
	t.Parallel()
	clk := &manualClock{}
	var fired atomic.Int32
	acc := listen.NewAccumulator(clk, 10*time.Second, func() { fired.Add(1) })
	acc.SetListening(true)

	acc.Accept([]byte{1, 0})
	acc.SetListening(false)
	acc.SetListening(true)

	clk.fire(0)
	if fired.Load() != 0 {
		t.Error("timer fired with nothing pending")
	}
	if acc.Stats().Processing {
		t.Error("accumulator entered processing with an empty buffer")
	}
}

func TestAccumulator_PauseBeforeDrainLeavesNothing(t *testing.T) {
	t.Parallel()
	clk := &manualClock{}
	var (
		acc     *listen.Accumulator
		drained atomic.Int32
	)
	acc = listen.NewAccumulator(clk, 10*time.Second, func() {
		acc.SetListening(false)
		_, chunks, _ := acc.Drain()
		drained.Store(int32(chunks))
		acc.Release()
	})
	acc.SetListening(true)
	acc.Accept([]byte{1, 0})

	clk.fire(0)

	if got := drained.Load(); got != 0 {
		t.Errorf("drained chunks = %d, want 0", got)
	}
}

package listen_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/listen"
	"github.com/MrWong99/earshot/internal/listen/mock"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/presentation"
	pmock "github.com/MrWong99/earshot/internal/presentation/mock"
	"github.com/MrWong99/earshot/pkg/recognize"
	recmock "github.com/MrWong99/earshot/pkg/recognize/mock"
)

// ---- helpers ----------------------------------------------------------------

type harness struct {
	clk     *mock.Clock
	rec     *recmock.Recognizer
	pres    *mock.Presenter
	orch    *listen.Orchestrator
	metrics *observe.Metrics
}

// newHarness wires an orchestrator to a real Client over a mock recogniser,
// driven by a fake clock.
func newHarness(t *testing.T, rec *recmock.Recognizer, opts ...listen.Option) *harness {
	t.Helper()
	h := &harness{
		clk:  mock.NewClock(epoch),
		rec:  rec,
		pres: &mock.Presenter{},
	}
	h.metrics, _ = newTestMetrics(t)
	client := listen.NewClient(rec, listen.WithClientClock(h.clk), listen.WithClientMetrics(h.metrics))
	base := []listen.Option{
		listen.WithClock(h.clk),
		listen.WithPresenter(h.pres),
		listen.WithMetrics(h.metrics),
	}
	h.orch = listen.New(client, append(base, opts...)...)
	t.Cleanup(h.orch.Close)
	return h
}

// batch feeds one chunk and lets the window expire.
func (h *harness) batch(t *testing.T) {
	t.Helper()
	if !h.orch.HandleChunk([]byte{1, 0, 2, 0}) {
		t.Fatal("chunk rejected")
	}
	h.clk.Advance(10 * time.Second)
}

func track(title, artist string) *recognize.Track {
	return &recognize.Track{Title: title, Subtitle: artist}
}

// ---- lifecycle --------------------------------------------------------------

func TestOrchestrator_StateCycle(t *testing.T) {
	t.Parallel()
	var inFlight listen.State
	rec := &recmock.Recognizer{}
	h := newHarness(t, rec)
	rec.TrackFunc = func(int, recognize.Request) (*recognize.Track, error) {
		inFlight = h.orch.State()
		return nil, nil
	}

	if got := h.orch.State(); got != listen.StateIdle {
		t.Fatalf("initial state = %v, want idle", got)
	}
	h.orch.Start()
	if got := h.orch.State(); got != listen.StateListening {
		t.Fatalf("after Start = %v, want listening", got)
	}
	h.orch.HandleChunk([]byte{0, 0})
	if got := h.orch.State(); got != listen.StateBuffering {
		t.Fatalf("after chunk = %v, want buffering", got)
	}
	h.clk.Advance(10 * time.Second)
	if inFlight != listen.StateProcessing {
		t.Errorf("state during recognition = %v, want processing", inFlight)
	}
	if got := h.orch.State(); got != listen.StateListening {
		t.Errorf("after settle = %v, want listening", got)
	}
}

func TestOrchestrator_DropsBeforeStartAndAfterPause(t *testing.T) {
	t.Parallel()
	rec := &recmock.Recognizer{}
	h := newHarness(t, rec)

	if h.orch.HandleChunk([]byte{1, 2}) {
		t.Fatal("chunk accepted before Start")
	}
	h.orch.Start()
	h.orch.HandleChunk([]byte{1, 2})
	h.orch.Pause()

	if got := h.orch.State(); got != listen.StateIdle {
		t.Errorf("after Pause = %v, want idle", got)
	}
	if h.clk.Pending() != 0 {
		t.Error("Pause left a batch timer running")
	}
	if h.orch.HandleChunk([]byte{1, 2}) {
		t.Error("chunk accepted after Pause")
	}
	h.clk.Advance(time.Minute)
	if rec.CallCount() != 0 {
		t.Errorf("recognizer calls = %d, want 0 after pause", rec.CallCount())
	}
}

func TestOrchestrator_StartPauseIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &recmock.Recognizer{})

	h.orch.Start()
	h.orch.Start()
	if got := h.pres.Count(); got != 1 {
		t.Errorf("renders after double Start = %d, want 1", got)
	}
	h.orch.Pause()
	h.orch.Pause()
	if got := h.pres.Count(); got != 2 {
		t.Errorf("renders after double Pause = %d, want 2", got)
	}
	last, _ := h.pres.Last()
	if last.Listening {
		t.Error("last status still listening")
	}
}

func TestOrchestrator_EmptyChunkRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &recmock.Recognizer{})
	h.orch.Start()
	if h.orch.HandleChunk(nil) || h.orch.HandleChunk([]byte{}) {
		t.Fatal("empty chunk accepted")
	}
	if h.clk.Pending() != 0 {
		t.Error("empty chunk started a batch window")
	}
}

func TestOrchestrator_NoChunksNoRecognition(t *testing.T) {
	t.Parallel()
	rec := &recmock.Recognizer{}
	h := newHarness(t, rec)
	h.orch.Start()
	h.clk.Advance(time.Minute)
	if rec.CallCount() != 0 {
		t.Errorf("recognizer calls = %d, want 0", rec.CallCount())
	}
}

// ---- end to end -------------------------------------------------------------

func TestOrchestrator_EndToEnd(t *testing.T) {
	t.Parallel()
	rec := &recmock.Recognizer{Track: track("X", "Y")}
	display := &pmock.Display{}
	h := newHarness(t, rec, listen.WithPresenter(presentation.New(display)))

	h.orch.Start()
	for _, n := range []int{100, 200, 50} {
		if !h.orch.HandleChunk(make([]byte, n)) {
			t.Fatalf("chunk of %d bytes rejected", n)
		}
	}
	h.clk.Advance(10 * time.Second)

	if rec.CallCount() != 1 {
		t.Fatalf("recognizer calls = %d, want 1", rec.CallCount())
	}
	if got := len(rec.Calls[0].Samples); got != 175 {
		t.Errorf("samples submitted = %d, want 175", got)
	}
	cur := h.orch.CurrentSong()
	if cur == nil || cur.Title != "X" || cur.Artist != "Y" {
		t.Fatalf("current = %+v, want X by Y", cur)
	}
	if got := len(h.orch.History()); got != 1 {
		t.Errorf("history length = %d, want 1", got)
	}
	if main := display.LastMain(); !strings.HasPrefix(main, "Now Playing\nX\nby Y") {
		t.Errorf("main text = %q", main)
	}
	if got := h.orch.State(); got != listen.StateListening {
		t.Errorf("state = %v, want listening", got)
	}
}

func TestOrchestrator_DropsChunksWhileProcessing(t *testing.T) {
	t.Parallel()
	rec := &recmock.Recognizer{}
	h := newHarness(t, rec)
	var accepted bool
	rec.TrackFunc = func(int, recognize.Request) (*recognize.Track, error) {
		accepted = h.orch.HandleChunk([]byte{7, 7})
		return track("X", "Y"), nil
	}

	h.orch.Start()
	h.batch(t)

	if accepted {
		t.Fatal("chunk accepted while a recognition was in flight")
	}
	if st := h.orch.Status().Pending; st.Bytes != 0 || st.TimerActive {
		t.Errorf("pending after settle = %+v, want nothing buffered", st)
	}
}

// ---- duplicates and history -------------------------------------------------

func TestOrchestrator_DuplicateSuppression(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		gap         time.Duration
		second      *recognize.Track
		wantHistory int
	}{
		{"same song within window", 30 * time.Second, track("X", "Y"), 1},
		{"same song after window", 61 * time.Second, track("X", "Y"), 2},
		{"exactly at window", 60 * time.Second, track("X", "Y"), 2},
		{"other artist within window", 30 * time.Second, track("X", "Z"), 2},
		{"case differs", 30 * time.Second, track("x", "Y"), 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := &recmock.Recognizer{}
			rec.TrackFunc = func(call int, _ recognize.Request) (*recognize.Track, error) {
				if call == 0 {
					return track("X", "Y"), nil
				}
				return tc.second, nil
			}
			h := newHarness(t, rec)
			h.orch.Start()

			h.batch(t)
			first := h.orch.CurrentSong()

			// The second identification lands tc.gap after the first.
			h.clk.Advance(tc.gap - 10*time.Second)
			h.batch(t)

			if got := len(h.orch.History()); got != tc.wantHistory {
				t.Errorf("history length = %d, want %d", got, tc.wantHistory)
			}
			cur := h.orch.CurrentSong()
			if tc.wantHistory == 1 {
				if cur.ID != first.ID || !cur.IdentifiedAt.Equal(first.IdentifiedAt) {
					t.Errorf("current replaced by a duplicate: %+v", cur)
				}
			} else if cur.ID == first.ID {
				t.Error("current not replaced by the new match")
			}
		})
	}
}

func TestOrchestrator_HistoryCapNewestFirst(t *testing.T) {
	t.Parallel()
	rec := &recmock.Recognizer{TrackFunc: func(call int, _ recognize.Request) (*recognize.Track, error) {
		return track(fmt.Sprintf("Song %d", call+1), "Artist"), nil
	}}
	h := newHarness(t, rec)
	h.orch.Start()

	for range 11 {
		h.batch(t)
	}

	hist := h.orch.History()
	if len(hist) != 10 {
		t.Fatalf("history length = %d, want 10", len(hist))
	}
	for i, m := range hist {
		if want := fmt.Sprintf("Song %d", 11-i); m.Title != want {
			t.Errorf("history[%d] = %q, want %q", i, m.Title, want)
		}
	}
	if cur := h.orch.CurrentSong(); cur.Title != "Song 11" {
		t.Errorf("current = %q, want Song 11", cur.Title)
	}
}

func TestOrchestrator_CustomHistorySize(t *testing.T) {
	t.Parallel()
	rec := &recmock.Recognizer{TrackFunc: func(call int, _ recognize.Request) (*recognize.Track, error) {
		return track(fmt.Sprintf("Song %d", call), "A"), nil
	}}
	h := newHarness(t, rec, listen.WithHistorySize(3))
	h.orch.Start()
	for range 5 {
		h.batch(t)
	}
	if got := len(h.orch.History()); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
}

func TestOrchestrator_HistoryIsACopy(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &recmock.Recognizer{Track: track("X", "Y")})
	h.orch.Start()
	h.batch(t)

	hist := h.orch.History()
	hist[0].Title = "mutated"
	cur := h.orch.CurrentSong()
	cur.Title = "mutated"

	if h.orch.History()[0].Title != "X" || h.orch.CurrentSong().Title != "X" {
		t.Error("caller mutation leaked into orchestrator state")
	}
}

// ---- failures ---------------------------------------------------------------

func TestOrchestrator_RecognitionErrorKeepsState(t *testing.T) {
	t.Parallel()
	rec := &recmock.Recognizer{TrackFunc: func(call int, _ recognize.Request) (*recognize.Track, error) {
		if call == 0 {
			return track("X", "Y"), nil
		}
		return nil, errors.New("sidecar unreachable")
	}}
	h := newHarness(t, rec)
	h.orch.Start()
	h.batch(t)
	h.batch(t)

	if got := h.orch.State(); got != listen.StateListening {
		t.Errorf("state = %v, want listening", got)
	}
	if cur := h.orch.CurrentSong(); cur == nil || cur.Title != "X" {
		t.Errorf("current = %+v, want unchanged X", cur)
	}
	if got := len(h.orch.History()); got != 1 {
		t.Errorf("history length = %d, want 1", got)
	}
	// The gate is open again.
	if !h.orch.HandleChunk([]byte{1, 0}) {
		t.Error("chunk rejected after a failed batch")
	}
}

func TestOrchestrator_PanicRecovered(t *testing.T) {
	t.Parallel()
	clk := mock.NewClock(epoch)
	id := &mock.Identifier{Panic: "boom"}
	metrics, reader := newTestMetrics(t)
	orch := listen.New(id, listen.WithClock(clk), listen.WithMetrics(metrics))
	t.Cleanup(orch.Close)

	orch.Start()
	orch.HandleChunk([]byte{1, 0})
	clk.Advance(10 * time.Second)

	if got := orch.State(); got != listen.StateListening {
		t.Fatalf("state after panic = %v, want listening", got)
	}
	if got := counterValue(t, reader, "earshot.batches", "outcome", observe.OutcomeError); got != 1 {
		t.Errorf("error batches = %d, want 1", got)
	}

	id.Panic = nil
	id.Results = []*listen.Match{{Title: "X", Artist: "Y", IdentifiedAt: clk.Now()}}
	orch.HandleChunk([]byte{1, 0})
	clk.Advance(10 * time.Second)
	if cur := orch.CurrentSong(); cur == nil || cur.Title != "X" {
		t.Errorf("current after recovery = %+v", cur)
	}
}

func TestOrchestrator_PauseDuringProcessingStillSettles(t *testing.T) {
	t.Parallel()
	rec := &recmock.Recognizer{}
	h := newHarness(t, rec)
	rec.TrackFunc = func(int, recognize.Request) (*recognize.Track, error) {
		h.orch.Pause()
		return track("X", "Y"), nil
	}
	h.orch.Start()
	h.batch(t)

	if cur := h.orch.CurrentSong(); cur == nil || cur.Title != "X" {
		t.Errorf("current = %+v, want X", cur)
	}
	if got := h.orch.State(); got != listen.StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

// ---- presenter --------------------------------------------------------------

func TestOrchestrator_PresenterNotifications(t *testing.T) {
	t.Parallel()
	rec := &recmock.Recognizer{Track: track("X", "Y")}
	h := newHarness(t, rec)

	h.orch.Start() // 1
	for range 10 {
		h.orch.HandleChunk([]byte{0, 0})
	} // 2: tenth chunk
	if got := h.pres.Count(); got != 2 {
		t.Fatalf("renders before batch = %d, want 2", got)
	}
	h.clk.Advance(10 * time.Second) // 3: processing, 4: settled
	statuses := h.pres.Statuses()
	if len(statuses) != 4 {
		t.Fatalf("renders = %d, want 4", len(statuses))
	}
	if statuses[2].State != listen.StateProcessing {
		t.Errorf("third render state = %v, want processing", statuses[2].State)
	}
	final := statuses[3]
	if final.State != listen.StateListening || final.Current == nil || final.Current.Title != "X" {
		t.Errorf("final render = %+v", final)
	}
}

func TestOrchestrator_RefreshCounterResetsPerBatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &recmock.Recognizer{})
	h.orch.Start()
	for range 5 {
		h.orch.HandleChunk([]byte{0, 0})
	}
	h.clk.Advance(10 * time.Second)
	before := h.pres.Count()

	for range 5 {
		h.orch.HandleChunk([]byte{0, 0})
	}
	if got := h.pres.Count(); got != before {
		t.Errorf("renders = %d, want %d: counter should restart after a batch", got, before)
	}
}

func TestOrchestrator_Refresh(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &recmock.Recognizer{})
	h.orch.Refresh(context.Background())
	if h.pres.Count() != 1 {
		t.Errorf("renders = %d, want 1", h.pres.Count())
	}
}

// ---- archive ----------------------------------------------------------------

type recordingArchive struct {
	mu      sync.Mutex
	err     error
	userIDs []string
	matches []listen.Match
}

func (a *recordingArchive) Append(_ context.Context, userID string, m listen.Match) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userIDs = append(a.userIDs, userID)
	a.matches = append(a.matches, m)
	return a.err
}

func TestOrchestrator_ArchivesNewMatchesOnly(t *testing.T) {
	t.Parallel()
	archive := &recordingArchive{}
	h := newHarness(t, &recmock.Recognizer{Track: track("X", "Y")}, listen.WithArchive(archive, "user-1"))
	h.orch.Start()
	h.batch(t)
	h.batch(t) // duplicate

	if len(archive.matches) != 1 {
		t.Fatalf("archived = %d, want 1", len(archive.matches))
	}
	if archive.userIDs[0] != "user-1" || archive.matches[0].Title != "X" {
		t.Errorf("archived %q / %+v", archive.userIDs[0], archive.matches[0])
	}
}

func TestOrchestrator_ArchiveFailureIgnored(t *testing.T) {
	t.Parallel()
	archive := &recordingArchive{err: errors.New("db down")}
	h := newHarness(t, &recmock.Recognizer{Track: track("X", "Y")}, listen.WithArchive(archive, "u"))
	h.orch.Start()
	h.batch(t)
	if cur := h.orch.CurrentSong(); cur == nil || cur.Title != "X" {
		t.Errorf("current = %+v, want X despite archive failure", cur)
	}
}

// ---- close ------------------------------------------------------------------

func TestOrchestrator_Close(t *testing.T) {
	t.Parallel()
	rec := &recmock.Recognizer{Track: track("X", "Y")}
	h := newHarness(t, rec)
	h.orch.Start()
	h.orch.HandleChunk([]byte{1, 0})

	h.orch.Close()
	h.orch.Close()

	if h.clk.Pending() != 0 {
		t.Error("Close left a timer running")
	}
	h.orch.Start()
	if h.orch.HandleChunk([]byte{1, 0}) {
		t.Error("chunk accepted after Close")
	}
	h.clk.Advance(time.Minute)
	if rec.CallCount() != 0 {
		t.Errorf("recognizer calls after Close = %d, want 0", rec.CallCount())
	}
}

func TestOrchestrator_CloseCancelsInFlight(t *testing.T) {
	t.Parallel()
	clk := mock.NewClock(epoch)
	started := make(chan struct{})
	var ctxErr error
	blocking := identifierFunc(func(ctx context.Context, _ []float64) *listen.Match {
		close(started)
		<-ctx.Done()
		ctxErr = ctx.Err()
		return nil
	})
	orch := listen.New(blocking, listen.WithClock(clk))
	orch.Start()
	orch.HandleChunk([]byte{1, 0})

	done := make(chan struct{})
	go func() {
		clk.Advance(10 * time.Second)
		close(done)
	}()
	<-started
	orch.Close()
	<-done

	if !errors.Is(ctxErr, context.Canceled) {
		t.Errorf("in-flight context err = %v, want canceled", ctxErr)
	}
}

type identifierFunc func(ctx context.Context, samples []float64) *listen.Match

func (f identifierFunc) Recognize(ctx context.Context, samples []float64) *listen.Match {
	return f(ctx, samples)
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := map[listen.State]string{
		listen.StateIdle:       "idle",
		listen.StateListening:  "listening",
		listen.StateBuffering:  "buffering",
		listen.StateProcessing: "processing",
		listen.State(42):       "State(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	t.Parallel()
	for _, s := range []listen.State{listen.StateIdle, listen.StateListening, listen.StateBuffering, listen.StateProcessing} {
		b, _ := s.MarshalText()
		var got listen.State
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%s): %v", b, err)
		}
		if got != s {
			t.Errorf("round trip %v = %v", s, got)
		}
	}
	var st listen.State
	if err := st.UnmarshalText([]byte("dancing")); err == nil {
		t.Error("expected error for unknown state")
	}
}

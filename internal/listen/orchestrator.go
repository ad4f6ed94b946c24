// Package listen turns a stream of microphone chunks into identified songs.
//
// An [Orchestrator] owns one [Accumulator] and one [Identifier] per device
// session. Every batch window it converts the buffered PCM, asks the
// recogniser, suppresses repeated identifications of the song that is still
// playing and keeps a short, newest-first history. State changes are pushed
// to a [Presenter].
package listen

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
)

// Defaults for [Orchestrator] settings.
const (
	DefaultBatchInterval   = 10 * time.Second
	DefaultDuplicateWindow = 60 * time.Second
	DefaultHistorySize     = 10

	// refreshEvery is how many accepted chunks trigger a display refresh.
	refreshEvery = 10
)

// State is the position of an [Orchestrator] in its listening cycle.
type State int

const (
	StateIdle State = iota
	StateListening
	StateBuffering
	StateProcessing
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateBuffering:
		return "buffering"
	case StateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateProcessing; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("listen: unknown state %q", b)
}

// Status is what a [Presenter] needs to draw the dashboard.
type Status struct {
	State     State
	Listening bool
	Current   *Match
	Pending   Stats
}

// Presenter receives a fresh [Status] after every visible change. Render must
// not call back into the orchestrator synchronously.
type Presenter interface {
	Render(ctx context.Context, st Status)
}

// Archive persists matches beyond the session. Failures are logged only.
type Archive interface {
	Append(ctx context.Context, userID string, m Match) error
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithBatchInterval sets the buffering window. Default: 10s.
func WithBatchInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithDuplicateWindow sets how long a repeated identification of the current
// song is suppressed. Default: 60s.
func WithDuplicateWindow(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.dupWindow = d
		}
	}
}

// WithHistorySize caps the history. Default: 10.
func WithHistorySize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historySize = n
		}
	}
}

// WithPresenter sets the dashboard sink.
func WithPresenter(p Presenter) Option {
	return func(o *Orchestrator) { o.presenter = p }
}

// WithArchive stores every new match for userID in a.
func WithArchive(a Archive, userID string) Option {
	return func(o *Orchestrator) {
		o.archive = a
		o.userID = userID
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the session logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// Orchestrator runs the listening cycle of a single session:
//
//	Idle --Start--> Listening --chunk--> Buffering --timer--> Processing --settle--> Listening
//
// At most one recognition is in flight; chunks arriving meanwhile are dropped.
// Errors and panics in the batch pipeline count as "no match".
type Orchestrator struct {
	id          Identifier
	acc         *Accumulator
	clock       Clock
	interval    time.Duration
	dupWindow   time.Duration
	historySize int
	presenter   Presenter
	archive     Archive
	userID      string
	metrics     *observe.Metrics
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	current  *Match
	history  []Match
	received int
	closed   bool
}

// New creates an idle orchestrator around id. Call [Orchestrator.Start] to
// begin accepting audio.
func New(id Identifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		id:          id,
		clock:       SystemClock(),
		interval:    DefaultBatchInterval,
		dupWindow:   DefaultDuplicateWindow,
		historySize: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.acc = NewAccumulator(o.clock, o.interval, o.processBatch)
	return o
}

// Start opens the listening gate. Starting twice is a no-op.
func (o *Orchestrator) Start() {
	if o.isClosed() || !o.acc.SetListening(true) {
		return
	}
	o.log.Info("listening for music")
	o.render(o.ctx)
}

// Pause closes the listening gate and discards any pending audio. A batch
// already in flight still settles.
func (o *Orchestrator) Pause() {
	if o.isClosed() || !o.acc.SetListening(false) {
		return
	}
	o.log.Info("listening paused")
	o.render(o.ctx)
}

// HandleChunk offers a PCM chunk to the accumulator. It reports whether the
// chunk was buffered.
func (o *Orchestrator) HandleChunk(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	if !o.acc.Accept(chunk) {
		reason := observe.DropNotListening
		if o.acc.Stats().Processing {
			reason = observe.DropProcessing
		}
		o.metrics.RecordChunkDropped(o.ctx, reason)
		return false
	}
	o.metrics.RecordChunkAccepted(o.ctx, len(chunk))

	o.mu.Lock()
	o.received++
	refresh := o.received%refreshEvery == 0
	o.mu.Unlock()

	if refresh {
		o.render(o.ctx)
	}
	return true
}

// processBatch is the accumulator's expiry callback.
func (o *Orchestrator) processBatch() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.acc.Release()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	defer o.wg.Done()

	ctx, span := observe.StartSpan(o.ctx, "listen.process_batch")
	defer span.End()

	batch, chunks, size := o.acc.Drain()
	log := o.log.With(slog.Int("chunks", chunks), slog.Int("bytes", size))
	log.Debug("processing audio batch")

	defer func() {
		if r := recover(); r != nil {
			log.Error("audio batch pipeline panicked, treating as no match", "panic", r)
			o.metrics.RecordBatch(ctx, observe.OutcomeError)
		}
		o.mu.Lock()
		o.received = 0
		o.mu.Unlock()
		o.acc.Release()
		o.render(ctx)
	}()

	// A Pause between the timer firing and Drain empties the window.
	if chunks == 0 {
		log.Debug("audio batch emptied before processing, skipping recognition")
		o.metrics.RecordBatch(ctx, observe.OutcomeEmpty)
		return
	}

	o.render(ctx)

	match := o.id.Recognize(ctx, audio.Int16LEToFloat64(batch))
	o.metrics.RecordBatch(ctx, o.settle(ctx, match))
}

// settle applies a recognition result and returns the batch outcome.
func (o *Orchestrator) settle(ctx context.Context, m *Match) string {
	if m == nil {
		o.log.Debug("no song identified in this batch")
		return observe.OutcomeNoMatch
	}

	o.mu.Lock()
	if o.isDuplicate(*m) {
		o.mu.Unlock()
		o.log.Debug("duplicate identification suppressed", "title", m.Title, "artist", m.Artist)
		return observe.OutcomeDuplicate
	}
	song := *m
	o.current = &song
	o.history = append([]Match{song}, o.history...)
	if len(o.history) > o.historySize {
		o.history = o.history[:o.historySize]
	}
	historyLen := len(o.history)
	o.mu.Unlock()

	o.log.Info("song identified",
		"title", song.Title,
		"artist", song.Artist,
		"album", song.Album,
		"history", historyLen,
	)

	if o.archive != nil {
		if err := o.archive.Append(ctx, o.userID, song); err != nil {
			o.log.Warn("failed to archive match", "err", err)
		}
	}
	return observe.OutcomeMatch
}

// isDuplicate must be called with o.mu held.
func (o *Orchestrator) isDuplicate(m Match) bool {
	if o.current == nil || !o.current.SameSong(m) {
		return false
	}
	gap := m.IdentifiedAt.Sub(o.current.IdentifiedAt)
	if gap < 0 {
		gap = -gap
	}
	return gap < o.dupWindow
}

// State derives the cycle position from the accumulator.
func (o *Orchestrator) State() State {
	return stateOf(o.acc.Stats())
}

func stateOf(st Stats) State {
	switch {
	case st.Processing:
		return StateProcessing
	case !st.Listening:
		return StateIdle
	case st.TimerActive:
		return StateBuffering
	default:
		return StateListening
	}
}

// CurrentSong returns the last non-duplicate match, or nil.
func (o *Orchestrator) CurrentSong() *Match {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return nil
	}
	m := *o.current
	return &m
}

// History returns a copy of the recent matches, newest first.
func (o *Orchestrator) History() []Match {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Match(nil), o.history...)
}

// Status returns the data the presenter would receive right now.
func (o *Orchestrator) Status() Status {
	st := o.acc.Stats()
	return Status{
		State:     stateOf(st),
		Listening: st.Listening,
		Current:   o.CurrentSong(),
		Pending:   st,
	}
}

// Refresh re-renders the dashboard, e.g. after the device switched views.
func (o *Orchestrator) Refresh(ctx context.Context) {
	if !o.isClosed() {
		o.render(ctx)
	}
}

// Close stops listening, cancels an in-flight recognition and waits for it
// to settle. Close is idempotent.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.acc.SetListening(false)
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) render(ctx context.Context) {
	if o.presenter == nil {
		return
	}
	o.presenter.Render(ctx, o.Status())
}

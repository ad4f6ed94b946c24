package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/device"
	"github.com/MrWong99/earshot/internal/history"
	"github.com/MrWong99/earshot/internal/listen"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/presentation"
	"github.com/MrWong99/earshot/pkg/recognize"
)

// Device is the part of a connected pair of glasses the session manager
// needs. [*device.Session] implements it.
type Device interface {
	presentation.Display

	ID() string
	UserID() string
	Logger() *slog.Logger
	OnAudioChunk(fn func(chunk []byte))
	OnModeChange(fn func(device.Mode))
	Subscribe(ctx context.Context, streams ...string) error
	Close() error
}

var _ Device = (*device.Session)(nil)

// SessionSettings are the per-session knobs that can change at runtime.
// Sessions opened after an update use the new values.
type SessionSettings struct {
	BatchInterval   time.Duration
	DuplicateWindow time.Duration
	HistorySize     int
	Location        *time.Location
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Recognizer is shared by all sessions. Required.
	Recognizer recognize.Recognizer

	// RecognizerName labels recognition metrics and logs.
	RecognizerName string

	// SampleRate of the PCM devices stream.
	SampleRate int

	// Archive receives every new match. Optional.
	Archive history.Store

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Clock replaces the system clock in tests.
	Clock listen.Clock

	Settings SessionSettings
}

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// SessionView is the JSON representation of a live session.
type SessionView struct {
	SessionInfo
	State     listen.State   `json:"state"`
	Listening bool           `json:"listening"`
	Current   *listen.Match  `json:"current"`
	History   []listen.Match `json:"history"`
}

type liveSession struct {
	info SessionInfo
	dev  Device
	orch *listen.Orchestrator
}

// SessionManager runs one orchestrator per connected device. There are no
// process-wide listening singletons: every session has its own buffer, timer,
// current song and history. All exported methods are safe for concurrent use.
type SessionManager struct {
	rec        recognize.Recognizer
	recName    string
	sampleRate int
	archive    history.Store
	metrics    *observe.Metrics
	clock      listen.Clock

	mu       sync.Mutex
	settings SessionSettings
	sessions map[string]*liveSession
}

var _ device.Sessions = (*SessionManager)(nil)

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		rec:        cfg.Recognizer,
		recName:    cfg.RecognizerName,
		sampleRate: cfg.SampleRate,
		archive:    cfg.Archive,
		metrics:    cfg.Metrics,
		clock:      cfg.Clock,
		settings:   cfg.Settings,
		sessions:   make(map[string]*liveSession),
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.clock == nil {
		sm.clock = listen.SystemClock()
	}
	if sm.settings.Location == nil {
		sm.settings.Location = time.UTC
	}
	return sm
}

// Open implements [device.Sessions].
func (sm *SessionManager) Open(ctx context.Context, s *device.Session) error {
	return sm.OpenDevice(ctx, s)
}

// Close implements [device.Sessions]. It only tears down the session if s
// is still the device registered under its id.
func (sm *SessionManager) Close(s *device.Session) {
	sm.closeDevice(s.ID(), s)
}

// OpenDevice builds the listening pipeline for dev, subscribes to its audio
// and starts listening. A session already registered under the same id is
// replaced.
func (sm *SessionManager) OpenDevice(ctx context.Context, dev Device) error {
	sm.mu.Lock()
	settings := sm.settings
	sm.mu.Unlock()

	log := dev.Logger()
	presenter := presentation.New(dev,
		presentation.WithLocation(settings.Location),
		presentation.WithLogger(log),
	)
	client := listen.NewClient(sm.rec,
		listen.WithClientClock(sm.clock),
		listen.WithSampleRate(sm.sampleRate),
		listen.WithRecognizerName(sm.recName),
		listen.WithClientMetrics(sm.metrics),
	)
	opts := []listen.Option{
		listen.WithClock(sm.clock),
		listen.WithBatchInterval(settings.BatchInterval),
		listen.WithDuplicateWindow(settings.DuplicateWindow),
		listen.WithHistorySize(settings.HistorySize),
		listen.WithPresenter(presenter),
		listen.WithMetrics(sm.metrics),
		listen.WithLogger(log),
	}
	if sm.archive != nil {
		userID := dev.UserID()
		if userID == "" {
			userID = dev.ID()
		}
		opts = append(opts, listen.WithArchive(sm.archive, userID))
	}
	orch := listen.New(client, opts...)

	dev.OnAudioChunk(func(chunk []byte) { orch.HandleChunk(chunk) })
	dev.OnModeChange(func(device.Mode) { orch.Refresh(ctx) })
	if err := dev.Subscribe(ctx, device.StreamAudio); err != nil {
		orch.Close()
		return fmt.Errorf("app: subscribe to audio: %w", err)
	}

	live := &liveSession{
		info: SessionInfo{SessionID: dev.ID(), UserID: dev.UserID(), StartedAt: sm.clock.Now()},
		dev:  dev,
		orch: orch,
	}
	sm.mu.Lock()
	prev := sm.sessions[dev.ID()]
	sm.sessions[dev.ID()] = live
	sm.mu.Unlock()

	if prev != nil {
		log.Info("replacing session with the same id")
		prev.orch.Close()
		_ = prev.dev.Close()
	} else {
		sm.metrics.ActiveSessions.Add(ctx, 1)
	}

	orch.Start()
	log.Info("session opened", "user_id", dev.UserID())
	return nil
}

// CloseSession stops the session registered under id. The device connection
// is left to its owner.
func (sm *SessionManager) CloseSession(id string) {
	sm.closeDevice(id, nil)
}

// closeDevice removes the session id if dev is nil or still registered.
func (sm *SessionManager) closeDevice(id string, dev Device) {
	sm.mu.Lock()
	live, ok := sm.sessions[id]
	if !ok || (dev != nil && live.dev != dev) {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, id)
	sm.mu.Unlock()

	live.orch.Close()
	sm.metrics.ActiveSessions.Add(context.Background(), -1)
	live.dev.Logger().Info("session closed")
}

// CloseAll stops every session and closes the device connections.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	all := sm.sessions
	sm.sessions = make(map[string]*liveSession)
	sm.mu.Unlock()

	for _, live := range all {
		live.orch.Close()
		if err := live.dev.Close(); err != nil {
			live.dev.Logger().Debug("device close error", "err", err)
		}
		sm.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Get returns the orchestrator of session id.
func (sm *SessionManager) Get(id string) (*listen.Orchestrator, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	live, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	return live.orch, true
}

// View returns a snapshot of session id.
func (sm *SessionManager) View(id string) (SessionView, bool) {
	sm.mu.Lock()
	live, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return SessionView{}, false
	}
	st := live.orch.Status()
	return SessionView{
		SessionInfo: live.info,
		State:       st.State,
		Listening:   st.Listening,
		Current:     st.Current,
		History:     live.orch.History(),
	}, true
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Settings returns the settings new sessions are created with.
func (sm *SessionManager) Settings() SessionSettings {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.settings
}

// UpdateSettings changes the settings for sessions opened from now on.
func (sm *SessionManager) UpdateSettings(s SessionSettings) {
	if s.Location == nil {
		s.Location = time.UTC
	}
	sm.mu.Lock()
	sm.settings = s
	sm.mu.Unlock()
}

// Package app wires all Earshot subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates the history archive,
// the session manager and the HTTP surface, Run serves until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithClock, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/device"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/history"
	"github.com/MrWong99/earshot/internal/listen"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/recognize"
)

const (
	readHeaderTimeout = 10 * time.Second

	// defaultHistoryLimit is used by the history endpoint when no limit is
	// given.
	defaultHistoryLimit = 50
)

// App owns all subsystem lifetimes of the Earshot server.
type App struct {
	cfg     *config.Config
	rec     recognize.Recognizer
	recName string

	history  history.Store
	watcher  *config.Watcher
	level    *slog.LevelVar
	metrics  *observe.Metrics
	clock    listen.Clock
	gatherer prometheus.Gatherer
	checkers []health.Checker

	sessions *SessionManager
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history archive instead of creating one from
// config. The caller keeps ownership and must close it.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithWatcher makes Run poll the config file and apply hot-reloadable
// changes.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithLevelVar lets ApplyConfig change the log level of the handler backed
// by lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock replaces the system clock of every session.
func WithClock(c listen.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithHealthCheck adds a readiness check.
func WithHealthCheck(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// WithGatherer sets the Prometheus registry served on /metrics.
// Default: [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithRecognizerName labels recognition metrics. Default: the configured
// recogniser name.
func WithRecognizerName(name string) Option {
	return func(a *App) { a.recName = name }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. rec comes from
// main.go (built via the config registry).
func New(ctx context.Context, cfg *config.Config, rec recognize.Recognizer, opts ...Option) (*App, error) {
	if rec == nil {
		return nil, errors.New("app: recognizer is required")
	}
	a := &App{
		cfg:      cfg,
		rec:      rec,
		recName:  cfg.Recognizer.Name,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. History archive ───────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Sessions ──────────────────────────────────────────────────────
	settings, err := sessionSettings(cfg)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.sessions = NewSessionManager(SessionManagerConfig{
		Recognizer:     rec,
		RecognizerName: a.recName,
		SampleRate:     cfg.Device.SampleRate,
		Archive:        a.history,
		Metrics:        a.metrics,
		Clock:          a.clock,
		Settings:       settings,
	})

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	if c, ok := rec.(interface{ Check(context.Context) error }); ok {
		a.checkers = append(a.checkers, health.Checker{Name: "recognizer", Check: c.Check})
	}
	a.handler = observe.Middleware(a.metrics)(a.routes())
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	slog.Info("app initialised",
		"recognizer", a.recName,
		"sample_rate", cfg.Device.SampleRate,
		"batch_interval", settings.BatchInterval,
		"timezone", settings.Location.String(),
	)
	return a, nil
}

// initHistory opens the PostgreSQL archive when a DSN is configured and
// falls back to memory otherwise.
func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil // injected
	}

	dsn := a.cfg.History.PostgresDSN
	if dsn == "" {
		a.history = history.NewMemStore(a.cfg.History.PerUserLimit)
		a.closers = append(a.closers, func() error {
			a.history.Close()
			return nil
		})
		return nil
	}

	store, err := history.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	a.history = store
	a.checkers = append(a.checkers, health.Checker{Name: "history", Check: store.Ping})
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// sessionSettings extracts the hot-reloadable session settings from cfg.
func sessionSettings(cfg *config.Config) (SessionSettings, error) {
	loc, err := time.LoadLocation(cfg.Display.Timezone)
	if err != nil {
		return SessionSettings{}, fmt.Errorf("load timezone %q: %w", cfg.Display.Timezone, err)
	}
	return SessionSettings{
		BatchInterval:   cfg.Listening.BatchInterval,
		DuplicateWindow: cfg.Listening.DuplicateWindow,
		HistorySize:     cfg.Listening.HistorySize,
		Location:        loc,
	}, nil
}

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /session", device.NewHandler(
		a.cfg.Device.PackageName,
		a.cfg.Device.APIKey,
		a.sessions,
	))
	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /sessions/{id}", a.handleSession)
	mux.HandleFunc("GET /users/{id}/history", a.handleHistory)
	return mux
}

// Handler returns the complete HTTP handler of the server.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Handlers ────────────────────────────────────────────────────────────────

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	view, ok := a.sessions.View(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	matches, err := a.history.Recent(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("history lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if matches == nil {
		matches = []listen.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// It is the onChange callback of a [config.Watcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ListeningChanged || d.DisplayChanged {
		settings, err := sessionSettings(new)
		if err != nil {
			slog.Warn("config reload: keeping session settings", "err", err)
		} else {
			a.sessions.UpdateSettings(settings)
			slog.Info("session settings updated",
				"batch_interval", settings.BatchInterval,
				"duplicate_window", settings.DuplicateWindow,
				"history_size", settings.HistorySize,
				"timezone", settings.Location.String(),
			)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then shuts down. It returns the
// first serve error, if any.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes all device sessions, stops the HTTP server and releases
// the history archive. If ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Count(), "closers", len(a.closers))

		// Disconnect devices first so their handlers return.
		a.sessions.CloseAll()

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(shutdownErr, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}

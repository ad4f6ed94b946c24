// Command earshot is the main entry point for the Earshot song recognition
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata" // display.timezone must resolve in minimal containers

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/pkg/recognize"
	recmock "github.com/MrWong99/earshot/pkg/recognize/mock"
	"github.com/MrWong99/earshot/pkg/recognize/shazam"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		application *app.App
		watcher     *config.Watcher
		cfg         *config.Config
		err         error
	)
	if *configPath != "" && *watch {
		watcher, err = config.NewWatcher(*configPath, func(old, new *config.Config) {
			if application != nil {
				application.ApplyConfig(old, new)
			}
		})
		if watcher != nil {
			cfg = watcher.Current()
		}
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(level))

	slog.Info("earshot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Recogniser ────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinRecognizers(reg)

	rec, err := buildRecognizer(cfg.Recognizer, reg)
	if err != nil {
		slog.Error("failed to build recognizer", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{app.WithLevelVar(level)}
	if watcher != nil {
		opts = append(opts, app.WithWatcher(watcher))
	}
	application, err = app.New(ctx, cfg, rec, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	// Run shuts the application down itself once ctx is cancelled.
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Recogniser wiring ─────────────────────────────────────────────────────────

// registerBuiltinRecognizers registers the recognisers that ship with
// Earshot.
func registerBuiltinRecognizers(reg *config.Registry) {
	reg.RegisterRecognizer("shazam", func(e config.ProviderEntry) (recognize.Recognizer, error) {
		var opts []shazam.Option
		if e.APIKey != "" {
			opts = append(opts, shazam.WithAPIKey(e.APIKey))
		}
		if e.Timeout > 0 {
			opts = append(opts, shazam.WithTimeout(e.Timeout))
		}
		if e.SampleRate > 0 {
			opts = append(opts, shazam.WithSampleRate(e.SampleRate))
		}
		return shazam.New(e.BaseURL, opts...)
	})

	// "mock" answers every batch with the track named by options.title and
	// options.artist, or with no match when title is unset. Useful for demos
	// without a recognition sidecar.
	reg.RegisterRecognizer("mock", func(e config.ProviderEntry) (recognize.Recognizer, error) {
		rec := &recmock.Recognizer{}
		if title := optString(e.Options, "title"); title != "" {
			rec.Track = &recognize.Track{
				Title:    title,
				Subtitle: optString(e.Options, "artist"),
			}
		}
		return rec, nil
	})
}

// buildRecognizer creates the primary recogniser and its fallbacks, each
// behind its own circuit breaker.
func buildRecognizer(rc config.RecognizerConfig, reg *config.Registry) (*resilience.Recognizer, error) {
	breaker := resilience.CircuitBreakerConfig{
		MaxFailures:  rc.Breaker.MaxFailures,
		ResetTimeout: rc.Breaker.ResetTimeout,
		HalfOpenMax:  rc.Breaker.HalfOpenMax,
	}

	primary, err := reg.CreateRecognizer(rc.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("recognizer %q: %w", rc.Name, err)
	}
	rec := resilience.NewRecognizer(rc.Name, primary, breaker)

	for i, fb := range rc.Fallbacks {
		r, err := reg.CreateRecognizer(fb)
		if err != nil {
			return nil, fmt.Errorf("recognizer fallback %d (%q): %w", i, fb.Name, err)
		}
		rec.AddFallback(fb.Name, r)
	}
	slog.Info("recognizer configured", "primary", rc.Name, "fallbacks", len(rc.Fallbacks))
	return rec, nil
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by [ApplyEnv].
const (
	EnvPackageName      = "PACKAGE_NAME"
	EnvAPIKey           = "MENTRAOS_API_KEY"
	EnvPort             = "PORT"
	EnvRecognizerURL    = "RECOGNIZER_URL"
	EnvRecognizerAPIKey = "RECOGNIZER_API_KEY"
	EnvHistoryDSN       = "HISTORY_POSTGRES_DSN"
	EnvLogLevel         = "LOG_LEVEL"
)

// ErrMissingEnv is wrapped by [ApplyEnv] for every required variable that is
// unset or empty.
var ErrMissingEnv = errors.New("config: required environment variable not set")

// ValidRecognizerNames lists the recognisers shipped with Earshot. [Validate]
// warns about names outside this list.
var ValidRecognizerNames = []string{"shazam", "mock"}

// LookupEnv resolves an environment variable. [os.LookupEnv] satisfies it.
type LookupEnv func(key string) (string, bool)

// Load reads the optional YAML file at path, overlays the process
// environment and returns a validated [Config]. An empty path skips the file.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is [Load] with an explicit environment.
func LoadWithEnv(path string, lookup LookupEnv) (*Config, error) {
	if path == "" {
		return LoadFromReader(strings.NewReader(""), lookup)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, lookup)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, applies the environment and defaults,
// and validates the result. Empty input is a valid, empty file.
func LoadFromReader(r io.Reader, lookup LookupEnv) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv copies the environment into cfg. PACKAGE_NAME, MENTRAOS_API_KEY
// and PORT are required; the returned error lists every missing one.
func ApplyEnv(cfg *Config, lookup LookupEnv) error {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	var errs []error
	for _, key := range []string{EnvPackageName, EnvAPIKey, EnvPort} {
		if get(key) == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingEnv, key))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	cfg.Device.PackageName = get(EnvPackageName)
	cfg.Device.APIKey = get(EnvAPIKey)

	port := get(EnvPort)
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("config: %s %q is not a valid TCP port", EnvPort, port)
	}
	cfg.Server.ListenAddr = net.JoinHostPort(cfg.Server.Host, port)

	if v := get(EnvRecognizerURL); v != "" {
		cfg.Recognizer.BaseURL = v
	}
	if v := get(EnvRecognizerAPIKey); v != "" {
		cfg.Recognizer.APIKey = v
	}
	if v := get(EnvHistoryDSN); v != "" {
		cfg.History.PostgresDSN = v
	}
	if v := get(EnvLogLevel); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required (set PORT)"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Device
	if cfg.Device.PackageName == "" {
		errs = append(errs, errors.New("device.package_name is required (set PACKAGE_NAME)"))
	}
	if cfg.Device.APIKey == "" {
		errs = append(errs, errors.New("device.api_key is required (set MENTRAOS_API_KEY)"))
	}
	if cfg.Device.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("device.sample_rate %d must be positive", cfg.Device.SampleRate))
	}

	// Recognizer
	errs = append(errs, validateEntry("recognizer", cfg.Recognizer.ProviderEntry)...)
	for i, fb := range cfg.Recognizer.Fallbacks {
		errs = append(errs, validateEntry(fmt.Sprintf("recognizer.fallbacks[%d]", i), fb)...)
	}
	if b := cfg.Recognizer.Breaker; b.MaxFailures < 0 || b.ResetTimeout < 0 || b.HalfOpenMax < 0 {
		errs = append(errs, errors.New("recognizer.breaker values must not be negative"))
	}

	// Listening
	if cfg.Listening.BatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("listening.batch_interval %s must be positive", cfg.Listening.BatchInterval))
	}
	if cfg.Listening.DuplicateWindow < 0 {
		errs = append(errs, fmt.Errorf("listening.duplicate_window %s must not be negative", cfg.Listening.DuplicateWindow))
	}
	if cfg.Listening.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("listening.history_size %d must be at least 1", cfg.Listening.HistorySize))
	}

	// Display
	if cfg.Display.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Display.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("display.timezone %q: %w", cfg.Display.Timezone, err))
		}
	}

	// History
	if cfg.History.PerUserLimit < 0 {
		errs = append(errs, fmt.Errorf("history.per_user_limit %d must not be negative", cfg.History.PerUserLimit))
	}

	return errors.Join(errs...)
}

// validateEntry checks a single recogniser block.
func validateEntry(prefix string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		return errs
	}
	if !slices.Contains(ValidRecognizerNames, e.Name) {
		slog.Warn("unknown recognizer name, may be a typo or third-party recognizer",
			"field", prefix,
			"name", e.Name,
			"known", ValidRecognizerNames,
		)
	}
	if e.Name == "shazam" && e.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%s.base_url is required for shazam", prefix))
	}
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout %s must not be negative", prefix, e.Timeout))
	}
	if e.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d must not be negative", prefix, e.SampleRate))
	}
	return errs
}

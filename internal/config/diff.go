package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ListeningChanged is set when batching or de-duplication settings
	// changed. Sessions opened afterwards use the new values.
	ListeningChanged bool

	// DisplayChanged is set when the dashboard timezone changed.
	DisplayChanged bool

	// RestartRequired lists sections that changed but are only read at
	// startup.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ListeningChanged = old.Listening != new.Listening
	d.DisplayChanged = old.Display != new.Display

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Device != new.Device {
		d.RestartRequired = append(d.RestartRequired, "device")
	}
	if !sameRecognizer(old.Recognizer, new.Recognizer) {
		d.RestartRequired = append(d.RestartRequired, "recognizer")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sameRecognizer compares the fields of two recogniser configs that can be
// compared directly. Options maps are compared by length only.
func sameRecognizer(a, b RecognizerConfig) bool {
	if !sameEntry(a.ProviderEntry, b.ProviderEntry) || a.Breaker != b.Breaker || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !sameEntry(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.BaseURL == b.BaseURL &&
		a.APIKey == b.APIKey &&
		a.Timeout == b.Timeout &&
		a.SampleRate == b.SampleRate &&
		len(a.Options) == len(b.Options)
}

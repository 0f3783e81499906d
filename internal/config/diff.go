package config

// Change describes what differs between two configs. Only fields that can be
// applied without restarting the pipeline are tracked; everything else
// requires a new process.
type Change struct {
	// LogLevelChanged is true when the log verbosity changed.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is true when any detector tunable changed. The detector
	// picks the new values up on its next start.
	VADChanged bool

	// VolumeChanged is true when the master playback volume changed.
	VolumeChanged bool
	NewVolume     float64

	// RestartRequired is true when a non-hot-reloadable section (capture
	// format, endpoints, session identity) changed.
	RestartRequired bool
}

// Any reports whether the change carries anything at all.
func (c Change) Any() bool {
	return c.LogLevelChanged || c.VADChanged || c.VolumeChanged || c.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) Change {
	var c Change

	if old.LogLevel != new.LogLevel {
		c.LogLevelChanged = true
		c.NewLogLevel = new.LogLevel
	}

	if old.VAD != new.VAD {
		c.VADChanged = true
	}

	oldVol, newVol := volumeOf(old), volumeOf(new)
	if oldVol != newVol {
		c.VolumeChanged = true
		c.NewVolume = newVol
	}

	if old.Capture != new.Capture ||
		!equalTranscription(old.Transcription, new.Transcription) ||
		old.Session != new.Session ||
		old.Recovery != new.Recovery ||
		old.Metrics != new.Metrics {
		c.RestartRequired = true
	}

	return c
}

// equalTranscription compares transcription sections by value, resolving the
// optional booleans to their defaults.
func equalTranscription(a, b TranscriptionConfig) bool {
	return a.StreamingEndpoint == b.StreamingEndpoint &&
		a.UploadEndpoint == b.UploadEndpoint &&
		a.Language == b.Language &&
		a.MaxAlternatives == b.MaxAlternatives &&
		boolOf(a.Continuous) == boolOf(b.Continuous) &&
		boolOf(a.InterimResults) == boolOf(b.InterimResults)
}

// boolOf resolves an optional boolean, defaulting to true.
func boolOf(v *bool) bool {
	return v == nil || *v
}

// volumeOf resolves the configured master volume, defaulting to full gain.
func volumeOf(cfg *Config) float64 {
	if cfg.Playback.Volume == nil {
		return 1
	}
	return *cfg.Playback.Volume
}

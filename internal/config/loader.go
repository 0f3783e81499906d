package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 0 || cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is out of range [0, 2]", cfg.Capture.Channels))
	}

	if cfg.VAD.MinThreshold < 0 || cfg.VAD.MinThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.min_threshold %.4f is out of range [0, 1]", cfg.VAD.MinThreshold))
	}
	if cfg.VAD.MinSpeechDurationMS < 0 {
		errs = append(errs, fmt.Errorf("vad.min_speech_duration_ms %d must not be negative", cfg.VAD.MinSpeechDurationMS))
	}
	if cfg.VAD.MinSilenceDurationMS < 0 {
		errs = append(errs, fmt.Errorf("vad.min_silence_duration_ms %d must not be negative", cfg.VAD.MinSilenceDurationMS))
	}
	if cfg.VAD.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("vad.history_size %d must not be negative", cfg.VAD.HistorySize))
	}

	if ep := cfg.Transcription.StreamingEndpoint; ep != "" && !hasPrefixAny(ep, "ws://", "wss://") {
		errs = append(errs, fmt.Errorf("transcription.streaming_endpoint %q must use ws:// or wss://", ep))
	}
	if ep := cfg.Transcription.UploadEndpoint; ep != "" && !hasPrefixAny(ep, "http://", "https://") {
		errs = append(errs, fmt.Errorf("transcription.upload_endpoint %q must use http:// or https://", ep))
	}
	if cfg.Transcription.MaxAlternatives < 0 {
		errs = append(errs, fmt.Errorf("transcription.max_alternatives %d must not be negative", cfg.Transcription.MaxAlternatives))
	}

	if cfg.Recovery.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("recovery.max_retries %d must not be negative", cfg.Recovery.MaxRetries))
	}
	if cfg.Recovery.RetryDelayMS < 0 {
		errs = append(errs, fmt.Errorf("recovery.retry_delay_ms %d must not be negative", cfg.Recovery.RetryDelayMS))
	}

	if ep := cfg.Session.Endpoint; ep != "" && !hasPrefixAny(ep, "ws://", "wss://") {
		errs = append(errs, fmt.Errorf("session.endpoint %q must use ws:// or wss://", ep))
	}
	if cfg.Session.Endpoint != "" && cfg.Session.CallID == "" {
		errs = append(errs, errors.New("session.call_id is required when session.endpoint is set"))
	}
	if cfg.Session.MaxReconnects < 0 {
		errs = append(errs, fmt.Errorf("session.max_reconnects %d must not be negative", cfg.Session.MaxReconnects))
	}

	if v := cfg.Playback.Volume; v != nil && (*v < 0 || *v > 1) {
		errs = append(errs, fmt.Errorf("playback.volume %.2f is out of range [0, 1]", *v))
	}

	// Soft issues: the pipeline still runs, degraded.
	if cfg.Transcription.UploadEndpoint == "" {
		slog.Warn("transcription.upload_endpoint is empty; no fallback transcription is available")
	}
	if cfg.Transcription.StreamingEndpoint == "" {
		slog.Warn("transcription.streaming_endpoint is empty; using chunked upload transcription only")
	}
	if cfg.Session.Endpoint == "" {
		slog.Warn("session.endpoint is empty; transcripts will not be delivered to a call")
	}

	return errors.Join(errs...)
}

// hasPrefixAny reports whether s starts with any of the given prefixes.
func hasPrefixAny(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

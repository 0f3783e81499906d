// Package config provides the configuration schema, loader, and file watcher
// for the Voxline voice pipeline.
package config

// LogLevel controls log verbosity for the Voxline process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Voxline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	LogLevel      LogLevel            `yaml:"log_level"`
	Capture       CaptureConfig       `yaml:"capture"`
	VAD           VADConfig           `yaml:"vad"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Recovery      RecoveryConfig      `yaml:"recovery"`
	Session       SessionConfig       `yaml:"session"`
	Playback      PlaybackConfig      `yaml:"playback"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// CaptureConfig describes the microphone capture format.
type CaptureConfig struct {
	// SampleRate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels captured from the device. Default: 1.
	Channels int `yaml:"channels"`

	// FrameSize is the number of samples per delivered frame. Default: 320.
	FrameSize int `yaml:"frame_size"`
}

// VADConfig tunes the voice activity detector. Durations are in
// milliseconds.
type VADConfig struct {
	// MinThreshold is the floor for the adaptive energy threshold.
	// Default: 0.01.
	MinThreshold float64 `yaml:"min_threshold"`

	// MinSpeechDurationMS is how long energy must stay above the threshold
	// before a voice start fires. Default: 300.
	MinSpeechDurationMS int `yaml:"min_speech_duration_ms"`

	// MinSilenceDurationMS is how long energy must stay below the threshold
	// before a voice end fires. Default: 500.
	MinSilenceDurationMS int `yaml:"min_silence_duration_ms"`

	// HistorySize bounds the energy history used for the adaptive threshold.
	// Default: 10.
	HistorySize int `yaml:"history_size"`

	// WindowSize is the number of samples per analysed energy window.
	// Default: 2048.
	WindowSize int `yaml:"window_size"`

	// CalibrationDurationMS is how long Calibrate samples ambient noise.
	// Default: 2000.
	CalibrationDurationMS int `yaml:"calibration_duration_ms"`
}

// TranscriptionConfig selects and tunes the transcription strategies.
type TranscriptionConfig struct {
	// StreamingEndpoint is the wss:// URL of the continuous recognizer.
	// Empty disables native recognition; the chunked fallback carries the
	// session alone.
	StreamingEndpoint string `yaml:"streaming_endpoint"`

	// UploadEndpoint is the HTTP URL of the chunked transcription service.
	UploadEndpoint string `yaml:"upload_endpoint"`

	// Continuous keeps recognition open across utterances. Default: true.
	Continuous *bool `yaml:"continuous"`

	// InterimResults requests low-latency partial output. Default: true.
	InterimResults *bool `yaml:"interim_results"`

	// Language is the BCP-47 recognition language (e.g., "en-US").
	Language string `yaml:"language"`

	// MaxAlternatives caps alternatives per result. Default: 1.
	MaxAlternatives int `yaml:"max_alternatives"`
}

// RecoveryConfig tunes the error recovery manager.
type RecoveryConfig struct {
	// MaxRetries is the number of recovery probes per error before fallback.
	// Default: 3.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelayMS is the first backoff delay in milliseconds; attempt n
	// waits RetryDelayMS·2ⁿ. Default: 1000.
	RetryDelayMS int `yaml:"retry_delay_ms"`
}

// SessionConfig configures the realtime connection to the voice service.
type SessionConfig struct {
	// Endpoint is the ws:// or wss:// URL of the realtime service.
	Endpoint string `yaml:"endpoint"`

	// CallID identifies the call to join.
	CallID string `yaml:"call_id"`

	// MaxReconnects caps reconnection attempts after an unexpected close.
	// Default: 5.
	MaxReconnects int `yaml:"max_reconnects"`

	// ReconnectDelayMS is the first reconnect backoff in milliseconds.
	// Default: 1000.
	ReconnectDelayMS int `yaml:"reconnect_delay_ms"`

	// MaxDelayMS caps the reconnect backoff in milliseconds. Default: 10000.
	MaxDelayMS int `yaml:"max_delay_ms"`
}

// PlaybackConfig tunes audio output.
type PlaybackConfig struct {
	// Volume is the master output volume in [0, 1]. Default: 1.0.
	Volume *float64 `yaml:"volume"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// ListenAddr is the address the metrics HTTP server listens on
	// (e.g., ":9090"). Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`
}

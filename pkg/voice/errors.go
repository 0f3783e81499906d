package voice

import (
	"fmt"
	"time"
)

// Code classifies a pipeline error. Every error raised by a pipeline component
// carries one of these codes so the recovery manager can look up severity,
// recoverability, and the fallback capability to activate.
type Code string

const (
	// Device errors.
	CodeMicrophoneAccessDenied Code = "microphone_access_denied"
	CodeMicrophoneNotFound     Code = "microphone_not_found"

	// Capability errors.
	CodeRecognitionUnsupported Code = "recognition_unsupported"

	// Transient recognition errors.
	CodeSpeechNoMatch Code = "speech_no_match"

	// Connectivity errors.
	CodeChannelFailed       Code = "channel_failed"
	CodeChannelDisconnected Code = "channel_disconnected"
	CodeNetworkError        Code = "network_error"

	// Remote-service errors.
	CodeAIUnavailable        Code = "ai_unavailable"
	CodeAITimeout            Code = "ai_timeout"
	CodeTTSFailed            Code = "tts_failed"
	CodeTranscriptionFailed  Code = "transcription_failed"

	// Local playback errors.
	CodePlaybackFailed Code = "playback_failed"

	// CodeUnknown is the default classification for unrecognised errors.
	CodeUnknown Code = "unknown"
)

// Severity grades how badly an error degrades the session.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Capability names a degraded operating mode a component can fall back to.
// Entries in the fallback registry are keyed by (component, capability).
type Capability string

const (
	// CapabilityTextInput replaces voice input with typed input.
	CapabilityTextInput Capability = "text_input"

	// CapabilityTextTranscript replaces streamed TTS playback with a
	// text-only transcript.
	CapabilityTextTranscript Capability = "text_transcript"

	// CapabilityChunkedUpload replaces continuous recognition with the
	// capture-and-upload fallback strategy.
	CapabilityChunkedUpload Capability = "chunked_upload"

	// CapabilityConnectionNotice surfaces a terminal "connection lost"
	// notice after reconnect attempts are exhausted.
	CapabilityConnectionNotice Capability = "connection_notice"
)

// ErrorContext records where and when an error occurred.
type ErrorContext struct {
	// Component is the pipeline component that raised the error
	// (e.g., "vad", "transcription", "playback", "session").
	Component string

	// Action is the operation that failed (e.g., "start_detection", "flush").
	Action string

	// Timestamp marks when the error was observed.
	Timestamp time.Time
}

// VoiceError is a classified pipeline error. It implements the error interface
// so it can travel through ordinary error returns while retaining its
// classification.
type VoiceError struct {
	Code        Code
	Severity    Severity
	Recoverable bool
	Context     ErrorContext
	Message     string
}

// Error returns "component/code: message".
func (e *VoiceError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Context.Component, e.Code, e.Message)
}

package recovery

import (
	"context"

	"github.com/MrWong99/voxline/pkg/voice"
)

// Probe is a lightweight reachability or availability check used to decide
// whether retrying a failed operation is worthwhile. Probes never redo the
// original user action; they answer "is the device present / endpoint
// reachable" and nothing more.
type Probe func(ctx context.Context) error

// Classification declares how one error code is handled: how bad it is,
// whether retrying can help, which degraded capability to activate when it
// cannot, and the message shown to the user.
type Classification struct {
	Severity    voice.Severity
	Recoverable bool
	Fallback    voice.Capability
	UserMessage string

	// Probe checks whether a retry is likely to succeed. Nil for
	// non-recoverable codes.
	Probe Probe
}

// defaultTaxonomy returns the built-in classification table. Probes are nil
// here; components register real probes via [Manager.SetProbe] once their
// collaborators (device, endpoints) are known.
func defaultTaxonomy() map[voice.Code]Classification {
	return map[voice.Code]Classification{
		// Device errors: no amount of retrying grants a missing permission.
		voice.CodeMicrophoneAccessDenied: {
			Severity:    voice.SeverityHigh,
			Recoverable: false,
			Fallback:    voice.CapabilityTextInput,
			UserMessage: "Microphone access was denied. You can continue by typing instead.",
		},
		voice.CodeMicrophoneNotFound: {
			Severity:    voice.SeverityHigh,
			Recoverable: false,
			Fallback:    voice.CapabilityTextInput,
			UserMessage: "No microphone was found. You can continue by typing instead.",
		},

		// Capability errors.
		voice.CodeRecognitionUnsupported: {
			Severity:    voice.SeverityMedium,
			Recoverable: false,
			Fallback:    voice.CapabilityChunkedUpload,
			UserMessage: "Continuous speech recognition is unavailable; using upload transcription.",
		},

		// Transient recognition errors: silence timeouts resolve themselves.
		voice.CodeSpeechNoMatch: {
			Severity:    voice.SeverityLow,
			Recoverable: true,
			Fallback:    voice.CapabilityChunkedUpload,
			UserMessage: "Didn't catch that — please try again.",
		},

		// Connectivity errors.
		voice.CodeChannelFailed: {
			Severity:    voice.SeverityHigh,
			Recoverable: true,
			Fallback:    voice.CapabilityConnectionNotice,
			UserMessage: "The realtime connection failed.",
		},
		voice.CodeChannelDisconnected: {
			Severity:    voice.SeverityMedium,
			Recoverable: true,
			Fallback:    voice.CapabilityConnectionNotice,
			UserMessage: "Connection lost — attempting to reconnect.",
		},
		voice.CodeNetworkError: {
			Severity:    voice.SeverityMedium,
			Recoverable: true,
			Fallback:    voice.CapabilityConnectionNotice,
			UserMessage: "A network error occurred.",
		},

		// Remote-service errors.
		voice.CodeAIUnavailable: {
			Severity:    voice.SeverityHigh,
			Recoverable: true,
			Fallback:    voice.CapabilityTextTranscript,
			UserMessage: "The assistant is temporarily unavailable.",
		},
		voice.CodeAITimeout: {
			Severity:    voice.SeverityMedium,
			Recoverable: true,
			Fallback:    voice.CapabilityTextTranscript,
			UserMessage: "The assistant took too long to respond.",
		},
		voice.CodeTTSFailed: {
			Severity:    voice.SeverityLow,
			Recoverable: true,
			Fallback:    voice.CapabilityTextTranscript,
			UserMessage: "Speech playback failed; responses will be shown as text.",
		},
		voice.CodeTranscriptionFailed: {
			Severity:    voice.SeverityMedium,
			Recoverable: true,
			Fallback:    voice.CapabilityTextInput,
			UserMessage: "Transcription failed. You can continue by typing instead.",
		},

		voice.CodePlaybackFailed: {
			Severity:    voice.SeverityLow,
			Recoverable: false,
			Fallback:    voice.CapabilityTextTranscript,
			UserMessage: "Audio playback failed; responses will be shown as text.",
		},

		voice.CodeUnknown: {
			Severity:    voice.SeverityMedium,
			Recoverable: false,
			Fallback:    "",
			UserMessage: "Something went wrong.",
		},
	}
}

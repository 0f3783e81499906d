// Package voice defines the cross-cutting types shared by every stage of the
// Voxline pipeline: transcript segments, the error taxonomy, and the degraded
// capability identifiers used by the fallback registry.
//
// The package lives under pkg/ because external consumers (the application
// embedding the pipeline) receive these types through sinks and callbacks.
package voice

import "time"

// SourceMode identifies which transcription strategy produced a segment.
type SourceMode string

const (
	// SourceNative marks segments produced by the continuous streaming
	// recognizer.
	SourceNative SourceMode = "native"

	// SourceFallback marks segments produced by the chunked-upload fallback.
	SourceFallback SourceMode = "fallback"
)

// TranscriptSegment is a single speech-to-text result. Segments are ephemeral:
// they are delivered to a caller-supplied [Sink] and then discarded, never
// persisted by the pipeline.
type TranscriptSegment struct {
	// Text is the transcribed speech content.
	Text string

	// Confidence is the recognizer's confidence score in [0, 1]. Zero when the
	// backend does not report confidence.
	Confidence float64

	// IsFinal indicates an authoritative result. Interim segments replace the
	// running preview; final segments accumulate.
	IsFinal bool

	// Timestamp marks when the segment was produced.
	Timestamp time.Time

	// Source identifies the strategy that produced the segment.
	Source SourceMode
}

// Sink receives transcript segments as they are produced. Implementations must
// not block: segments are delivered from the pipeline's processing goroutine.
type Sink interface {
	HandleSegment(seg TranscriptSegment)
}

// SinkFunc adapts a plain function to the [Sink] interface.
type SinkFunc func(seg TranscriptSegment)

// HandleSegment calls f(seg).
func (f SinkFunc) HandleSegment(seg TranscriptSegment) { f(seg) }

package audio

import "time"

// Frame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — captured from the microphone,
// analysed for energy, gated by VAD, and buffered for transcription.
type Frame struct {
	// Data is raw 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT input).
	SampleRate int

	// Channels: 1 for mono (STT input), 2 for stereo playback.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Clip is a fully decoded, locally playable audio resource. Clips are produced
// by the playback decoder and consumed exactly once by a [Renderer].
type Clip struct {
	// PCM is 16-bit signed little-endian PCM.
	PCM []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int
}

// Duration returns the playable length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	samples := len(c.PCM) / 2 / c.Channels
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

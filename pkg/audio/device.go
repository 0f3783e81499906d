// Package audio defines the device interfaces and frame types for audio
// capture and rendering within Voxline.
//
// The two primary abstractions are:
//
//   - [CaptureDevice] — exclusively acquires a microphone and delivers a
//     stream of PCM [Frame] values.
//   - [Renderer] — plays a decoded [Clip] through the speaker, one clip at a
//     time, under the control of a [Playback] handle.
//
// Implementations of these interfaces are provided by host-specific adapter
// packages (e.g., audio/portaudio). The interfaces are intentionally narrow to
// keep the detection and playback logic decoupled from hardware details.
//
// This package lives under pkg/ because external code (alternative device
// adapters, test doubles) is expected to implement [CaptureDevice] and
// [Renderer].
package audio

import (
	"context"
	"errors"
)

// Sentinel errors returned by [CaptureDevice.Start]. The recovery manager maps
// these onto the shared error taxonomy.
var (
	// ErrDeviceAccessDenied indicates the host refused microphone access.
	ErrDeviceAccessDenied = errors.New("audio: device access denied")

	// ErrDeviceNotFound indicates no usable capture device exists.
	ErrDeviceNotFound = errors.New("audio: no capture device found")
)

// CaptureConfig describes the format requested from a [CaptureDevice].
type CaptureConfig struct {
	// SampleRate in Hz. Default: 16000.
	SampleRate int

	// Channels is the captured channel count. Default: 1.
	Channels int

	// FrameSize is the number of samples per delivered frame. Default: 320
	// (20 ms at 16 kHz).
	FrameSize int
}

// CaptureDevice exclusively acquires a microphone and streams captured frames.
//
// A device delivers frames on the channel returned by Start until Stop is
// called or the context is cancelled, at which point the channel is closed and
// every acquired hardware handle is released. Stop must be safe to call
// repeatedly and must never panic — a leaked handle is a correctness bug.
type CaptureDevice interface {
	// Start acquires the device and begins capture. Returns
	// [ErrDeviceAccessDenied] or [ErrDeviceNotFound] (possibly wrapped) when
	// acquisition fails. The returned channel is closed when capture ends on
	// any path, success or failure.
	Start(ctx context.Context, cfg CaptureConfig) (<-chan Frame, error)

	// Stop ends capture and releases the device. Idempotent.
	Stop() error
}

// Playback controls a single in-flight clip started by [Renderer.Play].
type Playback interface {
	// Pause suspends rendering of the current clip. No-op when already paused.
	Pause()

	// Resume continues rendering after Pause. No-op when not paused.
	Resume()

	// Stop aborts rendering. Done is closed afterwards. Idempotent.
	Stop()

	// SetVolume adjusts the gain of the remaining samples. volume is a linear
	// factor in [0, 1]; 0 mutes.
	SetVolume(volume float64)

	// Done is closed when the clip finishes, errors, or is stopped. The
	// terminal error (nil on success) is delivered before close.
	Done() <-chan error
}

// Renderer plays decoded clips through the audio output device. Audio output
// is inherently sequential: callers must wait for the previous [Playback] to
// finish before starting the next — the playback queue enforces this.
type Renderer interface {
	// Play begins rendering clip and returns a handle controlling it.
	Play(ctx context.Context, clip Clip) (Playback, error)
}

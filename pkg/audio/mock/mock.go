// Package mock provides test doubles for the audio package interfaces.
//
// Use Device to feed scripted frames into the detection and transcription
// loops. Use Renderer to inspect the clips that were played and to control
// when each playback completes.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
)

// Device is a mock implementation of audio.CaptureDevice. Frames pushed via
// PushFrame are delivered to the channel returned by Start.
type Device struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned as the error from Start.
	StartErr error

	// StartCalls records the configs passed to Start in order.
	StartCalls []audio.CaptureConfig

	// StopCalls counts invocations of Stop.
	StopCalls int

	frames chan audio.Frame
	closed bool
}

var _ audio.CaptureDevice = (*Device)(nil)

// Start records the call and returns the frame channel, or StartErr.
func (d *Device) Start(_ context.Context, cfg audio.CaptureConfig) (<-chan audio.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCalls = append(d.StartCalls, cfg)
	if d.StartErr != nil {
		return nil, d.StartErr
	}
	d.frames = make(chan audio.Frame, 256)
	d.closed = false
	return d.frames, nil
}

// Stop closes the frame channel. Safe to call repeatedly.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StopCalls++
	if d.frames != nil && !d.closed {
		close(d.frames)
		d.closed = true
	}
	return nil
}

// PushFrame delivers a frame to the capture channel. Frames pushed before
// Start or after Stop are silently dropped.
func (d *Device) PushFrame(f audio.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frames == nil || d.closed {
		return
	}
	d.frames <- f
}

// PlayCall records a single invocation of Renderer.Play.
type PlayCall struct {
	// Clip is the clip passed to Play.
	Clip audio.Clip
}

// Renderer is a mock implementation of audio.Renderer. Each Play returns a
// *Handle that the test completes via Finish.
type Renderer struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned as the error from Play.
	PlayErr error

	// PlayCalls records every call to Play in order.
	PlayCalls []PlayCall

	// Handles holds the handle returned for each Play, in order.
	Handles []*Handle

	// AutoFinish, when true, completes each playback immediately with nil.
	AutoFinish bool
}

var _ audio.Renderer = (*Renderer)(nil)

// Play records the call and returns a fresh *Handle.
func (r *Renderer) Play(_ context.Context, clip audio.Clip) (audio.Playback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PlayCalls = append(r.PlayCalls, PlayCall{Clip: clip})
	if r.PlayErr != nil {
		return nil, r.PlayErr
	}
	h := &Handle{done: make(chan error, 1)}
	r.Handles = append(r.Handles, h)
	if r.AutoFinish {
		h.Finish(nil)
	}
	return h, nil
}

// PlayCount returns the number of Play invocations so far.
func (r *Renderer) PlayCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.PlayCalls)
}

// ClipAt returns the clip passed to the i-th Play call.
func (r *Renderer) ClipAt(i int) audio.Clip {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.PlayCalls[i].Clip
}

// HandleAt returns the handle from the i-th Play call, nil when that call has
// not happened yet.
func (r *Renderer) HandleAt(i int) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.Handles) {
		return nil
	}
	return r.Handles[i]
}

// Handle is the mock audio.Playback returned by Renderer.Play.
type Handle struct {
	mu       sync.Mutex
	done     chan error
	finished bool

	// Paused reflects the last Pause/Resume call.
	Paused bool

	// Volume reflects the last SetVolume call.
	Volume float64

	// Stopped is true once Stop has been called.
	Stopped bool
}

var _ audio.Playback = (*Handle)(nil)

// Pause marks the handle paused.
func (h *Handle) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Paused = true
}

// Resume clears the paused flag.
func (h *Handle) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Paused = false
}

// Stop marks the handle stopped and completes it with nil.
func (h *Handle) Stop() {
	h.mu.Lock()
	h.Stopped = true
	h.mu.Unlock()
	h.Finish(nil)
}

// SetVolume records the volume.
func (h *Handle) SetVolume(volume float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Volume = volume
}

// Done returns the completion channel.
func (h *Handle) Done() <-chan error { return h.done }

// IsPaused reports the current paused state.
func (h *Handle) IsPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Paused
}

// IsStopped reports whether Stop has been called.
func (h *Handle) IsStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Stopped
}

// CurrentVolume reports the last volume set on the handle.
func (h *Handle) CurrentVolume() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Volume
}

// Finish completes the playback with err. Safe to call repeatedly; only the
// first call has effect.
func (h *Handle) Finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.finished = true
	if err != nil {
		h.done <- err
	}
	close(h.done)
}

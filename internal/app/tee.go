package app

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
)

// tapBuffer is the per-tap channel capacity. A slow consumer drops frames
// rather than stalling the other taps; for realtime audio the newest frames
// matter most.
const tapBuffer = 16

// frameTee starts the capture device once and fans every frame out to a
// fixed set of taps. The detector and the transcription pipeline each drain
// one tap, so the single microphone stream feeds both without the device
// being acquired twice.
type frameTee struct {
	device audio.CaptureDevice
	taps   []chan audio.Frame

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

func newFrameTee(device audio.CaptureDevice, taps int) *frameTee {
	t := &frameTee{device: device}
	for i := 0; i < taps; i++ {
		t.taps = append(t.taps, make(chan audio.Frame, tapBuffer))
	}
	return t
}

// Tap returns the receive side of tap i. Valid before Start; the channel is
// closed when the device stream ends.
func (t *frameTee) Tap(i int) <-chan audio.Frame {
	return t.taps[i]
}

// Start acquires the device and launches the fan-out loop.
func (t *frameTee) Start(ctx context.Context, cfg audio.CaptureConfig) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("app: frame tee already started")
	}
	t.started = true
	done := make(chan struct{})
	t.done = done
	t.mu.Unlock()

	frames, err := t.device.Start(ctx, cfg)
	if err != nil {
		t.mu.Lock()
		t.started = false
		t.done = nil
		t.mu.Unlock()
		return err
	}

	go t.fanOut(ctx, frames, done)
	return nil
}

// Stop stops the underlying device and waits for the fan-out loop to close
// all taps. Safe to call when never started.
func (t *frameTee) Stop() error {
	t.mu.Lock()
	done := t.done
	t.done = nil
	t.mu.Unlock()

	if done == nil {
		return nil
	}
	err := t.device.Stop()
	<-done
	return err
}

func (t *frameTee) fanOut(ctx context.Context, frames <-chan audio.Frame, done chan<- struct{}) {
	defer func() {
		for _, tap := range t.taps {
			close(tap)
		}
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			for _, tap := range t.taps {
				select {
				case tap <- frame:
				default:
					// Tap full: drop for this consumer only.
				}
			}
		}
	}
}

// tapDevice adapts one tee tap to [audio.CaptureDevice] so the voice
// detector can run over the shared microphone stream. The tee owns the real
// device; Stop is a no-op.
type tapDevice struct {
	frames <-chan audio.Frame
}

var _ audio.CaptureDevice = (*tapDevice)(nil)

func (d *tapDevice) Start(context.Context, audio.CaptureConfig) (<-chan audio.Frame, error) {
	return d.frames, nil
}

func (d *tapDevice) Stop() error { return nil }

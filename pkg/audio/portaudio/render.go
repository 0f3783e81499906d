package portaudio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxline/pkg/audio"
)

// renderFrameSize is the number of samples per channel written to the output
// stream in one Write call.
const renderFrameSize = 1024

// Renderer implements audio.Renderer using the default PortAudio output
// device. One clip renders at a time; the playback queue enforces ordering.
type Renderer struct{}

var _ audio.Renderer = (*Renderer)(nil)

// NewRenderer creates a renderer bound to the default output device.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Play opens an output stream for the clip's format and renders it on a
// background goroutine. The returned handle controls the in-flight clip.
func (r *Renderer) Play(ctx context.Context, clip audio.Clip) (audio.Playback, error) {
	if clip.SampleRate <= 0 || clip.Channels <= 0 {
		return nil, fmt.Errorf("portaudio: invalid clip format %d Hz / %d ch", clip.SampleRate, clip.Channels)
	}

	buf := make([]int16, renderFrameSize*clip.Channels)
	stream, err := portaudio.OpenDefaultStream(0, clip.Channels, float64(clip.SampleRate), renderFrameSize, &buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}

	h := &playbackHandle{
		done:   make(chan error, 1),
		resume: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	h.volume.Store(math.Float64bits(1.0))

	go h.renderLoop(ctx, stream, buf, clip)
	return h, nil
}

// playbackHandle implements audio.Playback for a single clip.
type playbackHandle struct {
	done   chan error
	resume chan struct{}
	stop   chan struct{}

	paused   atomic.Bool
	volume   atomic.Uint64 // math.Float64bits
	stopOnce sync.Once
	doneOnce sync.Once
}

var _ audio.Playback = (*playbackHandle)(nil)

// Pause suspends rendering before the next output buffer.
func (h *playbackHandle) Pause() {
	h.paused.Store(true)
}

// Resume continues rendering after Pause.
func (h *playbackHandle) Resume() {
	if h.paused.CompareAndSwap(true, false) {
		select {
		case h.resume <- struct{}{}:
		default:
		}
	}
}

// Stop aborts rendering. Idempotent.
func (h *playbackHandle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
}

// SetVolume adjusts the gain applied to subsequently rendered samples.
func (h *playbackHandle) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	h.volume.Store(math.Float64bits(volume))
}

// Done returns the completion channel.
func (h *playbackHandle) Done() <-chan error { return h.done }

// finish delivers the terminal error exactly once and closes done.
func (h *playbackHandle) finish(err error) {
	h.doneOnce.Do(func() {
		if err != nil {
			h.done <- err
		}
		close(h.done)
	})
}

// renderLoop writes the clip to the output stream buffer by buffer, honouring
// pause, stop, volume, and context cancellation. The stream is stopped and
// closed on every exit path.
func (h *playbackHandle) renderLoop(ctx context.Context, stream *portaudio.Stream, buf []int16, clip audio.Clip) {
	defer func() {
		_ = stream.Stop()
		_ = stream.Close()
	}()

	pcm := clip.PCM
	for pos := 0; pos < len(pcm); {
		select {
		case <-ctx.Done():
			h.finish(ctx.Err())
			return
		case <-h.stop:
			h.finish(nil)
			return
		default:
		}

		if h.paused.Load() {
			select {
			case <-h.resume:
			case <-h.stop:
				h.finish(nil)
				return
			case <-ctx.Done():
				h.finish(ctx.Err())
				return
			}
			continue
		}

		gain := math.Float64frombits(h.volume.Load())
		n := 0
		for ; n < len(buf) && pos+1 < len(pcm); n++ {
			s := int16(pcm[pos]) | int16(pcm[pos+1])<<8
			buf[n] = int16(float64(s) * gain)
			pos += 2
		}
		// Zero-fill the tail of the final buffer.
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}

		if err := stream.Write(); err != nil {
			h.finish(fmt.Errorf("portaudio: write output: %w", err))
			return
		}
	}
	h.finish(nil)
}

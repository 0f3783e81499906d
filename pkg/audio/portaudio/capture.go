// Package portaudio provides PortAudio-backed implementations of the
// audio.CaptureDevice and audio.Renderer interfaces.
//
// PortAudio owns the host audio handles; both adapters release their streams
// on every exit path so that a crashed pipeline never leaks the microphone.
// Callers must invoke [Init] once per process before opening devices and
// [Terminate] during shutdown.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxline/pkg/audio"
)

// Init initialises the PortAudio host API. Call once before opening devices.
func Init() error {
	return portaudio.Initialize()
}

// Terminate releases the PortAudio host API. Call during process shutdown.
func Terminate() error {
	return portaudio.Terminate()
}

// Capture implements audio.CaptureDevice using the default PortAudio input
// device. Safe for concurrent use; only one capture may be active at a time.
type Capture struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ audio.CaptureDevice = (*Capture)(nil)

// NewCapture creates an idle capture device.
func NewCapture() *Capture {
	return &Capture{}
}

// Start exclusively acquires the default input device and begins delivering
// frames. Acquisition failures are mapped onto the audio package sentinels so
// the recovery manager can classify them.
func (c *Capture) Start(ctx context.Context, cfg audio.CaptureConfig) (<-chan audio.Frame, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 320 // 20 ms at 16 kHz
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return nil, errors.New("portaudio: capture already started")
	}

	buf := make([]int16, cfg.FrameSize*cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.FrameSize, buf)
	if err != nil {
		return nil, translateOpenError(err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start stream: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.stream = stream
	c.cancel = cancel

	frames := make(chan audio.Frame, 64)
	c.wg.Add(1)
	go c.captureLoop(loopCtx, stream, buf, cfg, frames)

	return frames, nil
}

// captureLoop reads fixed-size buffers from the stream until cancelled and
// forwards them as frames. The channel is closed and the stream released on
// every exit path.
func (c *Capture) captureLoop(ctx context.Context, stream *portaudio.Stream, buf []int16, cfg audio.CaptureConfig, frames chan<- audio.Frame) {
	defer c.wg.Done()
	defer close(frames)

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := stream.Read(); err != nil {
			// Device unplugged or stream aborted; end capture.
			return
		}

		data := make([]byte, len(buf)*2)
		for i, s := range buf {
			data[i*2] = byte(s)
			data[i*2+1] = byte(s >> 8)
		}

		frame := audio.Frame{
			Data:       data,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			Timestamp:  time.Since(start),
		}

		select {
		case frames <- frame:
		case <-ctx.Done():
			return
		default:
			// Consumer is behind; drop the frame rather than block capture.
		}
	}
}

// Stop ends capture and releases the input device. Idempotent.
func (c *Capture) Stop() error {
	c.mu.Lock()
	stream := c.stream
	cancel := c.cancel
	c.stream = nil
	c.cancel = nil
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	cancel()
	c.wg.Wait()

	errStop := stream.Stop()
	errClose := stream.Close()
	if errStop != nil {
		return fmt.Errorf("portaudio: stop stream: %w", errStop)
	}
	if errClose != nil {
		return fmt.Errorf("portaudio: close stream: %w", errClose)
	}
	return nil
}

// translateOpenError maps PortAudio open failures onto the audio package
// sentinel errors.
func translateOpenError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no device"), strings.Contains(msg, "invalid device"):
		return fmt.Errorf("%w: %v", audio.ErrDeviceNotFound, err)
	case strings.Contains(msg, "denied"), strings.Contains(msg, "access"):
		return fmt.Errorf("%w: %v", audio.ErrDeviceAccessDenied, err)
	default:
		return fmt.Errorf("portaudio: open stream: %w", err)
	}
}

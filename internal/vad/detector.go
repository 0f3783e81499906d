// Package vad implements energy-based voice activity detection with an
// adaptive threshold and hysteresis.
//
// A [Detector] drains the frame stream of an [audio.CaptureDevice], reduces
// each analysis window to a normalized RMS energy, and runs a two-state
// hysteresis machine over the result: entering Voice requires energy above
// the adaptive threshold sustained for MinSpeechDuration, leaving Voice
// requires energy below it for MinSilenceDuration. Start and end events
// strictly alternate.
//
// The adaptive threshold tracks ambient noise as twice the 30th percentile of
// the recent energy history, floored at the configured minimum.
package vad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
)

// Defaults applied by [NewDetector] for zero-valued config fields.
const (
	defaultMinThreshold       = 0.01
	defaultMinSpeechDuration  = 300 * time.Millisecond
	defaultMinSilenceDuration = 500 * time.Millisecond
	defaultHistorySize        = 10
	defaultSampleRate         = 16000
	defaultWindowSize         = 2048
)

// Config holds the tuning parameters for a [Detector].
type Config struct {
	// MinThreshold is the floor for the adaptive threshold. Default: 0.01.
	MinThreshold float64

	// MinSpeechDuration is how long energy must stay above the threshold
	// before a voice start is emitted. Default: 300 ms.
	MinSpeechDuration time.Duration

	// MinSilenceDuration is how long energy must stay below the threshold
	// before a voice end is emitted. Default: 500 ms.
	MinSilenceDuration time.Duration

	// HistorySize caps the energy history ring. Default: 10.
	HistorySize int

	// SampleRate of the capture stream in Hz. Default: 16000.
	SampleRate int

	// WindowSize is the analysis window in samples. Default: 2048.
	WindowSize int
}

// withDefaults returns cfg with zero values replaced.
func (c Config) withDefaults() Config {
	if c.MinThreshold <= 0 {
		c.MinThreshold = defaultMinThreshold
	}
	if c.MinSpeechDuration <= 0 {
		c.MinSpeechDuration = defaultMinSpeechDuration
	}
	if c.MinSilenceDuration <= 0 {
		c.MinSilenceDuration = defaultMinSilenceDuration
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.SampleRate <= 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.WindowSize <= 0 {
		c.WindowSize = defaultWindowSize
	}
	return c
}

// Listener receives detection events. Callbacks are invoked synchronously
// from the detector goroutine and must not block.
type Listener interface {
	// VoiceStart is emitted exactly once when the Voice state is entered.
	VoiceStart(at time.Time)

	// VoiceEnd is emitted exactly once when the Voice state is left.
	VoiceEnd(at time.Time)

	// VoiceActivity fires for every analysis window while in the Voice state.
	VoiceActivity(active bool, confidence float64)
}

// Detector runs voice activity detection over a capture device's frame
// stream. Safe for concurrent use; the detection loop itself is a single
// goroutine.
type Detector struct {
	cfg    Config
	device audio.CaptureDevice
	now    func() time.Time

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
	state     *DetectionState
	listening bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

// NewDetector creates a detector over the given capture device.
func NewDetector(device audio.CaptureDevice, cfg Config) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		cfg:       cfg,
		device:    device,
		now:       time.Now,
		listeners: make(map[int]Listener),
		state:     newDetectionState(cfg.HistorySize, cfg.MinThreshold),
	}
}

// Subscribe registers a listener and returns its unsubscribe function.
// Multiple listeners may be active at once.
func (d *Detector) Subscribe(l Listener) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = l
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

// IsListening reports whether a detection loop is currently running.
func (d *Detector) IsListening() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listening
}

// IsVoiceActive reports whether the detector is currently in the Voice state.
func (d *Detector) IsVoiceActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.isVoiceActive
}

// AdaptiveThreshold returns the current adaptive threshold. Never below the
// configured minimum.
func (d *Detector) AdaptiveThreshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.adaptiveThreshold
}

// Start exclusively acquires the microphone and begins the detection loop.
// Returns the device's error (wrapping [audio.ErrDeviceAccessDenied] or
// [audio.ErrDeviceNotFound]) when acquisition fails.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.listening {
		d.mu.Unlock()
		return errors.New("vad: detection already running")
	}
	d.mu.Unlock()

	frames, err := d.device.Start(ctx, audio.CaptureConfig{
		SampleRate: d.cfg.SampleRate,
		Channels:   1,
	})
	if err != nil {
		return fmt.Errorf("vad: acquire microphone: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	d.mu.Lock()
	d.listening = true
	d.cancel = cancel
	d.loopDone = done
	d.state.reset(d.cfg.MinThreshold)
	d.mu.Unlock()

	go d.detectLoop(loopCtx, frames, done)

	slog.Info("voice detection started",
		"sample_rate", d.cfg.SampleRate,
		"window_size", d.cfg.WindowSize,
		"min_threshold", d.cfg.MinThreshold,
	)
	return nil
}

// Stop cancels the detection loop, stops the capture device, and clears all
// detection state. Safe to call repeatedly; extra calls are no-ops.
func (d *Detector) Stop() error {
	d.mu.Lock()
	if !d.listening {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	done := d.loopDone
	d.cancel = nil
	d.loopDone = nil
	d.mu.Unlock()

	cancel()
	err := d.device.Stop()
	if done != nil {
		<-done
	}

	d.mu.Lock()
	d.listening = false
	d.state.reset(d.cfg.MinThreshold)
	d.mu.Unlock()

	slog.Info("voice detection stopped")
	return err
}

// detectLoop drains frames, computes window energies, and advances the
// hysteresis machine. One short, non-blocking pass per analysis window.
func (d *Detector) detectLoop(ctx context.Context, frames <-chan audio.Frame, done chan<- struct{}) {
	defer close(done)

	analyzer := audio.NewEnergyAnalyzer(d.cfg.WindowSize)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			for _, energy := range analyzer.Push(frame.Data) {
				d.observe(energy, d.now())
			}
		}
	}
}

// observe advances the detection state by one energy sample.
func (d *Detector) observe(energy float64, now time.Time) {
	d.mu.Lock()
	s := d.state
	s.push(energy)
	threshold := s.updateThreshold(d.cfg.MinThreshold)
	conf := s.confidence(energy)
	frameActive := energy > threshold

	var startedAt, endedAt time.Time
	active := s.isVoiceActive

	if !active {
		if frameActive {
			if s.activeSince.IsZero() {
				s.activeSince = now
			}
			if now.Sub(s.activeSince) >= d.cfg.MinSpeechDuration {
				s.isVoiceActive = true
				s.voiceStart = s.activeSince
				s.inactiveSince = time.Time{}
				startedAt = now
				active = true
			}
		} else {
			s.activeSince = time.Time{}
		}
	} else {
		if !frameActive {
			if s.inactiveSince.IsZero() {
				s.inactiveSince = now
				s.silenceStart = now
			}
			if now.Sub(s.inactiveSince) >= d.cfg.MinSilenceDuration {
				s.isVoiceActive = false
				s.activeSince = time.Time{}
				s.inactiveSince = time.Time{}
				endedAt = now
				active = false
			}
		} else {
			s.inactiveSince = time.Time{}
		}
	}

	listeners := make([]Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		listeners = append(listeners, l)
	}
	d.mu.Unlock()

	for _, l := range listeners {
		if !startedAt.IsZero() {
			l.VoiceStart(startedAt)
		}
		if active {
			l.VoiceActivity(true, conf)
		}
		if !endedAt.IsZero() {
			l.VoiceEnd(endedAt)
		}
	}
}

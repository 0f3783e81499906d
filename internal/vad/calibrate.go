package vad

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
)

// calibrationFloor is the lowest threshold calibration will produce, so a
// dead-quiet room cannot disable detection entirely.
const calibrationFloor = 0.005

// Calibrate passively samples ambient energy for the given duration and
// replaces the configured minimum threshold with 1.5 times the 80th
// percentile of the observed energies, bounded below by a floor. Run once
// before a session, while nobody is speaking.
//
// Calibrate must not be called while detection is running.
func (d *Detector) Calibrate(ctx context.Context, duration time.Duration) (float64, error) {
	d.mu.Lock()
	if d.listening {
		d.mu.Unlock()
		return 0, fmt.Errorf("vad: cannot calibrate while detection is running")
	}
	d.mu.Unlock()

	frames, err := d.device.Start(ctx, audio.CaptureConfig{
		SampleRate: d.cfg.SampleRate,
		Channels:   1,
	})
	if err != nil {
		return 0, fmt.Errorf("vad: acquire microphone for calibration: %w", err)
	}
	defer func() {
		_ = d.device.Stop()
	}()

	analyzer := audio.NewEnergyAnalyzer(d.cfg.WindowSize)
	var samples []float64

	deadline := time.NewTimer(duration)
	defer deadline.Stop()

sample:
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			break sample
		case frame, ok := <-frames:
			if !ok {
				break sample
			}
			samples = append(samples, analyzer.Push(frame.Data)...)
		}
	}

	threshold := calibratedThreshold(samples)

	d.mu.Lock()
	d.cfg.MinThreshold = threshold
	d.state.reset(threshold)
	d.mu.Unlock()

	slog.Info("ambient calibration complete",
		"samples", len(samples),
		"threshold", threshold,
	)
	return threshold, nil
}

// calibratedThreshold derives a detection threshold from ambient energy
// samples: P80 × 1.5, floored. With no samples the floor is returned.
func calibratedThreshold(samples []float64) float64 {
	if len(samples) == 0 {
		return calibrationFloor
	}
	return math.Max(percentile(samples, 0.80)*1.5, calibrationFloor)
}

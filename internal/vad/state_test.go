package vad

import (
	"math"
	"testing"
)

func TestDetectionState_HistoryBounded(t *testing.T) {
	s := newDetectionState(10, 0.01)
	for i := 0; i < 50; i++ {
		s.push(float64(i))
		if len(s.history) > 10 {
			t.Fatalf("history length %d exceeds cap 10", len(s.history))
		}
	}
	// Oldest entries dropped: ring should hold 40..49.
	if s.history[0] != 40 || s.history[9] != 49 {
		t.Errorf("ring = %v, want 40..49", s.history)
	}
}

func TestDetectionState_ThresholdBeforeMinHistory(t *testing.T) {
	s := newDetectionState(10, 0.02)
	s.push(0.5)
	s.push(0.5)
	if got := s.updateThreshold(0.02); got != 0.02 {
		t.Errorf("threshold with 2 samples = %v, want configured minimum 0.02", got)
	}
	s.push(0.5)
	if got := s.updateThreshold(0.02); got != 1.0 {
		t.Errorf("threshold with 3 samples = %v, want P30*2 = 1.0", got)
	}
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		p      float64
		want   float64
	}{
		{"empty", nil, 0.5, 0},
		{"single", []float64{3}, 0.3, 3},
		{"p30 of ten", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 0.30, 4},
		{"p80 of ten", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 0.80, 9},
		{"unsorted input", []float64{9, 1, 5}, 0.0, 1},
		{"top", []float64{1, 2, 3}, 1.0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := percentile(tt.values, tt.p); got != tt.want {
				t.Errorf("percentile(%v, %v) = %v, want %v", tt.values, tt.p, got, tt.want)
			}
		})
	}
}

func TestCalibratedThreshold(t *testing.T) {
	// Quiet room: P80 * 1.5 below the floor.
	quiet := []float64{0.001, 0.001, 0.002, 0.001, 0.002}
	if got := calibratedThreshold(quiet); got != calibrationFloor {
		t.Errorf("quiet threshold = %v, want floor %v", got, calibrationFloor)
	}

	// Noisy room: P80 of 0.1s is 0.1, threshold 0.15.
	noisy := []float64{0.1, 0.1, 0.1, 0.1, 0.1}
	if got := calibratedThreshold(noisy); math.Abs(got-0.15) > 1e-9 {
		t.Errorf("noisy threshold = %v, want 0.15", got)
	}

	if got := calibratedThreshold(nil); got != calibrationFloor {
		t.Errorf("empty threshold = %v, want floor", got)
	}
}

package vad

import (
	"math"
	"sort"
	"time"
)

// minHistoryForAdaptive is the number of energy samples required before the
// adaptive threshold formula engages. Below this the configured minimum is
// used directly.
const minHistoryForAdaptive = 3

// confidenceEpsilon guards the confidence division against a zero threshold.
const confidenceEpsilon = 1e-9

// DetectionState holds the mutable state of one detection run: the bounded
// energy history ring, the current adaptive threshold, and the hysteresis
// timers. It is owned by the detector goroutine and needs no locking.
type DetectionState struct {
	history []float64
	cap     int

	adaptiveThreshold float64
	isVoiceActive     bool

	voiceStart   time.Time // set when the Voice state is entered
	silenceStart time.Time // set when sustained silence begins inside Voice

	activeSince   time.Time // first consecutive frame above threshold (Silence state)
	inactiveSince time.Time // first consecutive frame below threshold (Voice state)
}

// newDetectionState creates a state with the given history capacity.
func newDetectionState(historyCap int, minThreshold float64) *DetectionState {
	if historyCap <= 0 {
		historyCap = defaultHistorySize
	}
	return &DetectionState{
		history:           make([]float64, 0, historyCap),
		cap:               historyCap,
		adaptiveThreshold: minThreshold,
	}
}

// push appends an energy sample, dropping the oldest beyond capacity.
func (s *DetectionState) push(energy float64) {
	if len(s.history) == s.cap {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, energy)
}

// updateThreshold recomputes the adaptive threshold from the history.
// The formula — twice the 30th percentile of recent energies — is a tunable
// heuristic, not a derived law. The configured minimum is always a floor, so
// adaptiveThreshold ≥ minThreshold holds for every input sequence.
func (s *DetectionState) updateThreshold(minThreshold float64) float64 {
	if len(s.history) < minHistoryForAdaptive {
		s.adaptiveThreshold = minThreshold
		return s.adaptiveThreshold
	}
	s.adaptiveThreshold = math.Max(percentile(s.history, 0.30)*2, minThreshold)
	return s.adaptiveThreshold
}

// confidence maps an energy reading onto [0, 1] relative to the threshold.
func (s *DetectionState) confidence(energy float64) float64 {
	return math.Min(energy/math.Max(s.adaptiveThreshold, confidenceEpsilon), 1)
}

// reset clears history and all hysteresis timers.
func (s *DetectionState) reset(minThreshold float64) {
	s.history = s.history[:0]
	s.adaptiveThreshold = minThreshold
	s.isVoiceActive = false
	s.voiceStart = time.Time{}
	s.silenceStart = time.Time{}
	s.activeSince = time.Time{}
	s.inactiveSince = time.Time{}
}

// percentile returns the p-th percentile (p in [0, 1]) of values using the
// nearest-rank method on a sorted copy.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

package audio

import (
	"encoding/binary"
	"math"
)

// defaultWindowSize is the analysis window in samples when none is configured.
// It matches the FFT size of the analysis graph the detector models.
const defaultWindowSize = 2048

// EnergyAnalyzer computes normalized RMS energy over fixed-size sample
// windows. Incoming PCM frames are accumulated until a full window is
// available; each complete window yields one energy value in [0, 1].
//
// An EnergyAnalyzer is not safe for concurrent use; it is owned by the single
// goroutine that drains a capture stream.
type EnergyAnalyzer struct {
	windowSize int
	window     []int16
}

// NewEnergyAnalyzer creates an analyzer with the given window size in samples.
// windowSize values ≤ 0 select the default of 2048.
func NewEnergyAnalyzer(windowSize int) *EnergyAnalyzer {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	return &EnergyAnalyzer{
		windowSize: windowSize,
		window:     make([]int16, 0, windowSize),
	}
}

// Push appends a frame of 16-bit little-endian PCM and returns one energy
// value per analysis window completed by this frame. Returns nil when the
// window is still filling.
func (a *EnergyAnalyzer) Push(pcm []byte) []float64 {
	var energies []float64
	for i := 0; i+1 < len(pcm); i += 2 {
		a.window = append(a.window, int16(binary.LittleEndian.Uint16(pcm[i:])))
		if len(a.window) == a.windowSize {
			energies = append(energies, rmsEnergy(a.window))
			a.window = a.window[:0]
		}
	}
	return energies
}

// Flush computes the energy of any partially filled window and resets the
// analyzer. Returns (0, false) when no samples are buffered.
func (a *EnergyAnalyzer) Flush() (float64, bool) {
	if len(a.window) == 0 {
		return 0, false
	}
	e := rmsEnergy(a.window)
	a.window = a.window[:0]
	return e, true
}

// Reset discards any buffered samples.
func (a *EnergyAnalyzer) Reset() {
	a.window = a.window[:0]
}

// rmsEnergy returns the root-mean-square of samples normalized to [0, 1]
// against full-scale 16-bit PCM.
func rmsEnergy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum/float64(len(samples))) / 32768.0
}

package level

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Analyser produces a byte magnitude spectrum from the most recent fftSize
// samples, the way a browser AnalyserNode does: Blackman window, FFT,
// per-bin exponential smoothing, then a linear map from [minDB, maxDB] onto
// 0..255.
//
// Analyser is not safe for concurrent use.
type Analyser struct {
	fftSize   int
	smoothing float64
	minDB     float64
	maxDB     float64

	fft      *fourier.FFT
	ring     []float64 // last fftSize samples
	pos      int       // next write index in ring
	frame    []float64 // windowed copy handed to the FFT
	coeffs   []complex128
	smoothed []float64 // one per bin
}

// NewAnalyser returns an Analyser. fftSize must be a power of two ≥ 32.
func NewAnalyser(fftSize int, smoothing, minDB, maxDB float64) *Analyser {
	return &Analyser{
		fftSize:   fftSize,
		smoothing: smoothing,
		minDB:     minDB,
		maxDB:     maxDB,
		fft:       fourier.NewFFT(fftSize),
		ring:      make([]float64, fftSize),
		frame:     make([]float64, fftSize),
		coeffs:    make([]complex128, fftSize/2+1),
		smoothed:  make([]float64, fftSize/2),
	}
}

// Bins returns the number of frequency bins, fftSize/2.
func (a *Analyser) Bins() int { return a.fftSize / 2 }

// Write appends samples in [-1, 1] to the time-domain buffer. Only the last
// fftSize samples are kept.
func (a *Analyser) Write(samples []float64) {
	if len(samples) >= a.fftSize {
		copy(a.ring, samples[len(samples)-a.fftSize:])
		a.pos = 0
		return
	}
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % a.fftSize
	}
}

// Reset clears the sample buffer and the smoothing history.
func (a *Analyser) Reset() {
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}

// ByteFrequencyData computes the current spectrum into dst, which is grown to
// Bins() entries if needed, and returns it. Each call advances the smoothing
// state by one step.
func (a *Analyser) ByteFrequencyData(dst []byte) []byte {
	n := a.Bins()
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]

	// Oldest sample first.
	copy(a.frame, a.ring[a.pos:])
	copy(a.frame[a.fftSize-a.pos:], a.ring[:a.pos])
	window.Blackman(a.frame)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	scale := 255 / (a.maxDB - a.minDB)
	for k := range n {
		mag := cmplx.Abs(a.coeffs[k]) / float64(a.fftSize)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag

		db := math.Inf(-1)
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := math.Floor(scale * (db - a.minDB))
		switch {
		case math.IsNaN(v) || v < 0:
			dst[k] = 0
		case v > 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
	return dst
}

// Mean returns the arithmetic mean of a byte spectrum.
func Mean(spectrum []byte) float64 {
	if len(spectrum) == 0 {
		return 0
	}
	sum := 0
	for _, b := range spectrum {
		sum += int(b)
	}
	return float64(sum) / float64(len(spectrum))
}

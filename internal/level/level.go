// Package level derives a voice-activity intensity from the microphone track
// for visual feedback.
//
// A [Sensor] taps the audio track and recomputes a byte magnitude spectrum on
// a fixed cadence (60 Hz by default). It publishes the arithmetic mean of that
// spectrum through an atomic value. The sensor is lossy: frames that arrive
// faster than it can read are dropped by the tap, and no history is kept.
package level

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/liveinterview/pkg/media"
)

// Source is where the sensor reads audio from. [*media.Stream] implements it.
type Source interface {
	Tap(kind media.Kind, buffer int) (<-chan media.Frame, bool)
	Untap(kind media.Kind, frames <-chan media.Frame)
}

var _ Source = (*media.Stream)(nil)

// Option configures a [Sensor].
type Option func(*Sensor)

// WithInterval sets the recompute cadence. Default: 1/60 s.
func WithInterval(d time.Duration) Option {
	return func(s *Sensor) {
		s.interval = d
	}
}

// WithFFTSize sets the analyser window. Default: 64.
func WithFFTSize(n int) Option {
	return func(s *Sensor) {
		s.fftSize = n
	}
}

// WithSmoothing sets the per-bin smoothing constant in [0, 1). Default: 0.8.
func WithSmoothing(v float64) Option {
	return func(s *Sensor) {
		s.smoothing = v
	}
}

// WithDecibelRange sets the range mapped onto 0..255. Default: -100..-30 dB.
func WithDecibelRange(minDB, maxDB float64) Option {
	return func(s *Sensor) {
		s.minDB, s.maxDB = minDB, maxDB
	}
}

// WithOnLevel registers a callback invoked from the sensor goroutine after
// each recompute. It must not block.
func WithOnLevel(fn func(float64)) Option {
	return func(s *Sensor) {
		s.onLevel = fn
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sensor) {
		if l != nil {
			s.logger = l
		}
	}
}

// Sensor is safe for concurrent use.
type Sensor struct {
	interval  time.Duration
	fftSize   int
	smoothing float64
	minDB     float64
	maxDB     float64
	onLevel   func(float64)
	logger    *slog.Logger

	level atomic.Uint64 // math.Float64bits of the current level

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a stopped Sensor.
func New(opts ...Option) *Sensor {
	s := &Sensor{
		interval:  time.Second / 60,
		fftSize:   64,
		smoothing: 0.8,
		minDB:     -100,
		maxDB:     -30,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Level returns the most recent intensity, a value in [0, 255]. It is zero
// while the sensor is stopped.
func (s *Sensor) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

// Start begins sampling the audio track of src. It reports false when src has
// no audio track. Starting a running sensor is a no-op.
func (s *Sensor) Start(ctx context.Context, src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return true
	}
	frames, ok := src.Tap(media.KindAudio, 8)
	if !ok {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, src, frames, s.done)
	return true
}

// Stop cancels the sampling task without waiting for it and resets the level
// to zero. Stopping a stopped sensor is a no-op.
func (s *Sensor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	s.level.Store(0)
}

// Done returns a channel closed once the last started task has exited. It is
// nil before the first Start.
func (s *Sensor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Sensor) run(ctx context.Context, src Source, frames <-chan media.Frame, done chan struct{}) {
	defer close(done)
	defer src.Untap(media.KindAudio, frames)
	defer s.publish(0)

	analyser := NewAnalyser(s.fftSize, s.smoothing, s.minDB, s.maxDB)
	spectrum := make([]byte, analyser.Bins())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				s.logger.Debug("level: audio track ended")
				return
			}
			pcm := f.Data
			if f.Channels > 1 {
				pcm = media.DownmixMono(pcm, f.Channels)
			}
			analyser.Write(media.Samples(pcm))
		case <-ticker.C:
			spectrum = analyser.ByteFrequencyData(spectrum)
			if ctx.Err() != nil {
				return
			}
			s.publish(Mean(spectrum))
		}
	}
}

func (s *Sensor) publish(v float64) {
	s.level.Store(math.Float64bits(v))
	if s.onLevel != nil {
		s.onLevel(v)
	}
}

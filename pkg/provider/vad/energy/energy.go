// Package energy provides a pure-Go [vad.Engine] that classifies frames by
// their RMS energy, with hysteresis so short dips and bursts do not flip the
// speech state.
//
// The speech probability of a frame is its normalised RMS level divided by a
// reference level, clamped to [0, 1]. With the default reference of 0.03 a
// [vad.Config.SpeechThreshold] of 0.5 starts speech at roughly 1.5% of full
// scale.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/liveinterview/pkg/media"
	"github.com/MrWong99/liveinterview/pkg/provider/vad"
)

const (
	defaultReference     = 0.03
	defaultSpeechFrames  = 3
	defaultSilenceFrames = 30
)

// Option configures an [Engine].
type Option func(*Engine)

// WithReference sets the normalised RMS level that maps to probability 1.
func WithReference(ref float64) Option {
	return func(e *Engine) {
		if ref > 0 {
			e.reference = ref
		}
	}
}

// WithSpeechFrames sets how many consecutive loud frames start speech.
// Default: 3.
func WithSpeechFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.speechFrames = n
		}
	}
}

// WithSilenceFrames sets how many consecutive quiet frames end speech.
// Default: 30 (600 ms at 20 ms frames).
func WithSilenceFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.silenceFrames = n
		}
	}
}

// Engine creates energy-based VAD sessions. It is safe for concurrent use.
type Engine struct {
	reference     float64
	speechFrames  int
	silenceFrames int
}

// New returns an Engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{
		reference:     defaultReference,
		speechFrames:  defaultSpeechFrames,
		silenceFrames: defaultSilenceFrames,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &session{
		cfg:           cfg,
		frameBytes:    cfg.FrameBytes(),
		reference:     e.reference,
		speechFrames:  e.speechFrames,
		silenceFrames: e.silenceFrames,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

var errClosed = errors.New("energy: session is closed")

type session struct {
	cfg           vad.Config
	frameBytes    int
	reference     float64
	speechFrames  int
	silenceFrames int

	mu           sync.Mutex
	inSpeech     bool
	speechCount  int
	silenceCount int
	closed       bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	p := min(media.RMS(frame)/32768.0/s.reference, 1)
	ev := vad.VADEvent{Probability: p}

	if s.inSpeech {
		if p < s.cfg.SilenceThreshold {
			s.silenceCount++
			if s.silenceCount >= s.silenceFrames {
				s.inSpeech = false
				s.silenceCount = 0
				ev.Type = vad.VADSpeechEnd
				return ev, nil
			}
		} else {
			s.silenceCount = 0
		}
		ev.Type = vad.VADSpeechContinue
		return ev, nil
	}

	if p >= s.cfg.SpeechThreshold {
		s.speechCount++
		if s.speechCount >= s.speechFrames {
			s.inSpeech = true
			s.speechCount = 0
			ev.Type = vad.VADSpeechStart
			return ev, nil
		}
	} else {
		s.speechCount = 0
	}
	ev.Type = vad.VADSilence
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.speechCount = 0
	s.silenceCount = 0
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

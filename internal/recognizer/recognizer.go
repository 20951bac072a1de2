// Package recognizer turns the live microphone track into finalised user
// utterances.
//
// A [Recognizer] taps the audio track of a media stream, converts frames to the
// speech backend's input format, and feeds an stt session. Only final
// transcripts leave the package: they are trimmed, NFC-normalised, and dropped
// when empty. Streams that end are restarted; a circuit breaker decides when
// repeated failures stop being transient.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/MrWong99/liveinterview/internal/resilience"
	"github.com/MrWong99/liveinterview/pkg/media"
	"github.com/MrWong99/liveinterview/pkg/provider/stt"
)

var (
	// ErrNoAudio is returned by Enable when the source has no audio track.
	ErrNoAudio = errors.New("recognizer: no audio track")

	// ErrAudioEnded is reported when the audio track ends while enabled.
	ErrAudioEnded = errors.New("recognizer: audio track ended")

	// ErrStreamEnded is reported when the speech backend ends a stream
	// without naming an error, typically after a stretch of no speech. It is
	// never permanent and does not count as a failed stream.
	ErrStreamEnded = errors.New("recognizer: stream ended")
)

// Source is where the recognizer reads audio from. [*media.Stream] implements
// it.
type Source interface {
	Tap(kind media.Kind, buffer int) (<-chan media.Frame, bool)
	Untap(kind media.Kind, frames <-chan media.Frame)
}

var _ Source = (*media.Stream)(nil)

// Sink receives the recognizer's output. Calls come from the recognizer's own
// goroutine and must not block.
type Sink interface {
	// Utterance delivers one finalised, trimmed, non-empty utterance.
	Utterance(text string)

	// RecognitionError reports a failed stream. When permanent is true the
	// recognizer has disabled itself.
	RecognitionError(err error, permanent bool)
}

// Option configures a [Recognizer].
type Option func(*Recognizer)

// WithLanguage sets the BCP-47 language passed to the speech backend.
func WithLanguage(lang string) Option {
	return func(r *Recognizer) {
		r.language = lang
	}
}

// WithKeywords sets vocabulary boosts passed to the speech backend.
func WithKeywords(kw []stt.KeywordBoost) Option {
	return func(r *Recognizer) {
		r.keywords = kw
	}
}

// WithFormat sets the PCM format streamed to the backend. Default: 16 kHz mono.
func WithFormat(f media.Format) Option {
	return func(r *Recognizer) {
		r.format = f
	}
}

// WithRestartDelay sets the pause before reopening a failed stream.
// Default: 250 ms.
func WithRestartDelay(d time.Duration) Option {
	return func(r *Recognizer) {
		r.restartDelay = d
	}
}

// WithBreaker configures the circuit breaker guarding stream restarts.
// Default: five consecutive streams failing with an error disable the
// recognizer. Streams that end cleanly are not failures.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(r *Recognizer) {
		r.breakerCfg = cfg
	}
}

// WithLatencyObserver registers fn to receive, for each final transcript that
// carries timing, the delay between the end of the utterance and its arrival.
// fn is called from the recognizer goroutine and must not block.
func WithLatencyObserver(fn func(time.Duration)) Option {
	return func(r *Recognizer) {
		r.latency = fn
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Recognizer) {
		r.logger = l
	}
}

// Recognizer is safe for concurrent use.
type Recognizer struct {
	provider     stt.Provider
	sink         Sink
	language     string
	keywords     []stt.KeywordBoost
	format       media.Format
	restartDelay time.Duration
	breakerCfg   resilience.CircuitBreakerConfig
	breaker      *resilience.CircuitBreaker
	latency      func(time.Duration)
	logger       *slog.Logger

	mu      sync.Mutex
	gen     uint64 // incremented on every Enable
	enabled bool
	cancel  context.CancelFunc
	source  Source
	frames  <-chan media.Frame
	done    chan struct{}
}

// New returns a disabled Recognizer.
func New(p stt.Provider, sink Sink, opts ...Option) *Recognizer {
	r := &Recognizer{
		provider:     p,
		sink:         sink,
		format:       media.Format{SampleRate: 16000, Channels: 1},
		restartDelay: 250 * time.Millisecond,
		breakerCfg:   resilience.CircuitBreakerConfig{MaxFailures: 5},
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.breakerCfg.Name == "" {
		r.breakerCfg.Name = "recognizer"
	}
	if r.breakerCfg.Logger == nil {
		r.breakerCfg.Logger = r.logger
	}
	r.breaker = resilience.NewCircuitBreaker(r.breakerCfg)
	return r
}

// Enable starts recognition on the audio track of src. Enabling an enabled
// recognizer is a no-op. The recognizer runs until Disable, until ctx ends,
// or until a permanent error.
func (r *Recognizer) Enable(ctx context.Context, src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		return nil
	}
	frames, ok := src.Tap(media.KindAudio, 64)
	if !ok {
		return ErrNoAudio
	}

	r.gen++
	runCtx, cancel := context.WithCancel(ctx)
	r.enabled = true
	r.cancel = cancel
	r.source = src
	r.frames = frames
	r.done = make(chan struct{})
	r.breaker.Reset()

	go r.run(runCtx, r.gen, frames, r.done)
	r.logger.Debug("recognizer: enabled", "generation", r.gen)
	return nil
}

// Disable stops recognition. It does not wait for the backend stream to
// close, and it never revokes utterances already delivered. Disabling a
// disabled recognizer is a no-op.
func (r *Recognizer) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disableLocked()
}

// Enabled reports whether the recognizer is running.
func (r *Recognizer) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Done returns a channel closed when the current (or last) run has fully
// stopped. It is nil before the first Enable.
func (r *Recognizer) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Recognizer) disableLocked() {
	if !r.enabled {
		return
	}
	r.enabled = false
	r.cancel()
	r.source.Untap(media.KindAudio, r.frames)
	r.source, r.frames = nil, nil
	r.logger.Debug("recognizer: disabled", "generation", r.gen)
}

// current reports whether gen is still the enabled generation.
func (r *Recognizer) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled && r.gen == gen
}

// ---- run loop ----

func (r *Recognizer) run(ctx context.Context, gen uint64, frames <-chan media.Frame, done chan struct{}) {
	defer close(done)
	conv := &media.Converter{Target: r.format}

	for {
		var streamErr error
		cbErr := r.breaker.Execute(func() error {
			heard, err := r.stream(ctx, gen, frames, conv)
			streamErr = err
			if heard || err == nil || errors.Is(err, ErrStreamEnded) {
				// Speech, or a clean end after silence, resets the failure
				// count. Only streams that fail count towards the breaker.
				return nil
			}
			return err
		})
		if ctx.Err() != nil || !r.current(gen) {
			return
		}
		err := streamErr
		if errors.Is(cbErr, resilience.ErrCircuitOpen) {
			err = cbErr
		}
		if err == nil {
			continue
		}

		permanent := errors.Is(err, stt.ErrPermanent) || errors.Is(err, ErrAudioEnded) ||
			errors.Is(err, resilience.ErrCircuitOpen)
		if !permanent && r.breaker.State() == resilience.StateOpen {
			err = fmt.Errorf("recognizer: %w after repeated failures: %w", resilience.ErrCircuitOpen, err)
			permanent = true
		}

		if permanent {
			r.logger.Warn("recognizer: disabled after permanent error", "err", err)
			r.mu.Lock()
			if r.gen == gen {
				r.disableLocked()
			}
			r.mu.Unlock()
			r.sink.RecognitionError(err, true)
			return
		}

		r.logger.Debug("recognizer: restarting stream", "err", err, "failures", r.breaker.Failures())
		r.sink.RecognitionError(err, false)

		t := time.NewTimer(r.restartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// stream runs one backend session until it ends, the track ends, or ctx is
// done. heard reports whether at least one utterance was delivered. A nil
// error means ctx ended.
func (r *Recognizer) stream(ctx context.Context, gen uint64, frames <-chan media.Frame, conv *media.Converter) (heard bool, err error) {
	h, err := r.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: r.format.SampleRate,
		Channels:   r.format.Channels,
		Language:   r.language,
		Keywords:   r.keywords,
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("recognizer: start stream: %w", err)
	}
	defer h.Close()
	started := time.Now()

	partials := h.Partials()
	finals := h.Finals()
	for {
		select {
		case <-ctx.Done():
			return heard, nil

		case f, ok := <-frames:
			if !ok {
				return heard, ErrAudioEnded
			}
			out := conv.Convert(f)
			if len(out.Data) == 0 {
				continue
			}
			if err := h.SendAudio(out.Data); err != nil {
				// The stream is ending; finals will close shortly.
				r.logger.Debug("recognizer: send audio", "err", err)
			}

		case _, ok := <-partials:
			if !ok {
				partials = nil
			}

		case t, ok := <-finals:
			if !ok {
				if serr := h.Err(); serr != nil {
					return heard, fmt.Errorf("recognizer: stream: %w", serr)
				}
				return heard, ErrStreamEnded
			}
			text := Normalize(t.Text)
			if text == "" {
				continue
			}
			heard = true
			if r.latency != nil && t.Duration > 0 {
				if d := time.Since(started) - (t.Timestamp + t.Duration); d >= 0 {
					r.latency(d)
				}
			}
			if ctx.Err() == nil && r.current(gen) {
				r.sink.Utterance(text)
			}
		}
	}
}

// Normalize returns text in NFC form with surrounding whitespace removed.
func Normalize(text string) string {
	return strings.TrimSpace(norm.NFC.String(text))
}

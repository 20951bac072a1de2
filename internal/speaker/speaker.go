// Package speaker vocalises the agent's turns one at a time.
//
// A [Speaker] owns a FIFO queue of agent utterances and a single dispatch
// goroutine that hands each one to a [Renderer]. Every queued utterance is
// reported to the [Notifier] exactly once as finished, whether it played to
// completion, failed, or was cancelled. The session controller counts these
// notifications to know when the agent has stopped talking.
package speaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCancelled is reported for utterances dropped from the queue by
// [Speaker.Cancel] or [Speaker.Close] before they started rendering.
var ErrCancelled = errors.New("speaker: cancelled")

// DefaultTail is how long the speaker keeps an utterance "in flight" after its
// renderer returns, so room echo of the last syllables dies down before the
// microphone pipeline is trusted again.
const DefaultTail = 800 * time.Millisecond

// Renderer vocalises one utterance. Render blocks until the utterance has been
// spoken or ctx is cancelled.
type Renderer interface {
	Render(ctx context.Context, text string) error
}

// RendererFunc adapts a plain function to [Renderer].
type RendererFunc func(ctx context.Context, text string) error

// Render calls f.
func (f RendererFunc) Render(ctx context.Context, text string) error { return f(ctx, text) }

// Notifier receives the lifecycle of each queued utterance. Calls come from
// the speaker's dispatch goroutine, or from the goroutine calling Cancel, and
// must not block.
type Notifier interface {
	// SpeechStarted is called when rendering of utterance id begins.
	SpeechStarted(id uint64)

	// SpeechFinished is called exactly once per utterance id. err is nil on
	// completion, wraps [ErrCancelled] or context.Canceled when cancelled, and
	// carries the renderer error otherwise.
	SpeechFinished(id uint64, err error)
}

// Option configures a [Speaker].
type Option func(*Speaker)

// WithTail sets the hold time after each render. Zero disables it.
func WithTail(d time.Duration) Option {
	return func(s *Speaker) {
		s.tail = d
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Speaker) {
		s.logger = l
	}
}

type utterance struct {
	id   uint64
	text string
}

// Speaker is a FIFO render queue. All exported methods are safe for concurrent
// use.
type Speaker struct {
	renderer Renderer
	notifier Notifier
	tail     time.Duration
	logger   *slog.Logger

	mu            sync.Mutex
	queue         []utterance
	seq           uint64
	playing       uint64 // id of the utterance being rendered, 0 if idle
	cancelPlaying context.CancelFunc

	notify chan struct{} // signalled when an utterance is enqueued
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	closed bool
}

// New creates a Speaker and starts its dispatch goroutine. Call Close to stop
// it.
func New(r Renderer, n Notifier, opts ...Option) *Speaker {
	s := &Speaker{
		renderer: r,
		notifier: n,
		tail:     DefaultTail,
		logger:   slog.Default(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.dispatch()
	return s
}

// Say queues text for rendering and returns its id. ok is false, and nothing
// is queued or notified, once the speaker is closed.
func (s *Speaker) Say(text string) (id uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false
	}
	s.seq++
	s.queue = append(s.queue, utterance{id: s.seq, text: text})

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return s.seq, true
}

// Pending returns the number of utterances queued or rendering.
func (s *Speaker) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if s.playing != 0 {
		n++
	}
	return n
}

// Cancel interrupts the utterance being rendered and drops every queued one.
// It does not wait for the renderer to return.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	dropped := s.cancelLocked()
	s.mu.Unlock()
	s.finishDropped(dropped)
}

// Close cancels all speech and stops the dispatch goroutine. Close is
// idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := s.cancelLocked()
	s.mu.Unlock()

	close(s.done)
	s.finishDropped(dropped)
	return nil
}

// cancelLocked interrupts the current render and empties the queue. Must be
// called with s.mu held.
func (s *Speaker) cancelLocked() []utterance {
	if s.cancelPlaying != nil {
		s.cancelPlaying()
		s.cancelPlaying = nil
	}
	dropped := s.queue
	s.queue = nil
	return dropped
}

func (s *Speaker) finishDropped(dropped []utterance) {
	for _, u := range dropped {
		s.notifier.SpeechFinished(u.id, ErrCancelled)
	}
}

// dispatch pulls utterances off the queue and renders them in order until
// Close is called.
func (s *Speaker) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			u, ctx, ok := s.next()
			if !ok {
				break
			}
			s.render(ctx, u)
		}
	}
}

// next pops the head of the queue and marks it playing.
func (s *Speaker) next() (utterance, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return utterance{}, nil, false
	}
	u := s.queue[0]
	s.queue = s.queue[1:]
	ctx, cancel := context.WithCancel(context.Background())
	s.playing = u.id
	s.cancelPlaying = cancel
	return u, ctx, true
}

func (s *Speaker) render(ctx context.Context, u utterance) {
	s.notifier.SpeechStarted(u.id)
	start := time.Now()

	err := s.renderer.Render(ctx, u.text)
	if err == nil && s.tail > 0 {
		t := time.NewTimer(s.tail)
		select {
		case <-t.C:
		case <-ctx.Done():
		}
		t.Stop()
	}
	if err == nil {
		err = ctx.Err()
	}

	s.mu.Lock()
	if s.playing == u.id {
		s.playing = 0
		if s.cancelPlaying != nil {
			s.cancelPlaying()
			s.cancelPlaying = nil
		}
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		s.logger.Debug("speaker: utterance rendered", "id", u.id, "duration", time.Since(start))
	case errors.Is(err, context.Canceled):
		s.logger.Debug("speaker: utterance cancelled", "id", u.id)
	default:
		s.logger.Warn("speaker: render failed", "id", u.id, "err", err)
	}
	s.notifier.SpeechFinished(u.id, err)
}

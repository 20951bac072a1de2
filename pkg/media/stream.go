package media

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStreamStopped is returned by [Stream.Add] once the stream has been
// stopped. The caller still owns the rejected track and must stop it.
var ErrStreamStopped = errors.New("media: stream stopped")

// fanout distributes the frames of one track to every tap.
type fanout struct {
	track Track

	mu    sync.Mutex
	taps  []chan Frame
	ended bool
}

// Stream is the device stream handle of a session. It owns every acquired
// track, lets readers subscribe through taps, and stops all tracks exactly
// once.
//
// Taps are read-only views: a slow tap loses frames rather than stalling the
// track or the other taps.
//
// Stream is safe for concurrent use.
type Stream struct {
	mu      sync.Mutex
	tracks  map[Kind]*fanout
	stopped bool
	muted   map[Kind]bool
}

// NewStream returns an empty stream with no tracks.
func NewStream() *Stream {
	return &Stream{
		tracks: make(map[Kind]*fanout),
		muted:  make(map[Kind]bool),
	}
}

// Add hands ownership of t to the stream and starts fanning out its frames.
// Returns [ErrStreamStopped] if the stream has already been stopped and an
// error if a track of the same kind is already present.
func (s *Stream) Add(t Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStreamStopped
	}
	if _, exists := s.tracks[t.Kind()]; exists {
		return fmt.Errorf("media: stream already has a %s track", t.Kind())
	}
	f := &fanout{track: t}
	s.tracks[t.Kind()] = f
	go s.pump(f)
	return nil
}

// Has reports whether a live track of the given kind is present.
func (s *Stream) Has(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.tracks[kind]
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.ended
}

// Tap subscribes to the frames of the track of the given kind. The returned
// channel is buffered with capacity buffer and is closed when the track ends
// or the stream stops. ok is false when no such track exists.
func (s *Stream) Tap(kind Kind, buffer int) (frames <-chan Frame, ok bool) {
	s.mu.Lock()
	f, exists := s.tracks[kind]
	s.mu.Unlock()
	if !exists {
		return nil, false
	}
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Frame, buffer)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		close(ch)
		return ch, true
	}
	f.taps = append(f.taps, ch)
	return ch, true
}

// Untap removes a tap returned by [Stream.Tap] and closes it. Unknown or
// already closed taps are ignored.
func (s *Stream) Untap(kind Kind, frames <-chan Frame) {
	s.mu.Lock()
	f, exists := s.tracks[kind]
	s.mu.Unlock()
	if !exists {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	for i, tap := range f.taps {
		if (<-chan Frame)(tap) == frames {
			f.taps = append(f.taps[:i], f.taps[i+1:]...)
			close(tap)
			return
		}
	}
}

// SetMuted suppresses (or resumes) delivery of frames of the given kind to
// taps without releasing the device.
func (s *Stream) SetMuted(kind Kind, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted[kind] = muted
}

func (s *Stream) isMuted(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted[kind]
}

// Stop stops every track and closes every tap. It is safe to call more than
// once; only the first call stops the tracks.
func (s *Stream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	tracks := make([]*fanout, 0, len(s.tracks))
	for _, f := range s.tracks {
		tracks = append(tracks, f)
	}
	s.mu.Unlock()

	var errs []error
	for _, f := range tracks {
		if err := f.track.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s track: %w", f.track.Kind(), err))
		}
		f.end()
	}
	return errors.Join(errs...)
}

// Stopped reports whether Stop has been called.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// pump copies frames from the track to every tap until the track ends.
func (s *Stream) pump(f *fanout) {
	defer f.end()
	kind := f.track.Kind()
	dropped := 0
	for frame := range f.track.Frames() {
		if s.isMuted(kind) {
			continue
		}
		f.mu.Lock()
		if f.ended {
			f.mu.Unlock()
			return
		}
		for _, tap := range f.taps {
			select {
			case tap <- frame:
			default:
				dropped++
			}
		}
		f.mu.Unlock()
	}
	if dropped > 0 {
		slog.Debug("media: tap frames dropped", "kind", kind.String(), "dropped", dropped)
	}
}

// end closes all taps once.
func (f *fanout) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	f.ended = true
	for _, tap := range f.taps {
		close(tap)
	}
	f.taps = nil
}

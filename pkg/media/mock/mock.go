// Package mock provides in-memory implementations of the [media.Device],
// [media.Track], [media.Sink] and [media.Display] interfaces for unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on call counts and arguments, and expose fields that control return
// values.
//
// Typical usage:
//
//	mic := mock.NewTrack(media.KindAudio, 16)
//	dev := &mock.Device{
//	    Tracks:  map[media.Kind]*mock.Track{media.KindAudio: mic},
//	    OpenErr: map[media.Kind]error{media.KindVideo: media.ErrUnavailable},
//	}
//	mic.Push(media.Frame{Kind: media.KindAudio, Data: pcm})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/liveinterview/pkg/media"
)

// ─── Track ───────────────────────────────────────────────────────────────────

// Track is a mock [media.Track]. Push frames with [Track.Push]; Stop closes
// the frame channel.
type Track struct {
	kind   media.Kind
	frames chan media.Frame

	mu        sync.Mutex
	stopped   bool
	stopCalls int

	// StopErr is returned by every Stop call.
	StopErr error
}

// NewTrack returns a live track whose frame channel has the given buffer.
func NewTrack(kind media.Kind, buffer int) *Track {
	return &Track{kind: kind, frames: make(chan media.Frame, buffer)}
}

// Kind implements [media.Track].
func (t *Track) Kind() media.Kind { return t.kind }

// Frames implements [media.Track].
func (t *Track) Frames() <-chan media.Frame { return t.frames }

// Push delivers a frame to readers. Frames pushed after Stop are dropped.
// Returns false when the frame was dropped.
func (t *Track) Push(f media.Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	select {
	case t.frames <- f:
		return true
	default:
		return false
	}
}

// Stop implements [media.Track]. Only the first call closes the channel.
func (t *Track) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopCalls++
	if !t.stopped {
		t.stopped = true
		close(t.frames)
	}
	return t.StopErr
}

// StopCalls returns how many times Stop was called.
func (t *Track) StopCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopCalls
}

// Stopped reports whether Stop has been called.
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

var _ media.Track = (*Track)(nil)

// ─── Device ──────────────────────────────────────────────────────────────────

// Device is a mock [media.Device].
type Device struct {
	mu sync.Mutex

	// Tracks maps each kind to the track returned by Open. A missing kind
	// yields an error wrapping [media.ErrUnavailable].
	Tracks map[media.Kind]*Track

	// OpenErr, when set for a kind, is returned by Open for that kind.
	OpenErr map[media.Kind]error

	// Gate, when non-nil, is received from before Open returns. Tests use it
	// to hold acquisitions in flight.
	Gate chan struct{}

	// OpenCalls records every kind passed to Open in call order.
	OpenCalls []media.Kind
}

// Open implements [media.Device].
func (d *Device) Open(ctx context.Context, kind media.Kind) (media.Track, error) {
	d.mu.Lock()
	d.OpenCalls = append(d.OpenCalls, kind)
	gate := d.Gate
	err := d.OpenErr[kind]
	track, ok := d.Tracks[kind]
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("mock: no %s track: %w", kind, media.ErrUnavailable)
	}
	return track, nil
}

// Calls returns a copy of the recorded Open calls.
func (d *Device) Calls() []media.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]media.Kind, len(d.OpenCalls))
	copy(out, d.OpenCalls)
	return out
}

var _ media.Device = (*Device)(nil)

// ─── Sink ────────────────────────────────────────────────────────────────────

// Sink is a mock [media.Sink] that records played chunks.
type Sink struct {
	mu sync.Mutex

	// PlayErr is returned by every Play call.
	PlayErr error

	// Played holds a copy of every chunk passed to Play.
	Played [][]byte

	// Formats holds the format of each played chunk.
	Formats []media.Format

	// CloseCalls counts Close invocations.
	CloseCalls int
}

// Play implements [media.Sink].
func (s *Sink) Play(_ context.Context, pcm []byte, f media.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.Played = append(s.Played, cp)
	s.Formats = append(s.Formats, f)
	return s.PlayErr
}

// Close implements [media.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return nil
}

// Chunks returns how many chunks were played.
func (s *Sink) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Played)
}

var _ media.Sink = (*Sink)(nil)

// ─── Display ─────────────────────────────────────────────────────────────────

// Display is a mock [media.Display].
type Display struct {
	mu           sync.Mutex
	frames       int
	placeholders int
}

// ShowFrame implements [media.Display].
func (d *Display) ShowFrame(media.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames++
}

// ShowPlaceholder implements [media.Display].
func (d *Display) ShowPlaceholder() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.placeholders++
}

// Frames returns the number of frames shown.
func (d *Display) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// Placeholders returns how many times the placeholder was shown.
func (d *Display) Placeholders() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.placeholders
}

var _ media.Display = (*Display)(nil)

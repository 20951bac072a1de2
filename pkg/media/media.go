// Package media defines the capture side of a live session: devices that hand
// out camera and microphone tracks, the [Stream] handle that owns those tracks
// for the lifetime of a session, and the playback [Sink] used to vocalise the
// agent's turns.
//
// A [Device] acquires one [Track] per [Kind]. A [Stream] owns the acquired
// tracks, fans their frames out to read-only taps and stops them exactly once.
//
// Implementations of [Device] and [Sink] are provided by backend packages
// (media/exec, media/file). The interfaces are intentionally narrow so the
// session controller stays decoupled from how frames are produced.
package media

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by [Device.Open] when the requested kind of
// device does not exist, is busy, or access was denied. Callers treat it as a
// degradation of the affected subsystem, never as a fatal error.
var ErrUnavailable = errors.New("media: device unavailable")

// Kind distinguishes camera tracks from microphone tracks.
type Kind int

const (
	// KindAudio is a microphone track carrying 16-bit little-endian PCM.
	KindAudio Kind = iota

	// KindVideo is a camera track carrying opaque encoded video frames.
	KindVideo
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Frame is a single unit of captured media.
type Frame struct {
	// Kind tells audio frames apart from video frames.
	Kind Kind

	// Data is 16-bit little-endian PCM for audio frames and an opaque encoded
	// picture for video frames.
	Data []byte

	// SampleRate in Hz. Zero for video frames.
	SampleRate int

	// Channels is 1 for mono and 2 for stereo. Zero for video frames.
	Channels int

	// Timestamp marks when this frame was captured, relative to track start.
	Timestamp time.Duration
}

// Track is one live capture source. Frames are delivered on the channel
// returned by Frames until the track ends or Stop is called; the channel is
// then closed.
//
// Implementations must be safe for concurrent use.
type Track interface {
	// Kind reports whether this is a camera or microphone track.
	Kind() Kind

	// Frames returns the channel of captured frames. It is the same channel on
	// every call and is closed when the track ends.
	Frames() <-chan Frame

	// Stop releases the underlying device. Calling Stop more than once is safe
	// and returns nil.
	Stop() error
}

// Device acquires capture tracks. One device may hand out at most one live
// track per kind.
//
// Implementations must be safe for concurrent use: the session controller
// acquires the camera and the microphone in parallel.
type Device interface {
	// Open acquires a track of the given kind. The supplied ctx bounds the
	// acquisition only; once returned, the track stays live until Stop.
	//
	// Returns an error wrapping [ErrUnavailable] when the device is missing or
	// access was denied.
	Open(ctx context.Context, kind Kind) (Track, error)
}

// Sink plays PCM audio, typically the agent's synthesised voice.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Play writes one chunk of 16-bit little-endian PCM in the given format.
	// It may block until the chunk has been handed to the output device.
	Play(ctx context.Context, pcm []byte, format Format) error

	// Close releases the output device. Calling Close more than once is safe.
	Close() error
}

// Display renders camera frames, or a placeholder when no camera is live.
// Calls are made from a single goroutine and must not block for long.
type Display interface {
	// ShowFrame renders one camera frame.
	ShowFrame(f Frame)

	// ShowPlaceholder switches the display to the avatar placeholder.
	ShowPlaceholder()
}

// Package file replays recorded audio as a microphone and records played
// audio to disk. It backs headless runs and integration tests where no
// capture hardware exists.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/liveinterview/pkg/media"
)

const defaultFrameMs = 20

// Option configures a [Device].
type Option func(*Device)

// WithFrameMs sets the duration of each replayed frame. Default: 20.
func WithFrameMs(ms int) Option {
	return func(d *Device) {
		if ms > 0 {
			d.frameMs = ms
		}
	}
}

// WithLoop restarts playback from the beginning when the file ends instead of
// ending the track.
func WithLoop(loop bool) Option {
	return func(d *Device) { d.loop = loop }
}

// WithRawFormat treats the file as headerless 16-bit PCM in format f instead
// of a WAV file.
func WithRawFormat(f media.Format) Option {
	return func(d *Device) { d.raw = &f }
}

// Device is a [media.Device] whose microphone is a recorded file replayed in
// real time. It has no camera; opening [media.KindVideo] fails with
// [media.ErrUnavailable].
type Device struct {
	path    string
	frameMs int
	loop    bool
	raw     *media.Format
}

// New returns a device that replays the audio file at path.
func New(path string, opts ...Option) *Device {
	d := &Device{path: path, frameMs: defaultFrameMs}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open implements [media.Device].
func (d *Device) Open(ctx context.Context, kind media.Kind) (media.Track, error) {
	if kind != media.KindAudio {
		return nil, fmt.Errorf("file: no %s source: %w", kind, media.ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("file: read %s: %v: %w", d.path, err, media.ErrUnavailable)
	}

	var (
		pcm    []byte
		format media.Format
	)
	if d.raw != nil {
		pcm, format = data, *d.raw
	} else {
		pcm, format, err = media.DecodeWAV(data)
		if err != nil {
			return nil, fmt.Errorf("file: %s: %w", d.path, err)
		}
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("file: %s: invalid format %+v", d.path, format)
	}

	t := &track{
		frames: make(chan media.Frame, 8),
		done:   make(chan struct{}),
	}
	go t.replay(pcm, format, d.frameMs, d.loop)
	return t, nil
}

var _ media.Device = (*Device)(nil)

type track struct {
	frames chan media.Frame
	done   chan struct{}
	once   sync.Once
}

func (t *track) Kind() media.Kind           { return media.KindAudio }
func (t *track) Frames() <-chan media.Frame { return t.frames }

func (t *track) Stop() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// replay emits one frame per frameMs until the data runs out or Stop is
// called.
func (t *track) replay(pcm []byte, f media.Format, frameMs int, loop bool) {
	defer close(t.frames)

	size := f.SampleRate * f.Channels * 2 * frameMs / 1000
	size -= size % (2 * f.Channels)
	if size <= 0 {
		return
	}

	ticker := time.NewTicker(time.Duration(frameMs) * time.Millisecond)
	defer ticker.Stop()

	var ts time.Duration
	offset := 0
	for {
		if offset >= len(pcm) {
			if !loop || len(pcm) == 0 {
				return
			}
			offset = 0
		}
		end := min(offset+size, len(pcm))
		frame := media.Frame{
			Kind:       media.KindAudio,
			Data:       pcm[offset:end:end],
			SampleRate: f.SampleRate,
			Channels:   f.Channels,
			Timestamp:  ts,
		}
		offset = end
		ts += time.Duration(frameMs) * time.Millisecond

		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		select {
		case t.frames <- frame:
		case <-t.done:
			return
		}
	}
}

// Sink is a [media.Sink] that buffers played PCM in memory and writes it to
// a WAV file on Close.
type Sink struct {
	path string

	mu     sync.Mutex
	pcm    []byte
	format media.Format
	closed bool
}

// NewSink returns a sink that writes to path on Close.
func NewSink(path string) *Sink {
	return &Sink{path: path}
}

// Play implements [media.Sink]. Chunks in a format different from the first
// chunk are rejected.
func (s *Sink) Play(_ context.Context, pcm []byte, f media.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("file: sink is closed")
	}
	if s.format == (media.Format{}) {
		s.format = f
	} else if f != s.format {
		return fmt.Errorf("file: format changed from %+v to %+v", s.format, f)
	}
	s.pcm = append(s.pcm, pcm...)
	return nil
}

// Close writes the recording. Only the first call writes.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.format == (media.Format{}) {
		return nil
	}
	if err := os.WriteFile(s.path, media.EncodeWAV(s.pcm, s.format), 0o644); err != nil {
		return fmt.Errorf("file: write %s: %w", s.path, err)
	}
	return nil
}

var _ media.Sink = (*Sink)(nil)

// Package exec provides capture devices and playback sinks backed by external
// commands, e.g. arecord/ffmpeg for the microphone and camera and aplay for
// playback.
//
// A capture command must write raw media to stdout: 16-bit little-endian PCM
// for audio tracks (in the configured format), and an opaque byte stream for
// video tracks which is chunked into frames of FrameBytes each. A playback
// command must read raw PCM from stdin.
package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	osexec "os/exec"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/liveinterview/pkg/media"
)

const (
	defaultFrameMs         = 20
	defaultVideoFrameBytes = 64 * 1024
	frameBuffer            = 64
)

// CommandConfig configures one capture command.
type CommandConfig struct {
	// Command is the executable followed by its arguments, split on spaces.
	// An empty Command means the kind is not available.
	Command string

	// Format is the PCM format the command produces. Audio only.
	Format media.Format

	// FrameMs is the duration of each emitted audio frame. Default: 20.
	FrameMs int

	// FrameBytes is the size of each emitted video frame. Default: 64 KiB.
	FrameBytes int
}

// Device is a [media.Device] that spawns one command per track.
type Device struct {
	commands map[media.Kind]CommandConfig
}

// New returns a device with the given per-kind commands.
func New(commands map[media.Kind]CommandConfig) *Device {
	c := make(map[media.Kind]CommandConfig, len(commands))
	for k, v := range commands {
		c[k] = v
	}
	return &Device{commands: c}
}

// Open starts the capture command for kind. A missing command, or one that
// cannot be started, is reported as [media.ErrUnavailable].
func (d *Device) Open(ctx context.Context, kind media.Kind) (media.Track, error) {
	cfg, ok := d.commands[kind]
	args := strings.Fields(cfg.Command)
	if !ok || len(args) == 0 {
		return nil, fmt.Errorf("exec: no %s capture command configured: %w", kind, media.ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The command outlives ctx, which only bounds acquisition.
	runCtx, cancel := context.WithCancel(context.Background())
	cmd := osexec.CommandContext(runCtx, args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("exec: %s stdout pipe: %w", kind, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("exec: start %s capture %q: %v: %w", kind, args[0], err, media.ErrUnavailable)
	}

	t := &track{
		kind:   kind,
		cfg:    cfg,
		cmd:    cmd,
		cancel: cancel,
		frames: make(chan media.Frame, frameBuffer),
	}
	go t.read(stdout)
	slog.Info("capture command started", "kind", kind.String(), "command", args[0])
	return t, nil
}

var _ media.Device = (*Device)(nil)

// track is a running capture command.
type track struct {
	kind   media.Kind
	cfg    CommandConfig
	cmd    *osexec.Cmd
	cancel context.CancelFunc
	frames chan media.Frame

	once sync.Once
}

func (t *track) Kind() media.Kind           { return t.kind }
func (t *track) Frames() <-chan media.Frame { return t.frames }

// Stop kills the command and waits for the reader to finish.
func (t *track) Stop() error {
	t.once.Do(func() {
		t.cancel()
	})
	return nil
}

// frameSize returns the number of stdout bytes per emitted frame.
func (t *track) frameSize() int {
	if t.kind == media.KindVideo {
		if t.cfg.FrameBytes > 0 {
			return t.cfg.FrameBytes
		}
		return defaultVideoFrameBytes
	}
	ms := t.cfg.FrameMs
	if ms <= 0 {
		ms = defaultFrameMs
	}
	ch := t.cfg.Format.Channels
	if ch <= 0 {
		ch = 1
	}
	n := t.cfg.Format.SampleRate * ch * 2 * ms / 1000
	if n <= 0 {
		n = 640 // 20 ms of 16 kHz mono
	}
	return n
}

// read chunks stdout into frames until the command exits.
func (t *track) read(stdout io.Reader) {
	defer close(t.frames)
	defer func() {
		if err := t.cmd.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			slog.Debug("capture command exited", "kind", t.kind.String(), "err", err)
		}
	}()

	size := t.frameSize()
	start := time.Now()
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(stdout, buf); err != nil {
			return
		}
		f := media.Frame{Kind: t.kind, Data: buf, Timestamp: time.Since(start)}
		if t.kind == media.KindAudio {
			f.SampleRate = t.cfg.Format.SampleRate
			f.Channels = t.cfg.Format.Channels
		}
		select {
		case t.frames <- f:
		default:
			// Reader is behind; drop rather than stall the device.
		}
	}
}

// Sink is a [media.Sink] that pipes PCM into a long-running playback command.
type Sink struct {
	args []string

	mu     sync.Mutex
	cmd    *osexec.Cmd
	stdin  io.WriteCloser
	closed bool
}

// NewSink returns a sink that starts command lazily on the first Play.
func NewSink(command string) (*Sink, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, errors.New("exec: playback command must not be empty")
	}
	return &Sink{args: args}, nil
}

// Play writes pcm to the playback command's stdin, starting it if needed.
func (s *Sink) Play(ctx context.Context, pcm []byte, _ media.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("exec: sink is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.cmd == nil {
		cmd := osexec.Command(s.args[0], s.args[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("exec: playback stdin pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("exec: start playback %q: %w", s.args[0], err)
		}
		s.cmd, s.stdin = cmd, stdin
	}
	if _, err := s.stdin.Write(pcm); err != nil {
		return fmt.Errorf("exec: write playback: %w", err)
	}
	return nil
}

// Close stops the playback command. Safe to call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cmd == nil {
		return nil
	}
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}

var _ media.Sink = (*Sink)(nil)

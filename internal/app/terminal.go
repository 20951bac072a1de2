package app

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/liveinterview/internal/session"
	"github.com/MrWong99/liveinterview/internal/transcript"
)

// Terminal is a [session.View] that prints the transcript and indicator
// changes as plain lines. Render only records the latest snapshot; a
// background goroutine does the writing, so a slow terminal never stalls the
// session.
type Terminal struct {
	out io.Writer

	mu      sync.Mutex
	latest  session.Snapshot
	pending bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Writer goroutine state.
	printed int
	last    session.Snapshot
}

var _ session.View = (*Terminal)(nil)

// NewTerminal returns a Terminal writing to out and starts its writer.
func NewTerminal(out io.Writer) *Terminal {
	t := &Terminal{
		out:  out,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go t.run()
	return t
}

// Render implements [session.View].
func (t *Terminal) Render(s session.Snapshot) {
	t.mu.Lock()
	t.latest = s
	t.pending = true
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Close flushes the last snapshot and stops the writer. It is idempotent.
func (t *Terminal) Close() {
	t.closeOnce.Do(func() { close(t.wake) })
	<-t.done
}

func (t *Terminal) run() {
	defer close(t.done)
	for range t.wake {
		t.flush()
	}
	t.flush()
}

func (t *Terminal) flush() {
	t.mu.Lock()
	s, ok := t.latest, t.pending
	t.pending = false
	t.mu.Unlock()
	if ok {
		t.draw(s)
	}
}

func (t *Terminal) draw(s session.Snapshot) {
	var b strings.Builder
	stamp := "[" + session.FormatClock(s.Clock) + "] "
	prev := t.last

	if s.State != prev.State && s.State == session.StateLive {
		b.WriteString(stamp + "You have joined the interview.\n")
		if !s.Video {
			b.WriteString(stamp + "Camera off.\n")
		}
	}

	for _, turn := range s.Transcript[min(t.printed, len(s.Transcript)):] {
		b.WriteString(stamp + speakerLabel(turn.Role) + ": " + turn.Text + "\n")
	}
	t.printed = max(t.printed, len(s.Transcript))

	if s.Suppressed != prev.Suppressed && s.Suppressed {
		b.WriteString(stamp + "Interviewer is speaking...\n")
	}
	if s.Disconnected != prev.Disconnected {
		if s.Disconnected {
			b.WriteString(stamp + "Connection to the interviewer lost.\n")
		} else if s.Connected {
			b.WriteString(stamp + "Reconnected.\n")
		}
	}
	if s.MicMuted != prev.MicMuted {
		b.WriteString(stamp + onOff("Microphone", !s.MicMuted) + "\n")
	}
	if s.State == prev.State && s.Video != prev.Video {
		b.WriteString(stamp + onOff("Camera", s.Video) + "\n")
	}
	if s.Notice != "" && s.Notice != prev.Notice {
		b.WriteString(stamp + s.Notice + "\n")
	}

	t.last = s
	if b.Len() > 0 {
		_, _ = io.WriteString(t.out, b.String())
	}
}

// StatusLine renders the indicators of s on one line.
func StatusLine(s session.Snapshot) string {
	var parts []string
	parts = append(parts, session.FormatClock(s.Clock), s.State.String())
	parts = append(parts, onOff("mic", s.Audio && !s.MicMuted), onOff("camera", s.Video))
	switch {
	case s.Disconnected:
		parts = append(parts, "disconnected")
	case s.Connected:
		parts = append(parts, "connected")
	}
	if s.Suppressed {
		parts = append(parts, "interviewer speaking")
	}
	parts = append(parts, "level "+LevelBar(s.Level, 10))
	return strings.Join(parts, " | ")
}

// LevelBar draws level (0-255) as a bar of width cells.
func LevelBar(level float64, width int) string {
	n := int(level / 255 * float64(width))
	n = max(0, min(n, width))
	return "[" + strings.Repeat("#", n) + strings.Repeat(".", width-n) + "]"
}

func speakerLabel(r transcript.Role) string {
	if r == transcript.RoleAgent {
		return "Interviewer"
	}
	return "You"
}

func onOff(what string, on bool) string {
	if on {
		return fmt.Sprintf("%s on", what)
	}
	return fmt.Sprintf("%s off", what)
}

package speaker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/liveinterview/pkg/media"
	"github.com/MrWong99/liveinterview/pkg/provider/tts"
)

// ─── Local synthesis ──────────────────────────────────────────────────────────

// Synthesized renders text through a TTS provider and plays the audio on a
// local sink.
type Synthesized struct {
	provider tts.Provider
	voice    tts.VoiceProfile
	sink     media.Sink
}

var _ Renderer = (*Synthesized)(nil)

// NewSynthesized returns a renderer that speaks with voice through sink.
func NewSynthesized(p tts.Provider, voice tts.VoiceProfile, sink media.Sink) *Synthesized {
	return &Synthesized{provider: p, voice: voice, sink: sink}
}

// Render implements [Renderer]. It returns once the last chunk has been
// handed to the sink.
func (r *Synthesized) Render(ctx context.Context, text string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fragments := make(chan string, 1)
	fragments <- text
	close(fragments)

	audio, err := r.provider.SynthesizeStream(ctx, fragments, r.voice)
	if err != nil {
		return fmt.Errorf("speaker: synthesize: %w", err)
	}
	format := r.provider.Format()

	var playErr error
	for chunk := range audio {
		if playErr != nil {
			continue // drain so the provider can exit
		}
		if err := r.sink.Play(ctx, chunk, format); err != nil {
			playErr = fmt.Errorf("speaker: play: %w", err)
			cancel()
		}
	}
	if playErr != nil {
		return playErr
	}
	return ctx.Err()
}

// ─── Remote rendering ─────────────────────────────────────────────────────────

// DefaultWordsPerMinute is the speaking rate assumed for remotely rendered
// speech.
const DefaultWordsPerMinute = 150

// minPacedDuration is the floor for very short utterances.
const minPacedDuration = 400 * time.Millisecond

// Paced stands in for speech the agent renders on its own side. It produces
// no audio and only waits for the estimated speaking time of the text, which
// keeps the microphone pipeline suppressed while the agent talks.
type Paced struct {
	wpm int
}

var _ Renderer = (*Paced)(nil)

// NewPaced returns a renderer that assumes wpm words per minute. A
// non-positive wpm selects [DefaultWordsPerMinute].
func NewPaced(wpm int) *Paced {
	if wpm <= 0 {
		wpm = DefaultWordsPerMinute
	}
	return &Paced{wpm: wpm}
}

// Estimate returns how long text takes to say at the configured rate.
func (r *Paced) Estimate(text string) time.Duration {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	d := time.Duration(words) * time.Minute / time.Duration(r.wpm)
	return max(d, minPacedDuration)
}

// Render implements [Renderer].
func (r *Paced) Render(ctx context.Context, text string) error {
	d := r.Estimate(text)
	if d == 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package batch turns a one-shot [stt.Transcriber] into a streaming
// [stt.Provider].
//
// Incoming PCM is sliced into fixed-size frames and classified by a VAD
// session. Audio between a speech start and the matching speech end is
// buffered as one utterance and submitted to the transcriber; the result is
// emitted as a partial and a final carrying the same text. Batch engines
// cannot produce true low-latency partials, but the partial still drives UI
// activity indicators.
//
// Any transcription error ends the session; [stt.SessionHandle.Err] reports
// it so the caller can decide whether to restart the stream.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/liveinterview/pkg/media"
	"github.com/MrWong99/liveinterview/pkg/provider/stt"
	"github.com/MrWong99/liveinterview/pkg/provider/vad"
)

const (
	defaultFrameMs          = 20
	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.35
	defaultMaxUtteranceMs   = 15_000
	closeFlushTimeout       = 10 * time.Second
)

// Option is a functional option for configuring a [Provider].
type Option func(*Provider)

// WithFrameMs sets the VAD frame duration. Default: 20 ms.
func WithFrameMs(ms int) Option {
	return func(p *Provider) {
		if ms > 0 {
			p.frameMs = ms
		}
	}
}

// WithThresholds sets the VAD speech and silence thresholds.
func WithThresholds(speech, silence float64) Option {
	return func(p *Provider) {
		p.speechThreshold = speech
		p.silenceThreshold = silence
	}
}

// WithMaxUtteranceMs bounds the length of one utterance; longer speech is
// submitted in pieces. Default: 15 000 ms.
func WithMaxUtteranceMs(ms int) Option {
	return func(p *Provider) {
		if ms > 0 {
			p.maxUtteranceMs = ms
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// Provider implements [stt.Provider] on top of a [stt.Transcriber].
type Provider struct {
	transcriber      stt.Transcriber
	engine           vad.Engine
	frameMs          int
	speechThreshold  float64
	silenceThreshold float64
	maxUtteranceMs   int
	logger           *slog.Logger
}

var _ stt.Provider = (*Provider)(nil)

// New returns a streaming provider that segments audio with engine and
// transcribes each utterance with t.
func New(t stt.Transcriber, engine vad.Engine, opts ...Option) (*Provider, error) {
	if t == nil {
		return nil, errors.New("batch: transcriber must not be nil")
	}
	if engine == nil {
		return nil, errors.New("batch: vad engine must not be nil")
	}
	p := &Provider{
		transcriber:      t,
		engine:           engine,
		frameMs:          defaultFrameMs,
		speechThreshold:  defaultSpeechThreshold,
		silenceThreshold: defaultSilenceThreshold,
		maxUtteranceMs:   defaultMaxUtteranceMs,
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// StartStream implements [stt.Provider]. Only mono audio is accepted.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("batch: context already cancelled: %w", err)
	}
	if cfg.Channels > 1 {
		return nil, fmt.Errorf("batch: %d channels requested, only mono is supported: %w", cfg.Channels, stt.ErrPermanent)
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("batch: invalid sample rate %d: %w", cfg.SampleRate, stt.ErrPermanent)
	}

	vcfg := vad.Config{
		SampleRate:       cfg.SampleRate,
		FrameSizeMs:      p.frameMs,
		SpeechThreshold:  p.speechThreshold,
		SilenceThreshold: p.silenceThreshold,
	}
	vs, err := p.engine.NewSession(vcfg)
	if err != nil {
		return nil, fmt.Errorf("batch: vad session: %v: %w", err, stt.ErrPermanent)
	}

	format := media.Format{SampleRate: cfg.SampleRate, Channels: 1}
	s := &session{
		transcriber: p.transcriber,
		vad:         vs,
		format:      format,
		language:    cfg.Language,
		frameBytes:  vcfg.FrameBytes(),
		maxBytes:    p.maxUtteranceMs * cfg.SampleRate / 1000 * 2,
		logger:      p.logger,

		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s, nil
}

// ---- session ----------------------------------------------------------------

type session struct {
	transcriber stt.Transcriber
	vad         vad.SessionHandle
	format      media.Format
	language    string
	frameBytes  int
	maxBytes    int
	logger      *slog.Logger

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error
}

var errSessionClosed = errors.New("batch: session is closed")

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

func (s *session) SetKeywords([]stt.KeywordBoost) error {
	return fmt.Errorf("batch: keywords: %w", stt.ErrNotSupported)
}

func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		_ = s.vad.Close()
	})
	return nil
}

func (s *session) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// processLoop owns all segmentation state.
func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		pending  []byte // bytes not yet forming a whole frame
		utter    []byte // current utterance
		inSpeech bool
		offset   time.Duration // stream position of the next frame
		start    time.Duration // stream position of the utterance start
	)
	frameDur := time.Duration(media.DurationMs(make([]byte, s.frameBytes), s.format)) * time.Millisecond

	// flush transcribes the buffered utterance. It returns false when the
	// session must end.
	flush := func(fctx context.Context) bool {
		pcm := utter
		utter = nil
		if len(pcm) == 0 {
			return true
		}
		text, err := s.transcriber.Transcribe(fctx, pcm, s.format, s.language)
		if err != nil {
			if fctx.Err() == nil {
				s.fail(fmt.Errorf("batch: transcribe: %w", err))
			}
			return false
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return true
		}
		dur := time.Duration(media.DurationMs(pcm, s.format)) * time.Millisecond
		t := stt.Transcript{Text: text, Timestamp: start, Duration: dur}
		select {
		case s.partials <- t:
		default:
		}
		t.IsFinal = true
		select {
		case s.finals <- t:
		case <-s.done:
			// Deliver the last result if the reader is still there.
			select {
			case s.finals <- t:
			default:
			}
		}
		return true
	}

	flushOnExit := func() {
		if !inSpeech {
			return
		}
		fc, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
		defer cancel()
		flush(fc)
	}

	for {
		select {
		case <-ctx.Done():
			flushOnExit()
			return
		case <-s.done:
			flushOnExit()
			return
		case chunk := <-s.audioCh:
			pending = append(pending, chunk...)
			for len(pending) >= s.frameBytes {
				frame := pending[:s.frameBytes:s.frameBytes]
				pending = pending[s.frameBytes:]

				ev, err := s.vad.ProcessFrame(frame)
				if err != nil {
					s.fail(fmt.Errorf("batch: vad: %w", err))
					return
				}
				switch ev.Type {
				case vad.VADSpeechStart:
					inSpeech = true
					start = offset
					utter = append(utter, frame...)
				case vad.VADSpeechContinue:
					if inSpeech {
						utter = append(utter, frame...)
					}
				case vad.VADSpeechEnd:
					if inSpeech {
						utter = append(utter, frame...)
						inSpeech = false
						if !flush(ctx) {
							return
						}
					}
				}
				offset += frameDur

				if inSpeech && s.maxBytes > 0 && len(utter) >= s.maxBytes {
					s.logger.Debug("batch: utterance exceeded max length, submitting early", "bytes", len(utter))
					if !flush(ctx) {
						return
					}
					start = offset
				}
			}
		}
	}
}

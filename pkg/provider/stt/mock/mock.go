// Package mock provides test doubles for the stt package interfaces.
//
// Provider hands out a fresh Session on every StartStream call and publishes
// it on Started, so a test can drive the stream a recognizer is currently
// reading from, end it with an error, and watch the recognizer open the next
// one.
//
// Example:
//
//	p := mock.NewProvider()
//	// ... code under test calls p.StartStream ...
//	sess := <-p.Started
//	sess.Emit("I have three years of experience")
//	sess.End(errors.New("stream dropped"))
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/liveinterview/pkg/media"
	"github.com/MrWong99/liveinterview/pkg/provider/stt"
)

// ─── Provider ────────────────────────────────────────────────────────────────

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamErrs is consumed one entry per StartStream call; a non-nil
	// entry is returned as the error. Once exhausted, StartStreamErr applies.
	StartStreamErrs []error

	// StartStreamErr, if non-nil, is returned once StartStreamErrs is empty.
	StartStreamErr error

	// Started receives every session created by StartStream.
	Started chan *Session

	configs []stt.StreamConfig
}

// NewProvider returns a Provider whose Started channel buffers 16 sessions.
func NewProvider() *Provider {
	return &Provider{Started: make(chan *Session, 16)}
}

// StartStream records cfg and returns a new Session or the scripted error.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.configs = append(p.configs, cfg)
	var err error
	if len(p.StartStreamErrs) > 0 {
		err, p.StartStreamErrs = p.StartStreamErrs[0], p.StartStreamErrs[1:]
	} else {
		err = p.StartStreamErr
	}
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s := NewSession()
	if p.Started != nil {
		select {
		case p.Started <- s:
		default:
		}
	}
	return s, nil
}

// Calls returns how many times StartStream was called.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.configs)
}

// Configs returns every StreamConfig passed to StartStream.
func (p *Provider) Configs() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]stt.StreamConfig, len(p.configs))
	copy(out, p.configs)
	return out
}

var _ stt.Provider = (*Provider)(nil)

// ─── Session ─────────────────────────────────────────────────────────────────

var errEnded = errors.New("mock: session ended")

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu       sync.Mutex
	partials chan stt.Transcript
	finals   chan stt.Transcript
	ended    bool
	err      error
	chunks   int
	bytes    int
	closes   int
}

// NewSession returns an open session with buffered result channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
	}
}

// Emit publishes text as a partial followed by a final. It is a no-op once
// the session has ended.
func (s *Session) Emit(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.partials <- stt.Transcript{Text: text}:
	default:
	}
	s.finals <- stt.Transcript{Text: text, IsFinal: true}
}

// End closes the result channels and records err as the session error.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(err)
}

func (s *Session) endLocked(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.partials)
	close(s.finals)
}

// SendAudio records the chunk size.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return errEnded
	}
	s.chunks++
	s.bytes += len(chunk)
	return nil
}

// Partials implements stt.SessionHandle.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords always reports ErrNotSupported.
func (s *Session) SetKeywords([]stt.KeywordBoost) error { return stt.ErrNotSupported }

// Err implements stt.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session without an error.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.endLocked(nil)
	return nil
}

// Chunks returns how many audio chunks were received.
func (s *Session) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// Bytes returns the total number of audio bytes received.
func (s *Session) Bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Ended reports whether the session has ended.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

var _ stt.SessionHandle = (*Session)(nil)

// ─── Transcriber ─────────────────────────────────────────────────────────────

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Results are returned one per call; once exhausted, Text is returned.
	Results []string

	// Text is returned after Results runs out.
	Text string

	// Err, if non-nil, is returned by every call.
	Err error

	calls []TranscribeCall
}

// TranscribeCall records one invocation of Transcribe.
type TranscribeCall struct {
	Bytes    int
	Format   media.Format
	Language string
}

// Transcribe records the call and returns the next scripted result.
func (t *Transcriber) Transcribe(_ context.Context, pcm []byte, f media.Format, lang string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, TranscribeCall{Bytes: len(pcm), Format: f, Language: lang})
	if t.Err != nil {
		return "", t.Err
	}
	if len(t.Results) > 0 {
		r := t.Results[0]
		t.Results = t.Results[1:]
		return r, nil
	}
	return t.Text, nil
}

// Calls returns a copy of the recorded calls.
func (t *Transcriber) Calls() []TranscribeCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TranscribeCall, len(t.calls))
	copy(out, t.calls)
	return out
}

var _ stt.Transcriber = (*Transcriber)(nil)

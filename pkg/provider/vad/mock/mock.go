// Package mock provides test doubles for the vad package interfaces.
//
// Session replays a scripted sequence of event types, one per processed
// frame, which lets segmentation tests describe an utterance as
// "silence, start, continue, end" without synthesising audio.
//
// Example:
//
//	sess := &mock.Session{Script: []vad.VADEventType{
//	    vad.VADSpeechStart, vad.VADSpeechContinue, vad.VADSpeechEnd,
//	}}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/liveinterview/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new Session that always reports silence.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	configs []vad.Config
}

// NewSession records cfg and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Configs returns every Config passed to NewSession, in call order.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]vad.Config, len(e.configs))
	copy(out, e.configs)
	return out
}

var _ vad.Engine = (*Engine)(nil)

// Session is a scripted vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Script holds the event type returned for each successive frame. Once
	// exhausted, Fallback is returned.
	Script []vad.VADEventType

	// Fallback is returned after Script runs out. The zero value is
	// VADSpeechStart, so most tests set it explicitly.
	Fallback vad.VADEventType

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	frames int
	resets int
	closes int
}

// ProcessFrame returns the next scripted event.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ProcessFrameErr != nil {
		return vad.VADEvent{}, s.ProcessFrameErr
	}
	i := s.frames
	s.frames++
	typ := s.Fallback
	if i < len(s.Script) {
		typ = s.Script[i]
	}
	p := 0.0
	if typ == vad.VADSpeechStart || typ == vad.VADSpeechContinue {
		p = 1
	}
	return vad.VADEvent{Type: typ, Probability: p}, nil
}

// Reset counts the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

// Close counts the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Frames returns how many frames were processed.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

var _ vad.SessionHandle = (*Session)(nil)

// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (Deepgram's streaming API, a
// local whisper.cpp server, or OpenAI's hosted transcription endpoint) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts raw PCM audio frames and
// emits two streams of Transcript values: low-latency partials and
// authoritative finals. Only finals become utterances in a live session.
//
// Batch engines implement the smaller Transcriber interface instead and are
// turned into streaming providers by the batch package, which cuts the audio
// into utterances with a VAD engine.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/liveinterview/pkg/media"
)

// ErrPermanent marks a failure that retrying cannot fix, such as rejected
// credentials or an unsupported audio format. Recognizers stop on errors
// wrapping ErrPermanent instead of restarting the stream.
var ErrPermanent = errors.New("stt: permanent failure")

// ErrNotSupported is returned by optional operations a provider does not
// implement, e.g. mid-session keyword updates.
var ErrNotSupported = errors.New("stt: operation not supported")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 is the usual choice for
	// speech recognition.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most STT
	// providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Keywords is a list of vocabulary hints, such as company or technology
	// names from the job description, that should be recognised reliably.
	Keywords []KeywordBoost
}

// Format returns the PCM format described by cfg.
func (c StreamConfig) Format() media.Format {
	return media.Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes in the format agreed in
	// StreamConfig. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a channel of interim results. The channel is closed when
	// the session ends.
	Partials() <-chan Transcript

	// Finals returns a channel of committed results. The channel is closed when
	// the session ends.
	Finals() <-chan Transcript

	// SetKeywords replaces the active keyword list without restarting the
	// session. Providers that do not support this return ErrNotSupported.
	SetKeywords(keywords []KeywordBoost) error

	// Err returns the error that ended the session, or nil when it ended
	// because Close was called. It is only meaningful after Finals has been
	// closed.
	Err() error

	// Close terminates the session and releases its resources. After Close
	// returns, the Partials and Finals channels are closed. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The caller owns
	// the SessionHandle and must call Close when done.
	//
	// Errors that wrap ErrPermanent mean the provider cannot be used at all.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// Transcriber transcribes one complete utterance at a time.
type Transcriber interface {
	// Transcribe returns the text spoken in pcm. An empty string means no
	// speech was recognised.
	Transcribe(ctx context.Context, pcm []byte, format media.Format, language string) (string, error)
}

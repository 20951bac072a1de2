// Package vad detects speech in the candidate's microphone audio.
//
// Batch transcription engines have no notion of an utterance, so the batch
// adapter runs a VAD session alongside each recognition stream and submits
// the audio between a speech start and the following speech end.
package vad

// Config describes the frames a session receives and where it draws the line
// between speech and silence.
type Config struct {
	// SampleRate of the 16-bit mono PCM passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the fixed frame length. Frames of any other size are
	// rejected.
	FrameSizeMs int

	// SpeechThreshold in [0,1]: a frame at or above it counts as speech.
	SpeechThreshold float64

	// SilenceThreshold in [0, SpeechThreshold]: a frame below it counts as
	// silence. The gap between the two keeps a hesitating speaker from being
	// cut into fragments.
	SilenceThreshold float64
}

// SessionHandle tracks speech state for one audio stream. It is used from a
// single goroutine.
type SessionHandle interface {
	// ProcessFrame classifies one frame. It does not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset forgets any speech in progress, e.g. after the microphone was
	// muted.
	Reset()

	// Close releases the session. Further calls to Close return nil.
	Close() error
}

// Engine creates sessions. It is safe for concurrent use.
type Engine interface {
	// NewSession returns a session for cfg or an error when cfg is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}

package vad

import (
	"errors"
	"fmt"
)

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// String returns the event type name.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}

// FrameBytes returns the size in bytes of one 16-bit mono frame for c.
// Returns 0 when SampleRate or FrameSizeMs is not positive.
func (c Config) FrameBytes() int {
	if c.SampleRate <= 0 || c.FrameSizeMs <= 0 {
		return 0
	}
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// Validate reports configuration errors shared by every engine.
func (c Config) Validate() error {
	var errs []error
	if c.FrameBytes() == 0 {
		errs = append(errs, fmt.Errorf("vad: invalid frame geometry %d Hz / %d ms", c.SampleRate, c.FrameSizeMs))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold %.2f out of range [0,1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold %.2f must be in [0, speech threshold]", c.SilenceThreshold))
	}
	return errors.Join(errs...)
}

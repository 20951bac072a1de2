package stt

import "time"

// Transcript is one recognition result for the candidate's speech.
type Transcript struct {
	Text string

	// IsFinal is set on committed results. Partials may still be revised and
	// never reach the transcript.
	IsFinal bool

	// Confidence in [0,1], or 0 when the provider does not report one.
	Confidence float64

	// Words is only filled by providers with word timing.
	Words []WordDetail

	// Timestamp is the utterance start and Duration its length, both relative
	// to the start of the stream. The recognizer derives final latency from
	// them.
	Timestamp time.Duration
	Duration  time.Duration
}

// WordDetail is the timing of a single recognised word.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost biases recognition toward a term the candidate is likely to
// say, such as a company or a technology named in the job description.
// Boost is on the provider's own scale; 1 is a neutral hint.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

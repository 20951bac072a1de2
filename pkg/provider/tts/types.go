package tts

// VoiceProfile selects the voice the interviewer's turns are spoken in.
type VoiceProfile struct {
	ID string

	// Name is what ListVoices shows when choosing speaker.voice_id.
	Name string

	Provider string

	// SpeedFactor scales the speaking rate. Zero and 1 keep the provider's
	// default; providers clamp it to the range they support.
	SpeedFactor float64

	// Labels are the provider's descriptive tags such as accent or category.
	Labels map[string]string
}

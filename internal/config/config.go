// Package config provides the configuration schema, loader, and backend
// registry for the liveinterview client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SpeakerMode selects how agent turns are vocalised.
type SpeakerMode string

const (
	// SpeakerPaced holds suppression for an estimate of the spoken duration.
	// Use it when the agent renders its own speech remotely.
	SpeakerPaced SpeakerMode = "paced"

	// SpeakerTTS synthesises agent turns locally and plays them.
	SpeakerTTS SpeakerMode = "tts"
)

// IsValid reports whether m is a recognised speaker mode.
func (m SpeakerMode) IsValid() bool {
	return m == SpeakerPaced || m == SpeakerTTS
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Session    SessionConfig    `yaml:"session"`
	Channel    ChannelConfig    `yaml:"channel"`
	Capture    CaptureConfig    `yaml:"capture"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Speaker    SpeakerConfig    `yaml:"speaker"`
	Upload     UploadConfig     `yaml:"upload"`
	Providers  ProvidersConfig  `yaml:"providers"`
}

// ServerConfig holds the observability listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for /healthz, /readyz and /metrics
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the listener. When nil, it serves plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// OTLPEndpoint is the OTLP/HTTP traces URL
	// (e.g., "http://localhost:4318/v1/traces"). Empty keeps spans local.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// SessionConfig holds per-session timing and policy.
type SessionConfig struct {
	// TickInterval is the length of one clock unit. Default: 1s.
	TickInterval time.Duration `yaml:"tick_interval"`

	// AcquireTimeout bounds device and channel acquisition. Default: 15s.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// SendTimeout bounds one outbound frame write. Default: 10s.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// SkipVideo disables the camera.
	SkipVideo bool `yaml:"skip_video"`

	// EndOnChannelLoss ends the session when the agent connection is lost
	// and cannot be recovered.
	EndOnChannelLoss bool `yaml:"end_on_channel_loss"`

	// Reconnect configures channel reconnection. Disabled by default.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig configures channel reconnection with exponential backoff.
type ReconnectConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// ChannelConfig describes the agent's websocket endpoint.
type ChannelConfig struct {
	// URL is the ws:// or wss:// endpoint of the agent.
	URL string `yaml:"url"`

	// Headers are sent with the opening handshake.
	Headers map[string]string `yaml:"headers"`

	// ReadLimit caps the size of one inbound frame in bytes. Zero keeps the
	// channel default of 32 MiB. A larger frame ends the connection.
	ReadLimit int64 `yaml:"read_limit"`

	// CloseTimeout bounds the closing handshake. Zero keeps the default.
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

// CaptureBackend names a built-in capture implementation.
type CaptureBackend string

const (
	// CaptureExec spawns one command per track (arecord, ffmpeg, ...).
	CaptureExec CaptureBackend = "exec"

	// CaptureFile replays a recorded audio file as the microphone.
	CaptureFile CaptureBackend = "file"
)

// CaptureConfig selects and configures the camera and microphone.
type CaptureConfig struct {
	// Backend is the name of a capture factory in the [Registry].
	Backend CaptureBackend `yaml:"backend"`

	// AudioCommand produces 16-bit little-endian PCM on stdout. Exec only.
	AudioCommand string `yaml:"audio_command"`

	// VideoCommand produces encoded frames on stdout. Exec only; empty
	// means no camera.
	VideoCommand string `yaml:"video_command"`

	// SampleRate and Channels describe the PCM produced by AudioCommand, or
	// of a headerless File. Default: 16000 Hz mono.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// FrameMs is the duration of one audio frame. Default: 20.
	FrameMs int `yaml:"frame_ms"`

	// VideoFrameBytes is the size of one video frame. Exec only.
	VideoFrameBytes int `yaml:"video_frame_bytes"`

	// File is the recording replayed as the microphone. File only.
	File string `yaml:"file"`

	// Loop replays File forever.
	Loop bool `yaml:"loop"`

	// Preview runs the microphone level meter on the entry screen before the
	// candidate joins.
	Preview bool `yaml:"preview"`
}

// RecognizerConfig configures continuous speech recognition.
type RecognizerConfig struct {
	// Language is the BCP-47 code passed to the speech backend (e.g. "en-US").
	Language string `yaml:"language"`

	// Keywords are vocabulary hints for the backend.
	Keywords []string `yaml:"keywords"`

	// RestartDelay is the pause before reopening a failed stream.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// MaxFailures is the number of consecutive failed streams after which
	// recognition is disabled. Default: 5.
	MaxFailures int `yaml:"max_failures"`
}

// SpeakerConfig configures how agent turns are vocalised.
type SpeakerConfig struct {
	// Mode is "paced" (default) or "tts".
	Mode SpeakerMode `yaml:"mode"`

	// WordsPerMinute is the speaking rate assumed in paced mode.
	WordsPerMinute int `yaml:"words_per_minute"`

	// Tail is the extra suppression after an agent turn finished. Default:
	// 800ms.
	Tail *time.Duration `yaml:"tail"`

	// VoiceID selects the TTS voice in tts mode.
	VoiceID string `yaml:"voice_id"`

	// PlaybackCommand reads raw PCM on stdin (e.g. "aplay -q -f S16_LE").
	PlaybackCommand string `yaml:"playback_command"`

	// PlaybackFile writes synthesised speech to a WAV file instead.
	PlaybackFile string `yaml:"playback_file"`
}

// UploadConfig configures the resume upload on the entry screen.
type UploadConfig struct {
	// URL receives the multipart POST. Empty disables uploading.
	URL string `yaml:"url"`

	// Required gates joining the session on a successful upload.
	Required bool `yaml:"required"`

	// Timeout bounds one upload. Default: 60s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxBytes rejects larger files before uploading. Zero means no limit.
	MaxBytes int64 `yaml:"max_bytes"`
}

// ProvidersConfig declares which implementation backs each speech service.
// Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	STT          ProviderEntry   `yaml:"stt"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	TTS          ProviderEntry   `yaml:"tts"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
	VAD          ProviderEntry   `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// OptString extracts a string value from Options. It returns "" if the key is
// absent or not a string.
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptFloat extracts a number from Options, accepting YAML ints and floats.
func (e ProviderEntry) OptFloat(key string) (float64, bool) {
	switch v := e.Options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LIVEINTERVIEW_"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisper", "openai"},
	"tts": {"elevenlabs"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides are the settings that may come from the environment. Secrets
// and endpoints usually do.
type envOverrides struct {
	LogLevel   string `env:"LOG_LEVEL"`
	ListenAddr string `env:"LISTEN_ADDR"`
	OTLP       string `env:"OTLP_ENDPOINT"`
	ChannelURL string `env:"CHANNEL_URL"`
	UploadURL  string `env:"UPLOAD_URL"`
	STTAPIKey  string `env:"STT_API_KEY"`
	STTBaseURL string `env:"STT_BASE_URL"`
	TTSAPIKey  string `env:"TTS_API_KEY"`
	TTSVoiceID string `env:"TTS_VOICE_ID"`
}

// ApplyEnv overwrites cfg with every LIVEINTERVIEW_* variable that is set.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	if o.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(o.LogLevel)
	}
	set(&cfg.Server.ListenAddr, o.ListenAddr)
	set(&cfg.Server.OTLPEndpoint, o.OTLP)
	set(&cfg.Channel.URL, o.ChannelURL)
	set(&cfg.Upload.URL, o.UploadURL)
	set(&cfg.Providers.STT.APIKey, o.STTAPIKey)
	set(&cfg.Providers.STT.BaseURL, o.STTBaseURL)
	set(&cfg.Providers.TTS.APIKey, o.TTSAPIKey)
	set(&cfg.Speaker.VoiceID, o.TTSVoiceID)
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if ep := cfg.Server.OTLPEndpoint; ep != "" {
		if u, err := url.Parse(ep); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("server.otlp_endpoint %q must be an http or https URL", ep))
		}
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Session
	for name, d := range map[string]int64{
		"session.tick_interval":         int64(cfg.Session.TickInterval),
		"session.acquire_timeout":       int64(cfg.Session.AcquireTimeout),
		"session.send_timeout":          int64(cfg.Session.SendTimeout),
		"session.reconnect.backoff":     int64(cfg.Session.Reconnect.Backoff),
		"session.reconnect.max_backoff": int64(cfg.Session.Reconnect.MaxBackoff),
		"recognizer.restart_delay":      int64(cfg.Recognizer.RestartDelay),
		"upload.timeout":                int64(cfg.Upload.Timeout),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if cfg.Session.Reconnect.MaxRetries < 0 {
		errs = append(errs, errors.New("session.reconnect.max_retries must not be negative"))
	}

	// Channel
	if cfg.Channel.URL == "" {
		errs = append(errs, errors.New("channel.url is required (or set "+EnvPrefix+"CHANNEL_URL)"))
	} else if err := checkURL(cfg.Channel.URL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("channel.url: %w", err))
	}
	if cfg.Channel.ReadLimit < 0 {
		errs = append(errs, errors.New("channel.read_limit must not be negative"))
	}

	// Capture
	switch cfg.Capture.Backend {
	case "":
		slog.Warn("capture.backend is empty; the session will run without camera and microphone")
	case CaptureExec:
		if cfg.Capture.AudioCommand == "" && cfg.Capture.VideoCommand == "" {
			errs = append(errs, errors.New("capture.backend exec needs audio_command or video_command"))
		}
	case CaptureFile:
		if cfg.Capture.File == "" {
			errs = append(errs, errors.New("capture.file is required when capture.backend is file"))
		}
	}
	if cfg.Capture.Channels < 0 || cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is out of range [1, 2]", cfg.Capture.Channels))
	}
	if cfg.Capture.SampleRate < 0 || cfg.Capture.FrameMs < 0 {
		errs = append(errs, errors.New("capture.sample_rate and capture.frame_ms must not be negative"))
	}

	// Recognizer
	if cfg.Recognizer.MaxFailures < 0 {
		errs = append(errs, errors.New("recognizer.max_failures must not be negative"))
	}

	// Speaker
	if cfg.Speaker.Mode != "" && !cfg.Speaker.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("speaker.mode %q is invalid; valid values: paced, tts", cfg.Speaker.Mode))
	}
	if cfg.Speaker.Mode == SpeakerTTS {
		if cfg.Providers.TTS.Name == "" {
			errs = append(errs, errors.New("speaker.mode tts requires providers.tts"))
		}
		if cfg.Speaker.PlaybackCommand == "" && cfg.Speaker.PlaybackFile == "" {
			errs = append(errs, errors.New("speaker.mode tts requires playback_command or playback_file"))
		}
	}
	if cfg.Speaker.WordsPerMinute < 0 {
		errs = append(errs, errors.New("speaker.words_per_minute must not be negative"))
	}
	if cfg.Speaker.Tail != nil && *cfg.Speaker.Tail < 0 {
		errs = append(errs, errors.New("speaker.tail must not be negative"))
	}

	// Upload
	if cfg.Upload.Required && cfg.Upload.URL == "" {
		errs = append(errs, errors.New("upload.required needs upload.url"))
	}
	if cfg.Upload.URL != "" {
		if err := checkURL(cfg.Upload.URL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("upload.url: %w", err))
		}
	}
	if cfg.Upload.MaxBytes < 0 {
		errs = append(errs, errors.New("upload.max_bytes must not be negative"))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	for i, fb := range cfg.Providers.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", fb.Name)
	}
	if len(cfg.Providers.STTFallbacks) > 0 && cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt_fallbacks set without providers.stt"))
	}
	if cfg.Providers.STT.Name == "" && cfg.Capture.Backend != "" {
		slog.Warn("providers.stt is not configured; spoken answers will not be recognised")
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q is not one of %v", u.Scheme, schemes)
	}
	if u.Host == "" {
		return errors.New("host is missing")
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

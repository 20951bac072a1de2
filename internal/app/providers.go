package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/liveinterview/internal/config"
	"github.com/MrWong99/liveinterview/internal/resilience"
	"github.com/MrWong99/liveinterview/pkg/media"
	"github.com/MrWong99/liveinterview/pkg/provider/stt"
	"github.com/MrWong99/liveinterview/pkg/provider/tts"
	"github.com/MrWong99/liveinterview/pkg/provider/vad"
)

// Providers holds the backends a session is built from. Nil means the
// backend is not configured and the matching subsystem degrades.
type Providers struct {
	STT    stt.Provider
	TTS    tts.Provider
	VAD    vad.Engine
	Device media.Device
}

// BuildProviders instantiates every backend named in cfg through reg. A
// primary provider with fallbacks is wrapped in a failover group. Names that
// are not registered are skipped with a warning; factory errors are fatal.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}
	fbCfg := resilience.FallbackConfig{}

	if entry := cfg.Providers.STT; entry.Name != "" {
		p, err := create(reg.CreateSTT, "stt", entry)
		if err != nil {
			return nil, err
		}
		if p != nil && len(cfg.Providers.STTFallbacks) > 0 {
			group := resilience.NewSTTFallback(p, entry.Name, fbCfg)
			for _, fb := range cfg.Providers.STTFallbacks {
				alt, err := create(reg.CreateSTT, "stt", fb)
				if err != nil {
					return nil, err
				}
				if alt != nil {
					group.AddFallback(fb.Name, alt)
				}
			}
			p = group
		}
		ps.STT = p
	}

	if entry := cfg.Providers.TTS; entry.Name != "" {
		p, err := create(reg.CreateTTS, "tts", entry)
		if err != nil {
			return nil, err
		}
		if p != nil && len(cfg.Providers.TTSFallbacks) > 0 {
			group := resilience.NewTTSFallback(p, entry.Name, fbCfg)
			for _, fb := range cfg.Providers.TTSFallbacks {
				alt, err := create(reg.CreateTTS, "tts", fb)
				if err != nil {
					return nil, err
				}
				if alt == nil {
					continue
				}
				if err := group.AddFallback(fb.Name, alt); err != nil {
					return nil, fmt.Errorf("app: tts fallback %q: %w", fb.Name, err)
				}
			}
			p = group
		}
		ps.TTS = p
	}

	if entry := cfg.Providers.VAD; entry.Name != "" {
		p, err := create(reg.CreateVAD, "vad", entry)
		if err != nil {
			return nil, err
		}
		ps.VAD = p
	}

	if backend := cfg.Capture.Backend; backend != "" {
		d, err := reg.CreateCapture(cfg.Capture)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("capture backend not available, joining without camera and microphone", "backend", backend)
		case err != nil:
			return nil, fmt.Errorf("app: create capture %q: %w", backend, err)
		default:
			ps.Device = d
			slog.Info("capture backend created", "backend", backend)
		}
	}

	return ps, nil
}

// create runs one registry factory. An unregistered name yields a nil
// provider and no error.
func create[T any](fn func(config.ProviderEntry) (T, error), kind string, entry config.ProviderEntry) (T, error) {
	var zero T
	p, err := fn(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("provider not registered, skipping", "kind", kind, "name", entry.Name)
		return zero, nil
	}
	if err != nil {
		return zero, fmt.Errorf("app: create %s provider %q: %w", kind, entry.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name, "model", entry.Model)
	return p, nil
}

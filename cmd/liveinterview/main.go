// Command liveinterview joins a live interview with an AI agent from the
// terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/liveinterview/internal/app"
	"github.com/MrWong99/liveinterview/internal/config"
	"github.com/MrWong99/liveinterview/internal/health"
	"github.com/MrWong99/liveinterview/internal/observe"
	"github.com/MrWong99/liveinterview/pkg/media"
	mediaexec "github.com/MrWong99/liveinterview/pkg/media/exec"
	mediafile "github.com/MrWong99/liveinterview/pkg/media/file"
	"github.com/MrWong99/liveinterview/pkg/provider/stt"
	"github.com/MrWong99/liveinterview/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/liveinterview/pkg/provider/stt/openai"
	"github.com/MrWong99/liveinterview/pkg/provider/stt/whisper"
	"github.com/MrWong99/liveinterview/pkg/provider/tts"
	"github.com/MrWong99/liveinterview/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/liveinterview/pkg/provider/vad"
	"github.com/MrWong99/liveinterview/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", 5*time.Second, "config poll interval; 0 reloads only on SIGHUP")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "liveinterview: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "liveinterview: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("liveinterview starting",
		"version", version,
		"config", *configPath,
		"channel_url", cfg.Channel.URL,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Server.OTLPEndpoint,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(cfg, providers, app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config reload ─────────────────────────────────────────────────────────
	w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes need a restart", "sections", d.RestartRequired)
		}
		application.SetConfig(new)
		slog.Info("config applied", "session_changed", d.SessionChanged, "upload_changed", d.UploadChanged)
	}, config.WithInterval(*watch))
	if err != nil {
		slog.Warn("config reloading disabled", "err", err)
	} else {
		defer w.Stop()
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if err := w.Reload(); err != nil && !errors.Is(err, config.ErrUnchanged) {
						slog.Warn("config edit rejected; keeping previous config", "err", err)
					}
				}
			}
		}()
	}

	// ── Observability listener ────────────────────────────────────────────────
	srv := newServer(cfg.Server, application, metrics)
	if srv != nil {
		go func() {
			var err error
			if tls := cfg.Server.TLS; tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("observability listener failed", "addr", srv.Addr, "err", err)
			}
		}()
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("observability listener shutdown error", "err", err)
		}
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newServer builds the health and metrics listener, or returns nil when no
// listen address is configured.
func newServer(sc config.ServerConfig, a *app.App, m *observe.Metrics) *http.Server {
	if sc.ListenAddr == "" {
		return nil
	}
	sessions := a.Sessions()
	mux := http.NewServeMux()
	health.New(health.Checker{Name: "session", Check: sessions.Check}).
		WithStatus(sessions.Status).
		Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              sc.ListenAddr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the speech backends and capture devices that ship
// with liveinterview into reg.
func registerBuiltins(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms, ok := entry.OptFloat("endpointing_ms"); ok {
			opts = append(opts, deepgram.WithEndpointingMs(int(ms)))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []whisper.Option{whisper.WithVAD(energyEngine(entry))}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []oaistt.Option{oaistt.WithVAD(energyEngine(entry))}
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptString("organization"); org != "" {
			opts = append(opts, oaistt.WithOrganization(org))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.OptString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithAPIBase(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		return energyEngine(entry), nil
	})

	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture(config.CaptureExec, func(c config.CaptureConfig) (media.Device, error) {
		if c.AudioCommand == "" && c.VideoCommand == "" {
			return nil, errors.New("capture exec: audio_command or video_command is required")
		}
		return mediaexec.New(map[media.Kind]mediaexec.CommandConfig{
			media.KindAudio: {
				Command: c.AudioCommand,
				Format:  captureFormat(c),
				FrameMs: c.FrameMs,
			},
			media.KindVideo: {
				Command:    c.VideoCommand,
				FrameBytes: c.VideoFrameBytes,
			},
		}), nil
	})

	reg.RegisterCapture(config.CaptureFile, func(c config.CaptureConfig) (media.Device, error) {
		if c.File == "" {
			return nil, errors.New("capture file: file is required")
		}
		opts := []mediafile.Option{mediafile.WithLoop(c.Loop)}
		if c.FrameMs > 0 {
			opts = append(opts, mediafile.WithFrameMs(c.FrameMs))
		}
		if c.SampleRate > 0 || c.Channels > 0 {
			opts = append(opts, mediafile.WithRawFormat(captureFormat(c)))
		}
		return mediafile.New(c.File, opts...), nil
	})

	for _, kind := range []string{"stt", "tts", "vad", "capture"} {
		slog.Debug("registered backends", "kind", kind, "names", reg.Names(kind))
	}
}

// energyEngine builds the energy detector from the options of entry. The
// batch speech backends use it to cut utterances.
func energyEngine(entry config.ProviderEntry) *energy.Engine {
	var opts []energy.Option
	if ref, ok := entry.OptFloat("vad_reference"); ok {
		opts = append(opts, energy.WithReference(ref))
	}
	if n, ok := entry.OptFloat("vad_speech_frames"); ok {
		opts = append(opts, energy.WithSpeechFrames(int(n)))
	}
	if n, ok := entry.OptFloat("vad_silence_frames"); ok {
		opts = append(opts, energy.WithSilenceFrames(int(n)))
	}
	return energy.New(opts...)
}

func captureFormat(c config.CaptureConfig) media.Format {
	f := media.Format{SampleRate: c.SampleRate, Channels: c.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = 16000
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return f
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     Live interview: startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Agent", cfg.Channel.URL)
	printRow("STT", providerLabel(cfg.Providers.STT))
	printRow("TTS", providerLabel(cfg.Providers.TTS))
	printRow("VAD", providerLabel(cfg.Providers.VAD))
	printRow("Capture", orNone(string(cfg.Capture.Backend)))
	printRow("Speaker", orNone(string(cfg.Speaker.Mode)))
	if cfg.Upload.Required {
		printRow("Resume", "required")
	} else {
		printRow("Resume", orNone(cfg.Upload.URL))
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Name == "" || e.Model == "" {
		return orNone(e.Name)
	}
	return e.Name + " / " + e.Model
}

func orNone(s string) string {
	if s == "" {
		return "(not configured)"
	}
	return s
}

func printRow(kind, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

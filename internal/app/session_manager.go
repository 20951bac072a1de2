package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/liveinterview/internal/config"
	"github.com/MrWong99/liveinterview/internal/observe"
	"github.com/MrWong99/liveinterview/internal/recognizer"
	"github.com/MrWong99/liveinterview/internal/resilience"
	"github.com/MrWong99/liveinterview/internal/session"
	"github.com/MrWong99/liveinterview/internal/speaker"
	"github.com/MrWong99/liveinterview/pkg/channel"
	"github.com/MrWong99/liveinterview/pkg/media"
	mediaexec "github.com/MrWong99/liveinterview/pkg/media/exec"
	mediafile "github.com/MrWong99/liveinterview/pkg/media/file"
	"github.com/MrWong99/liveinterview/pkg/provider/stt"
	"github.com/MrWong99/liveinterview/pkg/provider/tts"
)

// ErrSessionActive is returned by [SessionManager.Start] while another
// session is running.
var ErrSessionActive = errors.New("app: a session is already active")

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// ChannelURL is the agent endpoint the session connects to.
	ChannelURL string

	// StartedAt is when the candidate joined.
	StartedAt time.Time
}

// SessionManager builds and runs one interview session at a time. All
// exported methods are safe for concurrent use.
type SessionManager struct {
	mu      sync.Mutex
	ctrl    *session.Controller
	info    SessionInfo
	closers []func() error

	// Dependencies injected at construction.
	config    func() *config.Config
	providers *Providers
	display   media.Display
	metrics   *observe.Metrics
	dial      session.Dialer
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Config returns the configuration the next session is built from. It is
	// consulted on every Start so reloaded settings take effect.
	Config func() *config.Config

	Providers *Providers
	Display   media.Display
	Metrics   *observe.Metrics

	// Dial overrides the websocket dialer built from the channel settings.
	Dial session.Dialer
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	ps := cfg.Providers
	if ps == nil {
		ps = &Providers{}
	}
	return &SessionManager{
		config:    cfg.Config,
		providers: ps,
		display:   cfg.Display,
		metrics:   cfg.Metrics,
		dial:      cfg.Dial,
	}
}

// Start builds a session from the current configuration and starts it. The
// session keeps running until it ends on its own, ctx is cancelled, or
// [SessionManager.Stop] is called.
func (sm *SessionManager) Start(ctx context.Context, view session.View) (*session.Controller, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.ctrl != nil {
		select {
		case <-sm.ctrl.Ended():
			sm.releaseLocked()
		default:
			return nil, fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.info.SessionID)
		}
	}

	cfg := sm.config()
	renderer, closers, err := sm.buildRenderer(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: build speaker: %w", err)
	}

	now := time.Now().UTC()
	sessionID := "interview-" + now.Format("20060102T150405Z")
	ctx, span := observe.StartSessionSpan(ctx, sessionID)

	ctrl := session.New(sessionConfig(cfg, sessionID), session.Deps{
		Device:            sm.providers.Device,
		Dial:              sm.dialer(ctx, cfg),
		STT:               sm.providers.STT,
		Renderer:          renderer,
		Display:           sm.display,
		View:              view,
		Metrics:           sm.metrics,
		Logger:            observe.Logger(ctx),
		RecognizerOptions: recognizerOptions(cfg.Recognizer),
		SpeakerOptions:    speakerOptions(cfg.Speaker),
	})
	if err := ctrl.Start(ctx); err != nil {
		span.End()
		runClosers(closers)
		return nil, fmt.Errorf("app: start session: %w", err)
	}
	go func() {
		<-ctrl.Ended()
		sum := ctrl.Summary()
		span.SetAttributes(
			attribute.String("session.end_reason", sum.Reason),
			attribute.Int("session.clock", sum.Clock),
			attribute.Int("session.user_turns", sum.UserTurns),
			attribute.Int("session.agent_turns", sum.AgentTurns),
		)
		span.End()
	}()

	sm.ctrl = ctrl
	sm.closers = closers
	sm.info = SessionInfo{
		SessionID:  sessionID,
		ChannelURL: cfg.Channel.URL,
		StartedAt:  now,
	}

	slog.Info("session started",
		"session_id", sessionID,
		"channel_url", cfg.Channel.URL,
		"speaker_mode", cfg.Speaker.Mode,
		"stt", sm.providers.STT != nil,
		"capture", sm.providers.Device != nil,
	)
	return ctrl, nil
}

// Stop leaves the active session and releases the speaker output. It
// returns an error if no session is active.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.ctrl == nil {
		return errors.New("app: no active session to stop")
	}
	sessionID := sm.info.SessionID
	if err := sm.ctrl.Leave(ctx); err != nil && !errors.Is(err, session.ErrEnded) {
		slog.Warn("leave failed", "session_id", sessionID, "err", err)
	}
	sm.releaseLocked()
	slog.Info("session stopped", "session_id", sessionID)
	return nil
}

// releaseLocked forgets the current session and runs its closers. The
// session must have ended or been told to leave.
func (sm *SessionManager) releaseLocked() {
	runClosers(sm.closers)
	sm.ctrl = nil
	sm.closers = nil
	sm.info = SessionInfo{}
}

// IsActive reports whether a session is running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.ctrl == nil {
		return false
	}
	select {
	case <-sm.ctrl.Ended():
		return false
	default:
		return true
	}
}

// Info returns metadata about the active session, or the zero value.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Controller returns the active session, or nil.
func (sm *SessionManager) Controller() *session.Controller {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.ctrl
}

// Check is a readiness probe. It fails while a live session has lost its
// agent connection.
func (sm *SessionManager) Check(context.Context) error {
	ctrl := sm.Controller()
	if ctrl == nil {
		return nil
	}
	if snap := ctrl.Snapshot(); snap.State == session.StateLive && snap.Disconnected {
		return errors.New("agent channel disconnected")
	}
	return nil
}

// Status reports the active session for the status endpoint.
func (sm *SessionManager) Status() any {
	ctrl := sm.Controller()
	if ctrl == nil {
		return map[string]any{"active": false}
	}
	snap := ctrl.Snapshot()
	return map[string]any{
		"active":       snap.State != session.StateEnded,
		"id":           snap.ID,
		"state":        snap.State.String(),
		"clock":        session.FormatClock(snap.Clock),
		"turns":        len(snap.Transcript),
		"video":        snap.Video,
		"audio":        snap.Audio,
		"disconnected": snap.Disconnected,
		"suppressed":   snap.Suppressed,
		"notice":       snap.Notice,
	}
}

// ─── Config conversion ───────────────────────────────────────────────────────

func sessionConfig(cfg *config.Config, id string) session.Config {
	s := cfg.Session
	return session.Config{
		ID:             id,
		TickInterval:   s.TickInterval,
		AcquireTimeout: s.AcquireTimeout,
		SendTimeout:    s.SendTimeout,
		SkipVideo:      s.SkipVideo,
		Reconnect: session.ReconnectPolicy{
			Enabled:    s.Reconnect.Enabled,
			MaxRetries: s.Reconnect.MaxRetries,
			Backoff:    s.Reconnect.Backoff,
			MaxBackoff: s.Reconnect.MaxBackoff,
		},
		EndOnChannelLoss: s.EndOnChannelLoss,
	}
}

func (sm *SessionManager) dialer(ctx context.Context, cfg *config.Config) session.Dialer {
	if sm.dial != nil {
		return sm.dial
	}
	return session.ChannelDialer(cfg.Channel.URL, channelOptions(ctx, cfg.Channel)...)
}

// channelOptions converts the channel settings. The handshake carries the
// configured headers and the traceparent of the session span.
func channelOptions(ctx context.Context, c config.ChannelConfig) []channel.Option {
	var opts []channel.Option
	h := make(http.Header, len(c.Headers)+1)
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	observe.InjectHeaders(ctx, h)
	if len(h) > 0 {
		opts = append(opts, channel.WithHeader(h))
	}
	if c.ReadLimit > 0 {
		opts = append(opts, channel.WithReadLimit(c.ReadLimit))
	}
	if c.CloseTimeout > 0 {
		opts = append(opts, channel.WithCloseTimeout(c.CloseTimeout))
	}
	return opts
}

func recognizerOptions(c config.RecognizerConfig) []recognizer.Option {
	var opts []recognizer.Option
	if c.Language != "" {
		opts = append(opts, recognizer.WithLanguage(c.Language))
	}
	if len(c.Keywords) > 0 {
		kw := make([]stt.KeywordBoost, 0, len(c.Keywords))
		for _, k := range c.Keywords {
			kw = append(kw, stt.KeywordBoost{Keyword: k, Boost: 1})
		}
		opts = append(opts, recognizer.WithKeywords(kw))
	}
	if c.RestartDelay > 0 {
		opts = append(opts, recognizer.WithRestartDelay(c.RestartDelay))
	}
	if c.MaxFailures > 0 {
		opts = append(opts, recognizer.WithBreaker(resilience.CircuitBreakerConfig{
			Name:        "recognizer",
			MaxFailures: c.MaxFailures,
		}))
	}
	return opts
}

func speakerOptions(c config.SpeakerConfig) []speaker.Option {
	if c.Tail == nil {
		return nil
	}
	return []speaker.Option{speaker.WithTail(*c.Tail)}
}

// buildRenderer returns the agent speech renderer for cfg and the closers of
// any output device it opened.
func (sm *SessionManager) buildRenderer(cfg *config.Config) (speaker.Renderer, []func() error, error) {
	sc := cfg.Speaker
	if sc.Mode != config.SpeakerTTS {
		return speaker.NewPaced(sc.WordsPerMinute), nil, nil
	}
	if sm.providers.TTS == nil {
		slog.Warn("speaker mode tts without a tts provider, falling back to paced speech")
		return speaker.NewPaced(sc.WordsPerMinute), nil, nil
	}

	var sink media.Sink
	if sc.PlaybackCommand != "" {
		s, err := mediaexec.NewSink(sc.PlaybackCommand)
		if err != nil {
			return nil, nil, err
		}
		sink = s
	} else {
		sink = mediafile.NewSink(sc.PlaybackFile)
	}
	voice := tts.VoiceProfile{ID: sc.VoiceID, Provider: cfg.Providers.TTS.Name}
	return speaker.NewSynthesized(sm.providers.TTS, voice, sink), []func() error{sink.Close}, nil
}

func runClosers(closers []func() error) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
}

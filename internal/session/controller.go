// Package session implements the live interview session controller: the
// single authority that acquires the capture devices and the message channel,
// wires recognized speech and inbound frames into one ordered transcript,
// runs the session clock, and tears everything down exactly once.
//
// All session state is owned by one event loop goroutine. Every producer (the
// clock, the channel reader, the recognizer, the speaker, acquisition workers
// and user input) posts events onto a single queue, so transcript order is
// arrival order and the suppression check for an utterance is evaluated in the
// same loop turn as the agent turn that raised it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/liveinterview/internal/level"
	"github.com/MrWong99/liveinterview/internal/observe"
	"github.com/MrWong99/liveinterview/internal/recognizer"
	"github.com/MrWong99/liveinterview/internal/speaker"
	"github.com/MrWong99/liveinterview/internal/transcript"
	"github.com/MrWong99/liveinterview/pkg/channel"
	"github.com/MrWong99/liveinterview/pkg/media"
	"github.com/MrWong99/liveinterview/pkg/provider/stt"
)

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// State is the lifecycle phase of a session. Transitions only move forward:
// Idle → Connecting → Live → Ending → Ended. Nothing leaves Ended.
type State int

const (
	// StateIdle is a created but not yet started session.
	StateIdle State = iota

	// StateConnecting means devices and the channel are being acquired.
	StateConnecting

	// StateLive means every acquisition has reported, possibly degraded.
	StateLive

	// StateEnding means teardown is in progress.
	StateEnding

	// StateEnded is terminal.
	StateEnded
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// End reasons reported in [Summary.Reason].
const (
	ReasonLeft        = "left"
	ReasonChannelLost = "channel lost"
	ReasonCancelled   = "cancelled"
)

var (
	// ErrStarted is returned by Start on a session that was already started.
	ErrStarted = errors.New("session: already started")

	// ErrEnded is returned by Start on a session that has already ended.
	ErrEnded = errors.New("session: ended")

	// ErrNoChannel is reported when no message channel is configured.
	ErrNoChannel = errors.New("session: no message channel configured")
)

// ─── Collaborators ───────────────────────────────────────────────────────────

// Conn is the controller's view of one message channel connection.
// [*channel.Channel] implements it.
type Conn interface {
	// Send transmits one frame.
	Send(ctx context.Context, text string) error

	// Close starts closing the connection. It is idempotent.
	Close() error
}

var _ Conn = (*channel.Channel)(nil)

// Dialer opens one message channel that reports its events to h.
type Dialer func(ctx context.Context, h channel.Handler) (Conn, error)

// ChannelDialer returns a [Dialer] that connects to url with [channel.Dial].
func ChannelDialer(url string, opts ...channel.Option) Dialer {
	return func(ctx context.Context, h channel.Handler) (Conn, error) {
		ch, err := channel.Dial(ctx, url, h, opts...)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// View renders session snapshots. Render is called from the event loop after
// every loop turn that changed the session and must not block.
type View interface {
	Render(s Snapshot)
}

// ViewFunc adapts a plain function to [View].
type ViewFunc func(Snapshot)

// Render calls f.
func (f ViewFunc) Render(s Snapshot) { f(s) }

// Snapshot is a point-in-time copy of the observable session state.
type Snapshot struct {
	ID    string
	State State

	// Clock is the number of elapsed clock units (seconds by default).
	Clock int

	// Transcript is a copy of every turn in order.
	Transcript []transcript.Turn

	// Video is true while camera frames are displayed; false means the
	// avatar placeholder is shown.
	Video bool

	// Audio is true while a microphone track is live.
	Audio bool

	// Connected is true while the message channel is open.
	Connected bool

	// Disconnected is the visible "disconnected" indicator: the channel could
	// not be opened or was lost.
	Disconnected bool

	// Suppressed is true while agent speech is pending or rendering.
	Suppressed bool

	// MicMuted reflects MuteMic/UnmuteMic.
	MicMuted bool

	// Level is the microphone level on the 0-255 analyser scale.
	Level float64

	// Notice is a user-facing message about a disabled subsystem.
	Notice string
}

// Summary describes a session at the time of the call; after the session
// ended it is final.
type Summary struct {
	ID         string
	Clock      int
	Duration   time.Duration
	UserTurns  int
	AgentTurns int
	Suppressed int
	Reason     string
}

// String renders the summary for the ended screen.
func (s Summary) String() string {
	return fmt.Sprintf("Interview lasted %s: %d answers, %d questions", FormatClock(s.Clock), s.UserTurns, s.AgentTurns)
}

// ─── Configuration ───────────────────────────────────────────────────────────

// ReconnectPolicy configures controller-level channel reconnection.
type ReconnectPolicy struct {
	// Enabled turns reconnection on. Disabled by default.
	Enabled bool

	// MaxRetries, Backoff and MaxBackoff follow [ReconnectorConfig].
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Config holds per-session settings. The zero value is usable.
type Config struct {
	// ID identifies the session in logs. Generated when empty.
	ID string

	// TickInterval is the length of one clock unit. Default: 1s.
	TickInterval time.Duration

	// AcquireTimeout bounds device and channel acquisition. Default: 15s.
	AcquireTimeout time.Duration

	// SendTimeout bounds one outbound frame write. Default: 10s.
	SendTimeout time.Duration

	// SkipVideo disables camera acquisition.
	SkipVideo bool

	// Reconnect is the channel reconnect policy.
	Reconnect ReconnectPolicy

	// EndOnChannelLoss ends the session when the channel is lost and cannot
	// be recovered.
	EndOnChannelLoss bool
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = fmt.Sprintf("s%x", time.Now().UnixNano())
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 15 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
}

// Deps are the collaborators of a session. Every field is optional; a
// missing collaborator degrades its subsystem.
type Deps struct {
	// Device acquires the camera and microphone.
	Device media.Device

	// Dial opens the message channel.
	Dial Dialer

	// STT backs the speech recognizer. Without it recognition is unavailable.
	STT stt.Provider

	// Renderer vocalises agent turns. Default: [speaker.NewPaced] at the
	// default speaking rate.
	Renderer speaker.Renderer

	// Display shows camera frames or the placeholder.
	Display media.Display

	// View receives snapshots.
	View View

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	RecognizerOptions []recognizer.Option
	SpeakerOptions    []speaker.Option
	LevelOptions      []level.Option
}

// ─── Controller ──────────────────────────────────────────────────────────────

// Controller runs one session. A new session needs a new Controller.
//
// Exported methods are safe for concurrent use; they post events to the loop
// and never block on subsystems.
type Controller struct {
	cfg     Config
	device  media.Device
	dial    Dialer
	display media.Display
	view    View
	metrics *observe.Metrics
	logger  *slog.Logger
	ticks   tickSource

	stream      *media.Stream
	recognizer  *recognizer.Recognizer
	speaker     *speaker.Speaker
	level       *level.Sensor
	reconnector *Reconnector
	log         transcript.Log

	events  *queue[func()]
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	dialGen atomic.Uint64
	hidden  atomic.Bool // video hidden by the user

	ready     chan struct{}
	readyOnce sync.Once
	ended     chan struct{}

	// Loop-owned state. Only the event loop goroutine touches these.
	state         State
	clock         int
	conn          Conn
	connGen       uint64
	connClosed    bool
	outbox        *queue[string]
	connected     bool
	disconnected  bool
	suppressed    bool
	pendingSpeech int
	suppressedN   int
	videoLive     bool
	audioLive     bool
	micMuted      bool
	notice        string
	reason        string
	liveAt        time.Time
	unwatch       func() bool
	dirty         bool

	mu      sync.RWMutex
	snap    Snapshot
	summary Summary
}

// New creates an idle session and starts its event loop.
func New(cfg Config, deps Deps) *Controller {
	cfg.applyDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", cfg.ID)
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:     cfg,
		device:  deps.Device,
		dial:    deps.Dial,
		display: deps.Display,
		view:    deps.View,
		metrics: metrics,
		logger:  logger,
		ticks:   realTicker,
		stream:  media.NewStream(),
		events:  newQueue[func()](),
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		ended:   make(chan struct{}),
	}

	levelOpts := append([]level.Option{level.WithLogger(logger)}, deps.LevelOptions...)
	levelOpts = append(levelOpts, level.WithOnLevel(func(v float64) {
		metrics.VoiceLevel.Record(context.Background(), v)
	}))
	c.level = level.New(levelOpts...)

	if deps.STT != nil {
		recOpts := append([]recognizer.Option{
			recognizer.WithLogger(logger),
			recognizer.WithLatencyObserver(func(d time.Duration) {
				metrics.STTLatency.Record(context.Background(), d.Seconds())
			}),
		}, deps.RecognizerOptions...)
		c.recognizer = recognizer.New(deps.STT, recognizerSink{c}, recOpts...)
	}

	renderer := deps.Renderer
	if renderer == nil {
		renderer = speaker.NewPaced(0)
	}
	spkOpts := append([]speaker.Option{speaker.WithLogger(logger)}, deps.SpeakerOptions...)
	c.speaker = speaker.New(renderer, speechNotifier{c}, spkOpts...)

	c.reconnector = NewReconnector(ReconnectorConfig{
		Dial:       c.dialConn,
		MaxRetries: cfg.Reconnect.MaxRetries,
		Backoff:    cfg.Reconnect.Backoff,
		MaxBackoff: cfg.Reconnect.MaxBackoff,
		OnReconnect: func(conn Conn) {
			gc := conn.(*genConn)
			if !c.post(func() { c.channelAcquired(gc) }) {
				_ = conn.Close()
			}
		},
		OnGiveUp: func(err error) {
			c.post(func() { c.reconnectFailed(err) })
		},
		Logger: logger,
	})

	c.snap = Snapshot{ID: cfg.ID, State: StateIdle}
	c.summary = Summary{ID: cfg.ID}
	go c.loop()
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.cfg.ID }

// Start moves the session to Connecting and acquires the camera, the
// microphone and the message channel concurrently. It returns without
// waiting; use [Controller.Ready] to wait for the acquisitions. When ctx ends
// the session leaves.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	ok := c.post(func() {
		if c.state != StateIdle {
			return
		}
		c.setState(StateConnecting)
		c.unwatch = context.AfterFunc(ctx, func() {
			c.post(func() { c.leave(ReasonCancelled) })
		})
		go runClock(c.ctx, c.ticks, c.cfg.TickInterval, func(n int) bool {
			return c.post(func() { c.tick(n) })
		})
		if c.cfg.Reconnect.Enabled {
			c.reconnector.Monitor(c.ctx)
		}
		go c.acquire()
	})
	if !ok {
		return ErrEnded
	}
	return nil
}

// Leave tears the session down: it stops every device track, closes the
// message channel, cancels pending agent speech and moves to Ended. It waits
// for the teardown to be applied, not for subsystems to acknowledge it.
// Leave is idempotent.
func (c *Controller) Leave(ctx context.Context) error {
	c.post(func() { c.leave(ReasonLeft) })
	select {
	case <-c.ended:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit sends text typed by the user. It reports whether the text was
// queued for the loop, and returns false for blank text and for a session
// that was never started or has ended. A queued text may still be discarded
// while the agent is speaking.
func (c *Controller) Submit(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || !c.started.Load() {
		return false
	}
	select {
	case <-c.ended:
		return false
	default:
	}
	return c.post(func() { c.submit(text) })
}

// MuteMic stops recognition and zeroes the level without releasing the
// microphone.
func (c *Controller) MuteMic() { c.post(func() { c.setMicMuted(true) }) }

// UnmuteMic resumes the level sensor and recognition.
func (c *Controller) UnmuteMic() { c.post(func() { c.setMicMuted(false) }) }

// SetVideo shows camera frames when on, and the placeholder otherwise.
func (c *Controller) SetVideo(on bool) {
	c.hidden.Store(!on)
	c.post(func() { c.changed() })
}

// Ready returns a channel closed once every acquisition has reported, or the
// session ended.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// Ended returns a channel closed once the session reached Ended.
func (c *Controller) Ended() <-chan struct{} { return c.ended }

// Snapshot returns the latest published state with the current level.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	s := c.snap
	c.mu.RUnlock()
	s.Transcript = slices.Clone(s.Transcript)
	s.Level = c.level.Level()
	return s
}

// Transcript returns a copy of every turn in order.
func (c *Controller) Transcript() []transcript.Turn { return c.log.Turns() }

// Summary describes the session so far.
func (c *Controller) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summary
}

// ─── Event loop ──────────────────────────────────────────────────────────────

func (c *Controller) post(ev func()) bool {
	return c.events.push(ev)
}

// loop runs every event in arrival order until the session has ended. Events
// still queued at the end run once more so late acquisitions are released.
func (c *Controller) loop() {
	for range c.events.ready {
		for _, ev := range c.events.take() {
			ev()
		}
		if c.dirty {
			c.publish()
		}
		if c.state == StateEnded {
			for _, ev := range c.events.close() {
				ev()
			}
			return
		}
	}
}

func (c *Controller) changed() { c.dirty = true }

func (c *Controller) setState(s State) {
	c.logger.Info("session state", "from", c.state.String(), "to", s.String())
	c.state = s
	c.changed()
}

func (c *Controller) publish() {
	c.dirty = false
	s := Snapshot{
		ID:           c.cfg.ID,
		State:        c.state,
		Clock:        c.clock,
		Transcript:   c.log.Turns(),
		Video:        c.videoLive && !c.hidden.Load(),
		Audio:        c.audioLive,
		Connected:    c.connected,
		Disconnected: c.disconnected,
		Suppressed:   c.suppressed,
		MicMuted:     c.micMuted,
		Level:        c.level.Level(),
		Notice:       c.notice,
	}
	sum := Summary{
		ID:         c.cfg.ID,
		Clock:      c.clock,
		Duration:   time.Duration(c.clock) * c.cfg.TickInterval,
		UserTurns:  c.log.Count(transcript.RoleUser),
		AgentTurns: c.log.Count(transcript.RoleAgent),
		Suppressed: c.suppressedN,
		Reason:     c.reason,
	}
	c.mu.Lock()
	c.snap = s
	c.summary = sum
	c.mu.Unlock()

	if c.view != nil {
		c.view.Render(s)
	}
}

func (c *Controller) tick(n int) {
	if c.state != StateConnecting && c.state != StateLive {
		return
	}
	if n > c.clock {
		c.clock = n
		c.changed()
	}
}

// ─── Acquisition ─────────────────────────────────────────────────────────────

// acquire runs the three acquisitions in parallel. Each one reports its own
// outcome as an event; a failure degrades only its subsystem.
func (c *Controller) acquire() {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.AcquireTimeout)
	defer cancel()

	var g errgroup.Group
	if !c.cfg.SkipVideo {
		g.Go(func() error { return c.acquireTrack(ctx, media.KindVideo) })
	}
	g.Go(func() error { return c.acquireTrack(ctx, media.KindAudio) })
	g.Go(func() error { return c.acquireChannel(ctx) })
	if err := g.Wait(); err != nil {
		c.logger.Debug("session: degraded acquisition", "err", err)
	}
	c.post(c.acquired)
}

func (c *Controller) acquireTrack(ctx context.Context, kind media.Kind) error {
	if c.device == nil {
		err := fmt.Errorf("session: no capture device: %w", media.ErrUnavailable)
		c.post(func() { c.trackAcquired(kind, nil, err) })
		return err
	}
	track, err := c.device.Open(ctx, kind)
	if err != nil {
		err = fmt.Errorf("session: open %s: %w", kind, err)
	}
	if !c.post(func() { c.trackAcquired(kind, track, err) }) && track != nil {
		_ = track.Stop()
	}
	return err
}

func (c *Controller) acquireChannel(ctx context.Context) error {
	if c.dial == nil {
		c.post(func() { c.channelFailed(ErrNoChannel) })
		return ErrNoChannel
	}
	conn, err := c.reconnector.Connect(ctx)
	if err != nil {
		c.post(func() { c.channelFailed(err) })
		return err
	}
	gc := conn.(*genConn)
	if !c.post(func() { c.channelAcquired(gc) }) {
		_ = c.reconnector.Stop()
	}
	return nil
}

func (c *Controller) trackAcquired(kind media.Kind, track media.Track, err error) {
	if err != nil {
		if c.state < StateEnding {
			c.logger.Warn("capture unavailable", "kind", kind.String(), "err", err)
			if kind == media.KindVideo && c.display != nil {
				c.display.ShowPlaceholder()
			}
			if kind == media.KindAudio {
				c.notice = "Microphone unavailable: speech recognition is off"
			}
			c.changed()
		}
		return
	}
	if c.state >= StateEnding {
		_ = track.Stop()
		return
	}
	if err := c.stream.Add(track); err != nil {
		c.logger.Warn("capture track rejected", "kind", kind.String(), "err", err)
		_ = track.Stop()
		return
	}

	switch kind {
	case media.KindAudio:
		c.audioLive = true
		if c.micMuted {
			c.stream.SetMuted(media.KindAudio, true)
		} else {
			c.startAudio()
		}
	case media.KindVideo:
		c.videoLive = true
		c.startVideo()
	}
	c.changed()
}

// startAudio runs the level sensor and the recognizer on the audio track.
func (c *Controller) startAudio() {
	c.level.Start(c.ctx, c.stream)
	if c.recognizer == nil {
		c.notice = "Speech recognition unavailable"
		return
	}
	if err := c.recognizer.Enable(c.ctx, c.stream); err != nil {
		c.logger.Warn("recognizer not enabled", "err", err)
		c.notice = "Speech recognition unavailable"
		return
	}
	c.notice = ""
}

func (c *Controller) startVideo() {
	if c.display == nil {
		return
	}
	frames, ok := c.stream.Tap(media.KindVideo, 4)
	if !ok {
		return
	}
	go pumpVideo(frames, c.display, &c.hidden)
}

// pumpVideo is the only caller of the display while a camera track is live.
func pumpVideo(frames <-chan media.Frame, d media.Display, hidden *atomic.Bool) {
	showing := false
	for f := range frames {
		if hidden.Load() {
			if showing {
				d.ShowPlaceholder()
				showing = false
			}
			continue
		}
		d.ShowFrame(f)
		showing = true
	}
	d.ShowPlaceholder()
}

func (c *Controller) acquired() {
	if c.state == StateConnecting {
		c.setState(StateLive)
		c.liveAt = time.Now()
		c.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Controller) setMicMuted(muted bool) {
	if c.state >= StateEnding || c.micMuted == muted {
		return
	}
	c.micMuted = muted
	c.stream.SetMuted(media.KindAudio, muted)
	if muted {
		c.level.Stop()
		if c.recognizer != nil {
			c.recognizer.Disable()
		}
	} else if c.audioLive {
		c.startAudio()
	}
	c.changed()
}

// ─── Message channel ─────────────────────────────────────────────────────────

// genConn tags a connection with the dial generation its events carry.
type genConn struct {
	Conn
	gen uint64
}

// connHandler forwards channel events onto the loop.
type connHandler struct {
	c   *Controller
	gen uint64
}

func (h connHandler) OnOpen() {}

func (h connHandler) OnFrame(text string) {
	h.c.post(func() { h.c.frameReceived(h.gen, text) })
}

func (h connHandler) OnClose(err error) {
	h.c.post(func() { h.c.channelClosed(h.gen, err) })
}

func (c *Controller) dialConn(ctx context.Context) (Conn, error) {
	gen := c.dialGen.Add(1)
	conn, err := c.dial(ctx, connHandler{c: c, gen: gen})
	if err != nil {
		return nil, err
	}
	return &genConn{Conn: conn, gen: gen}, nil
}

// seen moves the current generation forward. It reports false for events of
// a connection that has already been replaced.
func (c *Controller) seen(gen uint64) bool {
	if gen < c.connGen {
		return false
	}
	if gen > c.connGen {
		c.connGen = gen
		c.connClosed = false
	}
	return true
}

func (c *Controller) channelAcquired(gc *genConn) {
	if c.state >= StateEnding || !c.seen(gc.gen) {
		_ = gc.Close()
		return
	}
	if c.connClosed {
		// Closed before the dial result reached the loop.
		_ = gc.Close()
		return
	}
	c.conn = gc
	c.outbox = c.startSender(gc)
	c.connected = true
	c.disconnected = false
	c.logger.Info("message channel open", "generation", gc.gen)
	c.changed()
}

func (c *Controller) channelFailed(err error) {
	if c.state >= StateEnding {
		return
	}
	c.logger.Warn("message channel unavailable", "err", err)
	c.disconnected = true
	c.changed()
	c.channelLost()
}

func (c *Controller) channelClosed(gen uint64, err error) {
	if c.state >= StateEnding || !c.seen(gen) {
		return
	}
	c.connClosed = true
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.dropConn()
	c.connected = false
	c.disconnected = true
	c.metrics.ChannelDisconnects.Add(context.Background(), 1)
	c.logger.Warn("message channel lost", "generation", gen, "err", err)
	c.changed()
	c.channelLost()
}

// channelLost applies the reconnect policy.
func (c *Controller) channelLost() {
	if c.cfg.Reconnect.Enabled && c.dial != nil {
		c.reconnector.NotifyDisconnect()
		return
	}
	if c.cfg.EndOnChannelLoss {
		c.leave(ReasonChannelLost)
	}
}

func (c *Controller) reconnectFailed(err error) {
	if c.state >= StateEnding {
		return
	}
	c.logger.Error("message channel could not be recovered", "err", err)
	if c.cfg.EndOnChannelLoss {
		c.leave(ReasonChannelLost)
	}
}

func (c *Controller) frameReceived(gen uint64, text string) {
	if c.state >= StateEnding || !c.seen(gen) {
		return
	}
	c.metrics.RecordFrame(context.Background(), "in")

	turn := transcript.FromFrame(text)
	c.log.Append(turn)
	c.metrics.RecordTurn(context.Background(), turn.Role.String())
	if turn.Role == transcript.RoleAgent {
		if _, ok := c.speaker.Say(turn.Text); ok {
			c.pendingSpeech++
			c.suppressed = true
		}
	}
	c.changed()
}

// startSender runs the writer goroutine of one connection. Writes never block
// the loop; a write in flight when the connection closes fails quietly.
func (c *Controller) startSender(conn Conn) *queue[string] {
	q := newQueue[string]()
	go func() {
		for range q.ready {
			for _, text := range q.take() {
				c.transmit(conn, text)
			}
			if q.isClosed() {
				return
			}
		}
	}()
	return q
}

func (c *Controller) transmit(conn Conn, text string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SendTimeout)
	defer cancel()
	if err := conn.Send(ctx, text); err != nil {
		if errors.Is(err, channel.ErrClosed) || c.ctx.Err() != nil {
			c.logger.Debug("send after close dropped", "err", err)
			return
		}
		c.logger.Warn("send failed", "err", err)
	}
}

// dropConn detaches the current connection and stops its writer. Closing the
// connection itself is left to the caller.
func (c *Controller) dropConn() {
	if c.outbox != nil {
		c.outbox.close()
		c.outbox = nil
	}
	c.conn = nil
}

// ─── Submission ──────────────────────────────────────────────────────────────

// submit is the one outbound path for typed text and recognized speech.
func (c *Controller) submit(text string) {
	if c.state != StateConnecting && c.state != StateLive {
		return
	}
	if c.suppressed {
		c.suppressedN++
		c.metrics.SuppressedUtterances.Add(context.Background(), 1)
		c.logger.Debug("utterance suppressed while agent speaks", "chars", len(text))
		c.changed()
		return
	}
	c.log.Append(transcript.Turn{Role: transcript.RoleUser, Text: text})
	c.metrics.RecordTurn(context.Background(), transcript.RoleUser.String())
	if c.connected && c.outbox != nil {
		c.outbox.push(text)
		c.metrics.RecordFrame(context.Background(), "out")
	}
	c.changed()
}

// recognizerSink is the capability handed to the recognizer.
type recognizerSink struct{ c *Controller }

func (s recognizerSink) Utterance(text string) {
	s.c.post(func() {
		if s.c.micMuted {
			return
		}
		s.c.submit(text)
	})
}

func (s recognizerSink) RecognitionError(err error, permanent bool) {
	s.c.metrics.RecordRecognizerError(context.Background(), permanent)
	s.c.post(func() {
		if !permanent {
			s.c.logger.Debug("recognition restarted", "err", err)
			return
		}
		if s.c.state >= StateEnding {
			return
		}
		s.c.logger.Warn("recognition disabled", "err", err)
		s.c.notice = "Speech recognition stopped: " + err.Error()
		s.c.changed()
	})
}

// speechNotifier is the capability handed to the speaker. Every agent turn
// raised the suppression flag; the flag drops once all of them finished.
type speechNotifier struct{ c *Controller }

func (n speechNotifier) SpeechStarted(id uint64) {
	n.c.logger.Debug("agent speech started", "utterance", id)
}

func (n speechNotifier) SpeechFinished(id uint64, err error) {
	n.c.post(func() { n.c.speechFinished(id, err) })
}

func (c *Controller) speechFinished(id uint64, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, speaker.ErrCancelled), errors.Is(err, context.Canceled):
		status = "cancelled"
	default:
		status = "error"
		c.logger.Warn("agent speech failed", "utterance", id, "err", err)
	}
	c.metrics.RecordSpeech(context.Background(), status)

	if c.pendingSpeech > 0 {
		c.pendingSpeech--
	}
	if c.pendingSpeech == 0 && c.suppressed {
		c.suppressed = false
		c.changed()
	}
}

// ─── Teardown ────────────────────────────────────────────────────────────────

// leave performs the ordered teardown. Every step is best effort; nothing is
// awaited.
func (c *Controller) leave(reason string) {
	if c.state >= StateEnding {
		return
	}
	wasLive := c.state == StateLive
	c.reason = reason
	c.setState(StateEnding)
	c.publish()

	// 1. Device tracks, and the readers sampling them.
	if err := c.stream.Stop(); err != nil {
		c.logger.Warn("stopping capture", "err", err)
	}
	c.level.Stop()
	if c.recognizer != nil {
		c.recognizer.Disable()
	}
	c.audioLive, c.videoLive = false, false

	// 2. Message channel.
	c.dropConn()
	if err := c.reconnector.Stop(); err != nil {
		c.logger.Debug("closing channel", "err", err)
	}
	c.connected = false

	// 3. Agent speech.
	_ = c.speaker.Close()
	c.pendingSpeech = 0
	c.suppressed = false

	// Clock, in-flight acquisitions and reconnect backoff.
	c.cancel()
	if c.unwatch != nil {
		c.unwatch()
	}

	if wasLive {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
		c.metrics.RecordSessionEnd(context.Background(), time.Since(c.liveAt))
	}

	// 4. Ended.
	c.setState(StateEnded)
	c.publish()
	c.readyOnce.Do(func() { close(c.ready) })
	close(c.ended)
	c.logger.Info("session ended", "reason", reason, "clock", FormatClock(c.clock), "turns", c.log.Len())
}

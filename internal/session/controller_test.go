package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/liveinterview/internal/observe"
	"github.com/MrWong99/liveinterview/internal/speaker"
	"github.com/MrWong99/liveinterview/internal/transcript"
	"github.com/MrWong99/liveinterview/pkg/channel"
	"github.com/MrWong99/liveinterview/pkg/media"
	mediamock "github.com/MrWong99/liveinterview/pkg/media/mock"
	"github.com/MrWong99/liveinterview/pkg/provider/stt"
	sttmock "github.com/MrWong99/liveinterview/pkg/provider/stt/mock"
)

// ─── Test doubles ────────────────────────────────────────────────────────────

// orderLog records teardown steps across goroutines.
type orderLog struct {
	mu    sync.Mutex
	steps []string
}

func (o *orderLog) add(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, s)
}

func (o *orderLog) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.steps)
}

// fakeConn is a [Conn] that records frames. When block is set, Send waits for
// it to close or for ctx to end.
type fakeConn struct {
	block chan struct{}
	order *orderLog

	mu     sync.Mutex
	sent   []string
	closes int
}

func (c *fakeConn) Send(ctx context.Context, text string) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes > 0 {
		return channel.ErrClosed
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	if c.order != nil {
		c.order.add("channel")
	}
	return nil
}

func (c *fakeConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

func (c *fakeConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// fakeDialer hands out fakeConns. Entries of errs are consumed one per dial;
// a nil entry dials successfully.
type fakeDialer struct {
	mu       sync.Mutex
	errs     []error
	block    chan struct{}
	order    *orderLog
	conns    []*fakeConn
	handlers []channel.Handler
}

func (d *fakeDialer) Dial(_ context.Context, h channel.Handler) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	conn := &fakeConn{block: d.block, order: d.order}
	d.conns = append(d.conns, conn)
	d.handlers = append(d.handlers, h)
	return conn, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	waitFor(t, fmt.Sprintf("dial #%d", i), func() bool { return d.count() > i })
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) handler(t *testing.T, i int) channel.Handler {
	t.Helper()
	waitFor(t, fmt.Sprintf("dial #%d", i), func() bool { return d.count() > i })
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[i]
}

// heldRenderer renders until released or cancelled.
type heldRenderer struct {
	release chan struct{}
	started chan string
	order   *orderLog
}

func newHeldRenderer() *heldRenderer {
	return &heldRenderer{release: make(chan struct{}), started: make(chan string, 16)}
}

func (r *heldRenderer) Render(ctx context.Context, text string) error {
	r.started <- text
	if r.order != nil {
		context.AfterFunc(ctx, func() { r.order.add("speech") })
	}
	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// orderedTrack logs its Stop call.
type orderedTrack struct {
	*mediamock.Track
	order *orderLog
}

func (t orderedTrack) Stop() error {
	t.order.add("track:" + t.Kind().String())
	return t.Track.Stop()
}

type orderedDevice struct {
	tracks map[media.Kind]*mediamock.Track
	order  *orderLog
}

func (d orderedDevice) Open(_ context.Context, kind media.Kind) (media.Track, error) {
	return orderedTrack{Track: d.tracks[kind], order: d.order}, nil
}

// lateDevice ignores ctx and returns its track once gate is closed.
type lateDevice struct {
	gate  chan struct{}
	track *mediamock.Track
}

func (d lateDevice) Open(_ context.Context, kind media.Kind) (media.Track, error) {
	<-d.gate
	if kind != d.track.Kind() {
		return nil, media.ErrUnavailable
	}
	return d.track, nil
}

// ─── Fixture ─────────────────────────────────────────────────────────────────

type fixture struct {
	c       *Controller
	mic     *mediamock.Track
	cam     *mediamock.Track
	device  *mediamock.Device
	display *mediamock.Display
	stt     *sttmock.Provider
	dialer  *fakeDialer
	ticks   chan time.Time
	reader  *sdkmetric.ManualReader
}

// newFixture builds a controller over mocks. The clock only advances when the
// test sends on f.ticks. edit may replace any dependency.
func newFixture(t *testing.T, cfg Config, edit func(f *fixture, d *Deps)) *fixture {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		mic:     mediamock.NewTrack(media.KindAudio, 64),
		cam:     mediamock.NewTrack(media.KindVideo, 8),
		display: &mediamock.Display{},
		stt:     sttmock.NewProvider(),
		dialer:  &fakeDialer{},
		ticks:   make(chan time.Time, 64),
		reader:  reader,
	}
	f.device = &mediamock.Device{Tracks: map[media.Kind]*mediamock.Track{
		media.KindAudio: f.mic,
		media.KindVideo: f.cam,
	}}

	deps := Deps{
		Device:         f.device,
		Dial:           f.dialer.Dial,
		STT:            f.stt,
		Renderer:       speaker.RendererFunc(func(context.Context, string) error { return nil }),
		Display:        f.display,
		Metrics:        metrics,
		SpeakerOptions: []speaker.Option{speaker.WithTail(0)},
	}
	if edit != nil {
		edit(f, &deps)
	}

	f.c = New(cfg, deps)
	f.c.ticks = func(time.Duration) (<-chan time.Time, func()) { return f.ticks, func() {} }
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.c.Leave(ctx)
	})
	return f
}

// start starts the session and waits until it is Live.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-f.c.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("session never became ready")
	}
}

// sync waits until every event posted before the call has been handled.
func (f *fixture) sync(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	if !f.c.post(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("event loop stalled")
	}
}

func (f *fixture) leave(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.c.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// toneFrame is 20 ms of a 1 kHz tone at 16 kHz mono.
func toneFrame() media.Frame {
	const n = 320
	buf := make([]byte, n*2)
	for i := range n {
		s := 0.5 * math.Sin(2*math.Pi*1000*float64(i)/16000)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(s*32767)))
	}
	return media.Frame{Kind: media.KindAudio, Data: buf, SampleRate: 16000, Channels: 1}
}

// speak keeps the microphone producing tone frames until the test ends.
func speak(t *testing.T, mic *mediamock.Track) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		frame := toneFrame()
		for {
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
			}
			if mic.Stopped() {
				return
			}
			mic.Push(frame)
		}
	}()
}

func turnsEqual(a, b []transcript.Turn) bool { return slices.Equal(a, b) }

// ─── Transcript ingress ──────────────────────────────────────────────────────

func TestController_InboundFramesAreClassified(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		frames []string
		want   []transcript.Turn
	}{
		{
			name:   "agent question",
			frames: []string{"Tell me about a challenging project."},
			want:   []transcript.Turn{{Role: transcript.RoleAgent, Text: "Tell me about a challenging project."}},
		},
		{
			name:   "user echo",
			frames: []string{"__USER__::I have three years of experience"},
			want:   []transcript.Turn{{Role: transcript.RoleUser, Text: "I have three years of experience"}},
		},
		{
			name:   "bare prefix",
			frames: []string{"__USER__::"},
			want:   []transcript.Turn{{Role: transcript.RoleUser, Text: ""}},
		},
		{
			name:   "prefix only stripped once",
			frames: []string{"__USER__::__USER__::x"},
			want:   []transcript.Turn{{Role: transcript.RoleUser, Text: "__USER__::x"}},
		},
		{
			name:   "prefix is case sensitive",
			frames: []string{"__user__::x"},
			want:   []transcript.Turn{{Role: transcript.RoleAgent, Text: "__user__::x"}},
		},
		{
			name:   "prefix must lead",
			frames: []string{" __USER__::x"},
			want:   []transcript.Turn{{Role: transcript.RoleAgent, Text: " __USER__::x"}},
		},
		{
			name:   "empty frame",
			frames: []string{""},
			want:   []transcript.Turn{{Role: transcript.RoleAgent, Text: ""}},
		},
		{
			name: "arrival order",
			frames: []string{
				"Hello, welcome.",
				"__USER__::Thanks",
				"First question?",
				"__USER__::Answer one",
			},
			want: []transcript.Turn{
				{Role: transcript.RoleAgent, Text: "Hello, welcome."},
				{Role: transcript.RoleUser, Text: "Thanks"},
				{Role: transcript.RoleAgent, Text: "First question?"},
				{Role: transcript.RoleUser, Text: "Answer one"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, Config{SkipVideo: true}, nil)
			f.start(t)
			h := f.dialer.handler(t, 0)
			for _, fr := range tt.frames {
				h.OnFrame(fr)
			}
			f.sync(t)

			got := f.c.Transcript()
			if len(got) != len(tt.frames) {
				t.Fatalf("transcript has %d turns, want one per frame (%d)", len(got), len(tt.frames))
			}
			if !turnsEqual(got, tt.want) {
				t.Errorf("transcript = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestController_AgentTurnIsSpoken(t *testing.T) {
	t.Parallel()

	r := newHeldRenderer()
	f := newFixture(t, Config{SkipVideo: true}, func(_ *fixture, d *Deps) { d.Renderer = r })
	f.start(t)

	f.dialer.handler(t, 0).OnFrame("Tell me about a challenging project.")
	select {
	case got := <-r.started:
		if got != "Tell me about a challenging project." {
			t.Errorf("rendered %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("agent turn was never rendered")
	}

	f.dialer.handler(t, 0).OnFrame("__USER__::echo")
	f.sync(t)
	select {
	case got := <-r.started:
		t.Errorf("user echo was rendered: %q", got)
	default:
	}
}

// ─── Suppression ─────────────────────────────────────────────────────────────

func TestController_SubmissionSuppressedWhileAgentSpeaks(t *testing.T) {
	t.Parallel()

	r := newHeldRenderer()
	f := newFixture(t, Config{SkipVideo: true}, func(_ *fixture, d *Deps) { d.Renderer = r })
	f.start(t)
	conn := f.dialer.conn(t, 0)

	// The agent turn and the submission are handled in order; the flag is
	// already raised when the submission is evaluated.
	f.dialer.handler(t, 0).OnFrame("What is your biggest strength?")
	f.c.Submit("typed while the agent talks")
	f.sync(t)

	if got := f.c.Transcript(); len(got) != 1 || got[0].Role != transcript.RoleAgent {
		t.Fatalf("transcript = %+v, want only the agent turn", got)
	}
	if !f.c.Snapshot().Suppressed {
		t.Error("Snapshot().Suppressed = false while speech is pending")
	}
	if got := f.c.Summary().Suppressed; got != 1 {
		t.Errorf("Summary().Suppressed = %d, want 1", got)
	}

	close(r.release)
	waitFor(t, "suppression to clear", func() bool { return !f.c.Snapshot().Suppressed })

	f.c.Submit("now it is my turn")
	waitFor(t, "frame to be sent", func() bool { return len(conn.Sent()) == 1 })
	if got := conn.Sent(); got[0] != "now it is my turn" {
		t.Errorf("sent %q", got)
	}
	want := []transcript.Turn{
		{Role: transcript.RoleAgent, Text: "What is your biggest strength?"},
		{Role: transcript.RoleUser, Text: "now it is my turn"},
	}
	if got := f.c.Transcript(); !turnsEqual(got, want) {
		t.Errorf("transcript = %+v, want %+v", got, want)
	}

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := counterValue(rm, "liveinterview.recognizer.suppressed"); got != 1 {
		t.Errorf("suppressed counter = %d, want 1", got)
	}
}

func TestController_SuppressionCoversEveryQueuedAgentTurn(t *testing.T) {
	t.Parallel()

	r := newHeldRenderer()
	f := newFixture(t, Config{SkipVideo: true}, func(_ *fixture, d *Deps) { d.Renderer = r })
	f.start(t)
	h := f.dialer.handler(t, 0)

	h.OnFrame("First question?")
	h.OnFrame("Second question?")
	<-r.started
	r.release <- struct{}{}
	<-r.started

	f.c.Submit("too early")
	f.sync(t)
	if got := f.c.Transcript(); len(got) != 2 {
		t.Fatalf("transcript has %d turns, want 2 agent turns", len(got))
	}

	r.release <- struct{}{}
	waitFor(t, "suppression to clear", func() bool { return !f.c.Snapshot().Suppressed })
	f.c.Submit("on time")
	f.sync(t)
	if got := f.c.Transcript(); len(got) != 3 || got[2].Text != "on time" {
		t.Errorf("transcript = %+v", got)
	}
}

func TestController_RecognizedSpeech(t *testing.T) {
	t.Parallel()

	r := newHeldRenderer()
	f := newFixture(t, Config{SkipVideo: true}, func(_ *fixture, d *Deps) { d.Renderer = r })
	f.start(t)
	conn := f.dialer.conn(t, 0)

	var sess *sttmock.Session
	select {
	case sess = <-f.stt.Started:
	case <-time.After(3 * time.Second):
		t.Fatal("recognition never started")
	}

	sess.Emit("  I led the migration  ")
	waitFor(t, "utterance to be sent", func() bool { return len(conn.Sent()) == 1 })
	if got := conn.Sent()[0]; got != "I led the migration" {
		t.Errorf("sent %q, want trimmed utterance", got)
	}

	f.dialer.handler(t, 0).OnFrame("Interesting. Why?")
	<-r.started
	sess.Emit("talking over the agent")
	waitFor(t, "utterance to be discarded", func() bool { return f.c.Summary().Suppressed == 1 })

	if got := conn.Sent(); len(got) != 1 {
		t.Errorf("sent %q, suppressed utterance must not be transmitted", got)
	}
	if got := f.c.Transcript(); len(got) != 2 {
		t.Errorf("transcript = %+v, suppressed utterance must not be appended", got)
	}
}

// ─── Submission ──────────────────────────────────────────────────────────────

func TestController_SubmitIgnoresBlankText(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SkipVideo: true}, nil)
	f.start(t)

	for _, text := range []string{"", "   ", "\n\t"} {
		if f.c.Submit(text) {
			t.Errorf("Submit(%q) = true, want false", text)
		}
	}
	f.sync(t)
	if got := f.c.Transcript(); len(got) != 0 {
		t.Errorf("transcript = %+v, want empty", got)
	}
}

func TestController_SubmitOutsideSessionIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SkipVideo: true}, nil)
	if f.c.Submit("before start") {
		t.Error("Submit on an idle session = true, want false")
	}

	f.start(t)
	if !f.c.Submit("during") {
		t.Error("Submit on a live session = false, want true")
	}
	f.sync(t)
	f.leave(t)

	if f.c.Submit("after leave") {
		t.Error("Submit on an ended session = true, want false")
	}
	want := []transcript.Turn{{Role: transcript.RoleUser, Text: "during"}}
	if got := f.c.Transcript(); !turnsEqual(got, want) {
		t.Errorf("transcript = %+v, want %+v", got, want)
	}
}

func TestController_SubmitWithoutChannelStillAppends(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SkipVideo: true}, func(f *fixture, _ *Deps) {
		f.dialer.errs = []error{errors.New("connection refused")}
	})
	f.start(t)

	snap := f.c.Snapshot()
	if snap.State != StateLive {
		t.Fatalf("state = %v, want live", snap.State)
	}
	if !snap.Disconnected || snap.Connected {
		t.Errorf("Disconnected = %v, Connected = %v, want disconnected indicator", snap.Disconnected, snap.Connected)
	}

	f.c.Submit("hello?")
	f.sync(t)
	want := []transcript.Turn{{Role: transcript.RoleUser, Text: "hello?"}}
	if got := f.c.Transcript(); !turnsEqual(got, want) {
		t.Errorf("transcript = %+v, want %+v", got, want)
	}
}

// ─── Clock ───────────────────────────────────────────────────────────────────

func TestController_ClockCountsTicks(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var clocks []int
	view := ViewFunc(func(s Snapshot) {
		mu.Lock()
		clocks = append(clocks, s.Clock)
		mu.Unlock()
	})
	f := newFixture(t, Config{SkipVideo: true}, func(_ *fixture, d *Deps) { d.View = view })
	f.start(t)

	for range 5 {
		f.ticks <- time.Now()
	}
	waitFor(t, "five ticks", func() bool { return f.c.Snapshot().Clock == 5 })

	f.leave(t)
	for range 3 {
		select {
		case f.ticks <- time.Now():
		default:
		}
	}
	if got := f.c.Summary().Clock; got != 5 {
		t.Errorf("final clock = %d, want 5", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if !slices.IsSorted(clocks) {
		t.Errorf("clock went backwards: %v", clocks)
	}
}

func TestController_RealClock(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SkipVideo: true, TickInterval: 10 * time.Millisecond}, nil)
	f.c.ticks = realTicker
	f.start(t)

	waitFor(t, "clock to advance", func() bool { return f.c.Snapshot().Clock >= 3 })
	f.leave(t)
	if got := f.c.Summary().Duration; got < 30*time.Millisecond {
		t.Errorf("Duration = %v, want at least 3 ticks", got)
	}
}

func TestFormatClock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		seconds int
		want    string
	}{
		{0, "00:00"},
		{5, "00:05"},
		{59, "00:59"},
		{60, "01:00"},
		{83, "01:23"},
		{3600, "60:00"},
		{-4, "00:00"},
	}
	for _, tt := range tests {
		if got := FormatClock(tt.seconds); got != tt.want {
			t.Errorf("FormatClock(%d) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

// ─── Acquisition ─────────────────────────────────────────────────────────────

func TestController_VideoFailureDegrades(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, func(f *fixture, _ *Deps) {
		f.device.OpenErr = map[media.Kind]error{media.KindVideo: fmt.Errorf("camera permission denied: %w", media.ErrUnavailable)}
	})
	speak(t, f.mic)
	f.start(t)

	snap := f.c.Snapshot()
	if snap.State != StateLive {
		t.Fatalf("state = %v, want live", snap.State)
	}
	if snap.Video {
		t.Error("Video = true without a camera")
	}
	if !snap.Audio {
		t.Error("Audio = false, microphone should still be live")
	}
	if f.display.Placeholders() == 0 {
		t.Error("placeholder was not shown")
	}
	waitFor(t, "recognition to start", func() bool { return f.stt.Calls() > 0 })
	waitFor(t, "voice level", func() bool { return f.c.Snapshot().Level > 0 })
}

func TestController_MicrophoneFailureSetsNotice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SkipVideo: true}, func(f *fixture, _ *Deps) {
		delete(f.device.Tracks, media.KindAudio)
	})
	f.start(t)

	snap := f.c.Snapshot()
	if snap.State != StateLive || snap.Audio {
		t.Fatalf("state = %v audio = %v, want live without audio", snap.State, snap.Audio)
	}
	if snap.Notice == "" {
		t.Error("no notice for the missing microphone")
	}
	if f.stt.Calls() != 0 {
		t.Error("recognition started without a microphone")
	}
}

func TestController_CameraFramesReachDisplay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	f.start(t)

	for range 3 {
		f.cam.Push(media.Frame{Kind: media.KindVideo, Data: []byte{1}})
	}
	waitFor(t, "frames on display", func() bool { return f.display.Frames() == 3 })
	if !f.c.Snapshot().Video {
		t.Error("Video = false with a live camera")
	}

	f.c.SetVideo(false)
	f.sync(t)
	if f.c.Snapshot().Video {
		t.Error("Video = true after SetVideo(false)")
	}
	f.cam.Push(media.Frame{Kind: media.KindVideo, Data: []byte{2}})
	waitFor(t, "placeholder", func() bool { return f.display.Placeholders() > 0 })
	if got := f.display.Frames(); got != 3 {
		t.Errorf("frames shown = %d while hidden, want 3", got)
	}
}

func TestController_LateAcquisitionIsReleased(t *testing.T) {
	t.Parallel()

	mic := mediamock.NewTrack(media.KindAudio, 4)
	gate := make(chan struct{})
	f := newFixture(t, Config{SkipVideo: true}, func(_ *fixture, d *Deps) {
		d.Device = lateDevice{gate: gate, track: mic}
	})
	if err := f.c.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.sync(t)
	if got := f.c.Snapshot().State; got != StateConnecting {
		t.Fatalf("state = %v, want connecting", got)
	}

	f.leave(t)
	close(gate)
	waitFor(t, "late track to be stopped", mic.Stopped)
}

// ─── Teardown ────────────────────────────────────────────────────────────────

func TestController_LeaveIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	f.start(t)
	conn := f.dialer.conn(t, 0)

	f.leave(t)
	f.leave(t)

	if got := f.mic.StopCalls(); got != 1 {
		t.Errorf("microphone stopped %d times, want 1", got)
	}
	if got := f.cam.StopCalls(); got != 1 {
		t.Errorf("camera stopped %d times, want 1", got)
	}
	if got := conn.Closes(); got != 1 {
		t.Errorf("channel closed %d times, want 1", got)
	}
	snap := f.c.Snapshot()
	if snap.State != StateEnded {
		t.Errorf("state = %v, want ended", snap.State)
	}
	if snap.Connected || snap.Audio || snap.Video {
		t.Errorf("snapshot after leave = %+v, want everything released", snap)
	}
	if got := f.c.Summary().Reason; got != ReasonLeft {
		t.Errorf("Reason = %q, want %q", got, ReasonLeft)
	}
	if err := f.c.Start(t.Context()); !errors.Is(err, ErrStarted) {
		t.Errorf("Start after leave = %v, want ErrStarted", err)
	}
}

func TestController_LeaveOrder(t *testing.T) {
	t.Parallel()

	order := &orderLog{}
	r := newHeldRenderer()
	r.order = order
	f := newFixture(t, Config{}, func(f *fixture, d *Deps) {
		d.Device = orderedDevice{tracks: f.device.Tracks, order: order}
		d.Renderer = r
		f.dialer.order = order
	})
	f.start(t)
	f.dialer.handler(t, 0).OnFrame("Please introduce yourself.")
	<-r.started

	f.leave(t)
	waitFor(t, "speech cancellation", func() bool { return slices.Contains(order.list(), "speech") })

	steps := order.list()
	channelAt := slices.Index(steps, "channel")
	speechAt := slices.Index(steps, "speech")
	if channelAt < 0 {
		t.Fatalf("channel never closed: %v", steps)
	}
	for _, kind := range []string{"track:audio", "track:video"} {
		i := slices.Index(steps, kind)
		if i < 0 || i > channelAt {
			t.Errorf("%s not stopped before the channel: %v", kind, steps)
		}
	}
	if speechAt < channelAt {
		t.Errorf("speech cancelled before the channel closed: %v", steps)
	}
}

func TestController_LeaveDuringSend(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SkipVideo: true}, func(f *fixture, _ *Deps) {
		f.dialer.block = make(chan struct{})
	})
	f.start(t)
	conn := f.dialer.conn(t, 0)

	f.c.Submit("this write never completes")
	f.sync(t)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		done <- f.c.Leave(ctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Leave: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Leave blocked on an in-flight send")
	}
	if got := conn.Closes(); got != 1 {
		t.Errorf("channel closed %d times, want 1", got)
	}
	if got := conn.Sent(); len(got) != 0 {
		t.Errorf("sent %q after close", got)
	}
}

func TestController_LeaveCancelsSpeech(t *testing.T) {
	t.Parallel()

	r := newHeldRenderer()
	f := newFixture(t, Config{SkipVideo: true}, func(_ *fixture, d *Deps) { d.Renderer = r })
	f.start(t)
	f.dialer.handler(t, 0).OnFrame("A very long question...")
	<-r.started

	f.leave(t)
	if f.c.Snapshot().Suppressed {
		t.Error("still suppressed after leave")
	}
}

func TestController_ContextCancellationLeaves(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SkipVideo: true}, nil)
	ctx, cancel := context.WithCancel(t.Context())
	if err := f.c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-f.c.Ready()

	cancel()
	select {
	case <-f.c.Ended():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after cancellation")
	}
	if got := f.c.Summary().Reason; got != ReasonCancelled {
		t.Errorf("Reason = %q, want %q", got, ReasonCancelled)
	}
	if !f.mic.Stopped() {
		t.Error("microphone still running")
	}
}

func TestController_StartTwice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SkipVideo: true}, nil)
	f.start(t)
	if err := f.c.Start(t.Context()); !errors.Is(err, ErrStarted) {
		t.Errorf("second Start = %v, want ErrStarted", err)
	}
}

func TestController_LeaveBeforeStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SkipVideo: true}, nil)
	f.leave(t)
	if err := f.c.Start(t.Context()); !errors.Is(err, ErrEnded) {
		t.Errorf("Start after leave = %v, want ErrEnded", err)
	}
	if got := f.device.Calls(); len(got) != 0 {
		t.Errorf("devices opened after leave: %v", got)
	}
}

func TestController_ViewSeesLifecycle(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var states []State
	view := ViewFunc(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	})
	f := newFixture(t, Config{SkipVideo: true}, func(_ *fixture, d *Deps) { d.View = view })
	f.start(t)
	f.leave(t)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateLive, StateEnding, StateEnded}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

// ─── Channel loss ────────────────────────────────────────────────────────────

func TestController_ChannelLossShowsIndicator(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SkipVideo: true}, nil)
	f.start(t)
	conn := f.dialer.conn(t, 0)

	f.dialer.handler(t, 0).OnClose(errors.New("connection reset"))
	f.sync(t)

	snap := f.c.Snapshot()
	if snap.State != StateLive {
		t.Errorf("state = %v, want live", snap.State)
	}
	if !snap.Disconnected || snap.Connected {
		t.Errorf("Disconnected = %v, Connected = %v", snap.Disconnected, snap.Connected)
	}
	if conn.Closes() == 0 {
		t.Error("lost connection was not released")
	}

	f.c.Submit("anyone there?")
	f.sync(t)
	if got := conn.Sent(); len(got) != 0 {
		t.Errorf("sent %q on a lost channel", got)
	}
	if got := f.c.Transcript(); len(got) != 1 {
		t.Errorf("transcript = %+v, want the submitted turn", got)
	}
}

func TestController_EndOnChannelLoss(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SkipVideo: true, EndOnChannelLoss: true}, nil)
	f.start(t)
	f.dialer.handler(t, 0).OnClose(channel.ErrRemoteClosed)

	select {
	case <-f.c.Ended():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
	if got := f.c.Summary().Reason; got != ReasonChannelLost {
		t.Errorf("Reason = %q, want %q", got, ReasonChannelLost)
	}
}

func TestController_Reconnect(t *testing.T) {
	t.Parallel()

	cfg := Config{
		SkipVideo: true,
		Reconnect: ReconnectPolicy{Enabled: true, MaxRetries: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}
	f := newFixture(t, cfg, nil)
	f.start(t)
	old := f.dialer.handler(t, 0)

	old.OnClose(errors.New("connection reset"))
	fresh := f.dialer.handler(t, 1)
	waitFor(t, "reconnection", func() bool { return f.c.Snapshot().Connected })
	if f.c.Snapshot().Disconnected {
		t.Error("indicator still shown after reconnection")
	}

	old.OnFrame("stale frame")
	fresh.OnFrame("__USER__::fresh frame")
	f.sync(t)
	want := []transcript.Turn{{Role: transcript.RoleUser, Text: "fresh frame"}}
	if got := f.c.Transcript(); !turnsEqual(got, want) {
		t.Errorf("transcript = %+v, want %+v", got, want)
	}

	f.c.Submit("back again")
	conn := f.dialer.conn(t, 1)
	waitFor(t, "send on new connection", func() bool { return len(conn.Sent()) == 1 })
}

func TestController_ReconnectGivesUp(t *testing.T) {
	t.Parallel()

	cfg := Config{
		SkipVideo:        true,
		EndOnChannelLoss: true,
		Reconnect:        ReconnectPolicy{Enabled: true, MaxRetries: 2, Backoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}
	f := newFixture(t, cfg, func(f *fixture, _ *Deps) {
		f.dialer.errs = []error{nil, errors.New("refused"), errors.New("refused")}
	})
	f.start(t)
	f.dialer.handler(t, 0).OnClose(errors.New("connection reset"))

	select {
	case <-f.c.Ended():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after reconnection gave up")
	}
	if got := f.c.Summary().Reason; got != ReasonChannelLost {
		t.Errorf("Reason = %q, want %q", got, ReasonChannelLost)
	}
}

// ─── Microphone ──────────────────────────────────────────────────────────────

func TestController_MuteMic(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SkipVideo: true}, nil)
	speak(t, f.mic)
	f.start(t)
	conn := f.dialer.conn(t, 0)
	first := <-f.stt.Started
	waitFor(t, "voice level", func() bool { return f.c.Snapshot().Level > 0 })

	f.c.MuteMic()
	f.sync(t)
	if !f.c.Snapshot().MicMuted {
		t.Fatal("MicMuted = false after MuteMic")
	}
	waitFor(t, "level to drop", func() bool { return f.c.Snapshot().Level == 0 })
	first.Emit("should not be heard")
	f.sync(t)
	if f.mic.Stopped() {
		t.Error("muting released the microphone")
	}

	f.c.UnmuteMic()
	var second *sttmock.Session
	select {
	case second = <-f.stt.Started:
	case <-time.After(3 * time.Second):
		t.Fatal("recognition did not resume")
	}
	second.Emit("I am back")
	waitFor(t, "utterance after unmute", func() bool { return len(conn.Sent()) == 1 })
	if got := conn.Sent()[0]; got != "I am back" {
		t.Errorf("sent %q", got)
	}
}

func TestController_PermanentRecognitionError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SkipVideo: true}, func(f *fixture, _ *Deps) {
		f.stt.StartStreamErr = fmt.Errorf("bad api key: %w", stt.ErrPermanent)
	})
	f.start(t)

	waitFor(t, "notice", func() bool { return strings.Contains(f.c.Snapshot().Notice, "Speech recognition stopped") })
	if got := f.c.Snapshot().State; got != StateLive {
		t.Errorf("state = %v, want live", got)
	}

	f.c.Submit("typing still works")
	conn := f.dialer.conn(t, 0)
	waitFor(t, "typed frame", func() bool { return len(conn.Sent()) == 1 })
}

// ─── Summary ─────────────────────────────────────────────────────────────────

func TestController_Summary(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{SkipVideo: true, ID: "interview-1"}, nil)
	f.start(t)
	h := f.dialer.handler(t, 0)
	h.OnFrame("Question one?")
	h.OnFrame("__USER__::Answer one")
	h.OnFrame("Question two?")
	f.sync(t)
	waitFor(t, "speech to finish", func() bool { return !f.c.Snapshot().Suppressed })
	f.c.Submit("Answer two")
	for range 83 {
		f.ticks <- time.Now()
	}
	waitFor(t, "ticks", func() bool { return f.c.Snapshot().Clock == 83 })
	f.leave(t)

	sum := f.c.Summary()
	if sum.ID != "interview-1" || sum.UserTurns != 2 || sum.AgentTurns != 2 || sum.Clock != 83 {
		t.Errorf("Summary = %+v", sum)
	}
	if got, want := sum.String(), "Interview lasted 01:23: 2 answers, 2 questions"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := counterValue(rm, "liveinterview.active_sessions"); got != 0 {
		t.Errorf("active_sessions = %d after leave, want 0", got)
	}
}

// counterValue sums every data point of an int64 sum metric.
func counterValue(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// ─── WebSocket ───────────────────────────────────────────────────────────────

func TestController_WebSocketChannel(t *testing.T) {
	t.Parallel()

	received := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte("Tell me about a challenging project."))
		_ = conn.Write(ctx, websocket.MessageText, []byte("__USER__::I have three years of experience"))
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			received <- string(data)
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	f := newFixture(t, Config{SkipVideo: true}, func(_ *fixture, d *Deps) {
		d.Dial = ChannelDialer(url)
	})
	f.start(t)

	if !f.c.Snapshot().Connected {
		t.Fatal("channel not connected")
	}
	waitFor(t, "two turns", func() bool { return len(f.c.Transcript()) == 2 })
	want := []transcript.Turn{
		{Role: transcript.RoleAgent, Text: "Tell me about a challenging project."},
		{Role: transcript.RoleUser, Text: "I have three years of experience"},
	}
	if got := f.c.Transcript(); !turnsEqual(got, want) {
		t.Errorf("transcript = %+v, want %+v", got, want)
	}

	waitFor(t, "speech to finish", func() bool { return !f.c.Snapshot().Suppressed })
	f.c.Submit("I migrated a monolith.")
	select {
	case got := <-received:
		if got != "I migrated a monolith." {
			t.Errorf("server received %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the frame")
	}

	f.leave(t)
}

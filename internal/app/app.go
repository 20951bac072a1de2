// Package app wires the liveinterview subsystems into a running client.
//
// The App owns the three screens of an interview: the entry screen (device
// check, resume upload, join), the live screen (one session) and the ended
// screen (summary). Commands and typed answers are read line by line from the
// input; the session is rendered to the output by a [Terminal] view.
//
// For testing, inject doubles via functional options (WithInput, WithDialer,
// etc.). When an option is not provided, New uses the real implementation.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/liveinterview/internal/config"
	"github.com/MrWong99/liveinterview/internal/observe"
	"github.com/MrWong99/liveinterview/internal/session"
	"github.com/MrWong99/liveinterview/internal/upload"
	"github.com/MrWong99/liveinterview/pkg/media"
)

// Screen identifies which page of the interview is showing.
type Screen int32

const (
	ScreenEntry Screen = iota
	ScreenLive
	ScreenEnded
)

// String returns the screen name.
func (s Screen) String() string {
	switch s {
	case ScreenEntry:
		return "entry"
	case ScreenLive:
		return "live"
	case ScreenEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// App owns the subsystems of one client process.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	sessions  *SessionManager
	metrics   *observe.Metrics

	in         io.Reader
	out        io.Writer
	display    media.Display
	dial       session.Dialer
	httpClient *http.Client

	screen atomic.Int32

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithInput sets where commands and answers are read from. Default: stdin.
func WithInput(r io.Reader) Option {
	return func(a *App) { a.in = r }
}

// WithOutput sets where screens are written. Default: stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithDisplay sets the camera display.
func WithDisplay(d media.Display) Option {
	return func(a *App) { a.display = d }
}

// WithDialer replaces the websocket dialer of every session.
func WithDialer(d session.Dialer) Option {
	return func(a *App) { a.dial = d }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithHTTPClient sets the client used for resume uploads.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the providers built by [BuildProviders].
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		providers:  providers,
		in:         os.Stdin,
		out:        os.Stdout,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(a)
	}
	a.out = &lockedWriter{w: a.out}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.cfg.Store(cfg)

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    a.Config,
		Providers: providers,
		Display:   a.display,
		Metrics:   a.metrics,
		Dial:      a.dial,
	})
	return a, nil
}

// Config returns the configuration the next screen or session uses.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// SetConfig replaces the configuration after a reload. A running session
// keeps the settings it was started with.
func (a *App) SetConfig(cfg *config.Config) { a.cfg.Store(cfg) }

// Screen returns the screen currently showing.
func (a *App) Screen() Screen { return Screen(a.screen.Load()) }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// joinPrefs carries the toggles chosen on the entry screen into the session.
type joinPrefs struct {
	micMuted bool
	videoOff bool
}

// Run shows the entry screen, runs one session once the candidate joins and
// finishes with the ended screen. It returns nil when the candidate quits or
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	lines := readLines(a.in)

	prefs, joined, err := a.entry(ctx, lines)
	if err != nil || !joined {
		return err
	}
	sum, err := a.live(ctx, lines, prefs)
	if err != nil {
		return err
	}
	a.ended(sum)
	return nil
}

// ─── Entry screen ────────────────────────────────────────────────────────────

const entryHelp = `Commands:
  upload <path>   upload your resume
  mute | unmute   toggle the microphone
  video on|off    toggle the camera
  level           show the microphone level
  join            join the interview
  quit            leave without joining`

func (a *App) entry(ctx context.Context, lines <-chan string) (joinPrefs, bool, error) {
	a.screen.Store(int32(ScreenEntry))
	cfg := a.Config()
	var prefs joinPrefs

	a.println("Live interview")
	a.println("Guidelines:")
	a.println("  - Allow camera and microphone access before joining.")
	a.println("  - Keep your microphone and camera on during the interview.")
	a.println("  - Be clearly visible and audible.")
	a.println("  - Do not quit once joined.")
	if cfg.Upload.Required {
		a.println("Upload your resume before joining.")
	}
	a.println(entryHelp)

	var preview *Preview
	if cfg.Capture.Preview && a.providers.Device != nil {
		p, err := StartPreview(ctx, a.providers.Device, cfg.Session.AcquireTimeout)
		if err != nil {
			slog.Warn("device check unavailable", "err", err)
			a.println("Microphone check unavailable.")
		} else {
			preview = p
			defer preview.Stop()
		}
	}

	uploaded := false
	for {
		select {
		case <-ctx.Done():
			return prefs, false, nil
		case line, ok := <-lines:
			if !ok {
				return prefs, false, nil
			}
			cmd, arg := parseCommand(line)
			switch cmd {
			case "":
			case "join":
				if a.Config().Upload.Required && !uploaded {
					a.println("Upload your resume first: upload <path>")
					continue
				}
				return prefs, true, nil
			case "upload":
				if arg == "" {
					a.println("Usage: upload <path>")
					continue
				}
				if a.uploadResume(ctx, arg) {
					uploaded = true
				}
			case "mute", "unmute":
				prefs.micMuted = cmd == "mute"
				if preview != nil {
					preview.SetMuted(prefs.micMuted)
				}
				a.println(onOff("Microphone", !prefs.micMuted))
			case "video":
				on, ok := parseOnOff(arg)
				if !ok {
					a.println("Usage: video on|off")
					continue
				}
				prefs.videoOff = !on
				a.println(onOff("Camera", on))
			case "level":
				if preview == nil {
					a.println("Microphone check unavailable.")
					continue
				}
				a.println("Microphone " + LevelBar(preview.Level(), 20))
			case "quit", "exit":
				return prefs, false, nil
			case "help":
				a.println(entryHelp)
			default:
				a.printf("Unknown command %q. Type help for the list.\n", cmd)
			}
		}
	}
}

// uploadResume uploads the document at path and reports success.
func (a *App) uploadResume(ctx context.Context, path string) bool {
	uc := a.Config().Upload
	if uc.URL == "" {
		a.println("Resume upload is not configured.")
		return false
	}
	client := upload.New(uc.URL,
		upload.WithHTTPClient(a.httpClient),
		upload.WithTimeout(uc.Timeout),
		upload.WithMaxBytes(uc.MaxBytes),
		upload.WithMetrics(a.metrics),
	)
	a.println("Uploading " + path + "...")
	if _, err := client.UploadFile(ctx, path); err != nil {
		slog.Warn("resume upload failed", "path", path, "err", err)
		switch {
		case errors.Is(err, upload.ErrTooLarge):
			a.println("The file is too large.")
		case errors.Is(err, upload.ErrRejected):
			a.println("The upload was rejected. Please try another file.")
		default:
			a.println("Upload failed. Please try again.")
		}
		return false
	}
	a.println("Resume uploaded.")
	return true
}

// ─── Live screen ─────────────────────────────────────────────────────────────

const liveHelp = `Type an answer and press enter to send it. Commands:
  /mute | /unmute   toggle the microphone
  /video on|off     toggle the camera
  /status           show the session status
  /leave            end the interview`

func (a *App) live(ctx context.Context, lines <-chan string, prefs joinPrefs) (session.Summary, error) {
	a.screen.Store(int32(ScreenLive))
	a.println("Joining...")
	a.println(liveHelp)

	term := NewTerminal(a.out)
	ctrl, err := a.sessions.Start(ctx, term)
	if err != nil {
		term.Close()
		return session.Summary{}, err
	}
	if prefs.micMuted {
		ctrl.MuteMic()
	}
	if prefs.videoOff {
		ctrl.SetVideo(false)
	}

loop:
	for {
		select {
		case <-ctrl.Ended():
			break loop
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if !strings.HasPrefix(strings.TrimSpace(line), "/") {
				ctrl.Submit(line)
				continue
			}
			cmd, arg := parseCommand(line)
			switch cmd {
			case "leave", "quit", "exit":
				if err := ctrl.Leave(context.WithoutCancel(ctx)); err != nil {
					slog.Warn("leave failed", "err", err)
				}
			case "mute":
				ctrl.MuteMic()
			case "unmute":
				ctrl.UnmuteMic()
			case "video":
				if on, ok := parseOnOff(arg); ok {
					ctrl.SetVideo(on)
				} else {
					a.println("Usage: /video on|off")
				}
			case "status":
				a.println(StatusLine(ctrl.Snapshot()))
			case "help":
				a.println(liveHelp)
			default:
				a.printf("Unknown command /%s. Type /help for the list.\n", cmd)
			}
		}
	}

	term.Close()
	sum := ctrl.Summary()
	if err := a.sessions.Stop(context.WithoutCancel(ctx)); err != nil {
		slog.Debug("session already released", "err", err)
	}
	return sum, nil
}

// ─── Ended screen ────────────────────────────────────────────────────────────

func (a *App) ended(sum session.Summary) {
	a.screen.Store(int32(ScreenEnded))
	a.println("")
	a.println("Thank you!")
	a.println("Your interview has been submitted. We appreciate your time and effort.")
	a.println(sum.String())
	if sum.Reason == session.ReasonChannelLost {
		a.println("The connection to the interviewer was lost.")
	}
	a.println("You will receive an update from us shortly.")
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown leaves a running session. It respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if !a.sessions.IsActive() {
			return
		}
		slog.Info("shutting down active session", "session_id", a.sessions.Info().SessionID)
		if err := a.sessions.Stop(ctx); err != nil {
			shutdownErr = err
		}
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// readLines delivers the lines of r until EOF, then closes the channel.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// parseCommand splits "cmd arg..." and strips an optional leading slash.
func parseCommand(line string) (cmd, arg string) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "/")
	cmd, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func parseOnOff(s string) (on, ok bool) {
	switch strings.ToLower(s) {
	case "on":
		return true, true
	case "off":
		return false, true
	}
	return false, false
}

func (a *App) println(s string) { fmt.Fprintln(a.out, s) }

func (a *App) printf(format string, args ...any) { fmt.Fprintf(a.out, format, args...) }

// lockedWriter serialises the screen output and the terminal view.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

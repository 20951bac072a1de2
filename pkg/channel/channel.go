// Package channel implements the duplex text message channel between a live
// session and the remote interviewer agent.
//
// The wire format is deliberately bare: every WebSocket text message is one
// frame, outbound frames are raw utterance text, and inbound frames are
// delivered to the [Handler] exactly as received, one event per frame, in
// arrival order. There is no envelope, no sequence numbering and no automatic
// reconnect; reconnect policy belongs to the caller.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// ErrClosed is returned by [Channel.Send] once [Channel.Close] has been called
// or the connection has ended.
var ErrClosed = errors.New("channel: closed")

// ErrRemoteClosed is passed to [Handler.OnClose] when the remote side ended
// the connection with a normal closure.
var ErrRemoteClosed = errors.New("channel: closed by remote")

const (
	defaultReadLimit    = 32 << 20
	defaultCloseTimeout = 5 * time.Second
)

// Handler receives the lifecycle and frame events of one [Channel]. All calls
// are made sequentially from a single goroutine: OnOpen first, then zero or
// more OnFrame, then exactly one OnClose. Implementations must not block for
// long; the session controller forwards each call onto its event queue.
type Handler interface {
	// OnOpen is called once the connection is established.
	OnOpen()

	// OnFrame is called for each inbound text frame.
	OnFrame(text string)

	// OnClose is called once when the connection ends. err is nil when the
	// close was initiated locally via [Channel.Close].
	OnClose(err error)
}

// HandlerFuncs adapts plain functions to [Handler]. Nil fields are ignored.
type HandlerFuncs struct {
	Open  func()
	Frame func(text string)
	Close func(err error)
}

// OnOpen implements [Handler].
func (h HandlerFuncs) OnOpen() {
	if h.Open != nil {
		h.Open()
	}
}

// OnFrame implements [Handler].
func (h HandlerFuncs) OnFrame(text string) {
	if h.Frame != nil {
		h.Frame(text)
	}
}

// OnClose implements [Handler].
func (h HandlerFuncs) OnClose(err error) {
	if h.Close != nil {
		h.Close(err)
	}
}

// Option is a functional option for [Dial].
type Option func(*options)

type options struct {
	header       http.Header
	httpClient   *http.Client
	readLimit    int64
	closeTimeout time.Duration
	logger       *slog.Logger
}

// WithHeader sets extra HTTP headers sent with the opening handshake.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h.Clone() }
}

// WithHTTPClient sets the HTTP client used for the opening handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithReadLimit sets the maximum size in bytes of one inbound frame. A larger
// frame ends the connection. Default: 32 MiB.
func WithReadLimit(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.readLimit = n
		}
	}
}

// WithCloseTimeout bounds the background closing handshake. Default: 5s.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.closeTimeout = d
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Channel is one live duplex connection. It is safe for concurrent use.
type Channel struct {
	conn    *websocket.Conn
	handler Handler
	opts    options

	readCtx    context.Context
	cancelRead context.CancelFunc

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to url and starts delivering events to h. It blocks until the
// opening handshake completes or ctx is done; on error no handler method is
// called.
//
// Every inbound text frame is delivered as is. The only bound is the read
// limit (see [WithReadLimit]): a frame above it closes the connection and
// OnClose receives the read error.
func Dial(ctx context.Context, url string, h Handler, opts ...Option) (*Channel, error) {
	if h == nil {
		return nil, errors.New("channel: handler must not be nil")
	}
	o := options{
		readLimit:    defaultReadLimit,
		closeTimeout: defaultCloseTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: o.header,
		HTTPClient: o.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", url, err)
	}
	conn.SetReadLimit(o.readLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:       conn,
		handler:    h,
		opts:       o,
		readCtx:    readCtx,
		cancelRead: cancel,
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send transmits text as a single frame. It returns [ErrClosed] when the
// channel is closed or closing; it never panics.
func (c *Channel) Send(ctx context.Context, text string) error {
	if c.closing.Load() {
		return ErrClosed
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		if c.closing.Load() {
			return ErrClosed
		}
		return fmt.Errorf("channel: send: %w", err)
	}
	return nil
}

// Close starts the closing handshake and returns immediately. The handshake
// finishes in the background, bounded by the close timeout. Calling Close
// more than once is a no-op.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		go func() {
			timer := time.AfterFunc(c.opts.closeTimeout, c.cancelRead)
			defer timer.Stop()
			if err := c.conn.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
				c.opts.logger.Debug("channel: close handshake", "err", err)
			}
			c.cancelRead()
		}()
	})
	return nil
}

// Closed reports whether Close was called or the connection has ended.
func (c *Channel) Closed() bool {
	if c.closing.Load() {
		return true
	}
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed after the handler's OnClose returns.
func (c *Channel) Done() <-chan struct{} { return c.done }

// readLoop is the only goroutine that calls the handler.
func (c *Channel) readLoop() {
	defer close(c.done)

	c.handler.OnOpen()
	for {
		typ, data, err := c.conn.Read(c.readCtx)
		if err != nil {
			c.handler.OnClose(c.closeReason(err))
			return
		}
		if typ != websocket.MessageText {
			c.opts.logger.Debug("channel: ignoring binary frame", "bytes", len(data))
			continue
		}
		c.handler.OnFrame(string(data))
	}
}

// closeReason maps a read error to the error reported by OnClose.
func (c *Channel) closeReason(err error) error {
	if c.closing.Load() {
		return nil
	}
	c.cancelRead()
	_ = c.conn.CloseNow()
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return ErrRemoteClosed
	}
	return fmt.Errorf("channel: read: %w", err)
}

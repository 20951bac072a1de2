package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrReconnectExhausted is passed to OnGiveUp when every reconnection attempt
// failed.
var ErrReconnectExhausted = errors.New("session: reconnection attempts exhausted")

// Reconnector owns the message channel connection of a session and, when a
// drop is signalled, re-dials it with exponential backoff.
//
// Callers obtain the initial connection via [Reconnector.Connect], then call
// [Reconnector.Monitor] to start a background goroutine that watches for
// disconnections. When a drop is detected (via [Reconnector.NotifyDisconnect]),
// the monitor attempts reconnection and invokes OnReconnect on success or
// OnGiveUp once the retry budget is spent.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	dial        func(context.Context) (Conn, error)
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(Conn)
	onGiveUp    func(error)
	logger      *slog.Logger

	mu           sync.Mutex
	conn         Conn
	stopped      bool
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Dial opens one connection. Required.
	Dial func(context.Context) (Conn, error)

	// MaxRetries is the maximum number of reconnection attempts before giving up.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection with the new
	// connection. May be nil.
	OnReconnect func(Conn)

	// OnGiveUp is called when all attempts failed. May be nil.
	OnGiveUp func(error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	if maxBackoff < backoff {
		maxBackoff = backoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector{
		dial:         cfg.Dial,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		onGiveUp:     cfg.OnGiveUp,
		logger:       logger,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect performs the initial connection. A connection that completes after
// Stop is closed and reported as an error.
func (r *Reconnector) Connect(ctx context.Context) (Conn, error) {
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: connect: %w", err)
	}
	if !r.adopt(conn) {
		return nil, errors.New("session: connect: reconnector stopped")
	}
	return conn, nil
}

// Monitor starts monitoring the connection in a background goroutine.
// If a disconnection is signalled via [Reconnector.NotifyDisconnect], it
// attempts reconnection with exponential backoff.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the connection has been lost
// and reconnection should be attempted. Safe to call multiple times; only
// the first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	r.mu.Lock()
	r.conn = nil
	r.mu.Unlock()

	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring and closes the current connection. Safe to call
// multiple times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.stopped = true
	r.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connection returns the current active connection. May return nil during
// reconnection.
func (r *Reconnector) Connection() Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// adopt makes conn the current connection unless the reconnector has been
// stopped, in which case conn is closed.
func (r *Reconnector) adopt(conn Conn) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		_ = conn.Close()
		return false
	}
	old := r.conn
	r.conn = conn
	r.mu.Unlock()

	// Release the failed connection.
	if old != nil && old != conn {
		_ = old.Close()
	}
	return true
}

// monitorLoop waits for disconnect notifications and attempts reconnection.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect tries to reconnect with exponential backoff.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	currentBackoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		// Wait before each attempt; the server just dropped us.
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		r.logger.Info("attempting reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		conn, err := r.dial(ctx)
		if err == nil {
			if !r.adopt(conn) {
				return
			}
			r.logger.Info("reconnection successful", "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect(conn)
			}
			return
		}
		lastErr = err

		r.logger.Warn("reconnection attempt failed",
			"attempt", attempt,
			"error", err,
		)

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	r.logger.Error("reconnection failed after max retries",
		"max_retries", r.maxRetries,
		"err", lastErr,
	)
	if r.onGiveUp != nil {
		r.onGiveUp(fmt.Errorf("%w: %w", ErrReconnectExhausted, lastErr))
	}
}

package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrUnchanged is returned by [Watcher.Reload] when the file content is the
// same as the config already in effect.
var ErrUnchanged = errors.New("config: unchanged")

// Watcher keeps the config in effect in sync with its file. Edits are picked
// up by polling or by an explicit [Watcher.Reload]. An edit that does not
// validate is logged and the previous config stays in effect.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	// reload serialises Reload so the callback sees changes in file order.
	reload sync.Mutex

	mu      sync.Mutex
	current *Config
	digest  [sha256.Size]byte
	modTime time.Time

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Zero or negative disables polling;
// only [Watcher.Reload] then applies edits. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithLogger sets the logger for reload events. The default is slog.Default.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it. onChange, when not nil, runs
// after each accepted edit on the goroutine that applied it.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, modTime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.digest, w.modTime = cfg, sha256.Sum256(data), modTime

	if w.interval > 0 {
		go w.poll()
	} else {
		close(w.stopped)
	}
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload reads the file now. It returns [ErrUnchanged] when the content did
// not change and the load or validation error when the edit is rejected.
// Otherwise the new config takes effect and onChange runs before Reload
// returns.
func (w *Watcher) Reload() error {
	w.reload.Lock()
	defer w.reload.Unlock()

	data, modTime, err := w.read()
	if err != nil {
		return fmt.Errorf("config: reload %s: %w", w.path, err)
	}
	digest := sha256.Sum256(data)

	w.mu.Lock()
	w.modTime = modTime
	same := digest == w.digest
	w.mu.Unlock()
	if same {
		return ErrUnchanged
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("config: reload %s: %w", w.path, err)
	}

	w.mu.Lock()
	old := w.current
	w.current, w.digest = cfg, digest
	w.mu.Unlock()

	w.log.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return nil
}

// Stop ends polling and waits for an in-flight reload to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}

		info, err := os.Stat(w.path)
		if err != nil {
			w.log.Warn("config file unreadable", "path", w.path, "err", err)
			continue
		}
		w.mu.Lock()
		seen := info.ModTime().Equal(w.modTime)
		w.mu.Unlock()
		if seen {
			continue
		}

		switch err := w.Reload(); {
		case err == nil, errors.Is(err, ErrUnchanged):
		default:
			w.log.Warn("config edit rejected; keeping previous config", "path", w.path, "err", err)
		}
	}
}

func (w *Watcher) read() ([]byte, time.Time, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}

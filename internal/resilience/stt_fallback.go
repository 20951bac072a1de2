package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/liveinterview/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker, which counts both
// failed stream starts and streams that later end with an error.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a streaming transcription session against the first healthy
// provider. If the primary fails to start the stream, subsequent fallbacks are
// tried.
//
// A started stream counts as one call against its provider's breaker, settled
// when the handle is closed: a clean end is a success, an end with an error a
// failure. Streams that repeatedly die thus open the circuit even though each
// of them started fine.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	var lastErr error
	for i := range f.group.entries {
		entry := &f.group.entries[i]
		probe, err := entry.breaker.admit()
		if err != nil {
			lastErr = err
			slog.Debug("skipping stt provider (circuit open)", "provider", entry.name)
			continue
		}
		h, err := entry.value.StartStream(ctx, cfg)
		if err != nil {
			entry.breaker.settle(probe, err)
			lastErr = err
			slog.Warn("stt provider failed to start, trying next", "provider", entry.name, "error", err)
			continue
		}
		return &trackedSession{SessionHandle: h, breaker: entry.breaker, probe: probe}, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// trackedSession settles the breaker call of the provider that opened it.
type trackedSession struct {
	stt.SessionHandle
	breaker *CircuitBreaker
	probe   bool
	once    sync.Once
}

// Close implements stt.SessionHandle.
func (s *trackedSession) Close() error {
	err := s.SessionHandle.Close()
	s.once.Do(func() {
		serr := s.SessionHandle.Err()
		if errors.Is(serr, context.Canceled) {
			serr = nil
		}
		s.breaker.settle(s.probe, serr)
	})
	return err
}

package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/liveinterview/internal/level"
	"github.com/MrWong99/liveinterview/pkg/media"
)

// Preview runs the microphone and the level meter on the entry screen so the
// candidate can check their setup before joining. It must be stopped before
// the session acquires the same device.
type Preview struct {
	ctx    context.Context
	stream *media.Stream
	sensor *level.Sensor

	stopOnce sync.Once
}

// StartPreview opens the microphone of d and starts a level sensor on it.
// The returned error wraps [media.ErrUnavailable] when there is no
// microphone.
func StartPreview(ctx context.Context, d media.Device, timeout time.Duration, opts ...level.Option) (*Preview, error) {
	if d == nil {
		return nil, fmt.Errorf("app: preview: no capture device: %w", media.ErrUnavailable)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	openCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	track, err := d.Open(openCtx, media.KindAudio)
	if err != nil {
		return nil, fmt.Errorf("app: preview: %w", err)
	}
	p := &Preview{
		ctx:    ctx,
		stream: media.NewStream(),
		sensor: level.New(opts...),
	}
	if err := p.stream.Add(track); err != nil {
		_ = track.Stop()
		return nil, fmt.Errorf("app: preview: %w", err)
	}
	p.sensor.Start(ctx, p.stream)
	return p, nil
}

// Level returns the latest microphone level on the 0-255 analyser scale.
func (p *Preview) Level() float64 { return p.sensor.Level() }

// SetMuted zeroes the level without releasing the microphone.
func (p *Preview) SetMuted(muted bool) {
	p.stream.SetMuted(media.KindAudio, muted)
	if muted {
		p.sensor.Stop()
		return
	}
	p.sensor.Start(p.ctx, p.stream)
}

// Stop releases the microphone. It is idempotent.
func (p *Preview) Stop() {
	p.stopOnce.Do(func() {
		p.sensor.Stop()
		_ = p.stream.Stop()
	})
}

package session

import (
	"context"
	"fmt"
	"time"
)

// DefaultTickInterval is the real-time length of one clock unit.
const DefaultTickInterval = time.Second

// tickSource yields clock ticks. It returns the tick channel and a stop func.
type tickSource func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// runClock counts ticks and hands each new count to post until ctx ends. The
// count is kept here, not in the loop, so a loop that falls behind still
// shows every elapsed second once it catches up.
func runClock(ctx context.Context, src tickSource, d time.Duration, post func(n int) bool) {
	ticks, stop := src(d)
	defer stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			n++
			if !post(n) {
				return
			}
		}
	}
}

// FormatClock renders elapsed seconds as mm:ss. Minutes are not wrapped into
// hours.
func FormatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

package device

import (
	"context"
	"time"
)

// Tick calls fn every interval until ctx is done. Ticks are never run
// concurrently; a slow fn delays, rather than overlaps, the next tick.
// Non-positive intervals return immediately.
func Tick(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ctx.Err() != nil {
				return
			}
			fn(ctx)
		}
	}
}

package checks

import (
	"context"
	"time"

	"github.com/ziqrishahab/pelaris-edge/internal/monitoring"
)

// ChannelObserver exposes the realtime connection state.
type ChannelObserver interface {
	IsConnected() bool
}

// Realtime returns a probe for the websocket event channel. A disconnected
// channel is degraded, not down: sync continues on the reconcile schedule
// even without push events.
func Realtime(observer ChannelObserver) monitoring.Check {
	return monitoring.NewCheck("realtime", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		switch {
		case observer == nil:
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "realtime channel disabled",
				Duration: time.Since(start),
			}
		case !observer.IsConnected():
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "disconnected",
				Duration: time.Since(start),
			}
		default:
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Duration: time.Since(start),
			}
		}
	})
}

package checks

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ziqrishahab/pelaris-edge/internal/monitoring"
)

const defaultStoreTimeout = 2 * time.Second

// StoreObserver exposes the offline store state the probe needs.
type StoreObserver interface {
	Available() bool
	DB() *gorm.DB
}

// Store returns a probe for the local offline store. An unavailable store
// is degraded rather than down: the agent still serves network responses,
// it just cannot stage offline writes.
func Store(observer StoreObserver, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("store", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if observer == nil || !observer.Available() {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "offline store unavailable",
				Duration: time.Since(start),
			}
		}

		sqlDB, err := observer.DB().DB()
		if err != nil {
			return monitoring.ResultFromError("store", err, time.Since(start))
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultStoreTimeout))
		defer cancel()

		if err := sqlDB.PingContext(probeCtx); err != nil {
			return monitoring.ResultFromError("store", err, time.Since(start))
		}

		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Duration: time.Since(start),
		}
	})
}

func chooseTimeout(provided, fallback time.Duration) time.Duration {
	if provided <= 0 {
		return fallback
	}
	return provided
}

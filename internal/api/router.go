package api

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ziqrishahab/pelaris-edge/internal/app"
	"github.com/ziqrishahab/pelaris-edge/internal/middleware"
	"github.com/ziqrishahab/pelaris-edge/internal/monitoring"
)

// SyncStatus is the slice of the sync service the status surface reads.
type SyncStatus interface {
	PendingCount(ctx context.Context) int64
	Reconcile(ctx context.Context) error
}

// ChannelStatus reports realtime connectivity.
type ChannelStatus interface {
	IsConnected() bool
}

// StoreStatus reports offline store availability.
type StoreStatus interface {
	Available() bool
}

// Dependencies collects everything the status router exposes.
type Dependencies struct {
	BranchID string
	Health   *monitoring.HealthManager
	Sync     SyncStatus
	Channel  ChannelStatus
	Store    StoreStatus
}

// NewRouter builds the Gin engine for the local status surface: health
// probes, a sync status snapshot, a manual reconcile trigger, and metrics.
func NewRouter(cfg *app.Config, deps Dependencies) (*gin.Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.Sync == nil {
		return nil, fmt.Errorf("sync service must be provided")
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	registerHealthRoutes(r, cfg, deps.Health)
	registerStatusRoutes(r, deps)

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}

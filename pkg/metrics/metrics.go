package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheRequests counts response-cache lookups by outcome (hit|miss|expired).
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelaris_cache_requests_total",
			Help: "Total number of response cache lookups",
		},
		[]string{"outcome"},
	)

	// CacheRevalidations counts background stale-while-revalidate fetches by result.
	CacheRevalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelaris_cache_revalidations_total",
			Help: "Total number of background cache revalidations",
		},
		[]string{"result"},
	)

	// RealtimeReconnects counts websocket reconnect attempts.
	RealtimeReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pelaris_realtime_reconnects_total",
			Help: "Total number of realtime reconnect attempts",
		},
	)

	// RealtimeEvents counts inbound realtime events by name.
	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelaris_realtime_events_total",
			Help: "Total number of realtime events received",
		},
		[]string{"event"},
	)

	// PendingTransactions tracks offline transactions awaiting reconciliation.
	PendingTransactions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pelaris_pending_transactions",
			Help: "Number of offline transactions awaiting sync",
		},
	)

	// HTTPRequestDuration observes status API latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pelaris_http_request_duration_seconds",
			Help:    "Latency of status API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// SyncRuns counts reconciliation runs by result (success|partial|failure).
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pelaris_sync_runs_total",
			Help: "Total number of offline reconciliation runs",
		},
		[]string{"result"},
	)
)

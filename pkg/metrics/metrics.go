// Package metrics provides Prometheus metrics for the Campo sync service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OutboxEnqueuedTotal tracks mutations accepted into the outbox
	OutboxEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campo",
			Subsystem: "outbox",
			Name:      "enqueued_total",
			Help:      "Total number of mutations enqueued by table and operation",
		},
		[]string{"table", "operation"},
	)

	// OutboxPending tracks the current pending queue depth
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "campo",
			Subsystem: "outbox",
			Name:      "pending",
			Help:      "Number of outbox items waiting to be drained",
		},
	)

	// DrainPassesTotal tracks drain passes by outcome
	DrainPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campo",
			Subsystem: "sync",
			Name:      "drain_passes_total",
			Help:      "Total number of drain passes by outcome",
		},
		[]string{"outcome"},
	)

	// DrainPassDuration tracks drain pass duration in seconds
	DrainPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "campo",
			Subsystem: "sync",
			Name:      "drain_pass_duration_seconds",
			Help:      "Duration of drain passes in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// ItemsProcessedTotal tracks individual outbox items by result
	ItemsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campo",
			Subsystem: "sync",
			Name:      "items_processed_total",
			Help:      "Total number of outbox items processed by table and result",
		},
		[]string{"table", "result"},
	)

	// DeadLetteredTotal tracks items parked after exhausting retries or a
	// permanent rejection
	DeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campo",
			Subsystem: "sync",
			Name:      "dead_lettered_total",
			Help:      "Total number of outbox items dead-lettered by reason",
		},
		[]string{"reason"},
	)

	// BackendRequestsTotal tracks outbound backend requests
	BackendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campo",
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Total number of backend requests by method and status code",
		},
		[]string{"method", "status_code"},
	)

	// BackendOnline tracks the connectivity observer's cached state (1 online, 0 offline)
	BackendOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "campo",
			Subsystem: "backend",
			Name:      "online",
			Help:      "Whether the backend is currently reachable (1) or not (0)",
		},
	)

	// WarmPassesTotal tracks cache warm passes by outcome
	WarmPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campo",
			Subsystem: "warmer",
			Name:      "passes_total",
			Help:      "Total number of cache warm passes by outcome",
		},
		[]string{"outcome"},
	)

	// WarmedRowsTotal tracks reference rows pulled down by table
	WarmedRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campo",
			Subsystem: "warmer",
			Name:      "rows_total",
			Help:      "Total number of reference rows cached by table",
		},
		[]string{"table"},
	)
)

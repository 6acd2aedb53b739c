// Package metrics provides Prometheus metrics for the alert gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "zbx_gateway"

// Poller metrics
var (
	// PollCyclesTotal counts ingestion cycles by outcome (success, failure, skipped).
	PollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Total ingestion cycles by outcome",
		},
		[]string{"outcome"},
	)

	// PollCycleDuration tracks ingestion cycle latency.
	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "cycle_duration_seconds",
			Help:      "Ingestion cycle latency in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
)

// Lifecycle metrics
var (
	// AlertsIngestedTotal counts ingest results by kind (created, resolved, updated, skipped).
	AlertsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "ingested_total",
			Help:      "Total ingested events by result",
		},
		[]string{"result"},
	)

	// AcknowledgmentsTotal counts acknowledgment attempts by outcome.
	AcknowledgmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "acknowledgments_total",
			Help:      "Total acknowledgment attempts by outcome",
		},
		[]string{"outcome"},
	)

	// AckSyncFailuresTotal counts failed source-side acknowledgment syncs.
	AckSyncFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "ack_sync_failures_total",
			Help:      "Total failed Zabbix acknowledgment syncs",
		},
	)
)

// Connection metrics
var (
	// SourceConnected reports whether the Zabbix connection is up.
	SourceConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "connected",
			Help:      "Whether the Zabbix API is reachable (1) or not (0)",
		},
	)

	// SourceFailuresTotal counts source call failures.
	SourceFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "failures_total",
			Help:      "Total failed Zabbix API calls",
		},
	)
)

// Broadcast metrics
var (
	// BroadcastDroppedTotal counts events dropped on full subscriber buffers.
	BroadcastDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Total broadcast events dropped on slow subscribers",
		},
	)

	// BroadcastSubscribers tracks the current subscriber count.
	BroadcastSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Current broadcast subscriber count",
		},
	)
)

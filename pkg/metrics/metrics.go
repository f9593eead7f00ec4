package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsSynced tracks the outcome of every drained mutation
	// Labels allow filtering by status (synced/failed/quarantined), collection, and action
	RecordsSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_records_synced_total",
		Help: "Total number of offline mutations processed by the sync engine",
	}, []string{"status", "collection", "action"})

	// DrainDuration measures how long one full drain pass takes per collection
	DrainDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncd_drain_duration_seconds",
		Help:    "Duration of queue drain passes in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"collection"})

	// QueueBacklog tracks the number of pending mutations per collection
	// This is the primary indicator of how far behind the remote store we are
	QueueBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "syncd_queue_backlog",
		Help: "Current number of pending mutations in the local durable queue",
	}, []string{"collection"})

	// QuarantineSize tracks poison records that exhausted their retries
	// If this number grows, the user must resolve the records manually
	QuarantineSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "syncd_quarantine_size",
		Help: "Current number of quarantined mutations needing manual resolution",
	}, []string{"collection"})

	// RemoteReachable provides a binary 0/1 signal for backend reachability
	RemoteReachable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_remote_reachable",
		Help: "Whether the remote document store answered the last probe (1 yes, 0 no)",
	})

	// NotifierReconnections counts how many times the change-event link was restored
	// Frequent increments indicate an unstable path to the broker
	NotifierReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncd_notifier_reconnections_total",
		Help: "Total number of AMQP notifier reconnection attempts",
	})

	// IndexFallbacks counts ordered queries that degraded to client-side sorting
	IndexFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_index_fallbacks_total",
		Help: "Total number of reads served via the unordered-query fallback",
	}, []string{"collection"})
)

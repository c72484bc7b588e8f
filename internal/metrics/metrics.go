// Package metrics exposes beacon's Prometheus instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Deliveries counts provider attempts by outcome.
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_deliveries_total",
			Help: "Total number of provider delivery attempts",
		},
		[]string{"provider", "outcome"},
	)

	// DeliveryDuration tracks successful delivery latency per provider.
	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_delivery_duration_seconds",
			Help:    "Duration of successful provider deliveries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// Dropped counts requests dropped before any provider was tried.
	Dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_dropped_total",
			Help: "Notifications dropped before delivery",
		},
		[]string{"reason"},
	)

	// Queued counts notifications held for delayed retry.
	Queued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_queued_total",
			Help: "Notifications queued for delayed retry",
		},
	)

	// QueueDepth is the current number of queued notifications.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_queue_depth",
			Help: "Current delivery queue depth",
		},
	)

	// Expired counts queued notifications dropped at TTL.
	Expired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_queue_expired_total",
			Help: "Queued notifications expired without delivery",
		},
	)
)

// Init registers all beacon collectors with the default registry.
func Init() {
	prometheus.MustRegister(Deliveries, DeliveryDuration, Dropped, Queued, QueueDepth, Expired)
}

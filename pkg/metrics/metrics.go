package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Delivery metrics
	NotificationsSent *prometheus.CounterVec
	DeliveryLatency   prometheus.Histogram
	Evictions         *prometheus.CounterVec

	// Engine state
	MemoryEstimateMB      prometheus.Gauge
	ActiveConnections     prometheus.Gauge
	OnlineUsers           prometheus.Gauge
	QueuedNotifications   prometheus.Gauge
	AuthenticationFailure prometheus.Counter

	// Durable store metrics
	PersistenceOperations *prometheus.CounterVec
	PersistenceLatency    *prometheus.HistogramVec

	// Broker metrics
	BrokerMessages *prometheus.CounterVec
}

// NewMetrics creates and registers all engine metrics on reg. A nil reg
// falls back to the default registerer.
func NewMetrics(reg prometheus.Registerer, namespace, subsystem string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		NotificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_sent_total",
			Help:      "Total number of delivery decisions by method (live, durable, dropped)",
		}, []string{"method"}),
		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delivery_latency_seconds",
			Help:      "Time spent making a single delivery decision",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		Evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "evictions_total",
			Help:      "Queued notifications evicted from memory by reason (cap, expired, trim)",
		}, []string{"reason"}),

		MemoryEstimateMB: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "memory_estimate_mb",
			Help:      "Estimated memory held by queued notifications and connections",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_connections",
			Help:      "Current number of authenticated duplex connections",
		}),
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "online_users",
			Help:      "Current number of users with at least one connection",
		}),
		QueuedNotifications: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queued_notifications",
			Help:      "Current number of notifications held in memory",
		}),
		AuthenticationFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total number of rejected authenticate handshakes",
		}),

		PersistenceOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "persistence_operations_total",
			Help:      "Total number of durable store operations",
		}, []string{"operation", "status"}),
		PersistenceLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "persistence_operation_duration_seconds",
			Help:      "Duration of durable store operations",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),

		BrokerMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broker_messages_total",
			Help:      "Total number of notification requests received from the broker",
		}, []string{"status"}),
	}
}

// New builds metrics on a private registry, which is what tests want.
func New(namespace string) *Metrics {
	return NewMetrics(prometheus.NewRegistry(), namespace, "")
}

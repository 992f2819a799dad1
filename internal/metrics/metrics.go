package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the push bridge
type Metrics struct {
	// Relay metrics
	RelayConnectionState  *prometheus.GaugeVec
	RelayEventsReceived   *prometheus.CounterVec
	RelayReconnectsTotal  *prometheus.CounterVec
	RelayProtocolAnomalies *prometheus.CounterVec
	RelayFiltersSent      *prometheus.CounterVec

	// Registry metrics
	SubscribersActive prometheus.Gauge

	// Router metrics
	RouterEventsRouted        prometheus.Counter
	RouterDuplicatesSuppressed prometheus.Counter
	RouterSelfEventsSkipped   prometheus.Counter
	RouterDedupEntries        prometheus.Gauge

	// Push metrics
	PushDeliveriesTotal  *prometheus.CounterVec
	PushDeliveryDuration prometheus.Histogram

	// API metrics
	APIRequestsTotal *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// Relay metrics
	m.RelayConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushbridge_relay_connection_state",
			Help: "Connection state per relay (0 disconnected, 1 connecting, 2 connected)",
		},
		[]string{"relay"},
	)

	m.RelayEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushbridge_relay_events_received_total",
			Help: "Total number of events received from relays",
		},
		[]string{"relay"},
	)

	m.RelayReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushbridge_relay_reconnects_total",
			Help: "Total number of reconnect attempts per relay",
		},
		[]string{"relay"},
	)

	m.RelayProtocolAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushbridge_relay_protocol_anomalies_total",
			Help: "Total number of malformed frames dropped per relay",
		},
		[]string{"relay"},
	)

	m.RelayFiltersSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushbridge_relay_filters_sent_total",
			Help: "Total number of subscription filters sent per relay",
		},
		[]string{"relay"},
	)

	// Registry metrics
	m.SubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushbridge_subscribers_active",
			Help: "Number of active push subscriber registrations",
		},
	)

	// Router metrics
	m.RouterEventsRouted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushbridge_router_events_routed_total",
			Help: "Total number of events matched to at least one subscriber",
		},
	)

	m.RouterDuplicatesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushbridge_router_duplicates_suppressed_total",
			Help: "Total number of notifications suppressed by deduplication",
		},
	)

	m.RouterSelfEventsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushbridge_router_self_events_skipped_total",
			Help: "Total number of notifications skipped because the subscriber authored the event",
		},
	)

	m.RouterDedupEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushbridge_router_dedup_entries",
			Help: "Current number of entries in the dedup table",
		},
	)

	// Push metrics
	m.PushDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushbridge_push_deliveries_total",
			Help: "Total number of push delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	m.PushDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pushbridge_push_delivery_duration_seconds",
			Help:    "Duration of push delivery calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // from 1ms to ~4s
		},
	)

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushbridge_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	return m
}

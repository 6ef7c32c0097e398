package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for tracking relay connectivity and feed behavior
var (
	// Connection metrics
	ConnectedRelays = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedcore_connected_relays",
		Help: "The number of relays currently in the connected state",
	})

	ConnectionStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedcore_connection_state_transitions_total",
		Help: "State machine transitions by target state",
	}, []string{"state"})

	ReconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedcore_reconnect_attempts_total",
		Help: "Scheduled reconnect attempts per relay",
	}, []string{"relay"})

	HealthCheckFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedcore_health_check_failures_total",
		Help: "Keep-alive pings that never got a pong",
	}, []string{"relay"})

	// Pending operation metrics
	PendingOperations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedcore_pending_operations",
		Help: "Requests awaiting relay acknowledgment",
	})

	AckLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedcore_ack_latency_seconds",
		Help:    "Time between sending a request and its acknowledgment",
		Buckets: prometheus.ExponentialBuckets(0.01, 10, 5), // 0.01, 0.1, 1, 10, 100
	})

	// Feed metrics
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedcore_events_received_total",
		Help: "Inbound content events by kind, before classification",
	}, []string{"kind"})

	EventsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedcore_events_admitted_total",
		Help: "Events that survived classification and entered the cache",
	})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedcore_events_rejected_total",
		Help: "Events dropped during classification, by reason",
	}, []string{"reason"}) // "duplicate", "invalid", "blocked", "kind", "hashtag", "group"

	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedcore_cache_size",
		Help: "Events currently held in the cache",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedcore_cache_evictions_total",
		Help: "Events evicted by capacity trimming",
	})

	// Subscription metrics
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedcore_active_subscriptions",
		Help: "Open relay subscriptions across all connections",
	})

	SubscriptionReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedcore_subscription_replays_total",
		Help: "Subscriptions replayed after a reconnect",
	})

	OfflineRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedcore_offline_retries_total",
		Help: "Retry-when-offline subscribe attempts",
	})

	// Archive metrics
	ArchiveInserts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedcore_archive_inserts_total",
		Help: "Archive insert outcomes",
	}, []string{"outcome"}) // "success", "failure", "dropped"
)

// Local counters mirrored outside prometheus so health checks can read them
// without scraping.
var (
	connectedRelayCount int64
	duplicateCount      int64
	eventsAdmittedCount int64
)

// IncrementConnectedRelays tracks a relay entering the connected state.
func IncrementConnectedRelays() {
	ConnectedRelays.Inc()
	atomic.AddInt64(&connectedRelayCount, 1)
}

// DecrementConnectedRelays tracks a relay leaving the connected state.
func DecrementConnectedRelays() {
	ConnectedRelays.Dec()
	atomic.AddInt64(&connectedRelayCount, -1)
}

// GetConnectedRelayCount returns the number of connected relays.
func GetConnectedRelayCount() int64 {
	return atomic.LoadInt64(&connectedRelayCount)
}

// IncrementDuplicateEvents records one rejected duplicate.
func IncrementDuplicateEvents() {
	EventsRejected.WithLabelValues("duplicate").Inc()
	atomic.AddInt64(&duplicateCount, 1)
}

// GetDuplicateEventCount returns the running duplicate total.
func GetDuplicateEventCount() int64 {
	return atomic.LoadInt64(&duplicateCount)
}

// IncrementEventsAdmitted records one cache admission.
func IncrementEventsAdmitted() {
	EventsAdmitted.Inc()
	atomic.AddInt64(&eventsAdmittedCount, 1)
}

// GetEventsAdmittedCount returns the running admission total.
func GetEventsAdmittedCount() int64 {
	return atomic.LoadInt64(&eventsAdmittedCount)
}

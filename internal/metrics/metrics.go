package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Feed connection metrics
	FeedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricehub_feed_messages_total",
			Help: "Total messages received from upstream feeds",
		},
		[]string{"feed"},
	)

	FeedTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricehub_feed_ticks_total",
			Help: "Total ticks accepted into the price store by source",
		},
		[]string{"source"},
	)

	FeedDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricehub_feed_dropped_messages_total",
			Help: "Upstream messages dropped as malformed or unrecognized",
		},
		[]string{"feed"},
	)

	FeedReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricehub_feed_reconnects_total",
			Help: "Total reconnect attempts scheduled per feed",
		},
		[]string{"feed"},
	)

	FeedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricehub_feed_errors_total",
			Help: "Total feed connection errors",
		},
		[]string{"feed", "error_type"}, // dial, subscribe, read, prepare
	)

	// FeedState is 1 for the current state of each feed and 0 for the others
	FeedState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pricehub_feed_state",
			Help: "Current connection state per feed",
		},
		[]string{"feed", "state"},
	)

	// Subscriber metrics
	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricehub_subscribers",
			Help: "Number of connected downstream subscribers",
		},
	)

	SubscribersPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricehub_subscribers_pruned_total",
			Help: "Subscribers removed by the hub",
		},
		[]string{"reason"}, // slow, closed, shutdown
	)

	// Broadcast metrics
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricehub_broadcasts_total",
			Help: "Total broadcasts by trigger",
		},
		[]string{"trigger"}, // tick, heartbeat
	)

	BroadcastLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pricehub_broadcast_latency_ms",
			Help:    "Time to build and enqueue a broadcast in milliseconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50},
		},
	)

	MirrorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricehub_mirror_errors_total",
			Help: "Errors mirroring payloads to Redis",
		},
		[]string{"operation"}, // publish, cache, dropped, circuit_open
	)

	MirrorCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricehub_mirror_circuit_state",
			Help: "Redis mirror circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)

var feedStates = []string{"disconnected", "connecting", "subscribing", "streaming", "abandoned"}

// SetFeedState flips the state gauge of a feed to the given state
func SetFeedState(feed, state string) {
	for _, s := range feedStates {
		v := 0.0
		if s == state {
			v = 1
		}
		FeedState.WithLabelValues(feed, s).Set(v)
	}
}

// CounterValue reads the current value of a counter, 0 if it cannot be read
func CounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

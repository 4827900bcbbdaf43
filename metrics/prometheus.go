package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Levelbook metrics collector
// Covers the book aggregation pipeline and the feed transport

var (
	// Singleton collector
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds all levelbook metrics
type Collector struct {
	// Book metrics
	BatchesTotal     *prometheus.CounterVec
	EventsTotal      *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	VisibleChanges   *prometheus.CounterVec
	BookDepth        *prometheus.GaugeVec
	BookVisibleDepth *prometheus.GaugeVec
	ApplyDuration    *prometheus.HistogramVec

	// Feed metrics
	FeedMessagesTotal   *prometheus.CounterVec
	FeedReconnectsTotal prometheus.Counter
	FeedGapsTotal       *prometheus.CounterVec
	FeedDroppedTotal    *prometheus.CounterVec
	FeedSubscriptions   prometheus.Gauge
}

// GetCollector returns the singleton metrics collector
func GetCollector() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

// newCollector creates a new metrics collector
func newCollector() *Collector {
	c := &Collector{}

	// Book metrics
	c.BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "levelbook",
			Subsystem: "book",
			Name:      "batches_total",
			Help:      "Total number of order batches processed",
		},
		[]string{"symbol", "kind"},
	)

	c.EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "levelbook",
			Subsystem: "book",
			Name:      "events_total",
			Help:      "Total number of order events consumed",
		},
		[]string{"symbol"},
	)

	c.EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "levelbook",
			Subsystem: "book",
			Name:      "events_dropped_total",
			Help:      "Order events dropped as malformed before aggregation",
		},
		[]string{"symbol", "reason"},
	)

	c.VisibleChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "levelbook",
			Subsystem: "book",
			Name:      "visible_changes_total",
			Help:      "Price level changes emitted within the visible window",
		},
		[]string{"symbol", "kind"},
	)

	c.BookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "levelbook",
			Subsystem: "book",
			Name:      "depth",
			Help:      "Number of price levels per side, hidden levels included",
		},
		[]string{"symbol", "side"},
	)

	c.BookVisibleDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "levelbook",
			Subsystem: "book",
			Name:      "visible_depth",
			Help:      "Number of price levels per side inside the visible window",
		},
		[]string{"symbol", "side"},
	)

	c.ApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "levelbook",
			Subsystem: "book",
			Name:      "apply_duration_seconds",
			Help:      "Time spent applying one batch to the book",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		},
		[]string{"symbol"},
	)

	// Feed metrics
	c.FeedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "levelbook",
			Subsystem: "feed",
			Name:      "messages_total",
			Help:      "Total number of feed frames received",
		},
		[]string{"channel"},
	)

	c.FeedReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "levelbook",
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Successful feed reconnects after a lost connection",
		},
	)

	c.FeedGapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "levelbook",
			Subsystem: "feed",
			Name:      "gaps_total",
			Help:      "Sequence gaps skipped after the replay buffer overflowed",
		},
		[]string{"channel"},
	)

	c.FeedDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "levelbook",
			Subsystem: "feed",
			Name:      "dropped_total",
			Help:      "Feed frames dropped before dispatch",
		},
		[]string{"channel", "reason"},
	)

	c.FeedSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "levelbook",
			Subsystem: "feed",
			Name:      "subscriptions",
			Help:      "Number of active feed subscriptions",
		},
	)

	// Register all metrics
	c.registerAll()

	return c
}

// collectors returns every metric held by the collector
func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		// Book metrics
		c.BatchesTotal,
		c.EventsTotal,
		c.EventsDropped,
		c.VisibleChanges,
		c.BookDepth,
		c.BookVisibleDepth,
		c.ApplyDuration,

		// Feed metrics
		c.FeedMessagesTotal,
		c.FeedReconnectsTotal,
		c.FeedGapsTotal,
		c.FeedDroppedTotal,
		c.FeedSubscriptions,
	}
}

// registerAll registers all metrics with the default Prometheus registry
func (c *Collector) registerAll() {
	for _, col := range c.collectors() {
		prometheus.MustRegister(col)
	}
}

// Register registers all metrics with the given registerer. Use this to
// expose the collector through a custom registry.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, col := range c.collectors() {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// ============ Recording Helpers ============

// RecordEventDrop records a malformed order event dropped by the book
func (c *Collector) RecordEventDrop(symbol, reason string) {
	c.EventsDropped.WithLabelValues(symbol, reason).Inc()
}

// RecordFeedReconnect records a successful feed reconnect
func (c *Collector) RecordFeedReconnect() {
	c.FeedReconnectsTotal.Inc()
}

// RecordFeedMessage records one received feed frame
func (c *Collector) RecordFeedMessage(channel string) {
	c.FeedMessagesTotal.WithLabelValues(channel).Inc()
}

// RecordFeedGap records a sequence gap skipped on a channel
func (c *Collector) RecordFeedGap(channel string) {
	c.FeedGapsTotal.WithLabelValues(channel).Inc()
}

// RecordFeedDrop records a frame dropped before dispatch
func (c *Collector) RecordFeedDrop(channel, reason string) {
	c.FeedDroppedTotal.WithLabelValues(channel, reason).Inc()
}

// RecordSubscriptions records subscription count changes
func (c *Collector) RecordSubscriptions(delta int) {
	c.FeedSubscriptions.Add(float64(delta))
}

// ============ HTTP Handler ============

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for measuring latency
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed time since the timer was created
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

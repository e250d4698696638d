// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for linkedge.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "linkedge"

// Metrics pairs Prometheus collectors with atomic counters that tests and the
// request hot path can read without scraping.
type Metrics struct {
	redirects        atomic.Int64
	passwordPrompts  atomic.Int64
	notFound         atomic.Int64
	throttled        atomic.Int64
	filterRejects    atomic.Int64
	falsePositives   atomic.Int64
	syncApplied      atomic.Int64
	syncFailed       atomic.Int64
	streamReconnects atomic.Int64
	analyticsSent    atomic.Int64
	analyticsFailed  atomic.Int64
	analyticsDropped atomic.Int64
	evictions        atomic.Int64
	evictedItems     atomic.Int64

	promRequests         *prometheus.CounterVec
	promFilterRejects    prometheus.Counter
	promFalsePositives   prometheus.Counter
	promSyncEvents       *prometheus.CounterVec
	promStreamConnected  prometheus.Gauge
	promStreamReconnects prometheus.Counter
	promAnalytics        *prometheus.CounterVec
	promRules            prometheus.Gauge
	promFilterCount      prometheus.Gauge
	promFilterCapacity   prometheus.Gauge
	promEvictions        prometheus.Counter
	promEvictedItems     prometheus.Counter
	promHeapBytes        prometheus.Gauge
	promHeapPeakBytes    prometheus.Gauge
	promLRUEntries       prometheus.Gauge

	// PromRequestDuration is observed once per redirect request.
	PromRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		promRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Redirect requests by outcome.",
		}, []string{"outcome"}),
		promFilterRejects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_rejects_total",
			Help:      "Requests rejected by the membership filter without a store lookup.",
		}),
		promFalsePositives: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_false_positives_total",
			Help:      "Requests admitted by the membership filter but absent from the store.",
		}),
		promSyncEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_events_total",
			Help:      "Rule change events processed, by type and result.",
		}, []string{"type", "result"}),
		promStreamConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connected",
			Help:      "1 while the rule stream is connected.",
		}),
		promStreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Scheduled reconnect attempts to the rule stream.",
		}),
		promAnalytics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_events_total",
			Help:      "Visit reports by result (sent, failed, dropped).",
		}, []string{"result"}),
		promRules: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules",
			Help:      "Rules currently held in the path store.",
		}),
		promFilterCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "filter_items",
			Help:      "Fingerprints held by the membership filter.",
		}),
		promFilterCapacity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "filter_capacity",
			Help:      "Current membership filter capacity.",
		}),
		promEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Eviction batches run under heap pressure.",
		}),
		promEvictedItems: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_rules_total",
			Help:      "Rules evicted under heap pressure.",
		}),
		promHeapBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_bytes",
			Help:      "Last sampled live heap size.",
		}),
		promHeapPeakBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_peak_bytes",
			Help:      "Peak sampled live heap size.",
		}),
		promLRUEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lru_entries",
			Help:      "Entries tracked by the eviction manager.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Redirect decision latency in seconds.",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
		}, []string{"outcome"}),
	}
}

// Request outcome labels.
const (
	OutcomeRedirect         = "redirect"
	OutcomePasswordRequired = "password_required"
	OutcomeNotFound         = "not_found"
	OutcomeThrottled        = "throttled"
)

// ObserveRequest counts a request by outcome and records its latency.
func (m *Metrics) ObserveRequest(outcome string, seconds float64) {
	switch outcome {
	case OutcomeRedirect:
		m.redirects.Add(1)
	case OutcomePasswordRequired:
		m.passwordPrompts.Add(1)
	case OutcomeNotFound:
		m.notFound.Add(1)
	case OutcomeThrottled:
		m.throttled.Add(1)
	}
	m.promRequests.WithLabelValues(outcome).Inc()
	m.PromRequestDuration.WithLabelValues(outcome).Observe(seconds)
}

// IncFilterReject counts a fast reject.
func (m *Metrics) IncFilterReject() {
	m.filterRejects.Add(1)
	m.promFilterRejects.Inc()
}

// IncFalsePositive counts a filter false positive.
func (m *Metrics) IncFalsePositive() {
	m.falsePositives.Add(1)
	m.promFalsePositives.Inc()
}

// IncSyncEvent counts a processed change event. result is "applied" or
// "failed".
func (m *Metrics) IncSyncEvent(kind, result string) {
	if result == "applied" {
		m.syncApplied.Add(1)
	} else {
		m.syncFailed.Add(1)
	}
	m.promSyncEvents.WithLabelValues(kind, result).Inc()
}

// SetStreamConnected records the stream connection state.
func (m *Metrics) SetStreamConnected(connected bool) {
	if connected {
		m.promStreamConnected.Set(1)
		return
	}
	m.promStreamConnected.Set(0)
}

// IncStreamReconnect counts a scheduled reconnect.
func (m *Metrics) IncStreamReconnect() {
	m.streamReconnects.Add(1)
	m.promStreamReconnects.Inc()
}

// IncAnalyticsSent counts a delivered visit report.
func (m *Metrics) IncAnalyticsSent() {
	m.analyticsSent.Add(1)
	m.promAnalytics.WithLabelValues("sent").Inc()
}

// IncAnalyticsFailed counts a visit report the collector did not accept.
func (m *Metrics) IncAnalyticsFailed() {
	m.analyticsFailed.Add(1)
	m.promAnalytics.WithLabelValues("failed").Inc()
}

// IncAnalyticsDropped counts a visit report discarded on buffer overflow.
func (m *Metrics) IncAnalyticsDropped() {
	m.analyticsDropped.Add(1)
	m.promAnalytics.WithLabelValues("dropped").Inc()
}

// SetRouting publishes routing table sizes.
func (m *Metrics) SetRouting(rules, filterItems, filterCapacity int) {
	m.promRules.Set(float64(rules))
	m.promFilterCount.Set(float64(filterItems))
	m.promFilterCapacity.Set(float64(filterCapacity))
}

// ObserveEviction implements eviction.Observer.
func (m *Metrics) ObserveEviction(items int) {
	m.evictions.Add(1)
	m.evictedItems.Add(int64(items))
	m.promEvictions.Inc()
	m.promEvictedItems.Add(float64(items))
}

// ObserveHeap implements eviction.Observer.
func (m *Metrics) ObserveHeap(current, peak uint64, tracked int) {
	m.promHeapBytes.Set(float64(current))
	m.promHeapPeakBytes.Set(float64(peak))
	m.promLRUEntries.Set(float64(tracked))
}

// MetricsSnapshot holds a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Redirects        int64
	PasswordPrompts  int64
	NotFound         int64
	Throttled        int64
	FilterRejects    int64
	FalsePositives   int64
	SyncApplied      int64
	SyncFailed       int64
	StreamReconnects int64
	AnalyticsSent    int64
	AnalyticsFailed  int64
	AnalyticsDropped int64
	Evictions        int64
	EvictedItems     int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Redirects:        m.redirects.Load(),
		PasswordPrompts:  m.passwordPrompts.Load(),
		NotFound:         m.notFound.Load(),
		Throttled:        m.throttled.Load(),
		FilterRejects:    m.filterRejects.Load(),
		FalsePositives:   m.falsePositives.Load(),
		SyncApplied:      m.syncApplied.Load(),
		SyncFailed:       m.syncFailed.Load(),
		StreamReconnects: m.streamReconnects.Load(),
		AnalyticsSent:    m.analyticsSent.Load(),
		AnalyticsFailed:  m.analyticsFailed.Load(),
		AnalyticsDropped: m.analyticsDropped.Load(),
		Evictions:        m.evictions.Load(),
		EvictedItems:     m.evictedItems.Load(),
	}
}

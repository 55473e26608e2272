// Package metrics exposes the pipeline's Prometheus instrumentation.
//
// All recording helpers are safe on a nil *Metrics so components can be
// built without instrumentation in tests and one-shot CLI commands.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vehicle_flow"

// Metrics holds the pipeline collectors
type Metrics struct {
	SnapshotsPublished prometheus.Counter
	EntriesReceived    prometheus.Counter
	EntriesMalformed   *prometheus.CounterVec
	EmptySnapshots     prometheus.Counter
	FeedDeliveries     *prometheus.CounterVec
	Online             prometheus.Gauge
	EventsInWindow     prometheus.Gauge
	RecomputeSeconds   prometheus.Histogram
}

// New creates the pipeline collectors without registering them
func New() *Metrics {
	return &Metrics{
		SnapshotsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_published_total",
			Help:      "Aggregate snapshots published, including liveness republishes",
		}),
		EntriesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_received_total",
			Help:      "Raw feed entries received across all snapshots",
		}),
		EntriesMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_malformed_total",
			Help:      "Raw feed entries dropped by the normalizer",
		}, []string{"reason"}),
		EmptySnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_snapshots_total",
			Help:      "Feed snapshots that carried no entries",
		}),
		FeedDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_deliveries_total",
			Help:      "Snapshots delivered by each feed source",
		}, []string{"source"}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_online",
			Help:      "1 while the feed is considered live, 0 otherwise",
		}),
		EventsInWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_in_window",
			Help:      "Normalized events in the latest snapshot",
		}),
		RecomputeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Time spent normalizing, grouping and aggregating one snapshot",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SnapshotsPublished,
		m.EntriesReceived,
		m.EntriesMalformed,
		m.EmptySnapshots,
		m.FeedDeliveries,
		m.Online,
		m.EventsInWindow,
		m.RecomputeSeconds,
	}
}

// Registry wraps a dedicated Prometheus registry with the pipeline metrics
type Registry struct {
	registry *prometheus.Registry
	Metrics  *Metrics
}

// NewRegistry creates a registry with pipeline and Go runtime metrics
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	m := New()
	reg.MustRegister(m.collectors()...)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{registry: reg, Metrics: m}
}

// Prometheus returns the underlying registry
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Malformed counts one dropped entry
func (m *Metrics) Malformed(reason string) {
	if m == nil {
		return
	}
	m.EntriesMalformed.WithLabelValues(reason).Inc()
}

// Empty counts one snapshot without entries
func (m *Metrics) Empty() {
	if m == nil {
		return
	}
	m.EmptySnapshots.Inc()
}

// Delivered counts one snapshot handed over by a feed source
func (m *Metrics) Delivered(source string) {
	if m == nil {
		return
	}
	m.FeedDeliveries.WithLabelValues(source).Inc()
}

// Published records a publish of a snapshot built from received raw entries and events
func (m *Metrics) Published(received, events int, took time.Duration) {
	if m == nil {
		return
	}
	m.SnapshotsPublished.Inc()
	m.EntriesReceived.Add(float64(received))
	m.EventsInWindow.Set(float64(events))
	m.RecomputeSeconds.Observe(took.Seconds())
}

// Republished records a liveness-only publish
func (m *Metrics) Republished() {
	if m == nil {
		return
	}
	m.SnapshotsPublished.Inc()
}

// SetOnline mirrors the liveness state
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.Online.Set(1)
		return
	}
	m.Online.Set(0)
}

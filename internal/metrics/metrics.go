package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var histogramBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2}

// Metrics is the set of collectors describing the backend.
// Every method is safe on a nil *Metrics so components can run without
// instrumentation (tests, the query CLI).
type Metrics struct {
	registry *prometheus.Registry

	// requestTotal / requestLatency
	// - one observation per request the router answered, labelled by
	//   method, matched route and status code.
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	// connectionsTotal
	// - transport-level outcomes: accepted, handshake_failed, abandoned
	//   (stream ended before a full request), malformed, too_large,
	//   dispatched.
	connectionsTotal *prometheus.CounterVec

	// eventsStoredTotal
	// - events appended to disk. Counted per event, not per batch.
	eventsStoredTotal prometheus.Counter

	// ingestFailuresTotal
	// - append or mkdir failures surfaced as ingest_failed.
	ingestFailuresTotal prometheus.Counter

	// rowsDecodedTotal
	// - lines read back from disk, by decode tier (canonical, legacy,
	//   unparsed). A growing unparsed count means corrupted log files.
	rowsDecodedTotal *prometheus.CounterVec

	// indexedRuns
	// - number of runs currently held in the in-memory index.
	indexedRuns prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logroller",
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Count of routed requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "logroller",
			Subsystem: "router",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of routed requests",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logroller",
			Subsystem: "transport",
			Name:      "connections_total",
			Help:      "Connections by outcome",
		}, []string{"outcome"}),
		eventsStoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logroller",
			Subsystem: "store",
			Name:      "events_stored_total",
			Help:      "Events appended to the event log",
		}),
		ingestFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logroller",
			Subsystem: "store",
			Name:      "ingest_failures_total",
			Help:      "Ingest calls that failed with a storage error",
		}),
		rowsDecodedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logroller",
			Subsystem: "store",
			Name:      "rows_decoded_total",
			Help:      "Log lines decoded from disk by decode tier",
		}, []string{"tier"}),
		indexedRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logroller",
			Subsystem: "store",
			Name:      "indexed_runs",
			Help:      "Runs held in the in-memory index",
		}),
	}
	m.registry.MustRegister(
		m.requestTotal,
		m.requestLatency,
		m.connectionsTotal,
		m.eventsStoredTotal,
		m.ingestFailuresTotal,
		m.rowsDecodedTotal,
		m.indexedRuns,
	)
	return m
}

// Registry exposes the private registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": methodLabel(method),
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(d.Seconds())
}

// methodLabel keeps the label set bounded: client-chosen verbs outside
// the standard ones collapse to "other".
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return method
	}
	return "other"
}

func (m *Metrics) Connection(outcome string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventsStored(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsStoredTotal.Add(float64(n))
}

func (m *Metrics) IngestFailed() {
	if m == nil {
		return
	}
	m.ingestFailuresTotal.Inc()
}

func (m *Metrics) RowDecoded(tier string) {
	if m == nil {
		return
	}
	m.rowsDecodedTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) SetIndexedRuns(n int) {
	if m == nil {
		return
	}
	m.indexedRuns.Set(float64(n))
}

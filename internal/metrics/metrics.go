// Package metrics exposes Prometheus instrumentation for mirror runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors recorded by the crawler and the API. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	FetchesTotal   *prometheus.CounterVec
	FetchDuration  *prometheus.HistogramVec
	BytesTotal     *prometheus.CounterVec
	RetriesTotal   prometheus.Counter
	SkippedTotal   *prometheus.CounterVec
	FailedTotal    *prometheus.CounterVec
	FrontierQueued prometheus.Gauge
	InFlight       prometheus.Gauge
	RunsTotal      *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		FetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrorurl_fetches_total",
			Help: "Fetch attempts by outcome.",
		}, []string{"outcome"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mirrorurl_fetch_duration_seconds",
			Help:    "Duration of fetch attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		BytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrorurl_bytes_total",
			Help: "Bytes downloaded by payload kind.",
		}, []string{"kind"}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mirrorurl_retries_total",
			Help: "Fetch attempts scheduled for retry.",
		}),
		SkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrorurl_skipped_total",
			Help: "URLs dropped before or after fetching, by reason.",
		}, []string{"reason"}),
		FailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrorurl_failed_total",
			Help: "URLs that failed after retries, by reason.",
		}, []string{"reason"}),
		FrontierQueued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mirrorurl_frontier_queued",
			Help: "Targets waiting in the frontier.",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mirrorurl_fetches_in_flight",
			Help: "Fetches currently in progress.",
		}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrorurl_runs_total",
			Help: "Mirror runs by final status.",
		}, []string{"status"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrorurl_api_requests_total",
			Help: "Control API requests.",
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFetch records one fetch attempt.
func (m *Metrics) ObserveFetch(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(outcome).Inc()
	m.FetchDuration.WithLabelValues(outcome).Observe(latency.Seconds())
}

// AddBytes counts downloaded payload bytes.
func (m *Metrics) AddBytes(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesTotal.WithLabelValues(kind).Add(float64(n))
}

// Retry counts a scheduled retry.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// Skipped counts a dropped URL.
func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.SkippedTotal.WithLabelValues(reason).Inc()
}

// Failed counts a URL that failed.
func (m *Metrics) Failed(reason string) {
	if m == nil {
		return
	}
	m.FailedTotal.WithLabelValues(reason).Inc()
}

// SetQueued reports the frontier length.
func (m *Metrics) SetQueued(n int) {
	if m == nil {
		return
	}
	m.FrontierQueued.Set(float64(n))
}

// FetchStarted and FetchFinished bracket an in-flight fetch.
func (m *Metrics) FetchStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) FetchFinished() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}

// RunFinished counts a completed run.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
}

// APIRequest counts a control API request.
func (m *Metrics) APIRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, http.StatusText(status)).Inc()
}

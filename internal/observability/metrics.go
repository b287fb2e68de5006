// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the gateway.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LLMBuckets defines histogram buckets suited for inference latencies,
// ranging from 100ms to 40 minutes.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 2500}

// Metrics owns the gateway collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	// RequestsTotal counts guarded requests by route and status class.
	RequestsTotal *prometheus.CounterVec
	// RequestDuration records guarded request duration in seconds by route.
	RequestDuration *prometheus.HistogramVec
	// RejectionsTotal counts admission rejections by guard and error code.
	RejectionsTotal *prometheus.CounterVec
	// StreamingConnections tracks in-flight SSE responses.
	StreamingConnections prometheus.Gauge
	// StreamFramesTotal counts normalized stream frames by kind.
	StreamFramesTotal *prometheus.CounterVec
	// BackendRequestsTotal counts calls to the inference backend by outcome.
	BackendRequestsTotal *prometheus.CounterVec
	// BackendLatency records backend latency until response headers arrive.
	BackendLatency prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with a fresh registry
// that also carries the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mis_requests_total",
				Help: "Total guarded requests",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mis_request_duration_seconds",
				Help:    "Guarded request duration",
				Buckets: LLMBuckets,
			},
			[]string{"route"},
		),
		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mis_admission_rejections_total",
				Help: "Admission rejections",
			},
			[]string{"guard", "code"},
		),
		StreamingConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mis_streaming_connections_active",
				Help: "Active streaming connections",
			},
		),
		StreamFramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mis_stream_frames_total",
				Help: "Normalized stream frames",
			},
			[]string{"kind"},
		),
		BackendRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mis_backend_requests_total",
				Help: "Backend requests",
			},
			[]string{"status"},
		),
		BackendLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mis_backend_latency_seconds",
				Help:    "Backend time to response headers",
				Buckets: LLMBuckets,
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.RequestDuration,
		m.RejectionsTotal,
		m.StreamingConnections,
		m.StreamFramesTotal,
		m.BackendRequestsTotal,
		m.BackendLatency,
	)
	return m
}

// Registry exposes the registry for tests and additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TrackActive exports fn as the mis_active_requests gauge.
func (m *Metrics) TrackActive(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mis_active_requests",
			Help: "Requests currently holding a concurrency slot",
		},
		func() float64 { return float64(fn()) },
	))
}

// Rejected records an admission rejection.
func (m *Metrics) Rejected(guard, code string) {
	m.RejectionsTotal.WithLabelValues(guard, code).Inc()
}

// StreamFrame records one emitted stream frame.
func (m *Metrics) StreamFrame(kind string) {
	m.StreamFramesTotal.WithLabelValues(kind).Inc()
}

// BackendResult records the outcome of one backend call.
func (m *Metrics) BackendResult(status int, elapsed time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.BackendRequestsTotal.WithLabelValues(label).Inc()
	m.BackendLatency.Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

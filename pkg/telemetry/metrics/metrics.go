// Package metrics exposes Prometheus collectors for the load balancer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors for the request path, the
// admission gate, and the health monitor.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	outputTokens    *prometheus.CounterVec

	inFlight   *prometheus.GaugeVec
	queueDepth *prometheus.GaugeVec
	queueWait  prometheus.Histogram
	rejections *prometheus.CounterVec

	endpointUp   *prometheus.GaugeVec
	probeLatency *prometheus.HistogramVec
	tpsEstimate  *prometheus.GaugeVec
}

// New creates a Metrics instance registered on the default registry.
func New() *Metrics {
	return &Metrics{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_requests_total",
				Help: "Total number of proxied requests",
			},
			[]string{"endpoint", "model", "api", "outcome"},
		),

		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gantry_request_duration_seconds",
				Help:    "End-to-end duration of proxied requests",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
			},
			[]string{"endpoint", "api"},
		),

		outputTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_output_tokens_total",
				Help: "Total output tokens produced by upstream endpoints",
			},
			[]string{"endpoint", "model"},
		),

		inFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gantry_endpoint_in_flight",
				Help: "Requests currently holding an admission slot",
			},
			[]string{"endpoint"},
		),

		queueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gantry_endpoint_queue_depth",
				Help: "Requests currently waiting for an admission slot",
			},
			[]string{"endpoint"},
		),

		queueWait: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gantry_queue_wait_seconds",
				Help:    "Time spent waiting for an admission slot",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 17), // 1ms to ~2m
			},
		),

		rejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_rejections_total",
				Help: "Requests rejected before dispatch",
			},
			[]string{"reason"},
		),

		endpointUp: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gantry_endpoint_up",
				Help: "Whether the endpoint is online (1) or not (0)",
			},
			[]string{"endpoint"},
		),

		probeLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gantry_probe_latency_seconds",
				Help:    "Health probe round-trip latency",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"endpoint"},
		),

		tpsEstimate: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gantry_tps_estimate",
				Help: "Current output tokens-per-second estimate",
			},
			[]string{"endpoint", "model", "api"},
		),
	}
}

// RecordRequest records one proxied request outcome.
func (m *Metrics) RecordRequest(endpoint, model, api string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.requestsTotal.WithLabelValues(endpoint, model, api, outcome).Inc()
	m.requestDuration.WithLabelValues(endpoint, api).Observe(duration.Seconds())
}

// RecordOutputTokens counts tokens produced by an endpoint.
func (m *Metrics) RecordOutputTokens(endpoint, model string, tokens uint64) {
	m.outputTokens.WithLabelValues(endpoint, model).Add(float64(tokens))
}

// SetInFlight updates the endpoint's slot occupancy gauge.
func (m *Metrics) SetInFlight(endpoint string, n int) {
	m.inFlight.WithLabelValues(endpoint).Set(float64(n))
}

// SetQueueDepth updates the endpoint's queue depth gauge.
func (m *Metrics) SetQueueDepth(endpoint string, n int) {
	m.queueDepth.WithLabelValues(endpoint).Set(float64(n))
}

// RecordQueueWait records how long a request waited for a slot.
func (m *Metrics) RecordQueueWait(d time.Duration) {
	m.queueWait.Observe(d.Seconds())
}

// RecordRejection counts a request rejected before dispatch.
func (m *Metrics) RecordRejection(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

// SetEndpointUp updates the endpoint's availability gauge.
func (m *Metrics) SetEndpointUp(endpoint string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.endpointUp.WithLabelValues(endpoint).Set(v)
}

// RecordProbeLatency records a health probe round trip.
func (m *Metrics) RecordProbeLatency(endpoint string, d time.Duration) {
	m.probeLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// SetTPSEstimate updates a throughput series gauge.
func (m *Metrics) SetTPSEstimate(endpoint, model, api string, tps float64) {
	m.tpsEstimate.WithLabelValues(endpoint, model, api).Set(tps)
}

// RemoveEndpoint drops per-endpoint series after deletion.
func (m *Metrics) RemoveEndpoint(endpoint string) {
	labels := prometheus.Labels{"endpoint": endpoint}
	m.inFlight.DeletePartialMatch(labels)
	m.queueDepth.DeletePartialMatch(labels)
	m.endpointUp.DeletePartialMatch(labels)
	m.probeLatency.DeletePartialMatch(labels)
	m.tpsEstimate.DeletePartialMatch(labels)
	m.requestsTotal.DeletePartialMatch(labels)
	m.requestDuration.DeletePartialMatch(labels)
	m.outputTokens.DeletePartialMatch(labels)
}

// Package metrics holds the Prometheus collectors for the call host.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the host.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Call metrics
	CallsActive     prometheus.Gauge
	CallsTotal      *prometheus.CounterVec
	CallDuration    prometheus.Histogram
	AudioBytesTotal *prometheus.CounterVec
	OverrunsTotal   prometheus.Counter
	StateChanges    *prometheus.CounterVec
	IntentsTotal    *prometheus.CounterVec

	// Outcome metrics
	ReservationsTotal *prometheus.CounterVec
	SMSTotal          *prometheus.CounterVec
	EscalationsTotal  *prometheus.CounterVec

	// Error metrics
	UpstreamErrorsTotal *prometheus.CounterVec

	// Admission metrics
	RejectionsTotal *prometheus.CounterVec
	EventsDropped   prometheus.Counter
}

// New creates a Metrics instance with every collector registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_host"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"route"}),
		CallsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of calls in progress",
		}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of finished calls by final status",
		}, []string{"status"}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes carried on media streams",
		}, []string{"direction"}),
		OverrunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_overruns_total",
			Help:      "Inbound audio frames dropped because the pipeline fell behind",
		}),
		StateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialogue_transitions_total",
			Help:      "Dialogue state transitions by target state",
		}, []string{"state"}),
		IntentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "Classified caller intents",
		}, []string{"intent"}),
		ReservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome",
		}, []string{"status"}),
		SMSTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sms_total",
			Help:      "SMS notifications by outcome",
		}, []string{"outcome"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Calls escalated to a human by reason",
		}, []string{"reason"}),
		UpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Errors from external services",
		}, []string{"service", "error_type"}),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_rejections_total",
			Help:      "Incoming calls rejected before a session started",
		}, []string{"reason"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_events_dropped_total",
			Help:      "Analytics events dropped because the buffer was full",
		}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.CallsActive,
		m.CallsTotal,
		m.CallDuration,
		m.AudioBytesTotal,
		m.OverrunsTotal,
		m.StateChanges,
		m.IntentsTotal,
		m.ReservationsTotal,
		m.SMSTotal,
		m.EscalationsTotal,
		m.UpstreamErrorsTotal,
		m.RejectionsTotal,
		m.EventsDropped,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordRequest(route, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) RecordCallStart() {
	m.CallsActive.Inc()
}

func (m *Metrics) RecordCallEnd(status string, duration time.Duration) {
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(status).Inc()
	m.CallDuration.Observe(duration.Seconds())
}

// RecordAudio records media bytes; direction is "inbound" or "outbound".
func (m *Metrics) RecordAudio(direction string, bytes int) {
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordUpstreamError(service, errorType string) {
	m.UpstreamErrorsTotal.WithLabelValues(service, errorType).Inc()
}

func (m *Metrics) RecordRejection(reason string) {
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

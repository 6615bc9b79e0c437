// Package metrics owns the Prometheus registry the service exposes on
// /metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alfredjeanlab/gados/internal/events"
)

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	RateLimited     prometheus.Counter
	DebugTraces     prometheus.Counter
	BusMessages     *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	ScenarioRuns    *prometheus.CounterVec
	AgentsAlive     prometheus.Gauge
	ValidationState *prometheus.GaugeVec
}

// New registers the service collectors, plus the Go and process collectors,
// on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gados_http_requests_total",
			Help: "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gados_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gados_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		DebugTraces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gados_debug_trace_total",
			Help: "Calls to the debug trace endpoint.",
		}),
		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gados_bus_messages_total",
			Help: "Bus operations by kind (sent, acked, nacked).",
		}, []string{"op"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gados_notifications_total",
			Help: "Dispatched notifications by channel (webhook, digest) and severity.",
		}, []string{"channel", "severity"}),
		ScenarioRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gados_scenario_runs_total",
			Help: "Scenario runs by scenario and recommendation.",
		}, []string{"scenario", "recommendation"}),
		AgentsAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gados_agents_alive",
			Help: "Agents with a heartbeat inside the dead threshold.",
		}),
		ValidationState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gados_validation_findings",
			Help: "Findings of the last artifact validation by level.",
		}, []string{"level"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests, m.HTTPDuration, m.RateLimited, m.DebugTraces,
		m.BusMessages, m.Notifications, m.ScenarioRuns, m.AgentsAlive, m.ValidationState,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Publish counts the control-plane events that have a collector, so the
// metrics can sit in an events.Fanout next to the NATS publisher.
func (m *Metrics) Publish(_ context.Context, topic string, event any) error {
	switch topic {
	case events.TopicMessageSent:
		m.BusMessages.WithLabelValues("sent").Inc()
	case events.TopicMessageAcked:
		m.BusMessages.WithLabelValues("acked").Inc()
	case events.TopicMessageNacked:
		m.BusMessages.WithLabelValues("nacked").Inc()
	case events.TopicNotificationDispatched:
		if ev, ok := event.(events.NotificationDispatched); ok {
			channel := "digest"
			if ev.Sent {
				channel = "webhook"
			}
			m.Notifications.WithLabelValues(channel, ev.Severity).Inc()
		}
	case events.TopicRunFinalized:
		if ev, ok := event.(events.RunEvent); ok {
			m.ScenarioRuns.WithLabelValues(ev.Scenario, ev.Recommendation).Inc()
		}
	case events.TopicArtifactsValidated:
		if ev, ok := event.(events.ArtifactsValidated); ok {
			m.SetValidation(ev.Errors, ev.Warnings)
		}
	}
	return nil
}

// Close implements events.Publisher.
func (m *Metrics) Close() error { return nil }

// SetValidation records the finding counts of the last validation.
func (m *Metrics) SetValidation(errs, warns int) {
	m.ValidationState.WithLabelValues("error").Set(float64(errs))
	m.ValidationState.WithLabelValues("warn").Set(float64(warns))
}

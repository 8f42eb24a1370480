// Package metrics defines the Prometheus instruments of the gateway.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gateway"

type Metrics struct {
	// Labels: backend (session|cloud), direction (inbound|outbound)
	Messages *prometheus.CounterVec

	// Labels: kind (validation|credit|connection|...)
	SendFailures *prometheus.CounterVec

	// Labels: state
	ConnectionTransitions *prometheus.CounterVec

	ReconnectAttempts prometheus.Counter

	// Connection tasks currently owned by the supervisor.
	LiveSessions prometheus.Gauge

	// Labels: reason (unknown|stale)
	StatusUpdatesIgnored *prometheus.CounterVec

	// Labels: type, result (ok|error)
	EventsPublished *prometheus.CounterVec

	// Labels: result (ok|error)
	DebitsReconciled *prometheus.CounterVec

	// Labels: method, route, status_code
	HTTPRequests *prometheus.CounterVec

	// Labels: method, route
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers every instrument with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages persisted, by backend and direction.",
		}, []string{"backend", "direction"}),
		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound sends that failed, by error kind.",
		}, []string{"kind"}),
		ConnectionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Session device state transitions, by target state.",
		}, []string{"state"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnection attempts.",
		}),
		LiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Connection tasks currently running.",
		}),
		StatusUpdatesIgnored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_updates_ignored_total",
			Help:      "Status updates dropped as unknown or not forward progress.",
		}, []string{"reason"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Domain events handed to the event sink.",
		}, []string{"type", "result"}),
		DebitsReconciled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debits_reconciled_total",
			Help:      "Pending credit debits replayed by the reconciler.",
		}, []string{"result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) MessageStored(backend, direction string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(backend, direction).Inc()
}

func (m *Metrics) SendFailed(kind string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.ConnectionTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.LiveSessions.Inc()
}

func (m *Metrics) TaskEnded() {
	if m == nil {
		return
	}
	m.LiveSessions.Dec()
}

func (m *Metrics) StatusIgnored(reason string) {
	if m == nil {
		return
	}
	m.StatusUpdatesIgnored.WithLabelValues(reason).Inc()
}

func (m *Metrics) EventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, result(err)).Inc()
}

func (m *Metrics) DebitReconciled(err error) {
	if m == nil {
		return
	}
	m.DebitsReconciled.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

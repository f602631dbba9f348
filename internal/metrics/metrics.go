// Package metrics holds the host's Prometheus collectors. Every method
// is safe on a nil *Metrics, so components can be built without
// instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "harbor"

// Metrics is the set of host collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessions       *prometheus.GaugeVec
	turns          *prometheus.CounterVec
	events         *prometheus.CounterVec
	replayErrors   prometheus.Counter
	launches       *prometheus.CounterVec
	listener       *prometheus.CounterVec
	outboxDuration *prometheus.HistogramVec
	recovered      *prometheus.CounterVec
}

// New creates and registers the collectors, along with the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Registered sessions by state.",
		}, []string{"state"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Session events published, by type.",
		}, []string{"type"}),
		replayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_append_errors_total",
			Help:      "Structural events published without a replay sequence number.",
		}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_launches_total",
			Help:      "Sandbox launch attempts by result.",
		}, []string{"result"}),
		listener: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_entries_total",
			Help:      "Lifecycle log entries handled, by result.",
		}, []string{"result"}),
		outboxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_task_seconds",
			Help:      "Outbox task latency by task and result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task", "result"}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_sessions_total",
			Help:      "Sessions reconciled at startup, by final status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.sessions, m.turns, m.events, m.replayErrors,
		m.launches, m.listener, m.outboxDuration, m.recovered,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SessionState moves one session from one state gauge to another.
// Either side may be empty.
func (m *Metrics) SessionState(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.sessions.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.sessions.WithLabelValues(to).Inc()
	}
}

// Turn counts one finished turn.
func (m *Metrics) Turn(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

// Event counts one published event.
func (m *Metrics) Event(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

// ReplayError counts one failed replay append.
func (m *Metrics) ReplayError() {
	if m == nil {
		return
	}
	m.replayErrors.Inc()
}

// Launch counts one sandbox launch attempt.
func (m *Metrics) Launch(result string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(result).Inc()
}

// Lifecycle counts one lifecycle log entry.
func (m *Metrics) Lifecycle(result string) {
	if m == nil {
		return
	}
	m.listener.WithLabelValues(result).Inc()
}

// Recovered counts one session reconciled at startup.
func (m *Metrics) Recovered(status string) {
	if m == nil {
		return
	}
	m.recovered.WithLabelValues(status).Inc()
}

// OutboxObserver returns an observer for outbox.NewWorker.
func (m *Metrics) OutboxObserver() func(name string, err error, elapsed time.Duration) {
	return func(name string, err error, elapsed time.Duration) {
		if m == nil {
			return
		}
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.outboxDuration.WithLabelValues(name, result).Observe(elapsed.Seconds())
	}
}

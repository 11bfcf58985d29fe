// Package metrics exposes the runtime counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "masix"

// Event outcomes.
const (
	OutcomeReplied  = "replied"
	OutcomeDenied   = "denied"
	OutcomeCommand  = "command"
	OutcomeIgnored  = "ignored"
	OutcomeFailed   = "failed"
	OutcomeRecorded = "recorded"
)

// Metrics holds every collector of the runtime.
type Metrics struct {
	registry *prometheus.Registry

	events           *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	providerAttempts *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	cronFires        *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry together with the Go
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events by channel and outcome.",
		}, []string{"channel", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound reply deliveries by channel and status.",
		}, []string{"channel", "status"}),
		providerAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider call attempts by provider and status.",
		}, []string{"provider", "status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool and status.",
		}, []string{"tool", "status"}),
		cronFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_fires_total",
			Help:      "Reminder deliveries by channel and status.",
		}, []string{"channel", "status"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Duration of model turns in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"channel"}),
	}
	m.registry.MustRegister(
		m.events,
		m.deliveries,
		m.providerAttempts,
		m.toolCalls,
		m.cronFires,
		m.turnDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventProcessed counts one inbound event.
func (m *Metrics) EventProcessed(channel, outcome string) {
	m.events.WithLabelValues(channel, outcome).Inc()
}

// ObserveDelivery counts one reply delivery.
func (m *Metrics) ObserveDelivery(channel string, err error) {
	m.deliveries.WithLabelValues(channel, status(err)).Inc()
}

// ObserveAttempt implements provider.AttemptObserver.
func (m *Metrics) ObserveAttempt(provider string, err error) {
	m.providerAttempts.WithLabelValues(provider, status(err)).Inc()
}

// ObserveToolCall counts one tool execution.
func (m *Metrics) ObserveToolCall(tool string, isError bool) {
	s := "ok"
	if isError {
		s = "error"
	}
	m.toolCalls.WithLabelValues(tool, s).Inc()
}

// ObserveCronFire implements cron.FireObserver.
func (m *Metrics) ObserveCronFire(channel string, err error) {
	m.cronFires.WithLabelValues(channel, status(err)).Inc()
}

// ObserveTurn records the duration of one model turn.
func (m *Metrics) ObserveTurn(channel string, seconds float64) {
	m.turnDuration.WithLabelValues(channel).Observe(seconds)
}

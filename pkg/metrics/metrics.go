// Package metrics holds the router's Prometheus collectors. A nil *Metrics is valid and records
// nothing, so components can be built without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cmdtlm"

type Metrics struct {
	registry *prometheus.Registry

	TelemetryReceived  prometheus.Counter
	TelemetryDropped   *prometheus.CounterVec
	TelemetryForwarded prometheus.Counter
	ObserverFailures   prometheus.Counter
	CommandsSent       prometheus.Counter
	CommandsRejected   *prometheus.CounterVec
	CommandsForwarded  prometheus.Counter
	EndpointFailures   *prometheus.CounterVec
	Endpoints          *prometheus.GaugeVec
	QueueDropped       prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		TelemetryReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "telemetry", Name: "datagrams_received_total",
			Help: "Datagrams read from the telemetry ingress socket.",
		}),
		TelemetryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "telemetry", Name: "datagrams_dropped_total",
			Help: "Telemetry datagrams dropped before dispatch, by reason.",
		}, []string{"reason"}),
		TelemetryForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "telemetry", Name: "datagrams_forwarded_total",
			Help: "Raw telemetry datagrams written to fan-out destinations.",
		}),
		ObserverFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "telemetry", Name: "observer_failures_total",
			Help: "Observer callbacks that returned an error or panicked.",
		}),
		CommandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "command", Name: "sent_total",
			Help: "Symbolic commands encoded and written to the egress socket.",
		}),
		CommandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "command", Name: "rejected_total",
			Help: "Symbolic commands rejected before any network I/O, by reason.",
		}, []string{"reason"}),
		CommandsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "command", Name: "forwarded_total",
			Help: "Preformed command datagrams forwarded from command sources.",
		}),
		EndpointFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "endpoint_failures_total",
			Help: "Endpoints disabled after a socket error, by kind.",
		}, []string{"kind"}),
		Endpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "endpoints",
			Help: "Registered endpoints, by kind.",
		}, []string{"kind"}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "dropped_total",
			Help: "Telemetry messages dropped because a handoff queue was full.",
		}),
	}

	m.registry.MustRegister(
		m.TelemetryReceived,
		m.TelemetryDropped,
		m.TelemetryForwarded,
		m.ObserverFailures,
		m.CommandsSent,
		m.CommandsRejected,
		m.CommandsForwarded,
		m.EndpointFailures,
		m.Endpoints,
		m.QueueDropped,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncTelemetryReceived() {
	if m != nil {
		m.TelemetryReceived.Inc()
	}
}

func (m *Metrics) IncTelemetryDropped(reason string) {
	if m != nil {
		m.TelemetryDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncTelemetryForwarded() {
	if m != nil {
		m.TelemetryForwarded.Inc()
	}
}

func (m *Metrics) IncObserverFailures() {
	if m != nil {
		m.ObserverFailures.Inc()
	}
}

func (m *Metrics) IncCommandsSent() {
	if m != nil {
		m.CommandsSent.Inc()
	}
}

func (m *Metrics) IncCommandsRejected(reason string) {
	if m != nil {
		m.CommandsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncCommandsForwarded() {
	if m != nil {
		m.CommandsForwarded.Inc()
	}
}

func (m *Metrics) IncEndpointFailures(kind string) {
	if m != nil {
		m.EndpointFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetEndpoints(kind string, n int) {
	if m != nil {
		m.Endpoints.WithLabelValues(kind).Set(float64(n))
	}
}

func (m *Metrics) IncQueueDropped() {
	if m != nil {
		m.QueueDropped.Inc()
	}
}

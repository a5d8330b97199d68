// Package metrics exposes Prometheus collectors for the invocation core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes, used as the "outcome" label.
const (
	OutcomeResolved = "resolved"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
)

type Metrics struct {
	pending           prometheus.Gauge
	calls             *prometheus.CounterVec
	lateResponses     prometheus.Counter
	connectionsClosed *prometheus.CounterVec
	emptyRoutes       prometheus.Counter
}

func New(namespace string) *Metrics {
	return &Metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "pending_calls",
			Help:      "number of calls awaiting a response",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "number of completed calls by outcome",
		}, []string{"outcome"}),
		lateResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "late_responses_total",
			Help:      "responses dropped because no call was pending for their request id",
		}),
		connectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections_closed_total",
			Help:      "connections torn down, by reason",
		}, []string{"reason"}),
		emptyRoutes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "no_available_invoker_total",
			Help:      "calls for which the router returned no eligible endpoint",
		}),
	}
}

func (m *Metrics) Register(registerer prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.pending, m.calls, m.lateResponses, m.connectionsClosed, m.emptyRoutes} {
		if err := registerer.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

func (m *Metrics) CallFinished(outcome string) {
	if m == nil {
		return
	}
	m.pending.Dec()
	m.calls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LateResponse() {
	if m == nil {
		return
	}
	m.lateResponses.Inc()
}

func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.connectionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) EmptyRoute() {
	if m == nil {
		return
	}
	m.emptyRoutes.Inc()
}

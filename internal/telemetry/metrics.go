package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Metrics exposes discovery counters in Prometheus format. Each Metrics owns
// its registry so tests can create as many as they like.
type Metrics struct {
	registry      *prometheus.Registry
	registrations *prometheus.CounterVec
	heartbeats    *prometheus.CounterVec
	registered    *prometheus.GaugeVec
}

// NewMetrics builds a Metrics with the Go runtime and process collectors
// already registered.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discovery",
			Name:      "registrations_total",
			Help:      "Registration attempts per registry and outcome.",
		}, []string{"registry", "result"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discovery",
			Name:      "heartbeats_total",
			Help:      "Lease renewals per registry and outcome.",
		}, []string{"registry", "result"}),
		registered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "discovery",
			Name:      "registered",
			Help:      "1 while the registry holds this instance.",
		}, []string{"registry"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.registrations,
		m.heartbeats,
		m.registered,
	)
	return m
}

func (m *Metrics) ObserveRegistration(registry string, err error) {
	m.registrations.WithLabelValues(registry, outcome(err)).Inc()
}

func (m *Metrics) ObserveHeartbeat(registry string, err error) {
	m.heartbeats.WithLabelValues(registry, outcome(err)).Inc()
}

func (m *Metrics) SetRegistered(registry string, registered bool) {
	v := 0.0
	if registered {
		v = 1
	}
	m.registered.WithLabelValues(registry).Set(v)
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func outcome(err error) string {
	if err != nil {
		return resultFailure
	}
	return resultSuccess
}

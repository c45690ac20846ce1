// Package metrics holds the Prometheus collectors exported by peer-broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peerbroker"

// Metrics groups all collectors. A nil *Metrics is valid and records nothing, so
// components can be built without a registry (e.g. in unit tests).
type Metrics struct {
	registry *prometheus.Registry

	MessagesPublished *prometheus.CounterVec
	MessagesDelivered *prometheus.CounterVec
	AdapterPushes     *prometheus.CounterVec
	AdapterErrors     *prometheus.CounterVec
	RunningAdapters   *prometheus.GaugeVec
	DeliveryOutcomes  *prometheus.CounterVec
	TrackedDeliveries prometheus.Gauge
	Replicas          *prometheus.GaugeVec
}

// New creates the collectors and registers them, with Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "published_total",
			Help:      "Messages published per channel kind",
		}, []string{"channel"}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "delivered_total",
			Help:      "Messages handed to a receiver or listener per channel kind and mode",
		}, []string{"channel", "mode"}),
		AdapterPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "pushes_total",
			Help:      "Output adapter push attempts by result",
		}, []string{"result"}),
		AdapterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "errors_total",
			Help:      "Errors raised inside adapter loops by kind (push, feedback, resolve)",
		}, []string{"kind"}),
		RunningAdapters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "running",
			Help:      "Running adapter instances by role (peer, feedback)",
		}, []string{"role"}),
		DeliveryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "outcomes_total",
			Help:      "Conclusive delivery outcomes (succeeded, failed, expired)",
		}, []string{"outcome"}),
		TrackedDeliveries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "tracked",
			Help:      "In-flight sends awaiting a conclusive delivery result",
		}),
		Replicas: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "replicas",
			Help:      "Current listener replicas per replica set",
		}, []string{"set"}),
	}

	m.registry.MustRegister(
		m.MessagesPublished,
		m.MessagesDelivered,
		m.AdapterPushes,
		m.AdapterErrors,
		m.RunningAdapters,
		m.DeliveryOutcomes,
		m.TrackedDeliveries,
		m.Replicas,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the Prometheus registry backing these collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format. A nil *Metrics
// serves the default registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Published(channel string) {
	if m == nil {
		return
	}
	m.MessagesPublished.WithLabelValues(channel).Inc()
}

func (m *Metrics) Delivered(channel, mode string) {
	if m == nil {
		return
	}
	m.MessagesDelivered.WithLabelValues(channel, mode).Inc()
}

func (m *Metrics) Push(result string) {
	if m == nil {
		return
	}
	m.AdapterPushes.WithLabelValues(result).Inc()
}

func (m *Metrics) AdapterError(kind string) {
	if m == nil {
		return
	}
	m.AdapterErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) AdapterRunning(role string, delta float64) {
	if m == nil {
		return
	}
	m.RunningAdapters.WithLabelValues(role).Add(delta)
}

func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.DeliveryOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Tracked(delta float64) {
	if m == nil {
		return
	}
	m.TrackedDeliveries.Add(delta)
}

func (m *Metrics) SetReplicas(set string, n int) {
	if m == nil {
		return
	}
	m.Replicas.WithLabelValues(set).Set(float64(n))
}

// Package metrics holds the Prometheus collectors for the virtual devices.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zanim"

// Metrics groups the per-device counters. Every series carries a "device"
// label holding the device ordinal.
type Metrics struct {
	registry *prometheus.Registry

	Opens        *prometheus.CounterVec
	Truncations  *prometheus.CounterVec
	BytesRead    *prometheus.CounterVec
	BytesWritten *prometheus.CounterVec
	Errors       *prometheus.CounterVec
	OpenSessions *prometheus.GaugeVec
}

// New creates the collectors and registers them on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Opens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opens_total",
			Help:      "Number of times a device was opened.",
		}, []string{"device", "mode"}),
		Truncations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncations_total",
			Help:      "Number of write-only opens that emptied a device.",
		}, []string{"device"}),
		BytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_bytes_total",
			Help:      "Bytes returned by reads.",
		}, []string{"device"}),
		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_bytes_total",
			Help:      "Bytes stored by writes.",
		}, []string{"device"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed device operations by operation.",
		}, []string{"device", "op"}),
		OpenSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Sessions currently open on a device.",
		}, []string{"device"}),
	}
	m.registry.MustRegister(m.Opens, m.Truncations, m.BytesRead, m.BytesWritten, m.Errors, m.OpenSessions)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Label renders a device ordinal as a label value
func Label(number int) string {
	return strconv.Itoa(number)
}

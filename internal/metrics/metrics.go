// Package metrics exposes the Prometheus collectors described in
// SPEC_FULL.md §5.2: per-host backend state, spawn counts, in-flight
// request gauges and health-probe failure counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spawngate/spawngate/internal/backend"
)

// Metrics bundles the collectors registered against a single registry.
type Metrics struct {
	state         *prometheus.GaugeVec
	spawns        *prometheus.CounterVec
	inFlight      *prometheus.GaugeVec
	probeFailures *prometheus.CounterVec
}

// New registers the collectors against reg and returns the bundle. reg is
// typically prometheus.NewRegistry(), kept separate from the default global
// registry so admin.Server controls exactly what /metrics exposes.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spawngate_backend_state",
			Help: "Current lifecycle phase per backend (0=stopped,1=starting,2=ready,3=unhealthy,4=stopping).",
		}, []string{"hostname"}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spawngate_backend_spawns_total",
			Help: "Total number of times a backend runtime was started.",
		}, []string{"hostname"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spawngate_backend_in_flight",
			Help: "Current number of in-flight requests/tunnels admitted to a backend.",
		}, []string{"hostname"}),
		probeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spawngate_health_probe_failures_total",
			Help: "Total number of failed health probes per backend.",
		}, []string{"hostname"}),
	}
	reg.MustRegister(m.state, m.spawns, m.inFlight, m.probeFailures)
	return m
}

// SetState records the backend's current phase.
func (m *Metrics) SetState(hostname string, phase backend.Phase) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(hostname).Set(float64(phase))
}

// IncSpawns records one successful runtime start.
func (m *Metrics) IncSpawns(hostname string) {
	if m == nil {
		return
	}
	m.spawns.WithLabelValues(hostname).Inc()
}

// SetInFlight records the current in-flight count for a backend.
func (m *Metrics) SetInFlight(hostname string, n int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(hostname).Set(float64(n))
}

// IncProbeFailures records one failed health probe.
func (m *Metrics) IncProbeFailures(hostname string) {
	if m == nil {
		return
	}
	m.probeFailures.WithLabelValues(hostname).Inc()
}

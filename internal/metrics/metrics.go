// Package metrics provides the optional Prometheus collectors for the
// proxy's ambient observability surface (registered only when
// SystemConfig.MetricsEnabled is set), modeled on
// eugener-gandalf/internal/telemetry.Metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the core touches. A nil *Metrics is
// valid everywhere it's used (see the no-op helpers below), so callers
// never need to branch on SystemConfig.MetricsEnabled themselves.
type Metrics struct {
	TunnelsActive      prometheus.Gauge
	TunnelsTotal       *prometheus.CounterVec // labels: outcome
	RelayRequestsTotal *prometheus.CounterVec // labels: method, status
	RelayDuration      prometheus.Histogram
	PoolEvictions      prometheus.Counter
}

// New creates and registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "prfoom",
			Name:      "tunnels_active",
			Help:      "Number of CONNECT tunnels currently bridged.",
		}),
		TunnelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prfoom",
			Name:      "tunnels_total",
			Help:      "Total CONNECT tunnel attempts by outcome.",
		}, []string{"outcome"}),
		RelayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "prfoom",
			Name:      "relay_requests_total",
			Help:      "Total relayed (non-CONNECT) requests by method and response status.",
		}, []string{"method", "status"}),
		RelayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "prfoom",
			Name:      "relay_duration_seconds",
			Help:      "Relayed request duration in seconds, from dispatch to response completion.",
		}),
		PoolEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "prfoom",
			Name:      "pool_evictions_total",
			Help:      "Total idle-connection eviction sweeps run after the idle threshold elapsed.",
		}),
	}

	reg.MustRegister(m.TunnelsActive, m.TunnelsTotal, m.RelayRequestsTotal, m.RelayDuration, m.PoolEvictions)
	return m
}

// TunnelStarted and TunnelEnded are no-ops on a nil *Metrics, so callers
// can hold a possibly-nil *Metrics without a feature-flag check at every
// call site.
func (m *Metrics) TunnelStarted() {
	if m != nil {
		m.TunnelsActive.Inc()
	}
}

// TunnelEnded records the outcome of a tunnel that previously reached
// TunnelStarted (so the active gauge needs decrementing).
func (m *Metrics) TunnelEnded(outcome string) {
	if m == nil {
		return
	}
	m.TunnelsActive.Dec()
	m.TunnelsTotal.WithLabelValues(outcome).Inc()
}

// TunnelRefused records a tunnel attempt that never reached
// TunnelStarted (the NTLM handshake or dial itself failed), so only the
// outcome counter moves.
func (m *Metrics) TunnelRefused(outcome string) {
	if m != nil {
		m.TunnelsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) RelayCompleted(method string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.RelayRequestsTotal.WithLabelValues(method, statusLabel(status)).Inc()
	m.RelayDuration.Observe(seconds)
}

func (m *Metrics) PoolEvicted() {
	if m != nil {
		m.PoolEvictions.Inc()
	}
}

func statusLabel(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status)
}

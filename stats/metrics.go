package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors a Gatherer into a Prometheus registry — the
// instrumentation backend SPEC_FULL.md §4.14 adds in place of the
// dashboard UI spec.md excludes. One gauge per metric name, labeled by
// session id, so per-session RTT/cwnd/loss/outlier-firing series are
// scrapable without spinning up any web UI.
type Metrics struct {
	registry *prometheus.Registry
	gauges   *prometheus.GaugeVec
}

// NewMetrics constructs a Metrics exporter registered under the given
// Prometheus registry (pass prometheus.NewRegistry() for an isolated one,
// or the default registry for process-wide export).
func NewMetrics(registry *prometheus.Registry) *Metrics {
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sosistab",
		Name:      "session_metric",
		Help:      "Per-session transport metrics (RTT, cwnd, loss, etc).",
	}, []string{"session_id", "metric"})
	registry.MustRegister(gv)
	return &Metrics{registry: registry, gauges: gv}
}

// Observe exports the given named value for a session.
func (m *Metrics) Observe(sessionID string, metric string, val float64) {
	m.gauges.WithLabelValues(sessionID, metric).Set(val)
}

// Registry exposes the underlying Prometheus registry for mounting on an
// HTTP handler (left to the embedding application; no web surface lives in
// this module).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Drain copies a Gatherer's last-known values for the named metrics into
// Prometheus gauges for sessionID. Nothing in this module calls it; the
// embedding application decides when to.
func (m *Metrics) Drain(sessionID string, g *Gatherer, metricNames ...string) {
	for _, name := range metricNames {
		if v, ok := g.GetLast(name); ok {
			m.Observe(sessionID, name, float64(v))
		}
	}
}

// Package metrics is the process-wide Prometheus registry: a small set of
// collectors describing fleet and selection health, with explicit
// per-bridge lifecycle hooks so a removed bridge's label values are
// released rather than left to accumulate unboundedly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns every cascadefocus collector and the live set of bridge
// addresses currently holding label values, so Unregister can release them.
type Registry struct {
	reg *prometheus.Registry

	bridgesKnown      prometheus.Gauge
	bridgeOperational *prometheus.GaugeVec
	bridgeLoad        *prometheus.GaugeVec
	conferenceCount   prometheus.Gauge
}

// New builds a Registry around reg, registering every collector. reg may be
// prometheus.NewRegistry() for tests or the default registry in production.
func New(reg *prometheus.Registry) (*Registry, error) {
	r := &Registry{
		reg: reg,
		bridgesKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cascadefocus",
			Subsystem: "registry",
			Name:      "bridges_known",
			Help:      "Number of bridges currently known to the registry.",
		}),
		bridgeOperational: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cascadefocus",
			Subsystem: "bridge",
			Name:      "operational",
			Help:      "1 if the bridge is currently operational, 0 otherwise.",
		}, []string{"address"}),
		bridgeLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cascadefocus",
			Subsystem: "bridge",
			Name:      "stress_level",
			Help:      "Corrected stress level for the bridge; 1 means full and higher values are possible.",
		}, []string{"address"}),
		conferenceCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cascadefocus",
			Subsystem: "conference",
			Name:      "active_total",
			Help:      "Number of conferences with at least one active session.",
		}),
	}

	for _, c := range []prometheus.Collector{r.bridgesKnown, r.bridgeOperational, r.bridgeLoad, r.conferenceCount} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// SetBridgesKnown records the current registry size.
func (r *Registry) SetBridgesKnown(n int) {
	r.bridgesKnown.Set(float64(n))
}

// SetConferenceCount records the current active-conference count.
func (r *Registry) SetConferenceCount(n int) {
	r.conferenceCount.Set(float64(n))
}

// ObserveBridge updates the per-bridge gauges for address. The lifecycle
// metrics-refresh sweep calls it for every known bridge.
func (r *Registry) ObserveBridge(address string, operational bool, stress float64) {
	op := 0.0
	if operational {
		op = 1.0
	}
	r.bridgeOperational.WithLabelValues(address).Set(op)
	r.bridgeLoad.WithLabelValues(address).Set(stress)
}

// Unregister releases address's label values. Call when a bridge is removed
// from the registry, so its series stop being reported instead of freezing
// at their last value forever.
func (r *Registry) Unregister(address string) {
	r.bridgeOperational.DeleteLabelValues(address)
	r.bridgeLoad.DeleteLabelValues(address)
}

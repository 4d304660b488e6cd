package driver

import "github.com/prometheus/client_golang/prometheus"

var OpsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "geodiff",
	Subsystem: "driver",
	Name:      "ops_applied",
}, []string{"driver", "op"})

var ApplyConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "geodiff",
	Subsystem: "driver",
	Name:      "apply_conflicts",
}, []string{"driver", "op"})

// RegisterMetrics registers the driver counters with r.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(OpsApplied, ApplyConflicts)
}

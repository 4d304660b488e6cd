package changeset

import "github.com/prometheus/client_golang/prometheus"

var EntriesRead = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "geodiff",
	Subsystem: "changeset",
	Name:      "entries_read",
}, []string{"op"})

var EntriesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "geodiff",
	Subsystem: "changeset",
	Name:      "entries_written",
}, []string{"op"})

// RegisterMetrics registers the changeset counters with r.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(EntriesRead, EntriesWritten)
}

// Package metrics exposes Prometheus counters and gauges for both the
// ReplFS client and server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles the metrics a single client Session or server Replica
// registers. Each side constructs its own Set against its own
// registry so that tests standing up many instances in one process
// don't collide on global metric registration.
type Set struct {
	RollCallsTotal      prometheus.Counter
	CommitsTotal        prometheus.Counter
	AbortsTotal         prometheus.Counter
	WriteResendsTotal   prometheus.Counter
	BytesCommittedTotal prometheus.Counter
	OpenFiles           prometheus.Gauge
}

// NewSet creates and registers a Set on reg. namespace/subsystem
// distinguish client-side from server-side metrics when both run in
// the same process.
func NewSet(reg prometheus.Registerer, namespace, subsystem string) *Set {
	s := &Set{
		RollCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "rollcalls_total",
			Help: "Roll-call rounds attempted.",
		}),
		CommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "commits_total",
			Help: "Commits applied.",
		}),
		AbortsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "aborts_total",
			Help: "Aborts applied.",
		}),
		WriteResendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "write_resends_total",
			Help: "WRITE_BLOCK records resent in response to a resend request.",
		}),
		BytesCommittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "bytes_committed_total",
			Help: "Bytes written to disk across all commits.",
		}),
		OpenFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "open_files",
			Help: "Currently open files.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.RollCallsTotal, s.CommitsTotal, s.AbortsTotal,
			s.WriteResendsTotal, s.BytesCommittedTotal, s.OpenFiles)
	}
	return s
}

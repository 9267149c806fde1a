// Package metrics wraps the Prometheus client in the small set of gauges,
// counters, and histograms every store and dispatcher loop reports. A nil
// *StoreMetrics is valid everywhere it is accepted — tests and callers who
// don't want metrics simply don't build one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the set of collectors registered for one duraplane.Plane.
// It wraps a prometheus.Registerer so callers can supply their own
// (e.g. prometheus.DefaultRegisterer) or a fresh prometheus.NewRegistry()
// for tests.
type Registry struct {
	reg prometheus.Registerer
}

// NewRegistry wraps reg. A nil reg defaults to prometheus.DefaultRegisterer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Registry{reg: reg}
}

// StoreMetrics is the fixed metric set for one named store (outbox,
// inbox, timers, job_runs, ...).
type StoreMetrics struct {
	Claimed         prometheus.Counter
	Acked           prometheus.Counter
	Abandoned       prometheus.Counter
	Failed          prometheus.Counter
	Reaped          prometheus.Counter
	ClaimBatchSize  prometheus.Histogram
	HandlerDuration prometheus.Histogram
}

// ForStore builds and registers a StoreMetrics set labeled by store name.
// Calling ForStore twice with the same name on the same Registry returns a
// fresh set whose registration will fail silently (AlreadyRegisteredError
// is swallowed) so tests can call it repeatedly without panicking.
func (r *Registry) ForStore(name string) *StoreMetrics {
	labels := prometheus.Labels{"store": name}
	m := &StoreMetrics{
		Claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duraplane_claimed_total", ConstLabels: labels,
			Help: "Rows claimed from this store's work queue.",
		}),
		Acked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duraplane_acked_total", ConstLabels: labels,
			Help: "Rows acked to terminal success.",
		}),
		Abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duraplane_abandoned_total", ConstLabels: labels,
			Help: "Rows abandoned for retry.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duraplane_failed_total", ConstLabels: labels,
			Help: "Rows failed to terminal failure.",
		}),
		Reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duraplane_reaped_total", ConstLabels: labels,
			Help: "Rows recovered by the reaper from an expired lock.",
		}),
		ClaimBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "duraplane_claim_batch_size", ConstLabels: labels,
			Help: "Size of each non-empty claim batch.", Buckets: prometheus.LinearBuckets(1, 5, 10),
		}),
		HandlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "duraplane_handler_duration_seconds", ConstLabels: labels,
			Help: "Handler execution time.", Buckets: prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{m.Claimed, m.Acked, m.Abandoned, m.Failed, m.Reaped, m.ClaimBatchSize, m.HandlerDuration} {
		if err := r.reg.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				_ = are
			}
		}
	}
	return m
}

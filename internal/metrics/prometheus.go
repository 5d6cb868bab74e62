package metrics

import "github.com/prometheus/client_golang/prometheus"

// Trigger label values for the reconcile counters.
const (
	TriggerPush   = "push"
	TriggerStream = "stream"
	TriggerPoll   = "poll"
)

var (
	ReconcileActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tagserve_reconcile_actions_total",
		Help: "Reconcile operations applied to the cluster, by trigger and outcome.",
	}, []string{"trigger", "action"})

	ReconcileFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tagserve_reconcile_failures_total",
		Help: "Reconcile attempts that ended in an error, by trigger and reason.",
	}, []string{"trigger", "reason"})

	PollCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tagserve_poll_cycles_total",
		Help: "Completed polling cycles, by result.",
	}, []string{"result"})

	PollCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tagserve_poll_cycle_duration_seconds",
		Help:    "Wall time of one polling reconcile cycle.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

// MustRegister registers the reconcile instruments with the registry served
// on the metrics endpoint.
func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		ReconcileActionsTotal,
		ReconcileFailuresTotal,
		PollCyclesTotal,
		PollCycleDuration,
	)
}

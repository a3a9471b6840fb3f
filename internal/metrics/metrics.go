// Package metrics wires the Prometheus client for every core component,
// following the teacher's ad hoc per-package registration pattern but
// collected into one set of package-level vectors scoped to C1-C6's own
// signals (selections, bucket sizes, deploy duration, admission rejects)
// rather than the wider product's HTTP/marketplace counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// C4 scheduler.
	SchedulerSelections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corefn_scheduler_selections_total",
		Help: "Completed SelectFeasible calls, by outcome.",
	}, []string{"outcome"})

	SchedulerHeapSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "corefn_scheduler_heap_size",
		Help:    "Number of feasible units pushed onto the score heap per selection.",
		Buckets: prometheus.LinearBuckets(0, 5, 10),
	})

	SchedulerFilterRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corefn_scheduler_filter_rejections_total",
		Help: "Units rejected by a filter plugin, by plugin name.",
	}, []string{"plugin"})

	// C5 dispatcher/proxy.
	DispatcherBucketSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corefn_dispatcher_bucket_size",
		Help: "Current size of a dispatcher request bucket.",
	}, []string{"instance", "bucket"})

	CallLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corefn_call_latency_seconds",
		Help:    "End-to-end latency of a call from submit to terminal result.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// C6 agent.
	DeployDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "corefn_deploy_duration_seconds",
		Help:    "Duration of a single deploy-artefact download+unpack.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	DestinationCacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corefn_destination_cache_size",
		Help: "Number of reference-counted deploy destinations currently cached.",
	})

	MemoryAdmissionRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corefn_memory_admission_rejects_total",
		Help: "Invokes rejected by the memory monitor, by reason.",
	}, []string{"reason"})

	InvokeAdmissionRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corefn_invoke_admission_rejects_total",
		Help: "Invokes rejected by the token-bucket admission gate, by reason.",
	}, []string{"reason"})

	// C1/C2.
	HeartbeatTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corefn_heartbeat_timeouts_total",
		Help: "Heartbeat supervisors that fired their timeout handler.",
	}, []string{"reason"})

	RegistrationAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corefn_registration_attempts_total",
		Help: "Registration attempts, by outcome.",
	}, []string{"outcome"})
)

// MustRegister registers every collector above on reg. Call once at
// process startup; a nil reg registers on prometheus.DefaultRegisterer.
func MustRegister(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		SchedulerSelections,
		SchedulerHeapSize,
		SchedulerFilterRejections,
		DispatcherBucketSize,
		CallLatencySeconds,
		DeployDurationSeconds,
		DestinationCacheSize,
		MemoryAdmissionRejects,
		InvokeAdmissionRejects,
		HeartbeatTimeouts,
		RegistrationAttempts,
	)
}

// Package metrics defines the master's Prometheus instrumentation:
// scheduler loop activity, GPU occupancy, and node counts by status.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SchedulerTicks counts scheduler placement passes, labeled by
	// what woke the loop.
	SchedulerTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mgpu",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Number of scheduler placement passes by wake reason.",
	}, []string{"reason"})

	// JobsByStatus gauges the current count of jobs in each status.
	JobsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mgpu",
		Subsystem: "jobs",
		Name:      "by_status",
		Help:      "Current number of jobs in each status.",
	}, []string{"status"})

	// GPUsTotal gauges the cluster's total known GPU count.
	GPUsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mgpu",
		Subsystem: "gpus",
		Name:      "total",
		Help:      "Total GPUs across all known nodes.",
	})

	// GPUsFree gauges the cluster's currently unassigned GPU count.
	GPUsFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mgpu",
		Subsystem: "gpus",
		Name:      "free",
		Help:      "Currently unassigned GPUs across online nodes.",
	})

	// NodesByStatus gauges the current count of nodes in each status.
	NodesByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mgpu",
		Subsystem: "nodes",
		Name:      "by_status",
		Help:      "Current number of nodes in each liveness status.",
	}, []string{"status"})

	// DispatchFailures counts failed start/cancel RPCs to agents.
	DispatchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mgpu",
		Subsystem: "dispatch",
		Name:      "failures_total",
		Help:      "Failed dispatch RPCs to agents, labeled by verb.",
	}, []string{"verb"})
)

func init() {
	prometheus.MustRegister(SchedulerTicks, JobsByStatus, GPUsTotal, GPUsFree, NodesByStatus, DispatchFailures)
}

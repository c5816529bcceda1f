package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace is the metrics namespace for the job master.
	Namespace = "elastic_job_master"
)

var (
	// NodeCount tracks the number of managed nodes by type and status.
	NodeCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "node_count",
			Help:      "Number of managed nodes by type and status",
		},
		[]string{"type", "status"},
	)

	// NodeRelaunchTotal tracks relaunch decisions that were approved.
	NodeRelaunchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "node_relaunch_total",
			Help:      "Total number of node relaunches by type and exit reason",
		},
		[]string{"type", "exit_reason"},
	)

	// NodeReleasedTotal tracks nodes released after disappearing from the
	// scheduler's bulk list without a delete event.
	NodeReleasedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "node_released_total",
			Help:      "Total number of nodes released without a delete event",
		},
		[]string{"type"},
	)

	// EventProcessErrors tracks node events dropped by the monitor loop.
	EventProcessErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "event_process_errors_total",
			Help:      "Total number of node events dropped due to processing errors",
		},
	)

	// ScalePlanExecutedTotal tracks plans handed to the external scaler.
	ScalePlanExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "scale_plan_executed_total",
			Help:      "Total number of scale plans handed to the scaler",
		},
		[]string{"strategy"},
	)

	// AutoscaleCycleErrors tracks failed optimization cycles.
	AutoscaleCycleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "autoscale_cycle_errors_total",
			Help:      "Total number of failed auto-scaling cycles",
		},
		[]string{"strategy"},
	)

	// PendingRelaunchCount tracks relaunches waiting on pending capacity.
	PendingRelaunchCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "pending_relaunch_count",
			Help:      "Number of approved relaunches waiting on pending capacity",
		},
	)

	// MasterCPUUsage tracks the master process CPU usage in cores.
	MasterCPUUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "master_cpu_usage_cores",
			Help:      "CPU usage of the master process in cores",
		},
	)

	// MasterMemoryUsage tracks the master process resident memory in bytes.
	MasterMemoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "master_memory_usage_bytes",
			Help:      "Resident memory of the master process in bytes",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodeCount,
		NodeRelaunchTotal,
		NodeReleasedTotal,
		EventProcessErrors,
		ScalePlanExecutedTotal,
		AutoscaleCycleErrors,
		PendingRelaunchCount,
		MasterCPUUsage,
		MasterMemoryUsage,
	)
}

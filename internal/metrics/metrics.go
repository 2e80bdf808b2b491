// Package metrics groups the Prometheus instrumentation for the
// scheduler, executor, and sandbox into one struct constructed once
// per process and passed down explicitly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is constructed once per process and passed down to whatever
// package needs to record against it.
type Metrics struct {
	// Scheduler
	WorkflowsStarted   prometheus.Counter
	WorkflowsCompleted prometheus.Counter
	WorkflowsFailed    prometheus.Counter
	WorkflowsCancelled prometheus.Counter
	SchedulerEvents    *prometheus.CounterVec
	TaskRetries        prometheus.Counter

	// Executor / sandbox
	TaskGroupsDispatched prometheus.Counter
	TaskExecutions       *prometheus.CounterVec
	TaskExecutionTime    *prometheus.HistogramVec
	SandboxFuelExhausted prometheus.Counter
	SandboxTimeouts      prometheus.Counter
}

// New registers every metric against reg. Passing a fresh
// *prometheus.Registry (rather than the global default) keeps
// repeated calls in tests from panicking on duplicate registration.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		WorkflowsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "dagforge_workflows_started_total",
			Help: "Total number of workflow instances started.",
		}),
		WorkflowsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "dagforge_workflows_completed_total",
			Help: "Total number of workflow instances that completed successfully.",
		}),
		WorkflowsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dagforge_workflows_failed_total",
			Help: "Total number of workflow instances that failed.",
		}),
		WorkflowsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "dagforge_workflows_cancelled_total",
			Help: "Total number of workflow instances cancelled.",
		}),
		SchedulerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dagforge_scheduler_events_total",
			Help: "Scheduler events handled, by event type.",
		}, []string{"event_type"}),
		TaskRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "dagforge_task_retries_total",
			Help: "Total number of task retries dispatched after TASK_FAILED.",
		}),
		TaskGroupsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "dagforge_task_groups_dispatched_total",
			Help: "Total number of task groups dispatched to compute_queue.",
		}),
		TaskExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dagforge_task_executions_total",
			Help: "Task executions, by backend type and outcome.",
		}, []string{"agent_type", "status"}),
		TaskExecutionTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dagforge_task_execution_duration_seconds",
			Help:    "Duration of individual task executions.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"agent_type"}),
		SandboxFuelExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "dagforge_sandbox_fuel_exhausted_total",
			Help: "Total number of WASM invocations that ran out of fuel.",
		}),
		SandboxTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "dagforge_sandbox_timeouts_total",
			Help: "Total number of WASM invocations that hit the wall-clock deadline.",
		}),
	}
}

// Package metrics declares the Prometheus collectors shared across the
// server. Collectors register on the default registry at init; the /metrics
// endpoint is served by promhttp from main.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts events accepted into the router queue.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "squadron",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events accepted into the router queue, by type.",
	}, []string{"type"})

	// EventsDeduplicated counts events dropped by the delivery-id fence.
	EventsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "squadron",
		Subsystem: "events",
		Name:      "deduplicated_total",
		Help:      "Events dropped because their delivery id was already seen.",
	})

	// EventDispatchDuration observes wall time spent in handlers per event.
	EventDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "squadron",
		Subsystem: "events",
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent dispatching one event to all its handlers.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	// AgentsByStatus tracks the current number of agents per status.
	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "squadron",
		Subsystem: "agents",
		Name:      "by_status",
		Help:      "Current agent count per lifecycle status.",
	}, []string{"status"})

	// AgentTurns counts completed agent turns by role.
	AgentTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "squadron",
		Subsystem: "agents",
		Name:      "turns_total",
		Help:      "Completed agent turns, by role.",
	}, []string{"role"})

	// AgentEscalations counts escalations by reason.
	AgentEscalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "squadron",
		Subsystem: "agents",
		Name:      "escalations_total",
		Help:      "Agent escalations, by reason.",
	}, []string{"reason"})

	// ToolCallsDenied counts tool invocations denied by the circuit breaker.
	ToolCallsDenied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "squadron",
		Subsystem: "watchdog",
		Name:      "tool_calls_denied_total",
		Help:      "Tool invocations denied after the per-agent cap was hit.",
	})

	// PipelineRunsStarted counts pipeline runs by pipeline name.
	PipelineRunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "squadron",
		Subsystem: "pipeline",
		Name:      "runs_started_total",
		Help:      "Pipeline runs started, by pipeline name.",
	}, []string{"pipeline"})

	// PipelineRunsFinished counts terminal pipeline runs by name and status.
	PipelineRunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "squadron",
		Subsystem: "pipeline",
		Name:      "runs_finished_total",
		Help:      "Pipeline runs reaching a terminal status, by pipeline and status.",
	}, []string{"pipeline", "status"})

	// GateChecks counts gate condition evaluations by check type and result.
	GateChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "squadron",
		Subsystem: "pipeline",
		Name:      "gate_checks_total",
		Help:      "Gate condition evaluations, by check type and result.",
	}, []string{"check", "result"})

	// PlatformAPICalls counts outbound platform API calls by operation and
	// outcome.
	PlatformAPICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "squadron",
		Subsystem: "platform",
		Name:      "api_calls_total",
		Help:      "Outbound platform API calls, by operation and outcome.",
	}, []string{"operation", "outcome"})

	// ReconciliationSweeps counts reconciliation sweeps by outcome.
	ReconciliationSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "squadron",
		Subsystem: "reconcile",
		Name:      "sweeps_total",
		Help:      "Reconciliation sweeps, by outcome.",
	}, []string{"outcome"})
)

// Package metrics provides Prometheus metrics for trialflow: allocation,
// finalisation and failure of trials, participant flow, async processes,
// sweeps and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Trials ─────────────────────────────────────────────────────────────────

// TrialsAllocated counts trials handed to participants.
var TrialsAllocated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "trialflow",
	Name:      "trials_allocated_total",
	Help:      "Total trials allocated to participants.",
}, []string{"trial_maker"})

// TrialsFinalized counts trials whose response was processed.
var TrialsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "trialflow",
	Name:      "trials_finalized_total",
	Help:      "Total trials finalized.",
}, []string{"trial_maker"})

// TrialsFailed counts trials marked failed, by reason.
var TrialsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "trialflow",
	Name:      "trials_failed_total",
	Help:      "Total trials failed by reason.",
}, []string{"trial_maker", "reason"})

// AllocationLatency tracks how long NextTrial takes.
var AllocationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "trialflow",
	Name:      "allocation_latency_seconds",
	Help:      "Time to allocate the next trial.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
})

// AllocationRetries counts transactions retried after lock contention.
var AllocationRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "trialflow",
	Name:      "allocation_retries_total",
	Help:      "Transactions retried because the database was busy.",
})

// NetworksGrown counts nodes appended to chain networks.
var NetworksGrown = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "trialflow",
	Name:      "networks_grown_total",
	Help:      "Total chain network growth steps.",
}, []string{"trial_maker"})

// ─── Participants ───────────────────────────────────────────────────────────

// ParticipantsStarted counts participants who started the experiment.
var ParticipantsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "trialflow",
	Name:      "participants_started_total",
	Help:      "Total participants started.",
})

// ParticipantsFinished counts participants by final status.
var ParticipantsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "trialflow",
	Name:      "participants_finished_total",
	Help:      "Total participants finished by status (complete, failed).",
}, []string{"status"})

// Responses counts submitted responses by validation outcome.
var Responses = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "trialflow",
	Name:      "responses_total",
	Help:      "Total responses by validation outcome.",
}, []string{"valid"})

// ─── Async & Sweep ──────────────────────────────────────────────────────────

// AsyncPending tracks async processes currently running in this process.
var AsyncPending = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "trialflow",
	Name:      "async_processes_pending",
	Help:      "Number of async processes pending.",
})

// SweepRuns counts timeout sweeps.
var SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "trialflow",
	Name:      "sweep_runs_total",
	Help:      "Total timeout sweep passes.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "trialflow",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// Package metrics rolls up per-primitive metrics snapshots into a
// single run-level snapshot and validates it against a guardrail
// threshold table (spec §4.9).
//
// The counters and histograms this package assembles snapshots from
// are the same instrument family the orchestrator defines throughout
// dag_engine.go, cancellation.go, persistence.go, and scheduler.go
// (task duration, retries, failures, parallelism, cache hit/miss,
// cancellations) — renamed to the flowctl_* namespace at their
// definition sites in internal/attempt, internal/gateway,
// internal/resilience, and internal/workflow. This package adds no
// new instruments; it only snapshots and evaluates them.
package metrics

import (
	"fmt"
	"time"

	"github.com/swarmguard/flowctl/internal/attempt"
	"github.com/swarmguard/flowctl/internal/workflow"
)

// Snapshot is a flat gauge-name-to-value view of a run's metrics.
type Snapshot map[string]float64

// FromAttemptMetrics converts an attempt engine's Metrics into a Snapshot.
func FromAttemptMetrics(m attempt.Metrics) Snapshot {
	return Snapshot{
		"totalAttempts":       float64(m.TotalAttempts),
		"totalWaitTimeMs":     float64(m.TotalWaitTime.Milliseconds()),
		"validationAnomalies": float64(len(m.ValidationAnomalies)),
	}
}

// FromPhaseResults sums request counts and execution time across a
// workflow's phase results.
func FromPhaseResults(results []workflow.PhaseResult) Snapshot {
	var totalRequests, successfulRequests, failedRequests int
	var executionTimeMs int64
	for _, r := range results {
		totalRequests += r.TotalRequests
		successfulRequests += r.SuccessfulRequests
		failedRequests += r.FailedRequests
		executionTimeMs += r.ExecutionTime.Milliseconds()
	}
	return Snapshot{
		"totalRequests":      float64(totalRequests),
		"successfulRequests": float64(successfulRequests),
		"failedRequests":     float64(failedRequests),
		"executionTimeMs":    float64(executionTimeMs),
	}
}

// FromWorkflowResult rolls up a completed workflow's metrics object
// (spec §4.9: "Workflows roll these up into a metrics object").
func FromWorkflowResult(result workflow.WorkflowResult) Snapshot {
	s := FromPhaseResults(result.PhaseResults)
	s["iterationCount"] = float64(result.IterationCount)
	if result.TerminatedEarly {
		s["terminatedEarly"] = 1
	} else {
		s["terminatedEarly"] = 0
	}
	return s
}

// Merge combines snapshots left to right; later snapshots' keys win on
// collision.
func Merge(snapshots ...Snapshot) Snapshot {
	out := make(Snapshot)
	for _, s := range snapshots {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

// GuardrailThreshold bounds one gauge by name. A nil Min or Max means
// that side is unbounded.
type GuardrailThreshold struct {
	Name string
	Min  *float64
	Max  *float64
}

// Anomaly describes one guardrail violation.
type Anomaly struct {
	Metric    string
	Value     float64
	Threshold GuardrailThreshold
	Reason    string
}

// ValidationResult is the guardrail evaluation's report.
type ValidationResult struct {
	IsValid     bool
	Anomalies   []Anomaly
	ValidatedAt time.Time
}

// Validate evaluates snapshot against thresholds, producing
// {isValid, anomalies[], validatedAt} per spec §4.9. A threshold whose
// named metric is absent from the snapshot is skipped, not an anomaly.
func Validate(snapshot Snapshot, thresholds []GuardrailThreshold, now time.Time) ValidationResult {
	result := ValidationResult{IsValid: true, ValidatedAt: now}
	for _, th := range thresholds {
		value, ok := snapshot[th.Name]
		if !ok {
			continue
		}
		if th.Min != nil && value < *th.Min {
			result.IsValid = false
			result.Anomalies = append(result.Anomalies, Anomaly{
				Metric: th.Name, Value: value, Threshold: th,
				Reason: fmt.Sprintf("%g below minimum %g", value, *th.Min),
			})
		}
		if th.Max != nil && value > *th.Max {
			result.IsValid = false
			result.Anomalies = append(result.Anomalies, Anomaly{
				Metric: th.Name, Value: value, Threshold: th,
				Reason: fmt.Sprintf("%g above maximum %g", value, *th.Max),
			})
		}
	}
	return result
}

package metrics

import (
	"testing"
	"time"

	"github.com/swarmguard/flowctl/internal/attempt"
	"github.com/swarmguard/flowctl/internal/workflow"
)

func ptr(f float64) *float64 { return &f }

func TestFromAttemptMetricsMapsFields(t *testing.T) {
	m := attempt.Metrics{TotalAttempts: 3, TotalWaitTime: 1500 * time.Millisecond, ValidationAnomalies: []string{"anomaly"}}
	s := FromAttemptMetrics(m)
	if s["totalAttempts"] != 3 || s["totalWaitTimeMs"] != 1500 || s["validationAnomalies"] != 1 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestFromPhaseResultsSumsAcrossPhases(t *testing.T) {
	results := []workflow.PhaseResult{
		{TotalRequests: 2, SuccessfulRequests: 2, ExecutionTime: 100 * time.Millisecond},
		{TotalRequests: 3, SuccessfulRequests: 1, FailedRequests: 2, ExecutionTime: 200 * time.Millisecond},
	}
	s := FromPhaseResults(results)
	if s["totalRequests"] != 5 || s["successfulRequests"] != 3 || s["failedRequests"] != 2 || s["executionTimeMs"] != 300 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestValidateFlagsOutOfRangeMetric(t *testing.T) {
	snapshot := Snapshot{"failedRequests": 5}
	thresholds := []GuardrailThreshold{{Name: "failedRequests", Max: ptr(2)}}
	now := time.Unix(1000, 0)

	result := Validate(snapshot, thresholds, now)
	if result.IsValid {
		t.Fatalf("expected invalid result")
	}
	if len(result.Anomalies) != 1 || result.Anomalies[0].Metric != "failedRequests" {
		t.Fatalf("unexpected anomalies: %+v", result.Anomalies)
	}
	if !result.ValidatedAt.Equal(now) {
		t.Fatalf("expected ValidatedAt to be the supplied time")
	}
}

func TestValidatePassesWithinBounds(t *testing.T) {
	snapshot := Snapshot{"successRate": 0.97}
	thresholds := []GuardrailThreshold{{Name: "successRate", Min: ptr(0.9), Max: ptr(1.0)}}
	result := Validate(snapshot, thresholds, time.Now())
	if !result.IsValid || len(result.Anomalies) != 0 {
		t.Fatalf("expected valid result, got %+v", result)
	}
}

func TestValidateSkipsAbsentMetric(t *testing.T) {
	thresholds := []GuardrailThreshold{{Name: "missingMetric", Max: ptr(1)}}
	result := Validate(Snapshot{}, thresholds, time.Now())
	if !result.IsValid || len(result.Anomalies) != 0 {
		t.Fatalf("expected absent metric skipped, got %+v", result)
	}
}

func TestMergeLaterSnapshotWins(t *testing.T) {
	merged := Merge(Snapshot{"a": 1, "b": 2}, Snapshot{"b": 3})
	if merged["a"] != 1 || merged["b"] != 3 {
		t.Fatalf("unexpected merge result: %+v", merged)
	}
}

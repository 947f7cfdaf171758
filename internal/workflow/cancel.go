package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunStatus is a tracked run's lifecycle state.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

type trackedRun struct {
	cancel       context.CancelFunc
	status       RunStatus
	cancelReason string
	cancelledAt  time.Time
	completedAt  time.Time
}

// CancelRegistry tracks cancellable workflow/branch/graph runs by id.
// Adapted function-for-function from the teacher's CancellationManager,
// retargeted from "workflow execution" to a generic run id shared by the
// workflow, branch, and graph layers.
type CancelRegistry struct {
	mu   sync.RWMutex
	runs map[string]*trackedRun

	cancellations metric.Int64Counter
}

// NewCancelRegistry constructs a CancelRegistry.
func NewCancelRegistry(meter metric.Meter) *CancelRegistry {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("flowctl-workflow")
	}
	cancellations, _ := meter.Int64Counter("flowctl_run_cancellations_total")
	return &CancelRegistry{runs: make(map[string]*trackedRun), cancellations: cancellations}
}

// Register tracks runID as running, attaching the cancel func produced by
// context.WithCancel for the run's context.
func (cr *CancelRegistry) Register(runID string, cancel context.CancelFunc) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.runs[runID] = &trackedRun{cancel: cancel, status: RunRunning}
}

// Cancel requests cancellation of a running run.
func (cr *CancelRegistry) Cancel(ctx context.Context, runID, reason string) error {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	run, exists := cr.runs[runID]
	if !exists {
		return fmt.Errorf("run not found or already completed: %s", runID)
	}
	if run.status != RunRunning {
		return fmt.Errorf("run is not running: %s (status: %s)", runID, run.status)
	}

	run.cancel()
	run.cancelReason = reason
	run.cancelledAt = time.Now()
	run.status = RunCancelled

	cr.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("run_id", runID), attribute.String("reason", reason)))
	return nil
}

// Complete marks a run finished with the given terminal status.
func (cr *CancelRegistry) Complete(runID string, status RunStatus) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if run, ok := cr.runs[runID]; ok {
		run.status = status
		run.completedAt = time.Now()
	}
}

// Status reports a run's current status.
func (cr *CancelRegistry) Status(runID string) (RunStatus, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	run, ok := cr.runs[runID]
	if !ok {
		return "", false
	}
	return run.status, true
}

// Cleanup removes terminal runs older than retention, returning the count removed.
func (cr *CancelRegistry) Cleanup(retention time.Duration) int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	now := time.Now()
	cleaned := 0
	for id, run := range cr.runs {
		if run.status == RunRunning {
			continue
		}
		completion := run.completedAt
		if run.status == RunCancelled {
			completion = run.cancelledAt
		}
		if !completion.IsZero() && now.Sub(completion) > retention {
			delete(cr.runs, id)
			cleaned++
		}
	}
	return cleaned
}

// CancelAll cancels every running run, for shutdown.
func (cr *CancelRegistry) CancelAll(ctx context.Context, reason string) int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cancelled := 0
	for id, run := range cr.runs {
		if run.status == RunRunning {
			run.cancel()
			run.cancelReason = reason
			run.cancelledAt = time.Now()
			run.status = RunCancelled
			cr.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("run_id", id), attribute.String("reason", reason)))
			cancelled++
		}
		delete(cr.runs, id)
	}
	return cancelled
}

package main

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/flowctl/internal/attempt"
	"github.com/swarmguard/flowctl/internal/model"
	"github.com/swarmguard/flowctl/internal/resilience"
	"github.com/swarmguard/flowctl/internal/scheduler"
	"github.com/swarmguard/flowctl/internal/transport"
	"github.com/swarmguard/flowctl/internal/workflow"
)

// runner is one job's ready-to-invoke unit: Exec runs the phase once
// and returns its result payload (or error) for the output writer.
type runner struct {
	jobID string
	exec  *workflow.Executor
	phase workflow.PhaseConfig
}

// buildRunner compiles a JobSpec into an executable runner: an item
// list, a gateway-wired Executor, and an attempt-engine-backed Invoke
// over the default HTTP transport.
func buildRunner(spec JobSpec, meter metric.Meter) (*runner, error) {
	if len(spec.Items) == 0 {
		return nil, fmt.Errorf("job %q: at least one item is required", spec.ID)
	}

	items := make([]model.Item, len(spec.Items))
	for i, it := range spec.Items {
		id := it.ID
		if id == "" {
			id = fmt.Sprintf("%s-item-%d", spec.ID, i)
		}
		items[i] = model.Item{ID: id, Request: it.descriptor()}
	}

	var cb *resilience.CircuitBreaker
	if spec.CircuitBreaker != nil {
		cb = resilience.NewCircuitBreaker(spec.CircuitBreaker.config(spec.ID), meter)
	}
	var rl *resilience.RateLimiter
	if spec.RateLimiter != nil {
		rl = resilience.NewRateLimiter(spec.RateLimiter.config(), meter)
	}
	var cl *resilience.ConcurrencyLimiter
	if spec.MaxConcurrent > 0 {
		cl = resilience.NewConcurrencyLimiter(spec.MaxConcurrent, meter)
	}

	httpExec := transport.New(nil)
	engine := attempt.New(spec.Retry.attemptConfig(), meter)

	invoke := func(ctx context.Context, item model.Item) (model.AttemptOutcome, error) {
		if item.Request == nil {
			return model.AttemptOutcome{}, fmt.Errorf("item %q: function items are not supported from a config file", item.ID)
		}
		req := item.Request
		result, err := engine.Run(ctx, func(ctx context.Context, attemptNum int) (model.AttemptOutcome, error) {
			return httpExec.Execute(ctx, req)
		})
		if err != nil {
			return model.AttemptOutcome{Err: err}, err
		}
		return model.AttemptOutcome{OK: result.Success, Data: result.Data}, nil
	}

	phase := workflow.PhaseConfig{
		ID:    spec.ID,
		Items: items,
		Config: map[string]any{
			"concurrentExecution": spec.ConcurrentExecution,
			"stopOnFirstError":    spec.StopOnFirstError,
		},
	}
	exec := &workflow.Executor{Invoke: invoke, CircuitBreaker: cb, RateLimiter: rl, Concurrency: cl}
	return &runner{jobID: spec.ID, exec: exec, phase: phase}, nil
}

// Run executes the job's phase once, returning a payload suitable for
// OutputRecord.Result, or an error when any item failed.
func (r *runner) Run(ctx context.Context) (any, error) {
	result := r.exec.RunPhase(ctx, 0, r.phase)
	if !result.Success {
		return result, fmt.Errorf("job %q: %d of %d items failed", r.jobID, result.FailedRequests, result.TotalRequests)
	}
	return result, nil
}

// buildJobConfig wraps a runner into a scheduler.JobConfig, writing one
// OutputRecord per invocation regardless of outcome. budget caps the
// total number of runs across every job (MAX_RUNS); a spent budget
// makes the job a no-op rather than an error.
func buildJobConfig(spec JobSpec, out *outputWriter, budget *runBudget, meter metric.Meter) (scheduler.JobConfig, error) {
	run, err := buildRunner(spec, meter)
	if err != nil {
		return scheduler.JobConfig{}, err
	}

	jobCfg := scheduler.JobConfig{
		ID:   spec.ID,
		Name: spec.Name,
	}
	if jobCfg.Name == "" {
		jobCfg.Name = spec.ID
	}
	if spec.TimeoutMS > 0 {
		jobCfg.Timeout = time.Duration(spec.TimeoutMS) * time.Millisecond
	}
	if spec.Schedule != nil {
		sched, err := spec.Schedule.schedule()
		if err != nil {
			return scheduler.JobConfig{}, fmt.Errorf("job %q: %w", spec.ID, err)
		}
		jobCfg.Schedule = sched
	}

	jobCfg.Run = func(ctx context.Context) error {
		if !budget.take() {
			return nil
		}
		started := time.Now()
		result, runErr := run.Run(ctx)
		rec := OutputRecord{
			JobID:       run.jobID,
			StartedAt:   started,
			CompletedAt: time.Now(),
			DurationMS:  time.Since(started).Milliseconds(),
		}
		if runErr != nil {
			rec.Error = runErr.Error()
		} else {
			rec.Result = result
		}
		if err := out.Append(rec); err != nil {
			return fmt.Errorf("write output for job %q: %w", run.jobID, err)
		}
		return runErr
	}

	return jobCfg, nil
}

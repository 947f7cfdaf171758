package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/swarmguard/flowctl/internal/attempt"
	"github.com/swarmguard/flowctl/internal/model"
)

func okInvoke(ctx context.Context, item model.Item) (model.AttemptOutcome, error) {
	return model.AttemptOutcome{OK: true, Data: "ok"}, nil
}

func TestSequentialWorkflowStopsOnFirstPhaseError(t *testing.T) {
	callCount := map[string]int{}
	invoke := func(ctx context.Context, item model.Item) (model.AttemptOutcome, error) {
		callCount[item.ID]++
		if item.ID == "phase2-item" {
			return model.AttemptOutcome{OK: false, Retryable: false}, errBoom
		}
		return model.AttemptOutcome{OK: true}, nil
	}

	x := &Executor{Invoke: invoke}
	phases := []PhaseConfig{
		{ID: "A", Items: []model.Item{{ID: "phase1-item"}}},
		{ID: "B", Items: []model.Item{{ID: "phase2-item"}},
			DecisionHook: func(in PhaseDecisionInput) model.Decision {
				if !in.Result.Success {
					return model.Decision{Kind: model.DecisionTerminate, Reason: "phase failed"}
				}
				return model.Decision{Kind: model.DecisionContinue}
			}},
		{ID: "C", Items: []model.Item{{ID: "phase3-item"}}},
	}

	result := x.RunWorkflow(context.Background(), WorkflowConfig{}, phases)
	if len(result.PhaseResults) != 2 {
		t.Fatalf("expected phase C not attempted, got %d phase results", len(result.PhaseResults))
	}
	if result.Success {
		t.Fatalf("expected overall failure")
	}
	if !result.TerminatedEarly {
		t.Fatalf("expected terminated early")
	}
	if callCount["phase3-item"] != 0 {
		t.Fatalf("phase C item must not be called")
	}
}

func TestNonLinearJumpSkipsIntermediatePhase(t *testing.T) {
	x := &Executor{Invoke: okInvoke}

	phases := []PhaseConfig{
		{ID: "A", Items: []model.Item{{ID: "a1"}}, DecisionHook: func(in PhaseDecisionInput) model.Decision {
			return model.Decision{Kind: model.DecisionJump, TargetPhaseID: "C"}
		}},
		{ID: "B", Items: []model.Item{{ID: "b1"}}},
		{ID: "C", Items: []model.Item{{ID: "c1"}}},
	}

	result := x.RunWorkflow(context.Background(), WorkflowConfig{}, phases)
	if len(result.ExecutionOrder) != 2 || result.ExecutionOrder[0] != "A" || result.ExecutionOrder[1] != "C" {
		t.Fatalf("expected execution order [A C], got %v", result.ExecutionOrder)
	}
	if !result.Success {
		t.Fatalf("expected overall success")
	}
}

func TestIterationCapTerminatesReplayLoop(t *testing.T) {
	x := &Executor{Invoke: okInvoke}
	phases := []PhaseConfig{
		{ID: "loop", Items: []model.Item{{ID: "i1"}}, DecisionHook: func(in PhaseDecisionInput) model.Decision {
			return model.Decision{Kind: model.DecisionReplay}
		}},
	}
	result := x.RunWorkflow(context.Background(), WorkflowConfig{MaxWorkflowIterations: 5, AllowReplay: true}, phases)
	if !result.TerminatedEarly || result.TerminationReason != "iteration cap" {
		t.Fatalf("expected iteration cap termination, got %+v", result)
	}
	if result.IterationCount != 5 {
		t.Fatalf("expected exactly 5 iterations, got %d", result.IterationCount)
	}
}

func TestMaxTimeoutTerminatesBeforeNextPhase(t *testing.T) {
	longInvoke := func(ctx context.Context, item model.Item) (model.AttemptOutcome, error) {
		select {
		case <-time.After(time.Second):
			return model.AttemptOutcome{OK: true}, nil
		case <-ctx.Done():
			return model.AttemptOutcome{OK: true}, nil
		}
	}
	x := &Executor{Invoke: longInvoke}
	phases := []PhaseConfig{
		{ID: "A", Items: []model.Item{{ID: "a1"}}},
		{ID: "B", Items: []model.Item{{ID: "b1"}}},
	}

	result := x.RunWorkflow(context.Background(), WorkflowConfig{MaxTimeout: 20 * time.Millisecond}, phases)
	if !result.TerminatedEarly || result.Success {
		t.Fatalf("expected early termination, got %+v", result)
	}
	if len(result.PhaseResults) != 1 {
		t.Fatalf("expected phase B never to start, got %d phase results", len(result.PhaseResults))
	}
	if !strings.Contains(result.TerminationReason, "timeout") {
		t.Fatalf("expected timeout reason, got %q", result.TerminationReason)
	}
}

func TestFindPhaseIndexReturnsTypedError(t *testing.T) {
	x := &Executor{Invoke: okInvoke}
	phases := []PhaseConfig{
		{ID: "A", Items: []model.Item{{ID: "a1"}}, DecisionHook: func(in PhaseDecisionInput) model.Decision {
			return model.Decision{Kind: model.DecisionJump, TargetPhaseID: "missing"}
		}},
	}
	result := x.RunWorkflow(context.Background(), WorkflowConfig{}, phases)
	if !result.TerminatedEarly {
		t.Fatalf("expected termination on missing jump target")
	}

	_, err := findPhaseIndex(phases, "missing")
	if _, ok := err.(*attempt.PhaseNotFoundError); !ok {
		t.Fatalf("expected *attempt.PhaseNotFoundError, got %T (%v)", err, err)
	}
}

func TestBranchWalkerRunsFromFirstBranch(t *testing.T) {
	x := &Executor{Invoke: okInvoke}
	branches := []BranchConfig{
		{ID: "b1", Phases: []PhaseConfig{{ID: "p1", Items: []model.Item{{ID: "i1"}}}}},
		{ID: "b2", Phases: []PhaseConfig{{ID: "p2", Items: []model.Item{{ID: "i2"}}}}},
	}
	result := x.RunBranches(context.Background(), "wf-1", BranchWalkerConfig{
		DecisionHook: func(in BranchDecisionInput) model.Decision {
			if in.BranchID == "b1" {
				return model.Decision{Kind: model.DecisionContinue}
			}
			return model.Decision{Kind: model.DecisionTerminate, Reason: "done"}
		},
	}, branches)
	if len(result.ExecutionOrder) != 2 || result.ExecutionOrder[0] != "b1" || result.ExecutionOrder[1] != "b2" {
		t.Fatalf("expected [b1 b2], got %v", result.ExecutionOrder)
	}
}

func TestBranchSkipHonorsAllowSkipGate(t *testing.T) {
	x := &Executor{Invoke: okInvoke}
	branches := []BranchConfig{
		{ID: "b1", Phases: []PhaseConfig{{ID: "p1", Items: []model.Item{{ID: "i1"}}}}},
		{ID: "b2", Phases: []PhaseConfig{{ID: "p2", Items: []model.Item{{ID: "i2"}}}}},
		{ID: "b3", Phases: []PhaseConfig{{ID: "p3", Items: []model.Item{{ID: "i3"}}}}},
	}

	result := x.RunBranches(context.Background(), "wf-skip", BranchWalkerConfig{
		DecisionHook: func(in BranchDecisionInput) model.Decision {
			if in.BranchID == "b1" {
				return model.Decision{Kind: model.DecisionSkip, TargetPhaseID: "b3"}
			}
			if in.BranchID == "b2" {
				return model.Decision{Kind: model.DecisionTerminate, Reason: "done"}
			}
			return model.Decision{Kind: model.DecisionContinue}
		},
	}, branches)

	// b1 doesn't allow skip, so the decision is a no-op advance to b2.
	if len(result.ExecutionOrder) != 2 || result.ExecutionOrder[0] != "b1" || result.ExecutionOrder[1] != "b2" {
		t.Fatalf("expected [b1 b2] with skip gated off, got %v", result.ExecutionOrder)
	}
}

func TestBranchSkipJumpsAndMarksSkippedWhenAllowed(t *testing.T) {
	x := &Executor{Invoke: okInvoke}
	branches := []BranchConfig{
		{ID: "b1", Phases: []PhaseConfig{{ID: "p1", Items: []model.Item{{ID: "i1"}}}}, AllowSkip: true},
		{ID: "b2", Phases: []PhaseConfig{{ID: "p2", Items: []model.Item{{ID: "i2"}}}}},
		{ID: "b3", Phases: []PhaseConfig{{ID: "p3", Items: []model.Item{{ID: "i3"}}}}},
	}

	result := x.RunBranches(context.Background(), "wf-skip2", BranchWalkerConfig{
		DecisionHook: func(in BranchDecisionInput) model.Decision {
			if in.BranchID == "b1" {
				return model.Decision{Kind: model.DecisionSkip, TargetPhaseID: "b3"}
			}
			return model.Decision{Kind: model.DecisionTerminate, Reason: "done"}
		},
	}, branches)

	if len(result.ExecutionOrder) != 3 {
		t.Fatalf("expected b1, skipped-b2 marker, and b3, got %v", result.ExecutionOrder)
	}
	if result.ExecutionOrder[0] != "b1" || result.ExecutionOrder[1] != "b2 (skipped)" || result.ExecutionOrder[2] != "b3" {
		t.Fatalf("unexpected execution order: %v", result.ExecutionOrder)
	}
}

func TestBranchReplayBlockedWithoutAllowReplay(t *testing.T) {
	x := &Executor{Invoke: okInvoke}
	calls := 0
	branches := []BranchConfig{
		{ID: "b1", Phases: []PhaseConfig{{ID: "p1", Items: []model.Item{{ID: "i1"}}}}, AllowReplay: false},
	}

	result := x.RunBranches(context.Background(), "wf-replay", BranchWalkerConfig{
		MaxWorkflowIterations: 10,
		DecisionHook: func(in BranchDecisionInput) model.Decision {
			calls++
			if calls < 3 {
				return model.Decision{Kind: model.DecisionReplay}
			}
			return model.Decision{Kind: model.DecisionTerminate, Reason: "done"}
		},
	}, branches)

	// AllowReplay is false, so REPLAY degrades to a plain advance; with
	// only one branch, idx runs past the end immediately.
	if len(result.BranchResults) != 1 {
		t.Fatalf("expected exactly one branch execution with replay disallowed, got %d", len(result.BranchResults))
	}
}

func TestBranchReplayRespectsMaxReplayCount(t *testing.T) {
	x := &Executor{Invoke: okInvoke}
	branches := []BranchConfig{
		{ID: "b1", Phases: []PhaseConfig{{ID: "p1", Items: []model.Item{{ID: "i1"}}}}, AllowReplay: true, MaxReplayCount: 2},
	}

	result := x.RunBranches(context.Background(), "wf-replay2", BranchWalkerConfig{
		MaxWorkflowIterations: 10,
		DecisionHook: func(in BranchDecisionInput) model.Decision {
			return model.Decision{Kind: model.DecisionReplay}
		},
	}, branches)

	if len(result.BranchResults) != 3 {
		t.Fatalf("expected the first run plus exactly MaxReplayCount replays (3 executions), got %d executions", len(result.BranchResults))
	}
}

func TestBranchWalkerMaxTimeoutTerminatesEarly(t *testing.T) {
	longInvoke := func(ctx context.Context, item model.Item) (model.AttemptOutcome, error) {
		select {
		case <-time.After(time.Second):
			return model.AttemptOutcome{OK: true}, nil
		case <-ctx.Done():
			return model.AttemptOutcome{OK: true}, nil
		}
	}
	x := &Executor{Invoke: longInvoke}
	branches := []BranchConfig{
		{ID: "b1", Phases: []PhaseConfig{{ID: "p1", Items: []model.Item{{ID: "i1"}}}}},
		{ID: "b2", Phases: []PhaseConfig{{ID: "p2", Items: []model.Item{{ID: "i2"}}}}},
	}

	result := x.RunBranches(context.Background(), "wf-timeout", BranchWalkerConfig{MaxTimeout: 20 * time.Millisecond}, branches)
	if !result.TerminatedEarly || result.Success {
		t.Fatalf("expected early termination, got %+v", result)
	}
	if len(result.BranchResults) != 1 {
		t.Fatalf("expected branch b2 never to start, got %d branch results", len(result.BranchResults))
	}
	if !strings.Contains(result.TerminationReason, "timeout") {
		t.Fatalf("expected timeout reason, got %q", result.TerminationReason)
	}
}

func TestCancelRegistryCancelsRunningRun(t *testing.T) {
	reg := NewCancelRegistry(nil)
	_, cancel := context.WithCancel(context.Background())
	reg.Register("run-1", cancel)

	if status, _ := reg.Status("run-1"); status != RunRunning {
		t.Fatalf("expected running status, got %s", status)
	}
	if err := reg.Cancel(context.Background(), "run-1", "user requested"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status, _ := reg.Status("run-1"); status != RunCancelled {
		t.Fatalf("expected cancelled status, got %s", status)
	}
	if err := reg.Cancel(context.Background(), "run-1", "again"); err == nil {
		t.Fatalf("expected error cancelling an already-cancelled run")
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (e *boomError) Error() string { return "boom" }

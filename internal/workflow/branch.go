package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/swarmguard/flowctl/internal/attempt"
	"github.com/swarmguard/flowctl/internal/model"
)

// BranchConfig describes one branch: a self-contained non-linear
// workflow scoped to its own phases.
type BranchConfig struct {
	ID     string
	Phases []PhaseConfig
	Config WorkflowConfig

	// AllowSkip/AllowReplay/MaxReplayCount gate SKIP/REPLAY decisions
	// returned to the branch walker (spec §3's Branch, distinct from
	// the phase-level gates on Config for decisions inside the branch).
	AllowSkip      bool
	AllowReplay    bool
	MaxReplayCount int
}

// BranchResult reports one branch execution.
type BranchResult struct {
	BranchID        string
	BranchIndex     int
	ExecutionNumber int
	WorkflowResult  WorkflowResult
}

// BranchDecisionInput is passed to the branch decision hook after a
// branch completes (spec §4.6).
type BranchDecisionInput struct {
	BranchID                string
	BranchIndex             int
	ExecutionNumber         int
	BranchResults           []BranchResult
	ExecutionHistory        []BranchResult
	BranchExecutionHistory  map[string][]BranchResult
}

// BranchWalkerConfig configures the branch walker run.
type BranchWalkerConfig struct {
	MaxWorkflowIterations int
	MaxReplayCount        int
	EnableBranchRacing    bool
	// MaxTimeout bounds the whole RunBranches call, mirroring
	// WorkflowConfig.MaxTimeout at branch-walker scope.
	MaxTimeout time.Duration
	// ConcurrentGroups lists contiguous index ranges of branches[] that
	// run as a racing-or-all-settled group (markConcurrentBranch).
	ConcurrentGroups [][2]int
	DecisionHook     func(BranchDecisionInput) model.Decision
}

// BranchWalkerResult is the branch walker's final report.
type BranchWalkerResult struct {
	ExecutionOrder    []string
	BranchResults     []BranchResult
	Success           bool
	TerminatedEarly   bool
	TerminationReason string
	IterationCount    int
}

// RunBranches walks branches starting at branches[0].id, honoring the
// branchDecisionHook's return after each branch completes.
func (x *Executor) RunBranches(ctx context.Context, workflowID string, cfg BranchWalkerConfig, branches []BranchConfig) BranchWalkerResult {
	if cfg.MaxWorkflowIterations <= 0 {
		cfg.MaxWorkflowIterations = defaultMaxIterations
	}
	if cfg.MaxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.MaxTimeout)
		defer cancel()
	}

	result := BranchWalkerResult{Success: true}
	history := map[string][]BranchResult{}
	idx := 0
	iteration := 0
	executionNumbers := map[string]int{}

	for idx >= 0 && idx < len(branches) {
		if err := ctx.Err(); err != nil {
			result.TerminatedEarly = true
			result.TerminationReason = workflowTimeoutReason(err, cfg.MaxTimeout)
			result.Success = false
			break
		}
		if iteration >= cfg.MaxWorkflowIterations {
			result.TerminatedEarly = true
			result.TerminationReason = "iteration cap"
			result.Success = false
			break
		}
		iteration++

		if rangeIdx, inGroup := containingRange(cfg.ConcurrentGroups, idx); inGroup {
			r := cfg.ConcurrentGroups[rangeIdx]
			results, lastIdx := x.runConcurrentBranches(ctx, workflowID, branches, r, cfg.EnableBranchRacing, executionNumbers)
			for _, br := range results {
				result.ExecutionOrder = append(result.ExecutionOrder, branches[br.BranchIndex].ID)
				result.BranchResults = append(result.BranchResults, br)
				history[br.BranchID] = append(history[br.BranchID], br)
				if !br.WorkflowResult.Success {
					result.Success = false
				}
			}
			idx = lastIdx + 1
			continue
		}

		branch := branches[idx]
		executionNumbers[branch.ID]++
		wfResult := x.runBranchAsWorkflow(ctx, workflowID, branch)
		br := BranchResult{BranchID: branch.ID, BranchIndex: idx, ExecutionNumber: executionNumbers[branch.ID], WorkflowResult: wfResult}
		result.ExecutionOrder = append(result.ExecutionOrder, branch.ID)
		result.BranchResults = append(result.BranchResults, br)
		history[branch.ID] = append(history[branch.ID], br)
		if !wfResult.Success {
			result.Success = false
		}

		if cfg.DecisionHook == nil {
			idx++
			continue
		}
		decision := safeBranchDecision(cfg.DecisionHook, BranchDecisionInput{
			BranchID: branch.ID, BranchIndex: idx, ExecutionNumber: executionNumbers[branch.ID],
			BranchResults: result.BranchResults, ExecutionHistory: result.BranchResults, BranchExecutionHistory: history,
		})

		switch decision.Kind {
		case decisionContinue:
			idx++
		case decisionSkip:
			target := decision.TargetPhaseID
			if !branch.AllowSkip || target == "" {
				idx++
				break
			}
			newIdx, err := findBranchIndex(branches, target)
			if err != nil {
				idx++
				break
			}
			markSkippedBranches(&result, branches, idx+1, newIdx)
			idx = newIdx
		case decisionJump:
			newIdx, err := findBranchIndex(branches, decision.TargetPhaseID)
			if err != nil {
				result.TerminatedEarly = true
				result.TerminationReason = err.Error()
				result.Success = false
				return result
			}
			idx = newIdx
		case decisionReplay:
			if !branch.AllowReplay {
				idx++
				break
			}
			maxReplay := branch.MaxReplayCount
			if maxReplay <= 0 {
				maxReplay = cfg.MaxReplayCount
			}
			if maxReplay > 0 && executionNumbers[branch.ID] > maxReplay {
				idx++
				break
			}
			// idx unchanged: branch replays next iteration.
		case decisionTerminate:
			result.TerminatedEarly = true
			result.TerminationReason = decision.Reason
			result.Success = false
			return result
		default:
			idx++
		}
	}

	result.IterationCount = iteration
	return result
}

// BranchRunID names the generic run id a branch executes under
// (workflowId-branch-<id>, spec §4.6), for CancelRegistry registration.
func BranchRunID(workflowID, branchID string) string {
	return fmt.Sprintf("%s-branch-%s", workflowID, branchID)
}

func (x *Executor) runBranchAsWorkflow(ctx context.Context, workflowID string, branch BranchConfig) WorkflowResult {
	return x.RunWorkflow(ctx, branch.Config, branch.Phases)
}

func (x *Executor) runConcurrentBranches(ctx context.Context, workflowID string, branches []BranchConfig, r [2]int, racing bool, executionNumbers map[string]int) ([]BranchResult, int) {
	type indexed struct {
		idx    int
		result BranchResult
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if racing {
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	ch := make(chan indexed, r[1]-r[0])
	for i := r[0]; i < r[1]; i++ {
		go func(i int) {
			branch := branches[i]
			wfResult := x.runBranchAsWorkflow(runCtx, workflowID, branch)
			ch <- indexed{idx: i, result: BranchResult{BranchID: branch.ID, BranchIndex: i, WorkflowResult: wfResult}}
		}(i)
	}

	out := make([]BranchResult, r[1]-r[0])
	won := false
	for range out {
		v := <-ch
		out[v.idx-r[0]] = v.result
		if racing && !won && v.result.WorkflowResult.Success {
			won = true
			if cancel != nil {
				cancel()
			}
		}
	}
	return out, r[1] - 1
}

func markSkippedBranches(result *BranchWalkerResult, branches []BranchConfig, from, to int) {
	for i := from; i < to && i < len(branches); i++ {
		result.ExecutionOrder = append(result.ExecutionOrder, branches[i].ID+" (skipped)")
	}
}

func findBranchIndex(branches []BranchConfig, id string) (int, error) {
	for i, b := range branches {
		if b.ID == id {
			return i, nil
		}
	}
	return -1, &attempt.PhaseNotFoundError{PhaseID: id}
}

func safeBranchDecision(hook func(BranchDecisionInput) model.Decision, in BranchDecisionInput) controllerDecision {
	var decision controllerDecision
	func() {
		defer func() {
			if recover() != nil {
				decision = controllerDecision{Kind: decisionContinue}
			}
		}()
		decision = normalizeDecision(hook(in))
	}()
	return decision
}

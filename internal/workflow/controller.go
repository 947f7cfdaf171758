package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/swarmguard/flowctl/internal/attempt"
)

// WorkflowConfig configures a non-linear controller run.
type WorkflowConfig struct {
	MaxWorkflowIterations int // default 1000
	MaxReplayCount        int // default unbounded, still capped by iteration guard
	AllowSkip             bool
	AllowReplay           bool
	// MaxTimeout bounds the whole RunWorkflow call. Zero means no
	// workflow-wide deadline (phases/branches still honor their own
	// per-item timeouts independently).
	MaxTimeout time.Duration
	// ConcurrentGroups lists contiguous index ranges [start,end) of
	// phases[] that should run as one all-settled batch before the
	// controller resumes sequential walking (markConcurrentPhase).
	ConcurrentGroups [][2]int
}

// WorkflowResult is the non-linear controller's final report.
type WorkflowResult struct {
	ExecutionOrder     []string
	PhaseResults       []PhaseResult
	Success            bool
	TerminatedEarly    bool
	TerminationReason  string
	IterationCount     int
}

const defaultMaxIterations = 1000

// RunWorkflow walks phases by index, honoring each phase's decision
// hook return (spec §4.5).
func (x *Executor) RunWorkflow(ctx context.Context, cfg WorkflowConfig, phases []PhaseConfig) WorkflowResult {
	if cfg.MaxWorkflowIterations <= 0 {
		cfg.MaxWorkflowIterations = defaultMaxIterations
	}
	if cfg.MaxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.MaxTimeout)
		defer cancel()
	}

	result := WorkflowResult{Success: true}
	replayCounts := make(map[string]int)
	idx := 0
	iteration := 0
	concurrentRanges := cfg.ConcurrentGroups

	for idx >= 0 && idx < len(phases) {
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

		if rangeIdx, inGroup := containingRange(concurrentRanges, idx); inGroup {
			groupResults, lastIdx := x.runConcurrentGroup(ctx, phases, concurrentRanges[rangeIdx])
			for _, r := range groupResults {
				result.ExecutionOrder = append(result.ExecutionOrder, phases[r.PhaseIndex].ID)
				result.PhaseResults = append(result.PhaseResults, r)
				if !r.Success {
					result.Success = false
				}
			}
			idx = lastIdx + 1
			continue
		}

		phase := phases[idx]
		phaseResult := x.RunPhase(ctx, idx, phase)
		result.ExecutionOrder = append(result.ExecutionOrder, phase.ID)
		result.PhaseResults = append(result.PhaseResults, phaseResult)
		if !phaseResult.Success {
			result.Success = false
		}

		decision := decideNext(phase, phaseResult, result)

		if len(decision.AddPhaseIDs) > 0 && x.PhaseRegistry != nil {
			added := make([]PhaseConfig, 0, len(decision.AddPhaseIDs))
			for _, id := range decision.AddPhaseIDs {
				if p, ok := x.PhaseRegistry[id]; ok {
					added = append(added, p)
				}
			}
			phases = spliceAfter(phases, idx, added)
		}

		switch decision.Kind {
		case decisionContinue:
			idx++
		case decisionSkip:
			target := decision.TargetPhaseID
			if !cfg.AllowSkip || target == "" {
				idx++
				break
			}
			newIdx, err := findPhaseIndex(phases, target)
			if err != nil {
				idx++
				break
			}
			markSkipped(&result, phases, idx+1, newIdx)
			idx = newIdx
		case decisionJump:
			newIdx, err := findPhaseIndex(phases, decision.TargetPhaseID)
			if err != nil {
				result.TerminatedEarly = true
				result.TerminationReason = err.Error()
				result.Success = false
				return result
			}
			idx = newIdx
		case decisionReplay:
			if !cfg.AllowReplay {
				idx++
				break
			}
			replayCounts[phase.ID]++
			if cfg.MaxReplayCount > 0 && replayCounts[phase.ID] > cfg.MaxReplayCount {
				idx++
				break
			}
			// idx unchanged: re-execute current phase next iteration.
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

// decisionKind and controllerDecision are the controller-internal
// normalized form of model.Decision; AddPhaseIDs carries the addPhases
// IDs that RunWorkflow resolves through PhaseRegistry.
type decisionKind int

const (
	decisionContinue decisionKind = iota
	decisionSkip
	decisionJump
	decisionReplay
	decisionTerminate
)

type controllerDecision struct {
	Kind          decisionKind
	TargetPhaseID string
	Reason        string
	AddPhaseIDs   []string
}

// decideNext invokes the phase's decision hook, defaulting to CONTINUE
// on a missing hook or a panicking one (spec §7: decision-hook exception
// defaults to CONTINUE).
func decideNext(phase PhaseConfig, result PhaseResult, history WorkflowResult) controllerDecision {
	if phase.DecisionHook == nil {
		return controllerDecision{Kind: decisionContinue}
	}
	var decision controllerDecision
	func() {
		defer func() {
			if recover() != nil {
				decision = controllerDecision{Kind: decisionContinue}
			}
		}()
		d := phase.DecisionHook(PhaseDecisionInput{Phase: phase, PhaseIndex: result.PhaseIndex, Result: result, ExecutionHistory: history.PhaseResults})
		decision = normalizeDecision(d)
	}()
	return decision
}

// workflowTimeoutReason reports ctx's cancellation as a descriptive
// TimeoutError when it was this call's own MaxTimeout deadline, and as
// a plain reason when the caller cancelled ctx itself.
func workflowTimeoutReason(err error, maxTimeout time.Duration) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return (&attempt.TimeoutError{Msg: fmt.Sprintf("workflow exceeded maxTimeout of %s", maxTimeout)}).Error()
	}
	return err.Error()
}

func findPhaseIndex(phases []PhaseConfig, id string) (int, error) {
	for i, p := range phases {
		if p.ID == id {
			return i, nil
		}
	}
	return -1, &attempt.PhaseNotFoundError{PhaseID: id}
}

func markSkipped(result *WorkflowResult, phases []PhaseConfig, from, to int) {
	for i := from; i < to && i < len(phases); i++ {
		result.ExecutionOrder = append(result.ExecutionOrder, phases[i].ID+" (skipped)")
	}
}

func spliceAfter(phases []PhaseConfig, after int, newPhases []PhaseConfig) []PhaseConfig {
	out := make([]PhaseConfig, 0, len(phases)+len(newPhases))
	out = append(out, phases[:after+1]...)
	out = append(out, newPhases...)
	out = append(out, phases[after+1:]...)
	return out
}

func containingRange(ranges [][2]int, idx int) (int, bool) {
	for i, r := range ranges {
		if idx >= r[0] && idx < r[1] {
			return i, true
		}
	}
	return 0, false
}

func (x *Executor) runConcurrentGroup(ctx context.Context, phases []PhaseConfig, r [2]int) ([]PhaseResult, int) {
	type indexed struct {
		idx    int
		result PhaseResult
	}
	ch := make(chan indexed, r[1]-r[0])
	for i := r[0]; i < r[1]; i++ {
		go func(i int) {
			res := x.RunPhase(ctx, i, phases[i])
			ch <- indexed{idx: i, result: res}
		}(i)
	}
	out := make([]PhaseResult, r[1]-r[0])
	for range out {
		v := <-ch
		out[v.idx-r[0]] = v.result
	}
	return out, r[1] - 1
}

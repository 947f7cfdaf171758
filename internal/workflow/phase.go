package workflow

import (
	"context"
	"time"

	"github.com/swarmguard/flowctl/internal/gateway"
	"github.com/swarmguard/flowctl/internal/model"
	"github.com/swarmguard/flowctl/internal/resilience"
)

// RequestGroup names a set of items sharing configuration, identified
// by groupId (spec §4.4's "request-group").
type RequestGroup struct {
	ID     string
	Config map[string]any
}

// PhaseConfig describes one phase to run.
type PhaseConfig struct {
	ID            string
	GroupID       string
	Items         []model.Item
	Config        map[string]any
	// ItemOverrides holds per-item config (itemID -> config) that wins
	// over workflow/group/phase layers; an Invoke closure reads it
	// directly since item-level keys are usually transport fields
	// (timeout, headers) rather than batching-mode flags.
	ItemOverrides map[string]map[string]any
	DecisionHook  func(PhaseDecisionInput) model.Decision
}

// PhaseResult reports one phase's outcome.
type PhaseResult struct {
	PhaseID            string
	PhaseIndex         int
	Success            bool
	ExecutionTime      time.Duration
	Responses          []model.ItemResponse
	TotalRequests      int
	SuccessfulRequests int
	FailedRequests     int
	Skipped            bool
}

// PhaseDecisionInput is passed to a phase's decision hook after it runs.
type PhaseDecisionInput struct {
	Phase            PhaseConfig
	PhaseIndex       int
	Result           PhaseResult
	ExecutionHistory []PhaseResult
}

// Executor runs phases via the gateway, applying the workflow→group→
// phase config merge. Item-level overrides (PhaseConfig.ItemOverrides)
// are not merged here; an Invoke closure reads them directly.
type Executor struct {
	WorkflowConfig map[string]any
	Groups         map[string]RequestGroup
	CircuitBreaker *resilience.CircuitBreaker
	RateLimiter    *resilience.RateLimiter
	Concurrency    *resilience.ConcurrencyLimiter
	Invoke         gateway.Invoke
	// PhaseRegistry resolves addPhases decision IDs (spec §4.5) into the
	// PhaseConfig to splice in; nil disables dynamic phase insertion.
	PhaseRegistry map[string]PhaseConfig
}

// RunPhase executes a single phase's items through the gateway.
func (x *Executor) RunPhase(ctx context.Context, phaseIdx int, phase PhaseConfig) PhaseResult {
	start := time.Now()

	groupCfg := map[string]any{}
	if g, ok := x.Groups[phase.GroupID]; ok {
		groupCfg = g.Config
	}
	merged := MergeConfig(x.WorkflowConfig, groupCfg, phase.Config)

	gwCfg := ResolveGatewayConfig(merged, x.CircuitBreaker, x.RateLimiter, x.Concurrency)
	gw := gateway.New(gwCfg, nil)

	responses := gw.Run(ctx, phase.Items, x.Invoke)

	result := PhaseResult{
		PhaseID:       phase.ID,
		PhaseIndex:    phaseIdx,
		ExecutionTime: time.Since(start),
		Responses:     responses,
		TotalRequests: len(responses),
	}
	success := true
	for _, r := range responses {
		if r.Success {
			result.SuccessfulRequests++
		} else if !r.NotExecuted {
			result.FailedRequests++
			success = false
		}
	}
	result.Success = success
	return result
}

// Package graph implements the topological DAG runner: PHASE, BRANCH,
// CONDITIONAL, PARALLEL_GROUP, and MERGE nodes wired by edges, walked
// starting at an entry point, with cycle detection at build time.
//
// Grounded on the orchestrator's dag_engine.go (buildDAG validates
// dependencies before the first run, executeDAG walks ready nodes with
// a worker pool), generalized from single-task nodes keyed by
// dependsOn-edges to the five node kinds and the declared-order edge
// selection this runner requires.
package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmguard/flowctl/internal/attempt"
	"github.com/swarmguard/flowctl/internal/workflow"
)

// NodeKind names one of the five graph node variants.
type NodeKind string

const (
	NodePhase         NodeKind = "PHASE"
	NodeBranch        NodeKind = "BRANCH"
	NodeConditional   NodeKind = "CONDITIONAL"
	NodeParallelGroup NodeKind = "PARALLEL_GROUP"
	NodeMerge         NodeKind = "MERGE"
)

// Edge is one outgoing edge from a node. A nil Condition is
// unconditioned; Condition, when set, is evaluated against the shared
// execution context and the edge is taken when it returns true.
type Edge struct {
	To        string
	Condition func(execCtx map[string]any) bool
}

// Node is one vertex of the graph. Only the fields relevant to Kind are
// read by the runner.
type Node struct {
	ID   string
	Kind NodeKind

	Phase  *workflow.PhaseConfig  // PHASE
	Branch *workflow.BranchConfig // BRANCH

	// Evaluate runs for CONDITIONAL nodes; its return names the next
	// node id, which must be one of Edges' targets.
	Evaluate func(execCtx map[string]any) string

	Members []string // PARALLEL_GROUP: node ids executed concurrently
	WaitFor []string // MERGE: predecessor node ids to await

	Edges []Edge
}

// Graph is a validated, cycle-free node set with a designated entry point.
type Graph struct {
	Nodes      map[string]*Node
	EntryPoint string
}

// New validates nodes (entry point exists, every edge/member/waitFor
// target exists, no cycles) and returns a ready-to-run Graph.
func New(entryPoint string, nodes []*Node) (*Graph, error) {
	index := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		if _, dup := index[n.ID]; dup {
			return nil, &attempt.GraphValidationError{Msg: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		index[n.ID] = n
	}
	if _, ok := index[entryPoint]; !ok {
		return nil, &attempt.GraphValidationError{Msg: fmt.Sprintf("entry point %q not found", entryPoint)}
	}

	for _, n := range nodes {
		for _, e := range n.Edges {
			if _, ok := index[e.To]; !ok {
				return nil, &attempt.GraphValidationError{Msg: fmt.Sprintf("node %q edge targets unknown node %q", n.ID, e.To)}
			}
		}
		for _, m := range n.Members {
			if _, ok := index[m]; !ok {
				return nil, &attempt.GraphValidationError{Msg: fmt.Sprintf("node %q member %q not found", n.ID, m)}
			}
		}
		for _, w := range n.WaitFor {
			if _, ok := index[w]; !ok {
				return nil, &attempt.GraphValidationError{Msg: fmt.Sprintf("node %q waitFor %q not found", n.ID, w)}
			}
		}
	}

	if cyclePath, ok := findCycle(index); ok {
		return nil, &attempt.GraphValidationError{Msg: fmt.Sprintf("cycle detected: %v", cyclePath)}
	}

	return &Graph{Nodes: index, EntryPoint: entryPoint}, nil
}

// findCycle runs DFS with a recursion stack over edges (and, for
// PARALLEL_GROUP nodes, member references) across every registered
// node, not just ones reachable from the entry point.
func findCycle(index map[string]*Node) ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(index))
	var stack []string

	var visit func(id string) ([]string, bool)
	visit = func(id string) ([]string, bool) {
		color[id] = gray
		stack = append(stack, id)
		n := index[id]
		successors := make([]string, 0, len(n.Edges)+len(n.Members))
		for _, e := range n.Edges {
			successors = append(successors, e.To)
		}
		successors = append(successors, n.Members...)
		for _, next := range successors {
			switch color[next] {
			case white:
				if path, found := visit(next); found {
					return path, true
				}
			case gray:
				return append(append([]string{}, stack...), next), true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil, false
	}

	for id := range index {
		if color[id] == white {
			if path, found := visit(id); found {
				return path, true
			}
		}
	}
	return nil, false
}

// NodeResult reports one node's execution outcome.
type NodeResult struct {
	NodeID             string
	Kind               NodeKind
	Success            bool
	PhaseResult        *workflow.PhaseResult
	BranchWalkerResult *workflow.BranchWalkerResult
	ConditionalTarget  string
	MemberResults      []NodeResult
	Error              string
}

// RunResult is the graph runner's final report.
type RunResult struct {
	ExecutionOrder    []string
	NodeResults       map[string]NodeResult
	Success           bool
	TerminatedEarly   bool
	TerminationReason string
}

// Executor walks a Graph, delegating PHASE and BRANCH nodes to the
// workflow executor.
type Executor struct {
	Workflow *workflow.Executor
	Graph    *Graph
}

type runState struct {
	mu        sync.Mutex
	cond      *sync.Cond
	completed map[string]bool
	started   map[string]bool
	results   map[string]NodeResult
	order     []string
	stopped   bool
	reason    string
}

// Run walks the graph starting at EntryPoint. execCtx is shared,
// read-only from the runner's perspective, and passed to edge
// conditions and CONDITIONAL node Evaluate functions.
func (x *Executor) Run(ctx context.Context, execCtx map[string]any) RunResult {
	rs := &runState{completed: map[string]bool{}, started: map[string]bool{}, results: map[string]NodeResult{}}
	rs.cond = sync.NewCond(&rs.mu)
	if execCtx == nil {
		execCtx = map[string]any{}
	}

	x.visit(ctx, execCtx, rs, x.Graph.EntryPoint)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	result := RunResult{
		ExecutionOrder:    rs.order,
		NodeResults:       rs.results,
		Success:           true,
		TerminatedEarly:   rs.stopped,
		TerminationReason: rs.reason,
	}
	for _, r := range rs.results {
		if !r.Success {
			result.Success = false
		}
	}
	return result
}

func (x *Executor) visit(ctx context.Context, execCtx map[string]any, rs *runState, nodeID string) {
	rs.mu.Lock()
	if rs.started[nodeID] || rs.stopped {
		rs.mu.Unlock()
		return
	}
	rs.started[nodeID] = true
	node := x.Graph.Nodes[nodeID]
	if node.Kind == NodeMerge {
		for !allCompleted(rs.completed, node.WaitFor) && !rs.stopped {
			rs.cond.Wait()
		}
		if rs.stopped {
			rs.mu.Unlock()
			return
		}
	}
	rs.mu.Unlock()

	result := x.executeNode(ctx, execCtx, node)

	rs.mu.Lock()
	rs.results[nodeID] = result
	rs.order = append(rs.order, nodeID)
	rs.completed[nodeID] = true
	rs.cond.Broadcast()
	rs.mu.Unlock()

	if node.Kind == NodeConditional {
		valid := false
		for _, e := range node.Edges {
			if e.To == result.ConditionalTarget {
				valid = true
				break
			}
		}
		if !valid {
			rs.mu.Lock()
			if !rs.stopped {
				rs.stopped = true
				rs.reason = fmt.Sprintf("conditional node %q returned non-edge target %q", nodeID, result.ConditionalTarget)
			}
			rs.cond.Broadcast()
			rs.mu.Unlock()
			return
		}
	}

	next := selectNext(node, result, execCtx)
	if len(next) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, n := range next {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			x.visit(ctx, execCtx, rs, id)
		}(n)
	}
	wg.Wait()
}

func selectNext(node *Node, result NodeResult, execCtx map[string]any) []string {
	if node.Kind == NodeConditional {
		return []string{result.ConditionalTarget}
	}
	for _, e := range node.Edges {
		if e.Condition != nil && e.Condition(execCtx) {
			return []string{e.To}
		}
	}
	var targets []string
	for _, e := range node.Edges {
		if e.Condition == nil {
			targets = append(targets, e.To)
		}
	}
	return targets
}

func allCompleted(completed map[string]bool, ids []string) bool {
	for _, id := range ids {
		if !completed[id] {
			return false
		}
	}
	return true
}

func (x *Executor) executeNode(ctx context.Context, execCtx map[string]any, node *Node) NodeResult {
	result := NodeResult{NodeID: node.ID, Kind: node.Kind}
	switch node.Kind {
	case NodePhase:
		if node.Phase == nil {
			result.Error = "phase node missing phase config"
			return result
		}
		pr := x.Workflow.RunPhase(ctx, 0, *node.Phase)
		result.PhaseResult = &pr
		result.Success = pr.Success
	case NodeBranch:
		if node.Branch == nil {
			result.Error = "branch node missing branch config"
			return result
		}
		bwr := x.Workflow.RunBranches(ctx, node.ID, workflow.BranchWalkerConfig{}, []workflow.BranchConfig{*node.Branch})
		result.BranchWalkerResult = &bwr
		result.Success = bwr.Success
	case NodeConditional:
		if node.Evaluate == nil {
			result.Error = "conditional node missing evaluate"
			return result
		}
		result.ConditionalTarget = safeEvaluate(node.Evaluate, execCtx)
		result.Success = true
	case NodeParallelGroup:
		var wg sync.WaitGroup
		members := make([]NodeResult, len(node.Members))
		for i, id := range node.Members {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				members[i] = x.executeNode(ctx, execCtx, x.Graph.Nodes[id])
			}(i, id)
		}
		wg.Wait()
		result.MemberResults = members
		result.Success = true
		for _, m := range members {
			if !m.Success {
				result.Success = false
			}
		}
	case NodeMerge:
		result.Success = true
	default:
		result.Error = fmt.Sprintf("unknown node kind %q", node.Kind)
	}
	return result
}

func safeEvaluate(fn func(map[string]any) string, execCtx map[string]any) (target string) {
	defer func() {
		if recover() != nil {
			target = ""
		}
	}()
	return fn(execCtx)
}

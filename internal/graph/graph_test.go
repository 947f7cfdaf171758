package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/swarmguard/flowctl/internal/model"
	"github.com/swarmguard/flowctl/internal/workflow"
)

func okInvoke(ctx context.Context, item model.Item) (model.AttemptOutcome, error) {
	return model.AttemptOutcome{OK: true}, nil
}

func phaseNode(id string) *Node {
	return &Node{ID: id, Kind: NodePhase, Phase: &workflow.PhaseConfig{ID: id, Items: []model.Item{{ID: id + "-item"}}}}
}

func TestPhaseThenBranchWalkInOrder(t *testing.T) {
	nodes := []*Node{
		phaseNode("p1"),
		{ID: "b1", Kind: NodeBranch, Branch: &workflow.BranchConfig{ID: "b1", Phases: []workflow.PhaseConfig{{ID: "bp1", Items: []model.Item{{ID: "bp1-item"}}}}}},
	}
	nodes[0].Edges = []Edge{{To: "b1"}}

	g, err := New("p1", nodes)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}

	x := &Executor{Workflow: &workflow.Executor{Invoke: okInvoke}, Graph: g}
	result := x.Run(context.Background(), nil)

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(result.ExecutionOrder) != 2 || result.ExecutionOrder[0] != "p1" || result.ExecutionOrder[1] != "b1" {
		t.Fatalf("expected order [p1 b1], got %v", result.ExecutionOrder)
	}
}

func TestConditionalNodePicksNamedEdge(t *testing.T) {
	nodes := []*Node{
		{ID: "cond", Kind: NodeConditional, Evaluate: func(execCtx map[string]any) string { return "right" },
			Edges: []Edge{{To: "left"}, {To: "right"}}},
		phaseNode("left"),
		phaseNode("right"),
	}

	g, err := New("cond", nodes)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	x := &Executor{Workflow: &workflow.Executor{Invoke: okInvoke}, Graph: g}
	result := x.Run(context.Background(), nil)

	if !result.Success || result.TerminatedEarly {
		t.Fatalf("expected clean success, got %+v", result)
	}
	if _, ran := result.NodeResults["right"]; !ran {
		t.Fatalf("expected right branch executed")
	}
	if _, ran := result.NodeResults["left"]; ran {
		t.Fatalf("expected left branch not executed")
	}
}

func TestConditionalNodeInvalidTargetTerminates(t *testing.T) {
	nodes := []*Node{
		{ID: "cond", Kind: NodeConditional, Evaluate: func(execCtx map[string]any) string { return "nowhere" },
			Edges: []Edge{{To: "left"}}},
		phaseNode("left"),
	}
	g, err := New("cond", nodes)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	x := &Executor{Workflow: &workflow.Executor{Invoke: okInvoke}, Graph: g}
	result := x.Run(context.Background(), nil)

	if !result.TerminatedEarly {
		t.Fatalf("expected terminated early, got %+v", result)
	}
	if result.TerminationReason == "" {
		t.Fatalf("expected a termination reason")
	}
}

func TestParallelGroupFailsIfAnyMemberFails(t *testing.T) {
	failInvoke := func(ctx context.Context, item model.Item) (model.AttemptOutcome, error) {
		if item.ID == "m2-item" {
			return model.AttemptOutcome{OK: false}, errBoom
		}
		return model.AttemptOutcome{OK: true}, nil
	}
	nodes := []*Node{
		{ID: "group", Kind: NodeParallelGroup, Members: []string{"m1", "m2"}},
		phaseNode("m1"),
		phaseNode("m2"),
	}
	g, err := New("group", nodes)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	x := &Executor{Workflow: &workflow.Executor{Invoke: failInvoke}, Graph: g}
	result := x.Run(context.Background(), nil)

	if result.Success {
		t.Fatalf("expected overall failure when a group member fails")
	}
	groupResult := result.NodeResults["group"]
	if groupResult.Success {
		t.Fatalf("expected group node to report failure")
	}
	if len(groupResult.MemberResults) != 2 {
		t.Fatalf("expected 2 member results, got %d", len(groupResult.MemberResults))
	}
}

func TestMergeWaitsForBothFanOutBranches(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	trackInvoke := func(ctx context.Context, item model.Item) (model.AttemptOutcome, error) {
		mu.Lock()
		seen = append(seen, item.ID)
		mu.Unlock()
		return model.AttemptOutcome{OK: true}, nil
	}

	nodes := []*Node{
		{ID: "start", Kind: NodePhase, Phase: &workflow.PhaseConfig{ID: "start", Items: []model.Item{{ID: "start-item"}}},
			Edges: []Edge{{To: "a"}, {To: "b"}}},
		phaseNode("a"),
		phaseNode("b"),
		{ID: "merge", Kind: NodeMerge, WaitFor: []string{"a", "b"}, Edges: []Edge{{To: "after"}}},
		phaseNode("after"),
	}
	nodes[1].Edges = []Edge{{To: "merge"}}
	nodes[2].Edges = []Edge{{To: "merge"}}

	g, err := New("start", nodes)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	x := &Executor{Workflow: &workflow.Executor{Invoke: trackInvoke}, Graph: g}
	result := x.Run(context.Background(), nil)

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	for _, id := range []string{"start", "a", "b", "merge", "after"} {
		if _, ran := result.NodeResults[id]; !ran {
			t.Fatalf("expected node %q to have run", id)
		}
	}
}

func TestNewRejectsCycles(t *testing.T) {
	nodes := []*Node{
		{ID: "a", Kind: NodePhase, Phase: &workflow.PhaseConfig{ID: "a"}, Edges: []Edge{{To: "b"}}},
		{ID: "b", Kind: NodePhase, Phase: &workflow.PhaseConfig{ID: "b"}, Edges: []Edge{{To: "a"}}},
	}
	if _, err := New("a", nodes); err == nil {
		t.Fatalf("expected cycle detection error")
	}
}

func TestNewRejectsUnknownEdgeTarget(t *testing.T) {
	nodes := []*Node{
		{ID: "a", Kind: NodePhase, Phase: &workflow.PhaseConfig{ID: "a"}, Edges: []Edge{{To: "missing"}}},
	}
	if _, err := New("a", nodes); err == nil {
		t.Fatalf("expected unknown-target validation error")
	}
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }

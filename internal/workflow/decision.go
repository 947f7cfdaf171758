package workflow

import "github.com/swarmguard/flowctl/internal/model"

// normalizeDecision maps the public model.Decision tagged union onto the
// controller's internal decisionKind. AddPhaseIDs is carried through
// separately since spec §4.5 treats "addPhases" as a modifier that can
// accompany any decision, not a distinct kind.
func normalizeDecision(d model.Decision) controllerDecision {
	cd := controllerDecision{AddPhaseIDs: d.AddPhaseIDs}
	switch d.Kind {
	case model.DecisionSkip:
		cd.Kind = decisionSkip
		cd.TargetPhaseID = d.TargetPhaseID
	case model.DecisionJump:
		cd.Kind = decisionJump
		cd.TargetPhaseID = d.TargetPhaseID
	case model.DecisionReplay:
		cd.Kind = decisionReplay
	case model.DecisionTerminate:
		cd.Kind = decisionTerminate
		cd.Reason = d.Reason
	default:
		cd.Kind = decisionContinue
	}
	return cd
}

package brain

import (
	"goa.design/acf/runtime/fabric/toolpolicy"
	"goa.design/acf/runtime/fabric/turn"
)

// DecisionInput captures what the default interrupt policy weighs. Engines
// with richer signals (intent similarity models, cost estimates) substitute
// their own policy; the fabric only consumes the resulting decision.
type DecisionInput struct {
	// PhasesDone and PhasesTotal locate the pipeline's progress.
	PhasesDone  int
	PhasesTotal int
	// SideEffects is the turn's ledger so far.
	SideEffects []turn.SideEffect
	// KeepableArtifacts reports whether pure phases produced artifacts
	// worth carrying into an extended window.
	KeepableArtifacts bool
	// SameTopic is the engine's estimate that the pending message continues
	// the current intent.
	SameTopic bool
	// DisallowSupersede is the agent policy override.
	DisallowSupersede bool
}

// DefaultDecision implements the stock interrupt policy. Rules apply in
// order; the first match wins:
//
//  1. Agent policy forbids superseding: FORCE_COMPLETE.
//  2. No side effects and under half the phases done: SUPERSEDE.
//  3. Keepable pure artifacts and the same topic: ABSORB.
//  4. Durable (idempotent or compensatable) effects on the ledger: QUEUE.
//  5. At most one phase remaining: FORCE_COMPLETE.
//  6. Otherwise SUPERSEDE when the ledger is clean, QUEUE when it is not.
func DefaultDecision(in DecisionInput) SupersedeDecision {
	if in.DisallowSupersede {
		return SupersedeDecision{
			Action:   ActionForceComplete,
			Strategy: "finish_phases",
			Reason:   "supersede disallowed by agent policy",
		}
	}
	var durable bool
	for _, se := range in.SideEffects {
		switch se.Policy {
		case toolpolicy.PolicyIdempotent, toolpolicy.PolicyCompensatable, toolpolicy.PolicyIrreversible:
			durable = true
		}
	}
	switch {
	case len(in.SideEffects) == 0 && in.PhasesDone*2 < in.PhasesTotal:
		return SupersedeDecision{
			Action:   ActionSupersede,
			Strategy: "forward_artifacts",
			Reason:   "no side effects and under half the pipeline done",
		}
	case in.KeepableArtifacts && in.SameTopic:
		return SupersedeDecision{
			Action:   ActionAbsorb,
			Strategy: "extend_window",
			Reason:   "same topic with reusable artifacts",
		}
	case durable:
		return SupersedeDecision{
			Action:   ActionQueue,
			Strategy: "park_message",
			Reason:   "durable side effects already committed",
		}
	case in.PhasesTotal-in.PhasesDone <= 1:
		return SupersedeDecision{
			Action:   ActionForceComplete,
			Strategy: "finish_phases",
			Reason:   "at most one phase remaining",
		}
	case len(in.SideEffects) == 0:
		return SupersedeDecision{
			Action:   ActionSupersede,
			Strategy: "forward_artifacts",
			Reason:   "ledger clean past midpoint",
		}
	default:
		return SupersedeDecision{
			Action:   ActionQueue,
			Strategy: "park_message",
			Reason:   "side effects present",
		}
	}
}

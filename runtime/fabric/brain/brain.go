// Package brain defines the contract between the fabric and the cognitive
// engine that runs turn pipelines.
//
// The fabric does not model the engine's internal phases. It hands the
// engine a turn, a snapshot of session state, the artifacts that survived
// from a superseded predecessor, and an interrupt probe; the engine answers
// with Completed or Interrupted. Everything else (models, rules, scenario
// graphs) lives behind the interface.
package brain

import (
	"context"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/accumulate"
	"goa.design/acf/runtime/fabric/outbound"
	"goa.design/acf/runtime/fabric/turn"
)

type (
	// Brain runs turn pipelines.
	//
	// Contract:
	// - ProcessTurn consults req.Probe at phase boundaries before any phase
	//   that produces non-PURE side effects. A pending interrupt turns into
	//   an Interrupted result carrying the last completed phase and a
	//   SupersedeDecision; the fabric acts on the decision.
	// - Implementations skip a phase when a reusable artifact's input and
	//   dependency fingerprints both still match, and mark it reused.
	// - Side effects executed during the pipeline are reported back on the
	//   result so the fabric can persist the ledger.
	Brain interface {
		ProcessTurn(ctx context.Context, req *Request) (TurnResult, error)
		// SummarizeForFollowup estimates how long to keep the accumulation
		// window open after absorbing a mid-pipeline interrupt.
		SummarizeForFollowup(ctx context.Context, req *Request) (*accumulate.Hint, error)
	}

	// Probe reports the interrupt messages pending on the turn. Empty means
	// proceed. The fabric guarantees the probe never surfaces interrupts
	// once an irreversible effect is on the ledger.
	Probe func(ctx context.Context) ([]fabric.Message, error)

	// Request carries one turn into the engine.
	Request struct {
		// Turn is the logical turn being processed.
		Turn *turn.LogicalTurn
		// Session is the read-only session view at PROCESSING entry.
		Session SessionSnapshot
		// Probe is the interrupt probe. Never nil.
		Probe Probe
		// ReusableArtifacts maps phase number to artifacts forwarded from a
		// superseded predecessor whose dependency fingerprints still hold.
		ReusableArtifacts map[int]turn.PhaseArtifact
		// DependencyFingerprint digests the config/ruleset/scenario/state
		// versions the pipeline runs under.
		DependencyFingerprint string
		// DisallowSupersede is set when agent policy forbids superseding;
		// decisions then fall back to FORCE_COMPLETE.
		DisallowSupersede bool
	}

	// SessionSnapshot is the engine's view of session state. It is a copy;
	// mutations flow back through the result, never through the snapshot.
	SessionSnapshot struct {
		Key                   fabric.SessionKey
		TenantID              fabric.TenantID
		AgentID               fabric.AgentID
		InterlocutorID        fabric.InterlocutorID
		Channel               fabric.ChannelKind
		ActiveScenarioID      string
		ActiveStepID          string
		ActiveScenarioVersion string
		Variables             map[string]any
		TurnCount             int
		ConfigVersion         string
		ContextSummary        string
	}

	// TurnResult is the outcome of ProcessTurn: *Completed or *Interrupted.
	TurnResult interface {
		turnResult()
	}

	// Completed reports a pipeline that ran to the end.
	Completed struct {
		// Response is the drafted reply.
		Response outbound.Draft
		// Transition is the scenario move to commit, when the pipeline
		// decided one.
		Transition *Transition
		// SideEffects lists the effects executed during the pipeline, in
		// execution order.
		SideEffects []turn.SideEffect
		// Artifacts maps phase number to the artifact each phase produced
		// or reused.
		Artifacts map[int]turn.PhaseArtifact
		// ReusedPhases marks phases skipped on forwarded artifacts.
		ReusedPhases map[int]bool
		// VariableUpdates are session variable writes to apply at commit.
		VariableUpdates map[string]any
		// RuleFires lists rules that fired, in order.
		RuleFires []string
		// NextTurnHint tunes the next turn's accumulation window.
		NextTurnHint *accumulate.Hint
		// TokensUsed totals model tokens consumed by the pipeline.
		TokensUsed int
	}

	// Interrupted reports a pipeline stopped at a phase boundary because
	// the probe surfaced pending messages.
	Interrupted struct {
		// LastPhase is the last fully completed phase.
		LastPhase int
		// Decision is the engine's recommendation for the pending message.
		Decision SupersedeDecision
		// InterruptMessageID is the message that triggered the interrupt.
		InterruptMessageID fabric.MessageID
		// Artifacts are the artifacts completed before the interrupt.
		Artifacts map[int]turn.PhaseArtifact
		// SideEffects lists effects already executed; the fabric persists
		// them even though the turn will not commit.
		SideEffects []turn.SideEffect
		// TokensUsed totals model tokens consumed before stopping.
		TokensUsed int
	}

	// Transition is one scenario step move.
	Transition struct {
		ScenarioID string
		StepID     string
		Version    string
		Reason     string
		Confidence float64
	}

	// SupersedeDecision is the engine's recommendation when interrupted.
	SupersedeDecision struct {
		// Action selects the fabric's handling of the pending message.
		Action Action
		// Strategy qualifies the action (forward_artifacts, extend_window,
		// park_message, finish_phases).
		Strategy string
		// Reason is a human-readable justification for the audit trail.
		Reason string
	}

	// Action enumerates interrupt handling choices.
	Action string
)

const (
	// ActionSupersede abandons the turn and spawns a successor inheriting
	// its group and messages.
	ActionSupersede Action = "SUPERSEDE"
	// ActionAbsorb appends the pending message and re-enters accumulation.
	ActionAbsorb Action = "ABSORB"
	// ActionQueue parks the pending message for a fresh turn after commit.
	ActionQueue Action = "QUEUE"
	// ActionForceComplete ignores the interrupt and finishes the pipeline.
	ActionForceComplete Action = "FORCE_COMPLETE"
)

func (*Completed) turnResult()   {}
func (*Interrupted) turnResult() {}

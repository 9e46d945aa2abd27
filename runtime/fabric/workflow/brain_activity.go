package workflow

import (
	"context"
	"fmt"
	"maps"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/api"
	"goa.design/acf/runtime/fabric/brain"
	"goa.design/acf/runtime/fabric/hooks"
	"goa.design/acf/runtime/fabric/session"
	"goa.design/acf/runtime/fabric/turn"
)

// ProcessBrainActivity runs one pipeline pass over the promoted turn. The
// activity reconstructs what cannot cross the workflow boundary: it loads the
// turn and session, rebuilds the interrupt probe against the turn store,
// filters forwarded artifacts by the current dependency fingerprint and hands
// everything to the registered Brain.
//
// Results are persisted before they return to the workflow. Artifacts and the
// side-effect ledger land on the turn row fenced by the workflow's token, so
// a successor can reuse phases and the compensation path can walk the ledger
// even if the workflow dies right after the pipeline. Interrupt outcomes are
// gated here: the irreversibility barrier and the agent-level supersede gate
// both degrade the Brain's recommendation before the workflow acts on it.
func (r *Runtime) ProcessBrainActivity(ctx context.Context, in *api.BrainActivityInput) (*api.BrainActivityOutput, error) {
	t, err := r.Turns.Get(ctx, in.TurnID)
	if err != nil {
		return nil, fmt.Errorf("process turn %s: %w", in.TurnID, err)
	}
	sess, err := r.loadOrCreateSession(ctx, in.SessionKey, r.now())
	if err != nil {
		return nil, err
	}

	depFP := dependencyFingerprint(sess)
	req := &brain.Request{
		Turn:                  t,
		Session:               snapshotSession(sess),
		Probe:                 r.probeFor(in),
		ReusableArtifacts:     turn.ReusableArtifacts(t.Artifacts, depFP),
		DependencyFingerprint: depFP,
		DisallowSupersede:     in.DisallowSupersede,
	}

	started := r.now()
	result, err := r.Brain.ProcessTurn(ctx, req)
	if err != nil {
		r.metrics.IncCounter("acf.brain.errors", 1, "session", string(in.SessionKey))
		return nil, fmt.Errorf("brain process turn %s: %w", in.TurnID, err)
	}
	r.metrics.RecordTimer("acf.brain.duration", r.now().Sub(started), "session", string(in.SessionKey))

	switch res := result.(type) {
	case *brain.Completed:
		res.SideEffects = r.normalizeEffects(sess.AgentID, res.SideEffects)
		if err := r.persistPipelineRun(ctx, in, res.Artifacts, res.SideEffects, nil); err != nil {
			return nil, err
		}
		return &api.BrainActivityOutput{Outcome: api.BrainOutcomeCompleted, Completed: res}, nil

	case *brain.Interrupted:
		res.SideEffects = r.normalizeEffects(sess.AgentID, res.SideEffects)
		res.Decision = r.gateDecision(ctx, t, res, in.DisallowSupersede)
		rec := &turn.InterruptRecord{
			Phase:     res.LastPhase,
			MessageID: res.InterruptMessageID,
			Action:    string(res.Decision.Action),
			Strategy:  res.Decision.Strategy,
			Reason:    res.Decision.Reason,
			At:        r.now(),
		}
		if err := r.persistPipelineRun(ctx, in, res.Artifacts, res.SideEffects, rec); err != nil {
			return nil, err
		}
		r.publishHook(ctx, hooks.NewTurnInterruptedEvent(in.SessionKey, in.TurnID, res.LastPhase, res.InterruptMessageID, res.Decision.Action))
		r.metrics.IncCounter("acf.turn.interrupted", 1, "action", string(res.Decision.Action))
		r.logger.Info(ctx, "pipeline interrupted",
			"turn_id", in.TurnID, "phase", res.LastPhase,
			"action", res.Decision.Action, "reason", res.Decision.Reason)
		return &api.BrainActivityOutput{Outcome: api.BrainOutcomeInterrupted, Interrupted: res}, nil

	default:
		return nil, fmt.Errorf("brain returned unknown result type %T", result)
	}
}

// probeFor rebuilds the checkpoint probe for one pipeline pass. The probe
// re-reads the turn so interrupts recorded after the pass started stay
// visible, and reports nothing once the ledger holds an irreversible effect:
// past that barrier the turn cannot yield.
func (r *Runtime) probeFor(in *api.BrainActivityInput) brain.Probe {
	if in.IgnoreInterrupts {
		return func(context.Context) ([]fabric.Message, error) { return nil, nil }
	}
	id := in.TurnID
	return func(ctx context.Context) ([]fabric.Message, error) {
		t, err := r.Turns.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if turn.HasIrreversible(t.SideEffects) {
			return nil, nil
		}
		return t.PendingInterrupts, nil
	}
}

// normalizeEffects re-resolves every reported effect's policy through the
// registry. The Brain's own classification is advisory; an undeclared tool
// resolves IRREVERSIBLE so a missing declaration can never weaken the
// barrier.
func (r *Runtime) normalizeEffects(agent fabric.AgentID, effects []turn.SideEffect) []turn.SideEffect {
	if len(effects) == 0 {
		return nil
	}
	out := make([]turn.SideEffect, len(effects))
	for i, se := range effects {
		pol, declared := r.Policies.Resolve(agent, se.Tool)
		se.Policy = pol
		se.Declared = declared
		out[i] = se
	}
	return out
}

// gateDecision applies the fabric's safety rails to the Brain's interrupt
// recommendation. A missing decision and any supersede or absorb past the
// irreversibility barrier degrade to QUEUE; a supersede against an agent that
// disallows it degrades to QUEUE as well.
func (r *Runtime) gateDecision(ctx context.Context, t *turn.LogicalTurn, res *brain.Interrupted, disallowSupersede bool) brain.SupersedeDecision {
	dec := res.Decision
	if dec.Action == "" {
		dec = brain.SupersedeDecision{
			Action:   brain.ActionQueue,
			Strategy: "park_message",
			Reason:   "engine returned no decision",
		}
	}

	effects := make([]turn.SideEffect, 0, len(t.SideEffects)+len(res.SideEffects))
	effects = append(effects, t.SideEffects...)
	effects = append(effects, res.SideEffects...)
	if turn.HasIrreversible(effects) && (dec.Action == brain.ActionSupersede || dec.Action == brain.ActionAbsorb) {
		r.logger.Info(ctx, "interrupt decision blocked by irreversible effect",
			"turn_id", t.ID, "requested", dec.Action)
		return brain.SupersedeDecision{
			Action:   brain.ActionQueue,
			Strategy: "park_message",
			Reason:   "irreversible side effect on ledger",
		}
	}
	if disallowSupersede && dec.Action == brain.ActionSupersede {
		return brain.SupersedeDecision{
			Action:   brain.ActionQueue,
			Strategy: "park_message",
			Reason:   "supersede disallowed by agent policy",
		}
	}
	return dec
}

// persistPipelineRun folds one pass's artifacts, effects and interrupt record
// onto the turn row, fenced by the workflow's token.
func (r *Runtime) persistPipelineRun(ctx context.Context, in *api.BrainActivityInput, artifacts map[int]turn.PhaseArtifact, effects []turn.SideEffect, rec *turn.InterruptRecord) error {
	t, err := r.Turns.Get(ctx, in.TurnID)
	if err != nil {
		return fmt.Errorf("persist pipeline run for %s: %w", in.TurnID, err)
	}
	if len(artifacts) > 0 && t.Artifacts == nil {
		t.Artifacts = make(map[int]turn.PhaseArtifact, len(artifacts))
	}
	for phase, a := range artifacts {
		t.Artifacts[phase] = a
	}
	for _, se := range effects {
		t.RecordSideEffect(se)
	}
	if rec != nil {
		t.InterruptHistory = append(t.InterruptHistory, *rec)
	}
	t.FencingToken = in.Token
	t.UpdatedAt = r.now()
	if err := r.Turns.Save(ctx, t); err != nil {
		return fmt.Errorf("persist pipeline run for %s: %w", in.TurnID, err)
	}
	return nil
}

// snapshotSession projects the session fields the Brain may read. The
// variable map is copied; mutations flow back through the result only.
func snapshotSession(s *session.Session) brain.SessionSnapshot {
	return brain.SessionSnapshot{
		Key:                   s.Key,
		TenantID:              s.TenantID,
		AgentID:               s.AgentID,
		InterlocutorID:        s.InterlocutorID,
		Channel:               s.Channel,
		ActiveScenarioID:      s.ActiveScenarioID,
		ActiveStepID:          s.ActiveStepID,
		ActiveScenarioVersion: s.ActiveScenarioVersion,
		Variables:             maps.Clone(s.Variables),
		TurnCount:             s.TurnCount,
		ConfigVersion:         s.ConfigVersion,
		ContextSummary:        s.ContextSummary,
	}
}

// dependencyFingerprint derives the artifact dependency coordinates from
// session state: config version, scenario, scenario version and step. An
// artifact forwarded across a supersede is reusable only while all four
// hold.
func dependencyFingerprint(s *session.Session) string {
	return turn.DependencyFingerprint(s.ConfigVersion, s.ActiveScenarioID, s.ActiveScenarioVersion, s.ActiveStepID)
}

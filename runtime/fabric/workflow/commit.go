package workflow

// Commit and compensation: the two terminal activities of a turn.
//
// Commit ordering:
//  1. Claim the commit idempotency key. A completed claim replays the stored
//     envelope and touches nothing else; a live-but-unfinished claim means a
//     previous attempt died mid-commit and the fenced writes below re-run.
//  2. Apply session updates (turn count, scenario move, variables, rule
//     fires, next-turn hint, cadence) guarded by the LastCommittedTurn
//     watermark so a re-run never double-applies them.
//  3. Mark the turn COMPLETE, releasing the session's active slot.
//  4. Append the audit record (sinks upsert by turn ID).
//  5. Dispatch the outbound envelope, then complete the commit claim and
//     write the beat and per-message aliases the gateway dedups against.
//
// Steps 2-5 are individually idempotent, so the sequence converges under
// retries even though it is not one transaction.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/api"
	"goa.design/acf/runtime/fabric/audit"
	"goa.design/acf/runtime/fabric/brain"
	"goa.design/acf/runtime/fabric/hooks"
	"goa.design/acf/runtime/fabric/idempotency"
	"goa.design/acf/runtime/fabric/lock"
	"goa.design/acf/runtime/fabric/outbound"
	"goa.design/acf/runtime/fabric/session"
	"goa.design/acf/runtime/fabric/turn"
)

// CommitTurnActivity finalizes a completed turn: exactly one response per
// turn group reaches the channel adapters inside the dedup window.
func (r *Runtime) CommitTurnActivity(ctx context.Context, in *api.CommitActivityInput) (*api.CommitActivityOutput, error) {
	if in.Result == nil {
		return nil, errors.New("commit requires a completed pipeline result")
	}

	key := idempotency.CommitKey(in.SessionKey, in.GroupID, in.TurnID)
	claim, err := r.Idempotency.TryRecord(ctx, key, commitPayloadHash(in), idempotency.DefaultBeatTTL)
	if err != nil {
		return nil, fmt.Errorf("claim commit for %s: %w", in.TurnID, err)
	}
	if !claim.Fresh && claim.Done {
		var env outbound.Envelope
		if err := json.Unmarshal(claim.Value, &env); err != nil {
			return nil, fmt.Errorf("decode committed envelope for %s: %w", in.TurnID, err)
		}
		r.metrics.IncCounter("acf.commit.deduplicated", 1, "session", string(in.SessionKey))
		return &api.CommitActivityOutput{Envelope: &env, Deduplicated: true}, nil
	}

	t, err := r.Turns.Get(ctx, in.TurnID)
	if err != nil {
		return nil, fmt.Errorf("commit turn %s: %w", in.TurnID, err)
	}
	now := r.now()
	sess, err := r.loadOrCreateSession(ctx, in.SessionKey, now)
	if err != nil {
		return nil, err
	}

	if sess.LastCommittedTurn != in.TurnID {
		sess.TurnCount++
		sess.LastCommittedTurn = in.TurnID
		if tr := in.Result.Transition; tr != nil {
			sess.EnterStep(tr.ScenarioID, tr.StepID, tr.Version, tr.Reason, tr.Confidence, now)
		}
		for name, value := range in.Result.VariableUpdates {
			sess.SetVariable(name, value, now)
		}
		for _, rule := range in.Result.RuleFires {
			sess.RecordRuleFire(rule)
		}
		sess.NextTurnHint = in.Result.NextTurnHint
		sess.CadenceP95 = blendCadence(sess.CadenceP95, t)
		sess.Status = session.StatusActive
		sess.FencingToken = in.Token
		sess.Touch(now)
		if err := r.Sessions.Save(ctx, sess); err != nil {
			return nil, fmt.Errorf("commit session %s: %w", in.SessionKey, err)
		}
	}

	if !t.Status.Terminal() {
		t.Status = turn.StatusComplete
		t.FencingToken = in.Token
		t.UpdatedAt = now
		if err := r.Turns.Save(ctx, t); err != nil {
			return nil, fmt.Errorf("commit turn %s: %w", in.TurnID, err)
		}
	}

	rec := r.buildTurnRecord(t, sess, in.Result.ReusedPhases, in.TokensUsed, now)
	if err := r.Audit.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("append audit record for %s: %w", in.TurnID, err)
	}

	env := outbound.NewEnvelope(in.SessionKey, in.TurnID, in.GroupID, in.Result.Response)
	if err := r.Dispatcher.Dispatch(ctx, env); err != nil {
		return nil, fmt.Errorf("dispatch envelope for %s: %w", in.TurnID, err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope for %s: %w", in.TurnID, err)
	}
	if err := r.Idempotency.Complete(ctx, key, raw); err != nil {
		// The claim stays unfinished; a retried commit re-runs the fenced
		// writes above, which converge.
		r.logger.Warn(ctx, "commit claim completion failed", "turn_id", in.TurnID, "err", err)
	}
	r.recordBeatAliases(ctx, t, raw)

	r.publishHook(ctx, hooks.NewTurnCommittedEvent(in.SessionKey, in.TurnID, in.GroupID, len(env.Segments), in.TokensUsed, rec.LatencyMS))
	r.metrics.IncCounter("acf.turn.committed", 1, "session", string(in.SessionKey))
	r.metrics.RecordTimer("acf.turn.latency", time.Duration(rec.LatencyMS)*time.Millisecond, "session", string(in.SessionKey))
	r.logger.Info(ctx, "turn committed",
		"session", in.SessionKey, "turn_id", in.TurnID, "group_id", in.GroupID,
		"segments", len(env.Segments), "latency_ms", rec.LatencyMS)
	return &api.CommitActivityOutput{Envelope: env}, nil
}

// CompensateTurnActivity unwinds a failed turn: compensatable ledger entries
// run in reverse execution order, the turn terminates with an error reason,
// the session leaves PROCESSING, and the terminal audit record is appended.
// Compensation is best effort; individual failures are logged and counted,
// never fatal, because the workflow is already on its way out.
func (r *Runtime) CompensateTurnActivity(ctx context.Context, in *api.CompensateActivityInput) (*api.CompensateActivityOutput, error) {
	t, err := r.Turns.Get(ctx, in.TurnID)
	if errors.Is(err, turn.ErrNotFound) {
		return &api.CompensateActivityOutput{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("compensate turn %s: %w", in.TurnID, err)
	}
	if t.Status == turn.StatusComplete {
		// Committed turns are never unwound.
		return &api.CompensateActivityOutput{}, nil
	}

	now := r.now()
	compensated := 0
	for _, se := range turn.Compensatable(t.SideEffects) {
		if r.Compensator == nil {
			r.logger.Warn(ctx, "no compensator configured, effect left in place",
				"turn_id", t.ID, "tool", se.Tool, "ref", se.CompensationRef)
			continue
		}
		if cerr := r.Compensator.Compensate(ctx, in.SessionKey, se); cerr != nil {
			r.logger.Error(ctx, "compensation failed",
				"turn_id", t.ID, "tool", se.Tool, "ref", se.CompensationRef, "err", cerr)
			r.metrics.IncCounter("acf.compensate.failed", 1, "tool", se.Tool)
			continue
		}
		compensated++
	}

	if !t.Status.Terminal() {
		t.Status = turn.StatusSuperseded
		t.CompletionReason = turn.ReasonError
		t.FencingToken = in.Token
		t.UpdatedAt = now
		if serr := r.Turns.Save(ctx, t); serr != nil && !errors.Is(serr, lock.ErrFencingViolation) {
			return nil, fmt.Errorf("terminate turn %s: %w", in.TurnID, serr)
		}
		// A fencing violation means a newer holder already repaired the
		// session; its turn owns the slot now.
	}

	if sess, serr := r.Sessions.Get(ctx, in.SessionKey); serr == nil && sess.Status == session.StatusProcessing {
		sess.Status = session.StatusActive
		sess.FencingToken = in.Token
		sess.Touch(now)
		if serr := r.Sessions.Save(ctx, sess); serr != nil {
			r.logger.Warn(ctx, "session status reset failed", "session", in.SessionKey, "err", serr)
		}
	}

	if aerr := r.Audit.Append(ctx, r.buildTurnRecord(t, nil, nil, 0, now)); aerr != nil {
		r.logger.Error(ctx, "terminal audit append failed", "turn_id", t.ID, "err", aerr)
	}
	r.publishHook(ctx, hooks.NewTurnFailedEvent(in.SessionKey, in.TurnID, in.Reason, compensated))
	r.metrics.IncCounter("acf.turn.failed", 1, "session", string(in.SessionKey))
	r.logger.Warn(ctx, "turn failed",
		"session", in.SessionKey, "turn_id", in.TurnID, "reason", in.Reason, "compensated", compensated)
	return &api.CompensateActivityOutput{Compensated: compensated}, nil
}

// recordBeatAliases claims and completes the beat-set key and one alias per
// absorbed message so gateway dedup answers resubmissions with the committed
// envelope. Best effort: a lost alias only costs one duplicate pipeline run
// inside the beat window.
func (r *Runtime) recordBeatAliases(ctx context.Context, t *turn.LogicalTurn, envelope []byte) {
	tenant := t.SessionKey.Tenant()
	type alias struct {
		key  idempotency.Key
		hash string
	}
	aliases := make([]alias, 0, len(t.Messages)+1)
	aliases = append(aliases, alias{idempotency.BeatKey(tenant, t.Messages), idempotency.BeatPayloadHash(t.Messages)})
	for _, m := range t.Messages {
		aliases = append(aliases, alias{idempotency.MessageKey(tenant, m.ID), idempotency.MessagePayloadHash(m)})
	}
	for _, a := range aliases {
		if _, err := r.Idempotency.TryRecord(ctx, a.key, a.hash, idempotency.DefaultBeatTTL); err != nil {
			if !errors.Is(err, idempotency.ErrPayloadMismatch) {
				r.logger.Warn(ctx, "beat alias claim failed", "key", a.key.String(), "err", err)
			}
			continue
		}
		if err := r.Idempotency.Complete(ctx, a.key, envelope); err != nil {
			r.logger.Warn(ctx, "beat alias completion failed", "key", a.key.String(), "err", err)
		}
	}
}

// buildTurnRecord projects a terminal turn onto its audit record. sess may be
// nil on failure paths; reused marks phases served from forwarded artifacts.
func (r *Runtime) buildTurnRecord(t *turn.LogicalTurn, sess *session.Session, reused map[int]bool, tokensUsed int, now time.Time) *audit.TurnRecord {
	rec := &audit.TurnRecord{
		TurnID:            t.ID,
		BeatID:            t.ID,
		TurnGroupID:       t.GroupID,
		SessionKey:        t.SessionKey,
		TenantID:          t.SessionKey.Tenant(),
		Status:            t.Status,
		CompletionReason:  t.CompletionReason,
		MessageSequence:   t.MessageIDs(),
		SupersededBy:      t.SupersededBy,
		Interruptions:     interruptionsFromHistory(t.InterruptHistory),
		ArtifactSummaries: turn.SummarizeArtifacts(t.Artifacts, reused),
		SideEffects:       append([]turn.SideEffect(nil), t.SideEffects...),
		TokensUsed:        tokensUsed,
		RecordedAt:        now,
	}
	if !t.FirstAt.IsZero() {
		rec.LatencyMS = now.Sub(t.FirstAt).Milliseconds()
	}
	if t.ScenarioAtStart != nil {
		rec.ScenarioBefore = *t.ScenarioAtStart
	}
	if sess != nil {
		rec.ScenarioAfter = turn.ScenarioRef{
			ScenarioID: sess.ActiveScenarioID,
			StepID:     sess.ActiveStepID,
			Version:    sess.ActiveScenarioVersion,
		}
	}
	return rec
}

func interruptionsFromHistory(history []turn.InterruptRecord) []audit.Interruption {
	if len(history) == 0 {
		return nil
	}
	out := make([]audit.Interruption, len(history))
	for i, rec := range history {
		out[i] = audit.Interruption{
			Phase:     rec.Phase,
			MessageID: rec.MessageID,
			Action:    brain.Action(rec.Action),
			Strategy:  rec.Strategy,
			Reason:    rec.Reason,
			At:        rec.At,
		}
	}
	return out
}

// commitPayloadHash digests what the commit would publish. Retries of the
// same commit carry the same digest; anything else on the same key is a
// conflict.
func commitPayloadHash(in *api.CommitActivityInput) string {
	parts := make([]string, 0, len(in.Result.Response.Segments)+1)
	parts = append(parts, string(in.TurnID))
	parts = append(parts, in.Result.Response.Segments...)
	return fabric.Fingerprint(parts...)
}

// blendCadence folds the turn's observed message gaps into the session's
// cadence estimate with an equal-weight moving blend. Single-message turns
// leave the estimate unchanged.
func blendCadence(current time.Duration, t *turn.LogicalTurn) time.Duration {
	n := len(t.Messages)
	if n < 2 {
		return current
	}
	span := t.LastAt.Sub(t.FirstAt)
	if span <= 0 {
		return current
	}
	observed := span / time.Duration(n-1)
	if current <= 0 {
		return observed
	}
	return (current + observed) / 2
}

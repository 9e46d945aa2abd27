package workflow

// Activity handlers for the turn workflow. All store and lock I/O of the
// workflow happens here so the engine can record results and replay them.
//
// Contract:
// - Every handler is idempotent: engine retries and workflow replays may run
//   a handler again with the same input, and the second run must converge on
//   the first one's outcome.
// - Every turn and session write carries the workflow's fencing token. A
//   lock.ErrFencingViolation means a newer lock holder took the session over;
//   handlers propagate it so the workflow stops writing.
// - Handlers return wrapped store errors rather than inventing their own
//   failure vocabulary.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/accumulate"
	"goa.design/acf/runtime/fabric/api"
	"goa.design/acf/runtime/fabric/brain"
	"goa.design/acf/runtime/fabric/engine"
	"goa.design/acf/runtime/fabric/hooks"
	"goa.design/acf/runtime/fabric/lock"
	"goa.design/acf/runtime/fabric/session"
	"goa.design/acf/runtime/fabric/turn"
)

// AcquireLockActivity blocks for the session lock and returns the fencing
// token. When the blocking timeout elapses the carried messages are handed to
// whoever holds the session (signal the incumbent workflow, else park), so a
// lost acquire race never loses user input.
func (r *Runtime) AcquireLockActivity(ctx context.Context, in *api.LockActivityInput) (*api.LockActivityOutput, error) {
	ttl := in.LeaseTTL
	if ttl <= 0 {
		ttl = r.leaseTTL
	}
	block := in.BlockTimeout
	if block <= 0 {
		block = r.acquireTimeout
	}
	lease, err := r.Mutex.Acquire(ctx, in.SessionKey, lock.AcquireOptions{LeaseTTL: ttl, BlockTimeout: block})
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			r.handOffToIncumbent(ctx, in.SessionKey, in.Messages)
			r.metrics.IncCounter("acf.lock.acquire_timeout", 1, "session", string(in.SessionKey))
		}
		return nil, fmt.Errorf("acquire lock for %s: %w", in.SessionKey, err)
	}
	r.logger.Debug(ctx, "session lock acquired",
		"session", in.SessionKey, "workflow_id", in.WorkflowID, "token", lease.Token())
	return &api.LockActivityOutput{Token: lease.Token()}, nil
}

// RenewLockActivity extends the held lease. A failed renewal is fatal to the
// workflow: the lease is gone and every further fenced write would lose.
func (r *Runtime) RenewLockActivity(ctx context.Context, in *api.LockActivityInput) (*api.LockActivityOutput, error) {
	ttl := in.LeaseTTL
	if ttl <= 0 {
		ttl = r.leaseTTL
	}
	if err := r.Mutex.Renew(ctx, in.SessionKey, in.Token, ttl); err != nil {
		return nil, fmt.Errorf("renew lease for %s: %w", in.SessionKey, err)
	}
	return &api.LockActivityOutput{Token: in.Token}, nil
}

// ReleaseLockActivity frees the session lock. Releasing an already lost lease
// succeeds; the lock is free either way.
func (r *Runtime) ReleaseLockActivity(ctx context.Context, in *api.LockActivityInput) (*api.LockActivityOutput, error) {
	if err := r.Mutex.Release(ctx, in.SessionKey, in.Token); err != nil {
		return nil, fmt.Errorf("release lock for %s: %w", in.SessionKey, err)
	}
	return &api.LockActivityOutput{Token: in.Token}, nil
}

// handOffToIncumbent forwards messages to the current session owner: the
// active turn's workflow when one is running, the overflow queue otherwise.
// Best effort; failures are logged and the messages stay with the caller's
// durable input.
func (r *Runtime) handOffToIncumbent(ctx context.Context, key fabric.SessionKey, msgs []fabric.Message) {
	if len(msgs) == 0 {
		return
	}
	if active, err := r.Turns.ActiveTurn(ctx, key); err == nil && active.WorkflowID != "" && r.Signaler != nil {
		delivered := true
		for _, m := range msgs {
			if err := r.Signaler.SignalByID(ctx, active.WorkflowID, "", api.SignalNewMessage, api.MessageSignal{Message: m}); err != nil {
				delivered = false
				break
			}
		}
		if delivered {
			return
		}
	}
	limit := r.overflowLimit(key)
	for _, m := range msgs {
		if _, err := r.Turns.ParkOverflow(ctx, key, m, limit); err != nil {
			r.logger.Error(ctx, "incumbent handoff park failed",
				"session", key, "msg_id", m.ID, "err", err)
		}
	}
}

// AdoptTurnActivity binds the workflow to its turn. With a turn ID the
// gateway already created the row and adopt just stamps the workflow identity
// and token on it; a terminal row is returned untouched so the workflow can
// exit without running a turn that was superseded while it waited on the
// lock. Without a turn ID the workflow is a repair execution: it supersedes
// whatever stale active turn a dead predecessor left, or creates a fresh turn
// from the carried message.
func (r *Runtime) AdoptTurnActivity(ctx context.Context, in *api.TurnActivityInput) (*api.TurnActivityOutput, error) {
	now := r.now()
	if in.TurnID != "" {
		t, err := r.Turns.Get(ctx, in.TurnID)
		if err != nil {
			return nil, fmt.Errorf("adopt turn %s: %w", in.TurnID, err)
		}
		if t.Status.Terminal() {
			return &api.TurnActivityOutput{Turn: t}, nil
		}
		t.WorkflowID = in.WorkflowID
		t.FencingToken = in.Token
		t.UpdatedAt = now
		if err := r.Turns.Save(ctx, t); err != nil {
			return nil, fmt.Errorf("adopt turn %s: %w", in.TurnID, err)
		}
		return &api.TurnActivityOutput{Turn: t}, nil
	}

	stale, err := r.Turns.ActiveTurn(ctx, in.SessionKey)
	switch {
	case err == nil:
		succ, rerr := r.repairStaleTurn(ctx, stale, in, now)
		if rerr != nil {
			return nil, rerr
		}
		return &api.TurnActivityOutput{Turn: succ}, nil
	case errors.Is(err, turn.ErrNotFound):
		t, cerr := r.createFreshTurn(ctx, in, now)
		if cerr != nil {
			return nil, cerr
		}
		return &api.TurnActivityOutput{Turn: t}, nil
	default:
		return nil, fmt.Errorf("adopt active turn for %s: %w", in.SessionKey, err)
	}
}

// repairStaleTurn supersedes the non-terminal turn a dead workflow left
// behind. The successor inherits the group, messages and reusable artifacts;
// the stale turn terminates with an error reason and gets its audit record.
func (r *Runtime) repairStaleTurn(ctx context.Context, stale *turn.LogicalTurn, in *api.TurnActivityInput, now time.Time) (*turn.LogicalTurn, error) {
	depFP := ""
	if sess, err := r.Sessions.Get(ctx, in.SessionKey); err == nil {
		depFP = dependencyFingerprint(sess)
	}
	succ := stale.NewSuccessor(fabric.TurnID(uuid.NewString()), depFP, now)
	if in.Message != nil && !containsMessage(succ, in.Message.ID) {
		succ.AppendMessage(*in.Message)
	}
	succ.WorkflowID = in.WorkflowID
	succ.FencingToken = in.Token

	stale.Status = turn.StatusSuperseded
	stale.CompletionReason = turn.ReasonError
	stale.FencingToken = in.Token
	stale.UpdatedAt = now
	if err := r.Turns.Supersede(ctx, stale, succ); err != nil {
		return nil, fmt.Errorf("repair stale turn %s: %w", stale.ID, err)
	}

	if err := r.Audit.Append(ctx, r.buildTurnRecord(stale, nil, nil, 0, now)); err != nil {
		r.logger.Error(ctx, "stale turn audit append failed", "turn_id", stale.ID, "err", err)
	}
	r.publishHook(ctx, hooks.NewTurnSupersededEvent(in.SessionKey, stale.ID, succ.ID, "stale turn repair"))
	r.metrics.IncCounter("acf.turn.repaired", 1, "session", string(in.SessionKey))
	r.logger.Info(ctx, "stale turn repaired",
		"session", in.SessionKey, "stale_turn", stale.ID, "successor", succ.ID)
	return succ, nil
}

func (r *Runtime) createFreshTurn(ctx context.Context, in *api.TurnActivityInput, now time.Time) (*turn.LogicalTurn, error) {
	if in.Message == nil {
		return nil, fmt.Errorf("adopt for %s: no active turn and no message to open one", in.SessionKey)
	}
	t := &turn.LogicalTurn{
		ID:           fabric.TurnID(uuid.NewString()),
		SessionKey:   in.SessionKey,
		GroupID:      fabric.TurnGroupID(uuid.NewString()),
		Status:       turn.StatusAccumulating,
		WorkflowID:   in.WorkflowID,
		FencingToken: in.Token,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	t.AppendMessage(*in.Message)
	if err := r.Turns.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create turn for %s: %w", in.SessionKey, err)
	}
	return t, nil
}

// AppendTurnActivity absorbs a message into the accumulating turn. Appending
// a message the turn already carries is a no-op, which makes signal redelivery
// and activity retries safe.
func (r *Runtime) AppendTurnActivity(ctx context.Context, in *api.TurnActivityInput) (*api.TurnActivityOutput, error) {
	if in.Message == nil {
		return nil, errors.New("append requires a message")
	}
	t, err := r.Turns.Get(ctx, in.TurnID)
	if err != nil {
		return nil, fmt.Errorf("append to turn %s: %w", in.TurnID, err)
	}
	if t.Status != turn.StatusAccumulating {
		return nil, fmt.Errorf("append to %s turn %s: %w", t.Status, t.ID, turn.ErrTurnConflict)
	}
	if !containsMessage(t, in.Message.ID) {
		t.AppendMessage(*in.Message)
	}
	t.FencingToken = in.Token
	t.UpdatedAt = r.now()
	if err := r.Turns.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("append to turn %s: %w", in.TurnID, err)
	}
	return &api.TurnActivityOutput{Turn: t}, nil
}

// PromoteTurnActivity closes accumulation: the turn moves to PROCESSING with
// the close reason and confidence, the session is flagged busy, and the
// scenario position at pipeline entry is pinned for the audit record.
func (r *Runtime) PromoteTurnActivity(ctx context.Context, in *api.TurnActivityInput) (*api.TurnActivityOutput, error) {
	t, err := r.Turns.Get(ctx, in.TurnID)
	if err != nil {
		return nil, fmt.Errorf("promote turn %s: %w", in.TurnID, err)
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("promote %s turn %s: %w", t.Status, t.ID, turn.ErrTurnConflict)
	}
	now := r.now()
	sess, err := r.loadOrCreateSession(ctx, in.SessionKey, now)
	if err != nil {
		return nil, err
	}

	t.Status = turn.StatusProcessing
	t.CompletionReason = in.Reason
	t.CompletionConfidence = in.Confidence
	if t.ScenarioAtStart == nil {
		t.ScenarioAtStart = &turn.ScenarioRef{
			ScenarioID: sess.ActiveScenarioID,
			StepID:     sess.ActiveStepID,
			Version:    sess.ActiveScenarioVersion,
		}
	}
	t.FencingToken = in.Token
	t.UpdatedAt = now
	if err := r.Turns.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("promote turn %s: %w", in.TurnID, err)
	}

	sess.Status = session.StatusProcessing
	sess.FencingToken = in.Token
	sess.Touch(now)
	if err := r.Sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("promote session %s: %w", in.SessionKey, err)
	}

	r.publishHook(ctx, hooks.NewTurnPromotedEvent(in.SessionKey, t.ID, t.GroupID, in.Reason, len(t.Messages)))
	r.metrics.IncCounter("acf.turn.promoted", 1, "reason", string(in.Reason))
	if !t.FirstAt.IsZero() {
		r.metrics.RecordTimer("acf.turn.accumulation", now.Sub(t.FirstAt), "session", string(in.SessionKey))
	}
	return &api.TurnActivityOutput{Turn: t}, nil
}

// ParkTurnActivity pushes a message onto the session's bounded overflow
// queue. A full queue drops the message and reports Parked false rather than
// failing the workflow.
func (r *Runtime) ParkTurnActivity(ctx context.Context, in *api.TurnActivityInput) (*api.TurnActivityOutput, error) {
	if in.Message == nil {
		return nil, errors.New("park requires a message")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = r.overflowLimit(in.SessionKey)
	}
	depth, err := r.Turns.ParkOverflow(ctx, in.SessionKey, *in.Message, limit)
	if errors.Is(err, turn.ErrQueueFull) {
		r.logger.Warn(ctx, "overflow queue full, message dropped",
			"session", in.SessionKey, "msg_id", in.Message.ID, "limit", limit)
		r.metrics.IncCounter("acf.turn.overflow_dropped", 1, "session", string(in.SessionKey))
		return &api.TurnActivityOutput{Parked: false, Depth: depth}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("park message for %s: %w", in.SessionKey, err)
	}
	return &api.TurnActivityOutput{Parked: true, Depth: depth}, nil
}

// DrainTurnActivity pops parked messages after commit and shapes them into a
// successor turn with a fresh group: queued messages are a new beat, not a
// continuation of the committed intent. When another turn claimed the active
// slot between commit and drain, the drained messages are handed to it
// instead.
func (r *Runtime) DrainTurnActivity(ctx context.Context, in *api.TurnActivityInput) (*api.TurnActivityOutput, error) {
	maxMsgs := in.Limit
	if maxMsgs <= 0 {
		maxMsgs = r.drainMax
	}
	msgs, err := r.Turns.DrainOverflow(ctx, in.SessionKey, maxMsgs)
	if err != nil {
		return nil, fmt.Errorf("drain overflow for %s: %w", in.SessionKey, err)
	}
	if len(msgs) == 0 {
		return &api.TurnActivityOutput{}, nil
	}

	now := r.now()
	succ := &turn.LogicalTurn{
		ID:           fabric.TurnID(uuid.NewString()),
		SessionKey:   in.SessionKey,
		GroupID:      fabric.TurnGroupID(uuid.NewString()),
		Status:       turn.StatusAccumulating,
		FencingToken: in.Token,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	succ.WorkflowID = api.WorkflowIDFor(succ.ID)
	for _, m := range msgs {
		succ.AppendMessage(m)
	}
	if err := r.Turns.Create(ctx, succ); err != nil {
		if errors.Is(err, turn.ErrActiveTurnExists) {
			r.handOffToIncumbent(ctx, in.SessionKey, msgs)
			return &api.TurnActivityOutput{Drained: msgs}, nil
		}
		return nil, fmt.Errorf("create drained turn for %s: %w", in.SessionKey, err)
	}
	r.logger.Info(ctx, "overflow drained into successor",
		"session", in.SessionKey, "successor", succ.ID, "messages", len(msgs))
	return &api.TurnActivityOutput{Drained: msgs, Successor: succ}, nil
}

// RecordInterruptActivity appends a pending interrupt to the PROCESSING turn.
// The CAS in the store rejects turns that moved on or crossed the
// irreversibility barrier; those messages park for the next turn instead.
// Recording a message the turn already knows is a no-op, so the workflow can
// call this for every signal without double counting the gateway's own
// append.
func (r *Runtime) RecordInterruptActivity(ctx context.Context, in *api.TurnActivityInput) (*api.TurnActivityOutput, error) {
	if in.Message == nil {
		return nil, errors.New("record interrupt requires a message")
	}
	t, err := r.Turns.Get(ctx, in.TurnID)
	if err != nil {
		return nil, fmt.Errorf("record interrupt on %s: %w", in.TurnID, err)
	}
	if containsMessage(t, in.Message.ID) {
		return &api.TurnActivityOutput{Turn: t}, nil
	}
	err = r.Turns.AppendPendingInterrupt(ctx, in.TurnID, *in.Message, turn.StatusProcessing)
	switch {
	case err == nil:
		r.metrics.IncCounter("acf.turn.interrupt_recorded", 1, "session", string(in.SessionKey))
	case errors.Is(err, turn.ErrTurnConflict):
		out, perr := r.ParkTurnActivity(ctx, in)
		if perr != nil {
			return nil, perr
		}
		return out, nil
	default:
		return nil, fmt.Errorf("record interrupt on %s: %w", in.TurnID, err)
	}
	t, err = r.Turns.Get(ctx, in.TurnID)
	if err != nil {
		return nil, fmt.Errorf("record interrupt on %s: %w", in.TurnID, err)
	}
	return &api.TurnActivityOutput{Turn: t}, nil
}

// ResolveInterruptActivity applies a gated ABSORB or QUEUE decision to the
// turn's pending interrupts. ABSORB merges them into the message sequence and
// re-opens accumulation, returning the Brain's follow-up hint for the new
// window; QUEUE parks them for a post-commit successor and leaves the turn
// PROCESSING.
func (r *Runtime) ResolveInterruptActivity(ctx context.Context, in *api.TurnActivityInput) (*api.TurnActivityOutput, error) {
	t, err := r.Turns.Get(ctx, in.TurnID)
	if err != nil {
		return nil, fmt.Errorf("resolve interrupt on %s: %w", in.TurnID, err)
	}
	now := r.now()
	out := &api.TurnActivityOutput{}

	switch in.Action {
	case brain.ActionAbsorb:
		for _, m := range t.PendingInterrupts {
			if !messageInSequence(t.Messages, m.ID) {
				t.AppendMessage(m)
			}
		}
		t.PendingInterrupts = nil
		t.Status = turn.StatusAccumulating
		t.CompletionReason = ""
		t.CompletionConfidence = 0
		t.FencingToken = in.Token
		t.UpdatedAt = now
		if err := r.Turns.Save(ctx, t); err != nil {
			return nil, fmt.Errorf("absorb interrupts on %s: %w", in.TurnID, err)
		}
		out.Hint = r.followupHint(ctx, t)
		r.logger.Debug(ctx, "interrupts absorbed, window re-opened",
			"turn_id", t.ID, "phase", in.Phase, "msg_id", in.InterruptMessageID)

	case brain.ActionQueue:
		limit := r.overflowLimit(in.SessionKey)
		for _, m := range t.PendingInterrupts {
			if _, err := r.Turns.ParkOverflow(ctx, in.SessionKey, m, limit); err != nil {
				if errors.Is(err, turn.ErrQueueFull) {
					r.logger.Warn(ctx, "overflow queue full, queued interrupt dropped",
						"session", in.SessionKey, "msg_id", m.ID)
					r.metrics.IncCounter("acf.turn.overflow_dropped", 1, "session", string(in.SessionKey))
					continue
				}
				return nil, fmt.Errorf("queue interrupt on %s: %w", in.TurnID, err)
			}
		}
		t.PendingInterrupts = nil
		t.FencingToken = in.Token
		t.UpdatedAt = now
		if err := r.Turns.Save(ctx, t); err != nil {
			return nil, fmt.Errorf("queue interrupts on %s: %w", in.TurnID, err)
		}
		r.logger.Debug(ctx, "interrupts parked for successor",
			"turn_id", t.ID, "phase", in.Phase, "msg_id", in.InterruptMessageID)

	default:
		return nil, fmt.Errorf("resolve interrupt on %s: unsupported action %q", in.TurnID, in.Action)
	}

	out.Turn = t
	return out, nil
}

// followupHint asks the Brain how long the re-opened window should stay
// open. Best effort: without a hint the accumulator falls back to channel
// defaults.
func (r *Runtime) followupHint(ctx context.Context, t *turn.LogicalTurn) *accumulate.Hint {
	sess, err := r.Sessions.Get(ctx, t.SessionKey)
	if err != nil {
		return nil
	}
	hint, err := r.Brain.SummarizeForFollowup(ctx, &brain.Request{Turn: t, Session: snapshotSession(sess)})
	if err != nil {
		r.logger.Debug(ctx, "follow-up hint unavailable", "turn_id", t.ID, "err", err)
		return nil
	}
	return hint
}

// SupersedeSpawnActivity terminates the turn and installs its successor in
// one store transaction. The successor inherits the group, all messages
// (absorbed and pending) and the artifacts whose dependency fingerprint still
// holds. Retries converge: once the turn records a successor, the same pair
// is returned again.
func (r *Runtime) SupersedeSpawnActivity(ctx context.Context, in *api.TurnActivityInput) (*api.TurnActivityOutput, error) {
	old, err := r.Turns.Get(ctx, in.TurnID)
	if err != nil {
		return nil, fmt.Errorf("supersede turn %s: %w", in.TurnID, err)
	}
	if old.SupersededBy != nil {
		succ, gerr := r.Turns.Get(ctx, *old.SupersededBy)
		if gerr != nil {
			return nil, fmt.Errorf("supersede turn %s: load successor: %w", in.TurnID, gerr)
		}
		return &api.TurnActivityOutput{Turn: old, Successor: succ}, nil
	}

	now := r.now()
	depFP := ""
	var sess *session.Session
	if s, serr := r.Sessions.Get(ctx, in.SessionKey); serr == nil {
		sess = s
		depFP = dependencyFingerprint(s)
	}

	succ := old.NewSuccessor(fabric.TurnID(uuid.NewString()), depFP, now)
	succ.WorkflowID = api.WorkflowIDFor(succ.ID)
	succ.FencingToken = in.Token

	old.Status = turn.StatusSuperseded
	if in.Reason != "" {
		old.CompletionReason = in.Reason
	}
	old.FencingToken = in.Token
	old.UpdatedAt = now
	if err := r.Turns.Supersede(ctx, old, succ); err != nil {
		return nil, fmt.Errorf("supersede turn %s: %w", in.TurnID, err)
	}

	// The session flags the gap until the successor commits.
	if sess != nil {
		sess.Status = session.StatusInterrupted
		sess.FencingToken = in.Token
		sess.Touch(now)
		if err := r.Sessions.Save(ctx, sess); err != nil {
			r.logger.Warn(ctx, "session interrupt flag failed", "session", in.SessionKey, "err", err)
		}
	}

	if err := r.Audit.Append(ctx, r.buildTurnRecord(old, sess, nil, 0, now)); err != nil {
		r.logger.Error(ctx, "superseded turn audit append failed", "turn_id", old.ID, "err", err)
	}
	reason := ""
	if n := len(old.InterruptHistory); n > 0 {
		reason = old.InterruptHistory[n-1].Reason
	}
	r.publishHook(ctx, hooks.NewTurnSupersededEvent(in.SessionKey, old.ID, succ.ID, reason))
	r.metrics.IncCounter("acf.turn.superseded", 1, "session", string(in.SessionKey))
	r.logger.Info(ctx, "turn superseded",
		"session", in.SessionKey, "turn_id", old.ID, "successor", succ.ID, "reason", reason)
	return &api.TurnActivityOutput{Turn: old, Successor: succ}, nil
}

// LaunchTurnActivity starts the workflow execution for an existing turn row.
// It runs after the caller released the session lock so the new execution can
// acquire it immediately. Launching an already started or already terminal
// turn is a no-op.
func (r *Runtime) LaunchTurnActivity(ctx context.Context, in *api.TurnActivityInput) (*api.TurnActivityOutput, error) {
	t, err := r.Turns.Get(ctx, in.TurnID)
	if err != nil {
		return nil, fmt.Errorf("launch turn %s: %w", in.TurnID, err)
	}
	if t.Status.Terminal() {
		return &api.TurnActivityOutput{Turn: t}, nil
	}

	input := &api.TurnWorkflowInput{
		SessionKey: t.SessionKey,
		TurnID:     t.ID,
		GroupID:    t.GroupID,
		Messages:   t.Messages,
		Channel:    r.Channels.Model(t.SessionKey.Channel()),
		LeaseTTL:   r.leaseTTL,
	}
	if sess, serr := r.Sessions.Get(ctx, t.SessionKey); serr == nil {
		input.CadenceP95 = sess.CadenceP95
		input.Hint = sess.NextTurnHint
		input.DisallowSupersede = !r.Policies.AllowSupersede(sess.AgentID)
	} else if _, agent, _, _, perr := t.SessionKey.Parse(); perr == nil {
		input.DisallowSupersede = !r.Policies.AllowSupersede(agent)
	}

	wfID := t.WorkflowID
	if wfID == "" {
		wfID = api.WorkflowIDFor(t.ID)
	}
	_, err = r.Engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        wfID,
		Workflow:  api.WorkflowName,
		TaskQueue: r.taskQueue,
		Input:     input,
	})
	if err != nil && !errors.Is(err, engine.ErrAlreadyStarted) {
		return nil, fmt.Errorf("launch turn %s: %w", in.TurnID, err)
	}
	return &api.TurnActivityOutput{Turn: t}, nil
}

func (r *Runtime) loadOrCreateSession(ctx context.Context, key fabric.SessionKey, now time.Time) (*session.Session, error) {
	sess, err := r.Sessions.Get(ctx, key)
	if errors.Is(err, session.ErrNotFound) {
		sess, err = session.New(key, now)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	return sess, nil
}

// containsMessage reports whether the turn already carries the message,
// absorbed or pending.
func containsMessage(t *turn.LogicalTurn, id fabric.MessageID) bool {
	return messageInSequence(t.Messages, id) || messageInSequence(t.PendingInterrupts, id)
}

func messageInSequence(msgs []fabric.Message, id fabric.MessageID) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

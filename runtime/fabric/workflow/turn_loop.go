package workflow

// The turn workflow drives one logical turn from adoption to a terminal
// state.
//
// Contract:
// - Acquire the session lock first; adopt the turn row second. A terminal
//   row at adoption means the turn was superseded while this execution
//   queued on the lock, and the workflow exits without running it.
// - While ACCUMULATING, keep the window open: every follow-up message
//   appends and re-suggests the wait; an explicit final flag, window expiry
//   or the total accumulation cap promotes the turn to PROCESSING.
// - Run the pipeline asynchronously and record messages arriving meanwhile
//   as pending interrupts. Interrupt outcomes loop: ABSORB re-opens the
//   window, QUEUE and FORCE_COMPLETE re-run the pipeline, SUPERSEDE ends
//   this execution and launches the successor's.
// - Commit exactly once, park stragglers, drain overflow into a fresh-group
//   successor, release the lock, then launch the successor.
// - Force-release signals win at every wait point: compensate, release,
//   report SUPERSEDED.
// - The lease is renewed between steps and on a heartbeat while the
//   pipeline runs; a failed renewal fails the workflow because every
//   further fenced write would lose.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/accumulate"
	"goa.design/acf/runtime/fabric/api"
	"goa.design/acf/runtime/fabric/brain"
	"goa.design/acf/runtime/fabric/engine"
	"goa.design/acf/runtime/fabric/lock"
	"goa.design/acf/runtime/fabric/turn"
)

// finalAttr is the message attribute channel adapters set when the transport
// marks a message as the explicit end of user input.
const finalAttr = "final"

// predictedCloseConfidence is the hint confidence above which a window close
// counts as AI-predicted rather than a plain timeout.
const predictedCloseConfidence = 0.8

// TurnWorkflow is the registered workflow handler for one logical turn.
func (r *Runtime) TurnWorkflow(wfCtx engine.WorkflowContext, input *api.TurnWorkflowInput) (*api.TurnWorkflowOutput, error) {
	if input == nil || input.SessionKey == "" {
		return nil, errors.New("turn workflow requires a session key")
	}
	l := newTurnLoop(r, wfCtx, input)
	if err := wfCtx.SetQueryHandler(api.QueryTurnStatus, func() (string, error) {
		return string(l.status), nil
	}); err != nil {
		return nil, fmt.Errorf("register status query: %w", err)
	}
	return l.run()
}

// turnLoop carries the mutable state of one workflow execution.
type turnLoop struct {
	r     *Runtime
	wfCtx engine.WorkflowContext
	input *api.TurnWorkflowInput

	msgs     engine.Receiver[api.MessageSignal]
	releases engine.Receiver[api.ForceReleaseSignal]

	token   lock.Token
	turnID  fabric.TurnID
	groupID fabric.TurnGroupID
	status  turn.Status
	reason  turn.CompletionReason

	cadence     time.Duration
	hint        *accumulate.Hint
	lastContent string
	tokensUsed  int

	leaseTTL  time.Duration
	renewedAt time.Time
}

func newTurnLoop(r *Runtime, wfCtx engine.WorkflowContext, input *api.TurnWorkflowInput) *turnLoop {
	leaseTTL := input.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = r.leaseTTL
	}
	lastContent := ""
	if n := len(input.Messages); n > 0 {
		lastContent = input.Messages[n-1].Content
	}
	return &turnLoop{
		r:           r,
		wfCtx:       wfCtx,
		input:       input,
		msgs:        wfCtx.Messages(),
		releases:    wfCtx.ForceReleases(),
		status:      turn.StatusAccumulating,
		cadence:     input.CadenceP95,
		hint:        input.Hint,
		lastContent: lastContent,
		leaseTTL:    leaseTTL,
	}
}

func (l *turnLoop) run() (*api.TurnWorkflowOutput, error) {
	ctx := l.wfCtx.Context()

	out, err := l.acquireAndAdopt(ctx)
	if out != nil || err != nil {
		return out, err
	}

	if l.status == turn.StatusAccumulating {
		out, err := l.accumulateMessages(ctx)
		if out != nil || err != nil {
			return out, err
		}
	}

	completed, out, err := l.runPipeline(ctx)
	if out != nil || err != nil {
		return out, err
	}

	return l.commitAndFinish(ctx, completed)
}

// acquireAndAdopt takes the session lock and binds this execution to its
// turn. A non-nil output ends the workflow early (the turn was already
// terminal when adopted).
func (l *turnLoop) acquireAndAdopt(ctx context.Context) (*api.TurnWorkflowOutput, error) {
	acq, err := l.wfCtx.ExecuteLockActivity(ctx, engine.LockActivityCall{
		Name: api.ActivityLockAcquire,
		Input: &api.LockActivityInput{
			SessionKey:   l.input.SessionKey,
			WorkflowID:   l.wfCtx.WorkflowID(),
			LeaseTTL:     l.leaseTTL,
			BlockTimeout: l.r.acquireTimeout,
			Messages:     l.input.Messages,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	l.token = acq.Token
	l.renewedAt = l.wfCtx.Now()

	var first *fabric.Message
	if len(l.input.Messages) > 0 {
		first = &l.input.Messages[0]
	}
	adopted, err := l.wfCtx.ExecuteTurnActivity(ctx, engine.TurnActivityCall{
		Name: api.ActivityTurnAdopt,
		Input: &api.TurnActivityInput{
			SessionKey: l.input.SessionKey,
			TurnID:     l.input.TurnID,
			WorkflowID: l.wfCtx.WorkflowID(),
			Token:      l.token,
			Message:    first,
		},
	})
	if err != nil {
		l.release(ctx)
		return nil, fmt.Errorf("adopt turn: %w", err)
	}
	t := adopted.Turn
	l.turnID, l.groupID, l.status, l.reason = t.ID, t.GroupID, t.Status, t.CompletionReason
	if t.Status.Terminal() {
		// Superseded while this execution waited on the lock.
		l.release(ctx)
		out := &api.TurnWorkflowOutput{TurnID: t.ID, Status: t.Status, Reason: t.CompletionReason}
		if t.SupersededBy != nil {
			out.SupersededBy = *t.SupersededBy
		}
		return out, nil
	}

	// A repair execution may carry more than one message; the first rode the
	// adopt, the rest append normally.
	if l.input.TurnID == "" && l.status == turn.StatusAccumulating {
		for i := 1; i < len(l.input.Messages); i++ {
			if _, err := l.wfCtx.ExecuteTurnActivity(ctx, engine.TurnActivityCall{
				Name: api.ActivityTurnAppend,
				Input: &api.TurnActivityInput{
					SessionKey: l.input.SessionKey,
					TurnID:     l.turnID,
					Token:      l.token,
					Message:    &l.input.Messages[i],
				},
			}); err != nil {
				return l.fail(ctx, "append carried message", err)
			}
		}
	}
	return nil, nil
}

// accumulateMessages keeps the window open until the adaptive deadline, the
// total cap or an explicit final flag closes it, then promotes the turn. A
// non-nil output ends the workflow (force release).
func (l *turnLoop) accumulateMessages(ctx context.Context) (*api.TurnWorkflowOutput, error) {
	start := l.wfCtx.Now()
	capAt := start.Add(l.r.maxAccumulation)
	deadline := start.Add(l.suggestWait())
	reason := turn.ReasonTimeout

loop:
	for {
		if err := l.renewIfDue(ctx); err != nil {
			return l.fail(ctx, "renew lease", err)
		}
		now := l.wfCtx.Now()
		if deadline.After(capAt) {
			deadline = capAt
		}
		if !now.Before(deadline) {
			switch {
			case !now.Before(capAt):
				reason = turn.ReasonAbsorbedOverflow
			case l.hint != nil && l.hint.CompletionConfidence >= predictedCloseConfidence:
				reason = turn.ReasonAIPredicted
			}
			break loop
		}
		timer, err := l.wfCtx.NewTimer(ctx, deadline.Sub(now))
		if err != nil {
			return l.fail(ctx, "accumulation timer", err)
		}
		if err := l.wfCtx.Await(ctx, func() bool {
			return timer.IsReady() || l.msgs.Pending() || l.releases.Pending()
		}); err != nil {
			return l.fail(ctx, "await accumulation window", err)
		}
		if l.releases.Pending() {
			rel, _ := l.releases.ReceiveAsync()
			return l.forceRelease(ctx, rel)
		}
		sig, ok := l.msgs.ReceiveAsync()
		if !ok {
			continue // timer fired; the deadline check above closes the window
		}
		if sig.CadenceP95 > 0 {
			l.cadence = sig.CadenceP95
		}
		if sig.Interrupt {
			// Already recorded as a pending interrupt by the gateway; it
			// merges through an interrupt resolution, not the window.
			continue
		}
		if _, err := l.wfCtx.ExecuteTurnActivity(ctx, engine.TurnActivityCall{
			Name: api.ActivityTurnAppend,
			Input: &api.TurnActivityInput{
				SessionKey: l.input.SessionKey,
				TurnID:     l.turnID,
				Token:      l.token,
				Message:    &sig.Message,
			},
		}); err != nil {
			return l.fail(ctx, "append message", err)
		}
		l.lastContent = sig.Message.Content
		if isFinal(sig.Message) {
			reason = turn.ReasonExplicitSignal
			break loop
		}
		deadline = l.wfCtx.Now().Add(l.suggestWait())
	}

	promoted, err := l.wfCtx.ExecuteTurnActivity(ctx, engine.TurnActivityCall{
		Name: api.ActivityTurnPromote,
		Input: &api.TurnActivityInput{
			SessionKey: l.input.SessionKey,
			TurnID:     l.turnID,
			Token:      l.token,
			Reason:     reason,
			Confidence: completionConfidence(reason, l.hint),
		},
	})
	if err != nil {
		return l.fail(ctx, "promote turn", err)
	}
	l.status = promoted.Turn.Status
	l.reason = reason
	return nil, nil
}

// runPipeline drives Brain passes until one completes or the turn leaves
// this execution. A non-nil output or error ends the workflow.
func (l *turnLoop) runPipeline(ctx context.Context) (*brain.Completed, *api.TurnWorkflowOutput, error) {
	attempt := 0
	ignoreInterrupts := false
	for {
		attempt++
		if err := l.renewIfDue(ctx); err != nil {
			out, ferr := l.fail(ctx, "renew lease", err)
			return nil, out, ferr
		}

		brainCtx, cancel := l.wfCtx.WithCancel()
		fut, err := brainCtx.ExecuteBrainActivityAsync(brainCtx.Context(), engine.BrainActivityCall{
			Name: api.ActivityBrainProcess,
			Input: &api.BrainActivityInput{
				SessionKey:        l.input.SessionKey,
				TurnID:            l.turnID,
				Token:             l.token,
				DisallowSupersede: l.input.DisallowSupersede,
				IgnoreInterrupts:  ignoreInterrupts,
				Attempt:           attempt,
			},
		})
		if err != nil {
			cancel()
			out, ferr := l.fail(ctx, "schedule pipeline", err)
			return nil, out, ferr
		}

		res, out, err := l.awaitPipeline(ctx, fut, cancel)
		if out != nil || err != nil {
			return nil, out, err
		}

		switch res.Outcome {
		case api.BrainOutcomeCompleted:
			if res.Completed == nil {
				out, ferr := l.fail(ctx, "run pipeline", errors.New("completed outcome missing payload"))
				return nil, out, ferr
			}
			l.tokensUsed += res.Completed.TokensUsed
			return res.Completed, nil, nil

		case api.BrainOutcomeInterrupted:
			if res.Interrupted == nil {
				out, ferr := l.fail(ctx, "run pipeline", errors.New("interrupted outcome missing payload"))
				return nil, out, ferr
			}
			l.tokensUsed += res.Interrupted.TokensUsed
			next, out, err := l.resolveInterrupt(ctx, res.Interrupted)
			if out != nil || err != nil {
				return nil, out, err
			}
			switch next {
			case pipelineReaccumulate:
				if out, err := l.accumulateMessages(ctx); out != nil || err != nil {
					return nil, out, err
				}
			case pipelineIgnoreInterrupts:
				ignoreInterrupts = true
			}

		default:
			out, ferr := l.fail(ctx, "run pipeline", fmt.Errorf("unknown pipeline outcome %q", res.Outcome))
			return nil, out, ferr
		}
	}
}

// awaitPipeline waits on the pipeline future while recording arriving
// messages as pending interrupts, so the Brain's next checkpoint probe sees
// them, and renewing the lease on a heartbeat. Force releases cancel the
// in-flight pipeline.
func (l *turnLoop) awaitPipeline(ctx context.Context, fut engine.Future[*api.BrainActivityOutput], cancel func()) (*api.BrainActivityOutput, *api.TurnWorkflowOutput, error) {
	defer cancel()

	heartbeat := l.leaseTTL / 2
	renewTimer, err := l.wfCtx.NewTimer(ctx, heartbeat)
	if err != nil {
		out, ferr := l.fail(ctx, "pipeline heartbeat timer", err)
		return nil, out, ferr
	}
	for !fut.IsReady() {
		if err := l.wfCtx.Await(ctx, func() bool {
			return fut.IsReady() || renewTimer.IsReady() || l.msgs.Pending() || l.releases.Pending()
		}); err != nil {
			out, ferr := l.fail(ctx, "await pipeline", err)
			return nil, out, ferr
		}
		if l.releases.Pending() {
			rel, _ := l.releases.ReceiveAsync()
			cancel()
			out, err := l.forceRelease(ctx, rel)
			return nil, out, err
		}
		if renewTimer.IsReady() {
			if err := l.renewIfDue(ctx); err != nil {
				out, ferr := l.fail(ctx, "renew lease", err)
				return nil, out, ferr
			}
			if renewTimer, err = l.wfCtx.NewTimer(ctx, heartbeat); err != nil {
				out, ferr := l.fail(ctx, "pipeline heartbeat timer", err)
				return nil, out, ferr
			}
		}
		if sig, ok := l.msgs.ReceiveAsync(); ok {
			if sig.CadenceP95 > 0 {
				l.cadence = sig.CadenceP95
			}
			if !sig.Interrupt {
				if _, err := l.wfCtx.ExecuteTurnActivity(ctx, engine.TurnActivityCall{
					Name: api.ActivityTurnRecordInterrupt,
					Input: &api.TurnActivityInput{
						SessionKey: l.input.SessionKey,
						TurnID:     l.turnID,
						Token:      l.token,
						Message:    &sig.Message,
					},
				}); err != nil {
					l.r.logger.Warn(ctx, "interrupt recording failed",
						"turn_id", l.turnID, "msg_id", sig.Message.ID, "err", err)
				}
			}
		}
	}

	res, err := fut.Get(ctx)
	if err != nil {
		out, ferr := l.fail(ctx, "run pipeline", err)
		return nil, out, ferr
	}
	return res, nil, nil
}

type pipelineNext int

const (
	pipelineRerun pipelineNext = iota
	pipelineReaccumulate
	pipelineIgnoreInterrupts
)

// resolveInterrupt acts on the gated decision attached to an interrupted
// pipeline pass.
func (l *turnLoop) resolveInterrupt(ctx context.Context, in *brain.Interrupted) (pipelineNext, *api.TurnWorkflowOutput, error) {
	switch in.Decision.Action {
	case brain.ActionSupersede:
		out, err := l.supersede(ctx, in)
		return pipelineRerun, out, err

	case brain.ActionAbsorb:
		res, err := l.wfCtx.ExecuteTurnActivity(ctx, engine.TurnActivityCall{
			Name: api.ActivityTurnResolveInterrupt,
			Input: &api.TurnActivityInput{
				SessionKey:         l.input.SessionKey,
				TurnID:             l.turnID,
				Token:              l.token,
				Action:             brain.ActionAbsorb,
				Phase:              in.LastPhase,
				InterruptMessageID: in.InterruptMessageID,
			},
		})
		if err != nil {
			out, ferr := l.fail(ctx, "absorb interrupts", err)
			return pipelineRerun, out, ferr
		}
		l.status = turn.StatusAccumulating
		l.hint = res.Hint
		if msgs := res.Turn.Messages; len(msgs) > 0 {
			l.lastContent = msgs[len(msgs)-1].Content
		}
		return pipelineReaccumulate, nil, nil

	case brain.ActionQueue:
		if _, err := l.wfCtx.ExecuteTurnActivity(ctx, engine.TurnActivityCall{
			Name: api.ActivityTurnResolveInterrupt,
			Input: &api.TurnActivityInput{
				SessionKey:         l.input.SessionKey,
				TurnID:             l.turnID,
				Token:              l.token,
				Action:             brain.ActionQueue,
				Phase:              in.LastPhase,
				InterruptMessageID: in.InterruptMessageID,
			},
		}); err != nil {
			out, ferr := l.fail(ctx, "queue interrupts", err)
			return pipelineRerun, out, ferr
		}
		return pipelineRerun, nil, nil

	case brain.ActionForceComplete:
		return pipelineIgnoreInterrupts, nil, nil

	default:
		out, ferr := l.fail(ctx, "resolve interrupt", fmt.Errorf("unknown decision action %q", in.Decision.Action))
		return pipelineRerun, out, ferr
	}
}

// supersede hands the turn's group to a successor and ends this execution.
// The successor workflow launches only after the lock is released so it can
// acquire immediately.
func (l *turnLoop) supersede(ctx context.Context, in *brain.Interrupted) (*api.TurnWorkflowOutput, error) {
	spawn, err := l.wfCtx.ExecuteTurnActivity(ctx, engine.TurnActivityCall{
		Name: api.ActivityTurnSupersedeSpawn,
		Input: &api.TurnActivityInput{
			SessionKey:         l.input.SessionKey,
			TurnID:             l.turnID,
			Token:              l.token,
			Phase:              in.LastPhase,
			InterruptMessageID: in.InterruptMessageID,
		},
	})
	if err != nil {
		return l.fail(ctx, "supersede turn", err)
	}
	l.status = turn.StatusSuperseded
	l.release(ctx)
	l.launch(ctx, spawn.Successor.ID)

	return &api.TurnWorkflowOutput{
		TurnID:       l.turnID,
		Status:       turn.StatusSuperseded,
		Reason:       spawn.Turn.CompletionReason,
		SupersededBy: spawn.Successor.ID,
		TokensUsed:   l.tokensUsed,
	}, nil
}

// commitAndFinish commits the completed result, hands parked overflow to a
// fresh-group successor and releases the lock.
func (l *turnLoop) commitAndFinish(ctx context.Context, completed *brain.Completed) (*api.TurnWorkflowOutput, error) {
	if err := l.renewIfDue(ctx); err != nil {
		return l.fail(ctx, "renew lease", err)
	}
	res, err := l.wfCtx.ExecuteCommitActivity(ctx, engine.CommitActivityCall{
		Name: api.ActivityCommit,
		Input: &api.CommitActivityInput{
			SessionKey: l.input.SessionKey,
			TurnID:     l.turnID,
			GroupID:    l.groupID,
			Token:      l.token,
			Result:     completed,
			TokensUsed: l.tokensUsed,
		},
	})
	if err != nil {
		return l.fail(ctx, "commit turn", err)
	}
	l.status = turn.StatusComplete

	// Messages that raced the commit park for the successor drain.
	for {
		sig, ok := l.msgs.ReceiveAsync()
		if !ok {
			break
		}
		if _, perr := l.wfCtx.ExecuteTurnActivity(ctx, engine.TurnActivityCall{
			Name: api.ActivityTurnPark,
			Input: &api.TurnActivityInput{
				SessionKey: l.input.SessionKey,
				Token:      l.token,
				Message:    &sig.Message,
			},
		}); perr != nil {
			l.r.logger.Warn(ctx, "post-commit park failed",
				"turn_id", l.turnID, "msg_id", sig.Message.ID, "err", perr)
		}
	}

	var successor fabric.TurnID
	drained, err := l.wfCtx.ExecuteTurnActivity(ctx, engine.TurnActivityCall{
		Name:  api.ActivityTurnDrain,
		Input: &api.TurnActivityInput{SessionKey: l.input.SessionKey, Token: l.token},
	})
	if err != nil {
		// The response is committed; parked messages stay durable and the
		// next inbound message picks them up.
		l.r.logger.Error(ctx, "overflow drain failed", "session", l.input.SessionKey, "err", err)
	} else if drained.Successor != nil {
		successor = drained.Successor.ID
	}

	l.release(ctx)
	l.launch(ctx, successor)

	return &api.TurnWorkflowOutput{
		TurnID:     l.turnID,
		Status:     turn.StatusComplete,
		Reason:     l.reason,
		Envelope:   res.Envelope,
		TokensUsed: l.tokensUsed,
	}, nil
}

// forceRelease terminates the execution on an operator signal: compensate,
// release, report SUPERSEDED.
func (l *turnLoop) forceRelease(ctx context.Context, sig api.ForceReleaseSignal) (*api.TurnWorkflowOutput, error) {
	reason := sig.Reason
	if reason == "" {
		reason = "force_release"
	}
	l.compensate(ctx, reason)
	l.status = turn.StatusSuperseded
	l.release(ctx)
	return &api.TurnWorkflowOutput{
		TurnID:     l.turnID,
		Status:     turn.StatusSuperseded,
		Reason:     turn.ReasonError,
		TokensUsed: l.tokensUsed,
	}, nil
}

// fail compensates, releases the lock and fails the workflow. The next
// inbound message repairs whatever row is left.
func (l *turnLoop) fail(ctx context.Context, op string, cause error) (*api.TurnWorkflowOutput, error) {
	l.compensate(ctx, op)
	l.release(ctx)
	return nil, fmt.Errorf("%s: %w", op, cause)
}

func (l *turnLoop) compensate(ctx context.Context, reason string) {
	if l.token == 0 || l.turnID == "" {
		return
	}
	if _, err := l.wfCtx.ExecuteCompensateActivity(ctx, engine.CompensateActivityCall{
		Name: api.ActivityCompensate,
		Input: &api.CompensateActivityInput{
			SessionKey: l.input.SessionKey,
			TurnID:     l.turnID,
			Token:      l.token,
			Reason:     reason,
		},
	}); err != nil {
		l.r.logger.Error(ctx, "compensation activity failed", "turn_id", l.turnID, "err", err)
	}
}

func (l *turnLoop) release(ctx context.Context) {
	if l.token == 0 {
		return
	}
	if _, err := l.wfCtx.ExecuteLockActivity(ctx, engine.LockActivityCall{
		Name: api.ActivityLockRelease,
		Input: &api.LockActivityInput{
			SessionKey: l.input.SessionKey,
			WorkflowID: l.wfCtx.WorkflowID(),
			Token:      l.token,
		},
	}); err != nil {
		l.r.logger.Warn(ctx, "lock release failed", "session", l.input.SessionKey, "err", err)
	}
	l.token = 0
}

// launch starts the workflow for a successor turn. Failures are logged, not
// fatal: the successor row is durable and the next gateway message repairs a
// missing execution.
func (l *turnLoop) launch(ctx context.Context, id fabric.TurnID) {
	if id == "" {
		return
	}
	if _, err := l.wfCtx.ExecuteTurnActivity(ctx, engine.TurnActivityCall{
		Name:  api.ActivityTurnLaunch,
		Input: &api.TurnActivityInput{SessionKey: l.input.SessionKey, TurnID: id},
	}); err != nil {
		l.r.logger.Error(ctx, "successor launch failed", "turn_id", id, "err", err)
	}
}

// renewIfDue extends the lease once half of it has elapsed. Failure is fatal
// to the caller: a lost lease means every further fenced write would lose.
func (l *turnLoop) renewIfDue(ctx context.Context) error {
	now := l.wfCtx.Now()
	if now.Sub(l.renewedAt) < l.leaseTTL/2 {
		return nil
	}
	if _, err := l.wfCtx.ExecuteLockActivity(ctx, engine.LockActivityCall{
		Name: api.ActivityLockRenew,
		Input: &api.LockActivityInput{
			SessionKey: l.input.SessionKey,
			Token:      l.token,
			LeaseTTL:   l.leaseTTL,
		},
	}); err != nil {
		return err
	}
	l.renewedAt = now
	return nil
}

func (l *turnLoop) suggestWait() time.Duration {
	return accumulate.Suggest(accumulate.Input{
		Content:    l.lastContent,
		Channel:    l.input.Channel,
		CadenceP95: l.cadence,
		Hint:       l.hint,
		Clamp:      l.r.clamp,
	})
}

// completionConfidence scores how sure the accumulator was that the beat was
// complete when the window closed.
func completionConfidence(reason turn.CompletionReason, hint *accumulate.Hint) float64 {
	switch reason {
	case turn.ReasonExplicitSignal:
		return 0.95
	case turn.ReasonAIPredicted:
		if hint != nil {
			return hint.CompletionConfidence
		}
		return predictedCloseConfidence
	case turn.ReasonAbsorbedOverflow:
		return 0.5
	default:
		return 0.7
	}
}

func isFinal(msg fabric.Message) bool {
	return msg.Attrs[finalAttr] == "true"
}

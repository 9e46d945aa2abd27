package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/accumulate"
	"goa.design/acf/runtime/fabric/api"
	auditmem "goa.design/acf/runtime/fabric/audit/inmem"
	"goa.design/acf/runtime/fabric/brain"
	"goa.design/acf/runtime/fabric/channel"
	"goa.design/acf/runtime/fabric/engine"
	enginemem "goa.design/acf/runtime/fabric/engine/inmem"
	"goa.design/acf/runtime/fabric/idempotency"
	idemmem "goa.design/acf/runtime/fabric/idempotency/inmem"
	"goa.design/acf/runtime/fabric/lock"
	lockmem "goa.design/acf/runtime/fabric/lock/inmem"
	"goa.design/acf/runtime/fabric/outbound"
	"goa.design/acf/runtime/fabric/session"
	sessmem "goa.design/acf/runtime/fabric/session/inmem"
	"goa.design/acf/runtime/fabric/toolpolicy"
	"goa.design/acf/runtime/fabric/turn"
	turnmem "goa.design/acf/runtime/fabric/turn/inmem"
	"goa.design/acf/runtime/fabric/workflow"
)

// brainRun scripts one ProcessTurn pass.
type brainRun func(ctx context.Context, req *brain.Request) (brain.TurnResult, error)

// scriptedBrain dispatches ProcessTurn calls to scripted runs in order; the
// last run repeats when calls outnumber scripts. Requests are recorded so
// tests can inspect what each pass saw.
type scriptedBrain struct {
	mu       sync.Mutex
	runs     []brainRun
	hint     *accumulate.Hint
	requests []*brain.Request
}

func (b *scriptedBrain) ProcessTurn(ctx context.Context, req *brain.Request) (brain.TurnResult, error) {
	b.mu.Lock()
	idx := len(b.requests)
	b.requests = append(b.requests, req)
	if idx >= len(b.runs) {
		idx = len(b.runs) - 1
	}
	var run brainRun
	if idx >= 0 {
		run = b.runs[idx]
	}
	b.mu.Unlock()
	if run == nil {
		return nil, errors.New("no scripted pipeline run")
	}
	return run(ctx, req)
}

func (b *scriptedBrain) SummarizeForFollowup(context.Context, *brain.Request) (*accumulate.Hint, error) {
	return b.hint, nil
}

func (b *scriptedBrain) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *scriptedBrain) request(i int) *brain.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[i]
}

// captureDispatcher records dispatched envelopes.
type captureDispatcher struct {
	mu   sync.Mutex
	envs []*outbound.Envelope
}

func (d *captureDispatcher) Dispatch(_ context.Context, env *outbound.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.envs = append(d.envs, env)
	return nil
}

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.envs)
}

func (d *captureDispatcher) at(i int) *outbound.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.envs[i]
}

type fixture struct {
	rt       *workflow.Runtime
	eng      engine.Engine
	mutex    *lockmem.Mutex
	turns    *turnmem.Store
	sessions *session.Store
	idem     *idemmem.Store
	sink     *auditmem.Sink
	disp     *captureDispatcher
}

// testChannel is a web model tuned so accumulation windows close in tens of
// milliseconds under the in-memory engine's real timers.
func testChannel() channel.Model {
	return channel.Model{
		Kind:              fabric.ChannelWeb,
		DefaultTurnWindow: 40 * time.Millisecond,
		Overflow:          channel.OverflowPolicy{N: 5, W: time.Minute},
	}
}

func newFixture(t *testing.T, b *scriptedBrain, opts ...workflow.RuntimeOption) *fixture {
	t.Helper()
	f := &fixture{
		eng:      enginemem.New(),
		mutex:    lockmem.New(),
		turns:    turnmem.New(),
		sessions: session.NewStore(sessmem.New(), sessmem.New()),
		idem:     idemmem.New(),
		sink:     auditmem.New(),
		disp:     &captureDispatcher{},
	}
	base := []workflow.RuntimeOption{
		workflow.WithEngine(f.eng),
		workflow.WithMutex(f.mutex),
		workflow.WithSessionStore(f.sessions),
		workflow.WithTurnStore(f.turns),
		workflow.WithIdempotencyStore(f.idem),
		workflow.WithBrain(b),
		workflow.WithDispatcher(f.disp),
		workflow.WithAuditSink(f.sink),
		workflow.WithChannels(channel.NewSet(map[fabric.ChannelKind]channel.Model{
			fabric.ChannelWeb: testChannel(),
		})),
		workflow.WithClamp(accumulate.Clamp{Min: 20 * time.Millisecond, Max: 60 * time.Millisecond}),
		workflow.WithMaxAccumulation(400 * time.Millisecond),
		workflow.WithAcquireTimeout(time.Second),
	}
	f.rt = workflow.New(append(base, opts...)...)
	require.NoError(t, f.rt.Register(context.Background()))
	return f
}

// startTurn creates the turn row the way the gateway does and launches its
// workflow.
func (f *fixture) startTurn(ctx context.Context, t *testing.T, key fabric.SessionKey, first fabric.Message, hint *accumulate.Hint) (engine.WorkflowHandle, fabric.TurnID) {
	t.Helper()
	now := time.Now()
	row := &turn.LogicalTurn{
		ID:         fabric.TurnID(uuid.NewString()),
		SessionKey: key,
		GroupID:    fabric.TurnGroupID(uuid.NewString()),
		Status:     turn.StatusAccumulating,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	row.WorkflowID = api.WorkflowIDFor(row.ID)
	row.AppendMessage(first)
	require.NoError(t, f.turns.Create(ctx, row))

	handle, err := f.rt.StartTurn(ctx, &api.TurnWorkflowInput{
		SessionKey: key,
		TurnID:     row.ID,
		GroupID:    row.GroupID,
		Messages:   []fabric.Message{first},
		Channel:    testChannel(),
		Hint:       hint,
	})
	require.NoError(t, err)
	return handle, row.ID
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testKey(t *testing.T) fabric.SessionKey {
	t.Helper()
	key, err := fabric.NewSessionKey("acme", "support", fabric.InterlocutorID("user-"+uuid.NewString()[:8]), fabric.ChannelWeb)
	require.NoError(t, err)
	return key
}

func msg(content string) fabric.Message {
	return fabric.Message{ID: fabric.MessageID(uuid.NewString()), Content: content, At: time.Now()}
}

// waitForPending polls the checkpoint probe until the fabric records a pending
// interrupt. Scripted pipelines use it to hold the pass open until the test
// delivers its mid-pipeline message.
func waitForPending(ctx context.Context, probe brain.Probe) ([]fabric.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for {
		msgs, err := probe(ctx)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestTurnWorkflowMergesRapidMessages(t *testing.T) {
	b := &scriptedBrain{runs: []brainRun{
		func(_ context.Context, _ *brain.Request) (brain.TurnResult, error) {
			return &brain.Completed{
				Response:   outbound.Draft{Segments: []string{"Claro, ¿para cuántas personas?"}},
				TokensUsed: 42,
			}, nil
		},
	}}
	f := newFixture(t, b)
	ctx := testCtx(t)
	key := testKey(t)

	first := msg("hola")
	handle, turnID := f.startTurn(ctx, t, key, first, nil)

	// Rapid follow-ups land while the window is still open; the signal
	// channel buffers them even before the workflow reaches its first await.
	second, third := msg("quiero reservar una mesa"), msg("para esta noche")
	require.NoError(t, handle.Signal(ctx, api.SignalNewMessage, api.MessageSignal{Message: second}))
	require.NoError(t, handle.Signal(ctx, api.SignalNewMessage, api.MessageSignal{Message: third}))

	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, turnID, out.TurnID)
	assert.Equal(t, turn.StatusComplete, out.Status)
	assert.Equal(t, turn.ReasonTimeout, out.Reason)
	assert.Equal(t, 42, out.TokensUsed)
	require.NotNil(t, out.Envelope)
	assert.Equal(t, []string{"Claro, ¿para cuántas personas?"}, out.Envelope.Segments)

	// One pipeline pass saw the merged beat.
	require.Equal(t, 1, b.calls())
	req := b.request(0)
	require.Len(t, req.Turn.Messages, 3)
	assert.Equal(t, []fabric.MessageID{first.ID, second.ID, third.ID}, req.Turn.MessageIDs())

	assert.Equal(t, 1, f.disp.count())

	sess, err := f.sessions.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TurnCount)
	assert.Equal(t, turnID, sess.LastCommittedTurn)
	assert.Equal(t, session.StatusActive, sess.Status)

	page, err := f.sink.List(ctx, key, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	rec := page.Records[0]
	assert.Equal(t, turn.StatusComplete, rec.Status)
	assert.Equal(t, turn.ReasonTimeout, rec.CompletionReason)
	assert.Len(t, rec.MessageSequence, 3)
	assert.Equal(t, 42, rec.TokensUsed)
}

func TestTurnWorkflowExplicitFinalClosesWindow(t *testing.T) {
	b := &scriptedBrain{runs: []brainRun{
		func(_ context.Context, _ *brain.Request) (brain.TurnResult, error) {
			return &brain.Completed{Response: outbound.Draft{Segments: []string{"ok"}}}, nil
		},
	}}
	f := newFixture(t, b)
	ctx := testCtx(t)
	key := testKey(t)

	handle, turnID := f.startTurn(ctx, t, key, msg("mañana"), nil)
	final := msg("a las nueve")
	final.Attrs = map[string]string{"final": "true"}
	require.NoError(t, handle.Signal(ctx, api.SignalNewMessage, api.MessageSignal{Message: final}))

	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, turn.StatusComplete, out.Status)
	assert.Equal(t, turn.ReasonExplicitSignal, out.Reason)

	row, err := f.turns.Get(ctx, turnID)
	require.NoError(t, err)
	assert.Len(t, row.Messages, 2)
	assert.InDelta(t, 0.95, row.CompletionConfidence, 1e-9)

	page, err := f.sink.List(ctx, key, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, turn.ReasonExplicitSignal, page.Records[0].CompletionReason)
}

func TestTurnWorkflowAbsorbsMidPipelineInterrupt(t *testing.T) {
	started := make(chan struct{})
	b := &scriptedBrain{}
	b.runs = []brainRun{
		func(ctx context.Context, req *brain.Request) (brain.TurnResult, error) {
			close(started)
			pending, err := waitForPending(ctx, req.Probe)
			if err != nil {
				return nil, err
			}
			return &brain.Interrupted{
				LastPhase: 2,
				Decision: brain.SupersedeDecision{
					Action:   brain.ActionAbsorb,
					Strategy: "extend_window",
					Reason:   "correction to the same intent",
				},
				InterruptMessageID: pending[0].ID,
				TokensUsed:         10,
			}, nil
		},
		func(_ context.Context, _ *brain.Request) (brain.TurnResult, error) {
			return &brain.Completed{
				Response:   outbound.Draft{Segments: []string{"Reserva para cuatro, entendido."}},
				TokensUsed: 20,
			}, nil
		},
	}
	f := newFixture(t, b)
	ctx := testCtx(t)
	key := testKey(t)

	first := msg("reserva para dos personas")
	handle, turnID := f.startTurn(ctx, t, key, first, nil)

	<-started
	correction := msg("mejor que sean cuatro")
	require.NoError(t, handle.Signal(ctx, api.SignalNewMessage, api.MessageSignal{Message: correction}))

	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, turn.StatusComplete, out.Status)
	assert.Equal(t, 30, out.TokensUsed)

	// The second pass saw the absorbed correction in the message sequence.
	require.Equal(t, 2, b.calls())
	require.Len(t, b.request(1).Turn.Messages, 2)
	assert.Equal(t, correction.ID, b.request(1).Turn.Messages[1].ID)

	assert.Equal(t, 1, f.disp.count())

	page, err := f.sink.List(ctx, key, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	rec := page.Records[0]
	assert.Equal(t, turnID, rec.TurnID)
	require.Len(t, rec.Interruptions, 1)
	assert.Equal(t, brain.ActionAbsorb, rec.Interruptions[0].Action)
	assert.Equal(t, correction.ID, rec.Interruptions[0].MessageID)
	assert.Equal(t, 2, rec.Interruptions[0].Phase)
}

func TestTurnWorkflowIrreversibleEffectForcesQueue(t *testing.T) {
	started := make(chan struct{})
	b := &scriptedBrain{}
	b.runs = []brainRun{
		func(ctx context.Context, req *brain.Request) (brain.TurnResult, error) {
			close(started)
			pending, err := waitForPending(ctx, req.Probe)
			if err != nil {
				return nil, err
			}
			// The pipeline wants to absorb, but it already charged the
			// card with an undeclared tool. The fabric must refuse.
			return &brain.Interrupted{
				LastPhase: 2,
				Decision: brain.SupersedeDecision{
					Action:   brain.ActionAbsorb,
					Strategy: "extend_window",
					Reason:   "looks like a follow-up",
				},
				InterruptMessageID: pending[0].ID,
				SideEffects: []turn.SideEffect{
					{Tool: "payments.charge", Phase: 2, ExecutedAt: time.Now()},
				},
			}, nil
		},
		func(_ context.Context, _ *brain.Request) (brain.TurnResult, error) {
			return &brain.Completed{Response: outbound.Draft{Segments: []string{"Pago confirmado."}}}, nil
		},
		func(_ context.Context, _ *brain.Request) (brain.TurnResult, error) {
			return &brain.Completed{Response: outbound.Draft{Segments: []string{"Sobre tu nueva pregunta..."}}}, nil
		},
	}
	f := newFixture(t, b)
	ctx := testCtx(t)
	key := testKey(t)

	handle, turnID := f.startTurn(ctx, t, key, msg("confirma el pago"), nil)

	<-started
	late := msg("espera, otra cosa")
	require.NoError(t, handle.Signal(ctx, api.SignalNewMessage, api.MessageSignal{Message: late}))

	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, turn.StatusComplete, out.Status)
	require.NotNil(t, out.Envelope)
	assert.Equal(t, []string{"Pago confirmado."}, out.Envelope.Segments)

	// The queued message drains into a fresh-group successor after commit.
	require.Eventually(t, func() bool { return f.disp.count() == 2 }, 5*time.Second, 5*time.Millisecond)
	firstEnv, secondEnv := f.disp.at(0), f.disp.at(1)
	assert.Equal(t, turnID, firstEnv.TurnID)
	assert.NotEqual(t, firstEnv.TurnID, secondEnv.TurnID)
	assert.NotEqual(t, firstEnv.TurnGroupID, secondEnv.TurnGroupID)

	require.Equal(t, 3, b.calls())
	require.Len(t, b.request(2).Turn.Messages, 1)
	assert.Equal(t, late.ID, b.request(2).Turn.Messages[0].ID)

	require.Eventually(t, func() bool {
		sess, err := f.sessions.Get(ctx, key)
		return err == nil && sess.TurnCount == 2
	}, 5*time.Second, 5*time.Millisecond)

	page, err := f.sink.List(ctx, key, "", 10)
	require.NoError(t, err)
	var committed bool
	for _, r := range page.Records {
		if r.TurnID != turnID {
			continue
		}
		committed = true
		require.Len(t, r.Interruptions, 1)
		assert.Equal(t, brain.ActionQueue, r.Interruptions[0].Action)
		assert.Equal(t, "irreversible side effect on ledger", r.Interruptions[0].Reason)
		require.Len(t, r.SideEffects, 1)
		assert.Equal(t, toolpolicy.PolicyIrreversible, r.SideEffects[0].Policy)
		assert.False(t, r.SideEffects[0].Declared)
	}
	require.True(t, committed, "audit record for the first turn missing")
}

func TestTurnWorkflowSupersedeSpawnsSuccessor(t *testing.T) {
	started := make(chan struct{})
	artifact := json.RawMessage(`{"intent":"reserve_table"}`)
	b := &scriptedBrain{}
	b.runs = []brainRun{
		func(ctx context.Context, req *brain.Request) (brain.TurnResult, error) {
			close(started)
			pending, err := waitForPending(ctx, req.Probe)
			if err != nil {
				return nil, err
			}
			return &brain.Interrupted{
				LastPhase: 1,
				Decision: brain.SupersedeDecision{
					Action:   brain.ActionSupersede,
					Strategy: "forward_artifacts",
					Reason:   "user changed intent",
				},
				InterruptMessageID: pending[0].ID,
				Artifacts: map[int]turn.PhaseArtifact{
					1: {
						Phase:                 1,
						Data:                  artifact,
						InputFingerprint:      "input-fp-1",
						DependencyFingerprint: req.DependencyFingerprint,
						CreatedAt:             time.Now(),
					},
				},
				TokensUsed: 5,
			}, nil
		},
		func(_ context.Context, _ *brain.Request) (brain.TurnResult, error) {
			return &brain.Completed{
				Response:   outbound.Draft{Segments: []string{"Cancelado. ¿En qué te ayudo?"}},
				TokensUsed: 20,
			}, nil
		},
	}
	f := newFixture(t, b)
	ctx := testCtx(t)
	key := testKey(t)

	first := msg("reserva una mesa para hoy")
	handle, turnID := f.startTurn(ctx, t, key, first, nil)

	<-started
	pivot := msg("olvídalo, cancela todo")
	require.NoError(t, handle.Signal(ctx, api.SignalNewMessage, api.MessageSignal{Message: pivot}))

	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, turn.StatusSuperseded, out.Status)
	require.NotEmpty(t, out.SupersededBy)
	assert.Equal(t, 5, out.TokensUsed)
	assert.Nil(t, out.Envelope)

	// The successor commits the group's one response.
	require.Eventually(t, func() bool { return f.disp.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	env := f.disp.at(0)
	assert.Equal(t, out.SupersededBy, env.TurnID)

	row, err := f.turns.Get(ctx, turnID)
	require.NoError(t, err)
	assert.Equal(t, turn.StatusSuperseded, row.Status)
	succ, err := f.turns.Get(ctx, out.SupersededBy)
	require.NoError(t, err)
	assert.Equal(t, row.GroupID, succ.GroupID)
	assert.Equal(t, row.GroupID, env.TurnGroupID)

	// The successor's pass carried both messages and the forwarded artifact.
	require.Equal(t, 2, b.calls())
	succReq := b.request(1)
	require.Len(t, succReq.Turn.Messages, 2)
	assert.Equal(t, pivot.ID, succReq.Turn.Messages[1].ID)
	require.Contains(t, succReq.ReusableArtifacts, 1)
	assert.Equal(t, artifact, succReq.ReusableArtifacts[1].Data)

	require.Eventually(t, func() bool {
		page, err := f.sink.List(ctx, key, "", 10)
		return err == nil && len(page.Records) == 2
	}, 5*time.Second, 5*time.Millisecond)
	page, err := f.sink.List(ctx, key, "", 10)
	require.NoError(t, err)
	for _, rec := range page.Records {
		switch rec.TurnID {
		case turnID:
			assert.Equal(t, turn.StatusSuperseded, rec.Status)
			require.NotNil(t, rec.SupersededBy)
			assert.Equal(t, out.SupersededBy, *rec.SupersededBy)
			require.Len(t, rec.Interruptions, 1)
			assert.Equal(t, brain.ActionSupersede, rec.Interruptions[0].Action)
		case out.SupersededBy:
			assert.Equal(t, turn.StatusComplete, rec.Status)
		default:
			t.Fatalf("unexpected audit record for turn %s", rec.TurnID)
		}
	}

	sess, err := f.sessions.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TurnCount)
	assert.Equal(t, out.SupersededBy, sess.LastCommittedTurn)
}

func TestTurnWorkflowForceReleaseDuringAccumulation(t *testing.T) {
	b := &scriptedBrain{}
	f := newFixture(t, b,
		workflow.WithClamp(accumulate.Clamp{Min: 300 * time.Millisecond, Max: 2 * time.Second}),
		workflow.WithMaxAccumulation(5*time.Second),
	)
	ctx := testCtx(t)
	key := testKey(t)

	hint := &accumulate.Hint{SuggestedWait: time.Second, CompletionConfidence: 0.2}
	handle, turnID := f.startTurn(ctx, t, key, msg("dame un momento"), hint)

	require.NoError(t, handle.Signal(ctx, api.SignalForceRelease, api.ForceReleaseSignal{
		Reason:      "operator reset",
		RequestedBy: "admin",
	}))

	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, turn.StatusSuperseded, out.Status)
	assert.Equal(t, turn.ReasonError, out.Reason)

	// The pipeline never ran and nothing reached the channel.
	assert.Equal(t, 0, b.calls())
	assert.Equal(t, 0, f.disp.count())

	row, err := f.turns.Get(ctx, turnID)
	require.NoError(t, err)
	assert.Equal(t, turn.StatusSuperseded, row.Status)
	assert.Equal(t, turn.ReasonError, row.CompletionReason)

	// The mutex is free for the next turn.
	lease, err := f.mutex.Acquire(ctx, key, lock.AcquireOptions{
		LeaseTTL:     time.Second,
		BlockTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, f.mutex.Release(ctx, key, lease.Token()))

	page, err := f.sink.List(ctx, key, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, turn.StatusSuperseded, page.Records[0].Status)
}

func TestCommitTurnActivityDeduplicates(t *testing.T) {
	b := &scriptedBrain{}
	f := newFixture(t, b)
	ctx := testCtx(t)
	key := testKey(t)

	first, second := msg("quiero pagar"), msg("con tarjeta")
	now := time.Now()
	row := &turn.LogicalTurn{
		ID:         fabric.TurnID(uuid.NewString()),
		SessionKey: key,
		GroupID:    fabric.TurnGroupID(uuid.NewString()),
		Status:     turn.StatusAccumulating,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	row.AppendMessage(first)
	row.AppendMessage(second)
	require.NoError(t, f.turns.Create(ctx, row))
	row.Status = turn.StatusProcessing
	require.NoError(t, f.turns.Save(ctx, row))

	in := &api.CommitActivityInput{
		SessionKey: key,
		TurnID:     row.ID,
		GroupID:    row.GroupID,
		Token:      7,
		Result: &brain.Completed{
			Response: outbound.Draft{Segments: []string{"Listo, pago registrado."}},
		},
		TokensUsed: 5,
	}

	out1, err := f.rt.CommitTurnActivity(ctx, in)
	require.NoError(t, err)
	assert.False(t, out1.Deduplicated)
	require.NotNil(t, out1.Envelope)

	// The retried commit replays the stored envelope without dispatching.
	out2, err := f.rt.CommitTurnActivity(ctx, in)
	require.NoError(t, err)
	assert.True(t, out2.Deduplicated)
	require.NotNil(t, out2.Envelope)
	assert.Equal(t, out1.Envelope.TurnID, out2.Envelope.TurnID)
	assert.Equal(t, out1.Envelope.Segments, out2.Envelope.Segments)

	assert.Equal(t, 1, f.disp.count())

	sess, err := f.sessions.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TurnCount)

	// Gateway dedup aliases point resubmissions of the same beat at the
	// committed envelope.
	msgs := []fabric.Message{first, second}
	res, err := f.idem.TryRecord(ctx,
		idempotency.BeatKey(key.Tenant(), msgs),
		idempotency.BeatPayloadHash(msgs),
		idempotency.DefaultBeatTTL)
	require.NoError(t, err)
	assert.False(t, res.Fresh)
	assert.True(t, res.Done)

	res, err = f.idem.TryRecord(ctx,
		idempotency.MessageKey(key.Tenant(), first.ID),
		idempotency.MessagePayloadHash(first),
		idempotency.DefaultBeatTTL)
	require.NoError(t, err)
	assert.True(t, res.Done)
}

func TestAcquireLockActivityHandsOffToOverflow(t *testing.T) {
	b := &scriptedBrain{}
	f := newFixture(t, b)
	ctx := testCtx(t)
	key := testKey(t)

	// Another holder owns the session and its workflow is gone, so signaling
	// fails and the carried message must park.
	lease, err := f.mutex.Acquire(ctx, key, lock.AcquireOptions{
		LeaseTTL:     5 * time.Second,
		BlockTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = f.mutex.Release(ctx, key, lease.Token()) }()

	now := time.Now()
	row := &turn.LogicalTurn{
		ID:         fabric.TurnID(uuid.NewString()),
		SessionKey: key,
		GroupID:    fabric.TurnGroupID(uuid.NewString()),
		Status:     turn.StatusAccumulating,
		WorkflowID: api.WorkflowIDFor("dead-turn"),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	row.AppendMessage(msg("primer mensaje"))
	require.NoError(t, f.turns.Create(ctx, row))

	carried := msg("mensaje que llegó tarde")
	_, err = f.rt.AcquireLockActivity(ctx, &api.LockActivityInput{
		SessionKey:   key,
		WorkflowID:   api.WorkflowIDFor("challenger"),
		LeaseTTL:     time.Second,
		BlockTimeout: 50 * time.Millisecond,
		Messages:     []fabric.Message{carried},
	})
	require.ErrorIs(t, err, lock.ErrNotAcquired)

	parked, err := f.turns.DrainOverflow(ctx, key, 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, carried.ID, parked[0].ID)
}

func TestRegisterRequiresCollaborators(t *testing.T) {
	rt := workflow.New(workflow.WithEngine(enginemem.New()))
	err := rt.Register(context.Background())
	require.ErrorIs(t, err, workflow.ErrInvalidConfig)
}

package gateway_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/accumulate"
	"goa.design/acf/runtime/fabric/api"
	"goa.design/acf/runtime/fabric/channel"
	"goa.design/acf/runtime/fabric/engine"
	enginemem "goa.design/acf/runtime/fabric/engine/inmem"
	"goa.design/acf/runtime/fabric/gateway"
	"goa.design/acf/runtime/fabric/hooks"
	"goa.design/acf/runtime/fabric/idempotency"
	idemmem "goa.design/acf/runtime/fabric/idempotency/inmem"
	"goa.design/acf/runtime/fabric/outbound"
	"goa.design/acf/runtime/fabric/session"
	sessmem "goa.design/acf/runtime/fabric/session/inmem"
	"goa.design/acf/runtime/fabric/toolpolicy"
	"goa.design/acf/runtime/fabric/turn"
	turnmem "goa.design/acf/runtime/fabric/turn/inmem"
)

// stubWorkflows stands in for the turn workflow so gateway tests can observe
// exactly what crossed the engine boundary. Each run records its input, then
// keeps draining message signals until a force release ends it.
type stubWorkflows struct {
	mu      sync.Mutex
	order   []string
	inputs  map[string]*api.TurnWorkflowInput
	signals map[string][]api.MessageSignal
}

func newStubWorkflows() *stubWorkflows {
	return &stubWorkflows{
		inputs:  make(map[string]*api.TurnWorkflowInput),
		signals: make(map[string][]api.MessageSignal),
	}
}

func (s *stubWorkflows) run(wctx engine.WorkflowContext, input *api.TurnWorkflowInput) (*api.TurnWorkflowOutput, error) {
	id := wctx.WorkflowID()
	s.mu.Lock()
	s.order = append(s.order, id)
	s.inputs[id] = input
	s.mu.Unlock()

	msgs := wctx.Messages()
	rels := wctx.ForceReleases()
	for {
		if err := wctx.Await(wctx.Context(), func() bool { return msgs.Pending() || rels.Pending() }); err != nil {
			return nil, err
		}
		if _, ok := rels.ReceiveAsync(); ok {
			return &api.TurnWorkflowOutput{TurnID: input.TurnID}, nil
		}
		if sig, ok := msgs.ReceiveAsync(); ok {
			s.mu.Lock()
			s.signals[id] = append(s.signals[id], sig)
			s.mu.Unlock()
		}
	}
}

func (s *stubWorkflows) started() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *stubWorkflows) input(id string) *api.TurnWorkflowInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[id]
}

func (s *stubWorkflows) signalCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signals[id])
}

func (s *stubWorkflows) signal(id string, i int) api.MessageSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals[id][i]
}

func (s *stubWorkflows) releaseAll(ctx context.Context, sig engine.Signaler) {
	for _, id := range s.started() {
		_ = sig.SignalByID(ctx, id, "", api.SignalForceRelease, api.ForceReleaseSignal{Reason: "test cleanup"})
	}
}

// decisionLog captures published gateway decisions in order.
type decisionLog struct {
	mu     sync.Mutex
	events []*hooks.GatewayDecisionEvent
}

func (d *decisionLog) HandleEvent(_ context.Context, evt hooks.Event) error {
	if e, ok := evt.(*hooks.GatewayDecisionEvent); ok {
		d.mu.Lock()
		d.events = append(d.events, e)
		d.mu.Unlock()
	}
	return nil
}

func (d *decisionLog) decisions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.events))
	for i, e := range d.events {
		out[i] = e.Decision
	}
	return out
}

func (d *decisionLog) last() *hooks.GatewayDecisionEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.events) == 0 {
		return nil
	}
	return d.events[len(d.events)-1]
}

type fixture struct {
	eng      engine.Engine
	wf       *stubWorkflows
	turns    *turnmem.Store
	sessions *session.Store
	idem     *idemmem.Store
	log      *decisionLog
	gw       *gateway.Gateway
}

// webChannel keeps waits deterministic: three-plus-word content earns no
// shape nudge, so accepted acks estimate exactly the 40ms default window.
func webChannel() channel.Model {
	return channel.Model{
		Kind:              fabric.ChannelWeb,
		DefaultTurnWindow: 40 * time.Millisecond,
		Overflow:          channel.OverflowPolicy{N: 50, W: time.Minute},
	}
}

func newFixture(t *testing.T, opts ...gateway.Option) *fixture {
	t.Helper()
	f := &fixture{
		eng:      enginemem.New(),
		wf:       newStubWorkflows(),
		turns:    turnmem.New(),
		sessions: session.NewStore(sessmem.New(), sessmem.New()),
		idem:     idemmem.New(),
		log:      &decisionLog{},
	}
	require.NoError(t, f.eng.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name:      api.WorkflowName,
		TaskQueue: api.TaskQueue,
		Handler:   f.wf.run,
	}))
	bus := hooks.NewBus()
	_, err := bus.Register(f.log)
	require.NoError(t, err)

	base := []gateway.Option{
		gateway.WithEngine(f.eng),
		gateway.WithSessionStore(f.sessions),
		gateway.WithTurnStore(f.turns),
		gateway.WithIdempotencyStore(f.idem),
		gateway.WithBus(bus),
		gateway.WithChannels(channel.NewSet(map[fabric.ChannelKind]channel.Model{
			fabric.ChannelWeb: webChannel(),
		})),
		gateway.WithClamp(accumulate.Clamp{Min: 20 * time.Millisecond, Max: 60 * time.Millisecond}),
	}
	gw, err := gateway.New(append(base, opts...)...)
	require.NoError(t, err)
	f.gw = gw

	t.Cleanup(func() { f.wf.releaseAll(context.Background(), f.eng.(engine.Signaler)) })
	return f
}

// waitStarted blocks until n stub executions have recorded their inputs and
// returns their workflow IDs in start order.
func (f *fixture) waitStarted(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.wf.started()) == n }, time.Second, 2*time.Millisecond)
	return f.wf.started()
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// convo pins one conversation identity so a test can land several messages on
// the same session.
type convo struct {
	tenant, agent, interlocutor string
}

func newConvo() convo {
	return convo{tenant: "acme", agent: "support", interlocutor: "user-" + uuid.NewString()[:8]}
}

func (c convo) key(t *testing.T) fabric.SessionKey {
	t.Helper()
	key, err := fabric.NewSessionKey(fabric.TenantID(c.tenant), fabric.AgentID(c.agent), fabric.InterlocutorID(c.interlocutor), fabric.ChannelWeb)
	require.NoError(t, err)
	return key
}

func (c convo) msg(content string) *gateway.InboundMessage {
	return &gateway.InboundMessage{
		MessageID:      uuid.NewString(),
		TenantID:       c.tenant,
		AgentID:        c.agent,
		InterlocutorID: c.interlocutor,
		Channel:        string(fabric.ChannelWeb),
		UserChannelID:  "web-" + c.interlocutor,
		Content:        content,
	}
}

func TestGatewayOpensTurnForFirstMessage(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx(t)
	c := newConvo()

	ack, err := f.gw.Handle(ctx, c.msg("quiero reservar una mesa"))
	require.NoError(t, err)
	assert.Equal(t, gateway.AckAccepted, ack.Kind)
	require.NotEmpty(t, ack.TurnID)
	assert.Equal(t, 40*time.Millisecond, ack.EstimatedWait)

	row, err := f.turns.ActiveTurn(ctx, c.key(t))
	require.NoError(t, err)
	assert.Equal(t, ack.TurnID, row.ID)
	assert.Equal(t, turn.StatusAccumulating, row.Status)
	require.Len(t, row.Messages, 1)
	assert.Equal(t, api.WorkflowIDFor(ack.TurnID), row.WorkflowID)

	ids := f.waitStarted(t, 1)
	assert.Equal(t, row.WorkflowID, ids[0])
	in := f.wf.input(ids[0])
	assert.Equal(t, ack.TurnID, in.TurnID)
	assert.Equal(t, row.GroupID, in.GroupID)
	require.Len(t, in.Messages, 1)
	assert.False(t, in.DisallowSupersede)

	assert.Equal(t, []string{"new"}, f.log.decisions())

	// First contact persisted the session and bound the channel identity.
	sess, err := f.sessions.Get(ctx, c.key(t))
	require.NoError(t, err)
	assert.Equal(t, "web-"+c.interlocutor, sess.UserChannelID)
}

func TestGatewayAbsorbsIntoOpenWindow(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx(t)
	c := newConvo()

	ack1, err := f.gw.Handle(ctx, c.msg("quiero cambiar mi reserva"))
	require.NoError(t, err)
	second := c.msg("la de este viernes")
	ack2, err := f.gw.Handle(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, gateway.AckAccepted, ack2.Kind)
	assert.Equal(t, ack1.TurnID, ack2.TurnID)
	assert.Equal(t, 40*time.Millisecond, ack2.EstimatedWait)

	wfID := api.WorkflowIDFor(ack1.TurnID)
	require.Eventually(t, func() bool { return f.wf.signalCount(wfID) == 1 }, time.Second, 2*time.Millisecond)
	sig := f.wf.signal(wfID, 0)
	assert.Equal(t, fabric.MessageID(second.MessageID), sig.Message.ID)
	assert.False(t, sig.Interrupt)

	// The follow-up joined the incumbent; no second execution was started.
	assert.Len(t, f.wf.started(), 1)
	assert.Equal(t, []string{"new", "absorb"}, f.log.decisions())
}

func TestGatewayDeduplicatesInFlightMessage(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx(t)
	c := newConvo()

	m := c.msg("sigo esperando el correo")
	ack1, err := f.gw.Handle(ctx, m)
	require.NoError(t, err)
	require.Equal(t, gateway.AckAccepted, ack1.Kind)
	f.waitStarted(t, 1)

	// Redelivery of the exact payload while the turn is still in flight.
	ack2, err := f.gw.Handle(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, gateway.AckDeduplicated, ack2.Kind)
	assert.Empty(t, ack2.TurnID)
	assert.Equal(t, "message already absorbed", ack2.Reason)

	assert.Len(t, f.wf.started(), 1)
	assert.Equal(t, 0, f.wf.signalCount(api.WorkflowIDFor(ack1.TurnID)))
	assert.Equal(t, []string{"new"}, f.log.decisions())
}

func TestGatewayReplaysCommittedEnvelope(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx(t)
	c := newConvo()

	// Complete the message alias the way the commit path does: claim, then
	// finish with the committed envelope.
	m := c.msg("estado de mi pedido")
	env := outbound.NewEnvelope(c.key(t), fabric.TurnID("t-1"), fabric.TurnGroupID("g-1"), outbound.Draft{
		Segments: []string{"Tu pedido llega mañana."},
	})
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	fm := fabric.Message{ID: fabric.MessageID(m.MessageID), Content: m.Content}
	k := idempotency.MessageKey(fabric.TenantID(c.tenant), fm.ID)
	_, err = f.idem.TryRecord(ctx, k, idempotency.MessagePayloadHash(fm), 0)
	require.NoError(t, err)
	require.NoError(t, f.idem.Complete(ctx, k, raw))

	ack, err := f.gw.Handle(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, gateway.AckDeduplicated, ack.Kind)
	assert.Equal(t, fabric.TurnID("t-1"), ack.TurnID)
	require.NotNil(t, ack.Envelope)
	assert.Equal(t, []string{"Tu pedido llega mañana."}, ack.Envelope.Segments)
	assert.Empty(t, ack.Reason)

	// The duplicate never reached classification.
	assert.Empty(t, f.wf.started())
	assert.Empty(t, f.log.decisions())
}

func TestGatewayRejectsMessageIDReuse(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx(t)
	c := newConvo()

	first := c.msg("quiero cancelar mi cita")
	_, err := f.gw.Handle(ctx, first)
	require.NoError(t, err)
	f.waitStarted(t, 1)

	forged := c.msg("quiero otra cosa distinta")
	forged.MessageID = first.MessageID
	ack, err := f.gw.Handle(ctx, forged)
	require.NoError(t, err)
	assert.Equal(t, gateway.AckRejected, ack.Kind)
	assert.Contains(t, ack.Reason, "different payload")
	assert.Equal(t, []string{"new", "reject"}, f.log.decisions())
}

func TestGatewayReplaysIdempotentRequest(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx(t)
	c := newConvo()

	m := c.msg("necesito ayuda con la factura")
	m.IdempotencyKey = "req-" + uuid.NewString()[:8]
	ack1, err := f.gw.Handle(ctx, m)
	require.NoError(t, err)
	require.Equal(t, gateway.AckAccepted, ack1.Kind)
	f.waitStarted(t, 1)

	// The retry replays the first verdict without re-running classification.
	ack2, err := f.gw.Handle(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, gateway.AckDeduplicated, ack2.Kind)
	assert.Equal(t, ack1.TurnID, ack2.TurnID)
	assert.Equal(t, ack1.EstimatedWait, ack2.EstimatedWait)

	assert.Len(t, f.wf.started(), 1)
	assert.Equal(t, []string{"new"}, f.log.decisions())
}

func TestGatewayRejectsIdempotencyKeyReuse(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx(t)
	c := newConvo()

	key := "req-" + uuid.NewString()[:8]
	first := c.msg("contenido original")
	first.IdempotencyKey = key
	_, err := f.gw.Handle(ctx, first)
	require.NoError(t, err)
	f.waitStarted(t, 1)

	second := c.msg("contenido manipulado aposta")
	second.IdempotencyKey = key
	ack, err := f.gw.Handle(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, gateway.AckRejected, ack.Kind)
	assert.Contains(t, ack.Reason, "different payload")
}

func TestGatewayThrottlesArrivalBurst(t *testing.T) {
	tight := webChannel()
	tight.Overflow = channel.OverflowPolicy{N: 2, W: time.Minute}
	f := newFixture(t, gateway.WithChannels(channel.NewSet(map[fabric.ChannelKind]channel.Model{
		fabric.ChannelWeb: tight,
	})))
	ctx := testCtx(t)
	c := newConvo()

	ack1, err := f.gw.Handle(ctx, c.msg("uno dos tres"))
	require.NoError(t, err)
	assert.Equal(t, gateway.AckAccepted, ack1.Kind)
	f.waitStarted(t, 1)
	ack2, err := f.gw.Handle(ctx, c.msg("cuatro cinco seis"))
	require.NoError(t, err)
	assert.Equal(t, gateway.AckAccepted, ack2.Kind)

	throttled := c.msg("siete ocho nueve")
	ack3, err := f.gw.Handle(ctx, throttled)
	require.NoError(t, err)
	assert.Equal(t, gateway.AckRejected, ack3.Kind)
	assert.Equal(t, "arrival rate over channel budget", ack3.Reason)
	assert.Equal(t, []string{"new", "absorb", "reject"}, f.log.decisions())

	// Backpressure left no dedup residue, so the retry lands once the
	// budget refills. Here budget comes back via a fresh gateway sharing
	// the same stores.
	relaxed, err := gateway.New(
		gateway.WithEngine(f.eng),
		gateway.WithSessionStore(f.sessions),
		gateway.WithTurnStore(f.turns),
		gateway.WithIdempotencyStore(f.idem),
		gateway.WithChannels(channel.NewSet(map[fabric.ChannelKind]channel.Model{
			fabric.ChannelWeb: webChannel(),
		})),
	)
	require.NoError(t, err)
	ack4, err := relaxed.Handle(ctx, throttled)
	require.NoError(t, err)
	assert.Equal(t, gateway.AckAccepted, ack4.Kind)
}

func TestGatewayRecordsPendingInterrupt(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx(t)
	c := newConvo()

	ack1, err := f.gw.Handle(ctx, c.msg("confirma mi cita de mañana"))
	require.NoError(t, err)
	f.waitStarted(t, 1)

	// Promote the row the way the workflow does when its window closes.
	row, err := f.turns.Get(ctx, ack1.TurnID)
	require.NoError(t, err)
	row.Status = turn.StatusProcessing
	require.NoError(t, f.turns.Save(ctx, row))

	late := c.msg("espera, mejor el jueves")
	ack2, err := f.gw.Handle(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, gateway.AckAccepted, ack2.Kind)
	assert.Equal(t, ack1.TurnID, ack2.TurnID)

	row, err = f.turns.Get(ctx, ack1.TurnID)
	require.NoError(t, err)
	require.Len(t, row.PendingInterrupts, 1)
	assert.Equal(t, fabric.MessageID(late.MessageID), row.PendingInterrupts[0].ID)

	wfID := api.WorkflowIDFor(ack1.TurnID)
	require.Eventually(t, func() bool { return f.wf.signalCount(wfID) == 1 }, time.Second, 2*time.Millisecond)
	assert.True(t, f.wf.signal(wfID, 0).Interrupt)
	assert.Equal(t, []string{"new", "supersede"}, f.log.decisions())
}

func TestGatewayQueuesBehindIrreversibleEffect(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx(t)
	c := newConvo()

	ack1, err := f.gw.Handle(ctx, c.msg("cóbrame la reserva entera"))
	require.NoError(t, err)
	f.waitStarted(t, 1)

	row, err := f.turns.Get(ctx, ack1.TurnID)
	require.NoError(t, err)
	row.Status = turn.StatusProcessing
	row.RecordSideEffect(turn.SideEffect{
		Tool:       "payments.charge",
		Policy:     toolpolicy.PolicyIrreversible,
		Declared:   true,
		ExecutedAt: time.Now(),
		Phase:      2,
	})
	require.NoError(t, f.turns.Save(ctx, row))

	late := c.msg("mejor no me cobres nada")
	ack2, err := f.gw.Handle(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, gateway.AckQueued, ack2.Kind)
	assert.True(t, ack2.Deferred)
	assert.Empty(t, ack2.TurnID)

	// Parked, not interrupted: the ledger holds an irreversible effect.
	row, err = f.turns.Get(ctx, ack1.TurnID)
	require.NoError(t, err)
	assert.Empty(t, row.PendingInterrupts)
	assert.Equal(t, 0, f.wf.signalCount(api.WorkflowIDFor(ack1.TurnID)))

	parked, err := f.turns.DrainOverflow(ctx, c.key(t), 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, fabric.MessageID(late.MessageID), parked[0].ID)

	last := f.log.last()
	require.NotNil(t, last)
	assert.Equal(t, "queue", last.Decision)
	assert.Equal(t, 1, last.QueueDepth)
}

func TestGatewayQueuesWhenAgentBarsSupersede(t *testing.T) {
	f := newFixture(t, gateway.WithPolicies(toolpolicy.NewRegistry(nil, map[fabric.AgentID]toolpolicy.AgentRules{
		"support": {DisallowSupersede: true},
	})))
	ctx := testCtx(t)
	c := newConvo()

	ack1, err := f.gw.Handle(ctx, c.msg("tramita la devolución completa"))
	require.NoError(t, err)
	ids := f.waitStarted(t, 1)
	assert.True(t, f.wf.input(ids[0]).DisallowSupersede)

	row, err := f.turns.Get(ctx, ack1.TurnID)
	require.NoError(t, err)
	row.Status = turn.StatusProcessing
	require.NoError(t, f.turns.Save(ctx, row))

	// No irreversible effect on the ledger, yet agent policy still parks
	// the late arrival instead of superseding.
	ack2, err := f.gw.Handle(ctx, c.msg("añade también el envío"))
	require.NoError(t, err)
	assert.Equal(t, gateway.AckQueued, ack2.Kind)
	assert.True(t, ack2.Deferred)
	assert.Equal(t, 0, f.wf.signalCount(ids[0]))
}

func TestGatewayRejectsWhenOverflowFull(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	tight := webChannel()
	tight.Overflow = channel.OverflowPolicy{N: 2, W: time.Minute}
	f := newFixture(t,
		gateway.WithChannels(channel.NewSet(map[fabric.ChannelKind]channel.Model{
			fabric.ChannelWeb: tight,
		})),
		gateway.WithThrottle(gateway.NewThrottle(gateway.WithThrottleClock(clk.now))),
	)
	ctx := testCtx(t)
	c := newConvo()

	ack1, err := f.gw.Handle(ctx, c.msg("resérvame la mesa grande"))
	require.NoError(t, err)
	f.waitStarted(t, 1)

	row, err := f.turns.Get(ctx, ack1.TurnID)
	require.NoError(t, err)
	row.Status = turn.StatusProcessing
	row.RecordSideEffect(turn.SideEffect{
		Tool:       "payments.charge",
		Policy:     toolpolicy.PolicyIrreversible,
		Declared:   true,
		ExecutedAt: time.Now(),
		Phase:      1,
	})
	require.NoError(t, f.turns.Save(ctx, row))

	// Overflow and arrival budget share the channel policy, so the clock
	// advances past the refill interval between arrivals to keep the
	// throttle out of the way.
	for _, content := range []string{"añade una trona también", "y parking si hay"} {
		clk.advance(31 * time.Second)
		ack, err := f.gw.Handle(ctx, c.msg(content))
		require.NoError(t, err)
		assert.Equal(t, gateway.AckQueued, ack.Kind)
	}

	clk.advance(31 * time.Second)
	ack, err := f.gw.Handle(ctx, c.msg("y una última cosa"))
	require.NoError(t, err)
	assert.Equal(t, gateway.AckRejected, ack.Kind)
	assert.Equal(t, "overflow queue full", ack.Reason)

	last := f.log.last()
	require.NotNil(t, last)
	assert.Equal(t, "reject", last.Decision)
	assert.Equal(t, 2, last.QueueDepth)
	assert.Equal(t, []string{"new", "queue", "queue", "reject"}, f.log.decisions())
}

func TestGatewayRepairsDeadWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx(t)
	c := newConvo()

	// An active row whose execution died: its workflow ID points nowhere.
	now := time.Now()
	stale := &turn.LogicalTurn{
		ID:         fabric.TurnID(uuid.NewString()),
		SessionKey: c.key(t),
		GroupID:    fabric.TurnGroupID(uuid.NewString()),
		Status:     turn.StatusAccumulating,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	stale.WorkflowID = api.WorkflowIDFor(stale.ID)
	stale.AppendMessage(fabric.Message{ID: fabric.MessageID(uuid.NewString()), Content: "mensaje que quedó colgado", At: now})
	require.NoError(t, f.turns.Create(ctx, stale))

	m := c.msg("hay alguien ahí todavía")
	ack, err := f.gw.Handle(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, gateway.AckAccepted, ack.Kind)
	assert.Equal(t, stale.ID, ack.TurnID)

	ids := f.waitStarted(t, 1)
	assert.True(t, strings.HasPrefix(ids[0], "acf-repair:"))
	in := f.wf.input(ids[0])
	assert.Empty(t, in.TurnID)
	require.Len(t, in.Messages, 1)
	assert.Equal(t, fabric.MessageID(m.MessageID), in.Messages[0].ID)
	assert.Equal(t, []string{"absorb"}, f.log.decisions())
}

func TestGatewayValidatesEnvelope(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx(t)

	cases := []struct {
		name string
		in   *gateway.InboundMessage
	}{
		{"nil envelope", nil},
		{"missing message id", &gateway.InboundMessage{
			TenantID: "acme", AgentID: "support", InterlocutorID: "u1", Channel: "web", Content: "hola qué tal",
		}},
		{"empty content", &gateway.InboundMessage{
			MessageID: uuid.NewString(), TenantID: "acme", AgentID: "support", InterlocutorID: "u1", Channel: "web", Content: "   ",
		}},
		{"missing tenant", &gateway.InboundMessage{
			MessageID: uuid.NewString(), AgentID: "support", InterlocutorID: "u1", Channel: "web", Content: "hola qué tal",
		}},
		{"separator in identity", &gateway.InboundMessage{
			MessageID: uuid.NewString(), TenantID: "acme", AgentID: "support", InterlocutorID: "user:1", Channel: "web", Content: "hola qué tal",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ack, err := f.gw.Handle(ctx, tc.in)
			require.ErrorIs(t, err, gateway.ErrInvalidMessage)
			assert.Nil(t, ack)
		})
	}

	// Attachment-only messages are valid: attrs stand in for content.
	ack, err := f.gw.Handle(ctx, &gateway.InboundMessage{
		MessageID: uuid.NewString(), TenantID: "acme", AgentID: "support",
		InterlocutorID: "user-" + uuid.NewString()[:8], Channel: "web",
		Attrs: map[string]string{"attachment": "receipt.pdf"},
	})
	require.NoError(t, err)
	assert.Equal(t, gateway.AckAccepted, ack.Kind)
	f.waitStarted(t, 1)
}

func TestGatewayNewValidatesOptions(t *testing.T) {
	_, err := gateway.New()
	require.ErrorIs(t, err, gateway.ErrInvalidConfig)

	_, err = gateway.New(gateway.WithEngine(enginemem.New()))
	require.ErrorIs(t, err, gateway.ErrInvalidConfig)

	_, err = gateway.New(
		gateway.WithEngine(enginemem.New()),
		gateway.WithSessionStore(session.NewStore(sessmem.New(), sessmem.New())),
		gateway.WithTurnStore(turnmem.New()),
	)
	require.ErrorIs(t, err, gateway.ErrInvalidConfig)

	gw, err := gateway.New(
		gateway.WithEngine(enginemem.New()),
		gateway.WithSessionStore(session.NewStore(sessmem.New(), sessmem.New())),
		gateway.WithTurnStore(turnmem.New()),
		gateway.WithIdempotencyStore(idemmem.New()),
	)
	require.NoError(t, err)
	require.NotNil(t, gw)
}

func TestGatewayForceReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx(t)
	c := newConvo()

	ack, err := f.gw.Handle(ctx, c.msg("dame un momento entonces"))
	require.NoError(t, err)
	f.waitStarted(t, 1)

	wfID := api.WorkflowIDFor(ack.TurnID)
	require.NoError(t, f.gw.ForceRelease(ctx, c.key(t), "operator reset", "admin"))
	require.Eventually(t, func() bool {
		st, err := f.eng.QueryRunStatus(ctx, wfID)
		return err == nil && st == engine.RunStatusCompleted
	}, time.Second, 2*time.Millisecond)

	// Releasing again finds the execution gone and stays quiet, as does
	// releasing a session that never had a turn.
	require.NoError(t, f.gw.ForceRelease(ctx, c.key(t), "operator reset", "admin"))
	other := newConvo()
	require.NoError(t, f.gw.ForceRelease(ctx, other.key(t), "noop", "admin"))
}

// ttlSpy records the windows handed to TryRecord per scope.
type ttlSpy struct {
	idempotency.Store

	mu   sync.Mutex
	ttls map[idempotency.Scope][]time.Duration
}

func (s *ttlSpy) TryRecord(ctx context.Context, key idempotency.Key, payloadHash string, ttl time.Duration) (idempotency.Result, error) {
	s.mu.Lock()
	if s.ttls == nil {
		s.ttls = make(map[idempotency.Scope][]time.Duration)
	}
	s.ttls[key.Scope] = append(s.ttls[key.Scope], ttl)
	s.mu.Unlock()
	return s.Store.TryRecord(ctx, key, payloadHash, ttl)
}

func (s *ttlSpy) apiTTLs() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.ttls[idempotency.ScopeAPI]...)
}

func TestGatewayUsesTenantDedupWindow(t *testing.T) {
	ttls := idempotency.NewTTLSet(10 * time.Minute)
	ttls.Replace(map[fabric.TenantID]time.Duration{"acme": 30 * time.Second})
	spy := &ttlSpy{Store: idemmem.New()}
	f := newFixture(t,
		gateway.WithIdempotencyStore(spy),
		gateway.WithAPITTLs(ttls),
	)
	ctx := testCtx(t)

	c := newConvo() // tenant acme
	in := c.msg("necesito cambiar mi vuelo")
	in.IdempotencyKey = uuid.NewString()
	_, err := f.gw.Handle(ctx, in)
	require.NoError(t, err)
	f.waitStarted(t, 1)
	require.Equal(t, []time.Duration{30 * time.Second}, spy.apiTTLs())

	// A tenant without an override claims under the shared default.
	other := convo{tenant: "globex", agent: "support", interlocutor: "user-" + uuid.NewString()[:8]}
	in = other.msg("hola necesito ayuda urgente")
	in.IdempotencyKey = uuid.NewString()
	_, err = f.gw.Handle(ctx, in)
	require.NoError(t, err)
	f.waitStarted(t, 2)
	require.Equal(t, []time.Duration{30 * time.Second, 10 * time.Minute}, spy.apiTTLs())
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

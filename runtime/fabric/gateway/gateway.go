// Package gateway implements the fabric's ingress: the lock-free front door
// every inbound message passes through before a turn workflow sees it. The
// gateway validates the envelope, claims the idempotency keys, applies the
// channel's arrival budget and classifies the message against the session's
// active turn:
//
//	no active turn            -> open a turn, start its workflow
//	ACCUMULATING              -> signal the workflow to absorb the message
//	PROCESSING, supersedable  -> record a pending interrupt and wake the
//	                             workflow so its next checkpoint sees it
//	PROCESSING, barred        -> park the message on the overflow queue
//
// Classification never touches the session mutex: the gateway only performs
// conditional store writes (create, CAS append, bounded park) and engine
// signals, so ingress stays responsive while a turn workflow holds the
// session. Stale reads lose the conditional write and reclassify.
//
// A dead workflow is repaired in passing: when signaling the active turn
// returns engine.ErrWorkflowNotFound, the gateway starts a replacement
// execution that adopts the stale row, supersedes it and carries the new
// message forward.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/accumulate"
	"goa.design/acf/runtime/fabric/api"
	"goa.design/acf/runtime/fabric/channel"
	"goa.design/acf/runtime/fabric/engine"
	"goa.design/acf/runtime/fabric/hooks"
	"goa.design/acf/runtime/fabric/idempotency"
	"goa.design/acf/runtime/fabric/outbound"
	"goa.design/acf/runtime/fabric/session"
	"goa.design/acf/runtime/fabric/telemetry"
	"goa.design/acf/runtime/fabric/toolpolicy"
	"goa.design/acf/runtime/fabric/turn"
)

var (
	// ErrInvalidConfig indicates the gateway was built without a required
	// collaborator.
	ErrInvalidConfig = errors.New("invalid gateway configuration")

	// ErrInvalidMessage indicates an inbound envelope that cannot identify a
	// session or carries no payload. The caller maps it to a 4xx.
	ErrInvalidMessage = errors.New("invalid inbound message")

	// errReclassify restarts the classification loop after a lost race: the
	// turn the gateway read moved on before its conditional write landed.
	errReclassify = errors.New("reclassify")
)

// classifyAttempts bounds how often one message re-runs classification after
// losing conditional-write races. The active turn changes at most once per
// race, so a handful of attempts always converges outside of live-lock.
const classifyAttempts = 3

const defaultOverflowLimit = 10

// AckKind classifies the gateway's synchronous answer to one message.
type AckKind string

const (
	// AckAccepted: the message joined a turn (new, absorbed or interrupt).
	AckAccepted AckKind = "accepted"
	// AckDeduplicated: the message or request was seen before; the stored
	// outcome is replayed without re-processing.
	AckDeduplicated AckKind = "deduplicated"
	// AckQueued: the active turn could not take the message; it parked on
	// the overflow queue for the next turn.
	AckQueued AckKind = "queued"
	// AckRejected: the message was refused (backpressure, key conflict or
	// full queue) and was not recorded anywhere.
	AckRejected AckKind = "rejected"
)

type (
	// InboundMessage is the normalized envelope channel adapters hand to the
	// gateway. Identity fields are plain strings so transport decoders can
	// fill it directly; Handle validates and strengthens them.
	InboundMessage struct {
		// MessageID is the adapter-supplied message identifier, unique per
		// tenant within the dedup window.
		MessageID string
		// TenantID, AgentID, InterlocutorID and Channel compose the session
		// key.
		TenantID       string
		AgentID        string
		InterlocutorID string
		Channel        string
		// UserChannelID is the interlocutor's raw address on the channel
		// (phone number, web client ID). Stored on first contact for inbound
		// routing.
		UserChannelID string
		// Content is the normalized text payload.
		Content string
		// At is the adapter-observed receive time. Zero means now.
		At time.Time
		// Attrs carries adapter metadata (media refs, locale, the "final"
		// marker).
		Attrs map[string]string
		// IdempotencyKey is the optional client-supplied request key. When
		// set, resubmissions within the API dedup window replay this
		// request's Ack instead of re-entering classification.
		IdempotencyKey string
	}

	// Ack is the gateway's synchronous answer. It is JSON-encoded into the
	// API idempotency record, so duplicates replay the exact original
	// outcome, estimated wait included.
	Ack struct {
		// Kind classifies the outcome.
		Kind AckKind
		// TurnID is the logical turn that owns the message, when one does.
		// Queued messages have none yet.
		TurnID fabric.TurnID
		// EstimatedWait is the accumulation window the turn is expected to
		// hold before processing, for adapters that surface typing
		// indicators.
		EstimatedWait time.Duration
		// Envelope is the committed response, present when a duplicate
		// message lands after its turn already committed.
		Envelope *outbound.Envelope
		// Deferred marks a queued message that a future turn will process.
		Deferred bool
		// Reason explains rejections and dedup replays.
		Reason string
	}

	// Gateway classifies inbound messages and routes them to turn workflows.
	// Build it with New; Handle is safe for concurrent use.
	Gateway struct {
		// Engine starts turn workflows.
		Engine engine.Engine
		// Signaler delivers messages to running workflows by ID. Defaults
		// to Engine when the engine implements it.
		Signaler engine.Signaler
		// Sessions is the two-tier session store.
		Sessions *session.Store
		// Turns is the turn store.
		Turns turn.Store
		// Idempotency is the dedup record store.
		Idempotency idempotency.Store
		// Policies resolves agent supersede rules.
		Policies *toolpolicy.Registry
		// Channels resolves channel models.
		Channels *channel.Set
		// Throttle applies per-session arrival budgets.
		Throttle *Throttle
		// Bus broadcasts gateway decision events.
		Bus hooks.Bus

		logger  telemetry.Logger
		metrics telemetry.Metrics

		clamp     accumulate.Clamp
		apiTTLs   *idempotency.TTLSet
		leaseTTL  time.Duration
		taskQueue string
		now       func() time.Time
	}

	// Options collects the gateway's collaborators and tuning knobs. Nil
	// collaborators with safe defaults (bus, channels, policies, throttle,
	// telemetry) are substituted by New; the rest are required.
	Options struct {
		Engine      engine.Engine
		Signaler    engine.Signaler
		Sessions    *session.Store
		Turns       turn.Store
		Idempotency idempotency.Store
		Policies    *toolpolicy.Registry
		Channels    *channel.Set
		Throttle    *Throttle
		Bus         hooks.Bus

		Logger  telemetry.Logger
		Metrics telemetry.Metrics

		// Clamp bounds the estimated accumulation waits returned in Acks.
		Clamp accumulate.Clamp
		// APITTL is the dedup window for client idempotency keys.
		APITTL time.Duration
		// APITTLs resolves per-tenant dedup windows. Nil builds one from
		// APITTL; pass a shared set to hot-reload tenant overrides.
		APITTLs *idempotency.TTLSet
		// LeaseTTL rides workflow inputs as the session lock lease override.
		LeaseTTL time.Duration
		// TaskQueue is the queue new workflows start on.
		TaskQueue string
		// Now overrides the wall clock. Tests inject it.
		Now func() time.Time
	}

	// Option configures the gateway.
	Option func(*Options)

	// ingress is one message after validation: everything classification
	// needs, resolved once.
	ingress struct {
		key   fabric.SessionKey
		agent fabric.AgentID
		msg   fabric.Message
		model channel.Model
		sess  *session.Session
	}
)

// Gateway decision labels carried on GatewayDecisionEvent.
const (
	decisionNew       = "new"
	decisionAbsorb    = "absorb"
	decisionSupersede = "supersede"
	decisionQueue     = "queue"
	decisionReject    = "reject"
)

// WithEngine sets the workflow engine.
func WithEngine(e engine.Engine) Option {
	return func(o *Options) { o.Engine = e }
}

// WithSignaler overrides the signaler. Defaults to the engine when it
// implements engine.Signaler.
func WithSignaler(s engine.Signaler) Option {
	return func(o *Options) { o.Signaler = s }
}

// WithSessionStore sets the session store.
func WithSessionStore(s *session.Store) Option {
	return func(o *Options) { o.Sessions = s }
}

// WithTurnStore sets the turn store.
func WithTurnStore(s turn.Store) Option {
	return func(o *Options) { o.Turns = s }
}

// WithIdempotencyStore sets the dedup record store.
func WithIdempotencyStore(s idempotency.Store) Option {
	return func(o *Options) { o.Idempotency = s }
}

// WithPolicies sets the tool policy registry.
func WithPolicies(p *toolpolicy.Registry) Option {
	return func(o *Options) { o.Policies = p }
}

// WithChannels sets the channel model set.
func WithChannels(c *channel.Set) Option {
	return func(o *Options) { o.Channels = c }
}

// WithThrottle sets the arrival throttle.
func WithThrottle(t *Throttle) Option {
	return func(o *Options) { o.Throttle = t }
}

// WithBus sets the lifecycle hook bus.
func WithBus(b hooks.Bus) Option {
	return func(o *Options) { o.Bus = b }
}

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithClamp bounds the estimated accumulation waits returned in Acks.
func WithClamp(c accumulate.Clamp) Option {
	return func(o *Options) { o.Clamp = c }
}

// WithAPITTL sets the dedup window for client idempotency keys.
func WithAPITTL(d time.Duration) Option {
	return func(o *Options) { o.APITTL = d }
}

// WithAPITTLs sets the per-tenant dedup window resolver. The daemon shares
// one set between the gateway and the config watcher so tenant overrides
// apply without a restart.
func WithAPITTLs(s *idempotency.TTLSet) Option {
	return func(o *Options) { o.APITTLs = s }
}

// WithLeaseTTL sets the session lock lease override stamped on workflow
// inputs. Zero leaves the deployment default in place.
func WithLeaseTTL(d time.Duration) Option {
	return func(o *Options) { o.LeaseTTL = d }
}

// WithTaskQueue sets the queue new workflows start on.
func WithTaskQueue(q string) Option {
	return func(o *Options) { o.TaskQueue = q }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// New builds a gateway from the given options. Optional collaborators get
// no-op or in-memory defaults; missing required ones fail with
// ErrInvalidConfig.
func New(opts ...Option) (*Gateway, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return newFromOptions(o)
}

func newFromOptions(o Options) (*Gateway, error) {
	if o.Signaler == nil {
		if s, ok := o.Engine.(engine.Signaler); ok {
			o.Signaler = s
		}
	}
	switch {
	case o.Engine == nil:
		return nil, fmt.Errorf("%w: missing engine", ErrInvalidConfig)
	case o.Signaler == nil:
		return nil, fmt.Errorf("%w: missing signaler", ErrInvalidConfig)
	case o.Sessions == nil:
		return nil, fmt.Errorf("%w: missing session store", ErrInvalidConfig)
	case o.Turns == nil:
		return nil, fmt.Errorf("%w: missing turn store", ErrInvalidConfig)
	case o.Idempotency == nil:
		return nil, fmt.Errorf("%w: missing idempotency store", ErrInvalidConfig)
	}
	if o.Bus == nil {
		o.Bus = hooks.NewBus()
	}
	if o.Channels == nil {
		o.Channels = channel.NewSet(nil)
	}
	if o.Policies == nil {
		o.Policies = toolpolicy.NewRegistry(nil, nil)
	}
	if o.Throttle == nil {
		o.Throttle = NewThrottle()
	}
	if o.Logger == nil {
		o.Logger = telemetry.NoopLogger{}
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NoopMetrics{}
	}
	if o.APITTL <= 0 {
		o.APITTL = idempotency.DefaultAPITTL
	}
	if o.APITTLs == nil {
		o.APITTLs = idempotency.NewTTLSet(o.APITTL)
	}
	if o.TaskQueue == "" {
		o.TaskQueue = api.TaskQueue
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	return &Gateway{
		Engine:      o.Engine,
		Signaler:    o.Signaler,
		Sessions:    o.Sessions,
		Turns:       o.Turns,
		Idempotency: o.Idempotency,
		Policies:    o.Policies,
		Channels:    o.Channels,
		Throttle:    o.Throttle,
		Bus:         o.Bus,

		logger:  o.Logger,
		metrics: o.Metrics,

		clamp:     o.Clamp,
		apiTTLs:   o.APITTLs,
		leaseTTL:  o.LeaseTTL,
		taskQueue: o.TaskQueue,
		now:       o.Now,
	}, nil
}

// Handle ingests one inbound message and returns the gateway's synchronous
// verdict. Invalid envelopes fail with ErrInvalidMessage; infrastructure
// failures return an error with no Ack, leaving any idempotency claims
// unfinished so duplicates inside the window answer "in flight" until the
// claim expires and a retry re-executes.
func (g *Gateway) Handle(ctx context.Context, in *InboundMessage) (*Ack, error) {
	ing, err := g.normalize(in)
	if err != nil {
		return nil, err
	}
	start := g.now()

	// Client request dedup: one claim per idempotency key, completed with
	// the Ack below. A replayed request returns the first attempt's Ack
	// verbatim, whatever its kind; clients that want a fresh attempt after a
	// rejection send a fresh key.
	var apiKey *idempotency.Key
	if in.IdempotencyKey != "" {
		k := idempotency.APIKey(ing.key.Tenant(), in.IdempotencyKey)
		res, err := g.Idempotency.TryRecord(ctx, k, idempotency.MessagePayloadHash(ing.msg), g.apiTTLs.For(ing.key.Tenant()))
		switch {
		case errors.Is(err, idempotency.ErrPayloadMismatch):
			g.publishDecision(ctx, ing.key, "", ing.msg.ID, decisionReject, 0)
			return &Ack{Kind: AckRejected, Reason: "idempotency key reused with a different payload"}, nil
		case err != nil:
			return nil, fmt.Errorf("api idempotency claim: %w", err)
		case !res.Fresh && res.Done:
			return g.replayAck(ctx, res.Value), nil
		case !res.Fresh:
			return &Ack{Kind: AckRejected, Reason: "request already in flight"}, nil
		}
		apiKey = &k
	}

	// Arrival budget. Backpressure runs before the message claim so a
	// rejected arrival leaves no dedup residue and a later retry processes
	// fresh once the budget refills.
	if !g.Throttle.Allow(ctx, ing.key, ing.model.Overflow) {
		g.publishDecision(ctx, ing.key, "", ing.msg.ID, decisionReject, 0)
		return g.finish(ctx, apiKey, &Ack{Kind: AckRejected, Reason: "arrival rate over channel budget"})
	}

	// Message dedup: claim the per-message alias the commit path completes
	// with the turn's envelope. A duplicate inside the beat window replays
	// the committed response, or reports the absorption still in flight.
	msgKey := idempotency.MessageKey(ing.key.Tenant(), ing.msg.ID)
	res, err := g.Idempotency.TryRecord(ctx, msgKey, idempotency.MessagePayloadHash(ing.msg), 0)
	switch {
	case errors.Is(err, idempotency.ErrPayloadMismatch):
		g.publishDecision(ctx, ing.key, "", ing.msg.ID, decisionReject, 0)
		return g.finish(ctx, apiKey, &Ack{Kind: AckRejected, Reason: "message id reused with a different payload"})
	case err != nil:
		return nil, fmt.Errorf("message dedup claim: %w", err)
	case !res.Fresh:
		ack := &Ack{Kind: AckDeduplicated, Reason: "message already absorbed"}
		if res.Done {
			var env outbound.Envelope
			if uerr := json.Unmarshal(res.Value, &env); uerr == nil {
				ack.Envelope = &env
				ack.TurnID = env.TurnID
				ack.Reason = ""
			}
		}
		return g.finish(ctx, apiKey, ack)
	}

	ing.sess = g.lookupSession(ctx, ing, in.UserChannelID)

	ack, err := g.classify(ctx, ing)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordTimer("acf.gateway.handle", g.now().Sub(start), "channel", string(ing.model.Kind))
	return g.finish(ctx, apiKey, ack)
}

// classify runs the decision table against the session's active turn,
// retrying when a conditional write loses its race.
func (g *Gateway) classify(ctx context.Context, ing *ingress) (*Ack, error) {
	for attempt := 0; attempt < classifyAttempts; attempt++ {
		active, err := g.Turns.ActiveTurn(ctx, ing.key)
		if errors.Is(err, turn.ErrNotFound) {
			ack, oerr := g.openTurn(ctx, ing)
			if errors.Is(oerr, errReclassify) {
				continue
			}
			return ack, oerr
		}
		if err != nil {
			return nil, fmt.Errorf("active turn lookup: %w", err)
		}

		switch active.Status {
		case turn.StatusAccumulating:
			ack, aerr := g.absorb(ctx, ing, active)
			if errors.Is(aerr, errReclassify) {
				continue
			}
			return ack, aerr
		case turn.StatusProcessing:
			ack, ierr := g.interrupt(ctx, ing, active)
			if errors.Is(ierr, errReclassify) {
				continue
			}
			return ack, ierr
		default:
			// Terminal row still in the active slot; the store releases it
			// on the next read.
			continue
		}
	}
	return nil, fmt.Errorf("classify message %s: %w", ing.msg.ID, turn.ErrTurnConflict)
}

// openTurn creates a fresh ACCUMULATING turn owning the message and starts
// its workflow. Losing the create race to a concurrent ingress reclassifies.
func (g *Gateway) openTurn(ctx context.Context, ing *ingress) (*Ack, error) {
	now := g.now()
	row := &turn.LogicalTurn{
		ID:         fabric.TurnID(uuid.NewString()),
		SessionKey: ing.key,
		GroupID:    fabric.TurnGroupID(uuid.NewString()),
		Status:     turn.StatusAccumulating,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	row.WorkflowID = api.WorkflowIDFor(row.ID)
	row.AppendMessage(ing.msg)
	if err := g.Turns.Create(ctx, row); err != nil {
		if errors.Is(err, turn.ErrActiveTurnExists) {
			return nil, errReclassify
		}
		return nil, fmt.Errorf("create turn: %w", err)
	}

	input := &api.TurnWorkflowInput{
		SessionKey:        ing.key,
		TurnID:            row.ID,
		GroupID:           row.GroupID,
		Messages:          []fabric.Message{ing.msg},
		Channel:           ing.model,
		DisallowSupersede: !g.Policies.AllowSupersede(ing.agent),
		LeaseTTL:          g.leaseTTL,
	}
	if ing.sess != nil {
		input.CadenceP95 = ing.sess.CadenceP95
		input.Hint = ing.sess.NextTurnHint
	}
	_, err := g.Engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        row.WorkflowID,
		Workflow:  api.WorkflowName,
		TaskQueue: g.taskQueue,
		Input:     input,
	})
	if err != nil && !errors.Is(err, engine.ErrAlreadyStarted) {
		// The row is durable, so the next message for the session repairs
		// the missing execution; the caller still learns the start failed.
		return nil, fmt.Errorf("start workflow for turn %s: %w", row.ID, err)
	}

	g.publishDecision(ctx, ing.key, row.ID, ing.msg.ID, decisionNew, 0)
	g.logger.Debug(ctx, "turn opened",
		"session", string(ing.key), "turn_id", string(row.ID), "msg_id", string(ing.msg.ID))
	return &Ack{Kind: AckAccepted, TurnID: row.ID, EstimatedWait: g.estimateWait(ing)}, nil
}

// absorb signals the accumulating turn's workflow with the message. A dead
// workflow routes to repair.
func (g *Gateway) absorb(ctx context.Context, ing *ingress, active *turn.LogicalTurn) (*Ack, error) {
	if active.WorkflowID == "" {
		return g.repair(ctx, ing, active)
	}
	err := g.Signaler.SignalByID(ctx, active.WorkflowID, "", api.SignalNewMessage, api.MessageSignal{Message: ing.msg})
	if errors.Is(err, engine.ErrWorkflowNotFound) {
		return g.repair(ctx, ing, active)
	}
	if err != nil {
		return nil, fmt.Errorf("signal turn %s: %w", active.ID, err)
	}
	g.publishDecision(ctx, ing.key, active.ID, ing.msg.ID, decisionAbsorb, 0)
	return &Ack{Kind: AckAccepted, TurnID: active.ID, EstimatedWait: g.estimateWait(ing)}, nil
}

// interrupt handles a message landing on a PROCESSING turn. When the turn can
// still be superseded the message is recorded as a pending interrupt and the
// workflow is woken so its next checkpoint sees it; otherwise (irreversible
// side effect on the ledger, or the agent bars supersede) the message parks
// on the overflow queue for the next turn.
func (g *Gateway) interrupt(ctx context.Context, ing *ingress, active *turn.LogicalTurn) (*Ack, error) {
	if active.CanAbsorbMessage() && g.Policies.AllowSupersede(ing.agent) {
		if err := g.Turns.AppendPendingInterrupt(ctx, active.ID, ing.msg, turn.StatusProcessing); err != nil {
			if errors.Is(err, turn.ErrTurnConflict) || errors.Is(err, turn.ErrNotFound) {
				return nil, errReclassify
			}
			return nil, fmt.Errorf("record pending interrupt on %s: %w", active.ID, err)
		}
		// The interrupt is durable on the row. A dead workflow just means
		// the repair execution finds it there, so only delivery failures of
		// a live workflow are fatal.
		if active.WorkflowID == "" {
			return g.repair(ctx, ing, active)
		}
		sig := api.MessageSignal{Message: ing.msg, Interrupt: true}
		err := g.Signaler.SignalByID(ctx, active.WorkflowID, "", api.SignalNewMessage, sig)
		if errors.Is(err, engine.ErrWorkflowNotFound) {
			return g.repair(ctx, ing, active)
		}
		if err != nil {
			return nil, fmt.Errorf("signal turn %s: %w", active.ID, err)
		}
		g.publishDecision(ctx, ing.key, active.ID, ing.msg.ID, decisionSupersede, 0)
		return &Ack{Kind: AckAccepted, TurnID: active.ID}, nil
	}

	limit := ing.model.Overflow.N
	if limit <= 0 {
		limit = defaultOverflowLimit
	}
	depth, err := g.Turns.ParkOverflow(ctx, ing.key, ing.msg, limit)
	if errors.Is(err, turn.ErrQueueFull) {
		g.publishDecision(ctx, ing.key, active.ID, ing.msg.ID, decisionReject, depth)
		return &Ack{Kind: AckRejected, Reason: "overflow queue full"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("park message for %s: %w", ing.key, err)
	}
	g.publishDecision(ctx, ing.key, active.ID, ing.msg.ID, decisionQueue, depth)
	return &Ack{Kind: AckQueued, Deferred: true}, nil
}

// repair starts a replacement execution for an active turn whose workflow
// died. The replacement adopts the stale row on its own: it supersedes it
// into a successor carrying the absorbed and pending messages, so passing the
// new message along is duplicate-safe.
func (g *Gateway) repair(ctx context.Context, ing *ingress, active *turn.LogicalTurn) (*Ack, error) {
	input := &api.TurnWorkflowInput{
		SessionKey:        ing.key,
		Messages:          []fabric.Message{ing.msg},
		Channel:           ing.model,
		DisallowSupersede: !g.Policies.AllowSupersede(ing.agent),
		LeaseTTL:          g.leaseTTL,
	}
	if ing.sess != nil {
		input.CadenceP95 = ing.sess.CadenceP95
		input.Hint = ing.sess.NextTurnHint
	}
	_, err := g.Engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        api.RepairWorkflowID(uuid.NewString()),
		Workflow:  api.WorkflowName,
		TaskQueue: g.taskQueue,
		Input:     input,
	})
	if err != nil && !errors.Is(err, engine.ErrAlreadyStarted) {
		return nil, fmt.Errorf("start repair workflow for %s: %w", ing.key, err)
	}
	g.logger.Warn(ctx, "dead turn workflow repaired",
		"session", string(ing.key), "turn_id", string(active.ID), "workflow_id", active.WorkflowID)
	g.metrics.IncCounter("acf.gateway.repairs", 1, "channel", string(ing.model.Kind))
	g.publishDecision(ctx, ing.key, active.ID, ing.msg.ID, decisionAbsorb, 0)
	return &Ack{Kind: AckAccepted, TurnID: active.ID, EstimatedWait: g.estimateWait(ing)}, nil
}

// ForceRelease asks the session's running turn workflow to stop and free the
// session lock. Sessions with no active turn or no live workflow are already
// released, so the call is idempotent.
func (g *Gateway) ForceRelease(ctx context.Context, key fabric.SessionKey, reason, requestedBy string) error {
	active, err := g.Turns.ActiveTurn(ctx, key)
	if errors.Is(err, turn.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("active turn lookup: %w", err)
	}
	if active.WorkflowID == "" {
		return nil
	}
	sig := api.ForceReleaseSignal{Reason: reason, RequestedBy: requestedBy}
	err = g.Signaler.SignalByID(ctx, active.WorkflowID, "", api.SignalForceRelease, sig)
	if errors.Is(err, engine.ErrWorkflowNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("force release turn %s: %w", active.ID, err)
	}
	g.logger.Info(ctx, "force release signaled",
		"session", string(key), "turn_id", string(active.ID), "requested_by", requestedBy)
	return nil
}

// normalize validates the envelope and resolves the classification inputs.
func (g *Gateway) normalize(in *InboundMessage) (*ingress, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrInvalidMessage)
	}
	if in.MessageID == "" {
		return nil, fmt.Errorf("%w: missing message id", ErrInvalidMessage)
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Attrs) == 0 {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	key, err := fabric.NewSessionKey(
		fabric.TenantID(in.TenantID),
		fabric.AgentID(in.AgentID),
		fabric.InterlocutorID(in.InterlocutorID),
		fabric.ChannelKind(in.Channel),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msg := fabric.Message{
		ID:      fabric.MessageID(in.MessageID),
		Content: in.Content,
		At:      in.At,
		Attrs:   in.Attrs,
	}
	if msg.At.IsZero() {
		msg.At = g.now()
	}
	return &ingress{
		key:   key,
		agent: fabric.AgentID(in.AgentID),
		msg:   msg,
		model: g.Channels.Model(fabric.ChannelKind(in.Channel)),
	}, nil
}

// lookupSession loads the session for cadence and hint context, creating the
// row on first contact so the channel identity gets indexed. Best effort:
// classification proceeds without a session when the store misbehaves.
func (g *Gateway) lookupSession(ctx context.Context, ing *ingress, userChannelID string) *session.Session {
	sess, err := g.Sessions.Get(ctx, ing.key)
	if err == nil {
		return sess
	}
	if !errors.Is(err, session.ErrNotFound) {
		g.logger.Warn(ctx, "session lookup failed", "session", string(ing.key), "err", err)
		return nil
	}
	sess, err = session.New(ing.key, g.now())
	if err != nil {
		g.logger.Warn(ctx, "session create failed", "session", string(ing.key), "err", err)
		return nil
	}
	sess.UserChannelID = userChannelID
	if err := g.Sessions.Save(ctx, sess); err != nil {
		g.logger.Warn(ctx, "session save failed", "session", string(ing.key), "err", err)
	}
	return sess
}

// estimateWait predicts the turn's accumulation window for the Ack.
func (g *Gateway) estimateWait(ing *ingress) time.Duration {
	input := accumulate.Input{
		Content: ing.msg.Content,
		Channel: ing.model,
		Clamp:   g.clamp,
	}
	if ing.sess != nil {
		input.CadenceP95 = ing.sess.CadenceP95
		input.Hint = ing.sess.NextTurnHint
	}
	return accumulate.Suggest(input)
}

// finish completes the API idempotency claim with the Ack so duplicates of
// the request replay it.
func (g *Gateway) finish(ctx context.Context, apiKey *idempotency.Key, ack *Ack) (*Ack, error) {
	if apiKey == nil {
		return ack, nil
	}
	value, err := json.Marshal(ack)
	if err != nil {
		g.logger.Warn(ctx, "ack encode failed", "err", err)
		return ack, nil
	}
	if err := g.Idempotency.Complete(ctx, *apiKey, value); err != nil {
		g.logger.Warn(ctx, "api idempotency completion failed", "key", apiKey.String(), "err", err)
	}
	return ack, nil
}

// replayAck decodes a stored Ack and remarks it as a dedup replay. The turn
// identity and wait estimate of the original answer survive; only the kind
// changes so clients can tell a replay from a first acceptance.
func (g *Gateway) replayAck(ctx context.Context, value []byte) *Ack {
	var ack Ack
	if err := json.Unmarshal(value, &ack); err != nil {
		g.logger.Warn(ctx, "stored ack decode failed", "err", err)
		return &Ack{Kind: AckDeduplicated}
	}
	ack.Kind = AckDeduplicated
	return &ack
}

// publishDecision broadcasts one classification verdict and counts it.
// Subscriber failures are logged, never propagated.
func (g *Gateway) publishDecision(ctx context.Context, key fabric.SessionKey, turnID fabric.TurnID, msgID fabric.MessageID, decision string, depth int) {
	evt := hooks.NewGatewayDecisionEvent(key, turnID, msgID, decision, depth)
	if err := g.Bus.Publish(ctx, evt); err != nil {
		g.logger.Warn(ctx, "hook publish failed", "event", string(evt.Type()), "err", err)
	}
	g.metrics.IncCounter("acf.gateway.decisions", 1, "decision", decision)
}

// Package workflow implements the durable logical-turn workflow: acquire the
// session lock, accumulate the message beat, run the Brain pipeline, commit
// exactly one response. The Runtime wires the fabric's collaborators (lock,
// stores, Brain, dispatcher, audit sink) into engine activities and registers
// the workflow definition; workflow code itself never touches a store or the
// Brain directly. Every read and write crosses an activity boundary so the
// engine can record results and replay them deterministically.
//
// One workflow execution owns one logical turn. Supersede decisions end the
// execution and launch a successor workflow for the replacement turn; queued
// overflow drains into a fresh turn (new group) launched after commit. The
// session lock is held from the first activity to the terminal path, renewed
// between steps, and released before any successor starts so the successor
// can acquire it without waiting out the lease.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/accumulate"
	"goa.design/acf/runtime/fabric/api"
	"goa.design/acf/runtime/fabric/audit"
	"goa.design/acf/runtime/fabric/brain"
	"goa.design/acf/runtime/fabric/channel"
	"goa.design/acf/runtime/fabric/engine"
	"goa.design/acf/runtime/fabric/hooks"
	"goa.design/acf/runtime/fabric/idempotency"
	"goa.design/acf/runtime/fabric/lock"
	"goa.design/acf/runtime/fabric/outbound"
	"goa.design/acf/runtime/fabric/session"
	"goa.design/acf/runtime/fabric/telemetry"
	"goa.design/acf/runtime/fabric/toolpolicy"
	"goa.design/acf/runtime/fabric/turn"

	"github.com/google/uuid"
)

// ErrInvalidConfig indicates the runtime was built without a required
// collaborator.
var ErrInvalidConfig = errors.New("invalid workflow runtime configuration")

const (
	// DefaultMaxAccumulation caps the total time a turn stays ACCUMULATING
	// regardless of how often follow-ups extend the window.
	DefaultMaxAccumulation = 30 * time.Second

	// DefaultAcquireTimeout caps how long a starting workflow blocks on the
	// session lock before failing.
	DefaultAcquireTimeout = 10 * time.Second

	// DefaultDrainMax bounds how many parked messages the post-commit drain
	// hands to the successor turn.
	DefaultDrainMax = 16

	defaultStoreTimeout  = 30 * time.Second
	defaultBrainTimeout  = 5 * time.Minute
	defaultCommitTimeout = 30 * time.Second
	defaultOverflowLimit = 10
)

type (
	// Compensator undoes one COMPENSATABLE side effect. Deployments register
	// an implementation that routes CompensationRef to the owning tool
	// backend; without one the compensation path logs the effects it had to
	// leave in place.
	Compensator interface {
		Compensate(ctx context.Context, key fabric.SessionKey, effect turn.SideEffect) error
	}

	// Runtime binds the fabric's collaborators to the turn workflow and its
	// activities. Build it with New, then call Register before starting the
	// engine's workers.
	Runtime struct {
		// Engine runs workflows and activities.
		Engine engine.Engine
		// Signaler delivers signals by workflow ID. Defaults to Engine when
		// the engine implements it.
		Signaler engine.Signaler
		// Mutex is the distributed session lock.
		Mutex lock.Mutex
		// Sessions is the two-tier session store.
		Sessions *session.Store
		// Turns is the turn store.
		Turns turn.Store
		// Idempotency is the dedup record store.
		Idempotency idempotency.Store
		// Brain runs turn pipelines.
		Brain brain.Brain
		// Dispatcher receives committed outbound envelopes.
		Dispatcher outbound.Dispatcher
		// Audit is the terminal-turn record sink.
		Audit audit.Sink
		// Policies resolves tool side-effect policies and agent rules.
		Policies *toolpolicy.Registry
		// Channels resolves channel models.
		Channels *channel.Set
		// Bus broadcasts lifecycle hook events.
		Bus hooks.Bus
		// Compensator undoes compensatable effects on failure paths. May be
		// nil.
		Compensator Compensator

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		clamp           accumulate.Clamp
		maxAccumulation time.Duration
		leaseTTL        time.Duration
		acquireTimeout  time.Duration
		drainMax        int
		taskQueue       string
		now             func() time.Time

		mu         sync.Mutex
		registered bool
	}

	// Options collects the runtime's collaborators and tuning knobs. Nil
	// collaborators that have safe defaults (bus, channels, policies,
	// telemetry) are substituted by New; the rest are validated by Register.
	Options struct {
		Engine      engine.Engine
		Signaler    engine.Signaler
		Mutex       lock.Mutex
		Sessions    *session.Store
		Turns       turn.Store
		Idempotency idempotency.Store
		Brain       brain.Brain
		Dispatcher  outbound.Dispatcher
		Audit       audit.Sink
		Policies    *toolpolicy.Registry
		Channels    *channel.Set
		Bus         hooks.Bus
		Compensator Compensator

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer

		// Clamp bounds accumulation wait suggestions.
		Clamp accumulate.Clamp
		// MaxAccumulation caps the total accumulation span of one turn.
		MaxAccumulation time.Duration
		// LeaseTTL is the session lock lease duration.
		LeaseTTL time.Duration
		// AcquireTimeout caps the blocking lock acquire at workflow start.
		AcquireTimeout time.Duration
		// DrainMax bounds the post-commit overflow drain.
		DrainMax int
		// TaskQueue is the queue workflows and activities run on.
		TaskQueue string
		// Now overrides the wall clock used by activities. Tests inject it.
		Now func() time.Time
	}

	// RuntimeOption configures the runtime.
	RuntimeOption func(*Options)
)

// WithEngine sets the workflow engine.
func WithEngine(e engine.Engine) RuntimeOption {
	return func(o *Options) { o.Engine = e }
}

// WithSignaler overrides the signaler used for incumbent handoff. Defaults
// to the engine when it implements engine.Signaler.
func WithSignaler(s engine.Signaler) RuntimeOption {
	return func(o *Options) { o.Signaler = s }
}

// WithMutex sets the distributed session lock.
func WithMutex(m lock.Mutex) RuntimeOption {
	return func(o *Options) { o.Mutex = m }
}

// WithSessionStore sets the session store.
func WithSessionStore(s *session.Store) RuntimeOption {
	return func(o *Options) { o.Sessions = s }
}

// WithTurnStore sets the turn store.
func WithTurnStore(s turn.Store) RuntimeOption {
	return func(o *Options) { o.Turns = s }
}

// WithIdempotencyStore sets the dedup record store.
func WithIdempotencyStore(s idempotency.Store) RuntimeOption {
	return func(o *Options) { o.Idempotency = s }
}

// WithBrain sets the cognitive engine.
func WithBrain(b brain.Brain) RuntimeOption {
	return func(o *Options) { o.Brain = b }
}

// WithDispatcher sets the outbound envelope dispatcher.
func WithDispatcher(d outbound.Dispatcher) RuntimeOption {
	return func(o *Options) { o.Dispatcher = d }
}

// WithAuditSink sets the terminal-turn audit sink.
func WithAuditSink(a audit.Sink) RuntimeOption {
	return func(o *Options) { o.Audit = a }
}

// WithPolicies sets the tool policy registry.
func WithPolicies(p *toolpolicy.Registry) RuntimeOption {
	return func(o *Options) { o.Policies = p }
}

// WithChannels sets the channel model set.
func WithChannels(c *channel.Set) RuntimeOption {
	return func(o *Options) { o.Channels = c }
}

// WithBus sets the lifecycle hook bus.
func WithBus(b hooks.Bus) RuntimeOption {
	return func(o *Options) { o.Bus = b }
}

// WithCompensator sets the side-effect compensator.
func WithCompensator(c Compensator) RuntimeOption {
	return func(o *Options) { o.Compensator = c }
}

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) RuntimeOption {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) RuntimeOption {
	return func(o *Options) { o.Metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) RuntimeOption {
	return func(o *Options) { o.Tracer = t }
}

// WithClamp bounds accumulation wait suggestions.
func WithClamp(c accumulate.Clamp) RuntimeOption {
	return func(o *Options) { o.Clamp = c }
}

// WithMaxAccumulation caps the total accumulation span of one turn.
func WithMaxAccumulation(d time.Duration) RuntimeOption {
	return func(o *Options) { o.MaxAccumulation = d }
}

// WithLeaseTTL sets the session lock lease duration.
func WithLeaseTTL(d time.Duration) RuntimeOption {
	return func(o *Options) { o.LeaseTTL = d }
}

// WithAcquireTimeout caps the blocking lock acquire at workflow start.
func WithAcquireTimeout(d time.Duration) RuntimeOption {
	return func(o *Options) { o.AcquireTimeout = d }
}

// WithDrainMax bounds the post-commit overflow drain.
func WithDrainMax(n int) RuntimeOption {
	return func(o *Options) { o.DrainMax = n }
}

// WithTaskQueue sets the queue workflows and activities run on.
func WithTaskQueue(q string) RuntimeOption {
	return func(o *Options) { o.TaskQueue = q }
}

// WithClock overrides the wall clock used by activities.
func WithClock(now func() time.Time) RuntimeOption {
	return func(o *Options) { o.Now = now }
}

// New builds a runtime from the given options. Optional collaborators get
// no-op or in-memory defaults; required ones are checked by Register.
func New(opts ...RuntimeOption) *Runtime {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return newFromOptions(o)
}

func newFromOptions(o Options) *Runtime {
	if o.Bus == nil {
		o.Bus = hooks.NewBus()
	}
	if o.Channels == nil {
		o.Channels = channel.NewSet(nil)
	}
	if o.Policies == nil {
		o.Policies = toolpolicy.NewRegistry(nil, nil)
	}
	if o.Logger == nil {
		o.Logger = telemetry.NoopLogger{}
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NoopMetrics{}
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.NoopTracer{}
	}
	if o.Signaler == nil {
		if s, ok := o.Engine.(engine.Signaler); ok {
			o.Signaler = s
		}
	}
	if o.MaxAccumulation <= 0 {
		o.MaxAccumulation = DefaultMaxAccumulation
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = lock.DefaultLeaseTTL
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	if o.DrainMax <= 0 {
		o.DrainMax = DefaultDrainMax
	}
	if o.TaskQueue == "" {
		o.TaskQueue = api.TaskQueue
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	return &Runtime{
		Engine:      o.Engine,
		Signaler:    o.Signaler,
		Mutex:       o.Mutex,
		Sessions:    o.Sessions,
		Turns:       o.Turns,
		Idempotency: o.Idempotency,
		Brain:       o.Brain,
		Dispatcher:  o.Dispatcher,
		Audit:       o.Audit,
		Policies:    o.Policies,
		Channels:    o.Channels,
		Bus:         o.Bus,
		Compensator: o.Compensator,

		logger:  o.Logger,
		metrics: o.Metrics,
		tracer:  o.Tracer,

		clamp:           o.Clamp,
		maxAccumulation: o.MaxAccumulation,
		leaseTTL:        o.LeaseTTL,
		acquireTimeout:  o.AcquireTimeout,
		drainMax:        o.DrainMax,
		taskQueue:       o.TaskQueue,
		now:             o.Now,
	}
}

// Register installs the turn workflow definition and every activity with the
// engine. It validates required collaborators first and is idempotent.
func (r *Runtime) Register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered {
		return nil
	}
	if err := r.validate(); err != nil {
		return err
	}

	def := engine.WorkflowDefinition{
		Name:      api.WorkflowName,
		TaskQueue: r.taskQueue,
		Handler:   r.TurnWorkflow,
	}
	if err := r.Engine.RegisterWorkflow(ctx, def); err != nil {
		return fmt.Errorf("register turn workflow: %w", err)
	}

	// Acquire blocks up to the configured timeout inside the activity, so
	// its engine timeout must exceed it and the engine must not add retries
	// on top of the internal blocking.
	acquireOpts := engine.ActivityOptions{
		Timeout:     r.acquireTimeout + defaultStoreTimeout,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}
	if err := r.Engine.RegisterLockActivity(ctx, api.ActivityLockAcquire, acquireOpts, r.AcquireLockActivity); err != nil {
		return fmt.Errorf("register %s: %w", api.ActivityLockAcquire, err)
	}
	storeOpts := engine.ActivityOptions{Timeout: defaultStoreTimeout}
	if err := r.Engine.RegisterLockActivity(ctx, api.ActivityLockRenew, storeOpts, r.RenewLockActivity); err != nil {
		return fmt.Errorf("register %s: %w", api.ActivityLockRenew, err)
	}
	if err := r.Engine.RegisterLockActivity(ctx, api.ActivityLockRelease, storeOpts, r.ReleaseLockActivity); err != nil {
		return fmt.Errorf("register %s: %w", api.ActivityLockRelease, err)
	}

	turnActivities := []struct {
		name string
		fn   func(context.Context, *api.TurnActivityInput) (*api.TurnActivityOutput, error)
	}{
		{api.ActivityTurnAdopt, r.AdoptTurnActivity},
		{api.ActivityTurnAppend, r.AppendTurnActivity},
		{api.ActivityTurnPromote, r.PromoteTurnActivity},
		{api.ActivityTurnPark, r.ParkTurnActivity},
		{api.ActivityTurnDrain, r.DrainTurnActivity},
		{api.ActivityTurnRecordInterrupt, r.RecordInterruptActivity},
		{api.ActivityTurnResolveInterrupt, r.ResolveInterruptActivity},
		{api.ActivityTurnSupersedeSpawn, r.SupersedeSpawnActivity},
		{api.ActivityTurnLaunch, r.LaunchTurnActivity},
	}
	for _, a := range turnActivities {
		if err := r.Engine.RegisterTurnActivity(ctx, a.name, storeOpts, a.fn); err != nil {
			return fmt.Errorf("register %s: %w", a.name, err)
		}
	}

	// The pipeline is not safe to retry blindly: tool executions inside it
	// claim their own idempotency keys, and the workflow handles failures
	// explicitly through compensation.
	brainOpts := engine.ActivityOptions{
		Timeout:     defaultBrainTimeout,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
	}
	if err := r.Engine.RegisterBrainActivity(ctx, api.ActivityBrainProcess, brainOpts, r.ProcessBrainActivity); err != nil {
		return fmt.Errorf("register %s: %w", api.ActivityBrainProcess, err)
	}

	commitOpts := engine.ActivityOptions{Timeout: defaultCommitTimeout}
	if err := r.Engine.RegisterCommitActivity(ctx, api.ActivityCommit, commitOpts, r.CommitTurnActivity); err != nil {
		return fmt.Errorf("register %s: %w", api.ActivityCommit, err)
	}
	if err := r.Engine.RegisterCompensateActivity(ctx, api.ActivityCompensate, commitOpts, r.CompensateTurnActivity); err != nil {
		return fmt.Errorf("register %s: %w", api.ActivityCompensate, err)
	}

	r.registered = true
	return nil
}

func (r *Runtime) validate() error {
	switch {
	case r.Engine == nil:
		return fmt.Errorf("%w: missing engine", ErrInvalidConfig)
	case r.Mutex == nil:
		return fmt.Errorf("%w: missing session mutex", ErrInvalidConfig)
	case r.Sessions == nil:
		return fmt.Errorf("%w: missing session store", ErrInvalidConfig)
	case r.Turns == nil:
		return fmt.Errorf("%w: missing turn store", ErrInvalidConfig)
	case r.Idempotency == nil:
		return fmt.Errorf("%w: missing idempotency store", ErrInvalidConfig)
	case r.Brain == nil:
		return fmt.Errorf("%w: missing brain", ErrInvalidConfig)
	case r.Dispatcher == nil:
		return fmt.Errorf("%w: missing outbound dispatcher", ErrInvalidConfig)
	case r.Audit == nil:
		return fmt.Errorf("%w: missing audit sink", ErrInvalidConfig)
	}
	return nil
}

// StartTurn launches the durable workflow for a gateway-created turn. An
// empty TurnID starts a repair execution that adopts the session's active
// turn on its own; repair IDs carry a nonce so they never collide with the
// execution they replace.
func (r *Runtime) StartTurn(ctx context.Context, input *api.TurnWorkflowInput) (engine.WorkflowHandle, error) {
	if input == nil || input.SessionKey == "" {
		return nil, fmt.Errorf("%w: start turn requires a session key", ErrInvalidConfig)
	}
	id := api.RepairWorkflowID(uuid.NewString())
	if input.TurnID != "" {
		id = api.WorkflowIDFor(input.TurnID)
	}
	return r.Engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        id,
		Workflow:  api.WorkflowName,
		TaskQueue: r.taskQueue,
		Input:     input,
	})
}

// overflowLimit resolves the channel's overflow queue capacity for the
// session's channel kind.
func (r *Runtime) overflowLimit(key fabric.SessionKey) int {
	if m := r.Channels.Model(key.Channel()); m.Overflow.N > 0 {
		return m.Overflow.N
	}
	return defaultOverflowLimit
}

// publishHook broadcasts a lifecycle event. Subscriber failures are logged,
// never propagated: hooks observe the fabric, they do not steer it.
func (r *Runtime) publishHook(ctx context.Context, evt hooks.Event) {
	if err := r.Bus.Publish(ctx, evt); err != nil {
		r.logger.Warn(ctx, "hook publish failed", "event", string(evt.Type()), "err", err)
	}
}

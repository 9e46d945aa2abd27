package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"goa.design/acf/runtime/fabric/api"
	"goa.design/acf/runtime/fabric/engine"
)

type temporalWorkflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
	baseCtx    context.Context
}

// NewWorkflowContext adapts a Temporal workflow.Context into the
// engine.WorkflowContext used by the fabric runtime. This is useful when
// invoking the turn workflow body from workflows that are not started via the
// fabric engine but run in the same Temporal worker.
//
// The returned WorkflowContext uses the engine defaults for activity options
// (queue, timeouts, retry) when invoking typed lock/turn/brain activities.
func NewWorkflowContext(e *Engine, ctx workflow.Context) engine.WorkflowContext {
	return newTemporalWorkflowContext(e, ctx)
}

func newTemporalWorkflowContext(e *Engine, ctx workflow.Context) *temporalWorkflowContext {
	info := workflow.GetInfo(ctx)
	wfCtx := &temporalWorkflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
		baseCtx:    e.workflowBaseContext(info.WorkflowExecution.RunID),
	}
	e.trackWorkflowContext(wfCtx.runID, wfCtx)
	return wfCtx
}

type contextKey string

const (
	workflowIDKey contextKey = "temporal.workflow_id"
	runIDKey      contextKey = "temporal.run_id"
)

func (w *temporalWorkflowContext) Context() context.Context {
	ctx := w.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, workflowIDKey, w.workflowID)
	ctx = context.WithValue(ctx, runIDKey, w.runID)
	return engine.WithWorkflowContext(ctx, w)
}

func (w *temporalWorkflowContext) SetQueryHandler(name string, handler any) error {
	return workflow.SetQueryHandler(w.ctx, name, handler)
}

func (w *temporalWorkflowContext) WorkflowID() string {
	return w.workflowID
}

func (w *temporalWorkflowContext) RunID() string {
	return w.runID
}

func (w *temporalWorkflowContext) ExecuteLockActivity(_ context.Context, call engine.LockActivityCall) (*api.LockActivityOutput, error) {
	if call.Name == "" {
		return nil, errors.New("lock activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("lock activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	var out *api.LockActivityOutput
	if err := fut.Get(actx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *temporalWorkflowContext) ExecuteTurnActivity(_ context.Context, call engine.TurnActivityCall) (*api.TurnActivityOutput, error) {
	if call.Name == "" {
		return nil, errors.New("turn activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("turn activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	var out *api.TurnActivityOutput
	if err := fut.Get(actx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *temporalWorkflowContext) ExecuteBrainActivity(ctx context.Context, call engine.BrainActivityCall) (*api.BrainActivityOutput, error) {
	fut, err := w.ExecuteBrainActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *temporalWorkflowContext) ExecuteBrainActivityAsync(_ context.Context, call engine.BrainActivityCall) (engine.Future[*api.BrainActivityOutput], error) {
	if call.Name == "" {
		return nil, errors.New("brain activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("brain activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	return &temporalFuture[*api.BrainActivityOutput]{future: fut, ctx: actx}, nil
}

func (w *temporalWorkflowContext) ExecuteCommitActivity(_ context.Context, call engine.CommitActivityCall) (*api.CommitActivityOutput, error) {
	if call.Name == "" {
		return nil, errors.New("commit activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("commit activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	var out *api.CommitActivityOutput
	if err := fut.Get(actx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *temporalWorkflowContext) ExecuteCompensateActivity(_ context.Context, call engine.CompensateActivityCall) (*api.CompensateActivityOutput, error) {
	if call.Name == "" {
		return nil, errors.New("compensate activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("compensate activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	var out *api.CompensateActivityOutput
	if err := fut.Get(actx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *temporalWorkflowContext) Messages() engine.Receiver[api.MessageSignal] {
	ch := workflow.GetSignalChannel(w.ctx, api.SignalNewMessage)
	return &temporalReceiver[api.MessageSignal]{
		ctx: w.ctx,
		ch:  ch,
	}
}

func (w *temporalWorkflowContext) ForceReleases() engine.Receiver[api.ForceReleaseSignal] {
	ch := workflow.GetSignalChannel(w.ctx, api.SignalForceRelease)
	return &temporalReceiver[api.ForceReleaseSignal]{
		ctx: w.ctx,
		ch:  ch,
	}
}

func (w *temporalWorkflowContext) Now() time.Time {
	return workflow.Now(w.ctx)
}

// NewTimer wraps workflow.NewTimer so the accumulation window replays
// deterministically. The returned future reports workflow time at the moment
// it fires.
func (w *temporalWorkflowContext) NewTimer(_ context.Context, d time.Duration) (engine.Future[time.Time], error) {
	if d <= 0 {
		return readyTimeFuture{at: workflow.Now(w.ctx)}, nil
	}
	return &timerFuture{future: workflow.NewTimer(w.ctx, d), ctx: w.ctx}, nil
}

func (w *temporalWorkflowContext) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return workflow.Await(w.ctx, condition)
}

// WithCancel derives a cancelable workflow scope sharing this execution's
// identity. The derived context is not re-tracked: activity-side lookups must
// keep resolving to the root context for the lifetime of the run.
func (w *temporalWorkflowContext) WithCancel() (engine.WorkflowContext, func()) {
	cctx, cancel := workflow.WithCancel(w.ctx)
	derived := &temporalWorkflowContext{
		engine:     w.engine,
		ctx:        cctx,
		workflowID: w.workflowID,
		runID:      w.runID,
		baseCtx:    w.baseCtx,
	}
	return derived, func() { cancel() }
}

func (w *temporalWorkflowContext) activityOptionsFor(name string, override engine.ActivityOptions) workflow.ActivityOptions {
	defaults := w.engine.activityDefaultsFor(name)

	queue := override.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = w.engine.defaultQueue
	}

	timeout := override.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	retry := mergeRetryPolicies(defaults.RetryPolicy, override.RetryPolicy)

	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		TaskQueue:           queue,
		RetryPolicy:         convertRetryPolicy(retry),
	}
}

type temporalFuture[T any] struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *temporalFuture[T]) Get(_ context.Context) (T, error) {
	var out T
	if err := f.future.Get(f.ctx, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (f *temporalFuture[T]) IsReady() bool {
	return f.future.IsReady()
}

type timerFuture struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *timerFuture) Get(_ context.Context) (time.Time, error) {
	if err := f.future.Get(f.ctx, nil); err != nil {
		return time.Time{}, err
	}
	return workflow.Now(f.ctx), nil
}

func (f *timerFuture) IsReady() bool {
	return f.future.IsReady()
}

type readyTimeFuture struct {
	at time.Time
}

func (f readyTimeFuture) Get(context.Context) (time.Time, error) {
	return f.at, nil
}

func (readyTimeFuture) IsReady() bool {
	return true
}

type temporalReceiver[T any] struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (r *temporalReceiver[T]) Receive(ctx context.Context) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	var out T
	r.ch.Receive(r.ctx, &out)
	return out, nil
}

func (r *temporalReceiver[T]) ReceiveAsync() (T, bool) {
	var out T
	if ok := r.ch.ReceiveAsync(&out); ok {
		return out, true
	}
	return out, false
}

func (r *temporalReceiver[T]) Pending() bool {
	return r.ch.Len() > 0
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

func mergeRetryPolicies(base, override engine.RetryPolicy) engine.RetryPolicy {
	result := base
	if override.MaxAttempts != 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	return result
}

func convertRetryPolicy(r engine.RetryPolicy) *temporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		//nolint:gosec // Bounded by configuration validation well below int32 range.
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}

// Package inmem provides an in-memory implementation of the workflow engine
// for testing and development.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/acf/runtime/fabric/api"
	"goa.design/acf/runtime/fabric/engine"
)

type (
	eng struct {
		mu sync.RWMutex

		workflows map[string]engine.WorkflowDefinition

		lockActivities       map[string]lockActivityDef
		turnActivities       map[string]turnActivityDef
		brainActivities      map[string]brainActivityDef
		commitActivities     map[string]commitActivityDef
		compensateActivities map[string]compensateActivityDef

		handles  map[string]*handle
		statuses map[string]engine.RunStatus
	}

	lockActivityDef struct {
		handler func(context.Context, *api.LockActivityInput) (*api.LockActivityOutput, error)
		opts    engine.ActivityOptions
	}

	turnActivityDef struct {
		handler func(context.Context, *api.TurnActivityInput) (*api.TurnActivityOutput, error)
		opts    engine.ActivityOptions
	}

	brainActivityDef struct {
		handler func(context.Context, *api.BrainActivityInput) (*api.BrainActivityOutput, error)
		opts    engine.ActivityOptions
	}

	commitActivityDef struct {
		handler func(context.Context, *api.CommitActivityInput) (*api.CommitActivityOutput, error)
		opts    engine.ActivityOptions
	}

	compensateActivityDef struct {
		handler func(context.Context, *api.CompensateActivityInput) (*api.CompensateActivityOutput, error)
		opts    engine.ActivityOptions
	}

	handle struct {
		mu     sync.Mutex
		done   chan struct{}
		err    error
		result *api.TurnWorkflowOutput
		wfCtx  *wfCtx
		cancel context.CancelFunc
	}

	wfCtx struct {
		ctx    context.Context
		cancel context.CancelFunc
		id     string
		runID  string
		eng    *eng

		messageCh chan api.MessageSignal
		releaseCh chan api.ForceReleaseSignal
	}

	future[T any] struct {
		ready  chan struct{}
		result T
		err    error
	}

	receiver[T any] struct {
		ch chan T
	}
)

// New returns a new in-memory Engine implementation suitable for local
// development, tests, and simple single-process runs. It is not deterministic
// or replay-safe and should not be used for production workloads. It also
// implements engine.Signaler so the gateway can deliver messages by workflow
// ID the way it does against Temporal.
func New() engine.Engine {
	return &eng{
		handles:  make(map[string]*handle),
		statuses: make(map[string]engine.RunStatus),
	}
}

func (e *eng) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Handler == nil || def.Name == "" {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workflows == nil {
		e.workflows = make(map[string]engine.WorkflowDefinition)
	}
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterLockActivity registers a typed session lock activity.
func (e *eng) RegisterLockActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.LockActivityInput) (*api.LockActivityOutput, error)) error {
	if name == "" {
		return errors.New("lock activity name is required")
	}
	if fn == nil {
		return errors.New("lock activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lockActivities == nil {
		e.lockActivities = make(map[string]lockActivityDef)
	}
	if _, dup := e.lockActivities[name]; dup {
		return fmt.Errorf("lock activity %q already registered", name)
	}
	e.lockActivities[name] = lockActivityDef{handler: fn, opts: opts}
	return nil
}

// RegisterTurnActivity registers a typed turn store activity.
func (e *eng) RegisterTurnActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.TurnActivityInput) (*api.TurnActivityOutput, error)) error {
	if name == "" {
		return errors.New("turn activity name is required")
	}
	if fn == nil {
		return errors.New("turn activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.turnActivities == nil {
		e.turnActivities = make(map[string]turnActivityDef)
	}
	if _, dup := e.turnActivities[name]; dup {
		return fmt.Errorf("turn activity %q already registered", name)
	}
	e.turnActivities[name] = turnActivityDef{handler: fn, opts: opts}
	return nil
}

// RegisterBrainActivity registers the typed pipeline activity.
func (e *eng) RegisterBrainActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.BrainActivityInput) (*api.BrainActivityOutput, error)) error {
	if name == "" {
		return errors.New("brain activity name is required")
	}
	if fn == nil {
		return errors.New("brain activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.brainActivities == nil {
		e.brainActivities = make(map[string]brainActivityDef)
	}
	if _, dup := e.brainActivities[name]; dup {
		return fmt.Errorf("brain activity %q already registered", name)
	}
	e.brainActivities[name] = brainActivityDef{handler: fn, opts: opts}
	return nil
}

// RegisterCommitActivity registers the typed commit activity.
func (e *eng) RegisterCommitActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.CommitActivityInput) (*api.CommitActivityOutput, error)) error {
	if name == "" {
		return errors.New("commit activity name is required")
	}
	if fn == nil {
		return errors.New("commit activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.commitActivities == nil {
		e.commitActivities = make(map[string]commitActivityDef)
	}
	if _, dup := e.commitActivities[name]; dup {
		return fmt.Errorf("commit activity %q already registered", name)
	}
	e.commitActivities[name] = commitActivityDef{handler: fn, opts: opts}
	return nil
}

// RegisterCompensateActivity registers the typed compensation activity.
func (e *eng) RegisterCompensateActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.CompensateActivityInput) (*api.CompensateActivityOutput, error)) error {
	if name == "" {
		return errors.New("compensate activity name is required")
	}
	if fn == nil {
		return errors.New("compensate activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.compensateActivities == nil {
		e.compensateActivities = make(map[string]compensateActivityDef)
	}
	if _, dup := e.compensateActivities[name]; dup {
		return fmt.Errorf("compensate activity %q already registered", name)
	}
	e.compensateActivities[name] = compensateActivityDef{handler: fn, opts: opts}
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}

	e.mu.Lock()
	if prev, exists := e.handles[req.ID]; exists {
		select {
		case <-prev.done:
			// Completed execution; the ID may be reused.
		default:
			e.mu.Unlock()
			return nil, fmt.Errorf("workflow %q: %w", req.ID, engine.ErrAlreadyStarted)
		}
	}

	// The workflow must outlive the ingress request that started it, so it
	// detaches from the caller's cancellation.
	wfGoCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wctx := &wfCtx{
		ctx:    wfGoCtx,
		cancel: cancel,
		id:     req.ID,
		runID:  req.ID, // in-memory assigns the workflow ID as the run ID
		eng:    e,

		messageCh: make(chan api.MessageSignal, 64),
		releaseCh: make(chan api.ForceReleaseSignal, 4),
	}

	h := &handle{done: make(chan struct{}), wfCtx: wctx, cancel: cancel}
	e.handles[req.ID] = h
	e.statuses[req.ID] = engine.RunStatusRunning
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		// Cancel outstanding timers and activity scopes once the handler
		// returns so finished workflows do not pin goroutines.
		defer cancel()
		res, err := def.Handler(wctx, req.Input)
		h.mu.Lock()
		h.result = res
		h.err = err
		h.mu.Unlock()
		e.mu.Lock()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				e.statuses[req.ID] = engine.RunStatusCanceled
			} else {
				e.statuses[req.ID] = engine.RunStatusFailed
			}
		} else {
			e.statuses[req.ID] = engine.RunStatusCompleted
		}
		e.mu.Unlock()
	}()

	return h, nil
}

// SignalByID implements engine.Signaler. Unknown or finished workflows report
// engine.ErrWorkflowNotFound so callers can reclassify.
func (e *eng) SignalByID(ctx context.Context, workflowID, _ string, name string, payload any) error {
	e.mu.RLock()
	h, ok := e.handles[workflowID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("workflow %q: %w", workflowID, engine.ErrWorkflowNotFound)
	}
	select {
	case <-h.done:
		return fmt.Errorf("workflow %q: %w", workflowID, engine.ErrWorkflowNotFound)
	default:
	}
	return h.Signal(ctx, name, payload)
}

// QueryRunStatus returns the current lifecycle status for a workflow execution
// by checking the in-memory status map.
func (e *eng) QueryRunStatus(_ context.Context, runID string) (engine.RunStatus, error) {
	if runID == "" {
		return "", errors.New("run id is required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	status, ok := e.statuses[runID]
	if !ok {
		return "", engine.ErrWorkflowNotFound
	}
	return status, nil
}

func (h *handle) Wait(ctx context.Context) (*api.TurnWorkflowOutput, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	switch name {
	case api.SignalNewMessage:
		sig, ok := payload.(api.MessageSignal)
		if !ok {
			return fmt.Errorf("signal %q expects api.MessageSignal, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.messageCh, sig)

	case api.SignalForceRelease:
		sig, ok := payload.(api.ForceReleaseSignal)
		if !ok {
			return fmt.Errorf("signal %q expects api.ForceReleaseSignal, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.releaseCh, sig)

	default:
		return fmt.Errorf("unknown signal %q", name)
	}
}

func (h *handle) Cancel(_ context.Context) error {
	h.cancel()
	return nil
}

func (w *wfCtx) Context() context.Context {
	return engine.WithWorkflowContext(w.ctx, w)
}

func (w *wfCtx) WorkflowID() string {
	return w.id
}

func (w *wfCtx) RunID() string {
	return w.runID
}

func (w *wfCtx) Now() time.Time {
	return time.Now()
}

func (w *wfCtx) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.ctx.Done():
			return w.ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetQueryHandler is a no-op for the in-memory engine.
func (w *wfCtx) SetQueryHandler(string, any) error {
	return nil
}

// NewTimer returns a Future backed by a real timer. The in-memory engine has
// no workflow time, so tests use short durations.
func (w *wfCtx) NewTimer(ctx context.Context, d time.Duration) (engine.Future[time.Time], error) {
	fut := &future[time.Time]{ready: make(chan struct{})}
	if d <= 0 {
		fut.result = time.Now()
		close(fut.ready)
		return fut, nil
	}
	timer := time.NewTimer(d)
	go func() {
		defer close(fut.ready)
		select {
		case t := <-timer.C:
			fut.result = t
		case <-ctx.Done():
			timer.Stop()
			fut.err = ctx.Err()
		case <-w.ctx.Done():
			timer.Stop()
			fut.err = w.ctx.Err()
		}
	}()
	return fut, nil
}

// WithCancel derives a context sharing this workflow's identity and signal
// channels with an independently cancelable scope.
func (w *wfCtx) WithCancel() (engine.WorkflowContext, func()) {
	cctx, cancel := context.WithCancel(w.ctx)
	derived := &wfCtx{
		ctx:       cctx,
		cancel:    cancel,
		id:        w.id,
		runID:     w.runID,
		eng:       w.eng,
		messageCh: w.messageCh,
		releaseCh: w.releaseCh,
	}
	return derived, cancel
}

func (w *wfCtx) ExecuteLockActivity(ctx context.Context, call engine.LockActivityCall) (*api.LockActivityOutput, error) {
	if call.Name == "" {
		return nil, errors.New("lock activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("lock activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.lockActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("lock activity %q not registered", call.Name)
	}
	actCtx, cancel := w.activityContext(ctx, call.Options, def.opts)
	defer cancel()
	return def.handler(actCtx, call.Input)
}

func (w *wfCtx) ExecuteTurnActivity(ctx context.Context, call engine.TurnActivityCall) (*api.TurnActivityOutput, error) {
	if call.Name == "" {
		return nil, errors.New("turn activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("turn activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.turnActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("turn activity %q not registered", call.Name)
	}
	actCtx, cancel := w.activityContext(ctx, call.Options, def.opts)
	defer cancel()
	return def.handler(actCtx, call.Input)
}

func (w *wfCtx) ExecuteBrainActivity(ctx context.Context, call engine.BrainActivityCall) (*api.BrainActivityOutput, error) {
	fut, err := w.ExecuteBrainActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *wfCtx) ExecuteBrainActivityAsync(ctx context.Context, call engine.BrainActivityCall) (engine.Future[*api.BrainActivityOutput], error) {
	if call.Name == "" {
		return nil, errors.New("brain activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("brain activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.brainActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("brain activity %q not registered", call.Name)
	}

	fut := &future[*api.BrainActivityOutput]{ready: make(chan struct{})}
	go func() {
		defer close(fut.ready)
		actCtx, cancel := w.activityContext(ctx, call.Options, def.opts)
		defer cancel()
		fut.result, fut.err = def.handler(actCtx, call.Input)
	}()
	return fut, nil
}

func (w *wfCtx) ExecuteCommitActivity(ctx context.Context, call engine.CommitActivityCall) (*api.CommitActivityOutput, error) {
	if call.Name == "" {
		return nil, errors.New("commit activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("commit activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.commitActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("commit activity %q not registered", call.Name)
	}
	actCtx, cancel := w.activityContext(ctx, call.Options, def.opts)
	defer cancel()
	return def.handler(actCtx, call.Input)
}

func (w *wfCtx) ExecuteCompensateActivity(ctx context.Context, call engine.CompensateActivityCall) (*api.CompensateActivityOutput, error) {
	if call.Name == "" {
		return nil, errors.New("compensate activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("compensate activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.compensateActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("compensate activity %q not registered", call.Name)
	}
	actCtx, cancel := w.activityContext(ctx, call.Options, def.opts)
	defer cancel()
	return def.handler(actCtx, call.Input)
}

func (w *wfCtx) Messages() engine.Receiver[api.MessageSignal] {
	return receiver[api.MessageSignal]{ch: w.messageCh}
}

func (w *wfCtx) ForceReleases() engine.Receiver[api.ForceReleaseSignal] {
	return receiver[api.ForceReleaseSignal]{ch: w.releaseCh}
}

// activityContext marks the context as an activity invocation and applies the
// call timeout falling back to the registered default.
func (w *wfCtx) activityContext(ctx context.Context, callOpts, regOpts engine.ActivityOptions) (context.Context, context.CancelFunc) {
	actCtx := engine.WithActivityContext(engine.WithWorkflowContext(ctx, w))
	timeout := callOpts.Timeout
	if timeout == 0 {
		timeout = regOpts.Timeout
	}
	if timeout <= 0 {
		return actCtx, func() {}
	}
	return context.WithTimeout(actCtx, timeout)
}

func (r receiver[T]) Receive(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case val := <-r.ch:
		return val, nil
	}
}

func (r receiver[T]) ReceiveAsync() (T, bool) {
	select {
	case val := <-r.ch:
		return val, true
	default:
		var zero T
		return zero, false
	}
}

func (r receiver[T]) Pending() bool {
	return len(r.ch) > 0
}

func (f *future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.ready:
		return f.result, f.err
	}
}

func (f *future[T]) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

func sendSignal[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, payload T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return errors.New("workflow completed")
	case ch <- payload:
		return nil
	}
}

package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/acf/runtime/fabric/api"
	"goa.design/acf/runtime/fabric/engine"
	"goa.design/acf/runtime/fabric/telemetry"
)

// Options configures the Temporal engine adapter for registering the turn
// workflow and its activities, and for managing worker lifecycle. Either a
// pre-configured Client or ClientOptions must be provided. The adapter
// automatically wires OTEL instrumentation, manages per-queue workers, and
// optionally auto-starts workers on first workflow execution.
type Options struct {
	// Client is an optional pre-configured Temporal client. If nil, the
	// adapter creates a lazy client using ClientOptions, allowing automatic
	// OTEL interceptor installation. Provide a pre-configured client when you
	// need custom interceptors or connection pooling.
	Client client.Client

	// ClientOptions describe how to construct the Temporal client when Client
	// is nil. Required when Client is nil. Only connection-related fields
	// (HostPort, Namespace, etc.) need to be set; OTEL interceptors are
	// configured automatically.
	ClientOptions *client.Options

	// WorkerOptions configures worker defaults for task queue, concurrency,
	// and identity. TaskQueue must be set and defines the default queue used
	// when workflow/activity definitions omit a queue. A worker is created
	// per unique task queue.
	WorkerOptions WorkerOptions

	// Instrumentation toggles OTEL tracing and metrics for the Temporal
	// client and workers. Both are enabled by default.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart disables automatic worker startup on first
	// workflow execution. When false (default), workers start automatically.
	// Set to true when you need manual control over worker lifecycle.
	DisableWorkerAutoStart bool

	// Logger emits workflow and worker logs. If nil, a noop logger is used.
	Logger telemetry.Logger

	// Metrics records workflow-level metrics. If nil, a noop recorder is
	// used.
	Metrics telemetry.Metrics

	// Tracer creates workflow-level spans. If nil, a noop tracer is used.
	Tracer telemetry.Tracer
}

// WorkerOptions configures the shared worker settings applied to all task
// queues managed by the engine. When workflows or activities target different
// queues, the engine creates one worker per unique queue, each using these
// shared settings.
type WorkerOptions struct {
	// TaskQueue is the default queue name used when workflow/activity
	// definitions omit a queue. Required.
	TaskQueue string

	// Options are passed directly to Temporal's worker.New constructor for
	// controlling worker behavior: concurrency limits, worker identity,
	// custom interceptors, etc.
	Options worker.Options
}

// InstrumentationOptions configures how the engine wires OpenTelemetry (OTEL)
// tracing and metrics into the Temporal client and workers. By default, both
// tracing and metrics are enabled automatically using OTEL interceptors
// provided by the Temporal SDK.
type InstrumentationOptions struct {
	// DisableTracing skips installing the OTEL tracing interceptor on the
	// client and workers.
	DisableTracing bool

	// DisableMetrics skips installing the OTEL metrics handler on the client
	// and workers.
	DisableMetrics bool

	// TracerOptions customize the OTEL tracing interceptor. Only used when
	// DisableTracing is false.
	TracerOptions temporalotel.TracerOptions

	// MetricsOptions customize the OTEL metrics handler. Only used when
	// DisableMetrics is false.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine implements engine.Engine using Temporal as the durable execution
// backend. It manages workflow/activity registration, per-queue worker
// lifecycle, and provides workflow execution handles. It also implements
// engine.Signaler so the gateway can deliver messages by workflow ID.
//
// Thread-safety: All methods are safe for concurrent use. Internal state is
// protected by mutexes. Workers are lazily created and started on-demand
// (unless auto-start is disabled).
//
// Lifecycle: Construct via New(), register the workflow and activities, then
// either let workers auto-start or manually call Worker().Start(). Call
// Close() to shut down the Temporal client.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions

	workflowContexts sync.Map // runID -> engine.WorkflowContext
	baseContexts     sync.Map // runID -> context.Context
}

// New constructs a Temporal engine adapter. Either Client or ClientOptions
// must be provided. The default task queue in WorkerOptions must also be
// configured.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, fmt.Errorf("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	e := &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}
	return e, nil
}

// RegisterWorkflow registers a workflow definition with the Temporal worker
// for the specified task queue. The handler is wrapped to provide the
// engine's WorkflowContext abstraction and lifecycle management.
//
// Thread-safe: Safe to call concurrently with other Register* methods.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("temporal engine: workflow %q handler is required", def.Name)
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input *api.TurnWorkflowInput) (*api.TurnWorkflowOutput, error) {
		wfCtx := newTemporalWorkflowContext(e, tctx)
		defer e.releaseWorkflowContext(wfCtx.RunID())
		return def.Handler(wfCtx, input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterLockActivity implements engine.Engine.
func (e *Engine) RegisterLockActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.LockActivityInput) (*api.LockActivityOutput, error)) error {
	return registerActivity(e, name, opts, fn)
}

// RegisterTurnActivity implements engine.Engine.
func (e *Engine) RegisterTurnActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.TurnActivityInput) (*api.TurnActivityOutput, error)) error {
	return registerActivity(e, name, opts, fn)
}

// RegisterBrainActivity implements engine.Engine.
func (e *Engine) RegisterBrainActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.BrainActivityInput) (*api.BrainActivityOutput, error)) error {
	return registerActivity(e, name, opts, fn)
}

// RegisterCommitActivity implements engine.Engine.
func (e *Engine) RegisterCommitActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.CommitActivityInput) (*api.CommitActivityOutput, error)) error {
	return registerActivity(e, name, opts, fn)
}

// RegisterCompensateActivity implements engine.Engine.
func (e *Engine) RegisterCompensateActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.CompensateActivityInput) (*api.CompensateActivityOutput, error)) error {
	return registerActivity(e, name, opts, fn)
}

// registerActivity wraps a typed activity handler so Temporal decodes inputs
// directly into the typed payload, and injects the originating workflow
// context and telemetry context when available.
func registerActivity[I, O any](e *Engine, name string, opts engine.ActivityOptions, fn func(context.Context, I) (O, error)) error {
	if name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("temporal engine: activity %q handler is required", name)
	}
	queue := opts.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, dup := e.activityOptions[name]; dup {
		e.mu.Unlock()
		return fmt.Errorf("temporal engine: activity %q already registered", name)
	}
	e.activityOptions[name] = opts
	e.mu.Unlock()

	bundle.registerActivity(name, func(actx context.Context, input I) (O, error) {
		runID, wfCtx := e.lookupWorkflowContext(actx)
		if wfCtx != nil {
			actx = engine.WithWorkflowContext(actx, wfCtx)
		}
		if base := e.workflowBaseContext(runID); base != nil {
			actx = telemetry.MergeContext(actx, base)
		}
		actx = engine.WithActivityContext(actx)
		return fn(actx, input)
	})
	return nil
}

// StartWorkflow launches a new workflow execution on Temporal. The workflow's
// task queue is resolved in order: req.TaskQueue, def.TaskQueue, default
// queue. A duplicate running workflow ID maps to engine.ErrAlreadyStarted so
// gateway retries can treat it as benign.
//
// Thread-safe: Safe to call concurrently.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{
		ID:                 req.ID,
		TaskQueue:          queue,
		WorkflowRunTimeout: req.RunTimeout,
	}
	if len(req.Memo) > 0 {
		opts.Memo = req.Memo
	}
	if len(req.SearchAttributes) > 0 {
		opts.SearchAttributes = req.SearchAttributes
	}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		return nil, mapStartError(err)
	}
	e.baseContexts.Store(run.GetRunID(), context.WithoutCancel(ctx))

	return &workflowHandle{
		run:    run,
		client: e.client,
	}, nil
}

// SignalByID sends a signal to a workflow by its workflow ID/run ID directly.
// Implements engine.Signaler. Signals to missing or finished executions
// report engine.ErrWorkflowNotFound so the gateway can reclassify.
func (e *Engine) SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error {
	if workflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	return mapSignalError(e.client.SignalWorkflow(ctx, workflowID, runID, name, payload))
}

// QueryRunStatus implements engine.Engine. The identifier is the workflow ID;
// Temporal resolves the latest run.
func (e *Engine) QueryRunStatus(ctx context.Context, runID string) (engine.RunStatus, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	resp, err := e.client.DescribeWorkflowExecution(ctx, runID, "")
	if err != nil {
		var nf *serviceerror.NotFound
		if errors.As(err, &nf) {
			return "", engine.ErrWorkflowNotFound
		}
		return "", err
	}
	info := resp.GetWorkflowExecutionInfo()
	if info == nil {
		return "", engine.ErrWorkflowNotFound
	}
	switch info.GetStatus() {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return engine.RunStatusRunning, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.RunStatusCompleted, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return engine.RunStatusCanceled, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED, enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return engine.RunStatusFailed, nil
	default:
		return engine.RunStatusPending, nil
	}
}

// Worker returns a controller for managing the lifecycle of all workers
// managed by this engine. Use it to manually start or stop workers when
// DisableWorkerAutoStart is enabled.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close gracefully shuts down the Temporal client if the engine created it
// (via ClientOptions). If a pre-configured Client was provided to New(),
// Close does nothing, leaving client lifecycle management to the caller.
//
//nolint:unparam // Error return maintained for interface compatibility.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	if queue == "" {
		return nil, fmt.Errorf("temporal engine: no task queue configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}

	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{
		queue:  queue,
		worker: w,
		logger: e.logger,
	}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) trackWorkflowContext(runID string, wf engine.WorkflowContext) {
	if runID == "" {
		return
	}
	e.workflowContexts.Store(runID, wf)
}

func (e *Engine) releaseWorkflowContext(runID string) {
	if runID == "" {
		return
	}
	e.workflowContexts.Delete(runID)
	e.baseContexts.Delete(runID)
}

func (e *Engine) lookupWorkflowContext(ctx context.Context) (string, engine.WorkflowContext) {
	info := activity.GetInfo(ctx)
	runID := info.WorkflowExecution.RunID
	if runID == "" {
		return "", nil
	}
	if wf, ok := e.workflowContexts.Load(runID); ok {
		if typed, ok := wf.(engine.WorkflowContext); ok {
			return runID, typed
		}
	}
	return runID, nil
}

func (e *Engine) workflowBaseContext(runID string) context.Context {
	if runID == "" {
		return nil
	}
	if base, ok := e.baseContexts.Load(runID); ok {
		if ctx, ok := base.(context.Context); ok {
			return ctx
		}
	}
	return nil
}

// WorkerController manages worker lifecycle (start/stop) for all task queues
// managed by the Temporal engine. Obtain a controller via Engine.Worker().
//
// Thread-safety: Start() and Stop() are safe to call concurrently.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers. Subsequent worker registrations will
// be auto-started as they are created.
//
//nolint:unparam // Error return maintained for future extensibility.
func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

// Stop gracefully stops all workers managed by the engine.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()

	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

// mapSignalError normalizes Temporal service errors on the signal path. Both
// "no such execution" and "execution already completed" collapse into
// engine.ErrWorkflowNotFound: either way the incumbent cannot take the
// message and the gateway must reclassify.
func mapSignalError(err error) error {
	if err == nil {
		return nil
	}
	var nf *serviceerror.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%v: %w", err, engine.ErrWorkflowNotFound)
	}
	var fp *serviceerror.FailedPrecondition
	if errors.As(err, &fp) {
		return fmt.Errorf("%v: %w", err, engine.ErrWorkflowNotFound)
	}
	return err
}

// mapStartError normalizes Temporal service errors on the start path.
func mapStartError(err error) error {
	if err == nil {
		return nil
	}
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return fmt.Errorf("%v: %w", err, engine.ErrAlreadyStarted)
	}
	return err
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) Wait(ctx context.Context) (*api.TurnWorkflowOutput, error) {
	var out api.TurnWorkflowOutput
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return mapSignalError(h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload))
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

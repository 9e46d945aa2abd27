// Package engine defines workflow engine abstractions for durable turn
// execution. It provides pluggable interfaces so the fabric runtime can target
// Temporal, in-memory, or custom backends without modification.
//
// # Core Abstractions
//
//   - Engine: Registers the turn workflow and its activities, starts workflow
//     executions. The runtime calls Engine methods at wiring time; the gateway
//     calls StartWorkflow when a message opens a new turn.
//
//   - Signaler: Delivers signals by workflow ID without an in-process handle.
//     The gateway depends on it to feed messages to running turns and to
//     detect dead workflows (ErrWorkflowNotFound triggers reclassification).
//
//   - WorkflowContext: Provides deterministic operations inside the workflow
//     handler. The turn workflow uses it to schedule activities, receive
//     message signals, and run the accumulation timer. Implementations must
//     ensure replay-safe behavior.
//
//   - Future[T]: Represents a pending activity result. The workflow runs the
//     Brain activity asynchronously so it can keep draining message signals
//     into pending interrupts while the pipeline executes.
//
//   - Receiver[T]: Delivers typed signals to workflows deterministically.
//
// # Available Implementations
//
// Two engine implementations ship with the fabric:
//
//   - temporal: Production-grade durable execution backed by Temporal.
//     Supports workflow replay, long-running execution, and distributed
//     workers.
//
//   - inmem: In-memory execution for development and tests. No durability,
//     no workers; workflows run in goroutines of the calling process.
//
// # Determinism Requirements
//
// Workflow handlers run in a deterministic environment where the same inputs
// and history must produce the same outputs. WorkflowContext enforces this by
// providing Now() instead of time.Now(), NewTimer for the accumulation
// window, and replay-safe signal channels. All store and Brain I/O happens in
// activities; the engine records activity results and replays them during
// recovery.
package engine

import (
	"context"
	"errors"
	"time"

	"goa.design/acf/runtime/fabric/api"
)

// RunStatus represents the lifecycle state of a workflow execution.
type RunStatus string

const (
	// RunStatusPending indicates the workflow has been accepted but not started yet.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning indicates the workflow is actively executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the workflow finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the workflow failed permanently.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled indicates the workflow was canceled externally.
	RunStatusCanceled RunStatus = "canceled"
)

var (
	// ErrWorkflowNotFound indicates that no running workflow execution exists
	// for the given identifier. The gateway treats it as "the incumbent died"
	// and reclassifies the message.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrAlreadyStarted indicates a workflow with the same ID is already
	// running. Gateway retries treat it as success: the turn is in motion.
	ErrAlreadyStarted = errors.New("workflow already started")
)

type (
	// Engine abstracts workflow registration and execution so adapters
	// (Temporal, in-memory, or custom) can be swapped without touching the
	// fabric runtime. Implementations translate these generic types into
	// backend-specific primitives.
	Engine interface {
		// RegisterWorkflow registers a workflow definition with the engine.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterLockActivity registers a typed session lock activity
		// (acquire, renew or release).
		RegisterLockActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.LockActivityInput) (*api.LockActivityOutput, error)) error

		// RegisterTurnActivity registers a typed turn store activity (adopt,
		// append, promote, park, drain, record_interrupt, supersede_spawn).
		RegisterTurnActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.TurnActivityInput) (*api.TurnActivityOutput, error)) error

		// RegisterBrainActivity registers the typed pipeline activity.
		RegisterBrainActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.BrainActivityInput) (*api.BrainActivityOutput, error)) error

		// RegisterCommitActivity registers the typed commit activity.
		RegisterCommitActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.CommitActivityInput) (*api.CommitActivityOutput, error)) error

		// RegisterCompensateActivity registers the typed compensation
		// activity.
		RegisterCompensateActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.CompensateActivityInput) (*api.CompensateActivityOutput, error)) error

		// StartWorkflow initiates a new workflow execution and returns a
		// handle for interacting with it. The workflow ID in req must be
		// unique among running workflows; starting a duplicate returns
		// ErrAlreadyStarted.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// QueryRunStatus returns the current lifecycle status for a workflow
		// execution identified by runID. The engine is the source of truth
		// for workflow status.
		QueryRunStatus(ctx context.Context, runID string) (RunStatus, error)
	}

	// Signaler provides direct signaling by workflow ID without relying on
	// in-process workflow handles. Engines that support out-of-process
	// signaling (e.g., Temporal) implement this so the gateway can deliver
	// messages across process restarts. SignalByID returns
	// ErrWorkflowNotFound when no running execution matches.
	Signaler interface {
		// SignalByID sends a signal to the workflow identified by workflowID
		// and optional runID. The payload must be serializable by the engine
		// client.
		SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine.
		Name string
		// TaskQueue is the default queue used when starting new workflows.
		TaskQueue string
		// Handler is the workflow function invoked by the engine.
		Handler WorkflowFunc
	}

	// WorkflowFunc is the turn workflow entry point. Implementations must be
	// deterministic with respect to activity results.
	WorkflowFunc func(ctx WorkflowContext, input *api.TurnWorkflowInput) (*api.TurnWorkflowOutput, error)

	// WorkflowContext exposes engine operations to the workflow handler
	// within its deterministic execution environment. It wraps
	// engine-specific contexts (Temporal workflow.Context, in-memory
	// contexts) behind a uniform API.
	//
	// Thread-safety: WorkflowContext is bound to a single workflow execution
	// and must not be shared across goroutines. Activity and signal
	// operations are serialized by the workflow engine.
	WorkflowContext interface {
		// Context returns the Go context for the workflow. In deterministic
		// engines this is a special replay-aware context. Use it for
		// activity execution and cancellation propagation.
		Context() context.Context

		// SetQueryHandler registers a read-only query handler external
		// clients can invoke to inspect workflow state. Handlers must be
		// deterministic and side-effect free. Engines without query support
		// may implement this as a no-op.
		SetQueryHandler(name string, handler any) error

		// WorkflowID returns the unique identifier for this execution.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// ExecuteLockActivity schedules a lock activity and blocks until it
		// completes.
		ExecuteLockActivity(ctx context.Context, call LockActivityCall) (*api.LockActivityOutput, error)

		// ExecuteTurnActivity schedules a turn store activity and blocks
		// until it completes.
		ExecuteTurnActivity(ctx context.Context, call TurnActivityCall) (*api.TurnActivityOutput, error)

		// ExecuteBrainActivity schedules the pipeline activity and blocks
		// until it completes.
		ExecuteBrainActivity(ctx context.Context, call BrainActivityCall) (*api.BrainActivityOutput, error)

		// ExecuteBrainActivityAsync schedules the pipeline activity and
		// returns a Future so the workflow can keep receiving signals while
		// the pipeline runs.
		ExecuteBrainActivityAsync(ctx context.Context, call BrainActivityCall) (Future[*api.BrainActivityOutput], error)

		// ExecuteCommitActivity schedules the commit activity and blocks
		// until it completes.
		ExecuteCommitActivity(ctx context.Context, call CommitActivityCall) (*api.CommitActivityOutput, error)

		// ExecuteCompensateActivity schedules the compensation activity and
		// blocks until it completes.
		ExecuteCompensateActivity(ctx context.Context, call CompensateActivityCall) (*api.CompensateActivityOutput, error)

		// Messages returns the typed receiver for new message signals.
		Messages() Receiver[api.MessageSignal]

		// ForceReleases returns the typed receiver for force-release
		// signals.
		ForceReleases() Receiver[api.ForceReleaseSignal]

		// Now returns the current workflow time in a deterministic manner
		// (e.g., Temporal's workflow.Now).
		Now() time.Time

		// NewTimer returns a Future that becomes ready after d elapses in
		// workflow time. This is the engine-agnostic primitive behind the
		// accumulation window. A non-positive duration produces a Future
		// that is already ready.
		NewTimer(ctx context.Context, d time.Duration) (Future[time.Time], error)

		// Await blocks until condition returns true, or ctx is done.
		// Condition must be deterministic and side-effect free. The
		// accumulation loop uses it to wait on "timer fired or signal
		// arrived" without draining either in a fixed order.
		Await(ctx context.Context, condition func() bool) error

		// WithCancel returns a derived WorkflowContext whose cancellation
		// can be triggered independently of the parent workflow scope. Used
		// to cancel an in-flight Brain activity when a supersede resolves.
		WithCancel() (WorkflowContext, func())
	}

	// Future represents a pending activity result. Calling Get multiple
	// times is safe and returns the same result/error on each call. IsReady
	// enables polling without blocking.
	Future[T any] interface {
		// Get blocks until the activity completes and returns the typed
		// result.
		Get(ctx context.Context) (T, error)

		// IsReady returns true if the activity has completed (success or
		// failure) and Get will not block.
		IsReady() bool
	}

	// Receiver exposes typed workflow signal delivery in an engine-agnostic
	// way. Implementations wrap engine-specific channels and provide
	// blocking and non-blocking receive helpers.
	Receiver[T any] interface {
		// Receive blocks until a signal value is delivered and returns it.
		Receive(ctx context.Context) (T, error)

		// ReceiveAsync attempts to receive a signal without blocking.
		ReceiveAsync() (T, bool)

		// Pending reports whether a signal is buffered and ReceiveAsync
		// would succeed. Pending does not consume, so it is safe inside
		// Await conditions.
		Pending() bool
	}

	// ActivityOptions configures retry and timeouts for an activity.
	ActivityOptions struct {
		// Queue overrides the default activity queue. If empty, the activity
		// inherits the workflow's task queue.
		Queue string
		// RetryPolicy controls retry behavior for this activity. If
		// zero-valued, the engine uses its default retry policy.
		RetryPolicy RetryPolicy
		// Timeout bounds the total activity execution time, including
		// retries. Zero means no timeout.
		Timeout time.Duration
	}

	// LockActivityCall describes one invocation of a lock activity from
	// inside workflow code.
	LockActivityCall struct {
		// Name identifies the registered lock activity.
		Name string

		// Input is the typed payload passed to the activity handler.
		Input *api.LockActivityInput

		// Options overrides the registered activity defaults for this
		// invocation.
		Options ActivityOptions
	}

	// TurnActivityCall describes one invocation of a turn store activity.
	TurnActivityCall struct {
		// Name identifies the registered turn activity.
		Name string

		// Input is the typed payload passed to the activity handler.
		Input *api.TurnActivityInput

		// Options overrides the registered activity defaults.
		Options ActivityOptions
	}

	// BrainActivityCall describes one invocation of the pipeline activity.
	BrainActivityCall struct {
		// Name identifies the registered pipeline activity.
		Name string

		// Input is the typed payload passed to the activity handler.
		Input *api.BrainActivityInput

		// Options overrides the registered activity defaults.
		Options ActivityOptions
	}

	// CommitActivityCall describes one invocation of the commit activity.
	CommitActivityCall struct {
		// Name identifies the registered commit activity.
		Name string

		// Input is the typed payload passed to the activity handler.
		Input *api.CommitActivityInput

		// Options overrides the registered activity defaults.
		Options ActivityOptions
	}

	// CompensateActivityCall describes one invocation of the compensation
	// activity.
	CompensateActivityCall struct {
		// Name identifies the registered compensation activity.
		Name string

		// Input is the typed payload passed to the activity handler.
		Input *api.CompensateActivityInput

		// Options overrides the registered activity defaults.
		Options ActivityOptions
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		// ID is the workflow identifier, unique among running executions.
		// The fabric derives it from the turn ID.
		ID string
		// Workflow names the registered workflow definition to execute.
		Workflow string
		// TaskQueue selects the queue to schedule the workflow on.
		TaskQueue string
		// Input is the typed payload passed to the workflow handler.
		Input *api.TurnWorkflowInput
		// RunTimeout bounds the total workflow execution time at the engine
		// level. Zero means use the engine default.
		RunTimeout time.Duration
		// Memo stores small diagnostic payloads alongside the workflow
		// execution. Engines like Temporal persist these for visibility.
		Memo map[string]any
		// SearchAttributes captures indexed metadata for visibility queries.
		SearchAttributes map[string]any
		// RetryPolicy controls automatic restarts of the workflow start
		// attempt if scheduling fails. Not to be confused with activity
		// retries.
		RetryPolicy RetryPolicy
	}

	// WorkflowHandle allows callers to interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes and returns the typed
		// result. Returns an error if the workflow fails or is cancelled.
		Wait(ctx context.Context) (*api.TurnWorkflowOutput, error)

		// Signal sends an asynchronous message to the workflow. Returns an
		// error if the signal cannot be delivered.
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and
	// activities. Zero-valued fields mean the engine uses its defaults.
	RetryPolicy struct {
		// MaxAttempts caps the total number of retry attempts. Zero means
		// unlimited retries.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry. Values
		// < 1 are treated as 1 (constant backoff).
		BackoffCoefficient float64
	}
)

package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/api"
	"goa.design/acf/runtime/fabric/engine"
)

func TestLockActivityTypedExecution(t *testing.T) {
	eng := New()
	ctx := context.Background()

	err := eng.RegisterLockActivity(ctx, api.ActivityLockAcquire, engine.ActivityOptions{}, func(_ context.Context, input *api.LockActivityInput) (*api.LockActivityOutput, error) {
		require.Equal(t, fabric.SessionKey("acme:support:u1:web"), input.SessionKey)
		return &api.LockActivityOutput{Token: 7}, nil
	})
	require.NoError(t, err)

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input *api.TurnWorkflowInput) (*api.TurnWorkflowOutput, error) {
			out, err2 := wfCtx.ExecuteLockActivity(wfCtx.Context(), engine.LockActivityCall{
				Name:  api.ActivityLockAcquire,
				Input: &api.LockActivityInput{SessionKey: input.SessionKey, WorkflowID: wfCtx.WorkflowID()},
			})
			if err2 != nil {
				return nil, err2
			}
			require.EqualValues(t, 7, out.Token)
			return &api.TurnWorkflowOutput{TurnID: input.TurnID}, nil
		},
	})
	require.NoError(t, err)

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "turn-1",
		Workflow: "test_workflow",
		Input:    &api.TurnWorkflowInput{SessionKey: "acme:support:u1:web", TurnID: "turn-1"},
	})
	require.NoError(t, err)

	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, fabric.TurnID("turn-1"), out.TurnID)
}

func TestBrainActivityFutureTypedExecution(t *testing.T) {
	eng := New()
	ctx := context.Background()

	release := make(chan struct{})
	err := eng.RegisterBrainActivity(ctx, api.ActivityBrainProcess, engine.ActivityOptions{}, func(actCtx context.Context, _ *api.BrainActivityInput) (*api.BrainActivityOutput, error) {
		require.True(t, engine.IsActivityContext(actCtx))
		<-release
		return &api.BrainActivityOutput{Outcome: api.BrainOutcomeCompleted}, nil
	})
	require.NoError(t, err)

	err = eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, input *api.TurnWorkflowInput) (*api.TurnWorkflowOutput, error) {
			fut, err2 := wfCtx.ExecuteBrainActivityAsync(wfCtx.Context(), engine.BrainActivityCall{
				Name:  api.ActivityBrainProcess,
				Input: &api.BrainActivityInput{SessionKey: input.SessionKey, TurnID: input.TurnID},
			})
			if err2 != nil {
				return nil, err2
			}
			require.False(t, fut.IsReady())
			close(release)
			if err2 := wfCtx.Await(wfCtx.Context(), fut.IsReady); err2 != nil {
				return nil, err2
			}
			out, err2 := fut.Get(wfCtx.Context())
			if err2 != nil {
				return nil, err2
			}
			require.Equal(t, api.BrainOutcomeCompleted, out.Outcome)
			return &api.TurnWorkflowOutput{}, nil
		},
	})
	require.NoError(t, err)

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "turn-2",
		Workflow: "test_workflow",
		Input:    &api.TurnWorkflowInput{SessionKey: "acme:support:u1:web", TurnID: "turn-2"},
	})
	require.NoError(t, err)

	_, err = handle.Wait(ctx)
	require.NoError(t, err)
}

func TestSignalByIDTypedDelivery(t *testing.T) {
	eng := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, _ *api.TurnWorkflowInput) (*api.TurnWorkflowOutput, error) {
			sig, err2 := wfCtx.Messages().Receive(wfCtx.Context())
			if err2 != nil {
				return nil, err2
			}
			require.Equal(t, fabric.MessageID("m2"), sig.Message.ID)
			require.Equal(t, "will that fit?", sig.Message.Content)
			return &api.TurnWorkflowOutput{}, nil
		},
	})
	require.NoError(t, err)

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "turn-3",
		Workflow: "test_workflow",
		Input:    &api.TurnWorkflowInput{},
	})
	require.NoError(t, err)

	sig := api.MessageSignal{Message: fabric.Message{ID: "m2", Content: "will that fit?"}}
	signaler, ok := eng.(engine.Signaler)
	require.True(t, ok)
	require.NoError(t, signaler.SignalByID(ctx, "turn-3", "", api.SignalNewMessage, sig))

	_, err = handle.Wait(ctx)
	require.NoError(t, err)

	// The workflow is done; further signals report the execution gone.
	err = signaler.SignalByID(ctx, "turn-3", "", api.SignalNewMessage, sig)
	require.ErrorIs(t, err, engine.ErrWorkflowNotFound)
	err = signaler.SignalByID(ctx, "turn-missing", "", api.SignalNewMessage, sig)
	require.ErrorIs(t, err, engine.ErrWorkflowNotFound)
}

func TestStartWorkflowDuplicateID(t *testing.T) {
	eng := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, _ *api.TurnWorkflowInput) (*api.TurnWorkflowOutput, error) {
			_, err2 := wfCtx.ForceReleases().Receive(wfCtx.Context())
			if err2 != nil {
				return nil, err2
			}
			return &api.TurnWorkflowOutput{}, nil
		},
	})
	require.NoError(t, err)

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "turn-4",
		Workflow: "test_workflow",
		Input:    &api.TurnWorkflowInput{},
	})
	require.NoError(t, err)

	_, err = eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "turn-4",
		Workflow: "test_workflow",
		Input:    &api.TurnWorkflowInput{},
	})
	require.ErrorIs(t, err, engine.ErrAlreadyStarted)

	require.NoError(t, handle.Signal(ctx, api.SignalForceRelease, api.ForceReleaseSignal{Reason: "test"}))
	_, err = handle.Wait(ctx)
	require.NoError(t, err)

	// Completed executions free their ID for reuse.
	handle2, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "turn-4",
		Workflow: "test_workflow",
		Input:    &api.TurnWorkflowInput{},
	})
	require.NoError(t, err)
	require.NoError(t, handle2.Signal(ctx, api.SignalForceRelease, api.ForceReleaseSignal{Reason: "test"}))
	_, err = handle2.Wait(ctx)
	require.NoError(t, err)

	status, err := eng.QueryRunStatus(ctx, "turn-4")
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusCompleted, status)
}

func TestNewTimerFires(t *testing.T) {
	eng := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "test_workflow",
		Handler: func(wfCtx engine.WorkflowContext, _ *api.TurnWorkflowInput) (*api.TurnWorkflowOutput, error) {
			ready, err2 := wfCtx.NewTimer(wfCtx.Context(), 0)
			if err2 != nil {
				return nil, err2
			}
			require.True(t, ready.IsReady())

			timer, err2 := wfCtx.NewTimer(wfCtx.Context(), 5*time.Millisecond)
			if err2 != nil {
				return nil, err2
			}
			if err2 := wfCtx.Await(wfCtx.Context(), timer.IsReady); err2 != nil {
				return nil, err2
			}
			_, err2 = timer.Get(wfCtx.Context())
			return &api.TurnWorkflowOutput{}, err2
		},
	})
	require.NoError(t, err)

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "turn-5",
		Workflow: "test_workflow",
		Input:    &api.TurnWorkflowInput{},
	})
	require.NoError(t, err)

	_, err = handle.Wait(ctx)
	require.NoError(t, err)
}

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/lock"
	"goa.design/acf/runtime/fabric/toolpolicy"
	"goa.design/acf/runtime/fabric/turn"
)

const key = fabric.SessionKey("acme:support:u42:web")

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s, err := New(Options{Redis: rdb, Retention: time.Hour})
	require.NoError(t, err)
	return s, srv
}

func newTurn(id fabric.TurnID, status turn.Status, token lock.Token) *turn.LogicalTurn {
	return &turn.LogicalTurn{
		ID:           id,
		SessionKey:   key,
		GroupID:      "g1",
		Status:       status,
		FencingToken: token,
		CreatedAt:    time.Unix(1000, 0),
	}
}

func TestCreateEnforcesActiveUniqueness(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newTurn("t1", turn.StatusAccumulating, 1)))
	err := s.Create(ctx, newTurn("t2", turn.StatusAccumulating, 1))
	require.ErrorIs(t, err, turn.ErrActiveTurnExists)

	got, err := s.ActiveTurn(ctx, key)
	require.NoError(t, err)
	require.Equal(t, fabric.TurnID("t1"), got.ID)
}

func TestCreateReclaimsExpiredSlot(t *testing.T) {
	t.Parallel()

	s, srv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newTurn("t1", turn.StatusAccumulating, 1)))

	// Retention expires the turn document; a leftover pointer must not wedge
	// the session.
	srv.FastForward(2 * time.Hour)

	require.NoError(t, s.Create(ctx, newTurn("t2", turn.StatusAccumulating, 2)))
	got, err := s.ActiveTurn(ctx, key)
	require.NoError(t, err)
	require.Equal(t, fabric.TurnID("t2"), got.ID)
}

func TestSaveFencing(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	lt := newTurn("t1", turn.StatusAccumulating, 2)
	require.NoError(t, s.Create(ctx, lt))

	lt.Status = turn.StatusProcessing
	require.NoError(t, s.Save(ctx, lt))

	stale := lt.Clone()
	stale.FencingToken = 1
	require.ErrorIs(t, s.Save(ctx, stale), lock.ErrFencingViolation)

	// Same-token rewrites are allowed (same holder).
	require.NoError(t, s.Save(ctx, lt))

	require.ErrorIs(t, s.Save(ctx, newTurn("missing", turn.StatusProcessing, 9)), turn.ErrNotFound)
}

func TestSaveRoundTripsEnvelope(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	lt := newTurn("t1", turn.StatusAccumulating, 1)
	lt.AppendMessage(fabric.Message{ID: "m1", Content: "hi", At: time.Unix(1000, 0).UTC()})
	lt.AppendMessage(fabric.Message{ID: "m2", Content: "there", At: time.Unix(1001, 0).UTC()})
	require.NoError(t, s.Create(ctx, lt))

	lt.Status = turn.StatusProcessing
	lt.CompletionReason = turn.ReasonTimeout
	lt.CompletionConfidence = 0.85
	lt.Artifacts = map[int]turn.PhaseArtifact{
		1: {Phase: 1, DependencyFingerprint: "dep", CreatedAt: time.Unix(1002, 0).UTC()},
	}
	lt.RecordSideEffect(turn.SideEffect{
		Tool:       "crm.lookup",
		Policy:     toolpolicy.PolicyPure,
		Declared:   true,
		ExecutedAt: time.Unix(1003, 0).UTC(),
		Phase:      1,
	})
	require.NoError(t, s.Save(ctx, lt))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, lt.Status, got.Status)
	require.Equal(t, lt.CompletionReason, got.CompletionReason)
	require.InDelta(t, lt.CompletionConfidence, got.CompletionConfidence, 1e-9)
	require.Len(t, got.Messages, 2)
	require.Equal(t, fabric.MessageID("m1"), got.Messages[0].ID)
	require.Equal(t, "dep", got.Artifacts[1].DependencyFingerprint)
	require.Len(t, got.SideEffects, 1)
	require.Equal(t, "crm.lookup", got.SideEffects[0].Tool)
}

func TestTerminalSaveReleasesActiveSlot(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	lt := newTurn("t1", turn.StatusAccumulating, 1)
	require.NoError(t, s.Create(ctx, lt))

	lt.Status = turn.StatusComplete
	require.NoError(t, s.Save(ctx, lt))

	_, err := s.ActiveTurn(ctx, key)
	require.ErrorIs(t, err, turn.ErrNotFound)

	// Slot is free for the next group.
	next := newTurn("t2", turn.StatusAccumulating, 2)
	next.GroupID = "g2"
	require.NoError(t, s.Create(ctx, next))
}

func TestSupersedeSwapsActiveAtomically(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	old := newTurn("t1", turn.StatusAccumulating, 1)
	require.NoError(t, s.Create(ctx, old))
	old.Status = turn.StatusProcessing
	require.NoError(t, s.Save(ctx, old))

	old.Status = turn.StatusSuperseded
	succ := old.NewSuccessor("t2", "dep", time.Unix(2000, 0))
	succ.FencingToken = old.FencingToken
	require.NoError(t, s.Supersede(ctx, old, succ))

	got, err := s.ActiveTurn(ctx, key)
	require.NoError(t, err)
	require.Equal(t, fabric.TurnID("t2"), got.ID)
	require.Equal(t, old.GroupID, got.GroupID)

	stored, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, turn.StatusSuperseded, stored.Status)
	require.Equal(t, fabric.TurnID("t2"), *stored.SupersededBy)

	// The old turn no longer holds the slot, so a second swap conflicts.
	err = s.Supersede(ctx, old, succ)
	require.ErrorIs(t, err, turn.ErrTurnConflict)
}

func TestAppendPendingInterruptCAS(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	lt := newTurn("t1", turn.StatusAccumulating, 1)
	require.NoError(t, s.Create(ctx, lt))
	lt.Status = turn.StatusProcessing
	require.NoError(t, s.Save(ctx, lt))

	msg := fabric.Message{ID: "m2", Content: "actually cancel that"}
	require.NoError(t, s.AppendPendingInterrupt(ctx, "t1", msg, turn.StatusProcessing))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got.PendingInterrupts, 1)
	require.Equal(t, fabric.MessageID("m2"), got.PendingInterrupts[0].ID)

	// Status mismatch conflicts.
	err = s.AppendPendingInterrupt(ctx, "t1", msg, turn.StatusAccumulating)
	require.ErrorIs(t, err, turn.ErrTurnConflict)

	// Unknown turn.
	err = s.AppendPendingInterrupt(ctx, "missing", msg, turn.StatusProcessing)
	require.ErrorIs(t, err, turn.ErrNotFound)
}

func TestAppendPendingInterruptAfterIrreversibleEffect(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	lt := newTurn("t1", turn.StatusAccumulating, 1)
	require.NoError(t, s.Create(ctx, lt))
	lt.Status = turn.StatusProcessing
	lt.RecordSideEffect(turn.SideEffect{
		Tool:       "payments.charge",
		Policy:     toolpolicy.PolicyIrreversible,
		Declared:   true,
		ExecutedAt: time.Unix(1001, 0),
		Phase:      2,
	})
	require.NoError(t, s.Save(ctx, lt))

	err := s.AppendPendingInterrupt(ctx, "t1", fabric.Message{ID: "m9"}, turn.StatusProcessing)
	require.ErrorIs(t, err, turn.ErrTurnConflict)
}

func TestSaveConsumesPendingInterrupts(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	lt := newTurn("t1", turn.StatusAccumulating, 1)
	require.NoError(t, s.Create(ctx, lt))
	lt.Status = turn.StatusProcessing
	require.NoError(t, s.Save(ctx, lt))
	require.NoError(t, s.AppendPendingInterrupt(ctx, "t1", fabric.Message{ID: "m2"}, turn.StatusProcessing))

	// The workflow absorbs the pending message and persists the result.
	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got.PendingInterrupts, 1)
	got.AppendMessage(got.PendingInterrupts[0])
	got.PendingInterrupts = nil
	require.NoError(t, s.Save(ctx, got))

	again, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, again.PendingInterrupts)
	require.Len(t, again.Messages, 1)
}

func TestOverflowQueueBounds(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		depth, err := s.ParkOverflow(ctx, key, fabric.Message{ID: fabric.MessageID(rune('a' + i))}, 3)
		require.NoError(t, err)
		require.Equal(t, i+1, depth)
	}
	_, err := s.ParkOverflow(ctx, key, fabric.Message{ID: "d"}, 3)
	require.ErrorIs(t, err, turn.ErrQueueFull)

	msgs, err := s.DrainOverflow(ctx, key, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, fabric.MessageID("a"), msgs[0].ID)
	require.Equal(t, fabric.MessageID("b"), msgs[1].ID)

	msgs, err = s.DrainOverflow(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, fabric.MessageID("c"), msgs[0].ID)

	msgs, err = s.DrainOverflow(ctx, key, 0)
	require.NoError(t, err)
	require.Nil(t, msgs)
}

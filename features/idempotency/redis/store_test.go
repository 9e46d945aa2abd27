package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"goa.design/acf/runtime/fabric/idempotency"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s, err := New(Options{Redis: rdb})
	require.NoError(t, err)
	return s, srv
}

func TestClaimCompleteReplay(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	key := idempotency.APIKey("acme", "client-key-1")

	res, err := s.TryRecord(ctx, key, "h1", time.Minute)
	require.NoError(t, err)
	require.True(t, res.Fresh)

	// A duplicate while the owner is still executing: claimed, not done.
	dup, err := s.TryRecord(ctx, key, "h1", time.Minute)
	require.NoError(t, err)
	require.False(t, dup.Fresh)
	require.False(t, dup.Done)
	require.Nil(t, dup.Value)

	require.NoError(t, s.Complete(ctx, key, []byte(`{"ack":"accepted"}`)))

	done, err := s.TryRecord(ctx, key, "h1", time.Minute)
	require.NoError(t, err)
	require.False(t, done.Fresh)
	require.True(t, done.Done)
	require.JSONEq(t, `{"ack":"accepted"}`, string(done.Value))
}

func TestPayloadMismatch(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	key := idempotency.APIKey("acme", "client-key-1")

	_, err := s.TryRecord(ctx, key, "h1", time.Minute)
	require.NoError(t, err)

	_, err = s.TryRecord(ctx, key, "h2", time.Minute)
	require.ErrorIs(t, err, idempotency.ErrPayloadMismatch)

	// Mismatch also applies after completion.
	require.NoError(t, s.Complete(ctx, key, []byte("ok")))
	_, err = s.TryRecord(ctx, key, "h2", time.Minute)
	require.ErrorIs(t, err, idempotency.ErrPayloadMismatch)
}

func TestWindowExpiryReexecutes(t *testing.T) {
	t.Parallel()

	s, srv := newTestStore(t)
	ctx := context.Background()
	key := idempotency.BeatKey("acme", nil)

	res, err := s.TryRecord(ctx, key, "h1", time.Minute)
	require.NoError(t, err)
	require.True(t, res.Fresh)
	require.NoError(t, s.Complete(ctx, key, []byte("out")))

	srv.FastForward(2 * time.Minute)

	again, err := s.TryRecord(ctx, key, "h1", time.Minute)
	require.NoError(t, err)
	require.True(t, again.Fresh)
}

func TestCompleteAfterExpiryIsNoop(t *testing.T) {
	t.Parallel()

	s, srv := newTestStore(t)
	ctx := context.Background()
	key := idempotency.ToolKey("acme", "payments.charge", "fp1")

	res, err := s.TryRecord(ctx, key, "h1", time.Minute)
	require.NoError(t, err)
	require.True(t, res.Fresh)

	srv.FastForward(2 * time.Minute)

	// The window closed; the late completion must not resurrect the record.
	require.NoError(t, s.Complete(ctx, key, []byte("out")))
	require.False(t, srv.Exists(key.String()))

	again, err := s.TryRecord(ctx, key, "h1", time.Minute)
	require.NoError(t, err)
	require.True(t, again.Fresh)
}

func TestScopeDefaultTTLApplied(t *testing.T) {
	t.Parallel()

	s, srv := newTestStore(t)
	ctx := context.Background()

	api := idempotency.APIKey("acme", "k1")
	_, err := s.TryRecord(ctx, api, "h", 0)
	require.NoError(t, err)
	require.Equal(t, idempotency.DefaultAPITTL, srv.TTL(api.String()))

	tool := idempotency.ToolKey("acme", "crm.update", "fp")
	_, err = s.TryRecord(ctx, tool, "h", 0)
	require.NoError(t, err)
	require.Equal(t, idempotency.DefaultToolTTL, srv.TTL(tool.String()))
}

func TestCompleteKeepsWindow(t *testing.T) {
	t.Parallel()

	s, srv := newTestStore(t)
	ctx := context.Background()
	key := idempotency.APIKey("acme", "k1")

	_, err := s.TryRecord(ctx, key, "h", time.Minute)
	require.NoError(t, err)

	srv.FastForward(30 * time.Second)
	require.NoError(t, s.Complete(ctx, key, []byte("ok")))

	// Completion must not extend the dedup window.
	require.LessOrEqual(t, srv.TTL(key.String()), 30*time.Second)

	srv.FastForward(31 * time.Second)
	res, err := s.TryRecord(ctx, key, "h", time.Minute)
	require.NoError(t, err)
	require.True(t, res.Fresh)
}

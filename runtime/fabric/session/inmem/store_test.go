package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/lock"
	"goa.design/acf/runtime/fabric/session"
)

func mkSession(t *testing.T, tenant, agent, interlocutor string, channel fabric.ChannelKind) *session.Session {
	t.Helper()
	key, err := fabric.NewSessionKey(fabric.TenantID(tenant), fabric.AgentID(agent), fabric.InterlocutorID(interlocutor), channel)
	require.NoError(t, err)
	sess, err := session.New(key, time.Unix(1000, 0))
	require.NoError(t, err)
	return sess
}

func TestSaveGetIsolatesCopies(t *testing.T) {
	tier := New()
	ctx := context.Background()

	sess := mkSession(t, "acme", "support", "u42", fabric.ChannelWeb)
	sess.SetVariable("name", "Ada", time.Unix(1001, 0))
	require.NoError(t, tier.Save(ctx, sess))

	got, err := tier.Get(ctx, sess.Key)
	require.NoError(t, err)
	require.Equal(t, sess.Key, got.Key)
	require.Equal(t, "Ada", got.Variables["name"])

	// Mutating the returned copy must not leak into the store.
	got.Variables["name"] = "Eve"
	again, err := tier.Get(ctx, sess.Key)
	require.NoError(t, err)
	require.Equal(t, "Ada", again.Variables["name"])

	_, err = tier.Get(ctx, fabric.SessionKey("acme:support:u43:web"))
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestSaveEnforcesFencing(t *testing.T) {
	tier := New()
	ctx := context.Background()

	sess := mkSession(t, "acme", "support", "u42", fabric.ChannelWeb)
	sess.FencingToken = lock.Token(5)
	require.NoError(t, tier.Save(ctx, sess))

	stale := sess.Clone()
	stale.FencingToken = lock.Token(3)
	require.ErrorIs(t, tier.Save(ctx, stale), lock.ErrFencingViolation)

	// Same-token rewrites are idempotent retries, not violations.
	require.NoError(t, tier.Save(ctx, sess))

	newer := sess.Clone()
	newer.FencingToken = lock.Token(7)
	require.NoError(t, tier.Save(ctx, newer))
}

func TestTTLExpiresEntries(t *testing.T) {
	now := time.Unix(1000, 0)
	tier := New(WithTTL(time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	sess := mkSession(t, "acme", "support", "u42", fabric.ChannelWeb)
	sess.UserChannelID = "web-client-1"
	sess.FencingToken = lock.Token(9)
	require.NoError(t, tier.Save(ctx, sess))

	now = now.Add(59 * time.Second)
	_, err := tier.Get(ctx, sess.Key)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = tier.Get(ctx, sess.Key)
	require.ErrorIs(t, err, session.ErrNotFound)

	listed, err := tier.ListByAgent(ctx, "acme", "support")
	require.NoError(t, err)
	require.Empty(t, listed)

	_, err = tier.FindByChannelIdentity(ctx, fabric.ChannelWeb, "web-client-1")
	require.ErrorIs(t, err, session.ErrNotFound)

	// Expiry forgets the fence, so an older token may re-create the entry.
	stale := sess.Clone()
	stale.FencingToken = lock.Token(2)
	require.NoError(t, tier.Save(ctx, stale))
}

func TestQueriesAreTenantScoped(t *testing.T) {
	tier := New()
	ctx := context.Background()

	a := mkSession(t, "acme", "support", "u42", fabric.ChannelWeb)
	b := mkSession(t, "acme", "support", "u43", fabric.ChannelWhatsApp)
	c := mkSession(t, "acme", "sales", "u42", fabric.ChannelWeb)
	d := mkSession(t, "globex", "support", "u42", fabric.ChannelWeb)
	for _, s := range []*session.Session{a, b, c, d} {
		require.NoError(t, tier.Save(ctx, s))
	}

	byAgent, err := tier.ListByAgent(ctx, "acme", "support")
	require.NoError(t, err)
	require.Len(t, byAgent, 2)

	byUser, err := tier.ListByInterlocutor(ctx, "acme", "u42")
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	for _, s := range byUser {
		require.Equal(t, fabric.TenantID("acme"), s.TenantID)
	}
}

func TestFindByChannelIdentity(t *testing.T) {
	tier := New()
	ctx := context.Background()

	sess := mkSession(t, "acme", "support", "u42", fabric.ChannelWhatsApp)
	sess.UserChannelID = "+15550100"
	require.NoError(t, tier.Save(ctx, sess))

	got, err := tier.FindByChannelIdentity(ctx, fabric.ChannelWhatsApp, "+15550100")
	require.NoError(t, err)
	require.Equal(t, sess.Key, got.Key)

	_, err = tier.FindByChannelIdentity(ctx, fabric.ChannelSMS, "+15550100")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestStepHashIndexFollowsTransitions(t *testing.T) {
	tier := New()
	ctx := context.Background()

	sess := mkSession(t, "acme", "support", "u42", fabric.ChannelWeb)
	sess.EnterStep("onboarding", "ask-name", "v1", "rule:start", 1, time.Unix(1001, 0))
	require.NoError(t, tier.Save(ctx, sess))
	firstHash := sess.StepHash()

	found, err := tier.FindByStepHash(ctx, "acme", firstHash)
	require.NoError(t, err)
	require.Len(t, found, 1)

	sess.EnterStep("onboarding", "ask-email", "v1", "rule:next", 0.9, time.Unix(1002, 0))
	require.NoError(t, tier.Save(ctx, sess))

	found, err = tier.FindByStepHash(ctx, "acme", firstHash)
	require.NoError(t, err)
	require.Empty(t, found)

	found, err = tier.FindByStepHash(ctx, "acme", sess.StepHash())
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "ask-email", found[0].ActiveStepID)
}

func TestDeleteUnindexes(t *testing.T) {
	tier := New()
	ctx := context.Background()

	sess := mkSession(t, "acme", "support", "u42", fabric.ChannelWeb)
	sess.UserChannelID = "web-client-1"
	require.NoError(t, tier.Save(ctx, sess))
	require.NoError(t, tier.Delete(ctx, sess.Key))

	_, err := tier.Get(ctx, sess.Key)
	require.ErrorIs(t, err, session.ErrNotFound)

	listed, err := tier.ListByAgent(ctx, "acme", "support")
	require.NoError(t, err)
	require.Empty(t, listed)

	_, err = tier.FindByChannelIdentity(ctx, fabric.ChannelWeb, "web-client-1")
	require.ErrorIs(t, err, session.ErrNotFound)

	// Deleting a missing key is not an error.
	require.NoError(t, tier.Delete(ctx, sess.Key))
}

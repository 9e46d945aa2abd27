package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/acf/runtime/fabric"
)

func TestBeatKeyIsOrderIndependent(t *testing.T) {
	a := []fabric.Message{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}}
	b := []fabric.Message{{ID: "m3"}, {ID: "m1"}, {ID: "m2"}}

	require.Equal(t, BeatKey("acme", a), BeatKey("acme", b))
	require.NotEqual(t, BeatKey("acme", a), BeatKey("globex", a))
	require.NotEqual(t, BeatKey("acme", a), BeatKey("acme", a[:2]))
}

func TestKeyRendering(t *testing.T) {
	require.Equal(t, "acf:idem:api:acme:req-1", APIKey("acme", "req-1").String())
	require.Equal(t, "acf:idem:beat:acme:msg:m1", MessageKey("acme", "m1").String())
	require.Equal(t, "acf:idem:tool:acme:send_email:fp", ToolKey("acme", "send_email", "fp").String())

	commit := CommitKey("acme:support:u42:web", "g1", "t1")
	require.Equal(t, "acf:idem:beat:acme:support:u42:web:commit:g1:t1", commit.String())
}

func TestScopeDefaultTTLs(t *testing.T) {
	require.Equal(t, 5*time.Minute, ScopeAPI.DefaultTTL())
	require.Equal(t, time.Minute, ScopeBeat.DefaultTTL())
	require.Equal(t, 24*time.Hour, ScopeTool.DefaultTTL())
}

func TestTTLSetResolvesPerTenant(t *testing.T) {
	set := NewTTLSet(10 * time.Minute)
	require.Equal(t, 10*time.Minute, set.For("acme"))

	set.Replace(map[fabric.TenantID]time.Duration{
		"acme":   30 * time.Second,
		"globex": 0,
	})
	require.Equal(t, 30*time.Second, set.For("acme"))
	require.Equal(t, 10*time.Minute, set.For("globex"))
	require.Equal(t, 10*time.Minute, set.For("initech"))

	set.Replace(nil)
	require.Equal(t, 10*time.Minute, set.For("acme"))
}

func TestTTLSetDefaultFallsBack(t *testing.T) {
	require.Equal(t, DefaultAPITTL, NewTTLSet(0).For("acme"))
	require.Equal(t, DefaultAPITTL, NewTTLSet(-time.Second).For("acme"))
}

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/channel"
	"goa.design/acf/runtime/fabric/config"
	"goa.design/acf/runtime/fabric/toolpolicy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const fullDoc = `
server:
  http_addr: ":9090"
  shutdown_grace: 5s
redis:
  addr: "localhost:6379"
  password: secret
  db: 3
mongo:
  uri: "mongodb://localhost:27017"
  database: acf
temporal:
  host_port: "localhost:7233"
  namespace: fabric
  task_queue: fabric-turns
pulse:
  stream_prefix: fabric
fabric:
  lease_ttl: 45s
  acquire_timeout: 15s
  max_accumulation: 20s
  clamp_min: 100ms
  clamp_max: 5s
  api_ttl: 10m
  turn_retention: 48h
channels:
  whatsapp:
    turn_window: 1500ms
    typing_indicator: true
    batching: whatsapp_style
    max_message_length: 4096
    rich_media: true
    overflow:
      budget: 12
      window: 1m
  kiosk:
    turn_window: 250ms
    overflow:
      budget: 30
      window: 10s
tools:
  crm.lookup: PURE
  payments.charge: IRREVERSIBLE
agents:
  collections:
    disallow_supersede: true
    tools:
      crm.lookup: IDEMPOTENT
tenants:
  acme:
    api_ttl: 30s
`

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestLoadParsesFullDocument(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, fullDoc))
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Server.HTTPAddr)
	require.Equal(t, 5*time.Second, cfg.Server.ShutdownGrace.Duration())
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, 3, cfg.Redis.DB)
	require.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	require.Equal(t, "acf", cfg.Mongo.Database)
	require.Equal(t, "localhost:7233", cfg.Temporal.HostPort)
	require.Equal(t, "fabric", cfg.Temporal.Namespace)
	require.Equal(t, "fabric-turns", cfg.Temporal.TaskQueue)
	require.Equal(t, "fabric", cfg.Pulse.StreamPrefix)
	require.Equal(t, 45*time.Second, cfg.Fabric.LeaseTTL.Duration())
	require.Equal(t, 15*time.Second, cfg.Fabric.AcquireTimeout.Duration())
	require.Equal(t, 20*time.Second, cfg.Fabric.MaxAccumulation.Duration())
	require.Equal(t, 100*time.Millisecond, cfg.Fabric.ClampMin.Duration())
	require.Equal(t, 5*time.Second, cfg.Fabric.ClampMax.Duration())
	require.Equal(t, 10*time.Minute, cfg.Fabric.APITTL.Duration())
	require.Equal(t, 48*time.Hour, cfg.Fabric.TurnRetention.Duration())
	require.Len(t, cfg.Version, 12)
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte("fabric: {}\n"))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.HTTPAddr)
	require.Equal(t, 30*time.Second, cfg.Server.ShutdownGrace.Duration())
	require.Equal(t, "default", cfg.Temporal.Namespace)
	require.Equal(t, "acf-turns", cfg.Temporal.TaskQueue)
	require.Equal(t, "acf", cfg.Pulse.StreamPrefix)
	require.Equal(t, 30*time.Second, cfg.Fabric.LeaseTTL.Duration())
	require.Equal(t, 10*time.Second, cfg.Fabric.AcquireTimeout.Duration())
	require.Equal(t, 30*time.Second, cfg.Fabric.MaxAccumulation.Duration())
	require.Equal(t, 200*time.Millisecond, cfg.Fabric.ClampMin.Duration())
	require.Equal(t, 10*time.Second, cfg.Fabric.ClampMax.Duration())
	require.Equal(t, 5*time.Minute, cfg.Fabric.APITTL.Duration())
	require.Equal(t, 24*time.Hour, cfg.Fabric.TurnRetention.Duration())
	require.Empty(t, cfg.Redis.Addr)
	require.Empty(t, cfg.Mongo.URI)
	require.Empty(t, cfg.Temporal.HostPort)
}

func TestParseEmptyDocumentUsesDefaults(t *testing.T) {
	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.HTTPAddr)
	require.Equal(t, 5*time.Minute, cfg.Fabric.APITTL.Duration())
}

func TestDefaultMatchesEmptyDocument(t *testing.T) {
	def := config.Default()
	require.Equal(t, "default", def.Version)
	require.Equal(t, ":8080", def.Server.HTTPAddr)
	require.Empty(t, def.ChannelModels())
	require.Empty(t, def.ToolDeclarations())
	require.Empty(t, def.AgentRules())
	require.Empty(t, def.TenantAPITTLs())
}

func TestDurationAcceptsIntegerNanoseconds(t *testing.T) {
	cfg, err := config.Parse([]byte("fabric:\n  clamp_min: 1000000\n"))
	require.NoError(t, err)
	require.Equal(t, time.Millisecond, cfg.Fabric.ClampMin.Duration())
}

func TestViewsCarryTypedKeys(t *testing.T) {
	cfg, err := config.Parse([]byte(fullDoc))
	require.NoError(t, err)

	models := cfg.ChannelModels()
	require.Len(t, models, 2)
	wa := models[fabric.ChannelWhatsApp]
	require.Equal(t, fabric.ChannelWhatsApp, wa.Kind)
	require.Equal(t, 1500*time.Millisecond, wa.DefaultTurnWindow)
	require.True(t, wa.TypingIndicator)
	require.Equal(t, channel.BatchingWhatsApp, wa.Batching)
	require.Equal(t, 4096, wa.MaxMessageLength)
	require.True(t, wa.RichMedia)
	require.Equal(t, channel.OverflowPolicy{N: 12, W: time.Minute}, wa.Overflow)

	kiosk := models[fabric.ChannelKind("kiosk")]
	require.Equal(t, fabric.ChannelKind("kiosk"), kiosk.Kind)
	require.Equal(t, 250*time.Millisecond, kiosk.DefaultTurnWindow)
	require.Equal(t, channel.BatchingNone, kiosk.Batching)
	require.Equal(t, channel.OverflowPolicy{N: 30, W: 10 * time.Second}, kiosk.Overflow)

	decls := cfg.ToolDeclarations()
	require.Equal(t, toolpolicy.PolicyPure, decls["crm.lookup"])
	require.Equal(t, toolpolicy.PolicyIrreversible, decls["payments.charge"])

	rules := cfg.AgentRules()
	require.True(t, rules[fabric.AgentID("collections")].DisallowSupersede)
	require.Equal(t, toolpolicy.PolicyIdempotent, rules[fabric.AgentID("collections")].Overrides["crm.lookup"])

	ttls := cfg.TenantAPITTLs()
	require.Equal(t, 30*time.Second, ttls[fabric.TenantID("acme")])
	require.Len(t, ttls, 1)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown section", "fabrik: {}\n", "fabrik"},
		{"unknown channel field", "channels:\n  web:\n    turn_windw: 1s\n", "turn_windw"},
		{"bad policy", "tools:\n  crm.lookup: WILD\n", "tools"},
		{"bad batching", "channels:\n  web:\n    batching: digest\n", "batching"},
		{"malformed duration", "fabric:\n  lease_ttl: fast\n", "fast"},
		{"clamp inversion", "fabric:\n  clamp_min: 5s\n  clamp_max: 1s\n", "clamp_min"},
		{"negative duration", "fabric:\n  api_ttl: -5s\n", "api_ttl"},
		{"overflow without window", "channels:\n  web:\n    overflow:\n      budget: 5\n", "window"},
		{"not a mapping", "- a\n- b\n", "invalid config"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.doc))
			require.Error(t, err)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestLoadReportsMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWatchAppliesValidRevisionsAndKeepsLastGood(t *testing.T) {
	path := writeConfig(t, "server:\n  http_addr: \":1001\"\n")

	applied := make(chan *config.Config, 8)
	w, err := config.Watch(context.Background(), path, func(cfg *config.Config) { applied <- cfg },
		config.WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, w.Close()) })

	waitApplied := func(wantAddr string) {
		t.Helper()
		require.Eventually(t, func() bool {
			select {
			case cfg := <-applied:
				return cfg.Server.HTTPAddr == wantAddr
			default:
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)
	}

	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_addr: \":1002\"\n"), 0o600))
	waitApplied(":1002")

	// A broken revision is rejected and the loop keeps running on the last
	// good one.
	require.NoError(t, os.WriteFile(path, []byte("fabrik: {}\n"), 0o600))
	time.Sleep(150 * time.Millisecond)
	require.Empty(t, applied)

	// Atomic save: write a sibling then rename over the watched file. The
	// sibling itself must not trigger a reload.
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte("server:\n  http_addr: \":1003\"\n"), 0o600))
	require.NoError(t, os.Rename(tmp, path))
	waitApplied(":1003")
}

func TestWatcherCloseStopsReloads(t *testing.T) {
	path := writeConfig(t, "server:\n  http_addr: \":2001\"\n")

	applied := make(chan *config.Config, 1)
	w, err := config.Watch(context.Background(), path, func(cfg *config.Config) { applied <- cfg },
		config.WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_addr: \":2002\"\n"), 0o600))
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, applied)
}

func TestWatchRejectsMissingDirectory(t *testing.T) {
	_, err := config.Watch(context.Background(), filepath.Join(t.TempDir(), "missing", "fabric.yaml"), func(*config.Config) {})
	require.Error(t, err)
}

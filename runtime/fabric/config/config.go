// Package config loads and validates the fabric deployment configuration.
//
// Configuration is a single YAML document checked against an embedded JSON
// schema before decoding, so malformed files are rejected with positional
// errors and a running process never observes a half-applied revision. The
// channel, tool, agent, and tenant sections support hot reload through Watch;
// the connection and server sections take effect on restart only.
package config

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/accumulate"
	"goa.design/acf/runtime/fabric/api"
	"goa.design/acf/runtime/fabric/channel"
	"goa.design/acf/runtime/fabric/idempotency"
	"goa.design/acf/runtime/fabric/lock"
	"goa.design/acf/runtime/fabric/toolpolicy"
	"goa.design/acf/runtime/fabric/workflow"
)

//go:embed schema.json
var schemaJSON []byte

// DefaultTurnRetention bounds how long committed turn rows stay queryable in
// the hot tier before backends may evict them.
const DefaultTurnRetention = 24 * time.Hour

type (
	// Config is the root of the fabric configuration document.
	Config struct {
		Server   Server             `yaml:"server"`
		Redis    Redis              `yaml:"redis"`
		Mongo    Mongo              `yaml:"mongo"`
		Temporal Temporal           `yaml:"temporal"`
		Pulse    Pulse              `yaml:"pulse"`
		Fabric   Fabric             `yaml:"fabric"`
		Channels map[string]Channel `yaml:"channels"`
		Tools    map[string]string  `yaml:"tools"`
		Agents   map[string]Agent   `yaml:"agents"`
		Tenants  map[string]Tenant  `yaml:"tenants"`

		// Version fingerprints the source document. Reload logs carry it so
		// operators can tell which revision a process runs.
		Version string `yaml:"-"`
	}

	// Server configures the HTTP front end.
	Server struct {
		HTTPAddr      string   `yaml:"http_addr"`
		ShutdownGrace Duration `yaml:"shutdown_grace"`
	}

	// Redis configures the hot-tier session rows, locks, idempotency
	// records, and active-turn slots. An empty addr selects the in-memory
	// backends.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// Mongo configures the durable session tier and the audit trail. An
	// empty URI selects the in-memory backends.
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// Temporal configures the workflow engine. An empty host port selects
	// the in-process engine.
	Temporal struct {
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}

	// Pulse configures outbound envelope streaming.
	Pulse struct {
		StreamPrefix string `yaml:"stream_prefix"`
	}

	// Fabric carries the runtime tuning knobs.
	Fabric struct {
		LeaseTTL        Duration `yaml:"lease_ttl"`
		AcquireTimeout  Duration `yaml:"acquire_timeout"`
		MaxAccumulation Duration `yaml:"max_accumulation"`
		ClampMin        Duration `yaml:"clamp_min"`
		ClampMax        Duration `yaml:"clamp_max"`
		APITTL          Duration `yaml:"api_ttl"`
		TurnRetention   Duration `yaml:"turn_retention"`
	}

	// Channel overrides the built-in model for one channel kind. An entry
	// replaces the built-in wholesale, so every field counts. Keys are
	// channel kinds; custom kinds are allowed.
	Channel struct {
		TurnWindow       Duration `yaml:"turn_window"`
		TypingIndicator  bool     `yaml:"typing_indicator"`
		Batching         string   `yaml:"batching"`
		MaxMessageLength int      `yaml:"max_message_length"`
		Markdown         bool     `yaml:"markdown"`
		RichMedia        bool     `yaml:"rich_media"`
		Overflow         Overflow `yaml:"overflow"`
	}

	// Overflow bounds per-session arrivals for a channel: more than budget
	// messages within the window triggers gateway backpressure.
	Overflow struct {
		Budget int      `yaml:"budget"`
		Window Duration `yaml:"window"`
	}

	// Agent carries per-agent supersede rules and tool policy overrides.
	Agent struct {
		DisallowSupersede bool              `yaml:"disallow_supersede"`
		Tools             map[string]string `yaml:"tools"`
	}

	// Tenant carries per-tenant overrides.
	Tenant struct {
		APITTL Duration `yaml:"api_ttl"`
	}
)

// Duration decodes either a Go duration string such as "600ms" or an integer
// nanosecond count.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := value.Decode(&ns); err != nil {
		return fmt.Errorf("duration must be a string such as %q or an integer nanosecond count", "600ms")
	}
	*d = Duration(ns)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration converts to the standard library representation.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// String returns the standard duration notation.
func (d Duration) String() string { return time.Duration(d).String() }

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates and decodes a raw YAML document. An empty document yields
// the defaults.
func Parse(raw []byte) (*Config, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(raw)
	cfg.Version = hex.EncodeToString(sum[:])[:12]
	return &cfg, nil
}

// Default returns the configuration used when no file is given: built-in
// channel models, no declared tools, in-memory backends.
func Default() *Config {
	cfg := &Config{Version: "default"}
	cfg.applyDefaults()
	return cfg
}

// validateSchema checks the raw document against the embedded JSON schema so
// structural mistakes surface with their document position. The document is
// round-tripped through JSON to line YAML scalar types up with what the
// schema compiler expects.
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	var payload any
	if err := json.Unmarshal(buf, &payload); err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return fmt.Errorf("parse embedded schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.json", schemaDoc); err != nil {
		return fmt.Errorf("register schema: %w", err)
	}
	schema, err := compiler.Compile("config.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = Duration(30 * time.Second)
	}
	if c.Temporal.Namespace == "" {
		c.Temporal.Namespace = "default"
	}
	if c.Temporal.TaskQueue == "" {
		c.Temporal.TaskQueue = api.TaskQueue
	}
	if c.Pulse.StreamPrefix == "" {
		c.Pulse.StreamPrefix = "acf"
	}
	if c.Fabric.LeaseTTL == 0 {
		c.Fabric.LeaseTTL = Duration(lock.DefaultLeaseTTL)
	}
	if c.Fabric.AcquireTimeout == 0 {
		c.Fabric.AcquireTimeout = Duration(workflow.DefaultAcquireTimeout)
	}
	if c.Fabric.MaxAccumulation == 0 {
		c.Fabric.MaxAccumulation = Duration(workflow.DefaultMaxAccumulation)
	}
	if c.Fabric.ClampMin == 0 {
		c.Fabric.ClampMin = Duration(accumulate.DefaultMinWait)
	}
	if c.Fabric.ClampMax == 0 {
		c.Fabric.ClampMax = Duration(accumulate.DefaultMaxWait)
	}
	if c.Fabric.APITTL == 0 {
		c.Fabric.APITTL = Duration(idempotency.DefaultAPITTL)
	}
	if c.Fabric.TurnRetention == 0 {
		c.Fabric.TurnRetention = Duration(DefaultTurnRetention)
	}
}

func (c *Config) validate() error {
	durations := map[string]Duration{
		"server.shutdown_grace":   c.Server.ShutdownGrace,
		"fabric.lease_ttl":        c.Fabric.LeaseTTL,
		"fabric.acquire_timeout":  c.Fabric.AcquireTimeout,
		"fabric.max_accumulation": c.Fabric.MaxAccumulation,
		"fabric.clamp_min":        c.Fabric.ClampMin,
		"fabric.clamp_max":        c.Fabric.ClampMax,
		"fabric.api_ttl":          c.Fabric.APITTL,
		"fabric.turn_retention":   c.Fabric.TurnRetention,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Fabric.ClampMin > c.Fabric.ClampMax {
		return fmt.Errorf("fabric.clamp_min %s exceeds fabric.clamp_max %s", c.Fabric.ClampMin, c.Fabric.ClampMax)
	}

	for kind, ch := range c.Channels {
		if _, err := parseBatching(ch.Batching); err != nil {
			return fmt.Errorf("channel %s: %w", kind, err)
		}
		if ch.TurnWindow < 0 {
			return fmt.Errorf("channel %s: turn_window must not be negative", kind)
		}
		if ch.Overflow.Budget < 0 || ch.Overflow.Window < 0 {
			return fmt.Errorf("channel %s: overflow must not be negative", kind)
		}
		if ch.Overflow.Budget > 0 && ch.Overflow.Window == 0 {
			return fmt.Errorf("channel %s: overflow budget needs a window", kind)
		}
	}

	for tool, policy := range c.Tools {
		if _, err := toolpolicy.ParsePolicy(policy); err != nil {
			return fmt.Errorf("tool %s: %w", tool, err)
		}
	}
	for agent, a := range c.Agents {
		for tool, policy := range a.Tools {
			if _, err := toolpolicy.ParsePolicy(policy); err != nil {
				return fmt.Errorf("agent %s tool %s: %w", agent, tool, err)
			}
		}
	}
	for tenant, t := range c.Tenants {
		if t.APITTL < 0 {
			return fmt.Errorf("tenant %s: api_ttl must not be negative", tenant)
		}
	}
	return nil
}

func parseBatching(s string) (channel.BatchingStyle, error) {
	switch channel.BatchingStyle(s) {
	case "", channel.BatchingNone:
		return channel.BatchingNone, nil
	case channel.BatchingWhatsApp, channel.BatchingTelegram:
		return channel.BatchingStyle(s), nil
	default:
		return "", fmt.Errorf("unknown batching style %q", s)
	}
}

// ChannelModels converts the channel section into the override table for
// channel.Set.Replace.
func (c *Config) ChannelModels() map[fabric.ChannelKind]channel.Model {
	models := make(map[fabric.ChannelKind]channel.Model, len(c.Channels))
	for kind, ch := range c.Channels {
		batching, _ := parseBatching(ch.Batching)
		models[fabric.ChannelKind(kind)] = channel.Model{
			Kind:              fabric.ChannelKind(kind),
			DefaultTurnWindow: ch.TurnWindow.Duration(),
			TypingIndicator:   ch.TypingIndicator,
			Batching:          batching,
			MaxMessageLength:  ch.MaxMessageLength,
			Markdown:          ch.Markdown,
			RichMedia:         ch.RichMedia,
			Overflow: channel.OverflowPolicy{
				N: ch.Overflow.Budget,
				W: ch.Overflow.Window.Duration(),
			},
		}
	}
	return models
}

// ToolDeclarations converts the tools section into the declaration set for
// toolpolicy.Registry.Replace.
func (c *Config) ToolDeclarations() toolpolicy.Declarations {
	decls := make(toolpolicy.Declarations, len(c.Tools))
	for tool, policy := range c.Tools {
		p, _ := toolpolicy.ParsePolicy(policy)
		decls[tool] = p
	}
	return decls
}

// AgentRules converts the agents section into the per-agent rule set for
// toolpolicy.Registry.Replace.
func (c *Config) AgentRules() map[fabric.AgentID]toolpolicy.AgentRules {
	rules := make(map[fabric.AgentID]toolpolicy.AgentRules, len(c.Agents))
	for id, a := range c.Agents {
		overrides := make(toolpolicy.Declarations, len(a.Tools))
		for tool, policy := range a.Tools {
			p, _ := toolpolicy.ParsePolicy(policy)
			overrides[tool] = p
		}
		rules[fabric.AgentID(id)] = toolpolicy.AgentRules{
			DisallowSupersede: a.DisallowSupersede,
			Overrides:         overrides,
		}
	}
	return rules
}

// TenantAPITTLs returns the per-tenant request idempotency windows. Tenants
// without an override fall back to fabric.api_ttl.
func (c *Config) TenantAPITTLs() map[fabric.TenantID]time.Duration {
	ttls := make(map[fabric.TenantID]time.Duration, len(c.Tenants))
	for id, t := range c.Tenants {
		if t.APITTL > 0 {
			ttls[fabric.TenantID(id)] = t.APITTL.Duration()
		}
	}
	return ttls
}

// Command fabricd runs the conversation fabric: the HTTP ingress channel
// adapters post messages to, the logical-turn workflow engine, and the
// operator admin surface, all in one process.
//
// # Configuration
//
// fabricd reads an optional YAML file (-config) validated against an
// embedded schema. Backends are selected by connection presence: an empty
// redis.addr runs the in-memory session lock, hot tier, turn store, and
// idempotency store; an empty mongo.uri runs the in-memory persistent tier
// and audit sink; an empty temporal.host_port runs the in-process engine.
// A bare
//
//	fabricd
//
// therefore runs a complete single-node fabric for development, with
// committed envelopes logged instead of published. The channels, tools,
// agents, and tenants sections hot-reload on file change; server and
// connection settings take effect on restart.
//
// # Flags
//
//	-config PATH  configuration file (built-in defaults when empty)
//	-http ADDR    HTTP listen address (overrides server.http_addr)
//	-debug        log request bodies, mount pprof and log-level endpoints
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/health"
	"goa.design/clue/log"

	auditmongo "goa.design/acf/features/audit/mongo"
	auditmongoclient "goa.design/acf/features/audit/mongo/clients/mongo"
	"goa.design/acf/features/brain/script"
	idemredis "goa.design/acf/features/idempotency/redis"
	lockredis "goa.design/acf/features/lock/redis"
	outboundpulse "goa.design/acf/features/outbound/pulse"
	pulseclient "goa.design/acf/features/outbound/pulse/clients/pulse"
	sessionmongo "goa.design/acf/features/session/mongo"
	sessionmongoclient "goa.design/acf/features/session/mongo/clients/mongo"
	sessionredis "goa.design/acf/features/session/redis"
	turnredis "goa.design/acf/features/turn/redis"
	"goa.design/acf/runtime/fabric/accumulate"
	"goa.design/acf/runtime/fabric/audit"
	auditinmem "goa.design/acf/runtime/fabric/audit/inmem"
	"goa.design/acf/runtime/fabric/channel"
	"goa.design/acf/runtime/fabric/config"
	"goa.design/acf/runtime/fabric/engine"
	engineinmem "goa.design/acf/runtime/fabric/engine/inmem"
	enginetemporal "goa.design/acf/runtime/fabric/engine/temporal"
	"goa.design/acf/runtime/fabric/gateway"
	"goa.design/acf/runtime/fabric/hooks"
	"goa.design/acf/runtime/fabric/idempotency"
	ideminmem "goa.design/acf/runtime/fabric/idempotency/inmem"
	"goa.design/acf/runtime/fabric/lock"
	lockinmem "goa.design/acf/runtime/fabric/lock/inmem"
	"goa.design/acf/runtime/fabric/outbound"
	"goa.design/acf/runtime/fabric/session"
	sessioninmem "goa.design/acf/runtime/fabric/session/inmem"
	"goa.design/acf/runtime/fabric/telemetry"
	"goa.design/acf/runtime/fabric/toolpolicy"
	"goa.design/acf/runtime/fabric/turn"
	turninmem "goa.design/acf/runtime/fabric/turn/inmem"
	"goa.design/acf/runtime/fabric/workflow"
)

const (
	connectTimeout       = 5 * time.Second
	defaultMongoDatabase = "acf"
)

func main() {
	var (
		configF = flag.String("config", "", "Configuration file path (built-in defaults when empty)")
		httpF   = flag.String("http", "", "HTTP listen address (overrides server.http_addr)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies and mount debug endpoints")
	)
	flag.Parse()

	// Setup logger: JSON in deployments, terminal colors during development.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg := config.Default()
	if *configF != "" {
		loaded, err := config.Load(*configF)
		if err != nil {
			log.Fatal(ctx, err)
		}
		cfg = loaded
	}
	if *httpF != "" {
		cfg.Server.HTTPAddr = *httpF
	}
	log.Print(ctx,
		log.KV{K: "msg", V: "starting fabricd"},
		log.KV{K: "config_version", V: cfg.Version},
		log.KV{K: "http_addr", V: cfg.Server.HTTPAddr})

	d, err := build(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}

	// Hot reload of the dynamic config sections. Invalid revisions are
	// logged and skipped; the process keeps the last good tables.
	if *configF != "" {
		watcher, err := config.Watch(ctx, *configF, d.apply, config.WithWatchLogger(d.logger))
		if err != nil {
			log.Fatal(ctx, err)
		}
		defer func() {
			if err := watcher.Close(); err != nil {
				log.Printf(ctx, "close config watcher: %v", err)
			}
		}()
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler so SIGINT and SIGTERM stop the fabric
	// gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	handleHTTPServer(ctx, cfg, d, &wg, errc, *dbgF)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	d.close(context.Background())
	log.Printf(ctx, "exited")
}

type (
	// daemon aggregates the wired fabric collaborators the HTTP surface
	// and the reload path touch.
	daemon struct {
		gateway  *gateway.Gateway
		sessions *session.Store
		mutex    lock.Mutex
		channels *channel.Set
		policies *toolpolicy.Registry
		apiTTLs  *idempotency.TTLSet
		pingers  []health.Pinger
		logger   telemetry.Logger
		closers  []closer
	}

	closer struct {
		name  string
		close func(context.Context) error
	}
)

// build wires the fabric from the configuration: Redis-, Mongo-, Temporal-,
// and Pulse-backed collaborators when their endpoints are configured,
// in-memory counterparts otherwise. It registers the turn workflow with the
// engine before returning, so the returned daemon is ready to serve.
func build(ctx context.Context, cfg *config.Config) (*daemon, error) {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	channels := channel.NewSet(cfg.ChannelModels())
	policies := toolpolicy.NewRegistry(cfg.ToolDeclarations(), cfg.AgentRules())
	apiTTLs := idempotency.NewTTLSet(cfg.Fabric.APITTL.Duration())
	apiTTLs.Replace(cfg.TenantAPITTLs())

	bus := hooks.NewBus()
	if _, err := bus.Register(turnEventLogger(logger)); err != nil {
		return nil, fmt.Errorf("register event logger: %w", err)
	}

	d := &daemon{
		channels: channels,
		policies: policies,
		apiTTLs:  apiTTLs,
		logger:   logger,
	}

	var (
		mutex lock.Mutex
		hot   session.Tier
		turns turn.Store
		idem  idempotency.Store
		rdb   *redis.Client
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		d.closers = append(d.closers, closer{"redis", func(context.Context) error { return rdb.Close() }})
		d.pingers = append(d.pingers, redisPinger{rdb})

		if mutex, err = lockredis.New(lockredis.Options{Redis: rdb}); err != nil {
			return nil, fmt.Errorf("redis session lock: %w", err)
		}
		if hot, err = sessionredis.New(sessionredis.Options{Redis: rdb}); err != nil {
			return nil, fmt.Errorf("redis session tier: %w", err)
		}
		if turns, err = turnredis.New(turnredis.Options{Redis: rdb, Retention: cfg.Fabric.TurnRetention.Duration()}); err != nil {
			return nil, fmt.Errorf("redis turn store: %w", err)
		}
		if idem, err = idemredis.New(idemredis.Options{Redis: rdb}); err != nil {
			return nil, fmt.Errorf("redis idempotency store: %w", err)
		}
	} else {
		mutex = lockinmem.New()
		hot = sessioninmem.New()
		turns = turninmem.New()
		idem = ideminmem.New()
	}

	var (
		persistent session.Tier
		auditSink  audit.Sink
	)
	if cfg.Mongo.URI != "" {
		mcli, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		d.closers = append(d.closers, closer{"mongo", mcli.Disconnect})
		db := cfg.Mongo.Database
		if db == "" {
			db = defaultMongoDatabase
		}
		sessClient, err := sessionmongoclient.New(sessionmongoclient.Options{Client: mcli, Database: db})
		if err != nil {
			return nil, fmt.Errorf("mongo session tier: %w", err)
		}
		sessStore, err := sessionmongo.NewStore(sessClient)
		if err != nil {
			return nil, fmt.Errorf("mongo session tier: %w", err)
		}
		auditClient, err := auditmongoclient.New(auditmongoclient.Options{Client: mcli, Database: db})
		if err != nil {
			return nil, fmt.Errorf("mongo audit sink: %w", err)
		}
		sink, err := auditmongo.NewSink(auditClient)
		if err != nil {
			return nil, fmt.Errorf("mongo audit sink: %w", err)
		}
		persistent = sessStore
		auditSink = sink
		d.pingers = append(d.pingers, sessClient, auditClient)
	} else {
		persistent = sessioninmem.New()
		auditSink = auditinmem.New()
	}

	var dispatcher outbound.Dispatcher
	if rdb != nil {
		pc, err := pulseclient.New(pulseclient.Options{Redis: rdb})
		if err != nil {
			return nil, fmt.Errorf("pulse client: %w", err)
		}
		dispatcher, err = outboundpulse.NewDispatcher(outboundpulse.Options{
			Client:       pc,
			StreamPrefix: cfg.Pulse.StreamPrefix + ":outbound:",
		})
		if err != nil {
			return nil, fmt.Errorf("pulse dispatcher: %w", err)
		}
		d.closers = append(d.closers, closer{"pulse", pc.Close})
	} else {
		dispatcher = logDispatcher{logger}
	}

	var eng engine.Engine
	if cfg.Temporal.HostPort != "" {
		te, err := enginetemporal.New(enginetemporal.Options{
			ClientOptions: &temporalclient.Options{
				HostPort:  cfg.Temporal.HostPort,
				Namespace: cfg.Temporal.Namespace,
			},
			WorkerOptions: enginetemporal.WorkerOptions{TaskQueue: cfg.Temporal.TaskQueue},
			Logger:        logger,
			Metrics:       metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("temporal engine: %w", err)
		}
		eng = te
		d.closers = append(d.closers, closer{"temporal", func(context.Context) error { return te.Close() }})
	} else {
		eng = engineinmem.New()
	}

	sessions := session.NewStore(hot, persistent, session.WithLogger(logger))
	clamp := accumulate.Clamp{
		Min: cfg.Fabric.ClampMin.Duration(),
		Max: cfg.Fabric.ClampMax.Duration(),
	}

	rt := workflow.New(
		workflow.WithEngine(eng),
		workflow.WithMutex(mutex),
		workflow.WithSessionStore(sessions),
		workflow.WithTurnStore(turns),
		workflow.WithIdempotencyStore(idem),
		workflow.WithBrain(script.New(script.Options{Policies: policies})),
		workflow.WithDispatcher(dispatcher),
		workflow.WithAuditSink(auditSink),
		workflow.WithPolicies(policies),
		workflow.WithChannels(channels),
		workflow.WithBus(bus),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithClamp(clamp),
		workflow.WithMaxAccumulation(cfg.Fabric.MaxAccumulation.Duration()),
		workflow.WithLeaseTTL(cfg.Fabric.LeaseTTL.Duration()),
		workflow.WithAcquireTimeout(cfg.Fabric.AcquireTimeout.Duration()),
		workflow.WithTaskQueue(cfg.Temporal.TaskQueue),
	)
	if err := rt.Register(ctx); err != nil {
		return nil, fmt.Errorf("register turn workflow: %w", err)
	}

	gw, err := gateway.New(
		gateway.WithEngine(eng),
		gateway.WithSessionStore(sessions),
		gateway.WithTurnStore(turns),
		gateway.WithIdempotencyStore(idem),
		gateway.WithPolicies(policies),
		gateway.WithChannels(channels),
		gateway.WithThrottle(gateway.NewThrottle()),
		gateway.WithBus(bus),
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithClamp(clamp),
		gateway.WithAPITTLs(apiTTLs),
		gateway.WithLeaseTTL(cfg.Fabric.LeaseTTL.Duration()),
		gateway.WithTaskQueue(cfg.Temporal.TaskQueue),
	)
	if err != nil {
		return nil, fmt.Errorf("build gateway: %w", err)
	}

	d.gateway = gw
	d.sessions = sessions
	d.mutex = mutex
	return d, nil
}

// apply swaps in a validated configuration revision. Only the hot sections
// move; connection and server settings keep their boot values.
func (d *daemon) apply(cfg *config.Config) {
	d.channels.Replace(cfg.ChannelModels())
	d.policies.Replace(cfg.ToolDeclarations(), cfg.AgentRules())
	d.apiTTLs.Replace(cfg.TenantAPITTLs())
}

// close releases backends in reverse construction order.
func (d *daemon) close(ctx context.Context) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		c := d.closers[i]
		if err := c.close(ctx); err != nil {
			d.logger.Warn(ctx, "close "+c.name, "err", err)
		}
	}
}

// turnEventLogger narrates turn lifecycle events so operators can follow a
// conversation through the fabric from logs alone.
func turnEventLogger(logger telemetry.Logger) hooks.Subscriber {
	return hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
		switch e := evt.(type) {
		case *hooks.GatewayDecisionEvent:
			logger.Debug(ctx, "gateway decision",
				"session", string(e.SessionKey()), "message_id", string(e.MessageID),
				"decision", e.Decision, "queue_depth", e.QueueDepth)
		case *hooks.TurnPromotedEvent:
			logger.Debug(ctx, "turn promoted",
				"session", string(e.SessionKey()), "turn_id", string(e.TurnID()),
				"reason", string(e.Reason), "messages", e.Messages)
		case *hooks.TurnSupersededEvent:
			logger.Info(ctx, "turn superseded",
				"session", string(e.SessionKey()), "turn_id", string(e.TurnID()),
				"successor", string(e.SuccessorID), "reason", e.Reason)
		case *hooks.TurnCommittedEvent:
			logger.Info(ctx, "turn committed",
				"session", string(e.SessionKey()), "turn_id", string(e.TurnID()),
				"segments", e.Segments, "tokens", e.TokensUsed, "latency_ms", e.LatencyMS)
		case *hooks.TurnFailedEvent:
			logger.Error(ctx, "turn failed",
				"session", string(e.SessionKey()), "turn_id", string(e.TurnID()),
				"reason", e.Reason, "compensated", e.Compensated)
		case *hooks.SessionTransferredEvent:
			logger.Info(ctx, "session transferred",
				"session", string(e.SessionKey()),
				"from_agent", string(e.FromAgent), "to_agent", string(e.ToAgent))
		}
		return nil
	})
}

// logDispatcher stands in for channel adapters when no Redis is configured:
// committed envelopes are logged instead of published.
type logDispatcher struct {
	logger telemetry.Logger
}

func (d logDispatcher) Dispatch(ctx context.Context, env *outbound.Envelope) error {
	segments := env.Segments
	preview := ""
	if len(segments) > 0 {
		preview = segments[0]
	}
	d.logger.Info(ctx, "outbound envelope",
		"session", string(env.SessionKey), "turn_id", string(env.TurnID),
		"segments", len(segments), "events", len(env.Events), "preview", preview)
	return nil
}

// redisPinger adapts the Redis connection to the health checker.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

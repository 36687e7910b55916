// Command agentgov runs one governed agent execution end to end against the
// in-memory stores and scripted model providers.
//
// # Configuration
//
// Flags select the request; -config points to an optional YAML file (see
// Config). Environment variables override the file:
//
//	AGENTGOV_REDIS_URL       - Redis address; enables Pulse streaming, the
//	                           invalidation bus and the shared rate limit budget
//	AGENTGOV_REDIS_PASSWORD  - Redis password (optional)
//	AGENTGOV_CACHE_TTL       - governance cache TTL (default: "60s")
//	AGENTGOV_CACHE_MAX_SIZE  - governance cache capacity (default: 1000)
//	AGENTGOV_DEBUG           - enable debug logs
//
// # Example
//
//	go run ./cmd/agentgov -agent intern -message "summarize my inbox" -stream
//	go run ./cmd/agentgov -agent student -action delete -message "drop the table"
//	go run ./cmd/agentgov -agent student -promote AUTONOMOUS -action delete -message "drop the table"
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	invalidation "goa.design/agentgov/features/invalidation/redis"
	"goa.design/agentgov/features/model/middleware"
	streampulse "goa.design/agentgov/features/stream/pulse"
	clientspulse "goa.design/agentgov/features/stream/pulse/clients/pulse"
	"goa.design/agentgov/runtime/agent"
	"goa.design/agentgov/runtime/agent/episode"
	episodeinmem "goa.design/agentgov/runtime/agent/episode/inmem"
	historyinmem "goa.design/agentgov/runtime/agent/history/inmem"
	"goa.design/agentgov/runtime/agent/model"
	"goa.design/agentgov/runtime/agent/model/routing"
	"goa.design/agentgov/runtime/agent/model/scripted"
	resolverinmem "goa.design/agentgov/runtime/agent/resolver/inmem"
	"goa.design/agentgov/runtime/agent/session"
	sessioninmem "goa.design/agentgov/runtime/agent/session/inmem"
	"goa.design/agentgov/runtime/agent/stream"
	"goa.design/agentgov/runtime/agent/telemetry"
	"goa.design/agentgov/runtime/execution"
	"goa.design/agentgov/runtime/governance"
)

type flags struct {
	config    string
	agentID   string
	userID    string
	workspace string
	sessionID string
	message   string
	action    string
	promote   string
	stream    bool
	debug     bool
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "YAML configuration file")
	flag.StringVar(&f.agentID, "agent", "", "Agent ID (defaults to the workspace or system default agent)")
	flag.StringVar(&f.userID, "user", "demo-user", "User ID")
	flag.StringVar(&f.workspace, "workspace", "", "Workspace ID")
	flag.StringVar(&f.sessionID, "session", "", "Session ID to continue")
	flag.StringVar(&f.message, "message", "Hello there", "User message")
	flag.StringVar(&f.action, "action", "", "Governed action type (default: stream_chat)")
	flag.StringVar(&f.promote, "promote", "", "Change the agent maturity before executing (e.g. AUTONOMOUS)")
	flag.BoolVar(&f.stream, "stream", false, "Broadcast streaming events")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logs")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if err := run(ctx, f); err != nil {
		log.Fatalf(ctx, err, "agentgov failed")
	}
}

func run(ctx context.Context, f flags) error {
	cfg, err := loadConfig(f.config)
	if err != nil {
		return err
	}
	if cfg.Debug || f.debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.URL, Password: cfg.Redis.Password})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	}

	dir, err := buildDirectory(ctx, cfg.Agents)
	if err != nil {
		return err
	}
	svc, err := buildGovernance(ctx, cfg, rdb, dir, logger, metrics)
	if err != nil {
		return err
	}

	var budget *rmap.Map
	if cfg.RateLimit.Enabled && rdb != nil && cfg.Redis.BudgetMap != "" {
		if budget, err = rmap.Join(ctx, cfg.Redis.BudgetMap, rdb); err != nil {
			return fmt.Errorf("join rate limit map: %w", err)
		}
		defer budget.Close()
	}
	router, err := buildRouter(ctx, cfg, budget, logger)
	if err != nil {
		return err
	}

	sessions, err := session.NewManager(session.ManagerOptions{Store: sessioninmem.New()})
	if err != nil {
		return err
	}
	memory := episodeinmem.New()
	scheduler, err := episode.NewScheduler(episode.SchedulerOptions{
		Trigger:   memory,
		Workers:   cfg.Episodes.Workers,
		QueueSize: cfg.Episodes.QueueSize,
		Timeout:   cfg.Episodes.Timeout,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}

	broadcaster, err := buildBroadcaster(cfg, rdb)
	if err != nil {
		return err
	}

	orch, err := execution.New(execution.Options{
		Resolver:    dir,
		Governance:  svc,
		Selector:    router,
		Client:      router,
		History:     historyinmem.New(),
		Sessions:    sessions,
		Broadcaster: broadcaster,
		Episodes:    scheduler,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      telemetry.NewClueTracer(),
	})
	if err != nil {
		return err
	}

	req := &execution.Request{
		AgentID:     agent.Ident(f.agentID),
		Message:     f.message,
		UserID:      f.userID,
		SessionID:   f.sessionID,
		WorkspaceID: f.workspace,
		Stream:      f.stream,
		Action:      f.action,
	}
	if f.promote != "" {
		if err := promote(ctx, orch, dir, req, f.promote); err != nil {
			return err
		}
	}
	res, err := orch.Execute(ctx, req)
	if err != nil {
		return err
	}

	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer closeCancel()
	if err := scheduler.Close(closeCtx); err != nil {
		log.Errorf(ctx, err, "episode scheduler did not drain")
	}

	report(res, svc.Stats(), len(memory.List(res.AgentID)))
	return res.Err()
}

func buildDirectory(ctx context.Context, agents []AgentConfig) (*resolverinmem.Directory, error) {
	dir := resolverinmem.New()
	for _, a := range agents {
		if err := dir.Register(ctx, agent.Agent{
			ID:           agent.Ident(a.ID),
			Name:         a.Name,
			Category:     a.Category,
			Maturity:     a.Maturity,
			Confidence:   a.Confidence,
			WorkspaceID:  a.Workspace,
			SystemPrompt: a.SystemPrompt,
		}); err != nil {
			return nil, err
		}
		if a.Default {
			if err := dir.SetSystemDefault(agent.Ident(a.ID)); err != nil {
				return nil, err
			}
		}
		for _, ws := range a.DefaultFor {
			if err := dir.SetWorkspaceDefault(ws, agent.Ident(a.ID)); err != nil {
				return nil, err
			}
		}
	}
	return dir, nil
}

// buildGovernance wires the governance service. Maturity changes recorded in
// the directory invalidate the local cache and, when Redis is configured,
// the caches of the other replicas.
func buildGovernance(ctx context.Context, cfg Config, rdb *redis.Client, dir *resolverinmem.Directory, logger telemetry.Logger, metrics telemetry.Metrics) (*governance.Service, error) {
	rules, err := governance.NewRuleTable(governance.RuleOptions{
		Actions:           cfg.Governance.Actions,
		DefaultComplexity: cfg.Governance.DefaultComplexity,
	})
	if err != nil {
		return nil, err
	}
	cache, err := governance.NewCache[governance.Decision](governance.CacheOptions{
		MaxSize: cfg.Cache.MaxSize,
		TTL:     cfg.Cache.TTL,
	})
	if err != nil {
		return nil, err
	}
	opts := governance.ServiceOptions{Rules: rules, Cache: cache, Logger: logger, Metrics: metrics}

	var bus *invalidation.Bus
	if rdb != nil {
		if bus, err = invalidation.New(invalidation.Options{Redis: rdb, Channel: cfg.Redis.Channel, Logger: logger}); err != nil {
			return nil, err
		}
		opts.Publisher = bus
	}
	svc, err := governance.NewService(opts)
	if err != nil {
		return nil, err
	}
	if bus != nil {
		go func() {
			if err := bus.Run(ctx, svc, nil); err != nil {
				log.Errorf(ctx, err, "invalidation bus stopped")
			}
		}()
	}
	dir.OnMaturityChange(func(ctx context.Context, id agent.Ident, from, to agent.Maturity) {
		logger.Info(ctx, "agent maturity changed", "agent_id", string(id), "from", from.String(), "to", to.String())
		if err := svc.MaturityChanged(ctx, id); err != nil {
			logger.Error(ctx, "failed to propagate invalidation", "agent_id", string(id), "err", err)
		}
	})
	return svc, nil
}

// buildRouter registers one scripted client per provider, behind the
// adaptive rate limiter when enabled.
func buildRouter(ctx context.Context, cfg Config, budget *rmap.Map, logger telemetry.Logger) (*routing.Router, error) {
	providers := make(map[string]model.Client, len(cfg.Providers))
	for _, p := range cfg.Providers {
		var respond scripted.Responder = scripted.Echo
		if p.Reply != "" {
			respond = scripted.Chunks(words(p.Reply)...)
		}
		var client model.Client = scripted.New(scripted.Options{Respond: respond, Delay: p.Delay})
		if cfg.RateLimit.Enabled {
			opts := middleware.RateLimitOptions{
				InitialTPM: cfg.RateLimit.InitialTPM,
				MaxTPM:     cfg.RateLimit.MaxTPM,
				Logger:     logger,
			}
			if budget != nil {
				opts.Cluster = budget
				opts.Key = p.Name
			}
			limiter, err := middleware.NewRateLimiter(ctx, opts)
			if err != nil {
				return nil, err
			}
			client = limiter.Wrap(client)
		}
		providers[p.Name] = client
	}
	return routing.New(routing.Options{
		Tiers:     cfg.Routing.Tiers,
		Reasoning: cfg.Routing.Reasoning,
		Providers: providers,
	})
}

// buildBroadcaster publishes to Pulse when Redis is configured and prints
// events otherwise.
func buildBroadcaster(cfg Config, rdb *redis.Client) (stream.Broadcaster, error) {
	if rdb == nil {
		return stream.BroadcasterFunc(func(_ context.Context, channel string, ev stream.Event) error {
			switch e := ev.(type) {
			case stream.Start:
				fmt.Printf("[%s] %s start %s\n", channel, e.Data.AgentName, e.MessageID())
			case stream.Update:
				fmt.Printf("[%s] %q\n", channel, e.Data.Delta)
			case stream.Complete:
				fmt.Printf("[%s] complete tokens=%d %s\n", channel, e.Data.Metadata.TokensTotal, e.Data.Metadata.Error)
			}
			return nil
		}), nil
	}
	client, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.Redis.StreamMaxLen})
	if err != nil {
		return nil, err
	}
	return streampulse.NewBroadcaster(streampulse.Options{Client: client})
}

// promote updates the maturity of the agent the request resolves to. The
// decision cached by a first check is dropped by the maturity listener.
func promote(ctx context.Context, orch *execution.Orchestrator, dir *resolverinmem.Directory, req *execution.Request, level string) error {
	m, err := agent.ParseMaturity(level)
	if err != nil {
		return err
	}
	before := *req
	before.Stream = false
	res, err := orch.Execute(ctx, &before)
	if err != nil {
		return err
	}
	fmt.Printf("before promotion: outcome=%s %s\n", res.Outcome, res.Error)
	if res.AgentID == "" {
		return fmt.Errorf("cannot promote: %s", res.Error)
	}
	return dir.UpdateMaturity(ctx, agent.Ident(res.AgentID), m)
}

func report(res *execution.Result, stats governance.CacheStats, episodes int) {
	fmt.Printf("outcome:    %s\n", res.Outcome)
	fmt.Printf("agent:      %s (%s)\n", res.AgentName, res.AgentID)
	if res.Error != "" {
		fmt.Printf("error:      %s\n", res.Error)
	}
	if res.Success {
		fmt.Printf("execution:  %s\n", res.ExecutionID)
		fmt.Printf("session:    %s\n", res.SessionID)
		fmt.Printf("model:      %s/%s (%d tokens)\n", res.Provider, res.Model, res.Tokens)
		fmt.Printf("supervised: %t\n", res.RequiresSupervision)
		fmt.Printf("response:   %s\n", res.Response)
		fmt.Printf("episodes:   %d\n", episodes)
	}
	fmt.Printf("cache:      size=%d hits=%d misses=%d hit_rate=%.2f%%\n", stats.Size, stats.Hits, stats.Misses, stats.HitRate)
}

func words(s string) []string {
	fields := strings.Fields(s)
	for i := 1; i < len(fields); i++ {
		fields[i] = " " + fields[i]
	}
	return fields
}

// Package execution runs agent turns: it resolves the agent, enforces
// governance, selects a model provider, streams the response to the user,
// persists the exchange and hands the completed execution to episodic memory.
//
// An execution moves through the states
//
//	resolving -> governance_check -> blocked
//	                              -> model_selection -> streaming -> persisting -> episode_trigger -> complete
//
// and any non-terminal state may end in failed. Outcomes are reported as
// values (Result) rather than errors: Execute only returns an error for
// invalid requests.
package execution

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"goa.design/agentgov/runtime/agent"
	"goa.design/agentgov/runtime/agent/episode"
	"goa.design/agentgov/runtime/agent/history"
	"goa.design/agentgov/runtime/agent/model"
	"goa.design/agentgov/runtime/agent/resolver"
	"goa.design/agentgov/runtime/agent/session"
	"goa.design/agentgov/runtime/agent/stream"
	"goa.design/agentgov/runtime/agent/telemetry"
	"goa.design/agentgov/runtime/governance"
)

const defaultCompleteTimeout = 5 * time.Second

type (
	// Governor decides whether an agent may perform an action.
	// *governance.Service implements it.
	Governor interface {
		CanPerformAction(ctx context.Context, a *agent.Agent, actionType string) governance.Decision
	}

	// Options configures an Orchestrator.
	Options struct {
		// Resolver resolves agents. Required.
		Resolver resolver.Resolver
		// Governance checks every execution before it runs. Required.
		Governance Governor
		// Selector chooses the provider and model. Required.
		Selector model.Selector
		// Client streams completions from the selected provider. Required.
		Client model.Client
		// History persists the exchanged messages. Required.
		History history.Store
		// Sessions resolves the session of the execution. Required.
		Sessions session.Manager
		// Broadcaster delivers streaming events. Defaults to discarding them.
		Broadcaster stream.Broadcaster
		// Episodes receives completed executions. Optional.
		Episodes episode.Submitter
		// Channel returns the broadcast channel of a request. Defaults to
		// stream.UserChannel(req.UserID).
		Channel func(req *Request) string
		// NewID allocates execution and message IDs. Defaults to random
		// UUIDs.
		NewID func() string
		// Clock defaults to time.Now.
		Clock func() time.Time
		// CompleteTimeout bounds the delivery of the terminal streaming event
		// after the request context is done. Defaults to 5s.
		CompleteTimeout time.Duration
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// Tracer defaults to a no-op tracer.
		Tracer telemetry.Tracer
	}

	// Orchestrator executes agent turns. It holds no per-execution state and
	// is safe for concurrent use.
	Orchestrator struct {
		resolver        resolver.Resolver
		governance      Governor
		selector        model.Selector
		client          model.Client
		history         history.Store
		sessions        session.Manager
		broadcaster     stream.Broadcaster
		episodes        episode.Submitter
		channel         func(*Request) string
		newID           func() string
		now             func() time.Time
		completeTimeout time.Duration
		logger          telemetry.Logger
		metrics         telemetry.Metrics
		tracer          telemetry.Tracer
	}
)

// New validates opts and returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Resolver == nil:
		return nil, errors.New("resolver is required")
	case opts.Governance == nil:
		return nil, errors.New("governance is required")
	case opts.Selector == nil:
		return nil, errors.New("provider selector is required")
	case opts.Client == nil:
		return nil, errors.New("model client is required")
	case opts.History == nil:
		return nil, errors.New("history store is required")
	case opts.Sessions == nil:
		return nil, errors.New("session manager is required")
	case opts.CompleteTimeout < 0:
		return nil, errors.New("complete timeout must not be negative")
	}
	o := &Orchestrator{
		resolver:        opts.Resolver,
		governance:      opts.Governance,
		selector:        opts.Selector,
		client:          opts.Client,
		history:         opts.History,
		sessions:        opts.Sessions,
		broadcaster:     opts.Broadcaster,
		episodes:        opts.Episodes,
		channel:         opts.Channel,
		newID:           opts.NewID,
		now:             opts.Clock,
		completeTimeout: opts.CompleteTimeout,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
	}
	if o.broadcaster == nil {
		o.broadcaster = stream.BroadcasterFunc(func(context.Context, string, stream.Event) error { return nil })
	}
	if o.channel == nil {
		o.channel = func(req *Request) string { return stream.UserChannel(req.UserID) }
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.completeTimeout == 0 {
		o.completeTimeout = defaultCompleteTimeout
	}
	if o.logger == nil {
		o.logger = telemetry.NewNoopLogger()
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewNoopMetrics()
	}
	if o.tracer == nil {
		o.tracer = telemetry.NewNoopTracer()
	}
	return o, nil
}

// Execute runs one agent turn. Blocked and failed executions are reported in
// the Result; the returned error is non-nil only when req is invalid.
func (o *Orchestrator) Execute(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, errors.New("request is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message is required")
	}
	if req.UserID == "" {
		return nil, errors.New("user id is required")
	}

	started := o.now()
	ctx, span := o.tracer.Start(ctx, "execution.execute")
	defer span.End()

	run := &run{o: o, req: req, span: span}
	res := run.execute(ctx)

	switch res.Outcome {
	case OutcomeOK:
		span.SetStatus(codes.Ok, "")
	case OutcomeBlocked:
		span.SetStatus(codes.Ok, "blocked")
	default:
		span.SetStatus(codes.Error, res.Error)
	}
	o.metrics.IncCounter("agentgov.execution.outcome", 1,
		"outcome", string(res.Outcome), "failure", string(res.FailureKind))
	o.metrics.RecordTimer("agentgov.execution.duration", o.now().Sub(started),
		"outcome", string(res.Outcome))
	return res, nil
}

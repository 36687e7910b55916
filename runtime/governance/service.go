// Package governance decides whether an agent may perform an action given its
// maturity tier, and memoizes those decisions in a TTL + LRU bounded cache.
//
// Decisions are derived from the agent maturity at evaluation time and are
// only served back for that same maturity. Callers that change an agent's
// maturity still invalidate that agent's cached decisions
// (Service.MaturityChanged) so other replicas and memory drop them.
package governance

import (
	"context"
	"strings"

	"goa.design/agentgov/runtime/agent"
	"goa.design/agentgov/runtime/agent/telemetry"
)

type (
	// Publisher propagates agent invalidations to other replicas sharing the
	// same agents.
	Publisher interface {
		PublishAgentInvalidation(ctx context.Context, agentID agent.Ident) error
	}

	// ServiceOptions configures a Service.
	ServiceOptions struct {
		// Rules evaluates decisions on cache misses. Defaults to the built-in
		// rule table.
		Rules *RuleTable
		// Cache memoizes decisions. Defaults to a cache with default size and
		// TTL. The service takes ownership of the cache.
		Cache *Cache[Decision]
		// Publisher, when set, receives invalidations triggered by
		// MaturityChanged.
		Publisher Publisher
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
	}

	// Service answers governance checks. It is safe for concurrent use.
	Service struct {
		rules     *RuleTable
		cache     *Cache[Decision]
		publisher Publisher
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}
)

// NewService builds a governance service.
func NewService(opts ServiceOptions) (*Service, error) {
	rules := opts.Rules
	if rules == nil {
		var err error
		if rules, err = NewRuleTable(RuleOptions{}); err != nil {
			return nil, err
		}
	}
	cache := opts.Cache
	if cache == nil {
		var err error
		if cache, err = NewCache[Decision](CacheOptions{}); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Service{
		rules:     rules,
		cache:     cache,
		publisher: opts.Publisher,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// CanPerformAction returns the cached decision for a performing actionType,
// evaluating and caching it on a miss. Denials are cached like grants. A
// cached decision only answers checks for the maturity it was evaluated
// against.
func (s *Service) CanPerformAction(ctx context.Context, a *agent.Agent, actionType string) Decision {
	if a == nil {
		return Decision{Reason: "agent is required"}
	}
	if strings.TrimSpace(actionType) == "" {
		return Decision{Reason: "action type is required"}
	}
	agentID := string(a.ID)
	// A check racing a maturity change may store a decision evaluated for the
	// previous tier after the invalidation ran; such entries never match.
	current := func(d Decision) bool { return d.Maturity == a.Maturity }
	if d, ok := s.cache.Lookup(agentID, actionType, current); ok {
		s.metrics.IncCounter("agentgov.governance.cache", 1, "result", "hit")
		return d
	}
	s.metrics.IncCounter("agentgov.governance.cache", 1, "result", "miss")

	d := s.rules.Evaluate(a, actionType)
	s.cache.Set(agentID, actionType, d)
	s.logger.Debug(ctx, "governance decision evaluated",
		"agent_id", agentID,
		"action", actionType,
		"maturity", a.Maturity.String(),
		"proceed", d.Proceed,
		"requires_supervision", d.RequiresSupervision,
	)
	return d
}

// Invalidate drops the cached decision for a single action of an agent.
func (s *Service) Invalidate(_ context.Context, agentID agent.Ident, actionType string) bool {
	return s.cache.Invalidate(string(agentID), actionType)
}

// InvalidateAgent drops every cached decision of agentID on this replica and
// returns the number of decisions removed.
func (s *Service) InvalidateAgent(ctx context.Context, agentID agent.Ident) int {
	n := s.cache.InvalidateAgent(string(agentID))
	if n > 0 {
		s.logger.Debug(ctx, "governance decisions invalidated", "agent_id", string(agentID), "count", n)
	}
	return n
}

// MaturityChanged invalidates the cached decisions of agentID locally and,
// when a publisher is configured, on the other replicas. A publish failure is
// returned after the local invalidation has been applied.
func (s *Service) MaturityChanged(ctx context.Context, agentID agent.Ident) error {
	s.InvalidateAgent(ctx, agentID)
	if s.publisher == nil {
		return nil
	}
	if err := s.publisher.PublishAgentInvalidation(ctx, agentID); err != nil {
		s.logger.Warn(ctx, "failed to publish governance invalidation", "agent_id", string(agentID), "err", err)
		return err
	}
	return nil
}

// Stats returns the decision cache counters.
func (s *Service) Stats() CacheStats {
	return s.cache.Stats()
}

// Clear drops every cached decision.
func (s *Service) Clear() {
	s.cache.Clear()
}

// Package routing chooses the model provider serving a message from its
// estimated complexity and dispatches streams to the registered provider
// clients.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"goa.design/agentgov/runtime/agent/model"
)

// ErrNoRoute indicates no configured tier accepts the message complexity.
var ErrNoRoute = errors.New("routing: no provider tier for complexity")

type (
	// Tier routes messages whose score is at most MaxScore to Provider/Model.
	Tier struct {
		MaxScore float64 `yaml:"max_score"`
		Provider string  `yaml:"provider"`
		Model    string  `yaml:"model"`
	}

	// Options configures a Router.
	Options struct {
		// Tiers are the complexity tiers. They are sorted by MaxScore; the
		// first tier whose MaxScore is at least the score wins. Required.
		Tiers []Tier
		// Reasoning, when set, serves every message requiring reasoning
		// regardless of its score.
		Reasoning *Tier
		// Providers maps provider names to clients. Every tier provider must
		// be registered.
		Providers map[string]model.Client
	}

	// Router implements model.Selector and model.Client. Stream dispatches
	// to the client registered for Request.Provider.
	Router struct {
		tiers     []Tier
		reasoning *Tier
		providers map[string]model.Client
	}
)

// New validates opts and returns a Router.
func New(opts Options) (*Router, error) {
	if len(opts.Tiers) == 0 {
		return nil, errors.New("at least one routing tier is required")
	}
	if len(opts.Providers) == 0 {
		return nil, errors.New("providers are required")
	}
	tiers := make([]Tier, len(opts.Tiers))
	copy(tiers, opts.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].MaxScore < tiers[j].MaxScore })

	check := func(t Tier) error {
		if t.Provider == "" || t.Model == "" {
			return errors.New("routing tier provider and model are required")
		}
		if math.IsNaN(t.MaxScore) {
			return errors.New("routing tier max score is not a number")
		}
		if c, ok := opts.Providers[t.Provider]; !ok || c == nil {
			return fmt.Errorf("%w: %q", model.ErrUnknownProvider, t.Provider)
		}
		return nil
	}
	for _, t := range tiers {
		if err := check(t); err != nil {
			return nil, err
		}
	}
	var reasoning *Tier
	if opts.Reasoning != nil {
		if err := check(*opts.Reasoning); err != nil {
			return nil, err
		}
		r := *opts.Reasoning
		reasoning = &r
	}
	providers := make(map[string]model.Client, len(opts.Providers))
	for k, v := range opts.Providers {
		providers[k] = v
	}
	return &Router{tiers: tiers, reasoning: reasoning, providers: providers}, nil
}

// AnalyzeComplexity implements model.Selector.
func (r *Router) AnalyzeComplexity(message string) model.Complexity {
	return AnalyzeComplexity(message)
}

// SelectProvider implements model.Selector.
func (r *Router) SelectProvider(c model.Complexity) (model.Selection, error) {
	if math.IsNaN(c.Score) {
		return model.Selection{}, fmt.Errorf("%w: score is not a number", ErrNoRoute)
	}
	if c.RequiresReasoning && r.reasoning != nil {
		return model.Selection{Provider: r.reasoning.Provider, Model: r.reasoning.Model}, nil
	}
	for _, t := range r.tiers {
		if c.Score <= t.MaxScore {
			return model.Selection{Provider: t.Provider, Model: t.Model}, nil
		}
	}
	return model.Selection{}, fmt.Errorf("%w %.2f", ErrNoRoute, c.Score)
}

// Stream implements model.Client.
func (r *Router) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	client, ok := r.providers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownProvider, req.Provider)
	}
	return client.Stream(ctx, req)
}

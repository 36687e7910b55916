// Package inmem provides an in-memory agent directory implementing
// resolver.Resolver. It is intended for tests, the demo command and single
// process deployments.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/agentgov/runtime/agent"
	"goa.design/agentgov/runtime/agent/resolver"
)

type (
	// MaturityListener is notified after an agent maturity changed.
	MaturityListener func(ctx context.Context, id agent.Ident, from, to agent.Maturity)

	// Directory stores agents in memory.
	Directory struct {
		mu                sync.RWMutex
		agents            map[agent.Ident]agent.Agent
		workspaceDefaults map[string]agent.Ident
		systemDefault     agent.Ident
		listeners         []MaturityListener
	}
)

// New returns an empty directory.
func New() *Directory {
	return &Directory{
		agents:            make(map[agent.Ident]agent.Agent),
		workspaceDefaults: make(map[string]agent.Ident),
	}
}

// Register adds or replaces an agent. Replacing an agent with a different
// maturity notifies listeners.
func (d *Directory) Register(ctx context.Context, a agent.Agent) error {
	if a.ID == "" {
		return errors.New("agent id is required")
	}
	if !a.Maturity.Valid() {
		return fmt.Errorf("agent %s: invalid maturity level", a.ID)
	}
	d.mu.Lock()
	prev, existed := d.agents[a.ID]
	d.agents[a.ID] = a
	listeners := d.listeners
	d.mu.Unlock()

	if existed && prev.Maturity != a.Maturity {
		notify(ctx, listeners, a.ID, prev.Maturity, a.Maturity)
	}
	return nil
}

// SetWorkspaceDefault makes id the agent used for workspace when no agent is
// requested explicitly.
func (d *Directory) SetWorkspaceDefault(workspace string, id agent.Ident) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.agents[id]; !ok {
		return fmt.Errorf("%w: %s", resolver.ErrAgentNotFound, id)
	}
	d.workspaceDefaults[workspace] = id
	return nil
}

// SetSystemDefault makes id the agent used when neither an explicit nor a
// workspace default agent applies.
func (d *Directory) SetSystemDefault(id agent.Ident) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.agents[id]; !ok {
		return fmt.Errorf("%w: %s", resolver.ErrAgentNotFound, id)
	}
	d.systemDefault = id
	return nil
}

// OnMaturityChange registers a listener invoked synchronously after every
// maturity change.
func (d *Directory) OnMaturityChange(l MaturityListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// UpdateMaturity changes the maturity of an agent and notifies listeners
// when it actually changed.
func (d *Directory) UpdateMaturity(ctx context.Context, id agent.Ident, m agent.Maturity) error {
	if !m.Valid() {
		return fmt.Errorf("invalid maturity level %d", int(m))
	}
	d.mu.Lock()
	a, ok := d.agents[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", resolver.ErrAgentNotFound, id)
	}
	from := a.Maturity
	a.Maturity = m
	d.agents[id] = a
	listeners := d.listeners
	d.mu.Unlock()

	if from != m {
		notify(ctx, listeners, id, from, m)
	}
	return nil
}

// Get returns a copy of the agent.
func (d *Directory) Get(id agent.Ident) (*agent.Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return nil, false
	}
	return &a, true
}

// Resolve implements resolver.Resolver. An explicitly requested agent must
// exist; otherwise the workspace default and then the system default are
// used.
func (d *Directory) Resolve(_ context.Context, sel resolver.Selector) (*agent.Agent, resolver.Metadata, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var meta resolver.Metadata
	if sel.AgentID != "" {
		meta.Attempted = append(meta.Attempted, resolver.PathExplicit)
		a, ok := d.agents[sel.AgentID]
		if !ok {
			return nil, meta, fmt.Errorf("%w: %s", resolver.ErrAgentNotFound, sel.AgentID)
		}
		meta.Path = resolver.PathExplicit
		return &a, meta, nil
	}
	if sel.WorkspaceID != "" {
		meta.Attempted = append(meta.Attempted, resolver.PathWorkspaceDefault)
		if id, ok := d.workspaceDefaults[sel.WorkspaceID]; ok {
			if a, ok := d.agents[id]; ok {
				meta.Path = resolver.PathWorkspaceDefault
				return &a, meta, nil
			}
		}
	}
	meta.Attempted = append(meta.Attempted, resolver.PathSystemDefault)
	if d.systemDefault != "" {
		if a, ok := d.agents[d.systemDefault]; ok {
			meta.Path = resolver.PathSystemDefault
			return &a, meta, nil
		}
	}
	return nil, meta, resolver.ErrAgentNotFound
}

func notify(ctx context.Context, listeners []MaturityListener, id agent.Ident, from, to agent.Maturity) {
	for _, l := range listeners {
		l(ctx, id, from, to)
	}
}

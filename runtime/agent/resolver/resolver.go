// Package resolver defines how executions find the agent acting on behalf of
// a user.
package resolver

import (
	"context"
	"errors"

	"goa.design/agentgov/runtime/agent"
)

// ErrAgentNotFound indicates no agent matches the selector.
var ErrAgentNotFound = errors.New("agent not found")

// Resolution paths reported in Metadata.Path.
const (
	PathExplicit         = "explicit"
	PathWorkspaceDefault = "workspace_default"
	PathSystemDefault    = "system_default"
)

type (
	// Selector identifies the agent to resolve.
	Selector struct {
		// AgentID is the explicitly requested agent. When empty the resolver
		// falls back to defaults.
		AgentID agent.Ident
		// UserID is the user the execution runs for.
		UserID string
		// WorkspaceID scopes default agent lookups.
		WorkspaceID string
		// SessionID is the chat session, if any.
		SessionID string
	}

	// Metadata describes how an agent was resolved.
	Metadata struct {
		// Path is one of the Path constants.
		Path string
		// Attempted lists the resolution steps tried, in order.
		Attempted []string
	}

	// Resolver resolves agents. Implementations must be safe for concurrent
	// use and return ErrAgentNotFound (possibly wrapped) when nothing
	// matches.
	Resolver interface {
		Resolve(ctx context.Context, sel Selector) (*agent.Agent, Metadata, error)
	}
)

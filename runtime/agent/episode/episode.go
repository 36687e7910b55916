// Package episode hands completed executions to episodic memory.
//
// Episode creation runs off the request path: executions submit a Context to
// a Scheduler and never observe the outcome. Trigger failures are logged only.
package episode

import (
	"context"
	"time"
)

type (
	// Context describes a completed execution.
	Context struct {
		ExecutionID string
		AgentID     string
		AgentName   string
		UserID      string
		SessionID   string
		WorkspaceID string
		// UserMessage is the message the agent answered.
		UserMessage string
		// Response is the full agent response.
		Response string
		Provider string
		Model    string
		// Tokens is the number of streamed chunks.
		Tokens      int
		CompletedAt time.Time
	}

	// Trigger creates an episode from a completed execution.
	Trigger interface {
		TriggerEpisode(ctx context.Context, ec Context) error
	}

	// TriggerFunc adapts a function to Trigger.
	TriggerFunc func(ctx context.Context, ec Context) error

	// Submitter accepts completed executions for asynchronous episode
	// creation. Submit must not block; it reports whether ec was accepted.
	Submitter interface {
		Submit(ctx context.Context, ec Context) bool
	}
)

// TriggerEpisode implements Trigger.
func (f TriggerFunc) TriggerEpisode(ctx context.Context, ec Context) error {
	return f(ctx, ec)
}

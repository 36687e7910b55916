// Package history stores the chat messages exchanged in sessions.
//
// Messages are append-only. Stores assign a per-session sequence used as an
// opaque cursor when listing.
package history

import (
	"context"
	"time"

	"goa.design/agentgov/runtime/agent/model"
)

type (
	// Message is one persisted chat turn.
	Message struct {
		// ID identifies the message. Assistant messages reuse the message ID
		// announced in streaming events.
		ID string
		// SessionID is the session the message belongs to.
		SessionID string
		// UserID is the user owning the conversation.
		UserID string
		// Role is the message author.
		Role model.Role
		// Content is the message text.
		Content string
		// Metadata carries execution details (execution_id, agent_id,
		// provider, model, tokens).
		Metadata map[string]any
		// CreatedAt is when the message was recorded.
		CreatedAt time.Time
		// Cursor is the store-assigned position of the message in its
		// session.
		Cursor string
	}

	// Page is a forward page of messages, oldest first.
	Page struct {
		Messages []*Message
		// NextCursor fetches the next page. Empty when there are no more
		// messages.
		NextCursor string
	}

	// Store persists chat history. Implementations must be safe for
	// concurrent use.
	Store interface {
		// AddMessage appends m to its session.
		AddMessage(ctx context.Context, m *Message) error
		// List returns up to limit messages of a session following cursor
		// (empty to start at the beginning).
		List(ctx context.Context, sessionID, cursor string, limit int) (Page, error)
	}
)

// Package session defines chat sessions grouping the executions of a user
// conversation, and the manager that creates or reuses them.
package session

import (
	"context"
	"errors"
	"time"
)

type (
	// Session is a conversation thread owned by a user.
	Session struct {
		// ID uniquely identifies the session.
		ID string
		// UserID is the owner of the session.
		UserID string
		// WorkspaceID scopes the session.
		WorkspaceID string
		// AgentID is the agent that last served the session.
		AgentID string
		// Status is the lifecycle status.
		Status Status
		// Executions counts the successful executions recorded in the session.
		Executions int
		// CreatedAt is when the session was created.
		CreatedAt time.Time
		// LastActiveAt is when the session last recorded an execution.
		LastActiveAt time.Time
		// EndedAt is set once the session ended.
		EndedAt *time.Time
	}

	// Owner describes who a session is created for.
	Owner struct {
		UserID      string
		WorkspaceID string
		AgentID     string
	}

	// Status is the session lifecycle status.
	Status string

	// Store persists sessions. Implementations must be safe for concurrent
	// use.
	Store interface {
		// CreateSession creates the session if it does not exist and returns
		// the stored value. It returns ErrSessionEnded when a session with
		// the same ID exists and has ended.
		CreateSession(ctx context.Context, s Session) (Session, error)
		// LoadSession returns ErrSessionNotFound when the session does not
		// exist.
		LoadSession(ctx context.Context, id string) (Session, error)
		// EndSession marks the session ended. Ending an ended session is a
		// no-op.
		EndSession(ctx context.Context, id string, endedAt time.Time) (Session, error)
		// Touch records an execution on an active session.
		Touch(ctx context.Context, id, agentID string, at time.Time) (Session, error)
		// ListSessions returns the sessions of a user, most recently active
		// first.
		ListSessions(ctx context.Context, userID string) ([]Session, error)
	}

	// Manager resolves the session an execution is recorded in.
	Manager interface {
		// CreateOrReuse returns the ID of the session the execution belongs
		// to. An empty or ended sessionID yields a new session.
		CreateOrReuse(ctx context.Context, sessionID string, owner Owner) (string, error)
	}
)

const (
	// StatusActive indicates the session accepts new executions.
	StatusActive Status = "active"
	// StatusEnded indicates the session is closed.
	StatusEnded Status = "ended"
)

var (
	// ErrSessionNotFound indicates the session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionEnded indicates the session has ended.
	ErrSessionEnded = errors.New("session ended")
)

// Package inmem provides an in-memory implementation of session.Store for
// tests and single process deployments.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"goa.design/agentgov/runtime/agent/session"
)

// Store is an in-memory session.Store. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
}

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]session.Session)}
}

// CreateSession implements session.Store.
func (s *Store) CreateSession(_ context.Context, in session.Session) (session.Session, error) {
	if in.ID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if in.CreatedAt.IsZero() {
		return session.Session{}, errors.New("created_at is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[in.ID]; ok {
		if existing.Status == session.StatusEnded {
			return session.Session{}, session.ErrSessionEnded
		}
		return clone(existing), nil
	}
	out := in
	out.Status = session.StatusActive
	out.CreatedAt = in.CreatedAt.UTC()
	out.LastActiveAt = out.CreatedAt
	out.EndedAt = nil
	out.Executions = 0
	s.sessions[in.ID] = out
	return clone(out), nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(_ context.Context, id string) (session.Session, error) {
	if id == "" {
		return session.Session{}, errors.New("session id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return clone(existing), nil
}

// EndSession implements session.Store.
func (s *Store) EndSession(_ context.Context, id string, endedAt time.Time) (session.Session, error) {
	if id == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if endedAt.IsZero() {
		return session.Session{}, errors.New("ended_at is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	if existing.Status == session.StatusEnded {
		return clone(existing), nil
	}
	at := endedAt.UTC()
	existing.Status = session.StatusEnded
	existing.EndedAt = &at
	s.sessions[id] = existing
	return clone(existing), nil
}

// Touch implements session.Store.
func (s *Store) Touch(_ context.Context, id, agentID string, at time.Time) (session.Session, error) {
	if id == "" {
		return session.Session{}, errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	if existing.Status == session.StatusEnded {
		return session.Session{}, session.ErrSessionEnded
	}
	existing.LastActiveAt = at.UTC()
	existing.Executions++
	if agentID != "" {
		existing.AgentID = agentID
	}
	s.sessions[id] = existing
	return clone(existing), nil
}

// ListSessions implements session.Store.
func (s *Store) ListSessions(_ context.Context, userID string) ([]session.Session, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	s.mu.RLock()
	out := make([]session.Session, 0)
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, clone(sess))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].LastActiveAt.After(out[j].LastActiveAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func clone(in session.Session) session.Session {
	out := in
	if in.EndedAt != nil {
		at := *in.EndedAt
		out.EndedAt = &at
	}
	return out
}

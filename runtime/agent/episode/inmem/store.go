// Package inmem provides an in-memory episodic memory implementing
// episode.Trigger.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/agentgov/runtime/agent/episode"
)

// summaryLength bounds the response excerpt kept as the episode summary.
const summaryLength = 200

type (
	// Episode is a remembered execution.
	Episode struct {
		ID          string
		ExecutionID string
		AgentID     string
		UserID      string
		SessionID   string
		WorkspaceID string
		UserMessage string
		Summary     string
		Tokens      int
		CreatedAt   time.Time
	}

	// Store records episodes in memory.
	Store struct {
		mu       sync.RWMutex
		episodes map[string][]Episode
		byExec   map[string]struct{}
	}
)

// New returns an empty store.
func New() *Store {
	return &Store{
		episodes: make(map[string][]Episode),
		byExec:   make(map[string]struct{}),
	}
}

// TriggerEpisode implements episode.Trigger. Triggering twice for the same
// execution records a single episode.
func (s *Store) TriggerEpisode(_ context.Context, ec episode.Context) error {
	if ec.ExecutionID == "" {
		return errors.New("execution id is required")
	}
	if ec.AgentID == "" {
		return errors.New("agent id is required")
	}
	created := ec.CompletedAt
	if created.IsZero() {
		created = time.Now()
	}
	ep := Episode{
		ID:          uuid.NewString(),
		ExecutionID: ec.ExecutionID,
		AgentID:     ec.AgentID,
		UserID:      ec.UserID,
		SessionID:   ec.SessionID,
		WorkspaceID: ec.WorkspaceID,
		UserMessage: ec.UserMessage,
		Summary:     summarize(ec.Response),
		Tokens:      ec.Tokens,
		CreatedAt:   created.UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byExec[ec.ExecutionID]; ok {
		return nil
	}
	s.byExec[ec.ExecutionID] = struct{}{}
	s.episodes[ec.AgentID] = append(s.episodes[ec.AgentID], ep)
	return nil
}

// List returns the episodes of an agent, most recent first.
func (s *Store) List(agentID string) []Episode {
	s.mu.RLock()
	out := append([]Episode(nil), s.episodes[agentID]...)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func summarize(response string) string {
	r := []rune(response)
	if len(r) <= summaryLength {
		return response
	}
	return string(r[:summaryLength]) + "…"
}

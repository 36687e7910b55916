// Package inmem provides an in-memory history.Store for tests and single
// process deployments. It is not durable.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"goa.design/agentgov/runtime/agent/history"
)

// Store implements history.Store in memory.
type Store struct {
	mu       sync.Mutex
	messages map[string][]*history.Message
}

// New returns an empty store.
func New() *Store {
	return &Store{messages: make(map[string][]*history.Message)}
}

// AddMessage implements history.Store.
func (s *Store) AddMessage(_ context.Context, m *history.Message) error {
	if m == nil {
		return errors.New("message is required")
	}
	if m.SessionID == "" {
		return errors.New("session id is required")
	}
	if m.Role == "" {
		return errors.New("role is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneMessage(m)
	stored.Cursor = strconv.Itoa(len(s.messages[m.SessionID]) + 1)
	s.messages[m.SessionID] = append(s.messages[m.SessionID], stored)
	m.Cursor = stored.Cursor
	return nil
}

// List implements history.Store.
func (s *Store) List(_ context.Context, sessionID, cursor string, limit int) (history.Page, error) {
	if sessionID == "" {
		return history.Page{}, errors.New("session id is required")
	}
	if limit <= 0 {
		return history.Page{}, errors.New("limit must be > 0")
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return history.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		start = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.messages[sessionID]
	if start >= len(all) {
		return history.Page{}, nil
	}
	end := min(start+limit, len(all))
	page := history.Page{Messages: make([]*history.Message, 0, end-start)}
	for _, m := range all[start:end] {
		page.Messages = append(page.Messages, cloneMessage(m))
	}
	if end < len(all) {
		page.NextCursor = page.Messages[len(page.Messages)-1].Cursor
	}
	return page, nil
}

func cloneMessage(in *history.Message) *history.Message {
	out := *in
	if in.Metadata != nil {
		out.Metadata = make(map[string]any, len(in.Metadata))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

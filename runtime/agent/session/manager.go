package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// ManagerOptions configures a StoreManager.
	ManagerOptions struct {
		// Store persists sessions. Required.
		Store Store
		// NewID allocates session IDs. Defaults to random UUIDs.
		NewID func() string
		// Clock defaults to time.Now.
		Clock func() time.Time
	}

	// StoreManager implements Manager on top of a Store.
	StoreManager struct {
		store Store
		newID func() string
		now   func() time.Time
	}
)

// NewManager returns a Manager backed by opts.Store.
func NewManager(opts ManagerOptions) (*StoreManager, error) {
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	m := &StoreManager{store: opts.Store, newID: opts.NewID, now: opts.Clock}
	if m.newID == nil {
		m.newID = func() string { return uuid.NewString() }
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// CreateOrReuse implements Manager.
func (m *StoreManager) CreateOrReuse(ctx context.Context, sessionID string, owner Owner) (string, error) {
	now := m.now().UTC()
	if sessionID != "" {
		_, err := m.store.Touch(ctx, sessionID, owner.AgentID, now)
		switch {
		case err == nil:
			return sessionID, nil
		case errors.Is(err, ErrSessionEnded):
			sessionID = ""
		case errors.Is(err, ErrSessionNotFound):
		default:
			return "", fmt.Errorf("reuse session %s: %w", sessionID, err)
		}
	}
	if sessionID == "" {
		sessionID = m.newID()
	}
	s, err := m.store.CreateSession(ctx, Session{
		ID:          sessionID,
		UserID:      owner.UserID,
		WorkspaceID: owner.WorkspaceID,
		AgentID:     owner.AgentID,
		CreatedAt:   now,
	})
	if err != nil {
		return "", fmt.Errorf("create session %s: %w", sessionID, err)
	}
	if _, err := m.store.Touch(ctx, s.ID, owner.AgentID, now); err != nil {
		return "", fmt.Errorf("touch session %s: %w", s.ID, err)
	}
	return s.ID, nil
}

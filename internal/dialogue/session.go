// Package dialogue manages conversational intake sessions: it accumulates
// vehicle facts across turns and tracks duplicate confirmations awaiting a
// user decision.
package dialogue

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetform/intake/pkg/types"
)

// Session holds the state of one intake conversation.
type Session struct {
	ID        string
	Record    types.FactRecord
	CreatedAt time.Time
	UpdatedAt time.Time

	// pending is set after a duplicate hit and cleared once the user
	// answers the confirmation question.
	pending *types.DuplicateResult
}

// newSession creates an empty session with a fresh ID.
func newSession() *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		Record:    types.FactRecord{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AwaitConfirmation records a duplicate result whose resolution is pending.
func (s *Session) AwaitConfirmation(result types.DuplicateResult) {
	s.pending = &result
	s.UpdatedAt = time.Now().UTC()
}

// PendingDuplicate returns the duplicate result awaiting confirmation, or
// nil when none is pending.
func (s *Session) PendingDuplicate() *types.DuplicateResult {
	return s.pending
}

// ResolveConfirmation consumes a user reply to a pending confirmation.
// It returns the pending result and whether the user confirmed. When no
// confirmation is pending it returns (nil, false).
func (s *Session) ResolveConfirmation(message string) (*types.DuplicateResult, bool) {
	if s.pending == nil {
		return nil, false
	}
	result := s.pending
	s.pending = nil
	s.UpdatedAt = time.Now().UTC()
	return result, IsAffirmative(message)
}

// IsAffirmative reports whether a reply accepts a pending confirmation.
// Only "yes" and "confirm" count; anything else is a rejection.
func IsAffirmative(message string) bool {
	switch strings.ToLower(strings.TrimSpace(message)) {
	case "yes", "confirm":
		return true
	}
	return false
}

// Manager is a concurrency-safe registry of active sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session with the given ID, creating a new one when
// the ID is empty or unknown.
func (m *Manager) GetOrCreate(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		if session, ok := m.sessions[id]; ok {
			return session
		}
	}
	session := newSession()
	m.sessions[session.ID] = session
	return session
}

// Get returns the session with the given ID, or nil when it does not exist.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Delete removes a session from the registry.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

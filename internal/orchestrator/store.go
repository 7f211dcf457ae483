package orchestrator

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/suokelife/concord/internal/model"
)

// ErrSessionNotFound is returned for lookups of unknown sessions.
var ErrSessionNotFound = errors.New("orchestrator: session not found")

// SessionStore owns all live collaboration sessions. Sessions are mutated
// only through Update, so readers never observe a half-applied transition.
// Injected into the orchestrator rather than living as package state.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.CollaborationSession
}

// NewSessionStore returns an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*model.CollaborationSession)}
}

// Put registers a new session.
func (s *SessionStore) Put(session *model.CollaborationSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
}

// Update applies fn to one session under the store lock.
func (s *SessionStore) Update(sessionID string, fn func(*model.CollaborationSession)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	fn(session)
	session.UpdatedAt = time.Now().UTC()
	return nil
}

// View applies fn to one session under the read lock. fn must not retain or
// mutate the session.
func (s *SessionStore) View(sessionID string, fn func(*model.CollaborationSession)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	fn(session)
	return nil
}

// ActiveStatuses returns the external view of every non-terminal session,
// ordered by creation time.
func (s *SessionStore) ActiveStatuses() []model.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.SessionStatus
	for _, session := range s.sessions {
		if !session.State.IsTerminal() {
			out = append(out, session.Status())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CleanupTerminal drops terminal sessions whose last update is older than the
// retention window and returns how many were removed.
func (s *SessionStore) CleanupTerminal(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, session := range s.sessions {
		if session.State.IsTerminal() && session.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"fmt"
	"sync"

	"github.com/sprucehealth/dialout/model"
)

// Store is the registry of in-flight call sessions. Mutations for one
// call SID are serialized on that session's own lock, so retried or
// near-simultaneous webhook deliveries for the same call cannot
// interleave, while unrelated calls never block each other.
type Store struct {
	mu       sync.RWMutex
	sessions map[model.SID]*sessionEntry
}

type sessionEntry struct {
	mu      sync.Mutex
	session *model.CallSession
}

// NewStore creates an empty session store
func NewStore() *Store {
	return &Store{
		sessions: make(map[model.SID]*sessionEntry),
	}
}

// Create registers a new session keyed by its call SID
func (s *Store) Create(session *model.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.CallSID]; exists {
		return fmt.Errorf("session %s already exists", session.CallSID)
	}
	s.sessions[session.CallSID] = &sessionEntry{session: session}
	return nil
}

// Get returns a copy of the session for inspection
func (s *Store) Get(callSID model.SID) (model.CallSession, error) {
	s.mu.RLock()
	entry, exists := s.sessions[callSID]
	s.mu.RUnlock()

	if !exists {
		return model.CallSession{}, ErrSessionNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return *entry.session, nil
}

// Update runs fn against the live session under its per-call lock. The
// error from fn is returned unchanged; fn must not retain the pointer.
func (s *Store) Update(callSID model.SID, fn func(*model.CallSession) error) error {
	s.mu.RLock()
	entry, exists := s.sessions[callSID]
	s.mu.RUnlock()

	if !exists {
		return ErrSessionNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.session)
}

// Delete removes a session from the registry
func (s *Store) Delete(callSID model.SID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, callSID)
}

// SIDs returns the call SIDs of all registered sessions
func (s *Store) SIDs() []model.SID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sids := make([]model.SID, 0, len(s.sessions))
	for sid := range s.sessions {
		sids = append(sids, sid)
	}
	return sids
}

// Len returns the number of registered sessions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

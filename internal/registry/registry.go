// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_registry

import (
	"sync"
	"time"

	"github.com/medicamovil/pkg/commons"
)

const (
	// maxSessionIdle is how long a session may go without signal traffic
	// before it is considered abandoned and evicted.
	maxSessionIdle = time.Hour

	sweepInterval = 10 * time.Minute
)

// Entry is the registry's view of one live session. The registry references
// sessions by id only — the CallSession itself is owned by the state machine.
type Entry struct {
	SessionID    string
	Participants [2]string
	StartTime    time.Time
	LastActivity time.Time
}

// SessionRegistry tracks active call sessions and their staleness. One
// instance per process, injected into the orchestrator; every session's
// goroutine touches it concurrently.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Entry
	logger   commons.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	now func() time.Time
}

// NewSessionRegistry builds the registry and starts the periodic stale sweep.
// Call Stop when the service shuts down.
func NewSessionRegistry(logger commons.Logger) *SessionRegistry {
	r := &SessionRegistry{
		sessions: make(map[string]*Entry),
		logger:   logger,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	go r.sweepLoop()
	return r
}

// Add registers a new session with both participants.
func (r *SessionRegistry) Add(sessionID, callerID, receiverID string) {
	now := r.now()
	r.mu.Lock()
	r.sessions[sessionID] = &Entry{
		SessionID:    sessionID,
		Participants: [2]string{callerID, receiverID},
		StartTime:    now,
		LastActivity: now,
	}
	r.mu.Unlock()
}

// ValidateSession confirms the session exists, userID is a participant, and
// the session has seen activity within the last hour. A stale session is
// evicted on the spot and the call denied.
func (r *SessionRegistry) ValidateSession(sessionID, userID string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.sessions[sessionID]
	if !exists {
		return false
	}
	if entry.Participants[0] != userID && entry.Participants[1] != userID {
		r.logger.Warnw("session validation failed: not a participant",
			"security", true, "session", sessionID, "user", userID)
		return false
	}
	if now.Sub(entry.LastActivity) >= maxSessionIdle {
		delete(r.sessions, sessionID)
		r.logger.Infow("stale session evicted on validation", "session", sessionID)
		return false
	}
	return true
}

// UpdateSessionActivity marks the session live. Called on every inbound and
// outbound signal.
func (r *SessionRegistry) UpdateSessionActivity(sessionID string) {
	now := r.now()
	r.mu.Lock()
	if entry, exists := r.sessions[sessionID]; exists {
		entry.LastActivity = now
	}
	r.mu.Unlock()
}

// Remove drops the session. Called when a session reaches a terminal state.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// Snapshot returns a copy of all live entries, for the operational stats
// surface. Copies so callers never hold registry-owned pointers.
func (r *SessionRegistry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, *e)
	}
	return out
}

// ActiveParticipants returns the number of distinct users currently in a
// session. Measured directly rather than derived from session growth.
func (r *SessionRegistry) ActiveParticipants() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.sessions)*2)
	for _, e := range r.sessions {
		seen[e.Participants[0]] = struct{}{}
		seen[e.Participants[1]] = struct{}{}
	}
	return len(seen)
}

// Stop terminates the background sweep. Idempotent.
func (r *SessionRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *SessionRegistry) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

// sweep evicts stale entries independent of validation calls, so abandoned
// sessions cannot pile up when nobody asks about them.
func (r *SessionRegistry) sweep() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.sessions {
		if now.Sub(entry.LastActivity) >= maxSessionIdle {
			delete(r.sessions, id)
			r.logger.Infow("stale session evicted by sweep", "session", id)
		}
	}
}

// count is a test hook.
func (r *SessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

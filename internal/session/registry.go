// ABOUTME: In-memory, concurrency-safe registry of live sessions keyed by client name.
// ABOUTME: At most one session per client name; eviction is driven by the broker.

package session

import (
	"log/slog"
	"sync"
)

// Registry maps logical client names to their live sessions. Sessions are
// in-memory only and do not survive process restarts.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Get returns the session for a client name, if one exists.
func (r *Registry) Get(clientName string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[clientName]
	return s, ok
}

// Put stores a session, overwriting any stale prior entry for the same
// client name. The last writer wins.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.sessions[s.ClientName]; ok {
		r.logger.Info("replacing stale session",
			"client", s.ClientName,
			"old_session_id", old.ID,
			"new_session_id", s.ID,
		)
	}
	r.sessions[s.ClientName] = s
}

// Remove evicts the session for a client name. Removing an absent entry is a no-op.
func (r *Registry) Remove(clientName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[clientName]; ok {
		delete(r.sessions, clientName)
		r.logger.Info("session evicted", "client", clientName, "session_id", s.ID)
	}
}

// List returns a snapshot of all live sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

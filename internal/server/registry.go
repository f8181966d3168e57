// Package server coordinates the roster of active sessions, point lookups for
// private routing, and broadcast with reap-on-failure via the Registry type.
package server

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// Registry maps identity ids to active sessions. Every operation is
// internally synchronized; callers must not assume exclusive access across
// calls. The registry references sessions but does not own them.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log,
	}
}

// Insert registers s under its id, replacing any session already registered
// under the same id. The replaced session is not closed; it is orphaned until
// its own connection fails.
func (r *Registry) Insert(s *Session) {
	r.mu.Lock()
	prev, replaced := r.sessions[s.ID()]
	r.sessions[s.ID()] = s
	count := len(r.sessions)
	r.mu.Unlock()

	if replaced && prev != s {
		r.log.Warn().
			Str("user_id", s.ID()).
			Str("conn_id", s.ConnID()).
			Str("replaced_conn_id", prev.ConnID()).
			Msg("Duplicate login replaced an existing session")
	}
	r.log.Debug().Str("user_id", s.ID()).Int("sessions", count).Msg("Session registered")
}

// Remove drops the entry for id. It is a no-op when id is absent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SnapshotSorted returns a point-in-time copy of every registered identity,
// sorted by display name with ties broken by id.
func (r *Registry) SnapshotSorted() []protocol.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked()
}

func (r *Registry) rosterLocked() []protocol.Identity {
	roster := make([]protocol.Identity, 0, len(r.sessions))
	for _, s := range r.sessions {
		roster = append(roster, s.Identity())
	}
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].Name != roster[j].Name {
			return roster[i].Name < roster[j].Name
		}
		return roster[i].ID < roster[j].ID
	})
	return roster
}

// Broadcast delivers env to every registered session. Login and logout
// envelopes get their roster from the same locked view the delivery uses.
// Sessions whose delivery fails are removed and closed before Broadcast
// returns. It returns the number of sessions that accepted the envelope.
func (r *Registry) Broadcast(env protocol.Envelope) int {
	r.mu.Lock()

	if env.Type == protocol.TypeLogin || env.Type == protocol.TypeLogout {
		env.Roster = r.rosterLocked()
	}

	payload, err := protocol.Encode(env)
	if err != nil {
		r.mu.Unlock()
		r.log.Error().Err(err).Msg("Dropping broadcast that failed to encode")
		return 0
	}

	var reaped []*Session
	delivered := 0
	for id, s := range r.sessions {
		if s.Send(payload) {
			delivered++
			continue
		}
		delete(r.sessions, id)
		reaped = append(reaped, s)
	}
	r.mu.Unlock()

	// Close outside the registry lock; Close takes the session lock.
	for _, s := range reaped {
		s.Close()
		r.log.Info().
			Str("user_id", s.ID()).
			Str("conn_id", s.ConnID()).
			Msg("Session reaped after failed broadcast delivery")
	}

	r.log.Debug().Stringer("type", env.Type).Int("delivered", delivered).Int("reaped", len(reaped)).Msg("Broadcast complete")
	return delivered
}

// Release removes s if it is still the session registered under its id. It
// reports whether the identity is now absent from the registry: false means a
// newer session owns the id and no logout should be announced.
func (r *Registry) Release(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[s.ID()]
	if !ok {
		return true
	}
	if current != s {
		return false
	}
	delete(r.sessions, s.ID())
	return true
}

// Reap removes and closes s after a failed direct send. An entry that now
// belongs to a newer session is left alone.
func (r *Registry) Reap(s *Session) {
	r.mu.Lock()
	if current, ok := r.sessions[s.ID()]; ok && current == s {
		delete(r.sessions, s.ID())
	}
	r.mu.Unlock()

	s.Close()
	r.log.Info().Str("user_id", s.ID()).Str("conn_id", s.ConnID()).Msg("Session reaped after failed direct delivery")
}

// Close closes every registered session's outbound queue and empties the
// registry. Used during shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	r.log.Info().Int("sessions", len(sessions)).Msg("Closed all registered sessions")
}

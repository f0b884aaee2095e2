// Package server keeps bookkeeping of open WebSocket sessions via the
// Registry type.
package server

import "sync"

// Registry maps session identifiers to open sessions. It is safe for
// concurrent use by many session handlers. Nothing reads it for messaging;
// it mirrors which sessions are currently open.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register inserts the session under id, replacing any previous entry.
func (r *Registry) Register(id string, session *Session) {
	r.mu.Lock()
	r.sessions[id] = session
	r.mu.Unlock()
}

// Unregister removes id and reports whether it was present. Removing an
// unknown id is a no-op; sessions that fail during the handshake are never
// registered.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sessions[id]
	return ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

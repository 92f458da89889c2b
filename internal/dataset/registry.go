package dataset

import (
	"errors"
	"sync"
)

// ErrSessionNotFound is returned when no dataset is loaded for a session
var ErrSessionNotFound = errors.New("no dataset loaded for session")

// Registry maps session ids to their live datasets
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Dataset
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Dataset)}
}

// Put replaces the live dataset of a session
func (r *Registry) Put(sessionID string, ds Dataset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = ds
}

// Get returns the live dataset of a session
func (r *Registry) Get(sessionID string) (Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ds, nil
}

// Delete drops a session's dataset
func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Len returns the number of loaded sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

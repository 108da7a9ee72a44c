package staging

import (
	"context"
	"fmt"
	"sync"
)

// Backend is the storage contract the clone core consumes in staged mode.
// The backend type (network file share, block target) is opaque beyond
// these four operations; handles are locators the agents know how to use.
type Backend interface {
	ID() string

	// Provision allocates an exclusive staging path for a session. The
	// path is derived from the session id so two sessions never collide
	// on the same storage object. Provision is idempotent.
	Provision(ctx context.Context, sessionID string) (string, error)

	// UploadHandle returns the locator the source agent pushes to
	UploadHandle(path string) (string, error)

	// DownloadHandle returns the locator the target agent pulls from
	DownloadHandle(path string) (string, error)

	// Delete removes the staged bytes at path. Deleting an absent path
	// is a no-op so cleanup can be retried.
	Delete(ctx context.Context, path string) error
}

// Set holds the staging backends configured on this control plane
type Set struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewSet creates an empty backend set
func NewSet() *Set {
	return &Set{backends: make(map[string]Backend)}
}

// Add registers a backend under its id
func (s *Set) Add(b Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[b.ID()] = b
}

// Get returns the backend with the given id
func (s *Set) Get(id string) (Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.backends[id]
	if !ok {
		return nil, fmt.Errorf("unknown staging backend: %s", id)
	}
	return b, nil
}

// IDs returns the registered backend ids
func (s *Set) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.backends))
	for id := range s.backends {
		ids = append(ids, id)
	}
	return ids
}

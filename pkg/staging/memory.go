package staging

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend is an in-memory Backend used by tests
type MemoryBackend struct {
	id string

	mu      sync.Mutex
	objects map[string]bool
	deleted []string
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend(id string) *MemoryBackend {
	return &MemoryBackend{
		id:      id,
		objects: make(map[string]bool),
	}
}

func (b *MemoryBackend) ID() string {
	return b.id
}

func (b *MemoryBackend) Provision(ctx context.Context, sessionID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := "staging/" + sessionID
	b.objects[path] = true
	return path, nil
}

func (b *MemoryBackend) UploadHandle(path string) (string, error) {
	return path + "/image.raw", nil
}

func (b *MemoryBackend) DownloadHandle(path string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.objects[path] {
		return "", fmt.Errorf("staged image not present: %s", path)
	}
	return path + "/image.raw", nil
}

func (b *MemoryBackend) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.objects, path)
	b.deleted = append(b.deleted, path)
	return nil
}

// Deleted returns the paths deleted so far, for test assertions
func (b *MemoryBackend) Deleted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deleted...)
}

package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FilesystemBackend stages images on a shared filesystem (typically an NFS
// export mounted by the control plane and both agents under the same root).
type FilesystemBackend struct {
	id   string
	root string
}

// NewFilesystemBackend creates a backend rooted at the given mount point
func NewFilesystemBackend(id, root string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging root: %w", err)
	}
	return &FilesystemBackend{id: id, root: root}, nil
}

func (b *FilesystemBackend) ID() string {
	return b.id
}

func (b *FilesystemBackend) Provision(ctx context.Context, sessionID string) (string, error) {
	path := filepath.Join(b.root, sessionID)
	if err := os.MkdirAll(path, 0700); err != nil {
		return "", fmt.Errorf("failed to provision staging path: %w", err)
	}
	return path, nil
}

func (b *FilesystemBackend) UploadHandle(path string) (string, error) {
	return filepath.Join(path, "image.raw"), nil
}

func (b *FilesystemBackend) DownloadHandle(path string) (string, error) {
	image := filepath.Join(path, "image.raw")
	if _, err := os.Stat(image); err != nil {
		return "", fmt.Errorf("staged image not present: %w", err)
	}
	return image, nil
}

func (b *FilesystemBackend) Delete(ctx context.Context, path string) error {
	// Refuse anything outside the staging root
	rel, err := filepath.Rel(b.root, path)
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return fmt.Errorf("staging path %s is outside backend root", path)
	}
	return os.RemoveAll(path)
}

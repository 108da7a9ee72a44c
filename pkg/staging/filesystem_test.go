package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemProvisionIsPerSession(t *testing.T) {
	backend, err := NewFilesystemBackend("nfs-1", t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	pathA, err := backend.Provision(ctx, "sess-a")
	require.NoError(t, err)
	pathB, err := backend.Provision(ctx, "sess-b")
	require.NoError(t, err)

	assert.NotEqual(t, pathA, pathB)

	// Provision is idempotent
	again, err := backend.Provision(ctx, "sess-a")
	require.NoError(t, err)
	assert.Equal(t, pathA, again)
}

func TestFilesystemHandlesAndDelete(t *testing.T) {
	backend, err := NewFilesystemBackend("nfs-1", t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	path, err := backend.Provision(ctx, "sess-a")
	require.NoError(t, err)

	upload, err := backend.UploadHandle(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(path, "image.raw"), upload)

	// Download before the image exists fails
	_, err = backend.DownloadHandle(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(upload, []byte("image"), 0600))
	download, err := backend.DownloadHandle(path)
	require.NoError(t, err)
	assert.Equal(t, upload, download)

	require.NoError(t, backend.Delete(ctx, path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Deleting again is a no-op
	assert.NoError(t, backend.Delete(ctx, path))
}

func TestFilesystemDeleteRefusesEscapes(t *testing.T) {
	root := t.TempDir()
	backend, err := NewFilesystemBackend("nfs-1", root)
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, backend.Delete(ctx, root))
	assert.Error(t, backend.Delete(ctx, filepath.Dir(root)))
	assert.Error(t, backend.Delete(ctx, "/etc"))
}

func TestSetLookup(t *testing.T) {
	set := NewSet()
	set.Add(NewMemoryBackend("mem-1"))

	b, err := set.Get("mem-1")
	require.NoError(t, err)
	assert.Equal(t, "mem-1", b.ID())

	_, err = set.Get("missing")
	assert.Error(t, err)

	assert.ElementsMatch(t, []string{"mem-1"}, set.IDs())
}

package evidence

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(filepath.Join(t.TempDir(), "evidence"))
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Upload(ctx, []byte("photo"), "task-1/pickup-ev1.jpg", "image/jpeg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "file://"))
	assert.True(t, strings.HasSuffix(ref, "/task-1/pickup-ev1.jpg"))

	data, err := store.Fetch(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("photo"), data)
}

func TestLocalStoreNeverOverwrites(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Upload(ctx, []byte("original"), "task-1/pickup.jpg", "image/jpeg")
	require.NoError(t, err)

	_, err = store.Upload(ctx, []byte("replacement"), "task-1/pickup.jpg", "image/jpeg")
	assert.ErrorContains(t, err, "already exists")

	data, err := store.Fetch(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(strings.TrimPrefix(ref, "file://")), ".upload-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temp files are cleaned up")
}

func TestLocalStoreRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(filepath.Join(root, "evidence"))
	require.NoError(t, err)
	ctx := context.Background()

	for _, name := range []string{"", "../outside.jpg", "task/../../x.jpg", "task//x.jpg", "./x.jpg"} {
		_, err := store.Upload(ctx, []byte("x"), name, "image/jpeg")
		assert.Error(t, err, name)
	}

	outside := filepath.Join(root, "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))
	_, err = store.Fetch(ctx, "file://"+filepath.ToSlash(outside))
	assert.ErrorContains(t, err, "outside store")

	_, err = store.Fetch(ctx, "s3://bucket/key")
	assert.Error(t, err)
}

func TestLocalStoreHonoursCancellation(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Upload(ctx, []byte("x"), "task-1/pickup.jpg", "image/jpeg")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewSelectsBackend(t *testing.T) {
	store, err := New(context.Background(), Options{LocalDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	_, err = New(context.Background(), Options{Backend: "ftp"})
	assert.ErrorContains(t, err, "unknown evidence backend")

	_, err = New(context.Background(), Options{Backend: "minio"})
	assert.ErrorContains(t, err, "endpoint is required")
}

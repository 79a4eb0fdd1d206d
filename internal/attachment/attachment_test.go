// ABOUTME: Tests for attachment validation and the local blob store
// ABOUTME: Size limits reject before upload; stored blobs get stable references

package attachment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("doc.pdf", 1024, MaxSizeBytes))
	assert.NoError(t, Validate("doc.pdf", MaxSizeBytes, MaxSizeBytes))

	assert.ErrorIs(t, Validate("doc.pdf", MaxSizeBytes+1, MaxSizeBytes), ErrTooLarge)
	assert.ErrorIs(t, Validate("doc.pdf", 0, MaxSizeBytes), ErrEmpty)
	assert.ErrorIs(t, Validate("doc.pdf", -5, MaxSizeBytes), ErrEmpty)
	assert.ErrorIs(t, Validate("  ", 1024, MaxSizeBytes), ErrEmpty)

	// Zero maxSize falls back to the default limit
	assert.NoError(t, Validate("doc.pdf", MaxSizeBytes, 0))
	assert.ErrorIs(t, Validate("doc.pdf", MaxSizeBytes+1, 0), ErrTooLarge)
}

func TestIsImage(t *testing.T) {
	assert.True(t, IsImage("photo.png"))
	assert.True(t, IsImage("photo.JPG"))
	assert.True(t, IsImage("anim.gif"))
	assert.True(t, IsImage("pic.webp"))

	assert.False(t, IsImage("doc.pdf"))
	assert.False(t, IsImage("archive.zip"))
	assert.False(t, IsImage("noextension"))
}

func TestLocalBlobStore_Put(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalBlobStore(dir, "/files", nil)
	require.NoError(t, err)

	url, err := s.Put(context.Background(), "key-1", "receipt.png", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.Equal(t, "/files/key-1/receipt.png", url)

	data, err := os.ReadFile(filepath.Join(dir, "key-1", "receipt.png"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestLocalBlobStore_PutIsIdempotentPerKey(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalBlobStore(dir, "/files", nil)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := s.Put(ctx, "key-1", "doc.txt", strings.NewReader("v1"))
	require.NoError(t, err)

	// Retrying the same key and filename yields the same reference
	second, err := s.Put(ctx, "key-1", "doc.txt", strings.NewReader("v1"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLocalBlobStore_StripsPathComponents(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalBlobStore(dir, "/files", nil)
	require.NoError(t, err)

	url, err := s.Put(context.Background(), "key-1", "../../etc/passwd", strings.NewReader("nope"))
	require.NoError(t, err)
	assert.Equal(t, "/files/key-1/passwd", url)

	_, err = os.Stat(filepath.Join(dir, "key-1", "passwd"))
	assert.NoError(t, err)
}

func TestLocalBlobStore_CancelledContext(t *testing.T) {
	s, err := NewLocalBlobStore(t.TempDir(), "/files", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Put(ctx, "key-1", "doc.txt", strings.NewReader("payload"))
	assert.Error(t, err)
}

// ABOUTME: Attachment validation and blob storage for message attachments
// ABOUTME: Size is rejected before any upload; Put is idempotent per key so appends can retry

package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// MaxSizeBytes is the default attachment size limit.
const MaxSizeBytes = 5 * 1024 * 1024

// ErrTooLarge is returned when an attachment exceeds the size limit.
var ErrTooLarge = errors.New("attachment exceeds size limit")

// ErrEmpty is returned for missing or zero-byte attachments.
var ErrEmpty = errors.New("attachment is empty")

// Validate rejects an attachment before any bytes are uploaded.
func Validate(filename string, size, maxSize int64) error {
	if strings.TrimSpace(filename) == "" {
		return fmt.Errorf("%w: filename is required", ErrEmpty)
	}
	if size <= 0 {
		return ErrEmpty
	}
	if maxSize <= 0 {
		maxSize = MaxSizeBytes
	}
	if size > maxSize {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, size, maxSize)
	}
	return nil
}

// IsImage reports whether a filename looks like an image, by extension.
func IsImage(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".svg":
		return true
	}
	return false
}

// BlobStore accepts a binary payload and returns a stable reference.
// The reference outlives the upload: a failed message append is retried
// with the same reference, never by re-uploading.
type BlobStore interface {
	Put(ctx context.Context, key, filename string, r io.Reader) (url string, err error)
}

// LocalBlobStore stores blobs on the local filesystem under a base
// directory, addressed as <dir>/<key>/<filename>.
type LocalBlobStore struct {
	dir     string
	baseURL string
	logger  *slog.Logger
}

// NewLocalBlobStore creates a blob store rooted at dir. baseURL prefixes
// the returned references (e.g. "/files").
func NewLocalBlobStore(dir, baseURL string, logger *slog.Logger) (*LocalBlobStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &LocalBlobStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("component", "blobstore"),
	}, nil
}

// Put writes the payload and returns its reference. Writing the same key
// and filename again replaces the identical blob, so retries are safe.
func (s *LocalBlobStore) Put(ctx context.Context, key, filename string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Strip any path components from the client-supplied name
	filename = filepath.Base(filename)
	if filename == "." || filename == string(filepath.Separator) {
		return "", fmt.Errorf("%w: filename is required", ErrEmpty)
	}

	blobDir := filepath.Join(s.dir, key)
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return "", fmt.Errorf("creating blob key directory: %w", err)
	}

	path := filepath.Join(blobDir, filename)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating blob file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing blob file: %w", err)
	}

	url := s.baseURL + "/" + key + "/" + filename
	s.logger.Debug("stored blob", "key", key, "filename", filename)
	return url, nil
}

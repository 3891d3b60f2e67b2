package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aliskhannn/thumbnailer/internal/model"
)

// Storage provides a simple file-based publisher.
// It stores objects as files under a base directory, handy for development
// and end-to-end tests. Slash-separated keys map to nested directories the
// way object store prefixes do.
type Storage struct {
	basePath string
}

// NewStorage creates a new Storage instance with the given basePath.
func NewStorage(basePath string) (*Storage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", basePath, err)
	}

	return &Storage{basePath: basePath}, nil
}

// Publish copies the file at path to <basePath>/<key>. Keys must stay
// inside the base directory.
// The copy lands in a temp file first and is renamed into place, so readers
// never see a half-written object and republishing simply replaces it.
func (s *Storage) Publish(ctx context.Context, key, path string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", model.ErrPublish, key, err)
	}

	dst, err := s.objectPath(key)
	if err != nil {
		return err
	}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", model.ErrPublish, path, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: create directory for %s: %w", model.ErrPublish, key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".publish-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", model.ErrPublish, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: copy %s: %w", model.ErrPublish, key, err)
	}

	// Public-read visibility.
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: chmod %s: %w", model.ErrPublish, key, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", model.ErrPublish, key, err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("%w: rename %s: %w", model.ErrPublish, key, err)
	}

	return nil
}

// Path returns the file location of a published key.
func (s *Storage) Path(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}

func (s *Storage) objectPath(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) || strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("%w: invalid key %q", model.ErrPublish, key)
	}

	return filepath.Join(s.basePath, rel), nil
}

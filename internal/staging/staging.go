package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/aliskhannn/thumbnailer/internal/model"
)

const thumbnailSuffix = ".thumbnail"

// Paths holds the job-scoped scratch locations on the local filesystem.
type Paths struct {
	Dir      string // directory owned exclusively by the job
	Original string // where the fetched bytes are written
}

// Thumbnail returns the derivative path for the given encoding format:
// the original path without its extension, plus ".thumbnail.<format>".
func (p Paths) Thumbnail(format string) string {
	return ThumbnailPath(p.Original, format)
}

// ThumbnailPath derives a thumbnail path from a source path and format name.
func ThumbnailPath(sourcePath, format string) string {
	base := strings.TrimSuffix(sourcePath, filepath.Ext(sourcePath))
	return base + thumbnailSuffix + "." + strings.ToLower(format)
}

// Manager allocates and releases staging directories under a root directory.
// Every allocation gets its own uuid-named directory, so two in-flight jobs
// sharing a local name never touch the same files.
type Manager struct {
	root string
}

// NewManager creates a Manager rooted at root. The root is created if missing.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create staging root %s: %w", model.ErrStaging, root, err)
	}

	return &Manager{root: root}, nil
}

// Allocate creates a fresh staging directory for the job identified by localName.
func (m *Manager) Allocate(localName string) (Paths, error) {
	dir := filepath.Join(m.root, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("%w: create staging dir %s: %w", model.ErrStaging, dir, err)
	}

	return Paths{
		Dir:      dir,
		Original: filepath.Join(dir, fileName(localName)),
	}, nil
}

// Release removes the staging directory and everything in it.
// Missing files are not an error, so Release may be called more than once.
func (m *Manager) Release(p Paths) error {
	if p.Dir == "" {
		return nil
	}

	if err := os.RemoveAll(p.Dir); err != nil {
		return fmt.Errorf("%w: remove staging dir %s: %w", model.ErrStaging, p.Dir, err)
	}

	return nil
}

// fileName reduces a caller-chosen local name to a single safe path element.
func fileName(localName string) string {
	name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(localName, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		return "original"
	}

	return name
}

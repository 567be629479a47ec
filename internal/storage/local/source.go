// Package local opens archive objects from a directory tree laid out as
// base_dir/bucket/key.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/archive-scanner/internal/archive"
	"github.com/JakeFAU/archive-scanner/internal/storage"
)

// Config captures the parameters for the local filesystem source.
type Config struct {
	// BaseDir is the root directory holding one subdirectory per bucket.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Source reads archives from the local filesystem.
type Source struct {
	baseDir string
}

// New creates a filesystem-backed source. BaseDir must exist.
func New(cfg Config) (*Source, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("stat base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	return &Source{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Open opens base_dir/bucket/key for reading.
func (s *Source) Open(_ context.Context, loc archive.Locator) (io.ReadCloser, error) {
	fullPath := filepath.Join(s.baseDir, loc.Bucket, loc.Key)

	// Reject locators that climb out of baseDir.
	if !strings.HasPrefix(filepath.Clean(fullPath), s.baseDir+string(filepath.Separator)) {
		return nil, fmt.Errorf("open %s: path traversal detected", loc)
	}

	// #nosec G304 -- path is confined to baseDir above.
	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", loc, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", loc, err)
	}
	return f, nil
}

var _ storage.Source = (*Source)(nil)

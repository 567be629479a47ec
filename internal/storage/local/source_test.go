// Package local_test tests the local filesystem archive source.
package local_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/archive-scanner/internal/archive"
	"github.com/JakeFAU/archive-scanner/internal/storage"
	"github.com/JakeFAU/archive-scanner/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("ValidConfig", func(t *testing.T) {
		src, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, src)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirDoesNotExist", func(t *testing.T) {
		_, err := local.New(local.Config{BaseDir: filepath.Join(t.TempDir(), "nope")})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestSource_Open(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	dir := filepath.Join(base, "commoncrawl", "crawl-data")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.warc.gz"), []byte("payload"), 0o600))

	src, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)

	t.Run("Existing", func(t *testing.T) {
		rc, err := src.Open(context.Background(), archive.Locator{Bucket: "commoncrawl", Key: "crawl-data/a.warc.gz"})
		require.NoError(t, err)
		defer func() { _ = rc.Close() }()
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(body))
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := src.Open(context.Background(), archive.Locator{Bucket: "commoncrawl", Key: "missing"})
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := src.Open(context.Background(), archive.Locator{Bucket: "..", Key: "../etc/passwd"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "path traversal")
	})
}

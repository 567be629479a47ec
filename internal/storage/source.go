// Package storage defines how workers open archive objects. Implementations
// live in the s3, gcs, local and memory subpackages.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/JakeFAU/archive-scanner/internal/archive"
)

// ErrNotFound is returned when the locator names an object that does not exist.
var ErrNotFound = errors.New("archive object not found")

// Source opens archive objects for streaming reads. The caller closes the
// returned reader.
type Source interface {
	Open(ctx context.Context, loc archive.Locator) (io.ReadCloser, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, loc archive.Locator) (io.ReadCloser, error)

// Open calls f.
func (f SourceFunc) Open(ctx context.Context, loc archive.Locator) (io.ReadCloser, error) {
	return f(ctx, loc)
}

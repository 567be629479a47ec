// Package gcs opens archive objects from Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/JakeFAU/archive-scanner/internal/archive"
	appstorage "github.com/JakeFAU/archive-scanner/internal/storage"
)

// Source reads objects through a GCS client.
type Source struct {
	client *storage.Client
}

// New creates a GCS-backed archive source.
func New(client *storage.Client) (*Source, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return &Source{client: client}, nil
}

// Dial creates a client with the provided options and wraps it. Close
// releases the client.
func Dial(ctx context.Context, opts ...option.ClientOption) (*Source, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return New(client)
}

// Open starts a streaming read of the object.
func (s *Source) Open(ctx context.Context, loc archive.Locator) (io.ReadCloser, error) {
	r, err := s.client.Bucket(loc.Bucket).Object(loc.Key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("open gs://%s: %w", loc, appstorage.ErrNotFound)
		}
		return nil, fmt.Errorf("open gs://%s: %w", loc, err)
	}
	return r, nil
}

// Close releases the underlying client.
func (s *Source) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}

var _ appstorage.Source = (*Source)(nil)

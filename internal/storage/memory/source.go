// Package memory serves archive objects from memory for development and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/JakeFAU/archive-scanner/internal/archive"
	"github.com/JakeFAU/archive-scanner/internal/storage"
)

// Source stores objects keyed by locator.
type Source struct {
	mu      sync.RWMutex
	objects map[string][]byte
	opened  []string
}

// NewSource creates an empty in-memory source.
func NewSource() *Source {
	return &Source{objects: make(map[string][]byte)}
}

// Put stores a copy of data under loc.
func (s *Source) Put(loc archive.Locator, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[loc.String()] = bytes.Clone(data)
}

// Open returns a reader over the stored object.
func (s *Source) Open(_ context.Context, loc archive.Locator) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, loc.String())
	data, ok := s.objects[loc.String()]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", loc, storage.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Opened returns every locator passed to Open, in call order.
func (s *Source) Opened() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.opened))
	copy(out, s.opened)
	return out
}

var _ storage.Source = (*Source)(nil)

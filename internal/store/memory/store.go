// Package memory contains an in-memory store for development and tests.
package memory

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/archive-scanner/internal/store"
)

// Store keeps inputs, query definitions and outputs in memory.
type Store struct {
	mu      sync.RWMutex
	inputs  []string
	queries []string
	outputs [][]byte
	missing []string
	failure error
}

// New returns a store seeded with the given inputs and query definitions.
func New(inputs, queries []string) *Store {
	return &Store{
		inputs:  slices.Clone(inputs),
		queries: slices.Clone(queries),
	}
}

// Peek returns the smallest input greater than after.
func (s *Store) Peek(_ context.Context, after string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		next  string
		found bool
	)
	for _, in := range s.inputs {
		if in > after && (!found || in < next) {
			next, found = in, true
		}
	}
	if !found {
		return "", store.ErrEmpty
	}
	return next, nil
}

// Take removes and returns the first input.
func (s *Store) Take(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inputs) == 0 {
		return "", store.ErrEmpty
	}
	in := s.inputs[0]
	s.inputs = s.inputs[1:]
	return in, nil
}

// Remove deletes every occurrence of locator.
func (s *Store) Remove(_ context.Context, locator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = slices.DeleteFunc(s.inputs, func(in string) bool { return in == locator })
	return nil
}

// QueryDefinitions returns the stored definitions.
func (s *Store) QueryDefinitions(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.queries), nil
}

// InsertOutput records a copy of doc.
func (s *Store) InsertOutput(_ context.Context, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	s.outputs = append(s.outputs, bytes.Clone(doc))
	return nil
}

// FailOutputs makes every later InsertOutput return err; nil restores writes.
func (s *Store) FailOutputs(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// SetMissingTables makes VerifySchema report the named tables as missing.
func (s *Store) SetMissingTables(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing = slices.Clone(names)
}

// VerifySchema succeeds unless tables were marked missing.
func (s *Store) VerifySchema(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.missing) > 0 {
		return &MissingTablesError{Tables: slices.Clone(s.missing)}
	}
	return nil
}

// Inputs returns the remaining inputs.
func (s *Store) Inputs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.inputs)
}

// Outputs returns every persisted output document.
func (s *Store) Outputs() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, len(s.outputs))
	copy(out, s.outputs)
	return out
}

// Close is a no-op.
func (s *Store) Close() {}

// MissingTablesError lists the tables VerifySchema did not find.
type MissingTablesError struct {
	Tables []string
}

func (e *MissingTablesError) Error() string {
	return "missing tables: " + strings.Join(e.Tables, ", ")
}

var _ store.Store = (*Store)(nil)

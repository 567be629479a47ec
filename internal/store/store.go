// Package store defines the master's persistence dependencies: the work queue
// of archive locators, the query definitions and the output sink.
// Implementations live in subpackages; this package must not import database
// drivers or concrete clients.
package store

import (
	"context"
	"errors"
)

// Table names the master expects to find.
const (
	TableInputs  = "inputs"
	TableQueries = "queries"
	TableOutputs = "outputs"
)

// ErrEmpty signals that no work item is available.
var ErrEmpty = errors.New("work queue is empty")

// WorkQueue holds archive locators still to be processed.
type WorkQueue interface {
	// Peek returns the smallest locator ordered after the given one without
	// removing it. An empty after starts from the beginning.
	Peek(ctx context.Context, after string) (string, error)
	// Take removes and returns one locator.
	Take(ctx context.Context) (string, error)
	// Remove deletes every row for locator.
	Remove(ctx context.Context, locator string) error
}

// QuerySource lists the stored query definitions, one JSON document each.
type QuerySource interface {
	QueryDefinitions(ctx context.Context) ([]string, error)
}

// OutputSink persists one output as a JSON row.
type OutputSink interface {
	InsertOutput(ctx context.Context, doc []byte) error
}

// Store is everything the master persists.
type Store interface {
	WorkQueue
	QuerySource
	OutputSink
	// VerifySchema reports the expected tables that are missing.
	VerifySchema(ctx context.Context) error
	Close()
}

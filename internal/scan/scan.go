// Package scan defines the contract between the worker pipeline and the scan
// engines that evaluate queries against documents.
package scan

import (
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/archive-scanner/internal/archive"
	"github.com/JakeFAU/archive-scanner/internal/output"
	"github.com/JakeFAU/archive-scanner/internal/query"
)

var (
	// ErrQueueFull is returned by Process when the engine cannot take more work.
	ErrQueueFull = errors.New("scan engine queue full")
	// ErrClosed is returned by Process after Close.
	ErrClosed = errors.New("scan engine closed")
)

// Engine scans document batches asynchronously with its own worker pool.
type Engine interface {
	// Process queues a batch and returns without waiting for it to be
	// scanned. Ownership of the batch passes to the engine.
	Process(batch []archive.Document) error
	// Pending returns the number of queued batches not yet scanned.
	Pending() int
	// Outputs drains the outputs produced so far. It never blocks.
	Outputs() output.Batch
	// Close stops the worker pool after the queued batches finish.
	Close()
}

// Compiler builds an Engine for one query group.
type Compiler interface {
	Compile(group query.Group, threads int, logger *zap.Logger) (Engine, error)
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(group query.Group, threads int, logger *zap.Logger) (Engine, error)

// Compile calls f.
func (f CompilerFunc) Compile(group query.Group, threads int, logger *zap.Logger) (Engine, error) {
	return f(group, threads, logger)
}

// MaxPending returns the largest pending depth across engines.
func MaxPending(engines []Engine) int {
	depth := 0
	for _, e := range engines {
		depth = max(depth, e.Pending())
	}
	return depth
}

// Sources exposes engines to the output aggregator.
func Sources(engines []Engine) []output.Source {
	out := make([]output.Source, 0, len(engines))
	for _, e := range engines {
		out = append(out, e)
	}
	return out
}

// CloseAll closes every engine.
func CloseAll(engines []Engine) {
	for _, e := range engines {
		e.Close()
	}
}

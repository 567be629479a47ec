// Package dispatcher batches documents and fans each batch out to the scan
// engines, holding dispatch back while the engines are saturated.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-scanner/internal/archive"
	"github.com/JakeFAU/archive-scanner/internal/metrics"
	"github.com/JakeFAU/archive-scanner/internal/scan"
)

// Defaults applied by New.
const (
	DefaultBatchSize = 64
	DefaultCeiling   = 8
	DefaultInterval  = time.Second
)

// ErrBackpressureTimeout is returned when MaxWait elapses while the engines
// stay saturated.
var ErrBackpressureTimeout = errors.New("backpressure wait exceeded maximum")

// Config controls Dispatcher behavior.
type Config struct {
	// BatchSize is the number of documents per dispatched batch.
	BatchSize int
	// Ceiling is the max pending-batch depth at which dispatch stalls.
	Ceiling int
	// Interval is the sleep between saturation checks.
	Interval time.Duration
	// MaxWait bounds a single stall. Zero waits forever.
	MaxWait time.Duration
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Dispatcher accumulates documents and hands full batches to every engine.
// It is driven by one goroutine and is not safe for concurrent use.
type Dispatcher struct {
	engines []scan.Engine
	cfg     Config
	sleep   SleepFunc
	logger  *zap.Logger
	batch   []archive.Document
	lost    int
}

// New creates a Dispatcher.
func New(engines []scan.Engine, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		engines: engines,
		cfg:     cfg,
		sleep:   Sleep,
		logger:  logger,
	}
}

// WithSleep replaces the sleep used between saturation checks.
func (d *Dispatcher) WithSleep(fn SleepFunc) *Dispatcher {
	if fn != nil {
		d.sleep = fn
	}
	return d
}

// Lost returns the number of batches engines refused since the last Reset.
func (d *Dispatcher) Lost() int {
	return d.lost
}

// Buffered returns the number of documents waiting in the current batch.
func (d *Dispatcher) Buffered() int {
	return len(d.batch)
}

// Reset clears the lost-batch counter and any buffered documents.
func (d *Dispatcher) Reset() {
	d.lost = 0
	d.Discard()
}

// Discard drops the documents of the current batch without dispatching them
// and returns how many were dropped.
func (d *Dispatcher) Discard() int {
	n := len(d.batch)
	d.batch = nil
	return n
}

// Add appends doc to the current batch, flushing when the batch is full. A
// new batch is only started once the engines are below the ceiling.
func (d *Dispatcher) Add(ctx context.Context, doc archive.Document) error {
	if len(d.batch) == 0 {
		if err := d.Wait(ctx); err != nil {
			return err
		}
		d.batch = make([]archive.Document, 0, d.cfg.BatchSize)
	}
	d.batch = append(d.batch, doc)
	metrics.AddDocuments(1)
	if len(d.batch) < d.cfg.BatchSize {
		return nil
	}
	return d.Flush(ctx)
}

// Flush waits for the engines to drop below the ceiling and then hands the
// current batch to every engine. Engines that refuse the batch are logged and
// counted as lost; only a failed wait is returned.
func (d *Dispatcher) Flush(ctx context.Context) error {
	if len(d.batch) == 0 {
		return nil
	}
	if err := d.Wait(ctx); err != nil {
		return err
	}
	batch := d.batch
	d.batch = nil

	var result *multierror.Error
	for i, eng := range d.engines {
		if err := eng.Process(batch); err != nil {
			result = multierror.Append(result, fmt.Errorf("engine %d: %w", i, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		failed := len(result.Errors)
		d.lost += failed
		metrics.ObserveDispatchFailures(failed)
		d.logger.Warn("batch dispatch failed; documents lost for those engines",
			zap.Int("documents", len(batch)),
			zap.Int("failed_engines", failed),
			zap.Int("engines", len(d.engines)),
			zap.Error(err),
		)
	}
	return nil
}

// Wait blocks while the max pending depth across engines is at or above the
// ceiling, warning on every check.
func (d *Dispatcher) Wait(ctx context.Context) error {
	depth := scan.MaxPending(d.engines)
	metrics.SetEnginePending(depth)
	if depth < d.cfg.Ceiling {
		return nil
	}

	var waited time.Duration
	for attempt := 1; depth >= d.cfg.Ceiling; attempt++ {
		if d.cfg.MaxWait > 0 && waited >= d.cfg.MaxWait {
			metrics.ObserveBackpressure(waited)
			return fmt.Errorf("%w: depth %d after %s", ErrBackpressureTimeout, depth, waited)
		}
		d.logger.Warn("scan engines saturated; holding dispatch",
			zap.Int("attempt", attempt),
			zap.Int("depth", depth),
			zap.Int("ceiling", d.cfg.Ceiling),
		)
		if err := d.sleep(ctx, d.cfg.Interval); err != nil {
			return fmt.Errorf("backpressure wait: %w", err)
		}
		waited += d.cfg.Interval
		depth = scan.MaxPending(d.engines)
		metrics.SetEnginePending(depth)
	}
	metrics.ObserveBackpressure(waited)
	return nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

package output

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-scanner/internal/metrics"
)

// DefaultFlushEvery is the number of documents between output flushes.
const DefaultFlushEvery = 1000

// ErrNoDeliverer is returned by Flush when outputs exist but nothing can
// receive them.
var ErrNoDeliverer = errors.New("no output deliverer configured")

// Source is the part of a scan engine the aggregator polls.
type Source interface {
	// Outputs drains and returns the outputs produced since the last call.
	Outputs() Batch
	// Pending is the number of batches queued but not yet scanned.
	Pending() int
}

// Deliverer ships a batch to the master and returns the master-wide count of
// outputs accepted so far.
type Deliverer interface {
	PushOutputs(ctx context.Context, batch Batch) (int64, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Config controls Aggregator behavior.
type Config struct {
	// FlushEvery is the number of observed documents between flushes.
	FlushEvery int
	// RetainFailed keeps a batch whose delivery failed and merges it into the
	// next flush instead of dropping it.
	RetainFailed bool
}

// Stats are the per work item telemetry counters. They reset when a new work
// item starts and only grow within one.
type Stats struct {
	Started      time.Time
	Documents    int
	Skipped      int
	Lost         int
	Delivered    int
	Dropped      int
	NewOutputs   int64
	BytesDecoded int64
}

// Aggregator polls scan engines for outputs every FlushEvery documents,
// delivers them and logs progress telemetry.
type Aggregator struct {
	sources    []Source
	deliverer  Deliverer
	clock      Clock
	cfg        Config
	logger     *zap.Logger
	stats      Stats
	sinceFlush int
	lastNew    int64
	retained   Batch
}

// NewAggregator constructs an Aggregator.
func NewAggregator(sources []Source, deliverer Deliverer, clock Clock, cfg Config, logger *zap.Logger) *Aggregator {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = DefaultFlushEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		sources:   sources,
		deliverer: deliverer,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
	a.Reset()
	return a
}

// Reset starts a new telemetry window. Retained outputs survive a reset.
func (a *Aggregator) Reset() {
	a.stats = Stats{Started: a.now()}
	a.sinceFlush = 0
}

// Stats returns a snapshot of the current counters.
func (a *Aggregator) Stats() Stats {
	return a.stats
}

// Retained returns outputs held back after failed deliveries.
func (a *Aggregator) Retained() Batch {
	return a.retained
}

// AddSkipped counts discarded records.
func (a *Aggregator) AddSkipped(n int) {
	a.stats.Skipped += n
	metrics.AddSkipped(n)
}

// AddLost counts document batches refused by an engine.
func (a *Aggregator) AddLost(n int) {
	a.stats.Lost += n
}

// SetBytesDecoded records the decompressed size read so far.
func (a *Aggregator) SetBytesDecoded(n int64) {
	if delta := n - a.stats.BytesDecoded; delta > 0 {
		metrics.AddBytesDecoded(delta)
	}
	a.stats.BytesDecoded = n
}

// Observe counts n processed documents and flushes once FlushEvery have
// accumulated since the last flush.
func (a *Aggregator) Observe(ctx context.Context, n int) error {
	a.stats.Documents += n
	a.sinceFlush += n
	if a.sinceFlush < a.cfg.FlushEvery {
		return nil
	}
	return a.Flush(ctx)
}

// Flush polls every source, merges the outputs and delivers them if there are
// any. A delivery failure is logged and returned; it never leaves the
// aggregator unusable.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.sinceFlush = 0

	batch := a.retained
	a.retained = Batch{}
	for _, src := range a.sources {
		batch = batch.Merge(src.Outputs())
	}

	var err error
	if !batch.IsEmpty() {
		err = a.deliver(ctx, batch)
	}
	a.logProgress()
	return err
}

func (a *Aggregator) deliver(ctx context.Context, batch Batch) error {
	if a.deliverer == nil {
		a.keepOrDrop(batch)
		return ErrNoDeliverer
	}
	total, err := a.deliverer.PushOutputs(ctx, batch)
	metrics.ObserveOutputDelivery(err == nil, batch.Len())
	if err != nil {
		a.logger.Warn("output delivery failed",
			zap.Int("outputs", batch.Len()),
			zap.Bool("retained", a.cfg.RetainFailed),
			zap.Error(err),
		)
		a.keepOrDrop(batch)
		return fmt.Errorf("deliver outputs: %w", err)
	}
	a.stats.Delivered += batch.Len()
	a.stats.NewOutputs = total
	return nil
}

func (a *Aggregator) keepOrDrop(batch Batch) {
	if a.cfg.RetainFailed {
		a.retained = batch
		return
	}
	a.stats.Dropped += batch.Len()
}

func (a *Aggregator) logProgress() {
	elapsed := a.now().Sub(a.stats.Started)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(a.stats.Documents) / elapsed.Seconds()
	}
	depth := 0
	for _, src := range a.sources {
		depth = max(depth, src.Pending())
	}
	delta := a.stats.NewOutputs - a.lastNew
	a.lastNew = a.stats.NewOutputs

	a.logger.Info("scan progress",
		zap.String("documents", humanize.Comma(int64(a.stats.Documents))),
		zap.String("docs_per_sec", humanize.CommafWithDigits(rate, 1)),
		zap.Int("queued_batches", depth),
		zap.Int("delivered", a.stats.Delivered),
		zap.Int64("new_outputs", a.stats.NewOutputs),
		zap.Int64("new_outputs_delta", delta),
		zap.Int("skipped", a.stats.Skipped),
		zap.Int("lost_batches", a.stats.Lost),
		zap.String("decoded", humanize.Bytes(uint64(max(a.stats.BytesDecoded, 0)))),
		zap.String("started", humanize.Time(a.stats.Started)),
	)
}

func (a *Aggregator) now() time.Time {
	if a.clock == nil {
		return time.Now()
	}
	return a.clock.Now()
}

// Package worker implements the client orchestrator: it registers with the
// master, compiles the query set into scan engines and then leases, streams,
// drains and completes archives until the context finishes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-scanner/internal/apiclient"
	"github.com/JakeFAU/archive-scanner/internal/archive"
	"github.com/JakeFAU/archive-scanner/internal/dispatcher"
	"github.com/JakeFAU/archive-scanner/internal/metrics"
	"github.com/JakeFAU/archive-scanner/internal/output"
	"github.com/JakeFAU/archive-scanner/internal/protocol"
	"github.com/JakeFAU/archive-scanner/internal/query"
	"github.com/JakeFAU/archive-scanner/internal/scan"
	"github.com/JakeFAU/archive-scanner/internal/storage"
)

// Defaults applied by New.
const (
	DefaultDrainMaxIterations = 300
	DefaultDrainInterval      = time.Second
	DefaultCooldown           = 30 * time.Second
)

// ErrFatal marks errors that end the worker process.
var ErrFatal = errors.New("fatal worker error")

// Master is the part of the master API the worker drives.
type Master interface {
	Handshake(ctx context.Context) error
	Register(ctx context.Context, secret string) (string, error)
	Unregister(ctx context.Context) error
	Queries(ctx context.Context) ([]query.Record, error)
	Lease(ctx context.Context) (protocol.WorkItem, error)
	PushOutputs(ctx context.Context, batch output.Batch) (int64, error)
	Complete(ctx context.Context, id string) error
}

// Config controls Worker behavior.
type Config struct {
	Secret string
	// Threads is the scan thread budget shared by all engines.
	Threads       int
	DefaultBucket string
	ChunkSize     int
	Dispatch      dispatcher.Config
	FlushEvery    int
	RetainFailed  bool
	// DrainMaxIterations bounds how many times the engines are polled after
	// an archive is exhausted before completion is forced.
	DrainMaxIterations int
	DrainInterval      time.Duration
	// Cooldown is the pause after the queue runs dry.
	Cooldown time.Duration
}

// Deps bundles the Worker collaborators.
type Deps struct {
	Master   Master
	Source   storage.Source
	Compiler scan.Compiler
	Clock    output.Clock
	// Sleep replaces time-based waits; nil uses dispatcher.Sleep.
	Sleep dispatcher.SleepFunc
}

// State is a step of the worker state machine.
type State int

// Worker states, in the order a healthy worker visits them.
const (
	StateRegistering State = iota
	StateLeasingQueries
	StateLeasingWork
	StateStreaming
	StateDraining
	StateCompleting
)

func (s State) String() string {
	switch s {
	case StateRegistering:
		return "registering"
	case StateLeasingQueries:
		return "leasing_queries"
	case StateLeasingWork:
		return "leasing_work"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateCompleting:
		return "completing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// job is the work item currently being processed.
type job struct {
	item protocol.WorkItem
	ctx  context.Context
	span trace.Span
}

// Worker runs the client state machine. It is driven by a single goroutine.
type Worker struct {
	master   Master
	source   storage.Source
	compiler scan.Compiler
	clock    output.Clock
	sleep    dispatcher.SleepFunc
	tracer   trace.Tracer
	cfg      Config
	logger   *zap.Logger

	engines    []scan.Engine
	dispatch   *dispatcher.Dispatcher
	aggregator *output.Aggregator
	current    *job
	state      State
}

// New constructs a Worker.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Worker, error) {
	if deps.Master == nil || deps.Source == nil || deps.Compiler == nil {
		return nil, fmt.Errorf("master, source and compiler are required")
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.DrainMaxIterations <= 0 {
		cfg.DrainMaxIterations = DefaultDrainMaxIterations
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if deps.Sleep == nil {
		deps.Sleep = dispatcher.Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		master:   deps.Master,
		source:   deps.Source,
		compiler: deps.Compiler,
		clock:    deps.Clock,
		sleep:    deps.Sleep,
		tracer:   otel.Tracer("github.com/JakeFAU/archive-scanner/internal/worker"),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// State returns the state the worker is in.
func (w *Worker) State() State {
	return w.state
}

// Run handshakes with the master and then drives the state machine until ctx
// is done (nil) or a fatal condition occurs (an error wrapping ErrFatal).
func (w *Worker) Run(ctx context.Context) error {
	defer w.closeEngines()

	if err := w.master.Handshake(ctx); err != nil {
		return w.stop(ctx, fatal("handshake", err))
	}
	w.logger.Info("master handshake succeeded")

	w.state = StateRegistering
	for {
		if ctx.Err() != nil {
			return w.stop(ctx, nil)
		}
		next, err := w.step(ctx)
		if err != nil {
			return w.stop(ctx, err)
		}
		if next != w.state {
			w.logger.Debug("worker state change", zap.Stringer("from", w.state), zap.Stringer("to", next))
		}
		w.state = next
	}
}

func (w *Worker) stop(ctx context.Context, err error) error {
	w.abandon("worker stopped")
	if ctx.Err() != nil {
		w.logger.Info("worker stopped", zap.Stringer("state", w.state))
		return nil
	}
	return err
}

func (w *Worker) step(ctx context.Context) (State, error) {
	switch w.state {
	case StateRegistering:
		return w.register(ctx)
	case StateLeasingQueries:
		return w.leaseQueries(ctx)
	case StateLeasingWork:
		return w.leaseWork(ctx)
	case StateStreaming:
		return w.stream(ctx)
	case StateDraining:
		return w.drain(ctx)
	case StateCompleting:
		return w.complete()
	default:
		return w.state, fmt.Errorf("%w: unknown state %s", ErrFatal, w.state)
	}
}

func (w *Worker) register(ctx context.Context) (State, error) {
	if _, err := w.master.Register(ctx, w.cfg.Secret); err != nil {
		return StateRegistering, fatal("register", err)
	}
	w.logger.Info("registered with master")
	return StateLeasingQueries, nil
}

func (w *Worker) leaseQueries(ctx context.Context) (State, error) {
	records, err := w.master.Queries(ctx)
	if err != nil {
		return StateLeasingQueries, fatal("fetch queries", err)
	}
	queries, err := query.DecodeRecords(records)
	if err != nil {
		return StateLeasingQueries, fatal("parse queries", err)
	}
	groups := query.Partition(queries)
	threads := query.ThreadsPerGroup(w.cfg.Threads, len(groups))

	w.retireEngines(ctx)
	engines := make([]scan.Engine, 0, len(groups))
	for _, group := range groups {
		eng, err := w.compiler.Compile(group, threads, w.logger.Named("engine"))
		if err != nil {
			scan.CloseAll(engines)
			return StateLeasingQueries, fatal(fmt.Sprintf("compile %q group", group.Content), err)
		}
		engines = append(engines, eng)
	}
	w.engines = engines
	w.dispatch = dispatcher.New(engines, w.cfg.Dispatch, w.logger.Named("governor")).WithSleep(w.sleep)
	w.aggregator = output.NewAggregator(scan.Sources(engines), w.master, w.clock, output.Config{
		FlushEvery:   w.cfg.FlushEvery,
		RetainFailed: w.cfg.RetainFailed,
	}, w.logger.Named("aggregator"))

	if len(queries) == 0 {
		w.logger.Warn("master returned no queries; archives will be read but nothing will match")
	}
	w.logger.Info("queries compiled",
		zap.Int("queries", len(queries)),
		zap.Int("groups", len(groups)),
		zap.Int("threads_per_group", threads),
	)
	return StateLeasingWork, nil
}

func (w *Worker) leaseWork(ctx context.Context) (State, error) {
	item, err := w.master.Lease(ctx)
	switch {
	case err == nil:
	case errors.Is(err, apiclient.ErrNoWork):
		metrics.ObserveWorkItem("empty")
		w.logger.Info("work queue empty; cooling down", zap.Duration("cooldown", w.cfg.Cooldown))
		if err := w.master.Unregister(ctx); err != nil {
			w.logger.Warn("unregister failed", zap.Error(err))
		}
		if err := w.sleep(ctx, w.cfg.Cooldown); err != nil {
			return StateLeasingWork, fmt.Errorf("cooldown: %w", err)
		}
		return StateRegistering, nil
	case errors.Is(err, apiclient.ErrUnauthorized):
		w.logger.Warn("session rejected by master; registering again", zap.Error(err))
		return StateRegistering, nil
	default:
		return StateLeasingWork, fatal("lease work", err)
	}

	jobCtx, span := w.tracer.Start(ctx, "worker.item", trace.WithAttributes(
		attribute.String("work.id", item.ID),
		attribute.String("work.location", item.Location),
	))
	w.current = &job{item: item, ctx: jobCtx, span: span}
	w.logger.Info("work leased", zap.String("id", item.ID), zap.String("location", item.Location))
	return StateStreaming, nil
}

// stream pushes every document of the current archive through the governor.
func (w *Worker) stream(ctx context.Context) (State, error) {
	cur := w.current
	logger := w.logger.With(zap.String("id", cur.item.ID))

	loc, err := archive.ParseLocator(cur.item.Location, w.cfg.DefaultBucket)
	if err != nil {
		logger.Error("invalid work locator; skipping", zap.String("location", cur.item.Location), zap.Error(err))
		w.skip("invalid_locator", err)
		return StateLeasingWork, nil
	}
	body, err := w.source.Open(cur.ctx, loc)
	if err != nil {
		logger.Error("open archive failed; skipping", zap.Stringer("locator", loc), zap.Error(err))
		w.skip("open_failed", err)
		return StateLeasingWork, nil
	}
	defer func() {
		if err := body.Close(); err != nil {
			logger.Debug("close archive failed", zap.Error(err))
		}
	}()

	w.aggregator.Reset()
	w.dispatch.Reset()

	decoder := archive.NewDecoder(body, logger)
	extractor := archive.NewExtractor(decoder, w.cfg.ChunkSize, logger)
	normalizer := archive.Normalizer{}
	for {
		rec, err := extractor.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Warn("record extraction stopped", zap.Error(err))
			break
		}
		doc, err := normalizer.Normalize(rec)
		if err != nil {
			logger.Debug("skipping record", zap.Error(err))
			w.aggregator.AddSkipped(1)
			continue
		}
		if err := w.dispatch.Add(cur.ctx, doc); err != nil {
			if ctx.Err() != nil {
				return StateStreaming, fmt.Errorf("dispatch document: %w", err)
			}
			logger.Error("dispatch stalled; abandoning work item", zap.Error(err))
			w.skip("backpressure_timeout", err)
			return StateLeasingWork, nil
		}
		w.aggregator.SetBytesDecoded(decoder.BytesDecoded())
		// Delivery failures are logged by the aggregator and never stop the stream.
		_ = w.aggregator.Observe(cur.ctx, 1)
	}
	w.aggregator.SetBytesDecoded(decoder.BytesDecoded())
	w.aggregator.AddSkipped(extractor.Stats().Skipped)
	return StateDraining, nil
}

// drain flushes the final partial batch and waits, boundedly, for the
// engines to finish what they hold.
func (w *Worker) drain(ctx context.Context) (State, error) {
	cur := w.current
	if err := w.dispatch.Flush(cur.ctx); err != nil {
		if ctx.Err() != nil {
			return StateDraining, fmt.Errorf("flush final batch: %w", err)
		}
		w.logger.Warn("final batch flush failed", zap.String("id", cur.item.ID), zap.Error(err))
	}

	for i := 0; i < w.cfg.DrainMaxIterations; i++ {
		depth := scan.MaxPending(w.engines)
		if depth == 0 {
			return StateCompleting, nil
		}
		if err := w.sleep(ctx, w.cfg.DrainInterval); err != nil {
			return StateDraining, fmt.Errorf("drain engines: %w", err)
		}
	}
	w.logger.Warn("engines still busy; forcing completion",
		zap.String("id", cur.item.ID),
		zap.Int("depth", scan.MaxPending(w.engines)),
		zap.Int("iterations", w.cfg.DrainMaxIterations),
	)
	return StateCompleting, nil
}

func (w *Worker) complete() (State, error) {
	cur := w.current
	w.current = nil
	logger := w.logger.With(zap.String("id", cur.item.ID))

	w.aggregator.AddLost(w.dispatch.Lost())
	if err := w.aggregator.Flush(cur.ctx); err != nil {
		logger.Warn("final output flush failed", zap.Error(err))
	}
	if err := w.master.Complete(cur.ctx, cur.item.ID); err != nil {
		logger.Warn("complete work item failed", zap.Error(err))
		cur.span.RecordError(err)
	}

	stats := w.aggregator.Stats()
	cur.span.SetAttributes(
		attribute.Int("work.documents", stats.Documents),
		attribute.Int("work.skipped", stats.Skipped),
		attribute.Int("work.delivered", stats.Delivered),
	)
	cur.span.End()
	metrics.ObserveWorkItem("completed")
	logger.Info("work item completed",
		zap.String("location", cur.item.Location),
		zap.Int("documents", stats.Documents),
		zap.Int("skipped", stats.Skipped),
		zap.Int("delivered", stats.Delivered),
		zap.Int("lost_batches", stats.Lost),
	)
	return StateLeasingWork, nil
}

// skip ends the current item without completing it. Documents still buffered
// for it are dropped so they never reach the next item's batches.
func (w *Worker) skip(outcome string, err error) {
	cur := w.current
	w.current = nil
	if w.dispatch != nil {
		if n := w.dispatch.Discard(); n > 0 {
			w.logger.Debug("dropped buffered documents", zap.String("id", cur.item.ID), zap.Int("documents", n))
		}
	}
	metrics.ObserveWorkItem(outcome)
	cur.span.RecordError(err)
	cur.span.SetStatus(codes.Error, outcome)
	cur.span.End()
}

func (w *Worker) abandon(reason string) {
	if w.current == nil {
		return
	}
	w.current.span.SetStatus(codes.Error, reason)
	w.current.span.End()
	w.current = nil
}

// retireEngines collects what the current engines still hold before closing
// them, so outputs that arrived after the last completion are delivered.
func (w *Worker) retireEngines(ctx context.Context) {
	if w.aggregator != nil && len(w.engines) > 0 {
		if err := w.aggregator.Flush(ctx); err != nil {
			w.logger.Warn("flush outputs of retired engines failed", zap.Error(err))
		}
	}
	w.closeEngines()
}

func (w *Worker) closeEngines() {
	scan.CloseAll(w.engines)
	w.engines = nil
}

func fatal(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrFatal, op, err)
}

package master

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/archive-scanner/internal/metrics"
	"github.com/JakeFAU/archive-scanner/internal/query"
	"github.com/JakeFAU/archive-scanner/internal/store"
)

// request is one operation executed on the owner goroutine.
type request struct {
	op func(o *owner)
}

// lease tracks a dispensed work item until it is completed.
type lease struct {
	Locator  string
	LeasedAt time.Time
}

// owner holds every piece of state that touches the store.
type owner struct {
	c       *Coordinator
	queries []query.Record
	loaded  bool
	// leases holds in-flight items only; completed ones are dropped.
	leases map[string]lease
	// cursor is the last locator peeked. Peeks resume after it, so a master
	// never hands out the same row twice.
	cursor string
}

func newOwner(c *Coordinator) *owner {
	return &owner{c: c, leases: make(map[string]lease)}
}

func (o *owner) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-o.c.requests:
			req.op(o)
		}
	}
}

// submit runs op on the owner goroutine and waits for its result.
func submit[T any](ctx context.Context, c *Coordinator, op func(o *owner) (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	reply := make(chan result, 1)
	req := request{op: func(o *owner) {
		v, err := op(o)
		reply <- result{value: v, err: err}
	}}

	var zero T
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return zero, fmt.Errorf("submit request: %w", ctx.Err())
	case <-c.stopped:
		return zero, ErrStopped
	}
	r := <-reply
	return r.value, r.err
}

func (o *owner) loadQueries(ctx context.Context) ([]query.Record, error) {
	if o.loaded {
		return o.queries, nil
	}
	cfg := o.c.cfg
	if cfg.Debug && cfg.DebugQueries > 0 {
		records := make([]query.Record, 0, cfg.DebugQueries)
		for i, q := range query.Fixtures(cfg.DebugQueries) {
			def, err := query.Encode(q)
			if err != nil {
				return nil, fmt.Errorf("encode fixture query: %w", err)
			}
			records = append(records, query.Record{ID: fmt.Sprintf("debug-%d", i), Definition: def})
		}
		o.queries, o.loaded = records, true
		return o.queries, nil
	}

	defs, err := o.c.deps.Store.QueryDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queries: %w", err)
	}
	records := make([]query.Record, 0, len(defs))
	for i, def := range defs {
		q, err := query.Decode(def)
		if err != nil {
			o.c.logger.Warn("skipping undecodable query row", zap.Int("row", i), zap.Error(err))
			continue
		}
		id := q.ID
		if id == "" {
			id = fmt.Sprintf("query-%d", i)
		}
		records = append(records, query.Record{ID: id, Definition: def})
	}
	o.c.logger.Info("queries loaded", zap.Int("rows", len(defs)), zap.Int("queries", len(records)))
	o.queries, o.loaded = records, true
	return o.queries, nil
}

func (o *owner) lease(ctx context.Context) (string, string, error) {
	cfg := o.c.cfg
	var (
		locator string
		err     error
	)
	switch {
	case cfg.Debug:
		locator = cfg.DebugLocator
	case cfg.Purge == PurgeDispense:
		locator, err = o.c.deps.Store.Take(ctx)
	default:
		locator, err = o.c.deps.Store.Peek(ctx, o.cursor)
		if err == nil {
			o.cursor = locator
		}
	}
	if err != nil {
		if errors.Is(err, store.ErrEmpty) {
			metrics.ObserveLease("empty")
			return "", "", ErrNoWork
		}
		metrics.ObserveLease("error")
		return "", "", fmt.Errorf("lease work: %w", err)
	}

	id := o.c.deps.ItemIDs.ID(locator)
	if !cfg.Debug {
		o.leases[id] = lease{Locator: locator, LeasedAt: o.c.deps.Clock.Now()}
	}
	metrics.ObserveLease("leased")
	return locator, id, nil
}

func (o *owner) complete(ctx context.Context, id string) (lease, bool) {
	l, ok := o.leases[id]
	if !ok {
		return lease{}, false
	}
	if o.c.cfg.Purge == PurgeComplete {
		if err := o.c.deps.Store.Remove(ctx, l.Locator); err != nil {
			o.c.logger.Warn("purge completed input failed", zap.String("locator", l.Locator), zap.Error(err))
		}
	}
	delete(o.leases, id)
	metrics.ObserveLease("completed")
	return l, true
}

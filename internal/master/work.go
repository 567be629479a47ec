package master

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/archive-scanner/internal/metrics"
	"github.com/JakeFAU/archive-scanner/internal/output"
	"github.com/JakeFAU/archive-scanner/internal/protocol"
	"github.com/JakeFAU/archive-scanner/internal/query"
)

const drainTimeout = 5 * time.Second

// CompletionNotice is published when a worker completes a work item.
type CompletionNotice struct {
	ID          string    `json:"id"`
	Location    string    `json:"location"`
	LeasedAt    time.Time `json:"leased_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Queries returns the query records served to workers.
func (c *Coordinator) Queries(ctx context.Context) ([]query.Record, error) {
	return submit(ctx, c, func(o *owner) ([]query.Record, error) {
		return o.loadQueries(ctx)
	})
}

// Lease hands out the next work item. ErrNoWork means the queue is empty.
func (c *Coordinator) Lease(ctx context.Context) (protocol.WorkItem, error) {
	return submit(ctx, c, func(o *owner) (protocol.WorkItem, error) {
		locator, id, err := o.lease(ctx)
		if err != nil {
			return protocol.WorkItem{}, err
		}
		c.logger.Info("work leased", zap.String("locator", locator), zap.String("id", id))
		return protocol.WorkItem{Location: locator, ID: id}, nil
	})
}

// Complete records that a worker finished id. Unknown ids are logged and
// otherwise ignored.
func (c *Coordinator) Complete(ctx context.Context, id string) error {
	if !c.deps.ItemIDs.Valid(id) {
		c.logger.Warn("completion for malformed work item id", zap.String("id", id))
		return nil
	}
	type completion struct {
		lease lease
		known bool
	}
	res, err := submit(ctx, c, func(o *owner) (completion, error) {
		l, ok := o.complete(ctx, id)
		return completion{lease: l, known: ok}, nil
	})
	if err != nil {
		return err
	}
	l := res.lease
	if !res.known {
		c.logger.Warn("completion for unknown work item", zap.String("id", id))
		return nil
	}
	c.logger.Info("work completed", zap.String("id", id), zap.String("locator", l.Locator))
	c.notify(ctx, CompletionNotice{
		ID:          id,
		Location:    l.Locator,
		LeasedAt:    l.LeasedAt,
		CompletedAt: c.deps.Clock.Now(),
	})
	return nil
}

func (c *Coordinator) notify(ctx context.Context, notice CompletionNotice) {
	if c.deps.Notifier == nil || c.cfg.Topic == "" {
		return
	}
	msgID, err := c.deps.Notifier.Publish(ctx, c.cfg.Topic, notice)
	if err != nil {
		c.logger.Warn("publish completion notice failed", zap.String("id", notice.ID), zap.Error(err))
		return
	}
	c.logger.Debug("completion notice published", zap.String("id", notice.ID), zap.String("message_id", msgID))
}

// AcceptOutputs returns the number of outputs accepted so far and decodes
// body on a detached goroutine.
func (c *Coordinator) AcceptOutputs(body []byte) int64 {
	accepted := c.accepted.Load()
	go c.ingest(body)
	return accepted
}

func (c *Coordinator) ingest(body []byte) {
	var batch output.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		c.logger.Warn("discarding undecodable output batch", zap.Int("bytes", len(body)), zap.Error(err))
		return
	}
	n := batch.Len()
	if n == 0 {
		return
	}
	c.accepted.Add(int64(n))
	metrics.AddOutputsAccepted(n)

	timer := time.NewTimer(c.cfg.IngestWait)
	defer timer.Stop()
	for i, out := range batch.Outputs {
		doc, err := json.Marshal(out)
		if err != nil {
			c.logger.Warn("encode output failed", zap.String("query_id", out.QueryID), zap.Error(err))
			continue
		}
		select {
		case c.pending <- doc:
		case <-c.stopped:
			c.dropOutputs(n-i, "coordinator stopped; outputs dropped")
			return
		case <-timer.C:
			c.dropOutputs(n-i, "output queue full; outputs dropped")
			return
		}
	}
}

func (c *Coordinator) dropOutputs(n int, msg string) {
	c.dropped.Add(int64(n))
	metrics.AddOutputsDropped(n)
	c.logger.Warn(msg, zap.Int("dropped", n), zap.Duration("ingest_wait", c.cfg.IngestWait))
}

// persist is the only writer of the output sink.
func (c *Coordinator) persist(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.drain(ctx)
			return
		case doc := <-c.pending:
			c.write(ctx, doc)
		}
	}
}

func (c *Coordinator) drain(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), drainTimeout)
	defer cancel()
	for {
		select {
		case doc := <-c.pending:
			c.write(ctx, doc)
		default:
			return
		}
	}
}

func (c *Coordinator) write(ctx context.Context, doc []byte) {
	if err := c.deps.Store.InsertOutput(ctx, doc); err != nil {
		metrics.ObserveOutputPersisted(false)
		c.logger.Warn("persist output failed", zap.Error(err))
		return
	}
	metrics.ObserveOutputPersisted(true)
}

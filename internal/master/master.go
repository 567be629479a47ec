// Package master implements the coordinator behind the master HTTP API: it
// hands out sessions, serves queries, leases archive locators, ingests outputs
// and records completions.
//
// Store access and the query cache belong to a single owner goroutine.
// Callers submit typed operations and wait for the reply, so no two store
// calls ever overlap. Outputs are persisted by one dedicated writer.
package master

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/archive-scanner/internal/metrics"
	"github.com/JakeFAU/archive-scanner/internal/store"
)

// Defaults applied by New.
const (
	DefaultSessionTTL       = 48 * time.Hour
	DefaultOutputQueueDepth = 1024
	DefaultIngestWait       = 30 * time.Second
	DefaultDebugLocator     = "commoncrawl/crawl-data/CC-MAIN-2018-51/segments/1544376823710.44/warc/" +
		"CC-MAIN-20181212000955-20181212022455-00124.warc.gz"
)

var (
	// ErrForbidden is returned when a registration presents the wrong secret.
	ErrForbidden = errors.New("invalid secret")
	// ErrUnauthorized is returned for missing, unknown or expired sessions.
	ErrUnauthorized = errors.New("invalid or expired session")
	// ErrNoWork is returned when the work queue is empty.
	ErrNoWork = errors.New("no work available")
	// ErrStopped is returned when the owner goroutine is not running.
	ErrStopped = errors.New("coordinator is not running")
)

// PurgeMode selects when leased locators leave the inputs table.
type PurgeMode string

// Purge modes.
const (
	// PurgeDispense deletes the row when it is leased.
	PurgeDispense PurgeMode = "dispense"
	// PurgeComplete deletes the row when the lease is completed.
	PurgeComplete PurgeMode = "complete"
	// PurgeNone never deletes rows.
	PurgeNone PurgeMode = "none"
)

// ParsePurgeMode validates a configured purge mode. Empty means PurgeNone.
func ParsePurgeMode(raw string) (PurgeMode, error) {
	switch mode := PurgeMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return PurgeNone, nil
	case PurgeDispense, PurgeComplete, PurgeNone:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown purge mode %q", raw)
	}
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// ItemIDs derives work item ids from locators.
type ItemIDs interface {
	ID(locator string) string
	Valid(id string) bool
}

// IDGenerator issues access keys.
type IDGenerator interface {
	NewAccessKey() (string, error)
}

// Notifier publishes completion notices.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Config controls Coordinator behavior.
type Config struct {
	Secret string
	// Debug leases DebugLocator forever instead of reading the work queue.
	Debug        bool
	DebugLocator string
	// DebugQueries, when positive in debug mode, serves that many copies of
	// the fixture query instead of the stored queries.
	DebugQueries int
	Purge        PurgeMode
	// SessionTTL is the validity window since a session was last seen. Zero
	// disables expiry.
	SessionTTL       time.Duration
	StrictSchema     bool
	OutputQueueDepth int
	// IngestWait bounds how long a decoded batch waits for room in the
	// output queue.
	IngestWait time.Duration
	// Topic receives completion notices when a Notifier is set.
	Topic string
}

// Deps bundles the Coordinator collaborators.
type Deps struct {
	Store    store.Store
	Clock    Clock
	ItemIDs  ItemIDs
	IDs      IDGenerator
	Notifier Notifier
}

// Coordinator implements the master's operations.
type Coordinator struct {
	cfg      Config
	deps     Deps
	logger   *zap.Logger
	sessions *ttlcache.Cache[string, Session]
	requests chan request
	pending  chan []byte
	accepted atomic.Int64
	dropped  atomic.Int64
	running  atomic.Bool
	stopped  chan struct{}
}

// New validates cfg and constructs a Coordinator. Call Run to start it.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Clock == nil || deps.ItemIDs == nil || deps.IDs == nil {
		return nil, fmt.Errorf("clock, item ids and access key generator are required")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("master secret is required")
	}
	if cfg.Purge == "" {
		cfg.Purge = PurgeNone
	}
	if _, err := ParsePurgeMode(string(cfg.Purge)); err != nil {
		return nil, err
	}
	if cfg.Debug && cfg.DebugLocator == "" {
		cfg.DebugLocator = DefaultDebugLocator
	}
	if cfg.OutputQueueDepth <= 0 {
		cfg.OutputQueueDepth = DefaultOutputQueueDepth
	}
	if cfg.IngestWait <= 0 {
		cfg.IngestWait = DefaultIngestWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts []ttlcache.Option[string, Session]
	if cfg.SessionTTL > 0 {
		opts = append(opts, ttlcache.WithTTL[string, Session](cfg.SessionTTL))
	}
	sessions := ttlcache.New[string, Session](opts...)

	c := &Coordinator{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		sessions: sessions,
		requests: make(chan request),
		pending:  make(chan []byte, cfg.OutputQueueDepth),
		stopped:  make(chan struct{}),
	}
	sessions.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, Session]) {
		if reason == ttlcache.EvictionReasonExpired {
			logger.Info("session expired", zap.Time("last_seen", item.Value().LastSeen))
		}
		metrics.SetSessions(c.sessions.Len())
	})
	return c, nil
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Accepted returns the number of outputs accepted since startup.
func (c *Coordinator) Accepted() int64 {
	return c.accepted.Load()
}

// Dropped returns the number of accepted outputs that never reached the
// output queue.
func (c *Coordinator) Dropped() int64 {
	return c.dropped.Load()
}

// CheckSchema verifies the store tables. A failure is logged and, when
// StrictSchema is set, returned.
func (c *Coordinator) CheckSchema(ctx context.Context) error {
	err := c.deps.Store.VerifySchema(ctx)
	if err == nil {
		c.logger.Info("database schema verified")
		return nil
	}
	c.logger.Error("database schema check failed", zap.Error(err), zap.Bool("strict", c.cfg.StrictSchema))
	if c.cfg.StrictSchema {
		return fmt.Errorf("verify schema: %w", err)
	}
	return nil
}

// Run starts the owner goroutine, the persistence worker and session expiry,
// and blocks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("coordinator already running")
	}
	defer close(c.stopped)

	g, gctx := errgroup.WithContext(ctx)
	owner := newOwner(c)
	g.Go(func() error {
		owner.loop(gctx)
		return nil
	})
	g.Go(func() error {
		c.persist(gctx)
		return nil
	})
	g.Go(func() error {
		c.sessions.Start()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		c.sessions.Stop()
		return nil
	})

	c.logger.Info("master coordinator started",
		zap.Bool("debug", c.cfg.Debug),
		zap.String("purge", string(c.cfg.Purge)),
	)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("run coordinator: %w", err)
	}
	c.logger.Info("master coordinator stopped", zap.Int64("outputs_accepted", c.accepted.Load()))
	return nil
}

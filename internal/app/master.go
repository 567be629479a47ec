package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/archive-scanner/internal/api"
	"github.com/JakeFAU/archive-scanner/internal/clock/system"
	"github.com/JakeFAU/archive-scanner/internal/config"
	hashsha256 "github.com/JakeFAU/archive-scanner/internal/hash/sha256"
	"github.com/JakeFAU/archive-scanner/internal/id/uuid"
	"github.com/JakeFAU/archive-scanner/internal/master"
	"github.com/JakeFAU/archive-scanner/internal/publisher/pubsub"
	"github.com/JakeFAU/archive-scanner/internal/store"
	"github.com/JakeFAU/archive-scanner/internal/store/memory"
	"github.com/JakeFAU/archive-scanner/internal/store/postgres"
)

const shutdownTimeout = 10 * time.Second

// Master is the coordinator process: the work queue, sessions and the HTTP
// API in front of them.
type Master struct {
	*App
	coord  *master.Coordinator
	server *http.Server
}

// BuildMaster wires the store, notifier, coordinator and HTTP server.
func BuildMaster(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Master, error) {
	base, err := New(ctx, cfg, "master", logger)
	if err != nil {
		return nil, err
	}
	m := &Master{App: base}

	st, err := m.setupStore(ctx)
	if err != nil {
		return nil, m.abort(ctx, err)
	}
	notifier, err := m.setupNotifier(ctx)
	if err != nil {
		return nil, m.abort(ctx, err)
	}
	purge, err := master.ParsePurgeMode(cfg.Master.Purge)
	if err != nil {
		return nil, m.abort(ctx, err)
	}

	deps := master.Deps{
		Store:   st,
		Clock:   system.New(),
		ItemIDs: hashsha256.New(),
		IDs:     uuid.New(),
	}
	if notifier != nil {
		deps.Notifier = notifier
	}
	coord, err := master.New(master.Config{
		Secret:           cfg.Master.Secret,
		Debug:            cfg.Master.Debug,
		DebugLocator:     cfg.Master.DebugLocator,
		DebugQueries:     cfg.Master.DebugQueries,
		Purge:            purge,
		SessionTTL:       cfg.Master.SessionTTL,
		StrictSchema:     cfg.Master.StrictSchema,
		OutputQueueDepth: cfg.Master.OutputQueueDepth,
		IngestWait:       cfg.Master.IngestWait,
		Topic:            cfg.PubSub.TopicName,
	}, deps, m.logger)
	if err != nil {
		return nil, m.abort(ctx, fmt.Errorf("create coordinator: %w", err))
	}
	m.coord = coord

	handler := api.NewServer(coord, api.Config{
		MaxOutputBytes: cfg.Master.MaxOutputBytes,
		RequestTimeout: cfg.Master.RequestTimeout,
		RegisterRPS:    cfg.Master.RegisterRPS,
		RegisterBurst:  cfg.Master.RegisterBurst,
	}, m.logger).Handler()
	m.server = &http.Server{
		Addr:              cfg.Master.Bind,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return m, nil
}

// Handler exposes the HTTP API, mainly for tests.
func (m *Master) Handler() http.Handler {
	return m.server.Handler
}

// Run checks the schema, then serves until ctx is cancelled and shuts the
// server down gracefully.
func (m *Master) Run(ctx context.Context) error {
	if err := m.coord.CheckSchema(ctx); err != nil {
		return fmt.Errorf("check schema: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.coord.Run(gctx)
	})
	g.Go(func() error {
		m.logger.Info("http server started", zap.String("bind", m.server.Addr))
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		m.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := m.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (m *Master) setupStore(ctx context.Context) (store.Store, error) {
	if m.cfg.DB.DSN == "" {
		m.logger.Warn("no DSN specified for database, using in-memory work queue")
		return memory.New(nil, nil), nil
	}
	st, err := postgres.New(ctx, postgres.Config{
		DSN:             m.cfg.DB.DSN,
		MaxConns:        m.cfg.DB.MaxConns,
		MaxConnLifetime: m.cfg.DB.MaxConnLifetime,
		QueriesColumn:   m.cfg.DB.QueriesColumn,
	})
	if err != nil {
		return nil, fmt.Errorf("create postgres store: %w", err)
	}
	m.Track("postgres", CloserFunc(func() error {
		st.Close()
		return nil
	}))
	m.logger.Info("postgres store initialized", zap.String("queries_column", m.cfg.DB.QueriesColumn))
	return st, nil
}

func (m *Master) setupNotifier(ctx context.Context) (*pubsub.Publisher, error) {
	if m.cfg.PubSub.TopicName == "" {
		m.logger.Info("no Pub/Sub topic configured, completion notices disabled")
		return nil, nil
	}
	pub, err := pubsub.Dial(ctx, m.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub publisher: %w", err)
	}
	m.Track("pubsub", pub)
	m.logger.Info("pubsub notifier initialized",
		zap.String("project_id", m.cfg.PubSub.ProjectID),
		zap.String("topic", m.cfg.PubSub.TopicName),
	)
	return pub, nil
}

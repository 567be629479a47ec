package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/JakeFAU/archive-scanner/internal/apiclient"
	"github.com/JakeFAU/archive-scanner/internal/clock/system"
	"github.com/JakeFAU/archive-scanner/internal/config"
	"github.com/JakeFAU/archive-scanner/internal/dispatcher"
	"github.com/JakeFAU/archive-scanner/internal/metrics"
	"github.com/JakeFAU/archive-scanner/internal/protocol"
	"github.com/JakeFAU/archive-scanner/internal/scan"
	"github.com/JakeFAU/archive-scanner/internal/scan/pattern"
	"github.com/JakeFAU/archive-scanner/internal/storage"
	"github.com/JakeFAU/archive-scanner/internal/storage/gcs"
	"github.com/JakeFAU/archive-scanner/internal/storage/local"
	"github.com/JakeFAU/archive-scanner/internal/storage/s3"
	"github.com/JakeFAU/archive-scanner/internal/worker"
)

// Client is a worker process: it leases archives from the master, scans
// them and pushes outputs back.
type Client struct {
	*App
	worker  *worker.Worker
	metrics *http.Server
}

// BuildClient wires the archive source, master client and worker.
func BuildClient(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Client, error) {
	base, err := New(ctx, cfg, "client", logger)
	if err != nil {
		return nil, err
	}
	c := &Client{App: base}

	source, err := c.setupSource(ctx)
	if err != nil {
		return nil, c.abort(ctx, err)
	}
	mc, err := apiclient.New(apiclient.Config{
		BaseURL: cfg.Client.MasterURL,
		Timeout: cfg.Client.HTTPTimeout,
	})
	if err != nil {
		return nil, c.abort(ctx, fmt.Errorf("create master client: %w", err))
	}

	c.logger.Info("worker config",
		zap.String("master_url", cfg.Client.MasterURL),
		zap.Int("threads", cfg.Client.Threads),
		zap.Int("batch_size", cfg.Client.BatchSize),
		zap.Int("ceiling", cfg.Client.Ceiling),
		zap.Int("flush_every", cfg.Client.FlushEvery),
	)
	w, err := worker.New(worker.Config{
		Secret:        cfg.Client.Secret,
		Threads:       cfg.Client.Threads,
		DefaultBucket: cfg.Storage.DefaultBucket,
		ChunkSize:     cfg.Client.ChunkSize,
		Dispatch: dispatcher.Config{
			BatchSize: cfg.Client.BatchSize,
			Ceiling:   cfg.Client.Ceiling,
			Interval:  cfg.Client.BackpressureInterval,
			MaxWait:   cfg.Client.BackpressureMaxWait,
		},
		FlushEvery:         cfg.Client.FlushEvery,
		RetainFailed:       cfg.Client.RetainFailedOutputs,
		DrainMaxIterations: cfg.Client.DrainMaxIterations,
		DrainInterval:      cfg.Client.DrainInterval,
		Cooldown:           cfg.Client.Cooldown,
	}, worker.Deps{
		Master:   mc,
		Source:   source,
		Compiler: scan.CompilerFunc(pattern.Compile),
		Clock:    system.New(),
	}, c.logger)
	if err != nil {
		return nil, c.abort(ctx, fmt.Errorf("create worker: %w", err))
	}
	c.worker = w

	if cfg.Client.MetricsAddr != "" {
		r := chi.NewRouter()
		r.Method(http.MethodGet, protocol.PathMetrics, metrics.Handler())
		c.metrics = &http.Server{
			Addr:              cfg.Client.MetricsAddr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return c, nil
}

// Run drives the worker until ctx is cancelled or a fatal error occurs.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	workerCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return c.worker.Run(workerCtx)
	})
	if c.metrics != nil {
		g.Go(func() error {
			c.logger.Info("metrics server started", zap.String("addr", c.metrics.Addr))
			if err := c.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-workerCtx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			if err := c.metrics.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("metrics shutdown: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Client) setupSource(ctx context.Context) (storage.Source, error) {
	sc := c.cfg.Storage
	switch sc.Provider {
	case config.ProviderS3:
		src, err := s3.New(ctx, s3.Config{
			Region:    sc.S3.Region,
			Endpoint:  sc.S3.Endpoint,
			Anonymous: sc.S3.Anonymous,
			PathStyle: sc.S3.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 source: %w", err)
		}
		c.logger.Info("using S3 archive source", zap.String("region", sc.S3.Region))
		return src, nil
	case config.ProviderGCS:
		var opts []option.ClientOption
		if sc.GCS.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(sc.GCS.Endpoint))
		}
		if sc.GCS.Anonymous {
			opts = append(opts, option.WithoutAuthentication())
		}
		src, err := gcs.Dial(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create gcs source: %w", err)
		}
		c.Track("gcs", src)
		c.logger.Info("using GCS archive source")
		return src, nil
	case config.ProviderLocal:
		src, err := local.New(local.Config{BaseDir: sc.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("create local source: %w", err)
		}
		c.logger.Info("using local archive source", zap.String("base_dir", sc.Local.BaseDir))
		return src, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", sc.Provider)
	}
}

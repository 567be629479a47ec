// Package app initializes and holds the long-lived services of a master or
// client process and runs them until shutdown.
package app

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-scanner/internal/config"
	"github.com/JakeFAU/archive-scanner/internal/telemetry"
)

// Closer is a resource released on shutdown.
type Closer interface {
	Close() error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }

type resource struct {
	name string
	c    Closer
}

// App holds the services shared by both roles: configuration, logger,
// tracing and the resources to release on shutdown.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	resources      []resource
	tracerShutdown func(context.Context) error
}

// New creates an App and initializes tracing for role.
func New(ctx context.Context, cfg config.Config, role string, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Role:        role,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	logger.Info("application created", zap.String("role", role))
	return a, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Track registers c to be closed on shutdown, in reverse registration order.
func (a *App) Track(name string, c Closer) {
	a.resources = append(a.resources, resource{name: name, c: c})
}

// Close releases every tracked resource and flushes telemetry. All failures
// are reported together.
func (a *App) Close(ctx context.Context) error {
	var result *multierror.Error
	for i := len(a.resources) - 1; i >= 0; i-- {
		res := a.resources[i]
		if err := res.c.Close(); err != nil {
			a.logger.Warn("resource close failed", zap.String("resource", res.name), zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("close %s: %w", res.name, err))
		}
	}
	a.resources = nil
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	a.logger.Info("shutdown complete")
	return result.ErrorOrNil()
}

// abort releases whatever was built before a failed step.
func (a *App) abort(ctx context.Context, err error) error {
	if cerr := a.Close(ctx); cerr != nil {
		a.logger.Warn("cleanup after failed build", zap.Error(cerr))
	}
	return err
}

// Package cmd defines the CLI for the archive-scanner executable: a master
// subcommand that coordinates work and a client subcommand that scans it.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-scanner/internal/config"
	"github.com/JakeFAU/archive-scanner/internal/logging"
)

const closeTimeout = 10 * time.Second

// service is a built master or client process.
type service interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

type buildFunc func(ctx context.Context, cfg config.Config, logger *zap.Logger) (service, error)

// newRootCmd creates the root command and its subcommands. Each invocation
// owns a fresh Viper instance so flags, environment and file values never
// leak between commands.
func newRootCmd() *cobra.Command {
	v := config.NewViper()
	cmd := &cobra.Command{
		Use:   "archive-scanner",
		Short: "Distributed pattern scanner for WARC web archives.",
		Long: `archive-scanner runs as either a master, which hands out archive
locators and collects scan outputs, or a client, which streams archives from
object storage, runs the configured queries over every record and reports
the matches back to the master.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("config", "", "path to a YAML config file")
	cmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	bindFlag(v, "logging.level", cmd.PersistentFlags().Lookup("log-level"))

	cmd.AddCommand(newMasterCmd(v), newClientCmd(v))
	return cmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "archive-scanner: %v\n", err)
		os.Exit(1)
	}
}

func bindFlag(v *viper.Viper, key string, f *pflag.Flag) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", f.Name, err))
	}
}

// loadConfig merges the optional config file into v and decodes it.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("read config flag: %w", err)
	}
	cfg, err := config.Read(v, path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// runService builds the logger and the service, then runs it until an
// interrupt or terminate signal arrives.
func runService(cmd *cobra.Command, cfg config.Config, role string, build buildFunc) error {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() {
		// Sync on a terminal stderr returns EINVAL; there is nothing to do about it.
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := build(ctx, cfg, logger.With(zap.String("role", role)))
	if err != nil {
		return fmt.Errorf("build %s: %w", role, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := svc.Close(closeCtx); cerr != nil {
			logger.Warn("close failed", zap.String("role", role), zap.Error(cerr))
		}
	}()

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run %s: %w", role, err)
	}
	logger.Info("stopped", zap.String("role", role))
	return nil
}

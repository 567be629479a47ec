package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-scanner/internal/app"
	"github.com/JakeFAU/archive-scanner/internal/config"
)

func newClientCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Runs a scanning worker",
		Long: `Registers with the master, leases archive locators, streams each
archive from object storage through the configured queries and pushes the
outputs back until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			if err := cfg.ValidateClient(); err != nil {
				return err
			}
			return runService(cmd, cfg, "client", buildClient)
		},
	}

	f := cmd.Flags()
	f.String("master-url", "", "base URL of the master")
	f.String("secret", "", "shared registration secret")
	f.Int("threads", 0, "scan threads shared by all query groups")
	f.Int("batch-size", 0, "documents per dispatched batch")
	f.Int("ceiling", 0, "pending batch depth at which dispatch stalls")
	f.String("storage", "", "archive source: s3, gcs or local")
	f.String("bucket", "", "bucket used when a locator names none")
	f.String("local-dir", "", "base directory for the local archive source")
	f.String("metrics-addr", "", "address for the Prometheus endpoint; empty disables it")
	f.Bool("retain-failed-outputs", false, "keep outputs whose delivery failed for the next flush")
	bindFlag(v, "client.master_url", f.Lookup("master-url"))
	bindFlag(v, "client.secret", f.Lookup("secret"))
	bindFlag(v, "client.threads", f.Lookup("threads"))
	bindFlag(v, "client.batch_size", f.Lookup("batch-size"))
	bindFlag(v, "client.ceiling", f.Lookup("ceiling"))
	bindFlag(v, "storage.provider", f.Lookup("storage"))
	bindFlag(v, "storage.default_bucket", f.Lookup("bucket"))
	bindFlag(v, "storage.local.base_dir", f.Lookup("local-dir"))
	bindFlag(v, "client.metrics_addr", f.Lookup("metrics-addr"))
	bindFlag(v, "client.retain_failed_outputs", f.Lookup("retain-failed-outputs"))
	return cmd
}

func buildClient(ctx context.Context, cfg config.Config, logger *zap.Logger) (service, error) {
	return app.BuildClient(ctx, cfg, logger)
}

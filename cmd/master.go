package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-scanner/internal/app"
	"github.com/JakeFAU/archive-scanner/internal/config"
)

func newMasterCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Runs the work coordinator",
		Long: `Serves archive locators from the inputs table to registered clients,
hands out the stored queries and persists the outputs clients push back.
Without a database DSN the master runs on an in-memory queue.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			if err := cfg.ValidateMaster(); err != nil {
				return err
			}
			return runService(cmd, cfg, "master", buildMaster)
		},
	}

	f := cmd.Flags()
	f.String("bind", "", "listen address, e.g. :8080")
	f.String("secret", "", "shared registration secret")
	f.Bool("debug", false, "lease the debug locator forever instead of reading the queue")
	f.Int("debug-queries", 0, "serve this many copies of the built-in query in debug mode")
	f.String("debug-locator", "", "locator leased in debug mode")
	f.String("purge", "", "when leased inputs are deleted: none, dispense or complete")
	f.Bool("strict-schema", false, "fail startup when the database schema is incomplete")
	f.String("dsn", "", "Postgres connection string")
	f.String("topic", "", "Pub/Sub topic for completion notices")
	bindFlag(v, "master.bind", f.Lookup("bind"))
	bindFlag(v, "master.secret", f.Lookup("secret"))
	bindFlag(v, "master.debug", f.Lookup("debug"))
	bindFlag(v, "master.debug_queries", f.Lookup("debug-queries"))
	bindFlag(v, "master.debug_locator", f.Lookup("debug-locator"))
	bindFlag(v, "master.purge", f.Lookup("purge"))
	bindFlag(v, "master.strict_schema", f.Lookup("strict-schema"))
	bindFlag(v, "db.dsn", f.Lookup("dsn"))
	bindFlag(v, "pubsub.topic_name", f.Lookup("topic"))
	return cmd
}

func buildMaster(ctx context.Context, cfg config.Config, logger *zap.Logger) (service, error) {
	return app.BuildMaster(ctx, cfg, logger)
}

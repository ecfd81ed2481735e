package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"custody/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the ledger schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load(viper.GetViper())
		logger := buildLogger(cfg.LogLevel, cfg.LogFormat)

		// Opening a backend applies its pending migrations.
		store, err := openLedger(context.Background(), cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "%s ledger schema is up to date\n", driverName(cfg.DBDriver))
		return nil
	},
}

func driverName(driver string) string {
	if driver == "" {
		return "sqlite"
	}
	return driver
}

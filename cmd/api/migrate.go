package main

import (
	"github.com/spf13/cobra"

	"github.com/benchwarmers/marketplace/internal/database"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the application schema and River migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := database.NewPool(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := database.Migrate(ctx, pool, logger); err != nil {
				return err
			}
			logger.Info("migrations complete")
			return nil
		},
	}
}

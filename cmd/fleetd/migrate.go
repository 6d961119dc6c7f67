package main

import (
	"fmt"

	"github.com/Priya8975/fleet-gateway/internal/config"
	"github.com/Priya8975/fleet-gateway/internal/logging"
	"github.com/Priya8975/fleet-gateway/internal/store"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.StoreDriver != config.StorePostgres {
				return fmt.Errorf("migrate needs STORE_DRIVER=%s", config.StorePostgres)
			}
			logger, closer := logging.New(cfg.LogLevel, cfg.LogFile)
			defer closer.Close()

			pg, err := store.NewPostgres(cmd.Context(), cfg.DatabaseURL, 2)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.RunMigrations(cmd.Context()); err != nil {
				return err
			}
			logger.Info("database migrations applied")
			return nil
		},
	}
}

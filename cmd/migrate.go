package cmd

import (
	"example.com/backstage/ingest/internal/database"
	"example.com/backstage/ingest/internal/metrics"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DB.Driver == driverMemory {
			return errors.New("nothing to migrate for the in-memory store")
		}

		db, err := database.Connect(cfg.DB, metrics.NewMetrics())
		if err != nil {
			return err
		}
		defer func() {
			if err := database.Close(db); err != nil {
				log.Warn().Err(err).Msg("Failed to close database")
			}
		}()

		log.Info().Msg("Running database migrations...")
		if err := database.Migrate(db); err != nil {
			return errors.Wrap(err, "failed to run database migrations")
		}

		log.Info().Msg("Database migrations completed successfully")
		return nil
	},
}
